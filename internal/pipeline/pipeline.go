// Package pipeline drives builds through the eight-stage sequence. Each
// stage routes its artifact context and calls one collaborator, then
// commits the output durably before the next stage starts. Failures map
// through the fault taxonomy: transient errors retry under per-stage
// attempt budgets and validation errors reject the build with its full
// finding list, while anything unclassified fails it outright. A
// resumed build replays committed stage outputs instead of repeating
// their work.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/forgeworks/specforge/internal/audit"
	"github.com/forgeworks/specforge/internal/builder"
	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/capability"
	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/fault"
	"github.com/forgeworks/specforge/internal/genspec"
	"github.com/forgeworks/specforge/internal/interpret"
	"github.com/forgeworks/specforge/internal/otel"
	"github.com/forgeworks/specforge/internal/persistence"
	"github.com/forgeworks/specforge/internal/router"
	"github.com/forgeworks/specforge/internal/rules"
	"github.com/forgeworks/specforge/internal/safety"
	"github.com/forgeworks/specforge/internal/shared"
	"github.com/forgeworks/specforge/internal/specdoc"
)

// Result statuses, in the vocabulary of the CLI and the gateway.
const (
	StatusSuccess            = "success"
	StatusRejected           = "rejected"
	StatusNeedsClarification = "needs_clarification"
	StatusError              = "error"
	StatusCanceled           = "canceled"
)

// In-flight statuses appear only in Snapshot results; Execute and
// Resume block until a terminal status.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusRetryWait = "retry_wait"
)

// rowAttemptCeiling caps the stored attempt counter per build. It
// matches the largest per-stage budget so the orchestrator's budgets
// decide; the stored ceiling only backstops workers running old code.
const rowAttemptCeiling = 4

// maxClarificationQuestions bounds the question list on a halted build.
const maxClarificationQuestions = 5

// Reclaiming after a retry wait polls briefly past the nominal delay:
// the stored retry clock has second precision, so an exact-time claim
// can miss by truncation.
const (
	reclaimPollInterval = 250 * time.Millisecond
	reclaimGrace        = 5 * time.Second
)

// BuildResult is the terminal summary of one build, whether it just ran
// or was replayed from storage. Snapshots of in-flight builds carry the
// stage cursor instead of an outcome.
type BuildResult struct {
	BuildID         string                   `json:"build_id"`
	Status          string                   `json:"status"`
	Stage           string                   `json:"stage,omitempty"`
	Attempt         int                      `json:"attempt,omitempty"`
	ArtifactPath    string                   `json:"artifact_path,omitempty"`
	Errors          []fault.Violation        `json:"errors,omitempty"`
	Warnings        []string                 `json:"warnings,omitempty"`
	Downgrades      []rules.Downgrade        `json:"downgrades,omitempty"`
	Questions       []string                 `json:"questions,omitempty"`
	UnmappedPhrases []string                 `json:"unmapped_phrases,omitempty"`
	Confidence      float64                  `json:"confidence,omitempty"`
	Error           string                   `json:"error,omitempty"`
	StageTimings    map[string]time.Duration `json:"stage_timings,omitempty"`
}

// Deps wires the orchestrator's collaborators. Store through Executor
// are required; the rest default to working zero-cost stand-ins.
type Deps struct {
	Store        *persistence.Store
	Router       *router.Router
	Interpreter  interpret.Interpreter
	Capabilities capability.Source
	Generator    genspec.Generator
	Rules        *rules.Engine
	Schema       *specdoc.SchemaValidator
	Executor     builder.Executor

	Screen  *safety.Screen
	Leaks   *safety.LeakDetector
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	Config config.Config
}

// Options tunes orchestrator behavior without changing its wiring.
type Options struct {
	// Owner identifies this worker on build leases. Defaults to a fresh
	// uuid per orchestrator.
	Owner string

	// Sleeper waits out retry backoff. Tests inject a fake.
	Sleeper Sleeper

	// Clock drives backoff elapsed-time accounting.
	Clock backoff.Clock
}

// Orchestrator executes builds. Safe for concurrent use; every build's
// mutable state lives in its own run.
type Orchestrator struct {
	deps    Deps
	owner   string
	sleeper Sleeper
	clock   backoff.Clock
	tracer  trace.Tracer
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline: persistence store is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("pipeline: router is required")
	case deps.Interpreter == nil:
		return nil, fmt.Errorf("pipeline: interpreter is required")
	case deps.Capabilities == nil:
		return nil, fmt.Errorf("pipeline: capability source is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("pipeline: spec generator is required")
	case deps.Rules == nil:
		return nil, fmt.Errorf("pipeline: rule engine is required")
	case deps.Schema == nil:
		return nil, fmt.Errorf("pipeline: schema validator is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("pipeline: executor is required")
	}
	if deps.Screen == nil {
		deps.Screen = safety.NewScreen()
	}
	if deps.Leaks == nil {
		deps.Leaks = safety.NewLeakDetector()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	owner := opts.Owner
	if owner == "" {
		owner = shared.NewLeaseOwner()
	}
	sleeper := opts.Sleeper
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	return &Orchestrator{
		deps:    deps,
		owner:   owner,
		sleeper: sleeper,
		clock:   opts.Clock,
		tracer:  tracer,
	}, nil
}

// Owner returns the lease owner id this orchestrator claims builds with.
func (o *Orchestrator) Owner() string { return o.owner }

// Execute runs one build request end to end and blocks until the build
// reaches a terminal state or its run is interrupted. Submitting text
// that canonicalizes to an earlier submission returns that build's
// outcome instead of starting a second one.
func (o *Orchestrator) Execute(ctx context.Context, rawText string) (*BuildResult, error) {
	raw := strings.TrimSpace(rawText)
	if raw == "" {
		return nil, fmt.Errorf("empty build request")
	}
	canonical := canonicalizeInput(raw)
	key := submissionKey(canonical)

	existing, err := o.deps.Store.FindBySubmissionKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		slog.Info("duplicate submission", "build_id", existing.BuildID, "status", existing.Status)
		return o.continueExisting(ctx, existing)
	}

	build, err := o.deps.Store.CreateBuild(ctx, persistence.NewBuild{
		BuildID:        provisionalBuildID(canonical),
		SubmissionKey:  key,
		UserInput:      raw,
		CanonicalInput: canonical,
		MaxAttempts:    rowAttemptCeiling,
	})
	if err != nil {
		// A racing duplicate loses the insert but finds the winner's row.
		if existing, ferr := o.deps.Store.FindBySubmissionKey(ctx, key); ferr == nil && existing != nil {
			return o.continueExisting(ctx, existing)
		}
		return nil, err
	}
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(bus.TopicBuildCreated, bus.BuildCreatedEvent{BuildID: build.BuildID, Request: raw})
	}

	claimed, err := o.deps.Store.ClaimBuild(ctx, build.BuildID, o.owner)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, fmt.Errorf("build %s was claimed by another worker", build.BuildID)
	}
	return o.runBuild(ctx, claimed)
}

// Resume continues a stored build. NEEDS_CLARIFICATION builds reopen
// and rerun interpretation against the original request; other terminal
// builds replay their stored result.
func (o *Orchestrator) Resume(ctx context.Context, buildID string) (*BuildResult, error) {
	build, err := o.lookupBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	buildID = build.BuildID

	if build.Status == persistence.BuildStatusNeedsClarification {
		reopened, err := o.deps.Store.ReopenBuild(ctx, buildID)
		if err != nil {
			return nil, err
		}
		if !reopened {
			return nil, fmt.Errorf("build %s could not be reopened", buildID)
		}
		build, err = o.deps.Store.GetBuild(ctx, buildID)
		if err != nil {
			return nil, err
		}
	} else if build.Terminal() {
		return o.storedResult(ctx, build)
	}

	claimed, err := o.claimWhenDue(ctx, build)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, fmt.Errorf("build %s is running on another worker", buildID)
	}
	return o.runBuild(ctx, claimed)
}

// RunNext claims the oldest runnable build and executes it. Daemon
// workers loop on this; nil result with nil error means the queue is
// empty.
func (o *Orchestrator) RunNext(ctx context.Context) (*BuildResult, error) {
	claimed, err := o.deps.Store.ClaimNextReadyBuild(ctx, o.owner)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}
	return o.runBuild(ctx, claimed)
}

// Submit enqueues a build without running it and returns its id; daemon
// workers pick it up from the queue. A request that canonicalizes to an
// earlier submission returns that build's id with created false.
func (o *Orchestrator) Submit(ctx context.Context, rawText string) (string, bool, error) {
	raw := strings.TrimSpace(rawText)
	if raw == "" {
		return "", false, fmt.Errorf("empty build request")
	}
	canonical := canonicalizeInput(raw)
	key := submissionKey(canonical)

	existing, err := o.deps.Store.FindBySubmissionKey(ctx, key)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.BuildID, false, nil
	}

	build, err := o.deps.Store.CreateBuild(ctx, persistence.NewBuild{
		BuildID:        provisionalBuildID(canonical),
		SubmissionKey:  key,
		UserInput:      raw,
		CanonicalInput: canonical,
		MaxAttempts:    rowAttemptCeiling,
	})
	if err != nil {
		if existing, ferr := o.deps.Store.FindBySubmissionKey(ctx, key); ferr == nil && existing != nil {
			return existing.BuildID, false, nil
		}
		return "", false, err
	}
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(bus.TopicBuildCreated, bus.BuildCreatedEvent{BuildID: build.BuildID, Request: raw})
	}
	return build.BuildID, true, nil
}

// Snapshot reports a build's stored state without claiming or running
// anything. Terminal builds replay their full result; in-flight builds
// report the stage cursor.
func (o *Orchestrator) Snapshot(ctx context.Context, buildID string) (*BuildResult, error) {
	build, err := o.lookupBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build.Terminal() {
		return o.storedResult(ctx, build)
	}

	res := &BuildResult{BuildID: build.BuildID, Attempt: build.Attempt, Confidence: build.Confidence}
	switch build.Status {
	case persistence.BuildStatusPending:
		res.Status = StatusPending
	case persistence.BuildStatusRetryWait:
		res.Status = StatusRetryWait
	default:
		res.Status = StatusRunning
	}
	if stage, ok := stageAt(build.CurrentStage); ok {
		res.Stage = stage.String()
	}
	o.attachTimings(ctx, res)
	return res, nil
}

// lookupBuild loads a build by id, following the identifier rename a
// capability match performs. Callers holding a provisional id from
// Submit keep working after the build realizes its content id.
func (o *Orchestrator) lookupBuild(ctx context.Context, buildID string) (*persistence.Build, error) {
	build, err := o.deps.Store.GetBuild(ctx, buildID)
	if err == nil {
		return build, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	resolved, rerr := o.deps.Store.ResolveBuildID(ctx, buildID)
	if rerr != nil || resolved == buildID {
		return nil, fmt.Errorf("build %s not found", buildID)
	}
	build, err = o.deps.Store.GetBuild(ctx, resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("build %s not found", buildID)
		}
		return nil, err
	}
	return build, nil
}

// continueExisting resolves a duplicate submission: terminal builds
// replay their stored result, waiting builds are picked up where the
// last worker left off.
func (o *Orchestrator) continueExisting(ctx context.Context, b *persistence.Build) (*BuildResult, error) {
	if b.Terminal() {
		return o.storedResult(ctx, b)
	}
	claimed, err := o.claimWhenDue(ctx, b)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, fmt.Errorf("build %s is running on another worker; check status later", b.BuildID)
	}
	return o.runBuild(ctx, claimed)
}

// claimWhenDue claims a waiting build, first sleeping out a retry clock
// that is still in the future.
func (o *Orchestrator) claimWhenDue(ctx context.Context, b *persistence.Build) (*persistence.Build, error) {
	if b.Status == persistence.BuildStatusRetryWait && b.NextRetryAt != nil {
		if wait := time.Until(*b.NextRetryAt); wait > 0 {
			slog.Info("waiting for retry window", "build_id", b.BuildID, "wait", wait.Round(time.Millisecond))
			if err := o.sleeper.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
	return o.reclaim(ctx, b.BuildID)
}

// reclaim acquires the lease on one build, polling through the
// truncation window of the second-precision retry clock.
func (o *Orchestrator) reclaim(ctx context.Context, buildID string) (*persistence.Build, error) {
	deadline := time.Now().Add(reclaimGrace)
	for {
		claimed, err := o.deps.Store.ClaimBuild(ctx, buildID, o.owner)
		if err != nil || claimed != nil {
			return claimed, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		if err := (realSleeper{}).Sleep(ctx, reclaimPollInterval); err != nil {
			return nil, err
		}
	}
}

// runBuild executes a claimed build from its committed cursor to a
// terminal state.
func (o *Orchestrator) runBuild(ctx context.Context, build *persistence.Build) (*BuildResult, error) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	st := newBuildState(build)
	start := time.Now()

	ctx, span := otel.StartSpan(ctx, o.tracer, "pipeline.build", otel.AttrBuildID.String(build.BuildID))
	defer span.End()

	if o.deps.Metrics != nil {
		o.deps.Metrics.ActiveBuilds.Add(ctx, 1)
		defer o.deps.Metrics.ActiveBuilds.Add(ctx, -1)
	}

	if build.CurrentStage > 0 {
		records, err := o.deps.Store.StageRecords(ctx, build.BuildID)
		if err != nil {
			return nil, err
		}
		if err := st.restore(records); err != nil {
			return o.failBuild(ctx, st, fmt.Errorf("restore committed stages: %w", err))
		}
		slog.Info("resuming build",
			"build_id", build.BuildID,
			"from_stage", Stage(build.CurrentStage).String(),
			"committed", len(records),
		)
	}

	stopHeartbeat := o.startHeartbeat(ctx, st)
	defer stopHeartbeat()

	for idx := build.CurrentStage; idx < int(stageCount); idx++ {
		stage, _ := stageAt(idx)

		if ctx.Err() != nil {
			return o.abortInterrupted(ctx, st)
		}
		canceled, err := o.deps.Store.IsCancelRequested(ctx, st.id())
		if err != nil {
			return nil, err
		}
		if canceled {
			return o.abortCanceled(ctx, st)
		}

		res, err := o.runStageWithRetries(ctx, st, stage)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	return o.finishSuccess(ctx, st, start)
}

// runStageWithRetries drives one stage to a committed output or a
// terminal decision. Transient failures retry inside the stage's
// attempt budget with exponential backoff; the durable retry schedule
// is shared with any worker that picks the build up instead.
func (o *Orchestrator) runStageWithRetries(ctx context.Context, st *buildState, stage Stage) (*BuildResult, error) {
	budget := stage.attemptBudget()
	bo := newStageBackOff(o.deps.Config.Pipeline.Retry, o.clock)

	for {
		build, err := o.deps.Store.GetBuild(ctx, st.id())
		if err != nil {
			return nil, err
		}
		tryNum := build.Attempt + 1

		stageCtx := shared.WithBuildID(shared.WithStage(ctx, stage.String()), st.id())
		var cancelStage context.CancelFunc
		if timeout := time.Duration(o.deps.Config.Pipeline.StageTimeoutSeconds) * time.Second; timeout > 0 {
			stageCtx, cancelStage = context.WithTimeout(stageCtx, timeout)
		}
		res, serr := o.invokeStage(stageCtx, st, stage, tryNum)
		if cancelStage != nil {
			cancelStage()
		}

		if serr == nil {
			if res != nil {
				return res, nil
			}
			return nil, nil
		}
		if ctx.Err() != nil {
			return o.abortInterrupted(ctx, st)
		}

		class := fault.Classify(serr)
		slog.Warn("stage failed",
			"build_id", st.id(),
			"stage", stage.String(),
			"attempt", tryNum,
			"class", string(class),
			"error", serr,
		)

		switch class {
		case fault.ClassValidation:
			return o.rejectBuild(ctx, st, serr)
		case fault.ClassTransient:
			// handled below
		default:
			return o.failBuild(ctx, st, serr)
		}

		if tryNum >= budget {
			return o.failBuild(ctx, st, fmt.Errorf("stage %s: attempt %d/%d: %w", stage, tryNum, budget, serr))
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return o.failBuild(ctx, st, fmt.Errorf("stage %s: retry window exhausted after attempt %d: %w", stage, tryNum, serr))
		}

		decision, err := o.deps.Store.HandleStageFailure(ctx, st.id(), stage.String(), serr.Error(), delay)
		if err != nil {
			return nil, err
		}
		st.leased.Store(false)
		if decision.Outcome == persistence.FailureOutcomeFailed {
			// Poison pill or the stored ceiling; the store already
			// failed the build.
			return o.failedResult(ctx, st, decision.ReasonCode, serr), nil
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.RetriesScheduled.Add(ctx, 1, metric.WithAttributes(
				otel.AttrStage.String(stage.String()),
			))
		}
		slog.Info("retry scheduled",
			"build_id", st.id(),
			"stage", stage.String(),
			"attempt", decision.Attempt,
			"delay", delay.Round(time.Millisecond),
			"reason", decision.ReasonCode,
		)

		if err := o.sleeper.Sleep(ctx, delay); err != nil {
			// The build stays RETRY_WAIT and is claimable once its
			// clock passes; this run just stops driving it.
			return &BuildResult{
				BuildID: st.id(),
				Status:  StatusError,
				Error:   fmt.Sprintf("interrupted during retry wait: %v", err),
			}, nil
		}
		claimed, err := o.reclaim(ctx, st.id())
		if err != nil {
			return nil, err
		}
		if claimed == nil {
			return &BuildResult{
				BuildID: st.id(),
				Status:  StatusError,
				Error:   "lost the build to another worker during retry wait",
			}, nil
		}
		st.leased.Store(true)
	}
}

// invokeStage dispatches one attempt of one stage. Only the interpret
// stage can decide a terminal outcome itself (the clarification halt);
// every other stage either commits or returns an error for the retry
// loop to classify.
func (o *Orchestrator) invokeStage(ctx context.Context, st *buildState, stage Stage, tryNum int) (*BuildResult, error) {
	ctx, span := otel.StartSpan(ctx, o.tracer, "stage."+stage.String(),
		otel.AttrBuildID.String(st.id()),
		otel.AttrStage.String(stage.String()),
		otel.AttrAttempt.Int(tryNum),
	)
	defer span.End()

	started := time.Now()
	var res *BuildResult
	var err error
	switch stage {
	case StageInit:
		err = o.stageInit(ctx, st, tryNum, started)
	case StageInterpretIntent:
		res, err = o.stageInterpret(ctx, st, tryNum, started)
	case StageMatchCapability:
		err = o.stageMatch(ctx, st, tryNum, started)
	case StageGenerateSpec:
		err = o.stageGenerateSpec(ctx, st, tryNum, started)
	case StageValidateRules:
		err = o.stageValidateRules(ctx, st, tryNum, started)
	case StageFinalValidate:
		err = o.stageFinalValidate(ctx, st, tryNum, started)
	case StageGenerateCode:
		err = o.stageGenerateCode(ctx, st, tryNum, started)
	case StagePackage:
		err = o.stagePackage(ctx, st, tryNum, started)
	default:
		err = fmt.Errorf("stage %d is not dispatchable", int(stage))
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.StageDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
			otel.AttrStage.String(stage.String()),
			otel.AttrAttempt.Int(tryNum),
		))
	}
	return res, err
}

// stageInit screens the raw request and pins the canonical form. A
// blocked request is a validation rejection, recorded in the audit log.
func (o *Orchestrator) stageInit(ctx context.Context, st *buildState, tryNum int, started time.Time) error {
	check := o.deps.Screen.Check(st.userInput)
	switch check.Action {
	case safety.ActionBlock:
		audit.Record("deny", "screen:request", check.Reason, "", st.id())
		return &fault.ValidationError{Stage: StageInit.String(), Violations: []fault.Violation{{
			RuleID:     "REQUEST_SCREEN",
			Message:    fmt.Sprintf("request rejected: %s", check.Reason),
			Suggestion: "rephrase the request as a plain component description",
		}}}
	case safety.ActionWarn:
		st.screenWarning = check.Reason
		slog.Warn("request screen warning", "build_id", st.id(), "reason", check.Reason)
	}

	out := initOutput{
		CanonicalInput: st.canonical,
		ScreenAction:   screenActionName(check.Action),
		ScreenReason:   check.Reason,
	}
	return o.commitStage(ctx, st, StageInit, tryNum, out, started)
}

// stageInterpret runs the interpreter and halts for clarification when
// the answer asks for it. The halt leaves this stage uncommitted: a
// reopened build interprets the request from scratch.
func (o *Orchestrator) stageInterpret(ctx context.Context, st *buildState, tryNum int, started time.Time) (*BuildResult, error) {
	if _, err := o.route(ctx, router.TaskInterpretIntent, st); err != nil {
		return nil, err
	}

	callStart := time.Now()
	interpretation, err := o.deps.Interpreter.Interpret(ctx, st.userInput)
	if o.deps.Metrics != nil {
		o.deps.Metrics.InterpreterDuration.Record(ctx, time.Since(callStart).Seconds(), metric.WithAttributes(
			attribute.String("interpreter", o.deps.Interpreter.Name()),
		))
	}
	if err != nil {
		return nil, err
	}

	st.interp = interpretation
	if err := o.deps.Store.SetInterpretation(ctx, st.id(), interpretation.Confidence); err != nil {
		return nil, err
	}
	if interpretation.NeedsClarification || interpretation.Intent == nil {
		res, err := o.haltForClarification(ctx, st)
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	out := interpretOutput{Interpreter: o.deps.Interpreter.Name(), Interpretation: interpretation}
	if err := o.commitStage(ctx, st, StageInterpretIntent, tryNum, out, started); err != nil {
		return nil, err
	}
	slog.Info("intent interpreted",
		"build_id", st.id(),
		"interpreter", o.deps.Interpreter.Name(),
		"component", interpretation.Intent.Component,
		"confidence", interpretation.Confidence,
		"interactivity", interpretation.Intent.Interactivity,
	)
	return nil, nil
}

// stageMatch resolves the capability and realizes the final build
// identifier. The matched capability commits with the stage, so a
// resumed build never queries the source again.
func (o *Orchestrator) stageMatch(ctx context.Context, st *buildState, tryNum int, started time.Time) error {
	if _, err := o.route(ctx, router.TaskMatchCapability, st); err != nil {
		return err
	}
	if st.interp == nil || st.interp.Intent == nil {
		return fault.Fatal(StageMatchCapability.String(), errors.New("no interpretation on record"))
	}

	capa, err := o.deps.Capabilities.Match(ctx, st.interp.Intent)
	if err != nil {
		if errors.Is(err, capability.ErrNotFound) {
			return &fault.ValidationError{Stage: StageMatchCapability.String(), Violations: []fault.Violation{{
				RuleID:     "CAPABILITY_UNMATCHED",
				Message:    fmt.Sprintf("no installed capability answers component %q", st.interp.Intent.Component),
				Suggestion: "install a capability for the component family or restate the request",
			}}}
		}
		return err
	}

	newID := finalBuildID(st.canonical, capa.ID, capa.ContractVersion)
	if err := o.deps.Store.RealizeBuildID(ctx, st.id(), newID, capa.ID, capa.ContractVersion); err != nil {
		if errors.Is(err, persistence.ErrDuplicateBuild) {
			return fault.Fatal(StageMatchCapability.String(), err)
		}
		return err
	}
	st.setID(newID)
	st.capa = capa

	out := matchOutput{CapabilityID: capa.ID, ContractVersion: capa.ContractVersion, Capability: capa}
	if err := o.commitStage(ctx, st, StageMatchCapability, tryNum, out, started); err != nil {
		return err
	}
	slog.Info("capability matched",
		"build_id", st.id(),
		"capability", capa.ID,
		"contract_version", capa.ContractVersion,
	)
	return nil
}

// stageGenerateSpec drafts the specification from the intent, the
// matched capability and the routed contract context.
func (o *Orchestrator) stageGenerateSpec(ctx context.Context, st *buildState, tryNum int, started time.Time) error {
	routed, err := o.route(ctx, router.TaskGenerateSpec, st)
	if err != nil {
		return err
	}
	doc, err := o.deps.Generator.Generate(ctx, st.interp.Intent, st.capa, routed)
	if err != nil {
		return err
	}
	canonical, err := doc.Canonical()
	if err != nil {
		return fault.Fatal(StageGenerateSpec.String(), err)
	}
	st.draft = doc

	out := specOutput{Document: canonical}
	if err := o.commitStage(ctx, st, StageGenerateSpec, tryNum, out, started); err != nil {
		return err
	}
	slog.Info("spec drafted",
		"build_id", st.id(),
		"generator", o.deps.Generator.Name(),
		"bytes", len(canonical),
	)
	return nil
}

// stageValidateRules runs the rule engine over the draft. Fixable
// findings downgrade and repair it; errors left after fixing reject the
// build with the complete finding list.
func (o *Orchestrator) stageValidateRules(ctx context.Context, st *buildState, tryNum int, started time.Time) error {
	if _, err := o.route(ctx, router.TaskValidateRules, st); err != nil {
		return err
	}
	report, err := o.deps.Rules.Evaluate(ctx, st.id(), st.draft)
	if err != nil {
		return err
	}
	st.report = report
	st.fixed = report.Document

	if err := o.deps.Store.SetCatalogVersion(ctx, st.id(), strconv.Itoa(report.CatalogVersion)); err != nil {
		return err
	}
	if o.deps.Bus != nil {
		for _, dg := range report.Downgrades {
			o.deps.Bus.Publish(bus.TopicRuleDowngrade, bus.DowngradeEvent{
				BuildID: st.id(),
				RuleID:  dg.RuleID,
				Field:   dg.Field,
				Reason:  dg.Reason,
			})
		}
	}
	if !report.IsValid() {
		return &fault.ValidationError{Stage: StageValidateRules.String(), Violations: report.Violations()}
	}

	canonical, err := report.Document.Canonical()
	if err != nil {
		return fault.Fatal(StageValidateRules.String(), err)
	}
	out := rulesOutput{Report: report, Document: canonical}
	if err := o.commitStage(ctx, st, StageValidateRules, tryNum, out, started); err != nil {
		return err
	}
	slog.Info("rules evaluated",
		"build_id", st.id(),
		"catalog_version", report.CatalogVersion,
		"passed", report.PassedRules,
		"downgrades", len(report.Downgrades),
		"warnings", len(report.Warnings),
	)
	return nil
}

// stageFinalValidate checks the repaired document against the
// specification schema. The routed schema wins when it compiles; the
// embedded copy backs the check otherwise.
func (o *Orchestrator) stageFinalValidate(ctx context.Context, st *buildState, tryNum int, started time.Time) error {
	routed, err := o.route(ctx, router.TaskFinalValidate, st)
	if err != nil {
		return err
	}

	validator := o.deps.Schema
	schemaSource := "embedded"
	if art, ok := routed.Artifacts["spec_schema"]; ok {
		if v, verr := specdoc.NewSchemaValidator(art.Bytes); verr == nil {
			validator, schemaSource = v, "routed"
		} else {
			slog.Warn("routed schema does not compile, using embedded copy",
				"build_id", st.id(), "error", verr)
		}
	}

	if err := validator.Validate(st.fixed); err != nil {
		return &fault.ValidationError{Stage: StageFinalValidate.String(), Violations: []fault.Violation{{
			RuleID:     "SPEC_SCHEMA",
			Message:    err.Error(),
			Suggestion: "regenerate the specification against the current schema",
		}}}
	}

	canonical, err := st.fixed.Canonical()
	if err != nil {
		return fault.Fatal(StageFinalValidate.String(), err)
	}
	out := finalOutput{Document: canonical, Schema: schemaSource}
	if err := o.commitStage(ctx, st, StageFinalValidate, tryNum, out, started); err != nil {
		return err
	}
	slog.Info("final validation passed", "build_id", st.id(), "schema", schemaSource)
	return nil
}

// stageGenerateCode renders the approved document into the build
// workspace and scans the rendered files for leaked secrets. Leak
// findings surface as warnings; the bundle still ships.
func (o *Orchestrator) stageGenerateCode(ctx context.Context, st *buildState, tryNum int, started time.Time) error {
	if _, err := o.route(ctx, router.TaskGenerateCode, st); err != nil {
		return err
	}

	dir := filepath.Join(o.deps.Config.Executor.BuildsDir, st.id())
	files, err := o.deps.Executor.GenerateCode(ctx, st.fixed, dir)
	if err != nil {
		return err
	}
	st.codeDir = dir
	st.files = files

	st.leakWarnings = nil
	for _, rel := range files {
		data, rerr := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if rerr != nil {
			return fmt.Errorf("read rendered file %s: %w", rel, rerr)
		}
		for _, w := range o.deps.Leaks.ScanFile(rel, string(data)) {
			st.leakWarnings = append(st.leakWarnings, w)
			audit.Record("warn", "leak:"+rel, w.Pattern, "", st.id())
			slog.Warn("possible secret in generated file",
				"build_id", st.id(), "file", w.File, "pattern", w.Pattern)
		}
	}

	out := codeOutput{Dir: dir, Files: files, LeakWarnings: st.leakWarnings}
	if err := o.commitStage(ctx, st, StageGenerateCode, tryNum, out, started); err != nil {
		return err
	}
	slog.Info("code generated",
		"build_id", st.id(),
		"executor", o.deps.Executor.Name(),
		"files", len(files),
		"leak_warnings", len(st.leakWarnings),
	)
	return nil
}

// stagePackage archives the workspace and commits the artifact path
// with its checksum.
func (o *Orchestrator) stagePackage(ctx context.Context, st *buildState, tryNum int, started time.Time) error {
	if _, err := o.route(ctx, router.TaskPackage, st); err != nil {
		return err
	}
	if st.codeDir == "" {
		return fault.Fatal(StagePackage.String(), errors.New("no code workspace on record"))
	}

	artifactPath, err := o.deps.Executor.Package(ctx, st.codeDir)
	if err != nil {
		return err
	}
	st.artifact = artifactPath

	out := packageOutput{ArtifactPath: artifactPath, SHA256: readChecksum(artifactPath + ".sha256")}
	if err := o.commitStage(ctx, st, StagePackage, tryNum, out, started); err != nil {
		return err
	}
	slog.Info("bundle packaged", "build_id", st.id(), "artifact", artifactPath)
	return nil
}

// commitStage persists one stage output and advances the cursor. A
// record already present from an earlier run collapses to success: the
// work is durable either way.
func (o *Orchestrator) commitStage(ctx context.Context, st *buildState, stage Stage, tryNum int, output any, started time.Time) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return fault.Fatal(stage.String(), fmt.Errorf("encode stage output: %w", err))
	}
	err = o.deps.Store.CommitStage(ctx, persistence.StageRecord{
		BuildID:    st.id(),
		StageIndex: int(stage),
		Stage:      stage.String(),
		Attempt:    tryNum,
		OutputJSON: string(payload),
		DurationMS: time.Since(started).Milliseconds(),
	})
	if errors.Is(err, persistence.ErrStageCommitted) {
		slog.Debug("stage already committed", "build_id", st.id(), "stage", stage.String())
		return nil
	}
	return err
}

// route loads the artifact context for a task under the build's current
// identity.
func (o *Orchestrator) route(ctx context.Context, task router.Task, st *buildState) (*router.Context, error) {
	params := router.Params{BuildID: st.id()}
	if st.capa != nil {
		params.CapabilityID = st.capa.ID
	}
	return o.deps.Router.Route(ctx, task, params)
}

// haltForClarification finishes the build as NEEDS_CLARIFICATION with
// concrete questions. The interpret stage stays uncommitted on purpose:
// a reopened build must interpret the restated request again.
func (o *Orchestrator) haltForClarification(ctx context.Context, st *buildState) (*BuildResult, error) {
	questions := o.clarificationQuestions(ctx, st)

	diag := diagnostics{Questions: questions, UnmappedPhrases: st.interp.UnmappedPhrases}
	summary := fmt.Sprintf("confidence %.2f below %.2f", st.interp.Confidence, interpret.ClarificationThreshold)
	if err := o.deps.Store.FinishBuild(ctx, st.id(), persistence.BuildStatusNeedsClarification, persistence.FinishParams{
		ErrorSummary:    summary,
		DiagnosticsJSON: diag.marshal(),
	}); err != nil {
		return nil, err
	}
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(bus.TopicNeedsClarification, bus.ClarificationEvent{
			BuildID:    st.id(),
			Confidence: st.interp.Confidence,
			Questions:  questions,
		})
	}
	o.countBuild(ctx, StatusNeedsClarification)
	slog.Info("build needs clarification",
		"build_id", st.id(),
		"confidence", st.interp.Confidence,
		"questions", len(questions),
	)

	res := o.assembleResult(st)
	res.Status = StatusNeedsClarification
	res.Questions = questions
	o.attachTimings(ctx, res)
	return res, nil
}

// clarificationQuestions builds the questions for a halted build. The
// routed clarification guide is advisory prose for interactive
// frontends; the concrete questions come from what the interpreter
// could not map.
func (o *Orchestrator) clarificationQuestions(ctx context.Context, st *buildState) []string {
	if _, err := o.route(ctx, router.TaskClarify, st); err != nil {
		slog.Warn("clarification route failed", "build_id", st.id(), "error", err)
	}

	var qs []string
	if st.interp != nil {
		for _, p := range st.interp.UnmappedPhrases {
			qs = append(qs, fmt.Sprintf("What does %q refer to?", p))
		}
	}
	if st.interp == nil || st.interp.Intent == nil || st.interp.Intent.Component == "" {
		qs = append(qs, "Which component family should be built (for example a star rating, progress bar or toggle switch)?")
	}
	if len(qs) == 0 {
		qs = append(qs, "Please restate the request naming the component family and the data it shows.")
	}
	if len(qs) > maxClarificationQuestions {
		qs = qs[:maxClarificationQuestions]
	}
	return qs
}

// rejectBuild finishes the build as REJECTED, preserving the complete
// violation list so later lookups replay it instead of a bare failure.
func (o *Orchestrator) rejectBuild(ctx context.Context, st *buildState, cause error) (*BuildResult, error) {
	var violations []fault.Violation
	var verr *fault.ValidationError
	if errors.As(cause, &verr) {
		violations = verr.Violations
	}
	var berr *fault.BudgetExceeded
	if errors.As(cause, &berr) {
		violations = append(violations, fault.Violation{
			RuleID:     "ROUTING_BUDGET",
			Message:    berr.Error(),
			Suggestion: "raise the routing budget or trim the task's artifact set",
		})
	}
	if len(violations) == 0 {
		violations = []fault.Violation{{RuleID: "VALIDATION", Message: cause.Error()}}
	}

	res := o.assembleResult(st)
	res.Status = StatusRejected
	res.Errors = violations
	res.Error = cause.Error()

	diag := diagnostics{Violations: violations}
	if err := o.deps.Store.FinishBuild(ctx, st.id(), persistence.BuildStatusRejected, persistence.FinishParams{
		ErrorSummary:    cause.Error(),
		WarningsJSON:    jsonList(res.Warnings),
		DowngradesJSON:  jsonList(res.Downgrades),
		DiagnosticsJSON: diag.marshal(),
	}); err != nil {
		slog.Error("finish rejected build", "build_id", st.id(), "error", err)
	}
	o.countBuild(ctx, StatusRejected)
	slog.Info("build rejected", "build_id", st.id(), "violations", len(violations))
	o.attachTimings(ctx, res)
	return res, nil
}

// failBuild finishes a running build as FAILED with a fatal error.
func (o *Orchestrator) failBuild(ctx context.Context, st *buildState, cause error) (*BuildResult, error) {
	summary := cause.Error()
	if err := o.deps.Store.FinishBuild(ctx, st.id(), persistence.BuildStatusFailed, persistence.FinishParams{
		ErrorSummary: summary,
	}); err != nil {
		slog.Error("finish failed build", "build_id", st.id(), "error", err)
	}
	o.countBuild(ctx, StatusError)
	res := &BuildResult{BuildID: st.id(), Status: StatusError, Error: summary}
	o.attachTimings(ctx, res)
	return res, nil
}

// failedResult assembles the result for a build the store already moved
// to FAILED while deciding a retry.
func (o *Orchestrator) failedResult(ctx context.Context, st *buildState, reason string, cause error) *BuildResult {
	o.countBuild(ctx, StatusError)
	res := &BuildResult{
		BuildID: st.id(),
		Status:  StatusError,
		Error:   fmt.Sprintf("%s: %v", reason, cause),
	}
	o.attachTimings(ctx, res)
	return res
}

// finishSuccess records the terminal success and assembles the summary.
func (o *Orchestrator) finishSuccess(ctx context.Context, st *buildState, start time.Time) (*BuildResult, error) {
	res := o.assembleResult(st)
	res.Status = StatusSuccess
	res.ArtifactPath = st.artifact

	if err := o.deps.Store.FinishBuild(ctx, st.id(), persistence.BuildStatusSucceeded, persistence.FinishParams{
		ArtifactPath:   st.artifact,
		WarningsJSON:   jsonList(res.Warnings),
		DowngradesJSON: jsonList(res.Downgrades),
	}); err != nil {
		return nil, err
	}
	o.countBuild(ctx, StatusSuccess)
	if o.deps.Metrics != nil {
		o.deps.Metrics.BuildDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("status", StatusSuccess),
		))
	}
	o.attachTimings(ctx, res)
	slog.Info("build succeeded",
		"build_id", st.id(),
		"artifact", st.artifact,
		"downgrades", len(res.Downgrades),
		"warnings", len(res.Warnings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// abortCanceled honors a cancel request observed at a stage boundary.
func (o *Orchestrator) abortCanceled(ctx context.Context, st *buildState) (*BuildResult, error) {
	if _, err := o.deps.Store.AbortBuild(ctx, st.id()); err != nil {
		slog.Warn("abort after cancel request failed", "build_id", st.id(), "error", err)
	}
	o.countBuild(ctx, StatusCanceled)
	slog.Info("build canceled", "build_id", st.id())
	return &BuildResult{BuildID: st.id(), Status: StatusCanceled}, nil
}

// abortInterrupted cancels the build when the caller's context ended
// mid-run. The write uses a fresh context because the caller's is done.
func (o *Orchestrator) abortInterrupted(ctx context.Context, st *buildState) (*BuildResult, error) {
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.deps.Store.AbortBuild(wctx, st.id()); err != nil {
		slog.Warn("abort on interrupt failed", "build_id", st.id(), "error", err)
	}
	res := &BuildResult{BuildID: st.id(), Status: StatusCanceled}
	if ctx.Err() != nil {
		res.Error = ctx.Err().Error()
	}
	return res, nil
}

// assembleResult gathers the cross-stage summary fields from the
// carried state.
func (o *Orchestrator) assembleResult(st *buildState) *BuildResult {
	res := &BuildResult{BuildID: st.id()}
	if st.screenWarning != "" {
		res.Warnings = append(res.Warnings, fmt.Sprintf("request screen: %s", st.screenWarning))
	}
	if st.interp != nil {
		res.Confidence = st.interp.Confidence
		res.UnmappedPhrases = st.interp.UnmappedPhrases
	}
	if st.report != nil {
		res.Downgrades = st.report.Downgrades
		for _, f := range st.report.Warnings {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", f.RuleID, f.Message))
		}
		for _, dg := range st.report.Downgrades {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s auto-fixed (%s -> %s)", dg.RuleID, dg.Field, dg.Original, dg.Fixed))
		}
	}
	for _, lw := range st.leakWarnings {
		res.Warnings = append(res.Warnings, fmt.Sprintf("possible %s in %s", lw.Pattern, lw.File))
	}
	return res
}

// storedResult reconstructs a finished build's outcome from its row, so
// duplicate submissions and resumes of terminal builds replay the
// original answer.
func (o *Orchestrator) storedResult(ctx context.Context, b *persistence.Build) (*BuildResult, error) {
	res := &BuildResult{
		BuildID:    b.BuildID,
		Confidence: b.Confidence,
		Error:      b.Error,
	}
	switch b.Status {
	case persistence.BuildStatusSucceeded:
		res.Status = StatusSuccess
		res.ArtifactPath = b.ArtifactPath
	case persistence.BuildStatusRejected:
		res.Status = StatusRejected
	case persistence.BuildStatusNeedsClarification:
		res.Status = StatusNeedsClarification
	case persistence.BuildStatusCanceled:
		res.Status = StatusCanceled
	default:
		res.Status = StatusError
	}

	if b.WarningsJSON != "" {
		_ = json.Unmarshal([]byte(b.WarningsJSON), &res.Warnings)
	}
	if b.DowngradesJSON != "" {
		_ = json.Unmarshal([]byte(b.DowngradesJSON), &res.Downgrades)
	}
	if b.DiagnosticsJSON != "" {
		var d diagnostics
		if err := json.Unmarshal([]byte(b.DiagnosticsJSON), &d); err == nil {
			res.Errors = d.Violations
			res.Questions = d.Questions
			res.UnmappedPhrases = d.UnmappedPhrases
		}
	}
	o.attachTimings(ctx, res)
	return res, nil
}

// startHeartbeat renews the lease at a third of its duration until the
// returned stop function runs. The build id is re-read every tick
// because the match stage rewrites it mid-run.
func (o *Orchestrator) startHeartbeat(ctx context.Context, st *buildState) func() {
	lease := time.Duration(o.deps.Config.Pipeline.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 60 * time.Second
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !st.leased.Load() {
					continue
				}
				id := st.id()
				ok, err := o.deps.Store.HeartbeatLease(ctx, id, o.owner)
				if err != nil {
					slog.Warn("lease heartbeat failed", "build_id", id, "error", err)
				} else if !ok {
					slog.Warn("lease no longer held", "build_id", id, "owner", o.owner)
				}
			}
		}
	}()
	return stop
}

func (o *Orchestrator) countBuild(ctx context.Context, status string) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.BuildsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (o *Orchestrator) attachTimings(ctx context.Context, res *BuildResult) {
	timings, err := o.deps.Store.StageTimings(ctx, res.BuildID)
	if err != nil || len(timings) == 0 {
		return
	}
	res.StageTimings = timings
}

// diagnostics is the structured terminal detail stored in
// builds.diagnostics_json: the violation list for a rejection, the
// questions for a clarification halt.
type diagnostics struct {
	Violations      []fault.Violation `json:"violations,omitempty"`
	Questions       []string          `json:"questions,omitempty"`
	UnmappedPhrases []string          `json:"unmapped_phrases,omitempty"`
}

func (d diagnostics) marshal() string {
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// jsonList marshals a list column value, with empty lists keeping the
// stored default.
func jsonList[T any](items []T) string {
	if len(items) == 0 {
		return ""
	}
	b, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(b)
}

func screenActionName(a safety.Action) string {
	switch a {
	case safety.ActionBlock:
		return "block"
	case safety.ActionWarn:
		return "warn"
	default:
		return "allow"
	}
}

// readChecksum returns the hash from a sha256sum sidecar, or "" when
// the sidecar is unreadable.
func readChecksum(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
