package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/forgeworks/specforge/internal/capability"
	"github.com/forgeworks/specforge/internal/interpret"
	"github.com/forgeworks/specforge/internal/persistence"
	"github.com/forgeworks/specforge/internal/rules"
	"github.com/forgeworks/specforge/internal/safety"
	"github.com/forgeworks/specforge/internal/specdoc"
)

// Stage output payloads. These are the durable interface between a
// stage and every later resume: whatever a downstream stage needs from
// an upstream one must round-trip through here, because a resumed build
// replays these records instead of calling the collaborator again.

type initOutput struct {
	CanonicalInput string `json:"canonical_input"`
	ScreenAction   string `json:"screen_action"`
	ScreenReason   string `json:"screen_reason,omitempty"`
}

type interpretOutput struct {
	Interpreter    string                    `json:"interpreter"`
	Interpretation *interpret.Interpretation `json:"interpretation"`
}

type matchOutput struct {
	CapabilityID    string                 `json:"capability_id"`
	ContractVersion string                 `json:"contract_version"`
	Capability      *capability.Capability `json:"capability"`
}

type specOutput struct {
	Document json.RawMessage `json:"document"`
}

// rulesOutput carries the report and the post-fix document. The report's
// own document field does not marshal, so the canonical bytes ride
// alongside.
type rulesOutput struct {
	Report   *rules.Report   `json:"report"`
	Document json.RawMessage `json:"document"`
}

type finalOutput struct {
	Document json.RawMessage `json:"document"`
	Schema   string          `json:"schema"` // "routed" or "embedded"
}

type codeOutput struct {
	Dir          string               `json:"dir"`
	Files        []string             `json:"files"`
	LeakWarnings []safety.LeakWarning `json:"leak_warnings,omitempty"`
}

type packageOutput struct {
	ArtifactPath string `json:"artifact_path"`
	SHA256       string `json:"sha256,omitempty"`
}

// buildState is the in-memory carry between stages of one run. The
// identifier is mutex-guarded because the heartbeat goroutine reads it
// while the match stage rewrites it; leased tells the heartbeat whether
// a lease is currently held at all.
type buildState struct {
	mu      sync.Mutex
	buildID string

	leased atomic.Bool

	submissionKey string
	canonical     string
	userInput     string

	screenWarning string
	interp        *interpret.Interpretation
	capa          *capability.Capability
	draft         *specdoc.Document
	report        *rules.Report
	fixed         *specdoc.Document
	codeDir       string
	files         []string
	artifact      string
	leakWarnings  []safety.LeakWarning
}

func newBuildState(b *persistence.Build) *buildState {
	st := &buildState{
		buildID:       b.BuildID,
		submissionKey: b.SubmissionKey,
		canonical:     b.CanonicalInput,
		userInput:     b.UserInput,
	}
	st.leased.Store(true)
	return st
}

func (st *buildState) id() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.buildID
}

func (st *buildState) setID(id string) {
	st.mu.Lock()
	st.buildID = id
	st.mu.Unlock()
}

// restore replays committed stage outputs into memory so a resumed
// build continues without consulting any collaborator behind a
// committed stage a second time.
func (st *buildState) restore(records []persistence.StageRecord) error {
	for _, rec := range records {
		stage, ok := stageAt(rec.StageIndex)
		if !ok {
			return fmt.Errorf("stage record %d of build %s names no stage", rec.StageIndex, rec.BuildID)
		}
		if err := st.apply(stage, []byte(rec.OutputJSON)); err != nil {
			return fmt.Errorf("replay %s: %w", stage, err)
		}
	}
	return nil
}

func (st *buildState) apply(stage Stage, output []byte) error {
	switch stage {
	case StageInit:
		var out initOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		if out.CanonicalInput != "" {
			st.canonical = out.CanonicalInput
		}
		if out.ScreenAction == "warn" {
			st.screenWarning = out.ScreenReason
		}
	case StageInterpretIntent:
		var out interpretOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		st.interp = out.Interpretation
	case StageMatchCapability:
		var out matchOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		st.capa = out.Capability
	case StageGenerateSpec:
		var out specOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		doc, err := specdoc.Parse(out.Document)
		if err != nil {
			return err
		}
		st.draft = doc
	case StageValidateRules:
		var out rulesOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		st.report = out.Report
		doc, err := specdoc.Parse(out.Document)
		if err != nil {
			return err
		}
		st.fixed = doc
	case StageFinalValidate:
		var out finalOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		doc, err := specdoc.Parse(out.Document)
		if err != nil {
			return err
		}
		st.fixed = doc
	case StageGenerateCode:
		var out codeOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		st.codeDir = out.Dir
		st.files = out.Files
		st.leakWarnings = out.LeakWarnings
	case StagePackage:
		var out packageOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		st.artifact = out.ArtifactPath
	}
	return nil
}
