package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/forgeworks/specforge/internal/persistence"
)

func createTestBuild(t *testing.T, store *persistence.Store, buildID string) *persistence.Build {
	t.Helper()
	b, err := store.CreateBuild(context.Background(), persistence.NewBuild{
		BuildID:        buildID,
		SubmissionKey:  "sub-" + buildID,
		UserInput:      "Display a product rating as 5 stars",
		CanonicalInput: "display a product rating as 5 stars",
	})
	if err != nil {
		t.Fatalf("create build %s: %v", buildID, err)
	}
	return b
}

func backdateRetry(t *testing.T, store *persistence.Store, buildID string) {
	t.Helper()
	if _, err := store.DB().Exec(`UPDATE builds SET next_retry_at = datetime('now', '-1 minute') WHERE build_id = ?;`, buildID); err != nil {
		t.Fatalf("backdate retry: %v", err)
	}
}

func TestCreateBuild_StartsPendingWithEvent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	b := createTestBuild(t, store, "bld-create")
	if b.Status != persistence.BuildStatusPending {
		t.Fatalf("expected PENDING, got %s", b.Status)
	}
	if b.CurrentStage != 0 || b.Attempt != 0 {
		t.Fatalf("expected fresh cursor, got stage=%d attempt=%d", b.CurrentStage, b.Attempt)
	}
	if b.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", b.MaxAttempts)
	}

	events, err := store.ListBuildEvents(ctx, "bld-create", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "build.enqueued" {
		t.Fatalf("expected a single build.enqueued event, got %+v", events)
	}
	if events[0].StateTo != persistence.BuildStatusPending {
		t.Fatalf("expected state_to PENDING, got %s", events[0].StateTo)
	}
}

func TestCreateBuild_DuplicateSubmissionKeyRejected(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-dup")
	_, err := store.CreateBuild(ctx, persistence.NewBuild{
		BuildID:        "bld-other",
		SubmissionKey:  "sub-bld-dup",
		UserInput:      "same input",
		CanonicalInput: "same input",
	})
	if err == nil {
		t.Fatal("expected unique constraint error for duplicate submission key")
	}
}

func TestFindBySubmissionKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	missing, err := store.FindBySubmissionKey(ctx, "sub-none")
	if err != nil {
		t.Fatalf("find missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown submission key, got %+v", missing)
	}

	createTestBuild(t, store, "bld-find")
	found, err := store.FindBySubmissionKey(ctx, "sub-bld-find")
	if err != nil {
		t.Fatalf("find existing: %v", err)
	}
	if found == nil || found.BuildID != "bld-find" {
		t.Fatalf("expected bld-find, got %+v", found)
	}
}

func TestClaimBuild_SetsLeaseAndRunning(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-claim")
	claimed, err := store.ClaimBuild(ctx, "bld-claim", "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected claim to succeed")
	}
	if claimed.Status != persistence.BuildStatusRunning {
		t.Fatalf("expected RUNNING, got %s", claimed.Status)
	}
	if claimed.LeaseOwner != "worker-1" || claimed.LeaseExpiresAt == nil {
		t.Fatalf("expected lease for worker-1, got owner=%q expires=%v", claimed.LeaseOwner, claimed.LeaseExpiresAt)
	}

	again, err := store.ClaimBuild(ctx, "bld-claim", "worker-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("expected second claim to miss, got %+v", again)
	}
}

func TestClaimNextReadyBuild_OrdersByAge(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	empty, err := store.ClaimNextReadyBuild(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil on empty queue, got %+v", empty)
	}

	createTestBuild(t, store, "bld-a")
	createTestBuild(t, store, "bld-b")

	first, err := store.ClaimNextReadyBuild(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim first: %v", err)
	}
	if first == nil || first.BuildID != "bld-a" {
		t.Fatalf("expected oldest build bld-a, got %+v", first)
	}
	second, err := store.ClaimNextReadyBuild(ctx, "worker-2")
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if second == nil || second.BuildID != "bld-b" {
		t.Fatalf("expected bld-b, got %+v", second)
	}
}

func TestHeartbeatLease_OnlyForHolder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-hb")
	if _, err := store.ClaimBuild(ctx, "bld-hb", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := store.HeartbeatLease(ctx, "bld-hb", "worker-1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatal("expected heartbeat from holder to succeed")
	}

	ok, err = store.HeartbeatLease(ctx, "bld-hb", "worker-impostor")
	if err != nil {
		t.Fatalf("heartbeat wrong owner: %v", err)
	}
	if ok {
		t.Fatal("expected heartbeat from non-holder to fail")
	}

	ok, err = store.HeartbeatLease(ctx, "bld-hb", "")
	if err != nil {
		t.Fatalf("heartbeat empty owner: %v", err)
	}
	if ok {
		t.Fatal("expected heartbeat with empty owner to fail")
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-expired")
	if _, err := store.ClaimBuild(ctx, "bld-expired", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE builds SET lease_expires_at = datetime('now', '-1 minute') WHERE build_id = 'bld-expired';`); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	n, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued build, got %d", n)
	}

	b, err := store.GetBuild(ctx, "bld-expired")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if b.Status != persistence.BuildStatusPending {
		t.Fatalf("expected PENDING after requeue, got %s", b.Status)
	}
	if b.LeaseOwner != "" || b.LeaseExpiresAt != nil {
		t.Fatalf("expected cleared lease, got owner=%q expires=%v", b.LeaseOwner, b.LeaseExpiresAt)
	}

	// A live lease must not be requeued.
	createTestBuild(t, store, "bld-live")
	if _, err := store.ClaimBuild(ctx, "bld-live", "worker-2"); err != nil {
		t.Fatalf("claim live: %v", err)
	}
	n, err = store.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue live: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 requeues with a live lease, got %d", n)
	}
}

func TestRecoverRunningBuilds_RequeuesRegardlessOfLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-orphan")
	if _, err := store.ClaimBuild(ctx, "bld-orphan", "worker-dead"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := store.RecoverRunningBuilds(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered build, got %d", n)
	}

	b, err := store.GetBuild(ctx, "bld-orphan")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if b.Status != persistence.BuildStatusPending {
		t.Fatalf("expected PENDING after recovery, got %s", b.Status)
	}

	events, err := store.ListBuildEvents(ctx, "bld-orphan", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawRecovery bool
	for _, e := range events {
		if e.EventType == "build.crash_recovery_requeued" {
			sawRecovery = true
		}
	}
	if !sawRecovery {
		t.Fatal("expected a crash recovery event in build history")
	}
}

func TestHandleStageFailure_SchedulesRetryWithBackoff(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-retry")
	if _, err := store.ClaimBuild(ctx, "bld-retry", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	decision, err := store.HandleStageFailure(ctx, "bld-retry", "GenerateSpec", "model endpoint timeout", 2*time.Second)
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if decision.Outcome != persistence.FailureOutcomeRetried {
		t.Fatalf("expected RETRIED, got %s (%s)", decision.Outcome, decision.ReasonCode)
	}
	if decision.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", decision.Attempt)
	}
	if decision.BackoffUntil == nil || !decision.BackoffUntil.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("expected backoff in the future, got %v", decision.BackoffUntil)
	}

	b, err := store.GetBuild(ctx, "bld-retry")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if b.Status != persistence.BuildStatusRetryWait {
		t.Fatalf("expected RETRY_WAIT, got %s", b.Status)
	}
	if b.Attempt != 1 || b.NextRetryAt == nil {
		t.Fatalf("expected persisted retry state, got attempt=%d next=%v", b.Attempt, b.NextRetryAt)
	}
	if b.LeaseOwner != "" {
		t.Fatalf("expected lease cleared on retry, got %q", b.LeaseOwner)
	}

	// Not claimable until the retry clock elapses.
	early, err := store.ClaimNextReadyBuild(ctx, "worker-1")
	if err != nil {
		t.Fatalf("early claim: %v", err)
	}
	if early != nil {
		t.Fatalf("expected no claim before next_retry_at, got %+v", early)
	}

	backdateRetry(t, store, "bld-retry")
	due, err := store.ClaimNextReadyBuild(ctx, "worker-1")
	if err != nil {
		t.Fatalf("due claim: %v", err)
	}
	if due == nil || due.BuildID != "bld-retry" {
		t.Fatalf("expected bld-retry claimable after backoff, got %+v", due)
	}
	if due.Status != persistence.BuildStatusRunning {
		t.Fatalf("expected RUNNING after reclaim, got %s", due.Status)
	}
}

func TestHandleStageFailure_PoisonPillFailsFast(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// Generous attempt budget so the poison counter, not the attempt cap,
	// is what trips.
	if _, err := store.CreateBuild(ctx, persistence.NewBuild{
		BuildID:        "bld-poison",
		SubmissionKey:  "sub-bld-poison",
		UserInput:      "in",
		CanonicalInput: "in",
		MaxAttempts:    10,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sameErr := "jsonschema: invalid template output"
	for i := 1; i <= 2; i++ {
		if _, err := store.ClaimBuild(ctx, "bld-poison", "worker-1"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		decision, err := store.HandleStageFailure(ctx, "bld-poison", "GenerateSpec", sameErr, time.Second)
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if decision.Outcome != persistence.FailureOutcomeRetried {
			t.Fatalf("failure %d: expected RETRIED, got %s", i, decision.Outcome)
		}
		if decision.PoisonCount != i {
			t.Fatalf("failure %d: expected poison count %d, got %d", i, i, decision.PoisonCount)
		}
		backdateRetry(t, store, "bld-poison")
	}

	if _, err := store.ClaimBuild(ctx, "bld-poison", "worker-1"); err != nil {
		t.Fatalf("final claim: %v", err)
	}
	decision, err := store.HandleStageFailure(ctx, "bld-poison", "GenerateSpec", sameErr, time.Second)
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if decision.Outcome != persistence.FailureOutcomeFailed {
		t.Fatalf("expected FAILED on third identical error, got %s", decision.Outcome)
	}
	if decision.ReasonCode != persistence.ReasonFailPoisonPill {
		t.Fatalf("expected poison pill reason, got %s", decision.ReasonCode)
	}

	b, err := store.GetBuild(ctx, "bld-poison")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if b.Status != persistence.BuildStatusFailed {
		t.Fatalf("expected FAILED, got %s", b.Status)
	}
	if !strings.Contains(b.Error, "invalid template output") {
		t.Fatalf("expected stored error, got %q", b.Error)
	}
}

func TestHandleStageFailure_MaxAttemptsExhausted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-exhaust")

	// Distinct error text each time keeps the poison counter at 1 so the
	// attempt cap is what fails the build.
	errs := []string{"timeout A", "timeout B", "timeout C"}
	for i, msg := range errs {
		if _, err := store.ClaimBuild(ctx, "bld-exhaust", "worker-1"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		decision, err := store.HandleStageFailure(ctx, "bld-exhaust", "InterpretIntent", msg, time.Second)
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if i < len(errs)-1 {
			if decision.Outcome != persistence.FailureOutcomeRetried {
				t.Fatalf("failure %d: expected RETRIED, got %s", i, decision.Outcome)
			}
			backdateRetry(t, store, "bld-exhaust")
			continue
		}
		if decision.Outcome != persistence.FailureOutcomeFailed {
			t.Fatalf("expected FAILED at attempt cap, got %s", decision.Outcome)
		}
		if decision.ReasonCode != persistence.ReasonFailMaxAttempts {
			t.Fatalf("expected max attempts reason, got %s", decision.ReasonCode)
		}
	}
}

func TestFinishBuild_SucceededStoresArtifactAndGuards(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-done")
	if _, err := store.ClaimBuild(ctx, "bld-done", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := store.FinishBuild(ctx, "bld-done", persistence.BuildStatusSucceeded, persistence.FinishParams{
		ArtifactPath:   "/tmp/out/bld-done.tar.gz",
		WarningsJSON:   `[{"rule_id":"NAMING_COMPONENT_CASE"}]`,
		DowngradesJSON: `[{"rule_id":"A11Y_KEYBOARD"}]`,
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	b, err := store.GetBuild(ctx, "bld-done")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if b.Status != persistence.BuildStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", b.Status)
	}
	if b.ArtifactPath != "/tmp/out/bld-done.tar.gz" {
		t.Fatalf("expected artifact path, got %q", b.ArtifactPath)
	}
	if !strings.Contains(b.DowngradesJSON, "A11Y_KEYBOARD") {
		t.Fatalf("expected downgrades recorded, got %q", b.DowngradesJSON)
	}
	if b.LeaseOwner != "" || b.LeaseExpiresAt != nil {
		t.Fatal("expected lease cleared on finish")
	}

	// Terminal builds cannot be finished again.
	err = store.FinishBuild(ctx, "bld-done", persistence.BuildStatusFailed, persistence.FinishParams{ErrorSummary: "late"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows finishing a terminal build, got %v", err)
	}
}

func TestFinishBuild_RejectsNonTerminalTarget(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-bad-target")
	err := store.FinishBuild(ctx, "bld-bad-target", persistence.BuildStatusRunning, persistence.FinishParams{})
	if err == nil {
		t.Fatal("expected error for non-terminal finish target")
	}
}

func TestFinishBuild_NeedsClarificationAndReopen(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-unclear")
	if _, err := store.ClaimBuild(ctx, "bld-unclear", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetInterpretation(ctx, "bld-unclear", 0.35); err != nil {
		t.Fatalf("set interpretation: %v", err)
	}
	err := store.FinishBuild(ctx, "bld-unclear", persistence.BuildStatusNeedsClarification, persistence.FinishParams{
		ErrorSummary: "confidence 0.35 below threshold 0.60",
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	b, err := store.GetBuild(ctx, "bld-unclear")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if b.Status != persistence.BuildStatusNeedsClarification {
		t.Fatalf("expected NEEDS_CLARIFICATION, got %s", b.Status)
	}
	if b.Confidence != 0.35 {
		t.Fatalf("expected stored confidence 0.35, got %v", b.Confidence)
	}

	reopened, err := store.ReopenBuild(ctx, "bld-unclear")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened {
		t.Fatal("expected reopen to succeed")
	}
	b, err = store.GetBuild(ctx, "bld-unclear")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if b.Status != persistence.BuildStatusPending {
		t.Fatalf("expected PENDING after reopen, got %s", b.Status)
	}

	// Reopen only applies to clarification halts.
	reopened, err = store.ReopenBuild(ctx, "bld-unclear")
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	if reopened {
		t.Fatal("expected reopen of a PENDING build to be a no-op")
	}
}

func TestRealizeBuildID_CascadesToStageRecordsAndEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-prov")
	if _, err := store.ClaimBuild(ctx, "bld-prov", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for i, stage := range []string{"Init", "InterpretIntent", "MatchCapability"} {
		if err := store.CommitStage(ctx, persistence.StageRecord{
			BuildID:    "bld-prov",
			StageIndex: i,
			Stage:      stage,
			Attempt:    1,
			OutputJSON: `{"ok":true}`,
			DurationMS: 5,
		}); err != nil {
			t.Fatalf("commit stage %s: %v", stage, err)
		}
	}

	if err := store.RealizeBuildID(ctx, "bld-prov", "bld-final", "display_rating", "2.0.0"); err != nil {
		t.Fatalf("realize: %v", err)
	}

	if _, err := store.GetBuild(ctx, "bld-prov"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected old id gone, got %v", err)
	}
	b, err := store.GetBuild(ctx, "bld-final")
	if err != nil {
		t.Fatalf("get realized build: %v", err)
	}
	if b.CapabilityID != "display_rating" || b.ContractVersion != "2.0.0" {
		t.Fatalf("expected capability recorded, got %q %q", b.CapabilityID, b.ContractVersion)
	}
	if b.SubmissionKey != "sub-bld-prov" {
		t.Fatalf("submission key must survive realization, got %q", b.SubmissionKey)
	}

	records, err := store.StageRecords(ctx, "bld-final")
	if err != nil {
		t.Fatalf("stage records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 cascaded stage records, got %d", len(records))
	}

	events, err := store.ListBuildEvents(ctx, "bld-final", 0, 20)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected cascaded events under the new id")
	}
	var sawIdentified bool
	for _, e := range events {
		if e.EventType == "build.identified" {
			sawIdentified = true
		}
	}
	if !sawIdentified {
		t.Fatal("expected a build.identified event")
	}
}

func TestRealizeBuildID_DuplicateTarget(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-x")
	createTestBuild(t, store, "bld-y")

	err := store.RealizeBuildID(ctx, "bld-x", "bld-y", "cap", "1.0.0")
	if !errors.Is(err, persistence.ErrDuplicateBuild) {
		t.Fatalf("expected ErrDuplicateBuild, got %v", err)
	}
}

func TestRealizeBuildID_SameIDRecordsCapabilityOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-same")
	if err := store.RealizeBuildID(ctx, "bld-same", "bld-same", "display_rating", "2.0.0"); err != nil {
		t.Fatalf("realize same: %v", err)
	}
	b, err := store.GetBuild(ctx, "bld-same")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.CapabilityID != "display_rating" {
		t.Fatalf("expected capability recorded, got %q", b.CapabilityID)
	}
}

func TestResolveBuildID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-res-prov")
	if _, err := store.ClaimBuild(ctx, "bld-res-prov", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RealizeBuildID(ctx, "bld-res-prov", "bld-res-final", "display_rating", "2.0.0"); err != nil {
		t.Fatalf("realize: %v", err)
	}

	t.Run("follows a rename", func(t *testing.T) {
		got, err := store.ResolveBuildID(ctx, "bld-res-prov")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got != "bld-res-final" {
			t.Errorf("resolved to %q, want bld-res-final", got)
		}
	})

	t.Run("follows a rename chain", func(t *testing.T) {
		if err := store.RealizeBuildID(ctx, "bld-res-final", "bld-res-final2", "display_rating", "2.1.0"); err != nil {
			t.Fatalf("second realize: %v", err)
		}
		got, err := store.ResolveBuildID(ctx, "bld-res-prov")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got != "bld-res-final2" {
			t.Errorf("resolved to %q, want bld-res-final2", got)
		}
	})

	t.Run("unrenamed id resolves to itself", func(t *testing.T) {
		createTestBuild(t, store, "bld-res-stable")
		got, err := store.ResolveBuildID(ctx, "bld-res-stable")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got != "bld-res-stable" {
			t.Errorf("resolved to %q, want the same id", got)
		}
	})

	t.Run("unknown id resolves to itself", func(t *testing.T) {
		got, err := store.ResolveBuildID(ctx, "bld-res-ghost")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got != "bld-res-ghost" {
			t.Errorf("resolved to %q, want the same id", got)
		}
	})
}

func TestCancelFlow(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// Pending builds cancel immediately.
	createTestBuild(t, store, "bld-cancel-pending")
	ok, err := store.RequestCancel(ctx, "bld-cancel-pending")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if !ok {
		t.Fatal("expected pending cancel to succeed")
	}
	b, err := store.GetBuild(ctx, "bld-cancel-pending")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != persistence.BuildStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", b.Status)
	}

	// Running builds get the flag and abort at a stage boundary.
	createTestBuild(t, store, "bld-cancel-running")
	if _, err := store.ClaimBuild(ctx, "bld-cancel-running", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err = store.RequestCancel(ctx, "bld-cancel-running")
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if !ok {
		t.Fatal("expected running cancel request to be accepted")
	}
	flagged, err := store.IsCancelRequested(ctx, "bld-cancel-running")
	if err != nil {
		t.Fatalf("is cancel requested: %v", err)
	}
	if !flagged {
		t.Fatal("expected cancel flag set")
	}
	b, err = store.GetBuild(ctx, "bld-cancel-running")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != persistence.BuildStatusRunning {
		t.Fatalf("running build should stay RUNNING until the worker aborts, got %s", b.Status)
	}

	aborted, err := store.AbortBuild(ctx, "bld-cancel-running")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !aborted {
		t.Fatal("expected abort to succeed")
	}
	b, err = store.GetBuild(ctx, "bld-cancel-running")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != persistence.BuildStatusCanceled {
		t.Fatalf("expected CANCELED after abort, got %s", b.Status)
	}

	// Terminal builds cannot be canceled.
	ok, err = store.RequestCancel(ctx, "bld-cancel-running")
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if ok {
		t.Fatal("expected cancel of terminal build to be refused")
	}
}

func TestListBuildsAndCounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-l1")
	createTestBuild(t, store, "bld-l2")
	if _, err := store.ClaimBuild(ctx, "bld-l2", "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	all, total, err := store.ListBuilds(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Fatalf("expected 2 builds, got total=%d len=%d", total, len(all))
	}

	pending, total, err := store.ListBuilds(ctx, string(persistence.BuildStatusPending), 10, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if total != 1 || len(pending) != 1 || pending[0].BuildID != "bld-l1" {
		t.Fatalf("expected only bld-l1 pending, got %+v", pending)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 1 || counts.Running != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestSetCatalogVersionOnBuild(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-cat")
	if err := store.SetCatalogVersion(ctx, "bld-cat", "3"); err != nil {
		t.Fatalf("set catalog version: %v", err)
	}
	b, err := store.GetBuild(ctx, "bld-cat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.CatalogVersion != "3" {
		t.Fatalf("expected catalog version 3, got %q", b.CatalogVersion)
	}
}
