package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgeworks/specforge/internal/persistence"
)

func claimTestBuild(t *testing.T, store *persistence.Store, buildID string) {
	t.Helper()
	createTestBuild(t, store, buildID)
	if _, err := store.ClaimBuild(context.Background(), buildID, "worker-1"); err != nil {
		t.Fatalf("claim %s: %v", buildID, err)
	}
}

func TestCommitStage_AdvancesCursorOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	claimTestBuild(t, store, "bld-stage")
	rec := persistence.StageRecord{
		BuildID:    "bld-stage",
		StageIndex: 0,
		Stage:      "Init",
		Attempt:    1,
		OutputJSON: `{"screened":true}`,
		DurationMS: 3,
	}
	if err := store.CommitStage(ctx, rec); err != nil {
		t.Fatalf("commit: %v", err)
	}

	b, err := store.GetBuild(ctx, "bld-stage")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if b.CurrentStage != 1 {
		t.Fatalf("expected cursor at 1, got %d", b.CurrentStage)
	}

	// Committing the same stage index again must refuse, not overwrite.
	rec.OutputJSON = `{"screened":false}`
	err = store.CommitStage(ctx, rec)
	if !errors.Is(err, persistence.ErrStageCommitted) {
		t.Fatalf("expected ErrStageCommitted, got %v", err)
	}
	output, ok, err := store.StageOutput(ctx, "bld-stage", 0)
	if err != nil {
		t.Fatalf("stage output: %v", err)
	}
	if !ok {
		t.Fatal("expected committed stage output")
	}
	if output != `{"screened":true}` {
		t.Fatalf("committed output must be immutable, got %s", output)
	}
}

func TestCommitStage_RequiresRunningBuild(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "bld-not-running")
	err := store.CommitStage(ctx, persistence.StageRecord{
		BuildID:    "bld-not-running",
		StageIndex: 0,
		Stage:      "Init",
	})
	if err == nil {
		t.Fatal("expected error committing a stage for a non-running build")
	}
}

func TestCommitStage_ResetsRetryBookkeeping(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	claimTestBuild(t, store, "bld-reset")
	if _, err := store.HandleStageFailure(ctx, "bld-reset", "InterpretIntent", "transient blip", time.Second); err != nil {
		t.Fatalf("failure: %v", err)
	}
	backdateRetry(t, store, "bld-reset")
	if _, err := store.ClaimBuild(ctx, "bld-reset", "worker-1"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	if err := store.CommitStage(ctx, persistence.StageRecord{
		BuildID:    "bld-reset",
		StageIndex: 0,
		Stage:      "Init",
		Attempt:    2,
		OutputJSON: `{}`,
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	b, err := store.GetBuild(ctx, "bld-reset")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if b.Attempt != 0 {
		t.Fatalf("expected attempt reset after commit, got %d", b.Attempt)
	}
	if b.PoisonCount != 0 || b.ErrorFingerprint != "" {
		t.Fatalf("expected poison bookkeeping cleared, got count=%d fp=%q", b.PoisonCount, b.ErrorFingerprint)
	}
	if b.Error != "" {
		t.Fatalf("expected error cleared after progress, got %q", b.Error)
	}
}

func TestStageRecords_OrderedByIndex(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	claimTestBuild(t, store, "bld-ordered")
	stages := []string{"Init", "InterpretIntent", "MatchCapability", "GenerateSpec"}
	for i, stage := range stages {
		if err := store.CommitStage(ctx, persistence.StageRecord{
			BuildID:    "bld-ordered",
			StageIndex: i,
			Stage:      stage,
			Attempt:    1,
			OutputJSON: `{}`,
			DurationMS: int64(i * 10),
		}); err != nil {
			t.Fatalf("commit %s: %v", stage, err)
		}
	}

	records, err := store.StageRecords(ctx, "bld-ordered")
	if err != nil {
		t.Fatalf("stage records: %v", err)
	}
	if len(records) != len(stages) {
		t.Fatalf("expected %d records, got %d", len(stages), len(records))
	}
	for i, r := range records {
		if r.StageIndex != i || r.Stage != stages[i] {
			t.Fatalf("record %d out of order: %+v", i, r)
		}
	}

	timings, err := store.StageTimings(ctx, "bld-ordered")
	if err != nil {
		t.Fatalf("timings: %v", err)
	}
	if timings["MatchCapability"] != 20*time.Millisecond {
		t.Fatalf("expected 20ms for MatchCapability, got %v", timings["MatchCapability"])
	}
}

func TestStageOutput_MissingStage(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	claimTestBuild(t, store, "bld-missing")
	_, ok, err := store.StageOutput(ctx, "bld-missing", 5)
	if err != nil {
		t.Fatalf("stage output: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for uncommitted stage")
	}
}
