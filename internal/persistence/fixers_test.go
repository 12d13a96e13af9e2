package persistence_test

import (
	"context"
	"testing"
)

func TestFixerRegistry_UpsertAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertFixer(ctx, "A11Y_KEYBOARD", "hash-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertFixer(ctx, "NAMING_COMPONENT_CASE", "hash-2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fixers, err := store.ListFixers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fixers) != 2 {
		t.Fatalf("expected 2 fixers, got %d", len(fixers))
	}
	if fixers[0].RuleID != "A11Y_KEYBOARD" || fixers[0].State != "active" {
		t.Fatalf("unexpected first fixer: %+v", fixers[0])
	}

	if err := store.UpsertFixer(ctx, "", "hash"); err == nil {
		t.Fatal("expected error for empty rule id")
	}
}

func TestFixerFaults_QuarantineAtThreshold(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertFixer(ctx, "A11Y_KEYBOARD", "hash-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	for i := 1; i <= 2; i++ {
		quarantined, err := store.IncrementFixerFault(ctx, "A11Y_KEYBOARD", "bld-1", "trap", "wasm trap: out of bounds", 3)
		if err != nil {
			t.Fatalf("fault %d: %v", i, err)
		}
		if quarantined {
			t.Fatalf("fault %d should not quarantine yet", i)
		}
	}

	quarantined, err := store.IncrementFixerFault(ctx, "A11Y_KEYBOARD", "bld-2", "trap", "wasm trap: out of bounds", 3)
	if err != nil {
		t.Fatalf("third fault: %v", err)
	}
	if !quarantined {
		t.Fatal("expected quarantine on third fault")
	}

	isQ, err := store.IsFixerQuarantined(ctx, "A11Y_KEYBOARD")
	if err != nil {
		t.Fatalf("is quarantined: %v", err)
	}
	if !isQ {
		t.Fatal("expected quarantined state")
	}

	faults, err := store.ListFixerFaults(ctx, "A11Y_KEYBOARD", 10)
	if err != nil {
		t.Fatalf("list faults: %v", err)
	}
	if len(faults) != 3 {
		t.Fatalf("expected 3 fault rows, got %d", len(faults))
	}
	if faults[0].BuildID != "bld-2" {
		t.Fatalf("expected newest fault first, got %+v", faults[0])
	}
}

func TestFixerFaults_UnknownFixerIsNoop(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	quarantined, err := store.IncrementFixerFault(ctx, "NO_SUCH_RULE", "", "trap", "boom", 3)
	if err != nil {
		t.Fatalf("fault: %v", err)
	}
	if quarantined {
		t.Fatal("unknown fixer cannot be quarantined")
	}

	isQ, err := store.IsFixerQuarantined(ctx, "NO_SUCH_RULE")
	if err != nil {
		t.Fatalf("is quarantined: %v", err)
	}
	if isQ {
		t.Fatal("unknown fixer must not read as quarantined")
	}
}

func TestFixerRegistry_ReenableAndContentHashReset(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertFixer(ctx, "READONLY_NO_EDIT_INTERACTION", "hash-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.IncrementFixerFault(ctx, "READONLY_NO_EDIT_INTERACTION", "", "timeout", "deadline exceeded", 3); err != nil {
			t.Fatalf("fault: %v", err)
		}
	}
	isQ, _ := store.IsFixerQuarantined(ctx, "READONLY_NO_EDIT_INTERACTION")
	if !isQ {
		t.Fatal("expected quarantine")
	}

	if err := store.ReenableFixer(ctx, "READONLY_NO_EDIT_INTERACTION"); err != nil {
		t.Fatalf("reenable: %v", err)
	}
	isQ, _ = store.IsFixerQuarantined(ctx, "READONLY_NO_EDIT_INTERACTION")
	if isQ {
		t.Fatal("expected active after reenable")
	}

	// Quarantine again, then publish new content: clean slate.
	for i := 0; i < 3; i++ {
		if _, err := store.IncrementFixerFault(ctx, "READONLY_NO_EDIT_INTERACTION", "", "timeout", "deadline exceeded", 3); err != nil {
			t.Fatalf("fault: %v", err)
		}
	}
	if err := store.UpsertFixer(ctx, "READONLY_NO_EDIT_INTERACTION", "hash-2"); err != nil {
		t.Fatalf("upsert new hash: %v", err)
	}
	fixers, err := store.ListFixers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if fixers[0].State != "active" || fixers[0].FaultCount != 0 {
		t.Fatalf("expected reset on content change, got %+v", fixers[0])
	}

	// Same content re-upserted keeps the quarantine.
	for i := 0; i < 3; i++ {
		if _, err := store.IncrementFixerFault(ctx, "READONLY_NO_EDIT_INTERACTION", "", "timeout", "deadline exceeded", 3); err != nil {
			t.Fatalf("fault: %v", err)
		}
	}
	if err := store.UpsertFixer(ctx, "READONLY_NO_EDIT_INTERACTION", "hash-2"); err != nil {
		t.Fatalf("re-upsert same hash: %v", err)
	}
	isQ, _ = store.IsFixerQuarantined(ctx, "READONLY_NO_EDIT_INTERACTION")
	if !isQ {
		t.Fatal("same content must stay quarantined")
	}
}

func TestCatalogVersions_RecordAndLatest(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	version, checksum, err := store.LatestCatalogVersion(ctx)
	if err != nil {
		t.Fatalf("latest on empty: %v", err)
	}
	if version != "" || checksum != "" {
		t.Fatalf("expected empty before any load, got %q %q", version, checksum)
	}

	if err := store.RecordCatalogVersion(ctx, "3", "abc123", "rules.yaml"); err != nil {
		t.Fatalf("record: %v", err)
	}
	version, checksum, err = store.LatestCatalogVersion(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if version != "3" || checksum != "abc123" {
		t.Fatalf("unexpected latest: %q %q", version, checksum)
	}

	// Re-recording the same version refreshes loaded_at without error.
	if err := store.RecordCatalogVersion(ctx, "3", "abc123", "rules.yaml"); err != nil {
		t.Fatalf("re-record: %v", err)
	}
}
