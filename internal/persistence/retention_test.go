package persistence_test

import (
	"context"
	"testing"
)

func TestRunRetention_PurgesOldRowsOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// An old build's history plus a fresh one's.
	createTestBuild(t, store, "bld-old")
	createTestBuild(t, store, "bld-new")
	if _, err := store.DB().Exec(`UPDATE build_events SET created_at = datetime('now', '-120 days') WHERE build_id = 'bld-old';`); err != nil {
		t.Fatalf("age events: %v", err)
	}

	if _, err := store.DB().Exec(`
		INSERT INTO audit_log (build_id, action, decision, reason, catalog_version, created_at)
		VALUES ('bld-old', 'route', 'deny', 'budget', '3', datetime('now', '-400 days')),
		       ('bld-new', 'route', 'allow', '', '3', CURRENT_TIMESTAMP);
	`); err != nil {
		t.Fatalf("seed audit rows: %v", err)
	}

	if err := store.UpsertFixer(ctx, "A11Y_KEYBOARD", "h"); err != nil {
		t.Fatalf("upsert fixer: %v", err)
	}
	if _, err := store.IncrementFixerFault(ctx, "A11Y_KEYBOARD", "bld-old", "trap", "boom", 3); err != nil {
		t.Fatalf("fault: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE fixer_faults SET created_at = datetime('now', '-120 days');`); err != nil {
		t.Fatalf("age faults: %v", err)
	}

	result, err := store.RunRetention(ctx, 90, 365)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if result.PurgedBuildEvents == 0 {
		t.Fatal("expected old build events purged")
	}
	if result.PurgedAuditLogs != 1 {
		t.Fatalf("expected 1 audit row purged, got %d", result.PurgedAuditLogs)
	}
	if result.PurgedFixerFaults != 1 {
		t.Fatalf("expected 1 fixer fault purged, got %d", result.PurgedFixerFaults)
	}

	// Fresh rows and the builds themselves survive.
	events, err := store.ListBuildEvents(ctx, "bld-new", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected recent events kept")
	}
	if _, err := store.GetBuild(ctx, "bld-old"); err != nil {
		t.Fatalf("builds must survive retention: %v", err)
	}

	var auditCount int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM audit_log;`).Scan(&auditCount); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected 1 surviving audit row, got %d", auditCount)
	}

	// Zero windows disable purging.
	result, err = store.RunRetention(ctx, 0, 0)
	if err != nil {
		t.Fatalf("noop retention: %v", err)
	}
	if result.PurgedBuildEvents != 0 || result.PurgedAuditLogs != 0 || result.PurgedFixerFaults != 0 {
		t.Fatalf("expected noop with zero windows, got %+v", result)
	}
}
