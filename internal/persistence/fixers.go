package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FixerRecord holds fields returned from the fixer_registry table. One row
// exists per rule with an attached auto-fix, WASM-backed or builtin.
type FixerRecord struct {
	RuleID      string
	ContentHash string
	State       string
	FaultCount  int
	LastFaultAt *time.Time
}

// DefaultQuarantineThreshold is the fault count that disables a fixer. A
// quarantined fixer demotes its rule to report-only until re-enabled.
const DefaultQuarantineThreshold = 3

// ListFixers returns all registered fixers.
func (s *Store) ListFixers(ctx context.Context) ([]FixerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, content_hash, COALESCE(state, 'active'), fault_count, last_fault_at
		FROM fixer_registry
		ORDER BY rule_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list fixers: %w", err)
	}
	defer rows.Close()

	var result []FixerRecord
	for rows.Next() {
		var r FixerRecord
		var lastFault sql.NullTime
		if err := rows.Scan(&r.RuleID, &r.ContentHash, &r.State, &r.FaultCount, &lastFault); err != nil {
			return nil, fmt.Errorf("scan fixer: %w", err)
		}
		if lastFault.Valid {
			t := lastFault.Time
			r.LastFaultAt = &t
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// UpsertFixer registers or refreshes a fixer. A content hash change resets
// the fault count and lifts quarantine: a republished fixer gets a clean
// slate.
func (s *Store) UpsertFixer(ctx context.Context, ruleID, contentHash string) error {
	if strings.TrimSpace(ruleID) == "" {
		return fmt.Errorf("empty ruleID")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fixer_registry (rule_id, content_hash, state, fault_count, created_at, updated_at)
		VALUES (?, ?, 'active', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(rule_id) DO UPDATE SET
			state = CASE WHEN fixer_registry.content_hash != excluded.content_hash THEN 'active' ELSE fixer_registry.state END,
			fault_count = CASE WHEN fixer_registry.content_hash != excluded.content_hash THEN 0 ELSE fixer_registry.fault_count END,
			content_hash = excluded.content_hash,
			updated_at = CURRENT_TIMESTAMP;
	`, ruleID, contentHash)
	if err != nil {
		return fmt.Errorf("upsert fixer: %w", err)
	}
	return nil
}

// IncrementFixerFault records one fixer fault and auto-quarantines when the
// threshold is reached. The UPDATE ... RETURNING form reads the post-update
// state atomically. Returns true if this call quarantined the fixer.
func (s *Store) IncrementFixerFault(ctx context.Context, ruleID, buildID, faultKind, detail string, threshold int) (quarantined bool, err error) {
	if threshold <= 0 {
		threshold = DefaultQuarantineThreshold
	}
	var state string
	err = s.db.QueryRowContext(ctx, `
		UPDATE fixer_registry
		SET fault_count = fault_count + 1,
			last_fault_at = CURRENT_TIMESTAMP,
			state = CASE WHEN fault_count + 1 >= ? THEN 'quarantined' ELSE state END,
			updated_at = CURRENT_TIMESTAMP
		WHERE rule_id = ?
		RETURNING state;
	`, threshold, ruleID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("increment fixer fault: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO fixer_faults (rule_id, build_id, fault_kind, detail, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, ruleID, buildID, faultKind, detail); err != nil {
		return false, fmt.Errorf("record fixer fault: %w", err)
	}
	return state == "quarantined", nil
}

// IsFixerQuarantined checks whether a rule's fixer is quarantined. Unknown
// fixers are not quarantined.
func (s *Store) IsFixerQuarantined(ctx context.Context, ruleID string) (bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(state, 'active') FROM fixer_registry WHERE rule_id = ?;`, ruleID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check fixer quarantine: %w", err)
	}
	return state == "quarantined", nil
}

// ReenableFixer resets a quarantined fixer to active with zero fault count.
func (s *Store) ReenableFixer(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fixer_registry
		SET state = 'active', fault_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE rule_id = ?;
	`, ruleID)
	if err != nil {
		return fmt.Errorf("reenable fixer: %w", err)
	}
	return nil
}

// FixerFault is one recorded fixer failure.
type FixerFault struct {
	RuleID    string
	BuildID   string
	FaultKind string
	Detail    string
	CreatedAt time.Time
}

// ListFixerFaults returns the most recent faults for a rule, newest first.
func (s *Store) ListFixerFaults(ctx context.Context, ruleID string, limit int) ([]FixerFault, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, COALESCE(build_id, ''), fault_kind, COALESCE(detail, ''), created_at
		FROM fixer_faults
		WHERE rule_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list fixer faults: %w", err)
	}
	defer rows.Close()

	var out []FixerFault
	for rows.Next() {
		var f FixerFault
		if err := rows.Scan(&f.RuleID, &f.BuildID, &f.FaultKind, &f.Detail, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fixer fault: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecordCatalogVersion persists a rule catalog version snapshot so audits
// can tie every decision back to the exact catalog that produced it.
func (s *Store) RecordCatalogVersion(ctx context.Context, catalogVersion, checksum, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_versions (catalog_version, checksum, loaded_at, source)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(catalog_version) DO UPDATE SET loaded_at = CURRENT_TIMESTAMP, source = excluded.source;
	`, catalogVersion, checksum, source)
	if err != nil {
		return fmt.Errorf("record catalog version: %w", err)
	}
	return nil
}

// LatestCatalogVersion returns the most recently loaded catalog version, or
// empty strings when none has been recorded.
func (s *Store) LatestCatalogVersion(ctx context.Context) (version, checksum string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT catalog_version, checksum
		FROM catalog_versions
		ORDER BY loaded_at DESC
		LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("latest catalog version: %w", err)
	}
	return version, checksum, nil
}
