package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedBuildEvents int64 `json:"purged_build_events"`
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
	PurgedFixerFaults int64 `json:"purged_fixer_faults"`
}

// RunRetention deletes records older than the configured retention windows.
// Each category uses a separate DELETE with its own cutoff; builds and
// their stage records are kept indefinitely so resume and dedupe keep
// working. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, buildEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if buildEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -buildEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM build_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge build_events: %w", err)
		}
		result.PurgedBuildEvents, _ = res.RowsAffected()

		// Fixer fault detail rows age out with the event window; the
		// aggregated fault counts live in fixer_registry and survive.
		res, err = s.db.ExecContext(ctx, `DELETE FROM fixer_faults WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge fixer_faults: %w", err)
		}
		result.PurgedFixerFaults, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
