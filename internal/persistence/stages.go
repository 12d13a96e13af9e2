package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/specforge/internal/bus"
)

// ErrStageCommitted is returned when a stage record already exists for the
// (build, stage index) pair. The orchestrator treats it as "skip ahead":
// committed stages are never re-executed.
var ErrStageCommitted = errors.New("stage already committed")

// CommitStage durably records one stage result and advances the build
// cursor in the same transaction. The orchestrator must not start the next
// stage until this returns nil. Committing also resets the attempt counter
// and retry bookkeeping, so a later failure backs off from scratch.
func (s *Store) CommitStage(ctx context.Context, rec StageRecord) error {
	if rec.BuildID == "" || rec.Stage == "" {
		return fmt.Errorf("stage record requires build id and stage name")
	}
	if rec.Attempt < 1 {
		rec.Attempt = 1
	}
	if rec.OutputJSON == "" {
		rec.OutputJSON = "{}"
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin commit stage tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO stage_records (build_id, stage_index, stage, attempt, output_json, duration_ms, committed_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(build_id, stage_index) DO NOTHING;
		`, rec.BuildID, rec.StageIndex, rec.Stage, rec.Attempt, rec.OutputJSON, rec.DurationMS)
		if err != nil {
			return fmt.Errorf("insert stage record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("stage record rows affected: %w", err)
		}
		if n == 0 {
			return ErrStageCommitted
		}

		updated, err := tx.ExecContext(ctx, `
			UPDATE builds
			SET current_stage = ?, attempt = 0, next_retry_at = NULL,
				last_error_fingerprint = NULL, poison_count = 0, error = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE build_id = ? AND status = ?;
		`, rec.StageIndex+1, rec.BuildID, BuildStatusRunning)
		if err != nil {
			return fmt.Errorf("advance build cursor: %w", err)
		}
		un, err := updated.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance rows affected: %w", err)
		}
		if un != 1 {
			return fmt.Errorf("commit stage %s for build %s: build not running", rec.Stage, rec.BuildID)
		}

		if err := s.appendBuildEventTx(ctx, tx, rec.BuildID, BuildStatusRunning, BuildStatusRunning, "build.stage_committed",
			fmt.Sprintf(`{"stage":%q,"stage_index":%d,"attempt":%d,"duration_ms":%d}`,
				rec.Stage, rec.StageIndex, rec.Attempt, rec.DurationMS)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicStageCommitted, bus.StageCommittedEvent{
			BuildID:    rec.BuildID,
			Stage:      rec.Stage,
			StageIndex: rec.StageIndex,
			Attempt:    rec.Attempt,
			DurationMS: rec.DurationMS,
		})
	}
	return nil
}

// StageRecords returns every committed stage for a build in execution
// order.
func (s *Store) StageRecords(ctx context.Context, buildID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT build_id, stage_index, stage, attempt, output_json, duration_ms, committed_at
		FROM stage_records
		WHERE build_id = ?
		ORDER BY stage_index ASC;
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query stage records: %w", err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var r StageRecord
		if err := rows.Scan(&r.BuildID, &r.StageIndex, &r.Stage, &r.Attempt, &r.OutputJSON, &r.DurationMS, &r.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StageOutput returns the committed output for one stage index, with ok
// false when the stage has not been committed yet.
func (s *Store) StageOutput(ctx context.Context, buildID string, stageIndex int) (string, bool, error) {
	var output string
	err := s.db.QueryRowContext(ctx, `
		SELECT output_json
		FROM stage_records
		WHERE build_id = ? AND stage_index = ?;
	`, buildID, stageIndex).Scan(&output)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read stage output: %w", err)
	}
	return output, true, nil
}

// StageTimings returns per-stage durations keyed by stage name, for the
// result summary and the status command.
func (s *Store) StageTimings(ctx context.Context, buildID string) (map[string]time.Duration, error) {
	records, err := s.StageRecords(ctx, buildID)
	if err != nil {
		return nil, err
	}
	timings := make(map[string]time.Duration, len(records))
	for _, r := range records {
		timings[r.Stage] = time.Duration(r.DurationMS) * time.Millisecond
	}
	return timings, nil
}
