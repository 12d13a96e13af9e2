package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/google/uuid"
)

// ErrDuplicateBuild is returned when realizing a build identifier that is
// already taken by another build row.
var ErrDuplicateBuild = errors.New("build already exists")

// NewBuild carries the fields required to enqueue a build.
type NewBuild struct {
	BuildID        string
	SubmissionKey  string
	UserInput      string
	CanonicalInput string
	MaxAttempts    int // 0 means the default per-stage attempt cap
}

// CreateBuild inserts a PENDING build. Callers are expected to check
// FindBySubmissionKey first; an insert racing a duplicate submission fails
// on the submission_key unique constraint.
func (s *Store) CreateBuild(ctx context.Context, nb NewBuild) (*Build, error) {
	if nb.BuildID == "" || nb.SubmissionKey == "" {
		return nil, fmt.Errorf("build id and submission key required")
	}
	maxAttempts := nb.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create build tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO builds (
				build_id, submission_key, status, current_stage, attempt, max_attempts, user_input, canonical_input, created_at, updated_at
			)
			VALUES (?, ?, ?, 0, 0, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, nb.BuildID, nb.SubmissionKey, BuildStatusPending, maxAttempts, nb.UserInput, nb.CanonicalInput); err != nil {
			return fmt.Errorf("create build: %w", err)
		}
		if err := s.appendBuildEventTx(ctx, tx, nb.BuildID, "", BuildStatusPending, "build.enqueued", `{"reason":"create_build"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetBuild(ctx, nb.BuildID)
}

// ClaimNextReadyBuild atomically claims the oldest runnable build for the
// given worker: PENDING builds whose retry clock (if any) has elapsed, or
// RETRY_WAIT builds that are due. The claim transitions straight to RUNNING
// with a fresh lease; returns nil when nothing is ready.
func (s *Store) ClaimNextReadyBuild(ctx context.Context, leaseOwner string) (*Build, error) {
	var result *Build
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var b Build
		row := tx.QueryRowContext(ctx, `
			SELECT `+buildColumns+`
			FROM builds
			WHERE (status = ? AND (next_retry_at IS NULL OR next_retry_at <= CURRENT_TIMESTAMP))
			   OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= CURRENT_TIMESTAMP)
			ORDER BY created_at ASC, build_id ASC
			LIMIT 1;
		`, BuildStatusPending, BuildStatusRetryWait)
		if scanErr := scanBuild(row.Scan, &b); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select ready build: %w", scanErr)
		}

		claimed, err := s.claimBuildTx(ctx, tx, &b, leaseOwner)
		if err != nil {
			return err
		}
		if !claimed {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		result = &b
		return nil
	})
	return result, err
}

// ClaimBuild claims one specific build for foreground execution. The build
// must be PENDING, or RETRY_WAIT with its retry clock elapsed.
func (s *Store) ClaimBuild(ctx context.Context, buildID, leaseOwner string) (*Build, error) {
	var result *Build
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var b Build
		row := tx.QueryRowContext(ctx, `
			SELECT `+buildColumns+`
			FROM builds
			WHERE build_id = ?
			  AND (status = ? OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= CURRENT_TIMESTAMP));
		`, buildID, BuildStatusPending, BuildStatusRetryWait)
		if scanErr := scanBuild(row.Scan, &b); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select build for claim: %w", scanErr)
		}

		claimed, err := s.claimBuildTx(ctx, tx, &b, leaseOwner)
		if err != nil {
			return err
		}
		if !claimed {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		result = &b
		return nil
	})
	return result, err
}

func (s *Store) claimBuildTx(ctx context.Context, tx *sql.Tx, b *Build, leaseOwner string) (bool, error) {
	ok, err := s.transitionBuildTx(ctx, tx, b.BuildID,
		[]BuildStatus{BuildStatusPending, BuildStatusRetryWait}, BuildStatusRunning,
		"build.running", `{"reason":"worker_claim"}`, nil)
	if err != nil {
		return false, fmt.Errorf("claim build transition: %w", err)
	}
	if !ok {
		return false, nil
	}
	if leaseOwner == "" {
		leaseOwner = uuid.NewString()
	}
	leaseExpiresAt := time.Now().UTC().Add(defaultLeaseDuration)
	if _, err := tx.ExecContext(ctx, `
		UPDATE builds
		SET lease_owner = ?, lease_expires_at = ?, next_retry_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE build_id = ? AND status = ?;
	`, leaseOwner, leaseExpiresAt, b.BuildID, BuildStatusRunning); err != nil {
		return false, fmt.Errorf("set claim lease: %w", err)
	}
	b.Status = BuildStatusRunning
	b.LeaseOwner = leaseOwner
	b.LeaseExpiresAt = &leaseExpiresAt
	b.NextRetryAt = nil
	return true, nil
}

// HeartbeatLease extends the lease for a build still held by leaseOwner.
// Returns false when the lease was lost (expired and requeued, or claimed
// by another worker), in which case the holder must stop working on it.
func (s *Store) HeartbeatLease(ctx context.Context, buildID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE build_id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().UTC().Add(defaultLeaseDuration), buildID, leaseOwner, BuildStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredLeases returns RUNNING builds whose lease has lapsed to
// PENDING so another worker can resume them from the last committed stage.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue expired leases tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT build_id
		FROM builds
		WHERE status = ?
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, BuildStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan expired lease build: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired lease builds: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionBuildTx(
			ctx,
			tx,
			id,
			[]BuildStatus{BuildStatusRunning},
			BuildStatusPending,
			"build.lease_expired_requeued",
			fmt.Sprintf(`{"reason":%q}`, ReasonLeaseExpired),
			nil,
		)
		if err != nil {
			return 0, fmt.Errorf("requeue expired transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE builds
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE build_id = ? AND status = ?;
		`, id, BuildStatusPending); err != nil {
			return 0, fmt.Errorf("clear lease after requeue: %w", err)
		}
		reclaimed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue expired leases tx: %w", err)
	}
	return reclaimed, nil
}

// RecoverRunningBuilds requeues every RUNNING build regardless of lease.
// Called once at startup: anything RUNNING at that point belonged to a
// process that died, and its committed stages make the rerun cheap.
func (s *Store) RecoverRunningBuilds(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recovery tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT build_id
		FROM builds
		WHERE status = ?;
	`, BuildStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query running builds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan running build: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate running builds: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		ok, err := s.transitionBuildTx(
			ctx,
			tx,
			id,
			[]BuildStatus{BuildStatusRunning},
			BuildStatusPending,
			"build.crash_recovery_requeued",
			fmt.Sprintf(`{"reason":%q}`, ReasonCrashRecovery),
			nil,
		)
		if err != nil {
			return 0, fmt.Errorf("recovery transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE builds
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE build_id = ? AND status = ?;
		`, id, BuildStatusPending); err != nil {
			return 0, fmt.Errorf("clear lease after recovery: %w", err)
		}
		recovered++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery tx: %w", err)
	}
	return recovered, nil
}

// SetInterpretation stores the interpreter's confidence score on the build.
func (s *Store) SetInterpretation(ctx context.Context, buildID string, confidence float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds
		SET confidence = ?, updated_at = CURRENT_TIMESTAMP
		WHERE build_id = ?;
	`, confidence, buildID)
	if err != nil {
		return fmt.Errorf("set interpretation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set interpretation rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// RealizeBuildID rewrites the provisional build identifier to the final
// content-derived one and records the matched capability. Stage records and
// events follow through the ON UPDATE CASCADE foreign keys.
func (s *Store) RealizeBuildID(ctx context.Context, oldID, newID, capabilityID, contractVersion string) error {
	if oldID == newID {
		// Identifier already final; just record the capability.
		_, err := s.db.ExecContext(ctx, `
			UPDATE builds
			SET capability_id = ?, contract_version = ?, updated_at = CURRENT_TIMESTAMP
			WHERE build_id = ?;
		`, capabilityID, contractVersion, oldID)
		if err != nil {
			return fmt.Errorf("record capability: %w", err)
		}
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin realize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM builds WHERE build_id = ?;`, newID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("realize build id %s: %w", newID, ErrDuplicateBuild)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check realized id: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE builds
			SET build_id = ?, capability_id = ?, contract_version = ?, updated_at = CURRENT_TIMESTAMP
			WHERE build_id = ?;
		`, newID, capabilityID, contractVersion, oldID)
		if err != nil {
			return fmt.Errorf("realize build id: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("realize rows affected: %w", err)
		}
		if n != 1 {
			return sql.ErrNoRows
		}
		if err := s.appendBuildEventTx(ctx, tx, newID, BuildStatusRunning, BuildStatusRunning, "build.identified",
			fmt.Sprintf(`{"previous_id":%q,"capability_id":%q,"contract_version":%q}`, oldID, capabilityID, contractVersion)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ResolveBuildID follows the identifier rename a capability match
// performs, returning the id the build carries now. Ids that were never
// renamed resolve to themselves; the loop covers a reopened build whose
// re-match realized a second id.
func (s *Store) ResolveBuildID(ctx context.Context, buildID string) (string, error) {
	current := buildID
	for i := 0; i < 5; i++ {
		var next string
		err := s.db.QueryRowContext(ctx, `
			SELECT build_id FROM build_events
			WHERE event_type = 'build.identified'
			  AND json_extract(payload_json, '$.previous_id') = ?
			ORDER BY event_id DESC
			LIMIT 1;
		`, current).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return current, nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve build id: %w", err)
		}
		current = next
	}
	return current, nil
}

// SetCatalogVersion pins the rule catalog version the build was validated
// against.
func (s *Store) SetCatalogVersion(ctx context.Context, buildID, catalogVersion string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE builds
		SET catalog_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE build_id = ?;
	`, catalogVersion, buildID)
	if err != nil {
		return fmt.Errorf("set catalog version: %w", err)
	}
	return nil
}

// HandleStageFailure applies retry, backoff and poison-pill decisions for a
// RUNNING build whose current stage failed with a transient error. The
// delay is supplied by the orchestrator's backoff policy; a non-positive
// delay falls back to the deterministic per-build schedule.
//
// Repeated failures with the same error fingerprint increment a poison
// counter; at poisonThreshold the build fails instead of burning its
// remaining attempts on a deterministic error.
func (s *Store) HandleStageFailure(ctx context.Context, buildID, stage string, errMsg string, delay time.Duration) (RetryDecision, error) {
	var decision RetryDecision
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status BuildStatus
		var attempt, maxAttempts, poisonCount int
		var lastFingerprint string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempt, max_attempts, COALESCE(last_error_fingerprint, ''), poison_count
			FROM builds
			WHERE build_id = ?;
		`, buildID).Scan(&status, &attempt, &maxAttempts, &lastFingerprint, &poisonCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("read build for failure: %w", err)
		}
		if status != BuildStatusRunning {
			return sql.ErrNoRows
		}

		fingerprint := errorFingerprint(errMsg)
		if fingerprint == lastFingerprint {
			poisonCount++
		} else {
			poisonCount = 1
		}
		newAttempt := attempt + 1

		decision = RetryDecision{
			Attempt:          newAttempt,
			MaxAttempts:      maxAttempts,
			ErrorFingerprint: fingerprint,
			PoisonCount:      poisonCount,
		}

		switch {
		case poisonCount >= poisonThreshold:
			decision.Outcome = FailureOutcomeFailed
			decision.ReasonCode = ReasonFailPoisonPill
		case newAttempt >= maxAttempts:
			decision.Outcome = FailureOutcomeFailed
			decision.ReasonCode = ReasonFailMaxAttempts
		default:
			decision.Outcome = FailureOutcomeRetried
			decision.ReasonCode = ReasonRetryTransient
		}

		if decision.Outcome == FailureOutcomeFailed {
			ok, err := s.transitionBuildTx(ctx, tx, buildID,
				[]BuildStatus{BuildStatusRunning}, BuildStatusFailed,
				"build.failed",
				fmt.Sprintf(`{"reason":%q,"stage":%q,"attempt":%d,"error":%q}`, decision.ReasonCode, stage, newAttempt, errMsg),
				&errMsg)
			if err != nil {
				return fmt.Errorf("fail build transition: %w", err)
			}
			if !ok {
				return sql.ErrNoRows
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE builds
				SET attempt = ?, last_error_fingerprint = ?, poison_count = ?,
					lease_owner = NULL, lease_expires_at = NULL, next_retry_at = NULL,
					updated_at = CURRENT_TIMESTAMP
				WHERE build_id = ? AND status = ?;
			`, newAttempt, fingerprint, poisonCount, buildID, BuildStatusFailed); err != nil {
				return fmt.Errorf("record failure state: %w", err)
			}
			return tx.Commit()
		}

		if delay <= 0 {
			delay = retryDelay(buildID, newAttempt)
		}
		nextRetryAt := time.Now().UTC().Add(delay)
		decision.BackoffUntil = &nextRetryAt

		ok, err := s.transitionBuildTx(ctx, tx, buildID,
			[]BuildStatus{BuildStatusRunning}, BuildStatusRetryWait,
			"build.retry_scheduled",
			fmt.Sprintf(`{"reason":%q,"stage":%q,"attempt":%d,"next_retry_at":%q,"error":%q}`,
				decision.ReasonCode, stage, newAttempt, nextRetryAt.Format(time.RFC3339), errMsg),
			&errMsg)
		if err != nil {
			return fmt.Errorf("retry transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE builds
			SET attempt = ?, next_retry_at = ?, last_error_fingerprint = ?, poison_count = ?,
				lease_owner = NULL, lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE build_id = ? AND status = ?;
		`, newAttempt, nextRetryAt, fingerprint, poisonCount, buildID, BuildStatusRetryWait); err != nil {
			return fmt.Errorf("record retry state: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return RetryDecision{}, err
	}

	if s.bus != nil {
		switch decision.Outcome {
		case FailureOutcomeRetried:
			s.bus.Publish(bus.TopicRetryScheduled, bus.RetryScheduledEvent{
				BuildID:     buildID,
				Stage:       stage,
				Attempt:     decision.Attempt,
				NextRetryAt: *decision.BackoffUntil,
				Reason:      decision.ReasonCode,
			})
		case FailureOutcomeFailed:
			s.bus.Publish(bus.TopicBuildFailed, bus.BuildFinishedEvent{
				BuildID:      buildID,
				Status:       string(BuildStatusFailed),
				ErrorSummary: errMsg,
			})
		}
	}
	return decision, nil
}

// FinishParams carries the terminal fields set when a build completes.
// Empty strings leave the stored column untouched. DiagnosticsJSON holds
// the structured terminal detail: the violation list for a rejection,
// the clarification questions for a halt.
type FinishParams struct {
	ArtifactPath    string
	ErrorSummary    string
	WarningsJSON    string
	DowngradesJSON  string
	DiagnosticsJSON string
}

// FinishBuild moves a build to one of its terminal states and clears the
// lease. REJECTED carries the validation summary, FAILED the fatal error,
// NEEDS_CLARIFICATION the reason the interpreter halted.
func (s *Store) FinishBuild(ctx context.Context, buildID string, to BuildStatus, p FinishParams) error {
	var eventType string
	switch to {
	case BuildStatusSucceeded:
		eventType = "build.succeeded"
	case BuildStatusRejected:
		eventType = "build.rejected"
	case BuildStatusFailed:
		eventType = "build.failed"
	case BuildStatusNeedsClarification:
		eventType = "build.needs_clarification"
	default:
		return fmt.Errorf("finish build: %s is not a terminal status", to)
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish build tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var errMsg *string
		if p.ErrorSummary != "" {
			errMsg = &p.ErrorSummary
		}
		ok, err := s.transitionBuildTx(ctx, tx, buildID,
			[]BuildStatus{BuildStatusRunning, BuildStatusRetryWait}, to,
			eventType, fmt.Sprintf(`{"reason":"pipeline_finish","status":%q}`, to), errMsg)
		if err != nil {
			return fmt.Errorf("finish build transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE builds
			SET artifact_path = CASE WHEN ? != '' THEN ? ELSE artifact_path END,
				warnings_json = CASE WHEN ? != '' THEN ? ELSE warnings_json END,
				downgrades_json = CASE WHEN ? != '' THEN ? ELSE downgrades_json END,
				diagnostics_json = CASE WHEN ? != '' THEN ? ELSE diagnostics_json END,
				lease_owner = NULL, lease_expires_at = NULL, next_retry_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE build_id = ? AND status = ?;
		`, p.ArtifactPath, p.ArtifactPath, p.WarningsJSON, p.WarningsJSON, p.DowngradesJSON, p.DowngradesJSON, p.DiagnosticsJSON, p.DiagnosticsJSON, buildID, to); err != nil {
			return fmt.Errorf("record finish state: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		switch to {
		case BuildStatusSucceeded:
			s.bus.Publish(bus.TopicBuildSucceeded, bus.BuildFinishedEvent{
				BuildID: buildID, Status: string(to), ArtifactPath: p.ArtifactPath,
			})
		case BuildStatusRejected:
			s.bus.Publish(bus.TopicBuildRejected, bus.BuildFinishedEvent{
				BuildID: buildID, Status: string(to), ErrorSummary: p.ErrorSummary,
			})
		case BuildStatusFailed:
			s.bus.Publish(bus.TopicBuildFailed, bus.BuildFinishedEvent{
				BuildID: buildID, Status: string(to), ErrorSummary: p.ErrorSummary,
			})
		}
	}
	return nil
}

// ReopenBuild returns a NEEDS_CLARIFICATION build to PENDING so a forced
// resume can rerun interpretation, typically after the capability catalog
// changed. Returns false when the build is in any other state.
func (s *Store) ReopenBuild(ctx context.Context, buildID string) (bool, error) {
	var reopened bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reopen tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionBuildTx(ctx, tx, buildID,
			[]BuildStatus{BuildStatusNeedsClarification}, BuildStatusPending,
			"build.reopened", `{"reason":"forced_resume"}`, nil)
		if err != nil {
			return fmt.Errorf("reopen transition: %w", err)
		}
		reopened = ok
		if !ok {
			_ = tx.Rollback()
			return nil
		}
		return tx.Commit()
	})
	return reopened, err
}

// RequestCancel marks a build for cancellation. PENDING and RETRY_WAIT
// builds cancel immediately; a RUNNING build keeps the flag and the worker
// aborts at the next stage boundary. Returns true if the build was still
// cancellable.
func (s *Store) RequestCancel(ctx context.Context, buildID string) (bool, error) {
	var canceled bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status BuildStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM builds WHERE build_id = ?;`, buildID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				canceled = false
				_ = tx.Rollback()
				return nil
			}
			return fmt.Errorf("read build for cancel: %w", err)
		}

		switch status {
		case BuildStatusPending, BuildStatusRetryWait:
			ok, err := s.transitionBuildTx(ctx, tx, buildID,
				[]BuildStatus{status}, BuildStatusCanceled,
				"build.canceled", fmt.Sprintf(`{"reason":%q}`, ReasonCanceled), nil)
			if err != nil {
				return fmt.Errorf("cancel transition: %w", err)
			}
			canceled = ok
		case BuildStatusRunning:
			if _, err := tx.ExecContext(ctx, `
				UPDATE builds SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
				WHERE build_id = ?;
			`, buildID); err != nil {
				return fmt.Errorf("set cancel flag: %w", err)
			}
			canceled = true
		default:
			canceled = false
			_ = tx.Rollback()
			return nil
		}
		return tx.Commit()
	})
	return canceled, err
}

// IsCancelRequested reports whether a cancel flag is set on the build.
func (s *Store) IsCancelRequested(ctx context.Context, buildID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM builds WHERE build_id = ?;`, buildID).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag == 1, nil
}

// AbortBuild moves a RUNNING build to CANCELED after the worker observed a
// cancel request at a stage boundary.
func (s *Store) AbortBuild(ctx context.Context, buildID string) (bool, error) {
	var aborted bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin abort tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionBuildTx(ctx, tx, buildID,
			[]BuildStatus{BuildStatusRunning}, BuildStatusCanceled,
			"build.canceled", fmt.Sprintf(`{"reason":%q}`, ReasonCanceled), nil)
		if err != nil {
			return fmt.Errorf("abort transition: %w", err)
		}
		aborted = ok
		if !ok {
			_ = tx.Rollback()
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE builds
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE build_id = ? AND status = ?;
		`, buildID, BuildStatusCanceled); err != nil {
			return fmt.Errorf("clear lease after abort: %w", err)
		}
		return tx.Commit()
	})
	return aborted, err
}

// ListBuilds returns a page of builds, newest first, optionally filtered by
// status, along with the total count for the filter.
func (s *Store) ListBuilds(ctx context.Context, statusFilter string, limit, offset int) ([]Build, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	var rows *sql.Rows
	var err error
	if statusFilter == "" {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM builds;`).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count builds: %w", err)
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+buildColumns+`
			FROM builds
			ORDER BY created_at DESC, build_id DESC
			LIMIT ? OFFSET ?;
		`, limit, offset)
	} else {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM builds WHERE status = ?;`, statusFilter).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count builds: %w", err)
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+buildColumns+`
			FROM builds
			WHERE status = ?
			ORDER BY created_at DESC, build_id DESC
			LIMIT ? OFFSET ?;
		`, statusFilter, limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		var b Build
		if err := scanBuild(rows.Scan, &b); err != nil {
			return nil, 0, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("builds rows: %w", err)
	}
	return out, total, nil
}

// BuildCounts summarizes queue health for the status command, the watch
// board and the gateway health endpoint.
type BuildCounts struct {
	Pending            int `json:"pending"`
	Running            int `json:"running"`
	RetryWait          int `json:"retry_wait"`
	Succeeded          int `json:"succeeded"`
	Rejected           int `json:"rejected"`
	Failed             int `json:"failed"`
	NeedsClarification int `json:"needs_clarification"`
	Canceled           int `json:"canceled"`
	LeaseExpiries      int `json:"lease_expiries"`
}

func (s *Store) Counts(ctx context.Context) (BuildCounts, error) {
	var c BuildCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RUNNING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RETRY_WAIT' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SUCCEEDED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'REJECTED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'NEEDS_CLARIFICATION' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CANCELED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP AND status = 'RUNNING' THEN 1 ELSE 0 END), 0)
		FROM builds;
	`)
	if err := row.Scan(&c.Pending, &c.Running, &c.RetryWait, &c.Succeeded, &c.Rejected, &c.Failed, &c.NeedsClarification, &c.Canceled, &c.LeaseExpiries); err != nil {
		return c, fmt.Errorf("build counts: %w", err)
	}
	return c, nil
}

// ListBuildEvents returns build history rows with event_id > fromEventID,
// oldest first. Used by the gateway to replay history to late subscribers.
func (s *Store) ListBuildEvents(ctx context.Context, buildID string, fromEventID int64, limit int) ([]BuildEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, build_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM build_events
		WHERE build_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, buildID, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("query build events: %w", err)
	}
	defer rows.Close()

	var out []BuildEvent
	for rows.Next() {
		var e BuildEvent
		var from string
		if err := rows.Scan(&e.EventID, &e.BuildID, &e.TraceID, &e.EventType, &from, &e.StateTo, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan build event: %w", err)
		}
		e.StateFrom = BuildStatus(from)
		out = append(out, e)
	}
	return out, rows.Err()
}
