// Package persistence owns the SQLite-backed build ledger. Every pipeline
// stage result is committed here before the orchestrator advances, so a
// crashed or killed process can resume from the last committed stage
// instead of re-executing work. A single write connection in WAL mode with
// synchronous=FULL keeps commits durable without reader/writer deadlocks.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety. A checksum
	// mismatch means the database was created by an incompatible binary
	// and must not be migrated blindly.
	schemaVersionV1  = 1
	schemaChecksumV1 = "sf-v1-2026-08-18-initial"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultLeaseDuration = 30 * time.Second

	defaultMaxAttempts = 3
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 30 * time.Second
	poisonThreshold    = 3
)

// Deterministic reason codes recorded on retry and terminal transitions.
const (
	ReasonRetryTransient  = "RETRY_TRANSIENT_ERROR"
	ReasonFailPoisonPill  = "FAIL_POISON_PILL"
	ReasonFailMaxAttempts = "FAIL_MAX_ATTEMPTS"
	ReasonLeaseExpired    = "LEASE_EXPIRED"
	ReasonCrashRecovery   = "CRASH_RECOVERY"
	ReasonCanceled        = "CANCELED"
)

type BuildStatus string

const (
	BuildStatusPending            BuildStatus = "PENDING"
	BuildStatusRunning            BuildStatus = "RUNNING"
	BuildStatusRetryWait          BuildStatus = "RETRY_WAIT"
	BuildStatusSucceeded          BuildStatus = "SUCCEEDED"
	BuildStatusRejected           BuildStatus = "REJECTED"
	BuildStatusFailed             BuildStatus = "FAILED"
	BuildStatusNeedsClarification BuildStatus = "NEEDS_CLARIFICATION"
	BuildStatusCanceled           BuildStatus = "CANCELED"
)

var allowedTransitions = map[BuildStatus]map[BuildStatus]struct{}{
	BuildStatusPending: {
		BuildStatusRunning:  {},
		BuildStatusCanceled: {},
	},
	BuildStatusRunning: {
		BuildStatusSucceeded:          {},
		BuildStatusRejected:           {},
		BuildStatusFailed:             {},
		BuildStatusNeedsClarification: {},
		BuildStatusRetryWait:          {},
		BuildStatusCanceled:           {},
		BuildStatusPending:            {}, // Crash recovery requeue.
	},
	BuildStatusRetryWait: {
		BuildStatusRunning:  {},
		BuildStatusPending:  {}, // Recovery requeue.
		BuildStatusFailed:   {},
		BuildStatusCanceled: {},
	},
	BuildStatusNeedsClarification: {
		BuildStatusPending: {}, // Forced reopen via resume.
	},
}

// Build is one request moving through the pipeline. BuildID starts as a
// hash of the canonical input alone and is rewritten to the full
// input+capability+contract identifier once capability matching commits.
// SubmissionKey never changes and is the dedupe handle for resubmissions.
type Build struct {
	BuildID          string      `json:"build_id"`
	SubmissionKey    string      `json:"submission_key"`
	Status           BuildStatus `json:"status"`
	CurrentStage     int         `json:"current_stage"`
	Attempt          int         `json:"attempt"`
	MaxAttempts      int         `json:"max_attempts"`
	NextRetryAt      *time.Time  `json:"next_retry_at,omitempty"`
	ErrorFingerprint string      `json:"error_fingerprint,omitempty"`
	PoisonCount      int         `json:"poison_count,omitempty"`
	UserInput        string      `json:"user_input"`
	CanonicalInput   string      `json:"canonical_input"`
	CapabilityID     string      `json:"capability_id,omitempty"`
	ContractVersion  string      `json:"contract_version,omitempty"`
	Confidence       float64     `json:"confidence,omitempty"`
	CatalogVersion   string      `json:"catalog_version,omitempty"`
	ArtifactPath     string      `json:"artifact_path,omitempty"`
	WarningsJSON     string      `json:"warnings_json"`
	DowngradesJSON   string      `json:"downgrades_json"`
	DiagnosticsJSON  string      `json:"diagnostics_json,omitempty"`
	Error            string      `json:"error,omitempty"`
	LeaseOwner       string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt   *time.Time  `json:"lease_expires_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Terminal reports whether the build can no longer change state on its own.
// NEEDS_CLARIFICATION is terminal until the user reopens it.
func (b *Build) Terminal() bool {
	switch b.Status {
	case BuildStatusSucceeded, BuildStatusRejected, BuildStatusFailed,
		BuildStatusNeedsClarification, BuildStatusCanceled:
		return true
	}
	return false
}

// StageRecord is the durable result of one committed pipeline stage.
type StageRecord struct {
	BuildID     string    `json:"build_id"`
	StageIndex  int       `json:"stage_index"`
	Stage       string    `json:"stage"`
	Attempt     int       `json:"attempt"`
	OutputJSON  string    `json:"output_json"`
	DurationMS  int64     `json:"duration_ms"`
	CommittedAt time.Time `json:"committed_at"`
}

// BuildEvent is one row of the append-only build history.
type BuildEvent struct {
	EventID   int64       `json:"event_id"`
	BuildID   string      `json:"build_id"`
	TraceID   string      `json:"trace_id,omitempty"`
	EventType string      `json:"event_type"`
	StateFrom BuildStatus `json:"state_from,omitempty"`
	StateTo   BuildStatus `json:"state_to"`
	Payload   string      `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried FailureOutcome = "RETRIED"
	FailureOutcomeFailed  FailureOutcome = "FAILED"
)

// RetryDecision records how a stage failure was resolved: scheduled for
// another attempt, or failed terminally (attempts exhausted or a poison
// pill detected through repeated identical errors).
type RetryDecision struct {
	Outcome          FailureOutcome `json:"outcome"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	BackoffUntil     *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	ErrorFingerprint string         `json:"error_fingerprint"`
	PoisonCount      int            `json:"poison_count"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// Already current: verify the checksum and stop.
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Phase 1: Create tables (without indexes).
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			build_id TEXT PRIMARY KEY,
			submission_key TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'RUNNING', 'RETRY_WAIT', 'SUCCEEDED', 'REJECTED', 'FAILED', 'NEEDS_CLARIFICATION', 'CANCELED')),
			current_stage INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			next_retry_at DATETIME,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			last_error_fingerprint TEXT,
			poison_count INTEGER NOT NULL DEFAULT 0,
			user_input TEXT NOT NULL,
			canonical_input TEXT NOT NULL,
			capability_id TEXT,
			contract_version TEXT,
			confidence REAL,
			catalog_version TEXT,
			artifact_path TEXT,
			warnings_json TEXT NOT NULL DEFAULT '[]',
			downgrades_json TEXT NOT NULL DEFAULT '[]',
			diagnostics_json TEXT NOT NULL DEFAULT '{}',
			error TEXT,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		// ON UPDATE CASCADE lets RealizeBuildID rewrite the parent key
		// once and have stage and event rows follow.
		`CREATE TABLE IF NOT EXISTS stage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			build_id TEXT NOT NULL REFERENCES builds(build_id) ON UPDATE CASCADE,
			stage_index INTEGER NOT NULL,
			stage TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			output_json TEXT NOT NULL DEFAULT '{}',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			committed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(build_id, stage_index)
		);`,
		`CREATE TABLE IF NOT EXISTS build_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			build_id TEXT NOT NULL REFERENCES builds(build_id) ON UPDATE CASCADE,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS fixer_registry (
			rule_id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'active' CHECK(state IN ('active', 'quarantined')),
			fault_count INTEGER NOT NULL DEFAULT 0,
			last_fault_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS fixer_faults (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT NOT NULL,
			build_id TEXT,
			fault_kind TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS catalog_versions (
			catalog_version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			loaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			source TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			build_id TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			catalog_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Phase 2: Indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_ready ON builds(status, next_retry_at);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_lease ON builds(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_records_build ON stage_records(build_id, stage_index);`,
		`CREATE INDEX IF NOT EXISTS idx_build_events_build ON build_events(build_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_build_events_created ON build_events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_fixer_faults_rule ON fixer_faults(rule_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to BuildStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

const buildColumns = `
	build_id,
	submission_key,
	status,
	current_stage,
	attempt,
	max_attempts,
	next_retry_at,
	COALESCE(last_error_fingerprint, ''),
	poison_count,
	user_input,
	canonical_input,
	COALESCE(capability_id, ''),
	COALESCE(contract_version, ''),
	COALESCE(confidence, 0),
	COALESCE(catalog_version, ''),
	COALESCE(artifact_path, ''),
	warnings_json,
	downgrades_json,
	diagnostics_json,
	COALESCE(error, ''),
	COALESCE(lease_owner, ''),
	lease_expires_at,
	created_at,
	updated_at`

func scanBuild(scanFn func(dest ...any) error, b *Build) error {
	var nextRetry sql.NullTime
	var leaseExpires sql.NullTime
	if err := scanFn(
		&b.BuildID,
		&b.SubmissionKey,
		&b.Status,
		&b.CurrentStage,
		&b.Attempt,
		&b.MaxAttempts,
		&nextRetry,
		&b.ErrorFingerprint,
		&b.PoisonCount,
		&b.UserInput,
		&b.CanonicalInput,
		&b.CapabilityID,
		&b.ContractVersion,
		&b.Confidence,
		&b.CatalogVersion,
		&b.ArtifactPath,
		&b.WarningsJSON,
		&b.DowngradesJSON,
		&b.DiagnosticsJSON,
		&b.Error,
		&b.LeaseOwner,
		&leaseExpires,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return err
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		b.NextRetryAt = &t
	} else {
		b.NextRetryAt = nil
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		b.LeaseExpiresAt = &t
	} else {
		b.LeaseExpiresAt = nil
	}
	return nil
}

func (s *Store) appendBuildEventTx(ctx context.Context, tx *sql.Tx, buildID string, from, to BuildStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	// Use trace_id from context, fall back to the build id.
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = buildID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO build_events (build_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, buildID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert build_event: %w", err)
	}
	return nil
}

func (s *Store) transitionBuildTx(
	ctx context.Context,
	tx *sql.Tx,
	buildID string,
	allowedFrom []BuildStatus,
	to BuildStatus,
	eventType string,
	payload string,
	errMsg *string,
) (bool, error) {
	var current BuildStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM builds
		WHERE build_id = ?;
	`, buildID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select build for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE builds
		SET status = ?,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE build_id = ? AND status = ?;
	`, to, errValue.Valid, errValue.String, buildID, current)
	if err != nil {
		return false, fmt.Errorf("update build transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendBuildEventTx(ctx, tx, buildID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetBuild(ctx context.Context, buildID string) (*Build, error) {
	var b Build
	err := scanBuild(s.db.QueryRowContext(ctx, `
		SELECT `+buildColumns+`
		FROM builds
		WHERE build_id = ?;
	`, buildID).Scan, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindBySubmissionKey returns the build created for an identical canonical
// input, or nil when none exists. This is the dedupe and resume lookup.
func (s *Store) FindBySubmissionKey(ctx context.Context, submissionKey string) (*Build, error) {
	var b Build
	err := scanBuild(s.db.QueryRowContext(ctx, `
		SELECT `+buildColumns+`
		FROM builds
		WHERE submission_key = ?;
	`, submissionKey).Scan, &b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find build by submission key: %w", err)
	}
	return &b, nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

// retryDelay computes a deterministic backoff for a build attempt: base
// doubles per attempt up to retryMaxDelay, plus hash-derived jitter so two
// builds failing together do not wake together.
func retryDelay(buildID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(buildID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// Backup creates an online-consistent copy of the database. VACUUM INTO
// produces a complete snapshot without blocking writers.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath)
	if err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}
