// Package audit records governance decisions: budget denials, request
// screen blocks, rule-engine rejections and fixer quarantines. Entries
// go to logs/audit.jsonl and, when a database is attached, to the
// audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgeworks/specforge/internal/shared"
)

type entry struct {
	Timestamp      string `json:"timestamp"`
	Decision       string `json:"decision"`
	Action         string `json:"action"`
	Reason         string `json:"reason"`
	CatalogVersion string `json:"catalog_version,omitempty"`
	BuildID        string `json:"build_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one audit entry. decision is "allow", "deny", "reject"
// or "quarantine"; action names what was attempted, e.g.
// "route:generate_spec" or "rule:A11Y_KEYBOARD".
func Record(decision, action, reason, catalogVersion, buildID string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	// Secrets never reach the audit trail.
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			Decision:       decision,
			Action:         action,
			Reason:         reason,
			CatalogVersion: catalogVersion,
			BuildID:        buildID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (build_id, action, decision, reason, catalog_version)
			VALUES (?, ?, ?, ?, ?);
		`, buildID, action, decision, reason, catalogVersion)
	}
}
