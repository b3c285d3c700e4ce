// Package audit keeps an append-only trail of context switches and schema
// changes: who acted as which agency, and which migrations ran with what
// outcome. Entries land in <home>/logs/audit.jsonl and, when a tenant
// database is attached, in its audit_log table as well.
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

	"github.com/basket/agencydb/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	AgencyID  string `json:"agency_id,omitempty"`
	PrevID    string `json:"prev_agency_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	Version   int64  `json:"version,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	db           *sql.DB
	failureCount atomic.Int64
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

// SetDB attaches the current tenant database so entries mirror into its
// audit_log table. Pass nil to detach on context switch/teardown.
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

// FailureCount returns the total number of failed-outcome entries since startup.
func FailureCount() int64 {
	return failureCount.Load()
}

// ContextSwitched records an installed agency context.
func ContextSwitched(agencyID, prevID, actorID string, isDefault bool) {
	kind := "context.switched"
	if isDefault {
		kind = "context.auto_selected"
	}
	record(entry{Kind: kind, AgencyID: agencyID, PrevID: prevID, ActorID: actorID})
}

// ContextCleared records a dropped agency context.
func ContextCleared(agencyID string) {
	record(entry{Kind: "context.cleared", AgencyID: agencyID})
}

// MigrationApplied records one successfully applied forward step.
func MigrationApplied(agencyID string, version int64) {
	record(entry{Kind: "migration.applied", AgencyID: agencyID, Version: version, Outcome: "success"})
}

// MigrationRolledBack records one successfully reversed step.
func MigrationRolledBack(agencyID string, version int64) {
	record(entry{Kind: "migration.rolled_back", AgencyID: agencyID, Version: version, Outcome: "success"})
}

// MigrationFailed records a failed run, naming the offending version.
func MigrationFailed(agencyID string, version int64, detail string) {
	failureCount.Add(1)
	record(entry{Kind: "migration.failed", AgencyID: agencyID, Version: version, Outcome: "failure", Detail: detail})
}

func record(ev entry) {
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	ev.Detail = shared.Redact(ev.Detail)

	mu.Lock()
	defer mu.Unlock()

	// Write to JSONL file.
	if file != nil {
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	// Mirror into the attached tenant's audit_log table, best effort.
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (kind, agency_id, actor_id, version, outcome, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.Kind, ev.AgencyID, ev.ActorID, ev.Version, ev.Outcome, ev.Detail, time.Now().UTC().Unix())
	}
}
