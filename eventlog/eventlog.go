// Package eventlog keeps a local, best-effort audit trail of evaluation and
// reconciliation lifecycle events in a SQLite database under the state
// directory. It exists so a finished (or stuck) evaluation can be inspected
// inside the sandbox after the fact; nothing in the engine depends on it
// succeeding.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cmux-dev/cmux-crown/logger"
)

// Event kinds recorded by the engine.
const (
	KindEvaluationStarted    = "evaluation_started"
	KindEvaluationDeferred   = "evaluation_deferred"
	KindEvaluationFinalized  = "evaluation_finalized"
	KindPushSucceeded        = "push_succeeded"
	KindPushFailed           = "push_failed"
	KindPushSkippedProtected = "push_skipped_protected"
	KindPRCreated            = "pr_created"
)

// Event is one recorded lifecycle event.
type Event struct {
	ID        string
	TaskID    string
	RunID     string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Log is a SQLite-backed event log. A nil *Log is valid and drops every
// event, so callers never need to guard against a missing log.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the event log at path.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			run_id TEXT,
			kind TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, created_at);`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize event log schema: %w", err)
		}
	}

	return &Log{db: db}, nil
}

// Record inserts an event. Failures are logged and swallowed; the event log
// must never fail the operation it is auditing.
func (l *Log) Record(ctx context.Context, taskID, runID, kind, detail string) {
	if l == nil || l.db == nil {
		return
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (id, task_id, run_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), taskID, runID, kind, detail, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		logger.WithComponent("eventlog").Warn("failed to record event", "kind", kind, "error", err)
	}
}

// Recent returns up to n most recent events for a task, newest first.
func (l *Log) Recent(ctx context.Context, taskID string, n int) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, task_id, run_id, kind, detail, created_at
		 FROM events WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`,
		taskID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.RunID, &e.Kind, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
