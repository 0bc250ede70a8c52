// Package history provides a SQLite-backed run-history store: one row per
// completed TaskNode execution, keyed by a run id, giving callers a
// queryable longitudinal view across builds beyond the flat per-task
// exec_data.json.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists TaskNode execution records to a SQLite database.
type Store struct {
	db    *sql.DB
	runID string
}

// Run is one recorded TaskNode execution.
type Run struct {
	ID         int64
	RunID      string
	TaskName   string
	Status     string
	Changed    bool
	Rundir     string
	DurationMS int64
	Markers    int
	CreatedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	task_name TEXT NOT NULL,
	status TEXT NOT NULL,
	changed INTEGER NOT NULL,
	rundir TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	markers INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_run_id ON runs(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_task_name ON runs(task_name);
`

// NewRunID returns a fresh identifier for one runner invocation, for
// callers that don't have their own run-id scheme.
func NewRunID() string {
	return uuid.NewString()
}

// Open creates or opens a SQLite database at dbPath and ensures the
// schema exists. runID identifies every record written through the
// returned Store (typically a fresh uuid per invocation of the runner).
func Open(dbPath, runID string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db, runID: runID}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun inserts one row for a completed task execution. It satisfies
// runner.HistoryRecorder, so a *Store can be assigned directly to
// Runner.History. Write failures are discarded here (neither returned nor
// logged) since history is a diagnostic enrichment, not load-bearing state.
func (s *Store) RecordRun(taskName, status string, changed bool, rundir string, durationMS int64, markerCount int) {
	changedInt := 0
	if changed {
		changedInt = 1
	}
	_, _ = s.db.Exec(
		`INSERT INTO runs (run_id, task_name, status, changed, rundir, duration_ms, markers) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.runID, taskName, status, changedInt, rundir, durationMS, markerCount,
	)
}

// RunsFor returns every recorded execution of taskName across all runs,
// most recent first.
func (s *Store) RunsFor(taskName string) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, task_name, status, changed, rundir, duration_ms, markers, created_at
		 FROM runs WHERE task_name = ? ORDER BY id DESC`,
		taskName,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query runs for %q: %w", taskName, err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var changedInt int
		if err := rows.Scan(&r.ID, &r.RunID, &r.TaskName, &r.Status, &changedInt, &r.Rundir, &r.DurationMS, &r.Markers, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		r.Changed = changedInt != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastRun returns the most recent recorded execution of taskName, if any.
func (s *Store) LastRun(taskName string) (Run, bool, error) {
	runs, err := s.RunsFor(taskName)
	if err != nil || len(runs) == 0 {
		return Run{}, false, err
	}
	return runs[0], true, nil
}
