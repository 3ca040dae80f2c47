// Package history keeps an optional SQLite ledger of copy runs and the batch
// errors they hit.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/result"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	file        TEXT NOT NULL,
	target      TEXT NOT NULL,
	workers     INTEGER NOT NULL,
	batch_size  INTEGER NOT NULL,
	rows        INTEGER NOT NULL DEFAULT 0,
	batches     INTEGER NOT NULL DEFAULT 0,
	errors      INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS batch_errors (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id   TEXT NOT NULL REFERENCES runs(id),
	kind     TEXT NOT NULL,
	worker   INTEGER NOT NULL,
	seq      INTEGER NOT NULL,
	message  TEXT NOT NULL,
	at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_errors_run ON batch_errors(run_id);
`

// StatusRunning marks a run that has started but not finished. A run left in
// this state was interrupted before it could record its outcome.
const StatusRunning = "running"

// Run is one row of the runs table.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	File       string
	Target     string
	Workers    int
	BatchSize  int
	Rows       int64
	Batches    int64
	Errors     int
	Status     string
	Error      string
}

// Duration returns how long a finished run took.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// BatchError is one row of the batch_errors table.
type BatchError struct {
	RunID   string
	Kind    string
	Worker  int
	Seq     int64
	Message string
	At      time.Time
}

// Store is a run ledger. A nil *Store is valid and records nothing.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Open opens (creating if needed) the ledger at path. An empty path disables
// the ledger and returns a nil Store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database %s: %w", path, err)
	}
	// SQLite allows a single writer; workers record errors concurrently.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing history database: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the ledger.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// StartRun records the beginning of a run.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if s == nil {
		return nil
	}
	if run.ID == "" {
		return errors.New("history: run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, file, target, workers, batch_size, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixNano(), run.File, run.Target, run.Workers, run.BatchSize, StatusRunning)
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, res *result.Result) error {
	if s == nil || res == nil {
		return nil
	}
	var msg string
	if res.Err != nil {
		msg = res.Err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, rows = ?, batches = ?, errors = ?, status = ?, error = ?
		 WHERE id = ?`,
		time.Now().UnixNano(), res.Rows, res.Batches, len(res.Errors), res.Status(), msg, res.RunID)
	if err != nil {
		return fmt.Errorf("recording run outcome: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return fmt.Errorf("recording run outcome: run %s not found", res.RunID)
	}
	return nil
}

// RecordBatchError stores a run error. Worker and batch numbers are taken
// from err when it carries them.
func (s *Store) RecordBatchError(ctx context.Context, runID string, err error) error {
	if s == nil || err == nil {
		return nil
	}
	kind, worker, seq := "Error", -1, int64(0)
	var cerr *copyerr.Error
	if errors.As(err, &cerr) {
		kind, worker, seq = cerr.Kind.String(), cerr.Worker, cerr.Seq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, dbErr := s.db.ExecContext(ctx,
		`INSERT INTO batch_errors (run_id, kind, worker, seq, message, at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, kind, worker, seq, err.Error(), time.Now().UnixNano())
	if dbErr != nil {
		return fmt.Errorf("recording batch error: %w", dbErr)
	}
	return nil
}

// Runs returns the most recent runs first. limit <= 0 returns all runs.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if s == nil {
		return nil, nil
	}
	query := `SELECT id, started_at, finished_at, file, target, workers, batch_size,
	                 rows, batches, errors, status, error
	          FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.File, &r.Target, &r.Workers, &r.BatchSize,
			&r.Rows, &r.Batches, &r.Errors, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// BatchErrors returns the errors recorded for a run in the order they happened.
func (s *Store) BatchErrors(ctx context.Context, runID string) ([]BatchError, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, kind, worker, seq, message, at FROM batch_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing batch errors: %w", err)
	}
	defer rows.Close()

	var out []BatchError
	for rows.Next() {
		var (
			be BatchError
			at int64
		)
		if err := rows.Scan(&be.RunID, &be.Kind, &be.Worker, &be.Seq, &be.Message, &at); err != nil {
			return nil, fmt.Errorf("scanning batch error: %w", err)
		}
		be.At = time.Unix(0, at)
		out = append(out, be)
	}
	return out, rows.Err()
}
