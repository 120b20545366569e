// Package history persists one row per pipeline run in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one finished (or still running) pipeline run.
type Record struct {
	ID          string     `json:"id"`
	ProjectPath string     `json:"projectPath"`
	Range       string     `json:"range"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Outcome     string     `json:"outcome"`
	Stage       string     `json:"stage,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	LogLines    int        `json:"logLines"`
}

// Duration returns how long the run took, or 0 while it is running.
func (r Record) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the run history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	stage_range TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	outcome TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	log_lines INTEGER NOT NULL DEFAULT 0
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: initialize schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS runs_started ON runs(started_at)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: initialize index: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts or replaces a run.
func (s *Store) Record(ctx context.Context, r Record) error {
	var finished sql.NullString
	if r.FinishedAt != nil {
		finished = sql.NullString{String: r.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, project_path, stage_range, started_at, finished_at, outcome, stage, reason, log_lines)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	project_path = excluded.project_path,
	stage_range = excluded.stage_range,
	finished_at = excluded.finished_at,
	outcome = excluded.outcome,
	stage = excluded.stage,
	reason = excluded.reason,
	log_lines = excluded.log_lines`,
		r.ID, r.ProjectPath, r.Range, r.StartedAt.UTC().Format(time.RFC3339Nano), finished,
		r.Outcome, r.Stage, r.Reason, r.LogLines)
	if err != nil {
		return fmt.Errorf("history: record run %s: %w", r.ID, err)
	}
	return nil
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_path, stage_range, started_at, finished_at, outcome, stage, reason, log_lines
FROM runs WHERE id = ?`, id)
	r, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("history: get run %s: %w", id, err)
	}
	return r, true, nil
}

// List returns the most recent runs first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	q := `
SELECT id, project_path, stage_range, started_at, finished_at, outcome, stage, reason, log_lines
FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan run row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate run rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Record, error) {
	var r Record
	var started string
	var finished sql.NullString
	if err := s.Scan(&r.ID, &r.ProjectPath, &r.Range, &started, &finished,
		&r.Outcome, &r.Stage, &r.Reason, &r.LogLines); err != nil {
		return Record{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Record{}, fmt.Errorf("parse started_at %q: %w", started, err)
	}
	r.StartedAt = t
	if finished.Valid {
		ft, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse finished_at %q: %w", finished.String, err)
		}
		r.FinishedAt = &ft
	}
	return r, nil
}
