// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history persists batch execution results to a local SQLite
// database so past runs can be inspected after the process exits.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBatchNotFound is returned when a batch ID has no record.
var ErrBatchNotFound = errors.New("batch not found")

// BatchRecord summarizes one executed batch.
type BatchRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	JobCount   int
	Succeeded  int
	Failed     int
}

// JobRecord summarizes one job within a batch, in submission order.
type JobRecord struct {
	BatchID      string
	JobID        string
	Worker       string
	Success      bool
	Duration     time.Duration
	ErrorKind    string
	ErrorMessage string
}

// Store is a SQLite-backed history store. Safe for concurrent use.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// Open opens (creating if necessary) the history database at path and
// prunes records older than retention.
func Open(path string, retention time.Duration) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode for better concurrency. The _pragma form applies the
	// settings on every pooled connection; foreign_keys must be on for
	// the job_results cascade to fire.
	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db, retention: retention}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if retention > 0 {
		if err := store.Prune(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prune history: %w", err)
		}
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			job_count INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS job_results (
			batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			job_id TEXT NOT NULL,
			worker TEXT,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error_kind TEXT,
			error_message TEXT,
			PRIMARY KEY (batch_id, position)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_batches_started
			ON batches(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job
			ON job_results(job_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveBatch records a completed batch and its job results atomically.
// The order of jobs is preserved as submission order.
func (s *Store) SaveBatch(ctx context.Context, batch BatchRecord, jobs []JobRecord) error {
	if batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, started_at, finished_at, job_count, succeeded, failed)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ID,
		batch.StartedAt.UTC().Format(time.RFC3339Nano),
		batch.FinishedAt.UTC().Format(time.RFC3339Nano),
		batch.JobCount,
		batch.Succeeded,
		batch.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_results
		 (batch_id, position, job_id, worker, success, duration_ms, error_kind, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, job := range jobs {
		success := 0
		if job.Success {
			success = 1
		}
		if _, err := stmt.ExecContext(ctx,
			batch.ID,
			i,
			job.JobID,
			job.Worker,
			success,
			job.Duration.Milliseconds(),
			job.ErrorKind,
			job.ErrorMessage,
		); err != nil {
			return fmt.Errorf("failed to insert job result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// GetBatch retrieves one batch summary by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	query := `SELECT id, started_at, finished_at, job_count, succeeded, failed
	          FROM batches WHERE id = ?`

	var batch BatchRecord
	var startedAt, finishedAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&batch.ID,
		&startedAt,
		&finishedAt,
		&batch.JobCount,
		&batch.Succeeded,
		&batch.Failed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	batch.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	batch.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)

	return &batch, nil
}

// ListBatches returns the most recent batches, newest first. A limit of
// zero or less returns all batches.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*BatchRecord, error) {
	query := `SELECT id, started_at, finished_at, job_count, succeeded, failed
	          FROM batches ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*BatchRecord
	for rows.Next() {
		var batch BatchRecord
		var startedAt, finishedAt string

		if err := rows.Scan(
			&batch.ID,
			&startedAt,
			&finishedAt,
			&batch.JobCount,
			&batch.Succeeded,
			&batch.Failed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}

		batch.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		batch.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)

		batches = append(batches, &batch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}

	return batches, nil
}

// ListJobs returns the job results for a batch in submission order.
func (s *Store) ListJobs(ctx context.Context, batchID string) ([]*JobRecord, error) {
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	query := `SELECT batch_id, job_id, worker, success, duration_ms, error_kind, error_message
	          FROM job_results WHERE batch_id = ? ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job results: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		var job JobRecord
		var success int
		var durationMS int64

		if err := rows.Scan(
			&job.BatchID,
			&job.JobID,
			&job.Worker,
			&success,
			&durationMS,
			&job.ErrorKind,
			&job.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job result: %w", err)
		}

		job.Success = success != 0
		job.Duration = time.Duration(durationMS) * time.Millisecond

		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job results: %w", err)
	}

	return jobs, nil
}

// Prune deletes batches that started before the retention window.
// Job results are removed by the foreign key cascade.
func (s *Store) Prune(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-s.retention).UTC().Format(time.RFC3339Nano)

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE started_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune batches: %w", err)
	}

	// Sweep job rows whose batch is gone. The cascade covers rows written
	// with foreign keys enforced; this catches databases written before
	// that was the case.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM job_results WHERE batch_id NOT IN (SELECT id FROM batches)`); err != nil {
		return fmt.Errorf("failed to prune job results: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
