// Jobqueue is a durable job queue service.
// Copyright (C) 2025 The jobqueue authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the persistence layer for the job queue: schema
// migrations, job CRUD, and the atomic claim primitive. Two backends are
// available, a SQLite store (Store, the default) and a PostgreSQL store
// (PGStore); both guarantee that a job is handed to at most one claimer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/luser/taskcluster-jobqueue/pkg/jobqueue"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID indicates an insert collided with an existing job id.
	ErrDuplicateID = errors.New("duplicate job id")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - txlock=immediate: transactions take the write lock up front, so
	//   concurrent claimers queue on the busy handler instead of failing
	//   mid-transaction on lock upgrade
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id              TEXT PRIMARY KEY,
  version             TEXT NOT NULL,
  state               TEXT NOT NULL CHECK (state IN ('PENDING','RUNNING','FINISHED')),
  created_time        TIMESTAMP NOT NULL,
  claimed_time        TIMESTAMP NULL,
  finished_time       TIMESTAMP NULL,
  last_heartbeat_time TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_time);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// InsertJob inserts a new job. The caller must set Job.JobID; timestamps
// and initial state are trusted from the model and should be aligned with
// jobqueue.NewJob. Returns ErrDuplicateID if the id is already present.
func (s *Store) InsertJob(ctx context.Context, job *jobqueue.Job) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const check = `SELECT 1 FROM jobs WHERE job_id=?`
		var one int
		err := tx.QueryRowContext(ctx, check, job.JobID).Scan(&one)
		if err == nil {
			return ErrDuplicateID
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check job id: %w", err)
		}

		const ins = `
INSERT INTO jobs (job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time)
VALUES (?, ?, ?, ?, ?, ?, ?);`
		if _, err := tx.ExecContext(ctx, ins,
			job.JobID, job.Version, job.State.String(), job.CreatedTime.Time,
			toNullTime(job.ClaimedTime), toNullTime(job.FinishedTime), toNullTime(job.LastHeartbeatTime)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by id. Returns ErrNotFound if absent.
func (s *Store) GetJob(ctx context.Context, id string) (*jobqueue.Job, error) {
	const q = `SELECT job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time
FROM jobs WHERE job_id=?`

	var row struct {
		id, version, state string
		createdTime        time.Time
		claimedTime        sql.NullTime
		finishedTime       sql.NullTime
		lastHeartbeatTime  sql.NullTime
	}
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&row.id, &row.version, &row.state,
		&row.createdTime, &row.claimedTime, &row.finishedTime, &row.lastHeartbeatTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	return &jobqueue.Job{
		JobID:             row.id,
		Version:           row.version,
		State:             jobqueue.State(row.state),
		CreatedTime:       jobqueue.NewTimestamp(row.createdTime),
		ClaimedTime:       fromNullTimestamp(row.claimedTime),
		FinishedTime:      fromNullTimestamp(row.finishedTime),
		LastHeartbeatTime: fromNullTimestamp(row.lastHeartbeatTime),
	}, nil
}

// ListJobs returns jobs matching the filter ordered by creation time,
// ties broken by job id.
func (s *Store) ListJobs(ctx context.Context, filter jobqueue.Filter) ([]*jobqueue.Job, error) {
	const sel = `SELECT job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time
FROM jobs WHERE state IN (%s) ORDER BY created_time ASC, job_id ASC`

	var q string
	var args []any
	switch filter {
	case jobqueue.FilterActive:
		q = fmt.Sprintf(sel, "?, ?")
		args = []any{jobqueue.StatePending.String(), jobqueue.StateRunning.String()}
	case jobqueue.FilterPending:
		q = fmt.Sprintf(sel, "?")
		args = []any{jobqueue.StatePending.String()}
	case jobqueue.FilterRunning:
		q = fmt.Sprintf(sel, "?")
		args = []any{jobqueue.StateRunning.String()}
	default:
		return nil, fmt.Errorf("invalid filter: %s", filter)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobqueue.Job
	for rows.Next() {
		var row struct {
			id, version, state string
			createdTime        time.Time
			claimedTime        sql.NullTime
			finishedTime       sql.NullTime
			lastHeartbeatTime  sql.NullTime
		}
		if err := rows.Scan(
			&row.id, &row.version, &row.state,
			&row.createdTime, &row.claimedTime, &row.finishedTime, &row.lastHeartbeatTime,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, &jobqueue.Job{
			JobID:             row.id,
			Version:           row.version,
			State:             jobqueue.State(row.state),
			CreatedTime:       jobqueue.NewTimestamp(row.createdTime),
			ClaimedTime:       fromNullTimestamp(row.claimedTime),
			FinishedTime:      fromNullTimestamp(row.finishedTime),
			LastHeartbeatTime: fromNullTimestamp(row.lastHeartbeatTime),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// UpdateJob loads the job, applies mutate to it, and persists the result,
// all inside one transaction. An error from mutate aborts the transaction
// and is returned unchanged, so callers can surface their own kinds.
// Returns ErrNotFound if the id is unknown.
func (s *Store) UpdateJob(ctx context.Context, id string, mutate func(*jobqueue.Job) error) (*jobqueue.Job, error) {
	var updated *jobqueue.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		if !job.State.Valid() {
			return fmt.Errorf("invalid state after mutation: %s", job.State)
		}

		const upd = `UPDATE jobs
SET state=?, claimed_time=?, finished_time=?, last_heartbeat_time=?
WHERE job_id=?`
		if _, err := tx.ExecContext(ctx, upd,
			job.State.String(), toNullTime(job.ClaimedTime), toNullTime(job.FinishedTime),
			toNullTime(job.LastHeartbeatTime), id); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClaimPending atomically selects the oldest PENDING job and transitions
// it to RUNNING with claimed_time set to now. Returns ErrNotFound if no
// PENDING job exists. Concurrent callers never receive the same job.
func (s *Store) ClaimPending(ctx context.Context, now time.Time) (*jobqueue.Job, error) {
	var claimed *jobqueue.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Select a candidate
		const sel = `SELECT job_id FROM jobs WHERE state='PENDING' ORDER BY created_time ASC, job_id ASC LIMIT 1`
		var id string
		err := tx.QueryRowContext(ctx, sel).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select pending job: %w", err)
		}

		// Try to claim atomically
		const upd = `UPDATE jobs SET state='RUNNING', claimed_time=? WHERE job_id=? AND state='PENDING'`
		res, err := tx.ExecContext(ctx, upd, now.UTC(), id)
		if err != nil {
			return fmt.Errorf("claim pending job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		// Return the job
		j, err := s.getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// --------------- Internal helpers ---------------

func (s *Store) getJobTx(ctx context.Context, tx *sql.Tx, id string) (*jobqueue.Job, error) {
	const q = `SELECT job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time
FROM jobs WHERE job_id=?`
	var row struct {
		id, version, state string
		createdTime        time.Time
		claimedTime        sql.NullTime
		finishedTime       sql.NullTime
		lastHeartbeatTime  sql.NullTime
	}
	err := tx.QueryRowContext(ctx, q, id).Scan(
		&row.id, &row.version, &row.state,
		&row.createdTime, &row.claimedTime, &row.finishedTime, &row.lastHeartbeatTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job tx: %w", err)
	}
	return &jobqueue.Job{
		JobID:             row.id,
		Version:           row.version,
		State:             jobqueue.State(row.state),
		CreatedTime:       jobqueue.NewTimestamp(row.createdTime),
		ClaimedTime:       fromNullTimestamp(row.claimedTime),
		FinishedTime:      fromNullTimestamp(row.finishedTime),
		LastHeartbeatTime: fromNullTimestamp(row.lastHeartbeatTime),
	}, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func toNullTime(ts *jobqueue.Timestamp) any {
	if ts == nil {
		return nil
	}
	return ts.Time
}

func fromNullTimestamp(nt sql.NullTime) *jobqueue.Timestamp {
	if nt.Valid {
		t := jobqueue.NewTimestamp(nt.Time)
		return &t
	}
	return nil
}
