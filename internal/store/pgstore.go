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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luser/taskcluster-jobqueue/pkg/jobqueue"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint
// violations, used to map primary key collisions to ErrDuplicateID.
const pgUniqueViolation = "23505"

// PGStore is the PostgreSQL-backed store. Claims rely on row locking with
// SKIP LOCKED, so any number of service instances can share one database.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database at dsn, runs migrations, and
// returns a ready PGStore.
func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable. Used by readiness probes.
func (s *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// --------------- Migrations ---------------

func (s *PGStore) migrate(ctx context.Context) error {
	const settings = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	if _, err := s.pool.Exec(ctx, settings); err != nil {
		return fmt.Errorf("ensure settings table: %w", err)
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=$1`
	var val string
	err := s.pool.QueryRow(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *PGStore) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES($1, $2)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	if _, err := s.pool.Exec(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *PGStore) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id              TEXT PRIMARY KEY,
  version             TEXT NOT NULL,
  state               TEXT NOT NULL CHECK (state IN ('PENDING','RUNNING','FINISHED')),
  created_time        TIMESTAMPTZ NOT NULL,
  claimed_time        TIMESTAMPTZ NULL,
  finished_time       TIMESTAMPTZ NULL,
  last_heartbeat_time TIMESTAMPTZ NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_time);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// InsertJob inserts a new job. Returns ErrDuplicateID if the id is
// already present.
func (s *PGStore) InsertJob(ctx context.Context, job *jobqueue.Job) error {
	const ins = `
INSERT INTO jobs (job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, ins,
		job.JobID, job.Version, job.State.String(), job.CreatedTime.Time,
		timePtr(job.ClaimedTime), timePtr(job.FinishedTime), timePtr(job.LastHeartbeatTime))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id. Returns ErrNotFound if absent.
func (s *PGStore) GetJob(ctx context.Context, id string) (*jobqueue.Job, error) {
	const q = `SELECT job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time
FROM jobs WHERE job_id=$1`
	job, err := scanPGJob(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter ordered by creation time,
// ties broken by job id.
func (s *PGStore) ListJobs(ctx context.Context, filter jobqueue.Filter) ([]*jobqueue.Job, error) {
	const sel = `SELECT job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time
FROM jobs WHERE state = ANY($1) ORDER BY created_time ASC, job_id ASC`

	var states []string
	switch filter {
	case jobqueue.FilterActive:
		states = []string{jobqueue.StatePending.String(), jobqueue.StateRunning.String()}
	case jobqueue.FilterPending:
		states = []string{jobqueue.StatePending.String()}
	case jobqueue.FilterRunning:
		states = []string{jobqueue.StateRunning.String()}
	default:
		return nil, fmt.Errorf("invalid filter: %s", filter)
	}

	rows, err := s.pool.Query(ctx, sel, states)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobqueue.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// UpdateJob loads the job under a row lock, applies mutate, and persists
// the result in one transaction. An error from mutate aborts the
// transaction and is returned unchanged. Returns ErrNotFound if the id
// is unknown.
func (s *PGStore) UpdateJob(ctx context.Context, id string, mutate func(*jobqueue.Job) error) (*jobqueue.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `SELECT job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time
FROM jobs WHERE job_id=$1 FOR UPDATE`
	job, err := scanPGJob(tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job for update: %w", err)
	}

	if err := mutate(job); err != nil {
		return nil, err
	}
	if !job.State.Valid() {
		return nil, fmt.Errorf("invalid state after mutation: %s", job.State)
	}

	const upd = `UPDATE jobs
SET state=$1, claimed_time=$2, finished_time=$3, last_heartbeat_time=$4
WHERE job_id=$5`
	if _, err := tx.Exec(ctx, upd,
		job.State.String(), timePtr(job.ClaimedTime), timePtr(job.FinishedTime),
		timePtr(job.LastHeartbeatTime), id); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return job, nil
}

// ClaimPending atomically selects the oldest PENDING job and transitions
// it to RUNNING with claimed_time set to now. Returns ErrNotFound if no
// PENDING job exists. SKIP LOCKED keeps concurrent claimers from ever
// being handed the same row.
func (s *PGStore) ClaimPending(ctx context.Context, now time.Time) (*jobqueue.Job, error) {
	const q = `UPDATE jobs SET state='RUNNING', claimed_time=$1
WHERE job_id = (
  SELECT job_id FROM jobs WHERE state='PENDING'
  ORDER BY created_time ASC, job_id ASC LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING job_id, version, state, created_time, claimed_time, finished_time, last_heartbeat_time`

	job, err := scanPGJob(s.pool.QueryRow(ctx, q, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending job: %w", err)
	}
	return job, nil
}

// --------------- Internal helpers ---------------

// pgRow is satisfied by pgx.Row and pgx.Rows.
type pgRow interface {
	Scan(dest ...any) error
}

func scanPGJob(row pgRow) (*jobqueue.Job, error) {
	var (
		id, version, state string
		createdTime        time.Time
		claimedTime        *time.Time
		finishedTime       *time.Time
		lastHeartbeatTime  *time.Time
	)
	if err := row.Scan(&id, &version, &state,
		&createdTime, &claimedTime, &finishedTime, &lastHeartbeatTime); err != nil {
		return nil, err
	}
	return &jobqueue.Job{
		JobID:             id,
		Version:           version,
		State:             jobqueue.State(state),
		CreatedTime:       jobqueue.NewTimestamp(createdTime),
		ClaimedTime:       fromTimePtr(claimedTime),
		FinishedTime:      fromTimePtr(finishedTime),
		LastHeartbeatTime: fromTimePtr(lastHeartbeatTime),
	}, nil
}

func timePtr(ts *jobqueue.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time
	return &t
}

func fromTimePtr(t *time.Time) *jobqueue.Timestamp {
	if t == nil {
		return nil
	}
	ts := jobqueue.NewTimestamp(*t)
	return &ts
}
