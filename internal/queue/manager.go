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

// Package queue implements the job lifecycle state machine on top of the
// store primitives: create, claim, heartbeat, complete, cancel, status,
// and list. All state transitions happen inside a single store transaction,
// so the lifecycle rules hold under concurrent callers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/luser/taskcluster-jobqueue/pkg/jobqueue"
)

// ErrBadState is returned when an operation is not permitted in the job's
// current state, e.g. completing a job that was never claimed or cancelling
// one that already finished.
var ErrBadState = errors.New("operation not permitted in current job state")

// Store defines the persistence operations required by the manager.
type Store interface {
	InsertJob(ctx context.Context, job *jobqueue.Job) error
	GetJob(ctx context.Context, id string) (*jobqueue.Job, error)
	ListJobs(ctx context.Context, filter jobqueue.Filter) ([]*jobqueue.Job, error)
	UpdateJob(ctx context.Context, id string, mutate func(*jobqueue.Job) error) (*jobqueue.Job, error)
	ClaimPending(ctx context.Context, now time.Time) (*jobqueue.Job, error)
}

// Config controls manager construction. Store is required; nil hooks get
// defaults.
type Config struct {
	Store Store

	// Now supplies timestamps for transitions; tests override it.
	Now func() time.Time

	// NewID mints job identifiers; tests override it.
	NewID func() string
}

// Manager owns the job lifecycle. It is safe for concurrent use; all shared
// mutable state lives in the store.
type Manager struct {
	store Store
	now   func() time.Time
	newID func() string
}

// NewManager constructs a Manager, defaulting the clock to UTC wall time at
// microsecond precision and the ID generator to random v4 UUIDs.
func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Manager{
		store: cfg.Store,
		now:   cfg.Now,
		newID: cfg.NewID,
	}
}

// Create mints a fresh PENDING job and persists it.
func (m *Manager) Create(ctx context.Context, version string) (*jobqueue.Job, error) {
	job := jobqueue.NewJob(version, m.now())
	job.JobID = m.newID()
	if err := m.store.InsertJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return &job, nil
}

// Claim hands the oldest PENDING job to the caller, transitioning it to
// RUNNING with claimed_time set. At most one caller receives any given job;
// the store makes the pick-and-transition atomic. Returns store.ErrNotFound
// when nothing is PENDING.
func (m *Manager) Claim(ctx context.Context) (*jobqueue.Job, error) {
	return m.store.ClaimPending(ctx, m.now())
}

// Status returns the current job record.
func (m *Manager) Status(ctx context.Context, id string) (*jobqueue.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns jobs matching the filter, oldest first. FINISHED jobs never
// appear in listings.
func (m *Manager) List(ctx context.Context, filter jobqueue.Filter) ([]*jobqueue.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// Heartbeat records worker liveness on a RUNNING job.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	now := m.now()
	_, err := m.store.UpdateJob(ctx, id, func(j *jobqueue.Job) error {
		if j.State != jobqueue.StateRunning {
			return ErrBadState
		}
		ts := jobqueue.NewTimestamp(now)
		j.LastHeartbeatTime = &ts
		return nil
	})
	return err
}

// Complete transitions a RUNNING job to FINISHED.
func (m *Manager) Complete(ctx context.Context, id string) error {
	now := m.now()
	_, err := m.store.UpdateJob(ctx, id, func(j *jobqueue.Job) error {
		if j.State != jobqueue.StateRunning {
			return ErrBadState
		}
		ts := jobqueue.NewTimestamp(now)
		j.State = jobqueue.StateFinished
		j.FinishedTime = &ts
		return nil
	})
	return err
}

// Cancel transitions a PENDING or RUNNING job to FINISHED. claimed_time is
// preserved when the job had already been claimed. Cancelling a FINISHED
// job fails with ErrBadState.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	now := m.now()
	_, err := m.store.UpdateJob(ctx, id, func(j *jobqueue.Job) error {
		if j.State == jobqueue.StateFinished {
			return ErrBadState
		}
		ts := jobqueue.NewTimestamp(now)
		j.State = jobqueue.StateFinished
		j.FinishedTime = &ts
		return nil
	})
	return err
}
