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

// Package stress drives a running job queue service with a synthetic
// workload: a submitter posts jobs at a fixed cadence while a pool of
// workers claims, heartbeats, and completes them. The run ends once the
// queue reports no active jobs.
package stress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultJobVersion = "0.1.0"

// Config controls a stress run.
type Config struct {
	// BaseURL is the root of the service under test.
	BaseURL string

	// NumJobs is how many jobs the submitter creates.
	NumJobs int

	// SubmitDelay is the pause between consecutive submissions.
	SubmitDelay time.Duration

	// NumWorkers is the size of the claiming pool.
	NumWorkers int

	// WorkerDuration is how long a worker pretends to work on each job.
	WorkerDuration time.Duration

	// HeartbeatEvery is how often a worker heartbeats while holding a job.
	// Defaults to one second.
	HeartbeatEvery time.Duration

	// ClaimBackoff is how long a worker sleeps after an empty claim.
	// Defaults to one second.
	ClaimBackoff time.Duration

	// PollEvery is how often the drain loop re-checks the active job
	// count. Defaults to WorkerDuration.
	PollEvery time.Duration

	// JobVersion is the version field of submitted jobs.
	JobVersion string

	// Logger is optional; if nil, logging is suppressed.
	Logger *slog.Logger
}

// Stats summarizes a finished run.
type Stats struct {
	Submitted   int64
	Claimed     int64
	Completed   int64
	Heartbeats  int64
	ClaimMisses int64
	Elapsed     time.Duration
}

// counters collects run totals across goroutines.
type counters struct {
	submitted   atomic.Int64
	claimed     atomic.Int64
	completed   atomic.Int64
	heartbeats  atomic.Int64
	claimMisses atomic.Int64
}

func (c *counters) stats(elapsed time.Duration) Stats {
	return Stats{
		Submitted:   c.submitted.Load(),
		Claimed:     c.claimed.Load(),
		Completed:   c.completed.Load(),
		Heartbeats:  c.heartbeats.Load(),
		ClaimMisses: c.claimMisses.Load(),
		Elapsed:     elapsed,
	}
}

// Run executes the workload and blocks until the queue drains, a call
// fails, or ctx ends. Workers are released only after the submitter is
// done and the service reports zero active jobs.
func Run(ctx context.Context, cfg Config) (Stats, error) {
	if cfg.NumJobs <= 0 {
		return Stats{}, errors.New("stress: NumJobs must be positive")
	}
	if cfg.NumWorkers <= 0 {
		return Stats{}, errors.New("stress: NumWorkers must be positive")
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = time.Second
	}
	if cfg.ClaimBackoff <= 0 {
		cfg.ClaimBackoff = time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = cfg.WorkerDuration
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}
	if cfg.JobVersion == "" {
		cfg.JobVersion = defaultJobVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := NewClient(cfg.BaseURL)
	start := time.Now()

	var cts counters

	// Workers run on their own cancelable context so that a drained queue
	// shuts them down without failing the group.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.NumWorkers; i++ {
		id := i + 1
		g.Go(func() error {
			return runWorker(workerCtx, client, cfg, id, &cts)
		})
	}

	g.Go(func() error {
		defer stopWorkers()
		if err := submit(gctx, client, cfg, &cts); err != nil {
			return err
		}
		return waitForDrain(gctx, client, cfg)
	})

	err := g.Wait()
	return cts.stats(time.Since(start)), err
}

// submit creates NumJobs jobs with SubmitDelay between consecutive posts.
func submit(ctx context.Context, client *Client, cfg Config, cts *counters) error {
	for i := 0; i < cfg.NumJobs; i++ {
		jobID, err := client.CreateJob(ctx, cfg.JobVersion)
		if err != nil {
			return fmt.Errorf("submit job %d of %d: %w", i+1, cfg.NumJobs, err)
		}
		cts.submitted.Add(1)
		cfg.Logger.Debug("submitted job", "job_id", jobID)
		if i < cfg.NumJobs-1 {
			if !sleepCtx(ctx, cfg.SubmitDelay) {
				return ctx.Err()
			}
		}
	}
	cfg.Logger.Info("all jobs submitted", "count", cfg.NumJobs)
	return nil
}

// waitForDrain polls the active job count until the queue is empty.
func waitForDrain(ctx context.Context, client *Client, cfg Config) error {
	for {
		n, err := client.CountActiveJobs(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			cfg.Logger.Info("queue drained")
			return nil
		}
		cfg.Logger.Info("waiting for queue to drain", "active", n)
		if !sleepCtx(ctx, cfg.PollEvery) {
			return ctx.Err()
		}
	}
}

// runWorker claims and works jobs until its context is canceled.
// Cancellation is how a run normally ends, so it is not an error here.
func runWorker(ctx context.Context, client *Client, cfg Config, id int, cts *counters) error {
	logger := cfg.Logger.With("worker", id)
	for {
		if ctx.Err() != nil {
			return nil
		}
		jobID, ok, err := client.ClaimJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", id, err)
		}
		if !ok {
			cts.claimMisses.Add(1)
			sleepCtx(ctx, cfg.ClaimBackoff)
			continue
		}
		cts.claimed.Add(1)
		logger.Debug("claimed job", "job_id", jobID)
		if err := workJob(ctx, client, cfg, jobID, cts); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", id, err)
		}
		cts.completed.Add(1)
		logger.Debug("completed job", "job_id", jobID)
	}
}

// workJob simulates WorkerDuration of work on a claimed job, heartbeating
// along the way, then completes it.
func workJob(ctx context.Context, client *Client, cfg Config, jobID string, cts *counters) error {
	done := time.NewTimer(cfg.WorkerDuration)
	defer done.Stop()
	heartbeat := time.NewTicker(cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := client.Heartbeat(ctx, jobID); err != nil {
				return err
			}
			cts.heartbeats.Add(1)
		case <-done.C:
			return client.CompleteJob(ctx, jobID)
		}
	}
}

// sleepCtx sleeps for d unless ctx ends first, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
