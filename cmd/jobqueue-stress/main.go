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

// Command jobqueue-stress exercises a running job queue service with a
// synthetic workload: it submits jobs on a fixed cadence while a pool of
// workers claims, heartbeats, and completes them, then waits for the
// queue to drain.
//
// Usage:
//
//	jobqueue-stress [flags] [url]
//
// The url defaults to http://localhost:8314.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luser/taskcluster-jobqueue/internal/logging"
	"github.com/luser/taskcluster-jobqueue/internal/stress"
)

const defaultURL = "http://localhost:8314"

func main() {
	var (
		numJobs        = flag.Int("num-jobs", 10, "Number of jobs to submit")
		submitDelay    = flag.Duration("job-submit-delay", time.Second, "Delay between job submissions")
		numWorkers     = flag.Int("num-workers", 1, "Number of concurrent workers")
		workerDuration = flag.Duration("worker-duration", 5*time.Second, "Simulated work time per job")
		heartbeatEvery = flag.Duration("heartbeat-every", time.Second, "Heartbeat interval while a worker holds a job")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: jobqueue-stress [flags] [url]\n\nThe url defaults to %s.\n\nFlags:\n", defaultURL)
		flag.PrintDefaults()
	}
	flag.Parse()

	baseURL := defaultURL
	if flag.NArg() > 0 {
		baseURL = flag.Arg(0)
	}
	if flag.NArg() > 1 {
		fatalf("expected at most one positional argument, got %d", flag.NArg())
	}

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	// Ctrl-C cancels the run.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting stress run",
		"url", baseURL,
		"num_jobs", *numJobs,
		"job_submit_delay", submitDelay.String(),
		"num_workers", *numWorkers,
		"worker_duration", workerDuration.String(),
	)

	stats, err := stress.Run(ctx, stress.Config{
		BaseURL:        baseURL,
		NumJobs:        *numJobs,
		SubmitDelay:    *submitDelay,
		NumWorkers:     *numWorkers,
		WorkerDuration: *workerDuration,
		HeartbeatEvery: *heartbeatEvery,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("stress run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("stress run finished",
		"submitted", stats.Submitted,
		"claimed", stats.Claimed,
		"completed", stats.Completed,
		"heartbeats", stats.Heartbeats,
		"claim_misses", stats.ClaimMisses,
		"elapsed", stats.Elapsed.String(),
	)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "jobqueue-stress: "+format+"\n", args...)
	os.Exit(1)
}
