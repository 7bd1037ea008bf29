package stress

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

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/luser/taskcluster-jobqueue/internal/api"
	"github.com/luser/taskcluster-jobqueue/internal/queue"
	"github.com/luser/taskcluster-jobqueue/internal/store"
)

// newTestService starts a full service stack backed by a throwaway SQLite
// database and returns its base URL.
func newTestService(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mgr := queue.NewManager(queue.Config{Store: st})
	mux := http.NewServeMux()
	api.New(mgr, nil).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRunDrainsQueue(t *testing.T) {
	base := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := Run(ctx, Config{
		BaseURL:        base,
		NumJobs:        6,
		SubmitDelay:    time.Millisecond,
		NumWorkers:     3,
		WorkerDuration: 20 * time.Millisecond,
		HeartbeatEvery: 2 * time.Millisecond,
		ClaimBackoff:   2 * time.Millisecond,
		PollEvery:      5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Submitted != 6 || stats.Claimed != 6 || stats.Completed != 6 {
		t.Errorf("expected 6 jobs through every stage, got %+v", stats)
	}
	if stats.Heartbeats == 0 {
		t.Error("expected workers to heartbeat while holding jobs")
	}

	n, err := NewClient(base).CountActiveJobs(ctx)
	if err != nil {
		t.Fatalf("CountActiveJobs failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue after run, found %d active jobs", n)
	}
}

func TestRunRecordsClaimMisses(t *testing.T) {
	base := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// One worker and a long submit gap: the worker drains job one almost
	// immediately and then has to poll an empty queue until job two lands.
	stats, err := Run(ctx, Config{
		BaseURL:        base,
		NumJobs:        2,
		SubmitDelay:    50 * time.Millisecond,
		NumWorkers:     1,
		WorkerDuration: time.Millisecond,
		HeartbeatEvery: 20 * time.Millisecond,
		ClaimBackoff:   2 * time.Millisecond,
		PollEvery:      5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Completed != 2 {
		t.Errorf("expected 2 completed jobs, got %+v", stats)
	}
	if stats.ClaimMisses == 0 {
		t.Error("expected at least one claim miss while the queue was empty")
	}
}

func TestRunValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero jobs", Config{BaseURL: "http://localhost:0", NumWorkers: 1}},
		{"zero workers", Config{BaseURL: "http://localhost:0", NumJobs: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tt.cfg); err == nil {
				t.Error("expected a config error, got nil")
			}
		})
	}
}

func TestRunSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"server_error","message":"boom"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Run(ctx, Config{
		BaseURL:        srv.URL,
		NumJobs:        1,
		NumWorkers:     1,
		WorkerDuration: time.Millisecond,
		ClaimBackoff:   time.Millisecond,
		PollEvery:      time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected Run to fail against a broken server")
	}
	if !strings.Contains(err.Error(), "server_error") {
		t.Errorf("expected the service error envelope in the failure, got %v", err)
	}
}

func TestClaimMissOnEmptyQueue(t *testing.T) {
	base := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, ok, err := NewClient(base).ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if ok || id != "" {
		t.Errorf("expected a miss on an empty queue, got ok=%v id=%q", ok, id)
	}
}

func TestSleepCtx(t *testing.T) {
	ctx := context.Background()

	if !sleepCtx(ctx, time.Millisecond) {
		t.Error("expected sleepCtx to report a full sleep")
	}
	if !sleepCtx(ctx, 0) {
		t.Error("expected zero-duration sleep on a live context to succeed")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	start := time.Now()
	if sleepCtx(canceled, time.Hour) {
		t.Error("expected sleepCtx to bail out on a canceled context")
	}
	if time.Since(start) > time.Second {
		t.Error("sleepCtx did not return promptly after cancellation")
	}
}
