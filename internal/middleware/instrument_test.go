package middleware

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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/luser/taskcluster-jobqueue/internal/metrics"
)

func TestNormalizeRoute(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/0.1.0/job/new", "/0.1.0/job/new"},
		{"/0.1.0/jobs", "/0.1.0/jobs"},
		{"/0.1.0/job/claim", "/0.1.0/job/claim"},
		{"/0.1.0/job/6b5f1c1e-8db0-4a32-9f52-abc123def456/status", "/0.1.0/job/:id/status"},
		{"/0.1.0/job/6b5f1c1e-8db0-4a32-9f52-abc123def456/heartbeat", "/0.1.0/job/:id/heartbeat"},
		{"/0.1.0/job/6b5f1c1e-8db0-4a32-9f52-abc123def456/complete", "/0.1.0/job/:id/complete"},
		{"/0.1.0/job/6b5f1c1e-8db0-4a32-9f52-abc123def456/cancel", "/0.1.0/job/:id/cancel"},
		{"/0.1.0/job/not-a-uuid/status", "/0.1.0/job/:id/status"},
		{"/0.1.0/job/x/unknown", "other"},
		{"/0.1.0/job/x", "other"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/nope", "other"},
		{"/", "other"},
	}
	for _, c := range cases {
		if got := NormalizeRoute(c.path); got != c.want {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestInstrumentRecordsStatusAndRoute(t *testing.T) {
	metrics.Reset()

	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/0.1.0/job/6b5f1c1e-8db0-4a32-9f52-abc123def456/cancel", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	mrec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(mrec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(mrec.Result().Body)
	if err != nil {
		t.Fatalf("read metrics failed: %v", err)
	}
	want := `jobqueue_http_requests_total{code="403",method="POST",route="/0.1.0/job/:id/cancel"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("metrics missing %q:\n%s", want, body)
	}
}

func TestInstrumentDefaultsTo200(t *testing.T) {
	metrics.Reset()

	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok")) // implicit 200
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/0.1.0/jobs", nil))

	mrec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(mrec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(mrec.Result().Body)
	if err != nil {
		t.Fatalf("read metrics failed: %v", err)
	}
	want := `jobqueue_http_requests_total{code="200",method="GET",route="/0.1.0/jobs"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("metrics missing %q:\n%s", want, body)
	}
}
