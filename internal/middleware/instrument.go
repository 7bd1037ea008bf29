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

// Package middleware provides HTTP middleware for the service mux.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/luser/taskcluster-jobqueue/internal/metrics"
)

// statusRecorder captures the response status code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument returns middleware that records request counts and latencies
// per normalized route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(NormalizeRoute(r.URL.Path), r.Method, rec.status, time.Since(start))
	})
}

// NormalizeRoute collapses job ids out of paths so metric labels stay
// low-cardinality. Paths that match no known route report as "other".
func NormalizeRoute(path string) string {
	switch path {
	case "/0.1.0/job/new", "/0.1.0/jobs", "/0.1.0/job/claim",
		"/healthz", "/readyz", "/metrics":
		return path
	}
	rest, ok := strings.CutPrefix(path, "/0.1.0/job/")
	if !ok {
		return "other"
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "other"
	}
	switch parts[1] {
	case "status", "heartbeat", "complete", "cancel":
		return "/0.1.0/job/:id/" + parts[1]
	}
	return "other"
}
