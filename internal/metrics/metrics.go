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

// Package metrics exposes the service's Prometheus collectors: lifecycle
// operation counters and HTTP request counters/latencies.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	operationsTotal     *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
)

// Lifecycle operation names.
const (
	OpCreate    = "create"
	OpClaim     = "claim"
	OpHeartbeat = "heartbeat"
	OpComplete  = "complete"
	OpCancel    = "cancel"
	OpStatus    = "status"
	OpList      = "list"
)

// Operation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeBadState = "bad_state"
	OutcomeError    = "error"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one lifecycle operation with its outcome.
func RecordOperation(op, outcome string) {
	labelOp := sanitizeLabel(op, "unknown")
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if operationsTotal != nil {
		operationsTotal.WithLabelValues(labelOp, labelOutcome).Inc()
	}
}

// ObserveHTTPRequest records one completed HTTP request. route should be the
// normalized route pattern, never a raw path with ids in it.
func ObserveHTTPRequest(route, method string, code int, duration time.Duration) {
	labelRoute := sanitizeLabel(route, "unknown")
	labelMethod := sanitizeLabel(strings.ToUpper(method), "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(labelRoute, labelMethod, status).Inc()
	}
	if httpRequestDuration != nil {
		httpRequestDuration.WithLabelValues(labelRoute).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	opsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Name:      "operations_total",
		Help:      "Total lifecycle operations grouped by operation and outcome.",
	}, []string{"op", "outcome"})

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests grouped by route, method, and status code.",
	}, []string{"route", "method", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobqueue",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests by route.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route"})

	registry.MustRegister(opsTotal, reqTotal, reqDuration)

	reg = registry
	operationsTotal = opsTotal
	httpRequestsTotal = reqTotal
	httpRequestDuration = reqDuration
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
