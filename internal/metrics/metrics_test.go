package metrics

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
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read metrics body failed: %v", err)
	}
	return string(body)
}

func TestRecordOperation(t *testing.T) {
	Reset()
	RecordOperation(OpClaim, OutcomeOK)
	RecordOperation(OpClaim, OutcomeOK)
	RecordOperation(OpCancel, OutcomeBadState)

	body := scrape(t)
	if !strings.Contains(body, `jobqueue_operations_total{op="claim",outcome="ok"} 2`) {
		t.Fatalf("claim counter missing or wrong:\n%s", body)
	}
	if !strings.Contains(body, `jobqueue_operations_total{op="cancel",outcome="bad_state"} 1`) {
		t.Fatalf("cancel counter missing or wrong:\n%s", body)
	}
}

func TestObserveHTTPRequest(t *testing.T) {
	Reset()
	ObserveHTTPRequest("/0.1.0/job/:id/status", "GET", 200, 5*time.Millisecond)

	body := scrape(t)
	if !strings.Contains(body, `jobqueue_http_requests_total{code="200",method="GET",route="/0.1.0/job/:id/status"} 1`) {
		t.Fatalf("http counter missing or wrong:\n%s", body)
	}
	if !strings.Contains(body, "jobqueue_http_request_duration_seconds_count") {
		t.Fatalf("duration histogram missing:\n%s", body)
	}
}

func TestResetClearsCounters(t *testing.T) {
	Reset()
	RecordOperation(OpCreate, OutcomeOK)
	Reset()

	body := scrape(t)
	if strings.Contains(body, `op="create"`) {
		t.Fatalf("counter survived Reset:\n%s", body)
	}
}
