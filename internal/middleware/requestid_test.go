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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luser/taskcluster-jobqueue/internal/ctxkeys"
)

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxkeys.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/0.1.0/jobs", nil))

	if seen == "" {
		t.Fatalf("expected request id on handler context")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("response header %q does not match context id %q", got, seen)
	}
}

func TestRequestIDHonorsInboundHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxkeys.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/0.1.0/jobs", nil)
	req.Header.Set("X-Request-Id", "client-supplied-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "client-supplied-42" {
		t.Fatalf("expected inbound id preserved; got %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "client-supplied-42" {
		t.Fatalf("response header mismatch: %q", got)
	}
}

func TestRequestIDIgnoresBlankHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxkeys.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/0.1.0/jobs", nil)
	req.Header.Set("X-Request-Id", "   ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen == "" || seen == "   " {
		t.Fatalf("expected generated id for blank header; got %q", seen)
	}
}
