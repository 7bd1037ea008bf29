package ctxkeys

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
	"testing"

	"github.com/google/uuid"
)

func TestEnsureRequestIDGenerates(t *testing.T) {
	ctx, id := EnsureRequestID(context.TODO())
	if id == "" {
		t.Fatalf("expected generated id not empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated id is not a UUID: %v", err)
	}
	if got := GetRequestID(ctx); got != id {
		t.Fatalf("expected id round trip; got %s want %s", got, id)
	}
}

func TestEnsureRequestIDPreservesExisting(t *testing.T) {
	base := WithRequestID(context.TODO(), "abc123")
	ctx, id := EnsureRequestID(base)
	if id != "abc123" {
		t.Fatalf("expected existing id preserved; got %s", id)
	}
	if got := GetRequestID(ctx); got != "abc123" {
		t.Fatalf("round trip mismatch: %s", got)
	}
}

func TestGetRequestIDMissing(t *testing.T) {
	if got := GetRequestID(context.TODO()); got != "" {
		t.Fatalf("expected empty id on bare context; got %q", got)
	}
	if got := GetRequestID(nil); got != "" { //nolint:staticcheck // nil tolerance is part of the contract
		t.Fatalf("expected empty id on nil context; got %q", got)
	}
}
