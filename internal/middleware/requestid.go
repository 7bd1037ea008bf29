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

package middleware

import (
	"net/http"
	"strings"

	"github.com/luser/taskcluster-jobqueue/internal/ctxkeys"
)

// headerRequestID is the header used to propagate request IDs across hops.
const headerRequestID = "X-Request-Id"

// RequestID returns middleware that tags every request with an ID. An inbound
// X-Request-Id header is honored so callers can correlate retries; otherwise
// a fresh ID is generated. The ID is stored on the request context and echoed
// in the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id != "" {
			ctx = ctxkeys.WithRequestID(ctx, id)
		} else {
			ctx, id = ctxkeys.EnsureRequestID(ctx)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
