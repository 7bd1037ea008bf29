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

// Package api implements the HTTP front end for the job queue service.
//
// Endpoints implemented in this file (all under /0.1.0):
//   - POST /0.1.0/job/new
//   - GET  /0.1.0/jobs[?state=PENDING|RUNNING]
//   - POST /0.1.0/job/claim
//   - GET  /0.1.0/job/{id}/status
//   - POST /0.1.0/job/{id}/heartbeat
//   - POST /0.1.0/job/{id}/complete
//   - POST /0.1.0/job/{id}/cancel
//
// Error mapping: unknown id 404, wrong state 403, wrong method 405,
// malformed request 400, storage failure 500. All responses are JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/luser/taskcluster-jobqueue/internal/ctxkeys"
	"github.com/luser/taskcluster-jobqueue/internal/metrics"
	"github.com/luser/taskcluster-jobqueue/internal/queue"
	"github.com/luser/taskcluster-jobqueue/internal/store"
	"github.com/luser/taskcluster-jobqueue/pkg/jobqueue"
)

// Prefix is the versioned path prefix for all job queue routes.
const Prefix = "/0.1.0"

// Manager defines the lifecycle operations the HTTP layer exposes.
// *queue.Manager satisfies this interface.
type Manager interface {
	Create(ctx context.Context, version string) (*jobqueue.Job, error)
	Claim(ctx context.Context) (*jobqueue.Job, error)
	Status(ctx context.Context, id string) (*jobqueue.Job, error)
	List(ctx context.Context, filter jobqueue.Filter) ([]*jobqueue.Job, error)
	Heartbeat(ctx context.Context, id string) error
	Complete(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// API is the HTTP layer for the job queue service.
type API struct {
	Manager Manager

	// Logger is optional; if nil, logging is suppressed.
	Logger *slog.Logger
}

// New constructs an API with its required dependencies.
func New(m Manager, logger *slog.Logger) *API {
	return &API{Manager: m, Logger: logger}
}

// Register attaches the API handlers to a mux. It also installs a JSON 404
// fallback at "/" so unknown paths answer in the same format as everything
// else; register any non-API routes (health, metrics) on the same mux at
// exact paths and they take precedence.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc(Prefix+"/job/new", a.newJobHandler)
	mux.HandleFunc(Prefix+"/jobs", a.listJobsHandler)
	mux.HandleFunc(Prefix+"/job/claim", a.claimJobHandler)
	mux.HandleFunc(Prefix+"/job/", a.jobByIDHandler)
	mux.HandleFunc("/", a.notFoundHandler)
}

// --------------- Models ---------------

// NewJobRequest is the payload for POST /0.1.0/job/new.
type NewJobRequest struct {
	Version string `json:"version"`
}

// NewJobResponse carries the id assigned to a created job.
type NewJobResponse struct {
	JobID string `json:"job_id"`
}

// ClaimJobResponse carries the id of the job granted to the caller.
type ClaimJobResponse struct {
	JobID string `json:"job_id"`
}

// jsonError is the error envelope for API responses.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --------------- Handlers ---------------

func (a *API) newJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	var req NewJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "request body could not be parsed as JSON",
		})
		return
	}
	if strings.TrimSpace(req.Version) == "" {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "version is required",
		})
		return
	}

	job, err := a.Manager.Create(r.Context(), req.Version)
	recordOp(metrics.OpCreate, err)
	if err != nil {
		a.writeError(w, r, err, "failed to create job")
		return
	}
	writeJSON(w, http.StatusOK, NewJobResponse{JobID: job.JobID})
}

func (a *API) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	state := r.URL.Query().Get("state")
	filter, err := jobqueue.ParseFilter(state)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "unsupported state filter: " + state,
		})
		return
	}

	jobs, err := a.Manager.List(r.Context(), filter)
	recordOp(metrics.OpList, err)
	if err != nil {
		a.writeError(w, r, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*jobqueue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) claimJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	job, err := a.Manager.Claim(r.Context())
	recordOp(metrics.OpClaim, err)
	if err != nil {
		a.writeError(w, r, err, "no pending jobs")
		return
	}
	writeJSON(w, http.StatusOK, ClaimJobResponse{JobID: job.JobID})
}

// jobByIDHandler dispatches /0.1.0/job/{id}/{action}. Method enforcement
// happens before id validation so a wrong verb is 405 even for ids that do
// not exist.
func (a *API) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, Prefix+"/job/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		a.notFoundHandler(w, r)
		return
	}
	id, action := parts[0], parts[1]

	var wantMethod string
	switch action {
	case "status":
		wantMethod = http.MethodGet
	case "heartbeat", "complete", "cancel":
		wantMethod = http.MethodPost
	default:
		a.notFoundHandler(w, r)
		return
	}
	if r.Method != wantMethod {
		a.writeMethodNotAllowed(w, wantMethod)
		return
	}

	// Ids are canonical lowercase UUIDs; anything else cannot name a job.
	if u, err := uuid.Parse(id); err != nil || u.String() != id {
		writeJSON(w, http.StatusNotFound, jsonError{
			Error:   "not_found",
			Message: "no such job: " + id,
		})
		return
	}

	ctx := r.Context()
	switch action {
	case "status":
		job, err := a.Manager.Status(ctx, id)
		recordOp(metrics.OpStatus, err)
		if err != nil {
			a.writeError(w, r, err, "no such job: "+id)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "heartbeat":
		err := a.Manager.Heartbeat(ctx, id)
		recordOp(metrics.OpHeartbeat, err)
		a.writeOpResult(w, r, err, "heartbeat", id)
	case "complete":
		err := a.Manager.Complete(ctx, id)
		recordOp(metrics.OpComplete, err)
		a.writeOpResult(w, r, err, "complete", id)
	case "cancel":
		err := a.Manager.Cancel(ctx, id)
		recordOp(metrics.OpCancel, err)
		a.writeOpResult(w, r, err, "cancel", id)
	}
}

func (a *API) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, jsonError{
		Error:   "not_found",
		Message: "unknown path: " + r.URL.Path,
	})
}

// --------------- Helpers ---------------

func (a *API) writeMethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, jsonError{
		Error:   "method_not_allowed",
		Message: "method not allowed; use " + allow,
	})
}

// writeOpResult finishes a state-transition endpoint: 200 with an empty
// object on success, mapped error otherwise.
func (a *API) writeOpResult(w http.ResponseWriter, r *http.Request, err error, op, id string) {
	if err != nil {
		a.writeError(w, r, err, "cannot "+op+" job: "+id)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// writeError maps error kinds to the status-code contract. msg is used for
// the 404 and 403 envelopes; 500 responses carry a generic message and the
// cause goes to the log.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: msg})
	case errors.Is(err, queue.ErrBadState):
		writeJSON(w, http.StatusForbidden, jsonError{Error: "bad_state", Message: msg})
	default:
		a.logError("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", ctxkeys.GetRequestID(r.Context()),
		)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "internal error",
		})
	}
}

func (a *API) logError(msg string, args ...any) {
	if a.Logger != nil {
		a.Logger.Error(msg, args...)
	}
}

func recordOp(op string, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		outcome = metrics.OutcomeNotFound
	case errors.Is(err, queue.ErrBadState):
		outcome = metrics.OutcomeBadState
	default:
		outcome = metrics.OutcomeError
	}
	metrics.RecordOperation(op, outcome)
}
