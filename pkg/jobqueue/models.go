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

// Package jobqueue contains the shared data model for the job queue
// service: the job record, its lifecycle states, listing filters, and the
// microsecond-precision timestamp encoding used on the wire.
package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
// PENDING → RUNNING → FINISHED, with cancel taking either non-terminal
// state directly to FINISHED. No other transitions exist.
type State string

const (
	StatePending  State = "PENDING"
	StateRunning  State = "RUNNING"
	StateFinished State = "FINISHED"
)

// Valid reports whether the state is one of the allowed states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateFinished:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool { return s == StateFinished }

// String returns the string value of the State.
func (s State) String() string { return string(s) }

// Filter selects which jobs a listing returns.
type Filter string

const (
	// FilterActive matches PENDING and RUNNING jobs. It is the default
	// listing filter: finished jobs never appear in listings.
	FilterActive  Filter = "ACTIVE"
	FilterPending Filter = "PENDING"
	FilterRunning Filter = "RUNNING"
)

// ParseFilter maps the state query parameter of a listing request to a
// Filter. The empty value selects FilterActive.
func ParseFilter(s string) (Filter, error) {
	switch s {
	case "":
		return FilterActive, nil
	case string(StatePending):
		return FilterPending, nil
	case string(StateRunning):
		return FilterRunning, nil
	default:
		return "", fmt.Errorf("invalid state filter: %q", s)
	}
}

// TimeLayout is the wire format for timestamps: ISO-8601 in UTC with a
// fixed six-digit fractional second and no zone designator.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Timestamp is a UTC wall-clock instant carried at microsecond precision.
// It marshals to a TimeLayout string; a nil *Timestamp marshals to null.
type Timestamp struct {
	time.Time
}

// NewTimestamp converts t to a Timestamp, truncating to microseconds in
// UTC so that stored values round-trip the wire encoding exactly.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

// MarshalJSON encodes the timestamp as a TimeLayout string.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimeLayout))
}

// UnmarshalJSON decodes a TimeLayout string or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string or null: %w", err)
	}
	if s == nil {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.Parse(TimeLayout, *s)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	*t = Timestamp{parsed.UTC()}
	return nil
}

// Job represents a single unit of queued work and its lifecycle. The
// service stores no payload: submitters and workers agree on meaning out
// of band, keyed by the opaque schema version string.
type Job struct {
	JobID             string     `json:"job_id" db:"job_id"`
	Version           string     `json:"version" db:"version"`
	State             State      `json:"state" db:"state"`
	CreatedTime       Timestamp  `json:"created_time" db:"created_time"`
	ClaimedTime       *Timestamp `json:"claimed_time" db:"claimed_time"`
	FinishedTime      *Timestamp `json:"finished_time" db:"finished_time"`
	LastHeartbeatTime *Timestamp `json:"last_heartbeat_time" db:"last_heartbeat_time"`
}

// NewJob constructs a PENDING job created at now with every optional
// timestamp absent. Caller should assign a unique id (e.g., uuid) before
// persistence.
func NewJob(version string, now time.Time) Job {
	return Job{
		JobID:             "",
		Version:           version,
		State:             StatePending,
		CreatedTime:       NewTimestamp(now),
		ClaimedTime:       nil,
		FinishedTime:      nil,
		LastHeartbeatTime: nil,
	}
}
