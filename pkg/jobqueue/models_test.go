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

package jobqueue

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTimestampWireFormat(t *testing.T) {
	ts := NewTimestamp(time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `"2025-03-14T09:26:53.589793"`
	if string(data) != want {
		t.Fatalf("encoded timestamp = %s, want %s", data, want)
	}

	var back Timestamp
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !back.Equal(ts.Time) {
		t.Fatalf("round trip mismatch: got %v, want %v", back.Time, ts.Time)
	}
}

func TestTimestampZeroFraction(t *testing.T) {
	ts := NewTimestamp(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if want := `"2025-01-02T03:04:05.000000"`; string(data) != want {
		t.Fatalf("encoded timestamp = %s, want %s", data, want)
	}
}

func TestTimestampConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*60*60)
	ts := NewTimestamp(time.Date(2025, 6, 1, 16, 0, 0, 0, loc))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if want := `"2025-06-02T00:00:00.000000"`; string(data) != want {
		t.Fatalf("encoded timestamp = %s, want %s", data, want)
	}
}

func TestJobJSONAbsentTimestampsAreNull(t *testing.T) {
	job := NewJob("0.1.0", time.Date(2025, 7, 8, 12, 0, 0, 500, time.UTC))
	job.JobID = "4150c9a2-0bf7-47cc-a7cc-58eb25233021"

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	body := string(data)
	for _, want := range []string{
		`"job_id":"4150c9a2-0bf7-47cc-a7cc-58eb25233021"`,
		`"version":"0.1.0"`,
		`"state":"PENDING"`,
		`"created_time":"2025-07-08T12:00:00.000000"`,
		`"claimed_time":null`,
		`"finished_time":null`,
		`"last_heartbeat_time":null`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("encoded job %s missing %s", body, want)
		}
	}
}

func TestStateValid(t *testing.T) {
	for _, s := range []State{StatePending, StateRunning, StateFinished} {
		if !s.Valid() {
			t.Fatalf("state %s should be valid", s)
		}
	}
	for _, s := range []State{"", "pending", "DONE"} {
		if s.Valid() {
			t.Fatalf("state %q should be invalid", s)
		}
	}
	if StatePending.IsTerminal() || StateRunning.IsTerminal() {
		t.Fatal("non-terminal state reported terminal")
	}
	if !StateFinished.IsTerminal() {
		t.Fatal("FINISHED should be terminal")
	}
}

func TestParseFilter(t *testing.T) {
	cases := []struct {
		in      string
		want    Filter
		wantErr bool
	}{
		{"", FilterActive, false},
		{"PENDING", FilterPending, false},
		{"RUNNING", FilterRunning, false},
		{"FINISHED", "", true},
		{"pending", "", true},
		{"bogus", "", true},
	}
	for _, tc := range cases {
		got, err := ParseFilter(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseFilter(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseFilter(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseFilter(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
