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

package stress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/luser/taskcluster-jobqueue/internal/api"
)

// Client is a minimal HTTP client for the job queue API. It covers exactly
// the calls the stress runner makes.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient builds a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateJob submits a new job and returns its id.
func (c *Client) CreateJob(ctx context.Context, version string) (string, error) {
	body := map[string]string{"version": version}
	status, data, err := c.do(ctx, http.MethodPost, api.Prefix+"/job/new", body)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", apiError("create job", status, data)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return out.JobID, nil
}

// ClaimJob asks for the oldest pending job. ok is false when the queue had
// nothing to hand out.
func (c *Client) ClaimJob(ctx context.Context) (jobID string, ok bool, err error) {
	status, data, err := c.do(ctx, http.MethodPost, api.Prefix+"/job/claim", nil)
	if err != nil {
		return "", false, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, apiError("claim job", status, data)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", false, fmt.Errorf("decode claim response: %w", err)
	}
	return out.JobID, true, nil
}

// Heartbeat marks the job as still being worked on.
func (c *Client) Heartbeat(ctx context.Context, jobID string) error {
	status, data, err := c.do(ctx, http.MethodPost, api.Prefix+"/job/"+jobID+"/heartbeat", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError("heartbeat job "+jobID, status, data)
	}
	return nil
}

// CompleteJob marks the job as finished.
func (c *Client) CompleteJob(ctx context.Context, jobID string) error {
	status, data, err := c.do(ctx, http.MethodPost, api.Prefix+"/job/"+jobID+"/complete", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError("complete job "+jobID, status, data)
	}
	return nil
}

// CountActiveJobs returns how many jobs the service reports as pending or
// running.
func (c *Client) CountActiveJobs(ctx context.Context) (int, error) {
	status, data, err := c.do(ctx, http.MethodGet, api.Prefix+"/jobs", nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, apiError("list jobs", status, data)
	}
	var jobs []json.RawMessage
	if err := json.Unmarshal(data, &jobs); err != nil {
		return 0, fmt.Errorf("decode jobs list: %w", err)
	}
	return len(jobs), nil
}

// do performs one request and returns the status and full body. A non-nil
// error means the exchange itself failed, not that the service said no.
func (c *Client) do(ctx context.Context, method, rel string, body any) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request json: %w", err)
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+rel, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http %s %s: %w", method, rel, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// apiError turns a non-200 response into an error, preferring the service's
// error envelope over the raw body.
func apiError(op string, status int, data []byte) error {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		if envelope.Message != "" {
			return fmt.Errorf("%s: status=%d %s: %s", op, status, envelope.Error, envelope.Message)
		}
		return fmt.Errorf("%s: status=%d %s", op, status, envelope.Error)
	}
	return fmt.Errorf("%s: status=%d body=%s", op, status, truncate(string(data), 256))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
