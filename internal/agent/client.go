// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
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

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"foundry/internal/store"
	"foundry/pkg/foundry"
)

// DispatchClient talks to the server's dispatch API (internal/dispatch)
// over HTTP; the agent runs in a separate process and has no direct
// store access.
type DispatchClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewDispatchClient constructs a client against baseURL (e.g.
// "http://localhost:8081").
func NewDispatchClient(baseURL string) *DispatchClient {
	return &DispatchClient{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// ClaimResult is the decoded response body of POST /claim.
type ClaimResult struct {
	Job        *foundry.Job
	ClaimToken string
	Repository *foundry.Repository
}

// Claim attempts to claim the next queued job. A nil result with nil error
// means the queue was empty.
func (c *DispatchClient) Claim(ctx context.Context, agentID string) (*ClaimResult, error) {
	body, _ := json.Marshal(map[string]string{"agent_id": agentID})
	resp, err := c.doRetry(ctx, http.MethodPost, "/claim", body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var out struct {
		Job        foundry.Job        `json:"job"`
		ClaimToken string             `json:"claim_token"`
		Repository foundry.Repository `json:"repository"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agent: decode claim response: %w", err)
	}
	return &ClaimResult{Job: &out.Job, ClaimToken: out.ClaimToken, Repository: &out.Repository}, nil
}

// RegisterStages reports the stage plan for a claimed job.
func (c *DispatchClient) RegisterStages(ctx context.Context, jobID int64, claimToken string, stages []store.StageSpec) error {
	body, _ := json.Marshal(map[string]any{"stages": stages})
	resp, err := c.doRetry(ctx, http.MethodPost, fmt.Sprintf("/job/%d/stages", jobID), body, claimToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// StartStage reports that a named stage has started.
func (c *DispatchClient) StartStage(ctx context.Context, jobID int64, claimToken, name string) error {
	resp, err := c.doRetry(ctx, http.MethodPost, fmt.Sprintf("/job/%d/stage/%s/start", jobID, name), nil, claimToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// logLine mirrors the wire shape expected by dispatch's /log endpoint. Seq
// is the line's monotonic position within the stage, assigned by the
// caller's running counter; it is what makes a resent batch idempotent
// on the server (spec §5).
type logLine struct {
	Seq  int64     `json:"seq"`
	Ts   time.Time `json:"ts"`
	Line string    `json:"line"`
}

// AppendLog ships a batch of log lines for a stage. startSeq is the
// sequence number of lines[0]; subsequent lines increment from there.
func (c *DispatchClient) AppendLog(ctx context.Context, jobID int64, claimToken, name string, startSeq int64, lines []string, now func() time.Time) error {
	payload := make([]logLine, 0, len(lines))
	for i, l := range lines {
		payload = append(payload, logLine{Seq: startSeq + int64(i), Ts: now(), Line: l})
	}
	body, _ := json.Marshal(map[string]any{"lines": payload})
	resp, err := c.doRetry(ctx, http.MethodPost, fmt.Sprintf("/job/%d/stage/%s/log", jobID, name), body, claimToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// FinishStage reports a stage's terminal (or skipped) outcome.
func (c *DispatchClient) FinishStage(ctx context.Context, jobID int64, claimToken, name string, status foundry.StageStatus, exitCode *int, errMsg *string) error {
	body, _ := json.Marshal(map[string]any{"status": status, "exit_code": exitCode, "error": errMsg})
	resp, err := c.doRetry(ctx, http.MethodPost, fmt.Sprintf("/job/%d/stage/%s/finish", jobID, name), body, claimToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// CompleteJob reports the job's terminal outcome.
func (c *DispatchClient) CompleteJob(ctx context.Context, jobID int64, claimToken string, status foundry.JobStatus, errMsg *string) error {
	body, _ := json.Marshal(map[string]any{"status": status, "error": errMsg})
	resp, err := c.doRetry(ctx, http.MethodPost, fmt.Sprintf("/job/%d/complete", jobID), body, claimToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

type apiErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func decodeAPIError(resp *http.Response) error {
	var body apiErrorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		return fmt.Errorf("agent: dispatch request failed: status %d", resp.StatusCode)
	}
	return fmt.Errorf("agent: dispatch request failed: %s: %s", body.Error, body.Detail)
}

// doRetry performs up to three attempts with jittered backoff on transport
// errors and 5xx responses, matching spec §5's retry-with-jitter guidance
// for idempotent dispatch calls.
func (c *DispatchClient) doRetry(ctx context.Context, method, path string, body []byte, claimToken string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("agent: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if claimToken != "" {
			req.Header.Set("Authorization", "Bearer "+claimToken)
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("agent: dispatch returned %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("agent: dispatch request exhausted retries: %w", lastErr)
}
