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

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"foundry/internal/store"
	"foundry/pkg/foundry"
)

func newTestAPI(t *testing.T) (*API, *store.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "foundry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, nil), s
}

func TestClaimAndLifecycle(t *testing.T) {
	api, s := newTestAPI(t)
	mux := http.NewServeMux()
	api.Register(mux)

	ctx := context.Background()
	repo, err := s.GetOrCreateRepository(ctx, "acme", "demo", "", "main", "", "")
	if err != nil {
		t.Fatalf("get or create repository: %v", err)
	}
	jobID, err := s.EnqueueJob(ctx, repo.ID, "deadbeef", "refs/heads/main", foundry.CommitMeta{}, nil, nil)
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader(`{"agent_id":"agent-1"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 claim, got %d: %s", rec.Code, rec.Body.String())
	}
	var claimResp struct {
		Job        foundry.Job `json:"job"`
		ClaimToken string      `json:"claim_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &claimResp); err != nil {
		t.Fatalf("decode claim response: %v", err)
	}
	if claimResp.Job.ID != jobID {
		t.Fatalf("unexpected claimed job id %d want %d", claimResp.Job.ID, jobID)
	}

	// Second claim on an empty queue returns 204.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader(`{"agent_id":"agent-2"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on empty queue, got %d", rec.Code)
	}

	jobPath := "/job/" + itoa(jobID)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, jobPath+"/stages", strings.NewReader(`{"stages":[{"name":"test","command":"echo ok","image":"alpine"}]}`))
	req.Header.Set("Authorization", "Bearer "+claimResp.ClaimToken)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 register stages, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, jobPath+"/stage/test/start", nil)
	req.Header.Set("Authorization", "Bearer "+claimResp.ClaimToken)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 start stage, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, jobPath+"/stage/test/log", strings.NewReader(`{"lines":[{"ts":"2026-01-01T00:00:00Z","line":"ok"}]}`))
	req.Header.Set("Authorization", "Bearer "+claimResp.ClaimToken)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 stage log, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, jobPath+"/stage/test/finish", strings.NewReader(`{"status":"success","exit_code":0}`))
	req.Header.Set("Authorization", "Bearer "+claimResp.ClaimToken)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 finish stage, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, jobPath+"/complete", strings.NewReader(`{"status":"success"}`))
	req.Header.Set("Authorization", "Bearer "+claimResp.ClaimToken)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 complete job, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWrongClaimTokenRejected(t *testing.T) {
	api, s := newTestAPI(t)
	mux := http.NewServeMux()
	api.Register(mux)

	ctx := context.Background()
	repo, _ := s.GetOrCreateRepository(ctx, "acme", "demo", "", "main", "", "")
	jobID, _ := s.EnqueueJob(ctx, repo.ID, "deadbeef", "refs/heads/main", foundry.CommitMeta{}, nil, nil)
	_, _ = s.ClaimNextJob(ctx, "agent-1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/job/"+itoa(jobID)+"/stages", strings.NewReader(`{"stages":[]}`))
	req.Header.Set("Authorization", "Bearer wrong-token")
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong claim token, got %d", rec.Code)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
