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

package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"foundry/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "foundry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const pushBody = `{
	"ref": "refs/heads/main",
	"after": "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	"repository": {"name": "demo", "default_branch": "main", "owner": {"login": "acme"}},
	"head_commit": {"id": "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", "message": "msg", "url": "http://example.com"}
}`

func TestWebhookHappyPathEnqueues(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "secret", nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(pushBody))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("X-Hub-Signature-256", sign("secret", []byte(pushBody)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookFiltersOtherBranch(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "secret", nil, nil)

	body := strings.ReplaceAll(pushBody, "refs/heads/main", "refs/heads/feature-x")
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "d2")
	req.Header.Set("X-Hub-Signature-256", sign("secret", []byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 filtered, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "secret", nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(pushBody))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "d3")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhookDeduplicatesReplayedDelivery(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "secret", nil, nil)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(pushBody))
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-GitHub-Delivery", "replayed")
		req.Header.Set("X-Hub-Signature-256", sign("secret", []byte(pushBody)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if i == 0 && rec.Code != http.StatusAccepted {
			t.Fatalf("first delivery expected 202, got %d", rec.Code)
		}
		if i == 1 && rec.Code != http.StatusOK {
			t.Fatalf("replayed delivery expected 200 idempotent, got %d", rec.Code)
		}
	}
}
