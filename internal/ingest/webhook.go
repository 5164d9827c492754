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

// Package ingest is the webhook ingress: authenticates deliveries, parses
// the payload, filters by repository trigger rules, and enqueues jobs
// (spec §4.B).
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"foundry/internal/metrics"
	"foundry/internal/store"
	"foundry/pkg/foundry"
)

// Store is the persistence surface the webhook handler needs.
type Store interface {
	GetOrCreateRepository(ctx context.Context, owner, name, cloneURL, defaultBranch, description, htmlURL string) (*foundry.Repository, error)
	InsertWebhookDelivery(ctx context.Context, eventType, deliveryID string, signatureValid bool, payload []byte) (int64, error)
	MarkWebhookProcessed(ctx context.Context, id int64, jobID *int64, errMsg *string) error
	EnqueueJob(ctx context.Context, repoID int64, sha, ref string, commit foundry.CommitMeta, scheduledJobID *int64, prNumber *int) (int64, error)
}

// githubRepository is the subset of GitHub's repository object this
// handler cares about.
type githubRepository struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	Description   string `json:"description"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type githubCommit struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	URL       string `json:"url"`
	Author    struct{ Name string `json:"name"` } `json:"author"`
}

type pushPayload struct {
	Ref        string            `json:"ref"`
	After      string            `json:"after"`
	Repository githubRepository  `json:"repository"`
	HeadCommit *githubCommit     `json:"head_commit"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	Repository  githubRepository `json:"repository"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Title string `json:"title"`
		HTMLURL string `json:"html_url"`
	} `json:"pull_request"`
}

// Handler builds the http.HandlerFunc for POST /webhook/github.
type Handler struct {
	store  Store
	secret []byte
	logger *log.Logger
	now    func() time.Time
}

// NewHandler constructs a webhook Handler. secret is the shared HMAC key
// used to validate X-Hub-Signature-256.
func NewHandler(st Store, secret string, logger *log.Logger, now func() time.Time) *Handler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{store: st, secret: []byte(secret), logger: logger, now: now}
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP implements POST /webhook/github per spec §4.B and §6.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	// Step 1: read the full body before any parsing, so signature
	// verification runs over exactly the bytes the sender signed.
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "failed to read body"})
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	sigHeader := r.Header.Get("X-Hub-Signature-256")

	ctx := r.Context()
	valid := h.verifySignature(sigHeader, body)
	deliveryPK, insertErr := h.store.InsertWebhookDelivery(ctx, eventType, deliveryID, valid, body)
	if insertErr != nil {
		if errors.Is(insertErr, store.ErrConflict) {
			// Replayed delivery_id: at most one job is ever enqueued for it.
			h.logf("duplicate delivery_id=%s event=%s; ignoring replay", redact(deliveryID), eventType)
			metrics.ObserveWebhookRequest("duplicate", time.Since(start))
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "idempotent": true})
			return
		}
		h.logf("insert webhook delivery failed: %v", insertErr)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to persist delivery"})
		return
	}

	if !valid {
		h.logf("bad signature for delivery=%s event=%s", redact(deliveryID), eventType)
		metrics.ObserveWebhookRequest("bad_signature", time.Since(start))
		writeJSON(w, http.StatusUnauthorized, jsonError{Error: "unauthorized", Message: "invalid signature"})
		return
	}

	jobID, reason, err := h.dispatch(ctx, eventType, body)
	if err != nil {
		errMsg := err.Error()
		_ = h.store.MarkWebhookProcessed(ctx, deliveryPK, nil, &errMsg)
		metrics.ObserveWebhookRequest("error", time.Since(start))
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: errMsg})
		return
	}
	_ = h.store.MarkWebhookProcessed(ctx, deliveryPK, jobID, reasonPtr(reason))

	if jobID == nil {
		metrics.ObserveWebhookRequest("filtered", time.Since(start))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	metrics.ObserveWebhookRequest(eventType, time.Since(start))
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": *jobID})
}

func reasonPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// dispatch parses the event and either enqueues a job (returning its id) or
// returns a filter/skip reason with a nil job id.
func (h *Handler) dispatch(ctx context.Context, eventType string, body []byte) (*int64, string, error) {
	switch eventType {
	case "push":
		return h.handlePush(ctx, body)
	case "pull_request":
		return h.handlePullRequest(ctx, body)
	default:
		return nil, "unsupported", nil
	}
}

func (h *Handler) handlePush(ctx context.Context, body []byte) (*int64, string, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, "", fmt.Errorf("parse push payload: %w", err)
	}
	branch := strings.TrimPrefix(p.Ref, "refs/heads/")
	repo, err := h.store.GetOrCreateRepository(ctx, p.Repository.Owner.Login, p.Repository.Name,
		p.Repository.CloneURL, p.Repository.DefaultBranch, p.Repository.Description, p.Repository.HTMLURL)
	if err != nil {
		return nil, "", fmt.Errorf("get or create repository: %w", err)
	}
	if !repo.Triggers.AllowsBranch(branch) {
		return nil, "filtered", nil
	}

	sha := p.After
	var commit foundry.CommitMeta
	if p.HeadCommit != nil {
		if sha == "" {
			sha = p.HeadCommit.ID
		}
		commit = foundry.CommitMeta{Message: p.HeadCommit.Message, Author: p.HeadCommit.Author.Name, URL: p.HeadCommit.URL}
	}
	id, err := h.store.EnqueueJob(ctx, repo.ID, sha, p.Ref, commit, nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("enqueue job: %w", err)
	}
	return &id, "", nil
}

func (h *Handler) handlePullRequest(ctx context.Context, body []byte) (*int64, string, error) {
	var p pullRequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, "", fmt.Errorf("parse pull_request payload: %w", err)
	}
	repo, err := h.store.GetOrCreateRepository(ctx, p.Repository.Owner.Login, p.Repository.Name,
		p.Repository.CloneURL, p.Repository.DefaultBranch, p.Repository.Description, p.Repository.HTMLURL)
	if err != nil {
		return nil, "", fmt.Errorf("get or create repository: %w", err)
	}
	if !repo.Triggers.PullRequests {
		return nil, "filtered", nil
	}
	if len(repo.Triggers.PRTargetBranches) > 0 {
		allowed := false
		for _, b := range repo.Triggers.PRTargetBranches {
			if b == p.PullRequest.Base.Ref {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, "filtered", nil
		}
	}

	commit := foundry.CommitMeta{Message: p.PullRequest.Title, URL: p.PullRequest.HTMLURL}
	prNumber := p.Number
	id, err := h.store.EnqueueJob(ctx, repo.ID, p.PullRequest.Head.SHA, "refs/heads/"+p.PullRequest.Head.Ref, commit, nil, &prNumber)
	if err != nil {
		return nil, "", fmt.Errorf("enqueue job: %w", err)
	}
	return &id, "", nil
}

// verifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 digest of body computed with the shared secret, in constant
// time. Matches the teacher's stdlib-crypto verification idiom rather than
// a JWT-style library, adapted from header-compare to true HMAC.
func (h *Handler) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if len(h.secret) == 0 {
		return true
	}
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1
}

func (h *Handler) logf(format string, args ...any) {
	h.logger.Printf("[ingest] "+format, args...)
}

// redact partially masks a sensitive string for diagnostic logging.
func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
