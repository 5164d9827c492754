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

// Package dispatch is the agent-facing HTTP surface (spec §4.D): claim,
// register stages, report stage/job transitions, and stream logs. Every
// mutating endpoint on a specific job requires the claim_token minted by
// /claim, compared in constant time.
package dispatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"foundry/internal/metrics"
	"foundry/internal/store"
	"foundry/pkg/foundry"
)

// Store is the persistence surface the dispatch API needs.
type Store interface {
	ClaimNextJob(ctx context.Context, agentID string) (*foundry.Job, error)
	GetJob(ctx context.Context, id int64) (*foundry.Job, error)
	GetRepository(ctx context.Context, id int64) (*foundry.Repository, error)
	RegisterStages(ctx context.Context, jobID int64, claimToken string, specs []store.StageSpec) error
	GetStageByName(ctx context.Context, jobID int64, name string) (*foundry.JobStage, error)
	StartStage(ctx context.Context, stageID int64, claimToken string) error
	FinishStage(ctx context.Context, stageID int64, claimToken string, status foundry.StageStatus, exitCode *int, errMsg *string) error
	SkipStage(ctx context.Context, stageID int64, claimToken string) error
	AppendStageLog(ctx context.Context, stageID int64, claimToken string, lines []foundry.StageLog) error
	CompleteJob(ctx context.Context, id int64, claimToken string, status foundry.JobStatus, errMsg *string) error
}

// API wires the dispatch endpoints onto an http.ServeMux.
type API struct {
	Store  Store
	Logger *log.Logger
	Now    func() time.Time
}

// New constructs an API.
func New(st Store, logger *log.Logger) *API {
	if logger == nil {
		logger = log.Default()
	}
	return &API{Store: st, Logger: logger, Now: func() time.Time { return time.Now().UTC() }}
}

// Register wires every dispatch endpoint onto mux using Go 1.22+
// pattern-based routing, matching the teacher's stdlib-ServeMux idiom.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /claim", a.handleClaim)
	mux.HandleFunc("POST /job/{id}/stages", a.withJobAuth(a.handleRegisterStages))
	mux.HandleFunc("POST /job/{id}/stage/{name}/start", a.withJobAuth(a.handleStageStart))
	mux.HandleFunc("POST /job/{id}/stage/{name}/log", a.withJobAuth(a.handleStageLog))
	mux.HandleFunc("POST /job/{id}/stage/{name}/finish", a.withJobAuth(a.handleStageFinish))
	mux.HandleFunc("POST /job/{id}/complete", a.withJobAuth(a.handleJobComplete))
}

type apiError struct {
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// mapError maps a store error to the HTTP boundary per the taxonomy in
// spec §7: BadRequest, NotOwner, InvalidTransition, NotFound, Transient, Fatal.
func mapError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotOwner):
		writeJSON(w, http.StatusForbidden, apiError{Error: "not_owner", Detail: err.Error()})
		metrics.ObserveDispatchRequest(op, http.StatusForbidden)
	case errors.Is(err, store.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, apiError{Error: "invalid_transition", Detail: err.Error()})
		metrics.ObserveDispatchRequest(op, http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_found", Detail: err.Error()})
		metrics.ObserveDispatchRequest(op, http.StatusNotFound)
	case errors.Is(err, store.ErrNotQueued):
		writeJSON(w, http.StatusConflict, apiError{Error: "not_queued", Detail: err.Error()})
		metrics.ObserveDispatchRequest(op, http.StatusConflict)
	default:
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "server_error", Detail: err.Error()})
		metrics.ObserveDispatchRequest(op, http.StatusInternalServerError)
	}
}

// withJobAuth extracts {id} from the path, loads the job, and verifies the
// Authorization: Bearer <claim_token> header in constant time before
// delegating to next. A mismatch yields 403 per spec §4.D.
func (a *API) withJobAuth(next func(w http.ResponseWriter, r *http.Request, job *foundry.Job, claimToken string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := r.PathValue("id")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "bad_request", Detail: "invalid job id"})
			return
		}
		job, err := a.Store.GetJob(r.Context(), id)
		if err != nil {
			mapError(w, "auth", err)
			return
		}
		token := bearerToken(r)
		if job.ClaimToken == nil || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(*job.ClaimToken)) != 1 {
			writeJSON(w, http.StatusForbidden, apiError{Error: "not_owner", Detail: "claim token mismatch"})
			metrics.ObserveDispatchRequest("auth", http.StatusForbidden)
			return
		}
		next(w, r, job, token)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// handleClaim implements POST /claim.
func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "bad_request", Detail: "invalid json"})
		return
	}
	job, err := a.Store.ClaimNextJob(r.Context(), req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ObserveClaim("empty")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		mapError(w, "claim", err)
		return
	}
	metrics.ObserveClaim("claimed")
	repo, err := a.Store.GetRepository(r.Context(), job.RepositoryID)
	if err != nil {
		mapError(w, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "claim_token": *job.ClaimToken, "repository": repo})
}

// handleRegisterStages implements POST /job/:id/stages.
func (a *API) handleRegisterStages(w http.ResponseWriter, r *http.Request, job *foundry.Job, token string) {
	var req struct {
		Stages []store.StageSpec `json:"stages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "bad_request", Detail: "invalid json"})
		return
	}
	if err := a.Store.RegisterStages(r.Context(), job.ID, token, req.Stages); err != nil {
		mapError(w, "stages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) resolveStage(w http.ResponseWriter, r *http.Request, job *foundry.Job) (*foundry.JobStage, bool) {
	name := r.PathValue("name")
	stage, err := a.Store.GetStageByName(r.Context(), job.ID, name)
	if err != nil {
		mapError(w, "stage", err)
		return nil, false
	}
	return stage, true
}

// handleStageStart implements POST /job/:id/stage/:name/start.
func (a *API) handleStageStart(w http.ResponseWriter, r *http.Request, job *foundry.Job, token string) {
	stage, ok := a.resolveStage(w, r, job)
	if !ok {
		return
	}
	if err := a.Store.StartStage(r.Context(), stage.ID, token); err != nil {
		mapError(w, "stage.start", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStageLog implements POST /job/:id/stage/:name/log.
func (a *API) handleStageLog(w http.ResponseWriter, r *http.Request, job *foundry.Job, token string) {
	stage, ok := a.resolveStage(w, r, job)
	if !ok {
		return
	}
	var req struct {
		Lines []struct {
			Seq  int64     `json:"seq"`
			Ts   time.Time `json:"ts"`
			Line string    `json:"line"`
		} `json:"lines"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "bad_request", Detail: "invalid json"})
		return
	}
	lines := make([]foundry.StageLog, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, foundry.StageLog{Seq: l.Seq, Line: l.Line, Ts: l.Ts})
	}
	if err := a.Store.AppendStageLog(r.Context(), stage.ID, token, lines); err != nil {
		mapError(w, "stage.log", err)
		return
	}
	metrics.ObserveStageLogBatch(len(lines))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStageFinish implements POST /job/:id/stage/:name/finish.
func (a *API) handleStageFinish(w http.ResponseWriter, r *http.Request, job *foundry.Job, token string) {
	stage, ok := a.resolveStage(w, r, job)
	if !ok {
		return
	}
	var req struct {
		Status   foundry.StageStatus `json:"status"`
		ExitCode *int                `json:"exit_code,omitempty"`
		Error    *string             `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "bad_request", Detail: "invalid json"})
		return
	}
	var err error
	if req.Status == foundry.StageStatusSkipped {
		err = a.Store.SkipStage(r.Context(), stage.ID, token)
	} else {
		err = a.Store.FinishStage(r.Context(), stage.ID, token, req.Status, req.ExitCode, req.Error)
	}
	if err != nil {
		mapError(w, "stage.finish", err)
		return
	}
	if req.Status.IsTerminal() {
		var dur time.Duration
		if stage.StartedAt != nil {
			dur = a.Now().Sub(*stage.StartedAt)
		}
		metrics.ObserveStage(string(req.Status), dur)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleJobComplete implements POST /job/:id/complete.
func (a *API) handleJobComplete(w http.ResponseWriter, r *http.Request, job *foundry.Job, token string) {
	var req struct {
		Status foundry.JobStatus `json:"status"`
		Error  *string           `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "bad_request", Detail: "invalid json"})
		return
	}
	if err := a.Store.CompleteJob(r.Context(), job.ID, token, req.Status, req.Error); err != nil {
		mapError(w, "complete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
