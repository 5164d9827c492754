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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foundry/pkg/foundry"
)

// EnqueueJob inserts a new queued job. Not idempotent; callers (webhook
// ingress, scheduler) are responsible for deduping before calling this.
func (s *Store) EnqueueJob(ctx context.Context, repoID int64, sha, ref string, commit foundry.CommitMeta, scheduledJobID *int64, prNumber *int) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `INSERT INTO job
			(repository_id, git_sha, git_ref, status, created_at, commit_message, commit_author,
			 commit_url, scheduled_job_id, pr_number)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			repoID, sha, ref, foundry.JobStatusQueued, now, commit.Message, commit.Author, commit.URL,
			nullFromInt64Ptr(scheduledJobID), nullFromIntPtr(prNumber))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("job last insert id: %w", err)
		}
		return nil
	})
	return id, err
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*foundry.Job, error) {
	var job *foundry.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := getJobByID(ctx, tx, id)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

const jobSelectCols = `SELECT id, repository_id, git_sha, git_ref, status, created_at, started_at,
	finished_at, claimed_by, claim_token, commit_message, commit_author, commit_url,
	scheduled_job_id, pr_number, error_message`

func getJobByID(ctx context.Context, tx *sql.Tx, id int64) (*foundry.Job, error) {
	row := tx.QueryRowContext(ctx, jobSelectCols+` FROM job WHERE id = ?`, id)
	return scanJob(row)
}

func scanJob(row rowScanner) (*foundry.Job, error) {
	var j foundry.Job
	var createdAt string
	var startedAt, finishedAt sql.NullString
	var claimedBy, claimToken, errMsg sql.NullString
	var scheduledJobID, prNumber sql.NullInt64
	err := row.Scan(&j.ID, &j.RepositoryID, &j.GitSHA, &j.GitRef, &j.Status, &createdAt,
		&startedAt, &finishedAt, &claimedBy, &claimToken, &j.CommitMessage, &j.CommitAuthor,
		&j.CommitURL, &scheduledJobID, &prNumber, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if t, err := parseTime(createdAt); err == nil {
		j.CreatedAt = t
	}
	if t, err := fromNullTimePtr(startedAt); err == nil {
		j.StartedAt = t
	}
	if t, err := fromNullTimePtr(finishedAt); err == nil {
		j.FinishedAt = t
	}
	j.ClaimedBy = fromNullStringPtr(claimedBy)
	j.ClaimToken = fromNullStringPtr(claimToken)
	j.ScheduledJobID = fromNullInt64Ptr(scheduledJobID)
	j.PRNumber = fromNullIntPtr(prNumber)
	j.ErrorMessage = fromNullStringPtr(errMsg)
	return &j, nil
}

// ClaimNextJob atomically selects the oldest queued job, transitions it to
// running, mints a claim token, and returns both. Returns ErrNotFound if
// the queue is empty. Serializable against concurrent callers: the UPDATE
// is conditioned on status='queued' and RowsAffected()==1 is checked so
// two callers racing on the same row never both succeed.
func (s *Store) ClaimNextJob(ctx context.Context, agentID string) (*foundry.Job, error) {
	var job *foundry.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM job WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
			foundry.JobStatusQueued).Scan(&id)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select queued job: %w", err)
		}

		token := uuid.NewString()
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `UPDATE job SET status = ?, started_at = ?, claimed_by = ?,
			claim_token = ? WHERE id = ? AND status = ?`,
			foundry.JobStatusRunning, now, agentID, token, id, foundry.JobStatusQueued)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim job rows affected: %w", err)
		}
		if n != 1 {
			// Lost the race to a concurrent claimer between the SELECT and UPDATE.
			return ErrNotFound
		}

		claimed, err := getJobByID(ctx, tx, id)
		if err != nil {
			return err
		}
		job = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CancelJob transitions a queued job to cancelled. Returns ErrNotQueued if
// the job is not currently queued; cancellation of in-flight jobs is out
// of scope.
func (s *Store) CancelJob(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `UPDATE job SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
			foundry.JobStatusCancelled, now, id, foundry.JobStatusQueued)
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrNotQueued
		}
		return nil
	})
}

// CompleteJob transitions a running job owned by claimToken to a terminal
// status, records finished_at, and updates the owning repository's
// denormalized counters.
func (s *Store) CompleteJob(ctx context.Context, id int64, claimToken string, status foundry.JobStatus, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := getJobByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.ClaimToken == nil || *job.ClaimToken != claimToken {
			return ErrNotOwner
		}
		if job.Status != foundry.JobStatusRunning {
			return fmt.Errorf("%w: job is %s, not running", ErrInvalidTransition, job.Status)
		}

		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `UPDATE job SET status = ?, finished_at = ?, error_message = ?
			WHERE id = ?`, status, now, nullFromStringPtr(errMsg), id); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return s.recordJobOutcome(ctx, tx, job.RepositoryID, status, now)
	})
}

// MarkJobFailedByJanitor force-transitions a stale running job to failed,
// bypassing claim-token ownership (the owning agent is presumed dead).
func (s *Store) MarkJobFailedByJanitor(ctx context.Context, id int64, reason string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := getJobByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != foundry.JobStatusRunning {
			return nil
		}
		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `UPDATE job SET status = ?, finished_at = ?, error_message = ?
			WHERE id = ?`, foundry.JobStatusFailed, now, nullIfEmpty(reason), id); err != nil {
			return fmt.Errorf("janitor fail job: %w", err)
		}
		return s.recordJobOutcome(ctx, tx, job.RepositoryID, foundry.JobStatusFailed, now)
	})
}

// StaleRunningJobs returns ids of running jobs whose started_at predates
// staleCutoff and whose most recent stage_log line (if any) predates
// idleCutoff. Used by the server janitor loop (spec §4.E "Fatal recovery").
func (s *Store) StaleRunningJobs(ctx context.Context, staleCutoff, idleCutoff time.Time) ([]int64, error) {
	var ids []int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT j.id FROM job j
			WHERE j.status = ? AND j.started_at IS NOT NULL AND j.started_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM stage_log sl
				JOIN job_stage js ON js.id = sl.stage_id
				WHERE js.job_id = j.id AND sl.ts >= ?
			)`, foundry.JobStatusRunning, formatTime(staleCutoff), formatTime(idleCutoff))
		if err != nil {
			return fmt.Errorf("query stale jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan stale job id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}
