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
	"strings"

	"foundry/pkg/foundry"
)

func joinBranches(b []string) string { return strings.Join(b, ",") }

func splitBranches(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// GetOrCreateRepository looks up a repository by (owner, name), creating it
// with default trigger rules if this is its first observation.
func (s *Store) GetOrCreateRepository(ctx context.Context, owner, name, cloneURL, defaultBranch, description, htmlURL string) (*foundry.Repository, error) {
	var repo *foundry.Repository
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRepositoryByFullName(ctx, tx, owner, name)
		if err == nil {
			repo = existing
			return nil
		}
		if err != ErrNotFound {
			return err
		}

		now := s.now()
		triggers := foundry.DefaultTriggerRules()
		res, err := tx.ExecContext(ctx, `INSERT INTO repo
			(owner, name, clone_url, default_image, trigger_branches, trigger_pull_requests,
			 trigger_pr_target_branches, default_branch, description, html_url, created_at, updated_at)
			VALUES (?, ?, ?, '', ?, 0, '', ?, ?, ?, ?, ?)`,
			owner, name, cloneURL, joinBranches(triggers.Branches), defaultBranch, description, htmlURL,
			formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert repo: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("repo last insert id: %w", err)
		}
		created, err := getRepositoryByID(ctx, tx, id)
		if err != nil {
			return err
		}
		repo = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetRepository returns a repository by id.
func (s *Store) GetRepository(ctx context.Context, id int64) (*foundry.Repository, error) {
	var repo *foundry.Repository
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := getRepositoryByID(ctx, tx, id)
		if err != nil {
			return err
		}
		repo = r
		return nil
	})
	return repo, err
}

func getRepositoryByFullName(ctx context.Context, tx *sql.Tx, owner, name string) (*foundry.Repository, error) {
	row := tx.QueryRowContext(ctx, repoSelectCols+` FROM repo WHERE owner = ? AND name = ?`, owner, name)
	return scanRepository(row)
}

func getRepositoryByID(ctx context.Context, tx *sql.Tx, id int64) (*foundry.Repository, error) {
	row := tx.QueryRowContext(ctx, repoSelectCols+` FROM repo WHERE id = ?`, id)
	return scanRepository(row)
}

const repoSelectCols = `SELECT id, owner, name, clone_url, default_image, trigger_branches,
	trigger_pull_requests, trigger_pr_target_branches, build_count, success_count, failure_count,
	last_build_at, default_branch, description, html_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*foundry.Repository, error) {
	var r foundry.Repository
	var triggerBranches, prTargets string
	var triggerPR int
	var lastBuildAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.CloneURL, &r.DefaultImage, &triggerBranches,
		&triggerPR, &prTargets, &r.BuildCount, &r.SuccessCount, &r.FailureCount,
		&lastBuildAt, &r.DefaultBranch, &r.Description, &r.HTMLURL, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan repo: %w", err)
	}
	r.Triggers = foundry.TriggerRules{
		Branches:         splitBranches(triggerBranches),
		PullRequests:     triggerPR != 0,
		PRTargetBranches: splitBranches(prTargets),
	}
	if t, err := fromNullTimePtr(lastBuildAt); err == nil {
		r.LastBuildAt = t
	}
	if t, err := parseTime(createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		r.UpdatedAt = t
	}
	return &r, nil
}

// recordJobOutcome updates a repository's denormalized counters after a
// job reaches a terminal status. Called by complete_job and by the
// janitor's MarkJobFailedByJanitor.
func (s *Store) recordJobOutcome(ctx context.Context, tx *sql.Tx, repoID int64, status foundry.JobStatus, finishedAt string) error {
	successDelta, failureDelta := 0, 0
	switch status {
	case foundry.JobStatusSuccess:
		successDelta = 1
	case foundry.JobStatusFailed:
		failureDelta = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE repo SET
		build_count = build_count + 1,
		success_count = success_count + ?,
		failure_count = failure_count + ?,
		last_build_at = ?,
		updated_at = ?
		WHERE id = ?`, successDelta, failureDelta, finishedAt, finishedAt, repoID)
	if err != nil {
		return fmt.Errorf("update repo counters: %w", err)
	}
	return nil
}
