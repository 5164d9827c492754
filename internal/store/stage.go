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

	"foundry/pkg/foundry"
)

// StageSpec is a single stage to register, as declared by the manifest.
type StageSpec struct {
	Name    string
	Command string
	Image   string
}

// RegisterStages creates all stage rows for a job in pending status.
// Idempotent on (job_id, name): re-registering the same name is a no-op.
func (s *Store) RegisterStages(ctx context.Context, jobID int64, claimToken string, specs []StageSpec) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkOwnerTx(ctx, tx, jobID, claimToken); err != nil {
			return err
		}
		for i, spec := range specs {
			_, err := tx.ExecContext(ctx, `INSERT INTO job_stage
				(job_id, name, stage_order, status, command, image)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(job_id, name) DO NOTHING`,
				jobID, spec.Name, i, foundry.StageStatusPending, spec.Command, spec.Image)
			if err != nil {
				return fmt.Errorf("insert stage %s: %w", spec.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) checkOwnerTx(ctx context.Context, tx *sql.Tx, jobID int64, claimToken string) error {
	job, err := getJobByID(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.ClaimToken == nil || *job.ClaimToken != claimToken {
		return ErrNotOwner
	}
	return nil
}

func (s *Store) checkStageOwnerTx(ctx context.Context, tx *sql.Tx, stageID int64, claimToken string) (*foundry.JobStage, error) {
	stage, err := getStageByID(ctx, tx, stageID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnerTx(ctx, tx, stage.JobID, claimToken); err != nil {
		return nil, err
	}
	return stage, nil
}

const stageSelectCols = `SELECT id, job_id, name, stage_order, status, command, image,
	started_at, finished_at, duration_ms, exit_code, error_message`

func getStageByID(ctx context.Context, tx *sql.Tx, id int64) (*foundry.JobStage, error) {
	row := tx.QueryRowContext(ctx, stageSelectCols+` FROM job_stage WHERE id = ?`, id)
	return scanStage(row)
}

// GetStageByName returns a job's stage by name.
func (s *Store) GetStageByName(ctx context.Context, jobID int64, name string) (*foundry.JobStage, error) {
	var stage *foundry.JobStage
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, stageSelectCols+` FROM job_stage WHERE job_id = ? AND name = ?`, jobID, name)
		st, err := scanStage(row)
		if err != nil {
			return err
		}
		stage = st
		return nil
	})
	return stage, err
}

func scanStage(row rowScanner) (*foundry.JobStage, error) {
	var st foundry.JobStage
	var startedAt, finishedAt sql.NullString
	var durationMS, exitCode sql.NullInt64
	var errMsg sql.NullString
	err := row.Scan(&st.ID, &st.JobID, &st.Name, &st.StageOrder, &st.Status, &st.Command, &st.Image,
		&startedAt, &finishedAt, &durationMS, &exitCode, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stage: %w", err)
	}
	if t, err := fromNullTimePtr(startedAt); err == nil {
		st.StartedAt = t
	}
	if t, err := fromNullTimePtr(finishedAt); err == nil {
		st.FinishedAt = t
	}
	if durationMS.Valid {
		v := durationMS.Int64
		st.DurationMS = &v
	}
	st.ExitCode = fromNullIntPtr(exitCode)
	st.ErrorMessage = fromNullStringPtr(errMsg)
	return &st, nil
}

// StartStage transitions a stage pending -> running.
func (s *Store) StartStage(ctx context.Context, stageID int64, claimToken string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stage, err := s.checkStageOwnerTx(ctx, tx, stageID, claimToken)
		if err != nil {
			return err
		}
		if !foundry.CanTransitionStage(stage.Status, foundry.StageStatusRunning) {
			return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, stage.Status)
		}
		now := formatTime(s.now())
		_, err = tx.ExecContext(ctx, `UPDATE job_stage SET status = ?, started_at = ? WHERE id = ?`,
			foundry.StageStatusRunning, now, stageID)
		if err != nil {
			return fmt.Errorf("start stage: %w", err)
		}
		return nil
	})
}

// FinishStage transitions a running stage to a terminal status, recording
// duration, exit code, and error. Terminal stage statuses are write-once:
// calling this on an already-terminal stage returns ErrInvalidTransition.
func (s *Store) FinishStage(ctx context.Context, stageID int64, claimToken string, status foundry.StageStatus, exitCode *int, errMsg *string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stage, err := s.checkStageOwnerTx(ctx, tx, stageID, claimToken)
		if err != nil {
			return err
		}
		if !foundry.CanTransitionStage(stage.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stage.Status, status)
		}
		now := s.now()
		var durationMS int64
		if stage.StartedAt != nil {
			durationMS = now.Sub(*stage.StartedAt).Milliseconds()
		}
		_, err = tx.ExecContext(ctx, `UPDATE job_stage SET status = ?, finished_at = ?, duration_ms = ?,
			exit_code = ?, error_message = ? WHERE id = ?`,
			status, formatTime(now), durationMS, nullFromIntPtr(exitCode), nullFromStringPtr(errMsg), stageID)
		if err != nil {
			return fmt.Errorf("finish stage: %w", err)
		}
		return nil
	})
}

// SkipStage transitions a pending stage directly to skipped (used when a
// prior stage fails and the pipeline halts before reaching this one).
func (s *Store) SkipStage(ctx context.Context, stageID int64, claimToken string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stage, err := s.checkStageOwnerTx(ctx, tx, stageID, claimToken)
		if err != nil {
			return err
		}
		if !foundry.CanTransitionStage(stage.Status, foundry.StageStatusSkipped) {
			return fmt.Errorf("%w: %s -> skipped", ErrInvalidTransition, stage.Status)
		}
		now := formatTime(s.now())
		_, err = tx.ExecContext(ctx, `UPDATE job_stage SET status = ?, finished_at = ? WHERE id = ?`,
			foundry.StageStatusSkipped, now, stageID)
		return err
	})
}

// AppendStageLog appends log lines to a stage. Fails with ErrNotOwner if
// claimToken does not match the job owning the stage. Idempotent on
// (stage_id, seq): a batch resent after a dropped response (spec §5's
// retry-with-jitter) collides on its sequence numbers and is silently
// discarded rather than duplicated.
func (s *Store) AppendStageLog(ctx context.Context, stageID int64, claimToken string, lines []foundry.StageLog) error {
	if len(lines) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.checkStageOwnerTx(ctx, tx, stageID, claimToken); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO stage_log (stage_id, seq, line, ts) VALUES (?, ?, ?, ?)
			ON CONFLICT(stage_id, seq) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare stage log insert: %w", err)
		}
		defer stmt.Close()
		for _, line := range lines {
			if _, err := stmt.ExecContext(ctx, stageID, line.Seq, line.Line, formatTime(line.Ts)); err != nil {
				return fmt.Errorf("append stage log: %w", err)
			}
		}
		return nil
	})
}

// ListStageLogs returns a stage's log lines ordered by (ts, id).
func (s *Store) ListStageLogs(ctx context.Context, stageID int64) ([]foundry.StageLog, error) {
	var out []foundry.StageLog
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, stage_id, seq, line, ts FROM stage_log
			WHERE stage_id = ? ORDER BY ts ASC, id ASC`, stageID)
		if err != nil {
			return fmt.Errorf("query stage logs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var l foundry.StageLog
			var ts string
			if err := rows.Scan(&l.ID, &l.StageID, &l.Seq, &l.Line, &ts); err != nil {
				return fmt.Errorf("scan stage log: %w", err)
			}
			t, err := parseTime(ts)
			if err != nil {
				return err
			}
			l.Ts = t
			out = append(out, l)
		}
		return rows.Err()
	})
	return out, err
}

// MostRecentLogActivity returns the timestamp of the most recent log line
// appended anywhere in the job, or an invalid (NULL) value if none exist.
func (s *Store) MostRecentLogActivity(ctx context.Context, jobID int64) (ts sql.NullString, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT MAX(sl.ts) FROM stage_log sl
			JOIN job_stage js ON js.id = sl.stage_id WHERE js.job_id = ?`, jobID).Scan(&ts)
	})
	return
}
