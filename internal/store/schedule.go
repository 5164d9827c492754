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

	"foundry/pkg/foundry"
)

// UpsertSchedule creates or updates the (repository, branch) schedule.
func (s *Store) UpsertSchedule(ctx context.Context, repoID int64, cronExpr, branch, tz string, enabled bool, nextRunAt time.Time) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO scheduled_job
			(repository_id, cron_expression, branch, timezone, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(repository_id, branch) DO UPDATE SET
				cron_expression = excluded.cron_expression,
				timezone = excluded.timezone,
				enabled = excluded.enabled,
				next_run_at = excluded.next_run_at`,
			repoID, cronExpr, branch, tz, enabled, formatTime(nextRunAt))
		if err != nil {
			return fmt.Errorf("upsert schedule: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil || id == 0 {
			row := tx.QueryRowContext(ctx, `SELECT id FROM scheduled_job WHERE repository_id = ? AND branch = ?`, repoID, branch)
			return row.Scan(&id)
		}
		return nil
	})
	return id, err
}

const scheduleSelectCols = `SELECT id, repository_id, cron_expression, branch, timezone, enabled, last_run_at, next_run_at`

func scanSchedule(row rowScanner) (*foundry.Schedule, error) {
	var sch foundry.Schedule
	var enabled int
	var lastRunAt, nextRunAt sql.NullString
	err := row.Scan(&sch.ID, &sch.RepositoryID, &sch.CronExpression, &sch.Branch, &sch.Timezone,
		&enabled, &lastRunAt, &nextRunAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sch.Enabled = enabled != 0
	if t, err := fromNullTimePtr(lastRunAt); err == nil {
		sch.LastRunAt = t
	}
	if t, err := fromNullTimePtr(nextRunAt); err == nil {
		sch.NextRunAt = t
	}
	return &sch, nil
}

// DueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]foundry.Schedule, error) {
	var out []foundry.Schedule
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, scheduleSelectCols+` FROM scheduled_job
			WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?`, formatTime(now))
		if err != nil {
			return fmt.Errorf("query due schedules: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			sch, err := scanSchedule(rows)
			if err != nil {
				return err
			}
			out = append(out, *sch)
		}
		return rows.Err()
	})
	return out, err
}

// AdvanceSchedule performs a compare-and-swap on last_run_at: if the
// schedule's current last_run_at no longer equals prevLastRun (someone
// else already advanced it, or it was never run), the call is a no-op and
// ErrConflict is returned so the caller skips enqueuing a duplicate job.
func (s *Store) AdvanceSchedule(ctx context.Context, id int64, prevLastRun *time.Time, newLastRun, newNextRun time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var cur sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT last_run_at FROM scheduled_job WHERE id = ?`, id).Scan(&cur); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("read last_run_at: %w", err)
		}
		curMatches := (!cur.Valid && prevLastRun == nil) ||
			(cur.Valid && prevLastRun != nil && cur.String == formatTime(*prevLastRun))
		if !curMatches {
			return ErrConflict
		}
		res, err := tx.ExecContext(ctx, `UPDATE scheduled_job SET last_run_at = ?, next_run_at = ?
			WHERE id = ? AND ((last_run_at IS NULL AND ? IS NULL) OR last_run_at = ?)`,
			formatTime(newLastRun), formatTime(newNextRun), id, nullFromTimePtrHelper(prevLastRun), nullFromTimePtrHelper(prevLastRun))
		if err != nil {
			return fmt.Errorf("advance schedule: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrConflict
		}
		return nil
	})
}

func nullFromTimePtrHelper(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
