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

// Package scheduler is the single-instance loop that converts cron
// specifications into queued jobs (spec §4.C).
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"foundry/internal/metrics"
	"foundry/internal/store"
	"foundry/pkg/foundry"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	DueSchedules(ctx context.Context, now time.Time) ([]foundry.Schedule, error)
	AdvanceSchedule(ctx context.Context, id int64, prevLastRun *time.Time, newLastRun, newNextRun time.Time) error
	EnqueueJob(ctx context.Context, repoID int64, sha, ref string, commit foundry.CommitMeta, scheduledJobID *int64, prNumber *int) (int64, error)
	GetRepository(ctx context.Context, id int64) (*foundry.Repository, error)
}

// sentinelSHA is recorded when the scheduler cannot cheaply resolve the
// default branch's tip commit; the agent resolves the real SHA on clone
// (spec §4.C step 3).
const sentinelSHA = "HEAD"

// Scheduler polls due_schedules every TickInterval and enqueues a job for
// each schedule that fires, advancing next_run_at under a CAS so that
// multiple server instances (or a restart mid-tick) never double-fire.
type Scheduler struct {
	store        Store
	logger       *log.Logger
	now          func() time.Time
	TickInterval time.Duration
}

// New constructs a Scheduler. tickInterval defaults to 1 second (spec default).
func New(st Store, logger *log.Logger, tickInterval time.Duration) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Scheduler{store: st, logger: logger, now: func() time.Time { return time.Now().UTC() }, TickInterval: tickInterval}
}

// Run blocks, ticking every TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Printf("[scheduler] due_schedules failed: %v", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched foundry.Schedule, now time.Time) {
	nextRun, err := NextFireTime(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		s.logger.Printf("[scheduler] schedule=%d compute next fire failed: %v", sched.ID, err)
		return
	}

	if err := s.store.AdvanceSchedule(ctx, sched.ID, sched.LastRunAt, now, nextRun); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another evaluation already advanced this schedule (or the
			// clock regressed); skip without double-enqueuing.
			metrics.ObserveSchedulerFire("conflict")
			return
		}
		s.logger.Printf("[scheduler] schedule=%d advance failed: %v", sched.ID, err)
		return
	}

	repo, err := s.store.GetRepository(ctx, sched.RepositoryID)
	if err != nil {
		s.logger.Printf("[scheduler] schedule=%d repository lookup failed: %v", sched.ID, err)
		return
	}

	id := sched.ID
	jobID, err := s.store.EnqueueJob(ctx, repo.ID, sentinelSHA, "refs/heads/"+sched.Branch, foundry.CommitMeta{}, &id, nil)
	if err != nil {
		s.logger.Printf("[scheduler] schedule=%d enqueue failed: %v", sched.ID, err)
		return
	}
	metrics.ObserveSchedulerFire("enqueued")
	s.logger.Printf("[scheduler] schedule=%d fired job=%d next_run_at=%s", sched.ID, jobID, nextRun)
}
