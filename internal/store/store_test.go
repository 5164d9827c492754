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
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foundry/pkg/foundry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := filepath.Join(t.TempDir(), "foundry.db")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAndMigrate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, err := s.GetOrCreateRepository(ctx, "acme", "demo", "git@example.com:acme/demo.git", "main", "", "")
	if err != nil {
		t.Fatalf("get or create repository: %v", err)
	}
	if repo.FullName() != "acme/demo" {
		t.Fatalf("unexpected full name: %s", repo.FullName())
	}
	if !repo.Triggers.AllowsBranch("main") {
		t.Fatalf("expected default triggers to allow main")
	}

	again, err := s.GetOrCreateRepository(ctx, "acme", "demo", "", "", "", "")
	if err != nil {
		t.Fatalf("second get or create repository: %v", err)
	}
	if again.ID != repo.ID {
		t.Fatalf("expected same repository id, got %d and %d", repo.ID, again.ID)
	}
}

func TestClaimNextJobIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, err := s.GetOrCreateRepository(ctx, "acme", "demo", "", "main", "", "")
	if err != nil {
		t.Fatalf("get or create repository: %v", err)
	}
	jobID, err := s.EnqueueJob(ctx, repo.ID, "deadbeef", "refs/heads/main", foundry.CommitMeta{}, nil, nil)
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}

	const agents = 20
	var wg sync.WaitGroup
	claimed := make([]bool, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.ClaimNextJob(ctx, "agent")
			if err == nil && job.ID == jobID {
				claimed[i] = true
			}
		}(i)
	}
	wg.Wait()

	var count int
	for _, c := range claimed {
		if c {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one claimer, got %d", count)
	}
}

// TestClaimNextJobPartition is the property test spec §8 calls for:
// ≥100 concurrent claimers racing against a queue of 1000 jobs must
// partition the queue — every job claimed by exactly one agent, no
// job claimed twice, no job left behind.
func TestClaimNextJobPartition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, err := s.GetOrCreateRepository(ctx, "acme", "demo", "", "main", "", "")
	if err != nil {
		t.Fatalf("get or create repository: %v", err)
	}

	const jobs = 1000
	want := make(map[int64]bool, jobs)
	for i := 0; i < jobs; i++ {
		id, err := s.EnqueueJob(ctx, repo.ID, "deadbeef", "refs/heads/main", foundry.CommitMeta{}, nil, nil)
		if err != nil {
			t.Fatalf("enqueue job %d: %v", i, err)
		}
		want[id] = true
	}

	const claimers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]int, jobs)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(agent int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", agent)
			for {
				job, err := s.ClaimNextJob(ctx, agentID)
				if errors.Is(err, ErrNotFound) {
					return
				}
				if err != nil {
					t.Errorf("claim next job: %v", err)
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected all %d jobs claimed, got %d distinct jobs claimed", jobs, len(seen))
	}
	for id := range want {
		if seen[id] != 1 {
			t.Fatalf("job %d claimed %d times, want exactly 1", id, seen[id])
		}
	}
}

func TestClaimNextJobEmptyQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.ClaimNextJob(ctx, "agent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStageTransitionsEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.GetOrCreateRepository(ctx, "acme", "demo", "", "main", "", "")
	jobID, _ := s.EnqueueJob(ctx, repo.ID, "deadbeef", "refs/heads/main", foundry.CommitMeta{}, nil, nil)
	job, err := s.ClaimNextJob(ctx, "agent")
	if err != nil {
		t.Fatalf("claim job: %v", err)
	}
	if job.ID != jobID {
		t.Fatalf("unexpected job claimed")
	}

	if err := s.RegisterStages(ctx, jobID, *job.ClaimToken, []StageSpec{{Name: "test", Command: "echo ok", Image: "alpine"}}); err != nil {
		t.Fatalf("register stages: %v", err)
	}
	stage, err := s.GetStageByName(ctx, jobID, "test")
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}

	// Finishing before starting should fail the state machine check.
	if err := s.FinishStage(ctx, stage.ID, *job.ClaimToken, foundry.StageStatusSuccess, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := s.StartStage(ctx, stage.ID, *job.ClaimToken); err != nil {
		t.Fatalf("start stage: %v", err)
	}
	if err := s.AppendStageLog(ctx, stage.ID, *job.ClaimToken, []foundry.StageLog{{Line: "ok", Ts: time.Now().UTC()}}); err != nil {
		t.Fatalf("append stage log: %v", err)
	}
	if err := s.FinishStage(ctx, stage.ID, *job.ClaimToken, foundry.StageStatusSuccess, intPtr(0), nil); err != nil {
		t.Fatalf("finish stage: %v", err)
	}

	// Terminal statuses are write-once.
	if err := s.FinishStage(ctx, stage.ID, *job.ClaimToken, foundry.StageStatusFailed, intPtr(1), nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on re-finish, got %v", err)
	}

	if err := s.CompleteJob(ctx, jobID, *job.ClaimToken, foundry.JobStatusSuccess, nil); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	completed, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if completed.Status != foundry.JobStatusSuccess || completed.FinishedAt == nil {
		t.Fatalf("expected job success with finished_at set, got %+v", completed)
	}
}

func TestAppendStageLogRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.GetOrCreateRepository(ctx, "acme", "demo", "", "main", "", "")
	jobID, _ := s.EnqueueJob(ctx, repo.ID, "deadbeef", "refs/heads/main", foundry.CommitMeta{}, nil, nil)
	job, _ := s.ClaimNextJob(ctx, "agent")
	_ = s.RegisterStages(ctx, jobID, *job.ClaimToken, []StageSpec{{Name: "test", Command: "echo ok", Image: "alpine"}})
	stage, _ := s.GetStageByName(ctx, jobID, "test")

	err := s.AppendStageLog(ctx, stage.ID, "wrong-token", []foundry.StageLog{{Line: "nope", Ts: time.Now()}})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestWebhookDeliveryDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertWebhookDelivery(ctx, "push", "delivery-1", true, []byte(`{}`))
	if err != nil {
		t.Fatalf("insert webhook delivery: %v", err)
	}
	_, err = s.InsertWebhookDelivery(ctx, "push", "delivery-1", true, []byte(`{}`))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on replayed delivery_id, got %v", err)
	}
}

func TestAdvanceScheduleCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.GetOrCreateRepository(ctx, "acme", "demo", "", "main", "", "")
	next := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)
	id, err := s.UpsertSchedule(ctx, repo.ID, "0 */5 * * * * *", "main", "UTC", true, next)
	if err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	due, err := s.DueSchedules(ctx, next.Add(time.Minute))
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one due schedule, got %d", len(due))
	}

	newNext := next.Add(5 * time.Minute)
	if err := s.AdvanceSchedule(ctx, id, nil, next, newNext); err != nil {
		t.Fatalf("advance schedule: %v", err)
	}
	// Replaying with the same stale prevLastRun must no-op with ErrConflict.
	if err := s.AdvanceSchedule(ctx, id, nil, next, newNext); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on double-advance, got %v", err)
	}
}

func intPtr(v int) *int { return &v }
