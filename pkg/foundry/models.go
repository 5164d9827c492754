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

// Package foundry contains the shared data models used by the store,
// webhook ingress, scheduler, dispatch API, and agent executor.
package foundry

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is success, failed, or cancelled.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string { return string(s) }

// StageStatus is the lifecycle state of a single JobStage.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

func (s StageStatus) Valid() bool {
	switch s {
	case StageStatusPending, StageStatusRunning, StageStatusSuccess, StageStatusFailed, StageStatusSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the stage status is write-once terminal.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusSuccess, StageStatusFailed, StageStatusSkipped:
		return true
	default:
		return false
	}
}

func (s StageStatus) String() string { return string(s) }

// canonicalStageTransitions enumerates the only legal stage status moves.
// store.StartStage, FinishStage and SkipStage consult this table to reject
// reversals.
var canonicalStageTransitions = map[StageStatus]map[StageStatus]bool{
	StageStatusPending: {StageStatusRunning: true, StageStatusSkipped: true},
	StageStatusRunning: {StageStatusSuccess: true, StageStatusFailed: true},
}

// CanTransitionStage reports whether from -> to is a legal stage transition.
func CanTransitionStage(from, to StageStatus) bool {
	allowed, ok := canonicalStageTransitions[from]
	return ok && allowed[to]
}

// TriggerRules declares which branches/pull-requests cause a repository's
// webhook deliveries to enqueue a job.
type TriggerRules struct {
	Branches         []string `json:"branches"`
	PullRequests     bool     `json:"pull_requests"`
	PRTargetBranches []string `json:"pr_target_branches,omitempty"`
}

// DefaultTriggerRules returns the spec default: {main, master}, no PRs.
func DefaultTriggerRules() TriggerRules {
	return TriggerRules{Branches: []string{"main", "master"}}
}

// AllowsBranch reports whether branch is in the trigger rule set.
func (t TriggerRules) AllowsBranch(branch string) bool {
	for _, b := range t.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// Repository is the identity and configuration of an (owner, name) pair
// observed in webhook deliveries.
type Repository struct {
	ID            int64
	Owner         string
	Name          string
	CloneURL      string
	DefaultImage  string
	Triggers      TriggerRules
	BuildCount    int64
	SuccessCount  int64
	FailureCount  int64
	LastBuildAt   *time.Time
	DefaultBranch string
	Description   string
	HTMLURL       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FullName returns "owner/name".
func (r Repository) FullName() string { return r.Owner + "/" + r.Name }

// Job is a single execution of a repository's pipeline.
type Job struct {
	ID             int64
	RepositoryID   int64
	GitSHA         string
	GitRef         string
	Status         JobStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	ClaimedBy      *string
	ClaimToken     *string
	CommitMessage  string
	CommitAuthor   string
	CommitURL      string
	ScheduledJobID *int64
	PRNumber       *int
	ErrorMessage   *string
}

// JobStage is one ordered step of a job's pipeline.
type JobStage struct {
	ID           int64
	JobID        int64
	Name         string
	StageOrder   int
	Status       StageStatus
	Command      string
	Image        string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	DurationMS   *int64
	ExitCode     *int
	ErrorMessage *string
}

// StageLog is a single append-only log line scoped to a stage. Seq is the
// monotonic per-stage sequence number assigned by the agent, letting a
// retried append be detected and discarded rather than duplicated.
type StageLog struct {
	ID      int64
	StageID int64
	Seq     int64
	Line    string
	Ts      time.Time
}

// Schedule is a cron trigger for a repository/branch pair.
type Schedule struct {
	ID             int64
	RepositoryID   int64
	CronExpression string
	Branch         string
	Timezone       string
	Enabled        bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
}

// WebhookDelivery is an immutable (except outcome fields) record of an
// inbound webhook request.
type WebhookDelivery struct {
	ID             int64
	EventType      string
	DeliveryID     string
	SignatureValid bool
	Payload        []byte
	Processed      bool
	JobID          *int64
	ErrorMessage   *string
	CreatedAt      time.Time
}

// CommitMeta carries the denormalized commit fields recorded on a Job.
type CommitMeta struct {
	Message string
	Author  string
	URL     string
}
