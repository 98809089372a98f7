package job

import (
	"time"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusWaiting means the job is ready and waiting to be claimed.
	StatusWaiting Status = "waiting"
	// StatusDelayed means the job is scheduled for the future (initial
	// delay or retry backoff) and becomes waiting once RunAt has passed.
	StatusDelayed Status = "delayed"
	// StatusActive means a worker is currently executing the job.
	StatusActive Status = "active"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its attempts and will not run again.
	StatusFailed Status = "failed"
	// StatusPaused is reported for jobs held in a paused queue. The core
	// never persists it: such jobs stay waiting and the queue-level paused
	// flag keeps them from being claimed.
	StatusPaused Status = "paused"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Backoff is the per-job retry delay policy. The delay before retry
// attempt n is min(Cap, Base * 2^(n-1)).
type Backoff struct {
	Base time.Duration `json:"base"`
	Cap  time.Duration `json:"cap"`
}

// Job represents one unit of enqueued work.
type Job struct {
	conveyor.Entity

	ID             id.JobID      `json:"id"`
	Queue          string        `json:"queue"`
	Type           string        `json:"type"`
	Payload        []byte        `json:"payload"`
	Status         Status        `json:"status"`
	Priority       int           `json:"priority"`
	AttemptsMade   int           `json:"attempts_made"`
	MaxAttempts    int           `json:"max_attempts"`
	Backoff        Backoff       `json:"backoff"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	Progress       int           `json:"progress"`
	FailedReason   string        `json:"failed_reason,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	WorkerID       id.WorkerID   `json:"worker_id,omitempty"`
	RunAt          time.Time     `json:"run_at"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	HeartbeatAt    *time.Time    `json:"heartbeat_at,omitempty"`
}
