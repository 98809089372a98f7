package job

import (
	"context"
	"time"

	"github.com/stackmesh/conveyor/id"
)

// ListOpts controls pagination for ListJobs.
type ListOpts struct {
	Limit  int
	Offset int
}

// CountOpts filters CountJobs. Zero values match everything.
type CountOpts struct {
	Queue  string
	Status Status
}

// Store is the persistence contract for jobs. Implementations must make
// ClaimJobs atomic: a job handed to one claimer is never handed to another.
type Store interface {
	// EnqueueJob persists a new job. When the job carries an idempotency
	// key that matches an existing non-terminal job in the same queue,
	// the existing job is returned instead and nothing is written.
	EnqueueJob(ctx context.Context, j *Job) (*Job, error)

	// GetJob returns the job with the given id, or ErrJobNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists the full job record, or ErrJobNotFound.
	UpdateJob(ctx context.Context, j *Job) error

	// UpdateJobProgress records advisory handler progress (0-100).
	UpdateJobProgress(ctx context.Context, jobID id.JobID, percent int) error

	// DeleteJob removes the job, or ErrJobNotFound.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ClaimJobs atomically claims up to limit runnable jobs from the
	// given queues, marks them active, and returns them. Due delayed
	// jobs are promoted first; paused queues yield nothing. Ordering is
	// priority descending, then RunAt ascending.
	ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*Job, error)

	// HeartbeatJob updates the liveness timestamp of an active job.
	HeartbeatJob(ctx context.Context, jobID id.JobID, at time.Time) error

	// ReapStalledJobs resets active jobs whose heartbeat is older than
	// threshold back to waiting and returns the reset jobs.
	ReapStalledJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// ListJobs returns jobs filtered by queue and status, newest first.
	// Empty queue or status match everything.
	ListJobs(ctx context.Context, queue string, status Status, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the filter.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// RetryFailedJobs resets all failed jobs in the queue back to
	// waiting with zero attempts and reports how many were reset.
	RetryFailedJobs(ctx context.Context, queue string) (int64, error)

	// CleanJobs removes terminal jobs in the queue with the given status
	// finished before olderThan, and reports how many were removed.
	CleanJobs(ctx context.Context, queue string, status Status, olderThan time.Time) (int64, error)

	// TrimJobs enforces retention for terminal jobs in the queue: keeps
	// at most keep newest jobs with the given status and drops any older
	// than maxAge (zero values disable the respective limit). Reports
	// how many were removed.
	TrimJobs(ctx context.Context, queue string, status Status, keep int, maxAge time.Duration) (int64, error)
}

// New builds a job from a type name, JSON payload, and options, applying
// defaults and resolving the initial status from delay/run-at.
func New(typeName string, payload []byte, opts Options) *Job {
	now := time.Now().UTC()

	runAt := now
	status := StatusWaiting
	if !opts.RunAt.IsZero() {
		runAt = opts.RunAt.UTC()
	} else if opts.Delay > 0 {
		runAt = now.Add(opts.Delay)
	}
	if runAt.After(now) {
		status = StatusDelayed
	}

	j := &Job{
		ID:             id.NewJobID(),
		Queue:          opts.Queue,
		Type:           typeName,
		Payload:        payload,
		Status:         status,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		Backoff:        opts.Backoff,
		Timeout:        opts.Timeout,
		IdempotencyKey: opts.IdempotencyKey,
		RunAt:          runAt,
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	if j.Queue == "" {
		j.Queue = "default"
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 1
	}
	if j.Backoff.Base <= 0 {
		j.Backoff.Base = time.Second
	}
	if j.Backoff.Cap <= 0 {
		j.Backoff.Cap = time.Hour
	}
	return j
}
