// Package worker executes claimed jobs: an Executor runs a single job
// through middleware and the registered handler and applies the retry
// state machine, and a Pool manages the claiming goroutines, heartbeats,
// and stalled-job recovery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/backoff"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
	"github.com/stackmesh/conveyor/metrics"
	"github.com/stackmesh/conveyor/middleware"
	"github.com/stackmesh/conveyor/queue"
)

// Executor runs one job through the middleware chain and handler, then
// persists the resulting state transition.
type Executor struct {
	registry *job.Registry
	store    job.Store
	queues   *queue.Manager
	recorder *metrics.Recorder
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. queues and recorder may be nil.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	queues *queue.Manager,
	recorder *metrics.Recorder,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		queues:   queues,
		recorder: recorder,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a claimed (active) job to its next state.
//
// The attempt counter is incremented before the handler runs, so a job
// that crashes mid-flight still accounts for the attempt after reaping.
// On success the job becomes completed. On handler error the job becomes
// delayed with an exponential backoff delay while attempts remain, and
// failed once they are exhausted. A job whose type has no registered
// handler fails immediately without consuming retries.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return e.failTerminal(ctx, j, fmt.Errorf("%w: %s", conveyor.ErrNoHandler, j.Type), time.Now().UTC(), 0)
	}

	now := time.Now().UTC()
	j.AttemptsMade++
	j.ProcessedAt = &now
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	if err := e.store.UpdateJob(ctx, j); err != nil {
		return e.swallowVanished(j, err)
	}
	if e.recorder != nil {
		e.recorder.JobStarted(ctx, j.Queue, j.Type)
	}

	ctx = job.WithReporter(ctx, e.reporter(j))

	start := time.Now()
	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	}
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	finished := time.Now().UTC()
	if err != nil {
		return e.handleFailure(ctx, j, err, finished, elapsed)
	}
	return e.handleSuccess(ctx, j, finished, elapsed)
}

// reporter persists advisory progress updates. Store errors are logged
// and dropped so progress can never fail a running handler.
func (e *Executor) reporter(j *job.Job) job.Reporter {
	return func(percent int) {
		j.Progress = percent
		if err := e.store.UpdateJobProgress(context.Background(), j.ID, percent); err != nil {
			e.logger.Debug("progress update failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, now time.Time, elapsed time.Duration) error {
	j.Status = job.StatusCompleted
	j.Progress = 100
	j.FailedReason = ""
	j.FinishedAt = &now
	j.HeartbeatAt = nil
	j.UpdatedAt = now

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return e.swallowVanished(j, err)
	}
	if e.recorder != nil {
		e.recorder.JobCompleted(ctx, j.Queue, j.Type, elapsed)
	}
	e.trim(ctx, j.Queue, job.StatusCompleted)
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error, now time.Time, elapsed time.Duration) error {
	if j.AttemptsMade < j.MaxAttempts {
		return e.scheduleRetry(ctx, j, handlerErr, now)
	}
	return e.failTerminal(ctx, j, handlerErr, now, elapsed)
}

// scheduleRetry moves the job to delayed with the next backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	delay := backoff.Delay(j.Backoff.Base, j.Backoff.Cap, j.AttemptsMade)
	j.Status = job.StatusDelayed
	j.FailedReason = handlerErr.Error()
	j.RunAt = now.Add(delay)
	j.WorkerID = id.WorkerID{}
	j.HeartbeatAt = nil
	j.UpdatedAt = now

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return e.swallowVanished(j, err)
	}
	if e.recorder != nil {
		e.recorder.JobRetried(ctx, j.Queue, j.Type)
	}

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", j.AttemptsMade),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)
	return fmt.Errorf("job %s attempt %d/%d: %w", j.Type, j.AttemptsMade, j.MaxAttempts, handlerErr)
}

// failTerminal marks the job failed for good.
func (e *Executor) failTerminal(ctx context.Context, j *job.Job, handlerErr error, now time.Time, elapsed time.Duration) error {
	j.Status = job.StatusFailed
	j.FailedReason = handlerErr.Error()
	j.FinishedAt = &now
	j.HeartbeatAt = nil
	j.UpdatedAt = now

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return e.swallowVanished(j, err)
	}
	if e.recorder != nil {
		e.recorder.JobFailed(ctx, j.Queue, j.Type, elapsed)
	}
	e.trim(ctx, j.Queue, job.StatusFailed)

	e.logger.Warn("job failed permanently",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempts_made", j.AttemptsMade),
		slog.String("error", handlerErr.Error()),
	)
	return handlerErr
}

// swallowVanished absorbs the race where a job is removed while running.
// The in-flight state update finds nothing; the removal wins.
func (e *Executor) swallowVanished(j *job.Job, err error) error {
	if errors.Is(err, conveyor.ErrJobNotFound) {
		e.logger.Debug("job removed while running, dropping state update",
			slog.String("job_id", j.ID.String()),
		)
		return nil
	}
	e.logger.Error("job state update failed",
		slog.String("job_id", j.ID.String()),
		slog.String("error", err.Error()),
	)
	return err
}

// trim enforces the queue's retention policy for one terminal status.
func (e *Executor) trim(ctx context.Context, queueName string, status job.Status) {
	if e.queues == nil {
		return
	}
	cfg, ok := e.queues.Config(queueName)
	if !ok {
		return
	}
	ret := cfg.CompletedRetention
	if status == job.StatusFailed {
		ret = cfg.FailedRetention
	}
	if ret.Count <= 0 && ret.MaxAge <= 0 {
		return
	}
	removed, err := e.store.TrimJobs(ctx, queueName, status, ret.Count, ret.MaxAge)
	if err != nil {
		e.logger.Warn("retention trim failed",
			slog.String("queue", queueName),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		e.logger.Debug("retention trim",
			slog.String("queue", queueName),
			slog.String("status", string(status)),
			slog.Int64("removed", removed),
		)
	}
}
