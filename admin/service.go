// Package admin exposes queue introspection and control: queue summaries,
// job listing and manipulation, schedule management, and worker listing,
// as a Service plus an HTTP API on chi.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cluster"
	"github.com/stackmesh/conveyor/cron"
	"github.com/stackmesh/conveyor/engine"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
	"github.com/stackmesh/conveyor/metrics"
)

// QueueInfo is a live summary of one queue.
type QueueInfo struct {
	Name      string           `json:"name"`
	Paused    bool             `json:"paused"`
	Waiting   int64            `json:"waiting"`
	Delayed   int64            `json:"delayed"`
	Active    int64            `json:"active"`
	Completed int64            `json:"completed"`
	Failed    int64            `json:"failed"`
	Totals    metrics.Snapshot `json:"totals"`
}

// AddJobRequest describes a job to enqueue through the admin surface.
type AddJobRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Queue          string          `json:"queue,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	Delay          time.Duration   `json:"delay,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Service implements the admin operations on top of an Engine.
type Service struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// NewService creates an admin Service.
func NewService(eng *engine.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{eng: eng, logger: logger}
}

func (s *Service) available() error {
	if s.eng.Store() == nil {
		return conveyor.ErrNoStore
	}
	return nil
}

// ListQueues returns a summary for every known queue: the configured
// claim queues plus any paused ones. Per-status counts are gathered
// concurrently.
func (s *Service) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	st := s.eng.Store()

	paused, err := st.PausedQueues(ctx)
	if err != nil {
		return nil, err
	}
	pausedSet := make(map[string]bool, len(paused))
	for _, name := range paused {
		pausedSet[name] = true
	}

	nameSet := make(map[string]struct{})
	for _, name := range s.eng.System().Config().Queues {
		nameSet[name] = struct{}{}
	}
	for _, name := range paused {
		nameSet[name] = struct{}{}
	}
	for _, qs := range s.eng.Recorder().Queues() {
		nameSet[qs.Queue] = struct{}{}
	}

	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]QueueInfo, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			info := QueueInfo{
				Name:   name,
				Paused: pausedSet[name],
				Totals: s.eng.Recorder().Queue(name),
			}
			counts := []struct {
				status job.Status
				dst    *int64
			}{
				{job.StatusWaiting, &info.Waiting},
				{job.StatusDelayed, &info.Delayed},
				{job.StatusActive, &info.Active},
				{job.StatusCompleted, &info.Completed},
				{job.StatusFailed, &info.Failed},
			}
			for _, c := range counts {
				n, err := st.CountJobs(gctx, job.CountOpts{Queue: name, Status: c.status})
				if err != nil {
					return err
				}
				*c.dst = n
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

// ListJobs returns jobs filtered by queue and status, newest first.
func (s *Service) ListJobs(ctx context.Context, queueName string, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	return s.eng.Store().ListJobs(ctx, queueName, status, opts)
}

// GetJob returns one job by id.
func (s *Service) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	return s.eng.Store().GetJob(ctx, jobID)
}

// AddJob enqueues a job through the normal enqueue path, so queue
// defaults, idempotency, and metrics all apply.
func (s *Service) AddJob(ctx context.Context, req AddJobRequest) (*job.Job, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	var opts []job.Option
	if req.Queue != "" {
		opts = append(opts, job.WithQueue(req.Queue))
	}
	if req.Priority != 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.Delay > 0 {
		opts = append(opts, job.WithDelay(req.Delay))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, job.WithIdempotencyKey(req.IdempotencyKey))
	}
	return s.eng.EnqueueRaw(ctx, req.Type, req.Payload, opts...)
}

// RemoveJob deletes a job in any state. An actively running job keeps
// executing, but its final state update is dropped.
func (s *Service) RemoveJob(ctx context.Context, jobID id.JobID) error {
	if err := s.available(); err != nil {
		return err
	}
	return s.eng.Store().DeleteJob(ctx, jobID)
}

// RetryFailed resets all failed jobs in the queue to waiting with a
// fresh attempt budget. Returns how many were reset.
func (s *Service) RetryFailed(ctx context.Context, queueName string) (int64, error) {
	if err := s.available(); err != nil {
		return 0, err
	}
	n, err := s.eng.Store().RetryFailedJobs(ctx, queueName)
	if err != nil {
		return 0, err
	}
	s.logger.Info("failed jobs reset",
		slog.String("queue", queueName),
		slog.Int64("count", n),
	)
	return n, nil
}

// Clean removes terminal jobs with the given status finished more than
// olderThan ago. Returns how many were removed.
func (s *Service) Clean(ctx context.Context, queueName string, status job.Status, olderThan time.Duration) (int64, error) {
	if err := s.available(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.eng.Store().CleanJobs(ctx, queueName, status, cutoff)
}

// Pause stops claiming from the queue across all workers. Queues are
// implicit, so pausing a name no job has used yet is valid and takes
// effect when producers start.
func (s *Service) Pause(ctx context.Context, queueName string) error {
	if err := s.available(); err != nil {
		return err
	}
	if err := s.eng.Store().PauseQueue(ctx, queueName); err != nil {
		return err
	}
	s.logger.Info("queue paused", slog.String("queue", queueName))
	return nil
}

// Resume re-enables claiming from the queue.
func (s *Service) Resume(ctx context.Context, queueName string) error {
	if err := s.available(); err != nil {
		return err
	}
	if err := s.eng.Store().ResumeQueue(ctx, queueName); err != nil {
		return err
	}
	s.logger.Info("queue resumed", slog.String("queue", queueName))
	return nil
}

// ListScheduled returns all registered schedules.
func (s *Service) ListScheduled(ctx context.Context) ([]*cron.Entry, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	return s.eng.Store().ListSchedules(ctx)
}

// Unschedule removes a schedule by name.
func (s *Service) Unschedule(ctx context.Context, name string) error {
	if err := s.available(); err != nil {
		return err
	}
	return s.eng.Store().DeleteSchedule(ctx, name)
}

// ListWorkers returns all registered worker processes.
func (s *Service) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	return s.eng.Store().ListWorkers(ctx)
}

// Health reports engine health.
func (s *Service) Health(ctx context.Context) engine.Health {
	return s.eng.Health(ctx)
}
