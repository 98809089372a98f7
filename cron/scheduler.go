package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stackmesh/conveyor/cluster"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue occurrence
// jobs. The engine provides the implementation; the indirection breaks
// the import cycle between this package and the engine.
type EnqueueFunc func(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (id.JobID, error)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-entry firing locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithLeaderTTL sets the TTL for the leadership lease.
func WithLeaderTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.leaderTTL = d }
}

// Scheduler fires due entries from a tick loop. Only the cluster leader
// ticks, and each firing takes a per-entry lock, so an occurrence is
// enqueued exactly once even with competing workers.
type Scheduler struct {
	cronStore    Store
	clusterStore cluster.Store
	enqueue      EnqueueFunc
	workerID     id.WorkerID
	logger       *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration
	leaderTTL    time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	cronStore Store,
	clusterStore cluster.Store,
	enqueue EnqueueFunc,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cronStore:    cronStore,
		clusterStore: clusterStore,
		enqueue:      enqueue,
		workerID:     workerID,
		logger:       logger,
		tickInterval: time.Second,
		lockTTL:      30 * time.Second,
		leaderTTL:    15 * time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the leadership and tick goroutines. Returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(2)
	go s.leaderLoop()
	go s.tickLoop()
	s.logger.Info("cron scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for its goroutines.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) leaderLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.leaderTTL / 2)
	defer ticker.Stop()

	s.tryLeadership()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLeadership()
		}
	}
}

func (s *Scheduler) tryLeadership() {
	ctx := context.Background()

	// Renew first; cheap when already leader.
	renewed, err := s.clusterStore.RenewLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		return
	}
	if renewed {
		return
	}

	acquired, err := s.clusterStore.AcquireLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		return
	}
	if acquired {
		s.logger.Info("acquired scheduler leadership", slog.String("worker_id", s.workerID.String()))
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires all due entries once. Exported for tests; the tick loop
// calls it on every interval.
func (s *Scheduler) Tick(ctx context.Context) {
	leader, err := s.clusterStore.GetLeader(ctx)
	if err != nil {
		s.logger.Warn("get leader error", slog.String("error", err.Error()))
		return
	}
	if leader == nil || leader.ID.String() != s.workerID.String() {
		return
	}

	entries, err := s.cronStore.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.Enabled || entry.Exhausted() {
			continue
		}
		if entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, entry, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, entry *Entry, now time.Time) {
	acquired, err := s.cronStore.AcquireScheduleLock(ctx, entry.Name, s.workerID.String(), s.lockTTL)
	if err != nil {
		s.logger.Error("acquire schedule lock error",
			slog.String("schedule", entry.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if relErr := s.cronStore.ReleaseScheduleLock(ctx, entry.Name, s.workerID.String()); relErr != nil {
			s.logger.Error("release schedule lock error",
				slog.String("schedule", entry.Name),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	var opts []job.Option
	if entry.Queue != "" {
		opts = append(opts, job.WithQueue(entry.Queue))
	}
	jobID, err := s.enqueue(ctx, entry.JobType, entry.Payload, opts...)
	if err != nil {
		s.logger.Error("schedule enqueue error",
			slog.String("schedule", entry.Name),
			slog.String("job_type", entry.JobType),
			slog.String("error", err.Error()),
		)
		return
	}

	entry.FiredCount++
	entry.LastRunAt = &now
	entry.UpdatedAt = now

	if entry.Exhausted() {
		entry.Enabled = false
		entry.NextRunAt = nil
	} else if next, nextErr := entry.Next(now); nextErr != nil {
		s.logger.Error("compute next occurrence error",
			slog.String("schedule", entry.Name),
			slog.String("error", nextErr.Error()),
		)
		entry.NextRunAt = nil
	} else {
		entry.NextRunAt = &next
	}

	if err := s.cronStore.UpdateSchedule(ctx, entry); err != nil {
		s.logger.Error("update schedule error",
			slog.String("schedule", entry.Name),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule", entry.Name),
		slog.String("job_type", entry.JobType),
		slog.String("job_id", jobID.String()),
		slog.Int("fired_count", entry.FiredCount),
	)
}
