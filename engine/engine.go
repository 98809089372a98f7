// Package engine wires the subsystems together: it builds the job
// registry, middleware chain, worker pool, and cron scheduler around a
// conveyor.System, and provides the Register/Enqueue/Schedule surface.
//
// The package sits above every subsystem package and below the
// application layer; the root conveyor package defines Entity and the
// sentinel errors and cannot import the subsystems back.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cluster"
	"github.com/stackmesh/conveyor/cron"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
	"github.com/stackmesh/conveyor/metrics"
	mw "github.com/stackmesh/conveyor/middleware"
	"github.com/stackmesh/conveyor/queue"
	"github.com/stackmesh/conveyor/store"
	"github.com/stackmesh/conveyor/worker"
)

// Engine is the assembled queue runtime.
type Engine struct {
	sys      *conveyor.System
	registry *job.Registry
	st       store.Store
	recorder *metrics.Recorder
	qm       *queue.Manager
	pool     *worker.Pool
	sched    *cron.Scheduler
	logger   *slog.Logger

	queueConfigs []queue.Config
	mws          []mw.Middleware

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	workerRecord *cluster.Worker
	hbStop       chan struct{}
	hbWG         sync.WaitGroup

	unavailableOnce sync.Once
	stopOnce        sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithMiddleware appends middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithQueueConfig registers per-queue configuration (limits, default job
// options, retention). Queues not listed use defaults.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTracerProvider overrides the global OTel TracerProvider for the
// tracing middleware.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider overrides the global OTel MeterProvider for the
// metrics middleware.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build assembles an Engine on top of a System.
//
// A System without a store yields a degraded engine: Register works,
// Enqueue becomes a logged no-op, and Start fails with ErrNoStore. This
// lets applications boot with queueing disabled instead of crashing.
func Build(sys *conveyor.System, opts ...Option) (*Engine, error) {
	logger := sys.Logger()

	eng := &Engine{
		sys:      sys,
		registry: job.NewRegistry(),
		recorder: metrics.NewRecorder(),
		logger:   logger,
		hbStop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(eng)
	}

	raw := sys.Store()
	if raw == nil {
		logger.Warn("no store configured, queueing disabled")
		return eng, nil
	}
	st, ok := raw.(store.Store)
	if !ok {
		return nil, fmt.Errorf("conveyor: store %T does not implement store.Store", raw)
	}
	eng.st = st

	eng.qm = queue.NewManager(eng.queueConfigs...)

	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/stackmesh/conveyor"))
	}
	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/stackmesh/conveyor"))
	}

	// Default stack: recover → tracing → metrics → logging → timeout.
	allMws := append([]mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(),
	}, eng.mws...)

	cfg := sys.Config()
	executor := worker.NewExecutor(eng.registry, st, eng.qm, eng.recorder, logger, allMws...)
	eng.pool = worker.NewPool(st, executor, logger,
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithPoolQueues(cfg.Queues),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
		worker.WithStallThreshold(cfg.StallThreshold),
		worker.WithQueueManager(eng.qm),
		worker.WithRecorder(eng.recorder),
	)

	enqueueFunc := func(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (id.JobID, error) {
		j, err := eng.EnqueueRaw(ctx, jobType, payload, opts...)
		if err != nil || j == nil {
			return id.JobID{}, err
		}
		return j.ID, nil
	}
	eng.sched = cron.NewScheduler(st, st, enqueueFunc, eng.pool.WorkerID(), logger)

	eng.workerRecord = cluster.NewWorker(cfg.Queues, cfg.Concurrency)
	eng.workerRecord.ID = eng.pool.WorkerID()

	sys.SetPool(eng.pool)
	sys.SetScheduler(eng.sched)
	return eng, nil
}

// Register registers a typed job definition.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// RegisterFunc registers a raw payload handler under a type name.
func (eng *Engine) RegisterFunc(jobType string, h job.HandlerFunc) {
	eng.registry.RegisterFunc(jobType, h)
}

// Enqueue marshals a typed payload and enqueues a job for it.
func Enqueue[T any](ctx context.Context, eng *Engine, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", jobType, err)
	}
	return eng.EnqueueRaw(ctx, jobType, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload.
//
// Per-queue default job options apply first, then the caller's options.
// Without a store the call degrades to a logged no-op returning
// (nil, nil) so callers in optional-queue deployments need no guard.
func (eng *Engine) EnqueueRaw(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if eng.st == nil {
		eng.unavailableOnce.Do(func() {
			eng.logger.Warn("enqueue skipped, no store configured", slog.String("job_type", jobType))
		})
		return nil, nil
	}

	// Resolve the target queue first so its defaults can be layered in.
	probe := job.DefaultOptions()
	for _, opt := range opts {
		opt(&probe)
	}

	o := job.DefaultOptions()
	o.Queue = probe.Queue
	if cfg, ok := eng.qm.Config(probe.Queue); ok {
		for _, qopt := range cfg.DefaultJobOptions {
			qopt(&o)
		}
	}
	for _, opt := range opts {
		opt(&o)
	}

	j := job.New(jobType, payload, o)
	stored, err := eng.st.EnqueueJob(ctx, j)
	if err != nil {
		return nil, err
	}
	if stored.ID == j.ID {
		eng.recorder.JobEnqueued(ctx, stored.Queue, stored.Type)
	} else {
		eng.logger.Debug("enqueue deduplicated",
			slog.String("job_type", jobType),
			slog.String("idempotency_key", o.IdempotencyKey),
			slog.String("existing_id", stored.ID.String()),
		)
	}
	return stored, nil
}

// Schedule registers a typed recurring schedule. Re-registering an
// existing name updates the schedule while keeping its firing history.
//
// The job type must already have a registered handler; otherwise every
// occurrence would be born orphaned, so registration fails up front
// with ErrNoHandler and no entry is persisted.
func Schedule[T any](ctx context.Context, eng *Engine, def *cron.Definition[T]) error {
	if eng.st == nil {
		return conveyor.ErrNoStore
	}
	if !eng.registry.Has(def.JobType) {
		return fmt.Errorf("schedule %q: %w: %s", def.Name, conveyor.ErrNoHandler, def.JobType)
	}

	payload, err := json.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("marshal schedule payload for %q: %w", def.Name, err)
	}

	entry := &cron.Entry{
		Entity:   conveyor.NewEntity(),
		ID:       id.NewScheduleID(),
		Name:     def.Name,
		JobType:  def.JobType,
		Queue:    def.Queue,
		Payload:  payload,
		Every:    def.Every,
		Pattern:  def.Pattern,
		Timezone: def.Timezone,
		Limit:    def.Limit,
		Enabled:  true,
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	next, err := entry.Next(time.Now().UTC())
	if err != nil {
		return err
	}
	entry.NextRunAt = &next

	if err := eng.st.RegisterSchedule(ctx, entry); err != nil {
		return fmt.Errorf("register schedule %q: %w", def.Name, err)
	}

	eng.logger.Info("schedule registered",
		slog.String("schedule", def.Name),
		slog.String("job_type", def.JobType),
		slog.Time("next_run_at", next),
	)
	return nil
}

// Unschedule removes a schedule by name.
func (eng *Engine) Unschedule(ctx context.Context, name string) error {
	if eng.st == nil {
		return conveyor.ErrNoStore
	}
	return eng.st.DeleteSchedule(ctx, name)
}

// ListScheduled returns all registered schedules.
func (eng *Engine) ListScheduled(ctx context.Context) ([]*cron.Entry, error) {
	if eng.st == nil {
		return nil, conveyor.ErrNoStore
	}
	return eng.st.ListSchedules(ctx)
}

// Health is a point-in-time system health report.
type Health struct {
	Connected bool     `json:"connected"`
	Queues    []string `json:"queues"`
	Workers   []string `json:"workers,omitempty"`
	JobTypes  []string `json:"job_types"`
	Error     string   `json:"error,omitempty"`
}

// Health reports store connectivity and the registered surface.
func (eng *Engine) Health(ctx context.Context) Health {
	h := Health{
		Queues:   eng.sys.Config().Queues,
		JobTypes: eng.registry.Types(),
	}
	if eng.st == nil {
		h.Error = conveyor.ErrNoStore.Error()
		return h
	}
	if err := eng.st.Ping(ctx); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Connected = true

	// Best effort; a connected store with an unreadable worker registry
	// still counts as healthy.
	if workers, err := eng.st.ListWorkers(ctx); err == nil {
		for _, w := range workers {
			h.Workers = append(h.Workers, w.ID.String())
		}
	}
	return h
}

// Start registers this worker in the cluster, starts the scheduler, and
// begins claiming jobs.
func (eng *Engine) Start(ctx context.Context) error {
	if eng.st == nil {
		return conveyor.ErrNoStore
	}

	if err := eng.st.RegisterWorker(ctx, eng.workerRecord); err != nil {
		eng.logger.Warn("worker registration failed", slog.String("error", err.Error()))
	}

	// Scheduler first so leadership can be acquired before claiming starts.
	if err := eng.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := eng.sys.Start(ctx); err != nil {
		return err
	}

	if hb := eng.sys.Config().HeartbeatInterval; hb > 0 {
		eng.hbWG.Add(1)
		go eng.workerHeartbeatLoop(hb)
	}
	return nil
}

// Stop deregisters the worker and shuts the system down. Idempotent.
func (eng *Engine) Stop(ctx context.Context) error {
	var retErr error
	eng.stopOnce.Do(func() {
		close(eng.hbStop)
		eng.hbWG.Wait()

		if eng.st != nil {
			if err := eng.st.DeregisterWorker(ctx, eng.workerRecord.ID); err != nil {
				eng.logger.Warn("worker deregistration failed", slog.String("error", err.Error()))
			}
		}
		retErr = eng.sys.Stop(ctx)
	})
	return retErr
}

func (eng *Engine) workerHeartbeatLoop(interval time.Duration) {
	defer eng.hbWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-eng.hbStop:
			return
		case <-ticker.C:
			if err := eng.st.HeartbeatWorker(context.Background(), eng.workerRecord.ID); err != nil {
				eng.logger.Warn("worker heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// System returns the underlying System.
func (eng *Engine) System() *conveyor.System { return eng.sys }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Recorder returns the metrics recorder.
func (eng *Engine) Recorder() *metrics.Recorder { return eng.recorder }

// Store returns the composite store, or nil when unconfigured.
func (eng *Engine) Store() store.Store { return eng.st }

// QueueManager returns the per-queue admission manager.
func (eng *Engine) QueueManager() *queue.Manager { return eng.qm }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.sched }

// WorkerID returns this process's worker identity.
func (eng *Engine) WorkerID() id.WorkerID {
	if eng.pool == nil {
		return id.WorkerID{}
	}
	return eng.pool.WorkerID()
}
