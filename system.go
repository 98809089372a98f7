package conveyor

import (
	"context"
	"log/slog"
	"sync"
)

// Option configures a System.
type Option func(*System) error

// Storer is the minimal store interface held by the System. It covers
// lifecycle operations only. The full composite interface (store.Store)
// is used in subsystem layers that don't create import cycles;
// implementations satisfy store.Store, which embeds all subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// schedulerRunner is an internal interface for the cron scheduler lifecycle.
type schedulerRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// System is the explicitly constructed queue system: it owns the store
// handle, the configuration, and references to the worker pool and cron
// scheduler. There are no package-level singletons — construct one with
// New and pass it to the components that need it.
//
// A System with no store is valid: it reports Available() == false and
// producers built on it degrade to no-ops instead of failing.
type System struct {
	config    Config
	logger    *slog.Logger
	store     Storer
	pool      poolRunner
	scheduler schedulerRunner

	started  bool
	stopOnce sync.Once
}

// New creates a System with the given options.
func New(opts ...Option) (*System, error) {
	s := &System{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Logger returns the system's logger.
func (s *System) Logger() *slog.Logger { return s.logger }

// Store returns the system's store, or nil when unconfigured.
func (s *System) Store() Storer { return s.store }

// Config returns a copy of the system's configuration.
func (s *System) Config() Config { return s.config }

// Available reports whether a store is configured. Producers check this
// to decide between enqueueing and degrading to a logged no-op.
func (s *System) Available() bool { return s.store != nil }

// SetPool sets the worker pool (called by the engine package).
func (s *System) SetPool(p poolRunner) { s.pool = p }

// SetScheduler sets the cron scheduler (called by the engine package).
func (s *System) SetScheduler(r schedulerRunner) { s.scheduler = r }

// Start begins job processing.
func (s *System) Start(ctx context.Context) error {
	if s.pool == nil {
		return ErrNoStore
	}
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop shuts the system down in dependency order: workers first (so no
// new jobs start), then the scheduler, then the store connection. It is
// idempotent and safe to call from a signal handler.
func (s *System) Stop(ctx context.Context) error {
	var retErr error
	s.stopOnce.Do(func() {
		if s.pool != nil && s.started {
			if err := s.pool.Stop(ctx); err != nil {
				s.logger.Error("worker pool stop error", slog.String("error", err.Error()))
			}
		}
		if s.scheduler != nil {
			if err := s.scheduler.Stop(ctx); err != nil {
				s.logger.Error("scheduler stop error", slog.String("error", err.Error()))
			}
		}
		if s.store != nil {
			retErr = s.store.Close()
		}
	})
	return retErr
}

// WithConcurrency sets the maximum number of concurrent job executions.
func WithConcurrency(n int) Option {
	return func(s *System) error {
		s.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues this process will claim jobs from.
func WithQueues(queues []string) Option {
	return func(s *System) error {
		s.config.Queues = queues
		return nil
	}
}

// WithConfig replaces the entire configuration.
func WithConfig(cfg Config) Option {
	return func(s *System) error {
		s.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the system.
func WithLogger(l *slog.Logger) Option {
	return func(s *System) error {
		s.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; typically it is a store.Store embedding all subsystem
// store interfaces.
func WithStore(st Storer) Option {
	return func(s *System) error {
		s.store = st
		return nil
	}
}
