// Package queue defines per-queue configuration (concurrency, rate
// limits, default job options, retention) and the local admission
// manager that enforces the runtime limits.
package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stackmesh/conveyor/job"
)

// Retention bounds how many finished jobs a queue keeps per terminal
// status. Zero values disable the respective limit.
type Retention struct {
	// Count keeps at most this many jobs, newest first.
	Count int
	// MaxAge drops jobs finished longer ago than this.
	MaxAge time.Duration
}

// Config defines per-queue behavior. Queues exist implicitly (enqueueing
// to an unknown name creates it); a Config only overrides defaults.
type Config struct {
	// Name is the queue identifier jobs reference via job.Queue.
	Name string

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously in the local worker pool. Zero means no
	// queue-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second dequeued from
	// this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 when
	// RateLimit is set and RateBurst is zero.
	RateBurst int

	// DefaultJobOptions is merged into jobs enqueued to this queue
	// that do not set the corresponding option themselves.
	DefaultJobOptions []job.Option

	// CompletedRetention bounds retained completed jobs.
	CompletedRetention Retention

	// FailedRetention bounds retained failed jobs.
	FailedRetention Retention
}

type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager enforces per-queue rate limits and concurrency caps for the
// local worker pool. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed have no queue-specific limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues: make(map[string]*queueState, len(configs)),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Acquire reports whether a job from the queue may start now. On true
// the active counter is incremented and the caller must Release when
// the job finishes.
func (m *Manager) Acquire(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return true
	}
	if qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}
	qs.active++
	return true
}

// Release decrements the active job count for the queue.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// SetConfig updates (or creates) a queue configuration at runtime.
// The current active count carries over.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := newQueueState(cfg)
	if existing := m.queues[cfg.Name]; existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// Config returns the configuration for the queue, if one was registered.
func (m *Manager) Config(queue string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.config, true
	}
	return Config{}, false
}

// ActiveCount returns the number of locally running jobs for the queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
