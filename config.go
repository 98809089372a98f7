package conveyor

import "time"

// Config holds configuration for a System. The env tags allow loading the
// whole struct from the environment with caarlos0/env in a daemon binary;
// library users typically set fields through functional options instead.
type Config struct {
	// StoreURL is the connection string for the backing store, e.g.
	// "redis://localhost:6379/0" or "postgres://…". Empty means the queue
	// system is unavailable and producers degrade to no-ops.
	StoreURL string `env:"CONVEYOR_STORE_URL"`

	// Concurrency is the maximum number of jobs processed concurrently
	// per worker process.
	Concurrency int `env:"CONVEYOR_CONCURRENCY" envDefault:"10"`

	// Queues is the list of queues this process will claim jobs from.
	Queues []string `env:"CONVEYOR_QUEUES" envSeparator:"," envDefault:"default"`

	// PollInterval is how often idle workers poll for new jobs.
	PollInterval time.Duration `env:"CONVEYOR_POLL_INTERVAL" envDefault:"1s"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before active jobs are cancelled.
	ShutdownTimeout time.Duration `env:"CONVEYOR_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// HeartbeatInterval is how often active jobs send heartbeats.
	HeartbeatInterval time.Duration `env:"CONVEYOR_HEARTBEAT_INTERVAL" envDefault:"10s"`

	// StallThreshold is the visibility timeout: an active job without a
	// heartbeat for this long is assumed abandoned and requeued.
	StallThreshold time.Duration `env:"CONVEYOR_STALL_THRESHOLD" envDefault:"30s"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queues:            []string{"default"},
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StallThreshold:    30 * time.Second,
	}
}
