// Package store defines the aggregate persistence interface. Each
// subsystem (job, queue, cron, cluster) declares its own store contract;
// the composite Store composes them so a single backend satisfies every
// subsystem. Backends: memory, Redis, and Postgres.
package store

import (
	"context"

	"github.com/stackmesh/conveyor/cluster"
	"github.com/stackmesh/conveyor/cron"
	"github.com/stackmesh/conveyor/job"
	"github.com/stackmesh/conveyor/queue"
)

// Store is the aggregate persistence interface.
type Store interface {
	job.Store
	queue.Store
	cron.Store
	cluster.Store

	// Migrate creates or upgrades the backing schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
