package cluster

import (
	"context"
	"time"

	"github.com/stackmesh/conveyor/id"
)

// Store is the persistence contract for worker registration and leader
// election. Leadership is a TTL lease: the holder must renew before the
// lease expires or another worker may acquire it.
type Store interface {
	// RegisterWorker adds a worker to the registry.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker from the registry.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker refreshes the worker's last-seen timestamp.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// GetWorker returns the worker record, or ErrWorkerNotFound.
	GetWorker(ctx context.Context, workerID id.WorkerID) (*Worker, error)

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// ReapDeadWorkers removes workers whose last-seen timestamp is older
	// than threshold and returns the removed records.
	ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*Worker, error)

	// AcquireLeadership tries to take the leader lease for ttl.
	// Returns true when this worker is now the leader.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends an existing lease. Returns false when the
	// lease is held by another worker or already expired.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or nil when no lease is held.
	GetLeader(ctx context.Context) (*Worker, error)
}
