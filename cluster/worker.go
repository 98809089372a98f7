// Package cluster tracks worker processes attached to a shared store and
// elects the leader responsible for cron firing and stalled-job recovery.
package cluster

import (
	"os"
	"time"

	"github.com/stackmesh/conveyor/id"
)

// WorkerState is the lifecycle state of a worker process.
type WorkerState string

const (
	// WorkerActive means the worker is healthy and claiming jobs.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the worker is finishing in-flight jobs but no
	// longer claiming new ones (graceful shutdown).
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the worker stopped heartbeating; its in-flight
	// jobs are eligible for reaping.
	WorkerDead WorkerState = "dead"
)

// Worker is one registered worker process.
type Worker struct {
	ID          id.WorkerID `json:"id"`
	Hostname    string      `json:"hostname"`
	Queues      []string    `json:"queues"`
	Concurrency int         `json:"concurrency"`
	State       WorkerState `json:"state"`
	IsLeader    bool        `json:"is_leader"`
	LeaderUntil *time.Time  `json:"leader_until,omitempty"`
	LastSeen    time.Time   `json:"last_seen"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NewWorker builds a registration record for the current process.
func NewWorker(queues []string, concurrency int) *Worker {
	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	return &Worker{
		ID:          id.NewWorkerID(),
		Hostname:    hostname,
		Queues:      queues,
		Concurrency: concurrency,
		State:       WorkerActive,
		LastSeen:    now,
		CreatedAt:   now,
	}
}
