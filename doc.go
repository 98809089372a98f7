// Package conveyor provides a background job-queue orchestration engine
// for Go. Application code enqueues units of asynchronous work into named
// queues; worker pools execute registered handlers with bounded retries,
// exponential backoff, and at-least-once delivery; a cron scheduler fires
// recurring jobs exactly once across all processes.
//
// Conveyor is designed as a library, not a service. Import it, configure a
// store (Redis, Postgres, or in-memory), and register job handlers as
// ordinary Go functions.
//
// # Quick Start
//
//	sys, err := conveyor.New(
//	    conveyor.WithStore(redisStore),
//	    conveyor.WithConcurrency(20),
//	)
//
// Persistence follows a composable store pattern: each subsystem (job,
// queue, cron, cluster) defines its own store interface and a single
// backend implements all of them. The store's atomic primitives are the
// sole cross-process synchronization mechanism; no in-process locks guard
// job state transitions.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
