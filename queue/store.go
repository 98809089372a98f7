package queue

import "context"

// Store is the persistence contract for queue-level state. The paused
// flag is shared: pausing a queue stops claiming by every worker process
// attached to the same store.
type Store interface {
	// PauseQueue marks the queue paused. Active jobs keep running;
	// waiting jobs stop being claimed until ResumeQueue.
	PauseQueue(ctx context.Context, name string) error

	// ResumeQueue clears the paused flag.
	ResumeQueue(ctx context.Context, name string) error

	// IsQueuePaused reports whether the queue is paused.
	IsQueuePaused(ctx context.Context, name string) (bool, error)

	// PausedQueues returns the names of all currently paused queues.
	PausedQueues(ctx context.Context) ([]string, error)
}
