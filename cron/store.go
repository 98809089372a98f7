package cron

import (
	"context"
	"time"
)

// Store is the persistence contract for schedule entries, keyed by the
// unique entry name.
type Store interface {
	// RegisterSchedule persists a new entry. Registering an existing
	// name replaces the entry but preserves its fired count and id, so
	// re-deploys can adjust a schedule without resetting its history.
	RegisterSchedule(ctx context.Context, entry *Entry) error

	// GetSchedule returns the entry with the given name, or
	// ErrScheduleNotFound.
	GetSchedule(ctx context.Context, name string) (*Entry, error)

	// ListSchedules returns all entries.
	ListSchedules(ctx context.Context) ([]*Entry, error)

	// UpdateSchedule persists the full entry, or ErrScheduleNotFound.
	UpdateSchedule(ctx context.Context, entry *Entry) error

	// DeleteSchedule removes the entry, or ErrScheduleNotFound.
	DeleteSchedule(ctx context.Context, name string) error

	// AcquireScheduleLock takes the per-entry firing lock for ttl.
	// Returns false when another worker holds it.
	AcquireScheduleLock(ctx context.Context, name, lockedBy string, ttl time.Duration) (bool, error)

	// ReleaseScheduleLock drops the lock if held by lockedBy.
	ReleaseScheduleLock(ctx context.Context, name, lockedBy string) error
}
