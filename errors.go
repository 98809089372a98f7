package conveyor

import "errors"

var (
	// Availability errors. ErrUnavailable means no store was ever
	// configured — callers should degrade, not crash.
	ErrUnavailable = errors.New("conveyor: queue system not configured")
	ErrNoStore     = errors.New("conveyor: no store configured")
	ErrStoreClosed = errors.New("conveyor: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("conveyor: job not found")
	ErrQueueNotFound    = errors.New("conveyor: queue not found")
	ErrScheduleNotFound = errors.New("conveyor: schedule entry not found")
	ErrWorkerNotFound   = errors.New("conveyor: worker not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("conveyor: job already exists")

	// Configuration errors.
	ErrNoHandler    = errors.New("conveyor: no handler registered")
	ErrInvalidState = errors.New("conveyor: invalid state transition")
)
