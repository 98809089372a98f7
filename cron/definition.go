package cron

import "time"

// Definition is a typed schedule declaration. T is the payload type.
type Definition[T any] struct {
	// Name uniquely identifies the schedule.
	Name string

	// JobType is the handler type enqueued on each occurrence.
	JobType string

	// Payload is enqueued with every occurrence.
	Payload T

	// Every fires on a fixed interval. Mutually exclusive with Pattern.
	Every time.Duration

	// Pattern is a cron expression, evaluated in Timezone.
	Pattern  string
	Timezone string

	// Queue overrides the job's default queue (optional).
	Queue string

	// Limit caps occurrences; zero means unlimited.
	Limit int
}
