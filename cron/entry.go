// Package cron schedules recurring jobs. Entries fire on a fixed
// interval or a cron pattern; a tick loop on the cluster leader enqueues
// one job per due entry, guarded by a per-entry lock so an occurrence
// fires exactly once across the cluster.
package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/id"
)

// cronParser accepts standard 5-field expressions and descriptors like
// "@every 30s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Entry is one recurring schedule, identified by its unique Name.
// Exactly one of Every or Pattern must be set.
type Entry struct {
	conveyor.Entity

	ID   id.ScheduleID `json:"id"`
	Name string        `json:"name"`

	// JobType is the handler type enqueued on each occurrence.
	JobType string `json:"job_type"`
	Queue   string `json:"queue,omitempty"`
	Payload []byte `json:"payload,omitempty"`

	// Every fires on a fixed interval.
	Every time.Duration `json:"every,omitempty"`

	// Pattern is a cron expression, evaluated in Timezone (UTC when
	// empty). Ignored when Every is set.
	Pattern  string `json:"pattern,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Limit caps the number of occurrences. Zero means unlimited; the
	// entry is disabled once FiredCount reaches Limit.
	Limit      int `json:"limit,omitempty"`
	FiredCount int `json:"fired_count"`

	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Enabled     bool       `json:"enabled"`
}

// Validate checks that the entry describes a usable schedule.
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("cron: entry name is required")
	}
	if e.JobType == "" {
		return fmt.Errorf("cron: entry %q needs a job type", e.Name)
	}
	if e.Every <= 0 && e.Pattern == "" {
		return fmt.Errorf("cron: entry %q needs an interval or a pattern", e.Name)
	}
	if e.Every > 0 && e.Pattern != "" {
		return fmt.Errorf("cron: entry %q sets both an interval and a pattern", e.Name)
	}
	if e.Pattern != "" {
		if _, err := ParseSchedule(e.Pattern); err != nil {
			return fmt.Errorf("cron: entry %q pattern: %w", e.Name, err)
		}
		if e.Timezone != "" {
			if _, err := time.LoadLocation(e.Timezone); err != nil {
				return fmt.Errorf("cron: entry %q timezone: %w", e.Name, err)
			}
		}
	}
	return nil
}

// Next computes the occurrence after now.
func (e *Entry) Next(now time.Time) (time.Time, error) {
	if e.Every > 0 {
		return now.Add(e.Every), nil
	}
	sched, err := ParseSchedule(e.Pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: entry %q pattern: %w", e.Name, err)
	}
	loc := time.UTC
	if e.Timezone != "" {
		loc, err = time.LoadLocation(e.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron: entry %q timezone: %w", e.Name, err)
		}
	}
	return sched.Next(now.In(loc)), nil
}

// Exhausted reports whether the occurrence limit has been reached.
func (e *Entry) Exhausted() bool {
	return e.Limit > 0 && e.FiredCount >= e.Limit
}
