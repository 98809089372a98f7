package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cron"
	"github.com/stackmesh/conveyor/id"
)

const scheduleColumns = `
	name, id, job_type, queue, payload, every, pattern, timezone,
	occurrence_limit, fired_count, last_run_at, next_run_at,
	locked_by, locked_until, enabled, created_at, updated_at`

// RegisterSchedule persists an entry. Re-registering an existing name
// updates the schedule definition while preserving identity, fired
// count, and run history.
func (s *Store) RegisterSchedule(ctx context.Context, entry *cron.Entry) error {
	now := time.Now().UTC()
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_schedules (
			name, id, job_type, queue, payload, every, pattern, timezone,
			occurrence_limit, fired_count, last_run_at, next_run_at,
			locked_by, locked_until, enabled, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)
		ON CONFLICT (name) DO UPDATE SET
			job_type = EXCLUDED.job_type,
			queue = EXCLUDED.queue,
			payload = EXCLUDED.payload,
			every = EXCLUDED.every,
			pattern = EXCLUDED.pattern,
			timezone = EXCLUDED.timezone,
			occurrence_limit = EXCLUDED.occurrence_limit,
			next_run_at = EXCLUDED.next_run_at,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		entry.Name, entry.ID.String(), entry.JobType, entry.Queue, entry.Payload,
		entry.Every.Nanoseconds(), entry.Pattern, entry.Timezone,
		entry.Limit, entry.FiredCount, entry.LastRunAt, entry.NextRunAt,
		entry.LockedBy, entry.LockedUntil, entry.Enabled, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: register schedule: %w", err)
	}
	return nil
}

// GetSchedule returns the entry with the given name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*cron.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+scheduleColumns+`
		FROM conveyor_schedules
		WHERE name = $1`,
		name,
	)
	entry, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get schedule: %w", err)
	}
	return entry, nil
}

// ListSchedules returns all entries sorted by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*cron.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+scheduleColumns+`
		FROM conveyor_schedules
		ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var entries []*cron.Entry
	for rows.Next() {
		entry, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan schedule row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate schedule rows: %w", err)
	}
	return entries, nil
}

// UpdateSchedule persists the full entry.
func (s *Store) UpdateSchedule(ctx context.Context, entry *cron.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_schedules SET
			job_type = $2, queue = $3, payload = $4, every = $5,
			pattern = $6, timezone = $7, occurrence_limit = $8,
			fired_count = $9, last_run_at = $10, next_run_at = $11,
			locked_by = $12, locked_until = $13, enabled = $14,
			updated_at = NOW()
		WHERE name = $1`,
		entry.Name, entry.JobType, entry.Queue, entry.Payload, entry.Every.Nanoseconds(),
		entry.Pattern, entry.Timezone, entry.Limit,
		entry.FiredCount, entry.LastRunAt, entry.NextRunAt,
		entry.LockedBy, entry.LockedUntil, entry.Enabled,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes the entry.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conveyor_schedules WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

// AcquireScheduleLock takes the per-entry firing lock. A holder
// re-acquiring extends its deadline.
func (s *Store) AcquireScheduleLock(ctx context.Context, name, lockedBy string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_schedules
		SET locked_by = $2, locked_until = NOW() + $3::interval
		WHERE name = $1
		  AND (locked_by = '' OR locked_by = $2
			   OR locked_until IS NULL OR locked_until < NOW())`,
		name, lockedBy, ttl.String(),
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: acquire schedule lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish contention from a missing entry.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_schedules WHERE name = $1)`,
		name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: schedule lock exists: %w", err)
	}
	if !exists {
		return false, conveyor.ErrScheduleNotFound
	}
	return false, nil
}

// ReleaseScheduleLock drops the lock if held by lockedBy.
func (s *Store) ReleaseScheduleLock(ctx context.Context, name, lockedBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_schedules
		SET locked_by = '', locked_until = NULL
		WHERE name = $1 AND locked_by = $2`,
		name, lockedBy,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: release schedule lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_schedules WHERE name = $1)`,
		name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: schedule unlock exists: %w", err)
	}
	if !exists {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

// ── helpers ──

func scanSchedule(row pgx.Row) (*cron.Entry, error) {
	var (
		entry   cron.Entry
		idStr   string
		everyNs int64
	)
	err := row.Scan(
		&entry.Name, &idStr, &entry.JobType, &entry.Queue, &entry.Payload,
		&everyNs, &entry.Pattern, &entry.Timezone,
		&entry.Limit, &entry.FiredCount, &entry.LastRunAt, &entry.NextRunAt,
		&entry.LockedBy, &entry.LockedUntil, &entry.Enabled,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Every = time.Duration(everyNs)

	parsedID, parseErr := id.ParseScheduleID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse schedule id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID
	return &entry, nil
}
