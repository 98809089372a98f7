package postgres

import (
	"context"
	"fmt"
)

// PauseQueue marks the queue paused so no worker claims from it.
func (s *Store) PauseQueue(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_paused_queues (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING`,
		name,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: pause queue: %w", err)
	}
	return nil
}

// ResumeQueue clears the paused flag.
func (s *Store) ResumeQueue(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conveyor_paused_queues WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: resume queue: %w", err)
	}
	return nil
}

// IsQueuePaused reports whether the queue is paused.
func (s *Store) IsQueuePaused(ctx context.Context, name string) (bool, error) {
	var paused bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_paused_queues WHERE name = $1)`,
		name,
	).Scan(&paused)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: paused check: %w", err)
	}
	return paused, nil
}

// PausedQueues returns all paused queue names, sorted.
func (s *Store) PausedQueues(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM conveyor_paused_queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: paused queues: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan paused queue: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate paused queues: %w", err)
	}
	return names, nil
}
