package redis

import (
	"context"
	"fmt"
	"sort"
)

// PauseQueue marks the queue paused so no worker claims from it.
func (s *Store) PauseQueue(ctx context.Context, name string) error {
	if err := s.client.SAdd(ctx, pausedKey, name).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: pause queue: %w", err)
	}
	return nil
}

// ResumeQueue clears the paused flag.
func (s *Store) ResumeQueue(ctx context.Context, name string) error {
	if err := s.client.SRem(ctx, pausedKey, name).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: resume queue: %w", err)
	}
	return nil
}

// IsQueuePaused reports whether the queue is paused.
func (s *Store) IsQueuePaused(ctx context.Context, name string) (bool, error) {
	paused, err := s.client.SIsMember(ctx, pausedKey, name).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: paused check: %w", err)
	}
	return paused, nil
}

// PausedQueues returns all paused queue names, sorted.
func (s *Store) PausedQueues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, pausedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: paused queues: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
