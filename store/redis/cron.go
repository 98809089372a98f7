package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cron"
)

// RegisterSchedule persists an entry as a JSON value, preserving
// identity and fired count when the name already exists.
func (s *Store) RegisterSchedule(ctx context.Context, entry *cron.Entry) error {
	cp := *entry
	existing, err := s.getSchedule(ctx, entry.Name)
	if err != nil && !errors.Is(err, conveyor.ErrScheduleNotFound) {
		return err
	}
	if existing != nil {
		cp.ID = existing.ID
		cp.FiredCount = existing.FiredCount
		cp.LastRunAt = existing.LastRunAt
		cp.CreatedAt = existing.CreatedAt
	}
	cp.UpdatedAt = time.Now().UTC()

	if err := s.setSchedule(ctx, &cp); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, schedNamesKey, cp.Name).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: register schedule index: %w", err)
	}
	return nil
}

// GetSchedule returns the entry with the given name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*cron.Entry, error) {
	return s.getSchedule(ctx, name)
}

// ListSchedules returns all entries sorted by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*cron.Entry, error) {
	names, err := s.client.SMembers(ctx, schedNamesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list schedules: %w", err)
	}

	out := make([]*cron.Entry, 0, len(names))
	for _, name := range names {
		entry, getErr := s.getSchedule(ctx, name)
		if getErr != nil {
			continue // removed between SMEMBERS and GET
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

// UpdateSchedule persists the full entry.
func (s *Store) UpdateSchedule(ctx context.Context, entry *cron.Entry) error {
	if _, err := s.getSchedule(ctx, entry.Name); err != nil {
		return err
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	return s.setSchedule(ctx, &cp)
}

// DeleteSchedule removes the entry and its lock.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	if _, err := s.getSchedule(ctx, name); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, schedKey(name))
	pipe.Del(ctx, schedLockKey(name))
	pipe.SRem(ctx, schedNamesKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete schedule: %w", err)
	}
	return nil
}

// AcquireScheduleLock takes the per-entry firing lock with SET NX.
// A holder re-acquiring extends its TTL.
func (s *Store) AcquireScheduleLock(ctx context.Context, name, lockedBy string, ttl time.Duration) (bool, error) {
	if _, err := s.getSchedule(ctx, name); err != nil {
		return false, err
	}

	ok, err := s.client.SetNX(ctx, schedLockKey(name), lockedBy, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: schedule lock setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := s.client.Get(ctx, schedLockKey(name)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil // lock expired between SETNX and GET
		}
		return false, fmt.Errorf("conveyor/redis: schedule lock get: %w", err)
	}
	if current == lockedBy {
		if eErr := s.client.Expire(ctx, schedLockKey(name), ttl).Err(); eErr != nil {
			s.logger.Warn("failed to extend schedule lock", "name", name, "error", eErr)
		}
		return true, nil
	}
	return false, nil
}

// ReleaseScheduleLock drops the lock if held by lockedBy.
func (s *Store) ReleaseScheduleLock(ctx context.Context, name, lockedBy string) error {
	if _, err := s.getSchedule(ctx, name); err != nil {
		return err
	}

	current, err := s.client.Get(ctx, schedLockKey(name)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return fmt.Errorf("conveyor/redis: schedule unlock get: %w", err)
	}
	if current == lockedBy {
		if dErr := s.client.Del(ctx, schedLockKey(name)).Err(); dErr != nil {
			return fmt.Errorf("conveyor/redis: schedule unlock del: %w", dErr)
		}
	}
	return nil
}

// ── helpers ──

func (s *Store) getSchedule(ctx context.Context, name string) (*cron.Entry, error) {
	raw, err := s.client.Get(ctx, schedKey(name)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("conveyor/redis: get schedule: %w", err)
	}

	var entry cron.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("conveyor/redis: decode schedule %q: %w", name, err)
	}
	return &entry, nil
}

func (s *Store) setSchedule(ctx context.Context, entry *cron.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("conveyor/redis: encode schedule %q: %w", entry.Name, err)
	}
	if err := s.client.Set(ctx, schedKey(entry.Name), raw, 0).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: set schedule: %w", err)
	}
	return nil
}
