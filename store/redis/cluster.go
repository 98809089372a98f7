package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cluster"
	"github.com/stackmesh/conveyor/id"
)

// RegisterWorker adds a worker to the cluster registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	wID := w.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workerKey(wID), workerToMap(w))
	pipe.SAdd(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker, surrendering leadership if held.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, workerKey(wID))
	pipe.SRem(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: deregister worker: %w", err)
	}

	current, err := s.client.Get(ctx, leaderKey).Result()
	if err == nil && current == wID {
		_ = s.client.Del(ctx, leaderKey).Err()
	}
	return nil
}

// HeartbeatWorker refreshes the worker's last-seen timestamp.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	key := workerKey(workerID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrWorkerNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat worker: %w", err)
	}
	return nil
}

// GetWorker returns the worker record.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*cluster.Worker, error) {
	vals, err := s.client.HGetAll(ctx, workerKey(workerID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get worker: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrWorkerNotFound
	}
	return mapToWorker(vals)
}

// ListWorkers returns all registered workers, oldest first.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(ids))
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, workerKey(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		w, convErr := mapToWorker(vals)
		if convErr != nil {
			continue
		}
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, k int) bool { return workers[i].CreatedAt.Before(workers[k].CreatedAt) })
	return workers, nil
}

// ReapDeadWorkers removes workers that stopped heartbeating and returns
// them marked dead.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: reap smembers: %w", err)
	}

	var dead []*cluster.Worker
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, workerKey(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		w, convErr := mapToWorker(vals)
		if convErr != nil {
			continue
		}
		if w.LastSeen.After(cutoff) {
			continue
		}
		w.State = cluster.WorkerDead

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, workerKey(wID))
		pipe.SRem(ctx, workerIDsKey, wID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return dead, fmt.Errorf("conveyor/redis: reap worker: %w", pErr)
		}

		current, lErr := s.client.Get(ctx, leaderKey).Result()
		if lErr == nil && current == wID {
			_ = s.client.Del(ctx, leaderKey).Err()
		}
		dead = append(dead, w)
	}
	return dead, nil
}

// AcquireLeadership takes the leader lease with SET NX. The holder
// re-acquiring extends its TTL.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()

	ok, err := s.client.SetNX(ctx, leaderKey, wID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: acquire leadership setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil // lease expired between SETNX and GET
		}
		return false, fmt.Errorf("conveyor/redis: acquire leadership get: %w", err)
	}
	if current == wID {
		if eErr := s.client.Expire(ctx, leaderKey, ttl).Err(); eErr != nil {
			s.logger.Warn("failed to extend leader lease", "error", eErr)
		}
		return true, nil
	}
	return false, nil
}

// RenewLeadership extends a held lease.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	current, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil // no leader
		}
		return false, fmt.Errorf("conveyor/redis: renew leadership get: %w", err)
	}
	if current != workerID.String() {
		return false, nil
	}

	if err := s.client.Expire(ctx, leaderKey, ttl).Err(); err != nil {
		return false, fmt.Errorf("conveyor/redis: renew leadership expire: %w", err)
	}
	return true, nil
}

// GetLeader returns the current leader, or nil without one. A leader
// that never registered as a worker gets a synthesized record.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	wID, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil // no leader
		}
		return nil, fmt.Errorf("conveyor/redis: get leader: %w", err)
	}

	var until *time.Time
	if ttl, tErr := s.client.PTTL(ctx, leaderKey).Result(); tErr == nil && ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		until = &t
	}

	vals, err := s.client.HGetAll(ctx, workerKey(wID)).Result()
	if err == nil && len(vals) > 0 {
		w, convErr := mapToWorker(vals)
		if convErr != nil {
			return nil, convErr
		}
		w.IsLeader = true
		w.LeaderUntil = until
		return w, nil
	}

	leaderID, err := id.ParseWorkerID(wID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse leader id: %w", err)
	}
	return &cluster.Worker{
		ID:          leaderID,
		State:       cluster.WorkerActive,
		IsLeader:    true,
		LeaderUntil: until,
		LastSeen:    time.Now().UTC(),
	}, nil
}

// ── helpers ──

func workerToMap(w *cluster.Worker) map[string]interface{} {
	m := map[string]interface{}{
		"id":          w.ID.String(),
		"hostname":    w.Hostname,
		"queues":      marshalStrings(w.Queues),
		"concurrency": strconv.Itoa(w.Concurrency),
		"state":       string(w.State),
		"is_leader":   boolToStr(w.IsLeader),
		"last_seen":   w.LastSeen.Format(time.RFC3339Nano),
		"created_at":  w.CreatedAt.Format(time.RFC3339Nano),
	}
	if w.LeaderUntil != nil {
		m["leader_until"] = w.LeaderUntil.Format(time.RFC3339Nano)
	}
	return m
}

func mapToWorker(m map[string]string) (*cluster.Worker, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse worker id: %w", err)
	}

	concurrency, _ := strconv.Atoi(m["concurrency"])              //nolint:errcheck // best-effort parse from trusted Redis data
	lastSeen, _ := time.Parse(time.RFC3339Nano, m["last_seen"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	w := &cluster.Worker{
		ID:          wID,
		Hostname:    m["hostname"],
		Queues:      unmarshalStrings(m["queues"]),
		Concurrency: concurrency,
		State:       cluster.WorkerState(m["state"]),
		IsLeader:    m["is_leader"] == "1",
		LastSeen:    lastSeen,
		CreatedAt:   createdAt,
	}
	if v := m["leader_until"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		w.LeaderUntil = &t
	}
	return w, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func marshalStrings(v []string) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal cannot fail for []string
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
