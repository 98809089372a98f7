package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cluster"
	"github.com/stackmesh/conveyor/id"
)

const workerColumns = `id, hostname, queues, concurrency, state, last_seen, created_at`

// RegisterWorker adds a worker to the cluster registry. Re-registering
// the same ID refreshes the record.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_workers (id, hostname, queues, concurrency, state, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			queues = EXCLUDED.queues,
			concurrency = EXCLUDED.concurrency,
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen`,
		w.ID.String(), w.Hostname, w.Queues, w.Concurrency,
		string(w.State), w.LastSeen, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker, surrendering leadership if held.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()
	if _, err := s.pool.Exec(ctx, `DELETE FROM conveyor_workers WHERE id = $1`, wID); err != nil {
		return fmt.Errorf("conveyor/postgres: deregister worker: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM conveyor_leader WHERE worker_id = $1`, wID); err != nil {
		return fmt.Errorf("conveyor/postgres: deregister leader cleanup: %w", err)
	}
	return nil
}

// HeartbeatWorker refreshes the worker's last-seen timestamp.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conveyor_workers SET last_seen = NOW() WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrWorkerNotFound
	}
	return nil
}

// GetWorker returns the worker record.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*cluster.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workerColumns+`
		FROM conveyor_workers
		WHERE id = $1`,
		workerID.String(),
	)
	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all registered workers, oldest first.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+`
		FROM conveyor_workers
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list workers: %w", err)
	}
	defer rows.Close()

	var workers []*cluster.Worker
	for rows.Next() {
		w, scanErr := scanWorker(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan worker row: %w", scanErr)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate worker rows: %w", err)
	}
	return workers, nil
}

// ReapDeadWorkers removes workers that stopped heartbeating and returns
// them marked dead.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM conveyor_workers
		WHERE last_seen < NOW() - $1::interval
		RETURNING `+workerColumns,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: reap dead workers: %w", err)
	}
	defer rows.Close()

	var dead []*cluster.Worker
	for rows.Next() {
		w, scanErr := scanWorker(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan reaped worker: %w", scanErr)
		}
		w.State = cluster.WorkerDead
		dead = append(dead, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate reaped workers: %w", err)
	}

	for _, w := range dead {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM conveyor_leader WHERE worker_id = $1`, w.ID.String(),
		); err != nil {
			return dead, fmt.Errorf("conveyor/postgres: reap leader cleanup: %w", err)
		}
	}
	return dead, nil
}

// AcquireLeadership takes the leader lease when free, expired, or
// already held by this worker.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_leader (singleton, worker_id, lease_until)
		VALUES (TRUE, $1, NOW() + $2::interval)
		ON CONFLICT (singleton) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			lease_until = EXCLUDED.lease_until
		WHERE conveyor_leader.worker_id = EXCLUDED.worker_id
		   OR conveyor_leader.lease_until < NOW()`,
		workerID.String(), ttl.String(),
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: acquire leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLeadership extends a held, unexpired lease.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_leader
		SET lease_until = NOW() + $2::interval
		WHERE worker_id = $1 AND lease_until > NOW()`,
		workerID.String(), ttl.String(),
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLeader returns the current leader, or nil without one. A leader
// that never registered as a worker gets a synthesized record.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	var (
		wID   string
		until time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT worker_id, lease_until FROM conveyor_leader WHERE lease_until > NOW()`,
	).Scan(&wID, &until)
	if err != nil {
		if isNoRows(err) {
			return nil, nil // no leader
		}
		return nil, fmt.Errorf("conveyor/postgres: get leader: %w", err)
	}

	leaderID, err := id.ParseWorkerID(wID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse leader id: %w", err)
	}

	w, err := s.GetWorker(ctx, leaderID)
	if err != nil {
		if !errors.Is(err, conveyor.ErrWorkerNotFound) {
			return nil, err
		}
		w = &cluster.Worker{
			ID:       leaderID,
			State:    cluster.WorkerActive,
			LastSeen: time.Now().UTC(),
		}
	}
	w.IsLeader = true
	w.LeaderUntil = &until
	return w, nil
}

// ── helpers ──

func scanWorker(row pgx.Row) (*cluster.Worker, error) {
	var (
		w     cluster.Worker
		idStr string
		state string
	)
	err := row.Scan(&idStr, &w.Hostname, &w.Queues, &w.Concurrency, &state, &w.LastSeen, &w.CreatedAt)
	if err != nil {
		return nil, err
	}

	w.State = cluster.WorkerState(state)

	parsedID, parseErr := id.ParseWorkerID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse worker id %q: %w", idStr, parseErr)
	}
	w.ID = parsedID
	return &w, nil
}
