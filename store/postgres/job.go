package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
)

const jobColumns = `
	id, queue, type, payload, status, priority,
	attempts_made, max_attempts, backoff_base, backoff_cap,
	timeout, progress, failed_reason, idempotency_key, worker_id,
	run_at, processed_at, finished_at, heartbeat_at, created_at, updated_at`

// EnqueueJob persists a new job. A matching non-terminal idempotent job
// in the same queue wins over the new one; the partial unique index
// backstops concurrent enqueues.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	if j.IdempotencyKey != "" {
		existing, err := s.findLiveIdempotent(ctx, j.Queue, j.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	err := s.insertJob(ctx, j)
	if err != nil {
		if isDuplicateKey(err) && j.IdempotencyKey != "" {
			// Lost a concurrent race; the winner deduplicates us.
			existing, findErr := s.findLiveIdempotent(ctx, j.Queue, j.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		if isDuplicateKey(err) {
			return nil, conveyor.ErrJobAlreadyExists
		}
		return nil, fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}

	cp := *j
	return &cp, nil
}

func (s *Store) insertJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (
			id, queue, type, payload, status, priority,
			attempts_made, max_attempts, backoff_base, backoff_cap,
			timeout, progress, failed_reason, idempotency_key, worker_id,
			run_at, processed_at, finished_at, heartbeat_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, NULLIF($14, ''), $15,
			$16, $17, $18, $19, $20, $21
		)`,
		j.ID.String(), j.Queue, j.Type, j.Payload, string(j.Status), j.Priority,
		j.AttemptsMade, j.MaxAttempts, j.Backoff.Base.Nanoseconds(), j.Backoff.Cap.Nanoseconds(),
		j.Timeout.Nanoseconds(), j.Progress, j.FailedReason, j.IdempotencyKey, j.WorkerID.String(),
		j.RunAt, j.ProcessedAt, j.FinishedAt, j.HeartbeatAt, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (s *Store) findLiveIdempotent(ctx context.Context, queueName, key string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+jobColumns+`
		FROM conveyor_jobs
		WHERE queue = $1
		  AND idempotency_key = $2
		  AND status NOT IN ('completed', 'failed')
		LIMIT 1`,
		queueName, key,
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("conveyor/postgres: idempotency lookup: %w", err)
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+jobColumns+`
		FROM conveyor_jobs
		WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists the full job record.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs SET
			queue = $2, type = $3, payload = $4, status = $5, priority = $6,
			attempts_made = $7, max_attempts = $8, backoff_base = $9, backoff_cap = $10,
			timeout = $11, progress = $12, failed_reason = $13, worker_id = $14,
			run_at = $15, processed_at = $16, finished_at = $17, heartbeat_at = $18,
			updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Queue, j.Type, j.Payload, string(j.Status), j.Priority,
		j.AttemptsMade, j.MaxAttempts, j.Backoff.Base.Nanoseconds(), j.Backoff.Cap.Nanoseconds(),
		j.Timeout.Nanoseconds(), j.Progress, j.FailedReason, j.WorkerID.String(),
		j.RunAt, j.ProcessedAt, j.FinishedAt, j.HeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// UpdateJobProgress records advisory handler progress.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID id.JobID, percent int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conveyor_jobs SET progress = $2, updated_at = NOW() WHERE id = $1`,
		jobID.String(), percent,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conveyor_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// ClaimJobs atomically claims up to limit runnable jobs from non-paused
// queues. Delayed jobs whose run time has passed are claimed in the same
// statement, which is their promotion. Uses FOR UPDATE SKIP LOCKED for
// concurrent-safe claims.
func (s *Store) ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE conveyor_jobs
			SET status = 'active', worker_id = $2, heartbeat_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM conveyor_jobs
				WHERE status IN ('waiting', 'delayed')
				  AND queue = ANY($1)
				  AND run_at <= NOW()
				  AND queue NOT IN (SELECT name FROM conveyor_paused_queues)
				ORDER BY priority DESC, run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $3
			)
			RETURNING`+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority DESC, run_at ASC`,
		queues, workerID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// HeartbeatJob refreshes the liveness timestamp of an active job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conveyor_jobs SET heartbeat_at = $2, updated_at = NOW() WHERE id = $1`,
		jobID.String(), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// ReapStalledJobs resets active jobs with expired heartbeats to waiting
// and returns them.
func (s *Store) ReapStalledJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE conveyor_jobs
		SET status = 'waiting', run_at = NOW(), worker_id = '',
			heartbeat_at = NULL, processed_at = NULL, updated_at = NOW()
		WHERE status = 'active'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < NOW() - $1::interval
		RETURNING`+jobColumns,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: reap stalled jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobs returns jobs filtered by queue and status, newest first.
func (s *Store) ListJobs(ctx context.Context, queueName string, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	query := `
		SELECT` + jobColumns + `
		FROM conveyor_jobs
		WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if queueName != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, queueName)
		argIdx++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the filter.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conveyor_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}
	return count, nil
}

// RetryFailedJobs resets all failed jobs in the queue to waiting with a
// fresh attempt budget.
func (s *Store) RetryFailedJobs(ctx context.Context, queueName string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET status = 'waiting', attempts_made = 0, progress = 0, failed_reason = '',
			run_at = NOW(), worker_id = '', processed_at = NULL, finished_at = NULL,
			heartbeat_at = NULL, updated_at = NOW()
		WHERE status = 'failed'
		  AND ($1 = '' OR queue = $1)`,
		queueName,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: retry failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanJobs removes terminal jobs finished before olderThan.
func (s *Store) CleanJobs(ctx context.Context, queueName string, status job.Status, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_jobs
		WHERE status IN ('completed', 'failed')
		  AND ($1 = '' OR status = $1)
		  AND ($2 = '' OR queue = $2)
		  AND finished_at IS NOT NULL
		  AND finished_at < $3`,
		string(status), queueName, olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: clean jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TrimJobs enforces count and age retention limits for one terminal status.
func (s *Store) TrimJobs(ctx context.Context, queueName string, status job.Status, keep int, maxAge time.Duration) (int64, error) {
	var n int64

	if keep > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM conveyor_jobs
			WHERE id IN (
				SELECT id FROM conveyor_jobs
				WHERE queue = $1 AND status = $2
				ORDER BY finished_at DESC NULLS LAST
				OFFSET $3
			)`,
			queueName, string(status), keep,
		)
		if err != nil {
			return n, fmt.Errorf("conveyor/postgres: trim jobs by count: %w", err)
		}
		n += tag.RowsAffected()
	}

	if maxAge > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM conveyor_jobs
			WHERE queue = $1 AND status = $2
			  AND finished_at IS NOT NULL
			  AND finished_at < NOW() - $3::interval`,
			queueName, string(status), maxAge.String(),
		)
		if err != nil {
			return n, fmt.Errorf("conveyor/postgres: trim jobs by age: %w", err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

// ── helpers ──

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		statusStr string
		idemKey   *string
		workerStr string
		baseNs    int64
		capNs     int64
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.Queue, &j.Type, &j.Payload, &statusStr, &j.Priority,
		&j.AttemptsMade, &j.MaxAttempts, &baseNs, &capNs,
		&timeoutNs, &j.Progress, &j.FailedReason, &idemKey, &workerStr,
		&j.RunAt, &j.ProcessedAt, &j.FinishedAt, &j.HeartbeatAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(statusStr)
	j.Backoff = job.Backoff{Base: time.Duration(baseNs), Cap: time.Duration(capNs)}
	j.Timeout = time.Duration(timeoutNs)
	if idemKey != nil {
		j.IdempotencyKey = *idemKey
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(workerStr); workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
