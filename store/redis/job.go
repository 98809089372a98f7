package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
)

// claimBatch bounds a single per-queue pop when the caller sets no limit.
const claimBatch = 100

func idemField(queueName, key string) string {
	return queueName + "\x00" + key
}

// EnqueueJob stores the job as a Hash and indexes it in its queue's
// waiting or delayed Sorted Set. A matching non-terminal idempotent job
// in the same queue wins over the new one.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	jID := j.ID.String()
	key := jobKey(jID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return nil, conveyor.ErrJobAlreadyExists
	}

	if j.IdempotencyKey != "" {
		winner, err := s.reserveIdempotencyKey(ctx, j)
		if err != nil || winner != nil {
			return winner, err
		}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	s.indexJob(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/redis: enqueue job: %w", err)
	}

	cp := *j
	return &cp, nil
}

// reserveIdempotencyKey claims the (queue, key) slot for j via HSetNX so
// concurrent enqueues with the same key serialize on the index write.
// Returns the winning job when a live holder already has the slot, or
// (nil, nil) once j holds it. The job record is written before the
// reservation so a loser always finds the winner's record in place.
func (s *Store) reserveIdempotencyKey(ctx context.Context, j *job.Job) (*job.Job, error) {
	jID := j.ID.String()
	key := jobKey(jID)
	field := idemField(j.Queue, j.IdempotencyKey)

	if err := s.client.HSet(ctx, key, jobToMap(j)).Err(); err != nil {
		return nil, fmt.Errorf("conveyor/redis: enqueue job record: %w", err)
	}

	for {
		reserved, err := s.client.HSetNX(ctx, idemIndexKey, field, jID).Result()
		if err != nil {
			return nil, fmt.Errorf("conveyor/redis: enqueue idempotency reserve: %w", err)
		}
		if reserved {
			return nil, nil
		}

		existingID, err := s.client.HGet(ctx, idemIndexKey, field).Result()
		if errors.Is(err, goredis.Nil) {
			// Holder released between the reserve and the read.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("conveyor/redis: enqueue idempotency lookup: %w", err)
		}

		existing, getErr := s.getJobByKey(ctx, jobKey(existingID))
		if getErr == nil && !existing.Status.Terminal() {
			s.client.Del(ctx, key)
			return existing, nil
		}

		// The holder finished or vanished; the key is free to take over.
		if err := s.client.HSet(ctx, idemIndexKey, field, jID).Err(); err != nil {
			return nil, fmt.Errorf("conveyor/redis: enqueue idempotency takeover: %w", err)
		}
		return nil, nil
	}
}

// indexJob places the job id into the Sorted Set matching its status.
func (s *Store) indexJob(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	switch j.Status {
	case job.StatusWaiting:
		pipe.ZAdd(ctx, waitingKey(j.Queue), goredis.Z{Score: claimScore(j.Priority, j.RunAt), Member: jID})
	case job.StatusDelayed:
		pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{Score: float64(j.RunAt.UnixMilli()), Member: jID})
	}
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists the full job record and reindexes it.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZRem(ctx, waitingKey(j.Queue), jID)
	pipe.ZRem(ctx, delayedKey(j.Queue), jID)
	s.indexJob(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// UpdateJobProgress records advisory handler progress.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID id.JobID, percent int) error {
	key := jobKey(jobID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: progress exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"progress", strconv.Itoa(percent),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update progress: %w", err)
	}
	return nil
}

// DeleteJob removes a job and its index entries.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	return s.deleteJob(ctx, j)
}

func (s *Store) deleteJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, waitingKey(j.Queue), jID)
	pipe.ZRem(ctx, delayedKey(j.Queue), jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete job: %w", err)
	}

	if j.IdempotencyKey != "" {
		field := idemField(j.Queue, j.IdempotencyKey)
		current, err := s.client.HGet(ctx, idemIndexKey, field).Result()
		if err == nil && current == jID {
			_ = s.client.HDel(ctx, idemIndexKey, field).Err()
		}
	}
	return nil
}

// ClaimJobs promotes due delayed jobs, then claims up to limit runnable
// jobs from non-paused queues, priority first.
func (s *Store) ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	now := time.Now().UTC()
	var claimed []*job.Job

	for _, q := range queues {
		if limit > 0 && len(claimed) >= limit {
			break
		}

		paused, err := s.client.SIsMember(ctx, pausedKey, q).Result()
		if err != nil {
			return nil, fmt.Errorf("conveyor/redis: claim paused check: %w", err)
		}
		if paused {
			continue
		}

		if err := s.promoteDue(ctx, q, now); err != nil {
			return nil, err
		}

		remaining := claimBatch
		if limit > 0 {
			remaining = limit - len(claimed)
		}
		members, err := s.client.ZPopMin(ctx, waitingKey(q), int64(remaining)).Result()
		if err != nil {
			return nil, fmt.Errorf("conveyor/redis: claim zpopmin: %w", err)
		}

		for _, z := range members {
			jID, ok := z.Member.(string)
			if !ok {
				continue
			}
			j, getErr := s.getJobByKey(ctx, jobKey(jID))
			if getErr != nil {
				continue // removed while indexed
			}
			j.Status = job.StatusActive
			j.WorkerID = workerID
			hb := now
			j.HeartbeatAt = &hb
			j.UpdatedAt = now

			if _, hErr := s.client.HSet(ctx, jobKey(jID), jobToMap(j)).Result(); hErr != nil {
				return nil, fmt.Errorf("conveyor/redis: claim update: %w", hErr)
			}
			claimed = append(claimed, j)
		}
	}
	return claimed, nil
}

// promoteDue moves delayed jobs whose run time has passed into the
// queue's waiting set.
func (s *Store) promoteDue(ctx context.Context, q string, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, delayedKey(q), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: promote zrangebyscore: %w", err)
	}

	for _, jID := range due {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			_ = s.client.ZRem(ctx, delayedKey(q), jID).Err()
			continue
		}
		j.Status = job.StatusWaiting

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID), "status", string(job.StatusWaiting))
		pipe.ZRem(ctx, delayedKey(q), jID)
		pipe.ZAdd(ctx, waitingKey(q), goredis.Z{Score: claimScore(j.Priority, j.RunAt), Member: jID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return fmt.Errorf("conveyor/redis: promote job: %w", pErr)
		}
	}
	return nil
}

// HeartbeatJob refreshes the liveness timestamp of an active job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, at time.Time) error {
	key := jobKey(jobID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"heartbeat_at", at.UTC().Format(time.RFC3339Nano),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat job: %w", err)
	}
	return nil
}

// ReapStalledJobs resets active jobs with expired heartbeats to waiting.
func (s *Store) ReapStalledJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: reap smembers: %w", err)
	}

	var reaped []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.Status != job.StatusActive {
			continue
		}
		if j.HeartbeatAt == nil || j.HeartbeatAt.After(cutoff) {
			continue
		}

		j.Status = job.StatusWaiting
		j.RunAt = now
		j.WorkerID = id.WorkerID{}
		j.HeartbeatAt = nil
		j.ProcessedAt = nil
		j.UpdatedAt = now

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID), jobToMap(j))
		pipe.ZAdd(ctx, waitingKey(j.Queue), goredis.Z{Score: claimScore(j.Priority, j.RunAt), Member: jID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return nil, fmt.Errorf("conveyor/redis: reap reset: %w", pErr)
		}
		reaped = append(reaped, j)
	}
	return reaped, nil
}

// ListJobs returns jobs filtered by queue and status, newest first.
func (s *Store) ListJobs(ctx context.Context, queueName string, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if queueName != "" && j.Queue != queueName {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the filter.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count smembers: %w", err)
	}

	var n int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		n++
	}
	return n, nil
}

// RetryFailedJobs resets all failed jobs in the queue to waiting with a
// fresh attempt budget.
func (s *Store) RetryFailedJobs(ctx context.Context, queueName string) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: retry smembers: %w", err)
	}

	now := time.Now().UTC()
	var n int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.Status != job.StatusFailed {
			continue
		}
		if queueName != "" && j.Queue != queueName {
			continue
		}

		j.Status = job.StatusWaiting
		j.AttemptsMade = 0
		j.Progress = 0
		j.FailedReason = ""
		j.RunAt = now
		j.WorkerID = id.WorkerID{}
		j.ProcessedAt = nil
		j.FinishedAt = nil
		j.HeartbeatAt = nil
		j.UpdatedAt = now

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID), jobToMap(j))
		pipe.ZAdd(ctx, waitingKey(j.Queue), goredis.Z{Score: claimScore(j.Priority, j.RunAt), Member: jID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return n, fmt.Errorf("conveyor/redis: retry reset: %w", pErr)
		}
		n++
	}
	return n, nil
}

// CleanJobs removes terminal jobs finished before olderThan.
func (s *Store) CleanJobs(ctx context.Context, queueName string, status job.Status, olderThan time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: clean smembers: %w", err)
	}

	var n int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !j.Status.Terminal() {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		if queueName != "" && j.Queue != queueName {
			continue
		}
		if j.FinishedAt == nil || !j.FinishedAt.Before(olderThan) {
			continue
		}
		if dErr := s.deleteJob(ctx, j); dErr != nil {
			return n, dErr
		}
		n++
	}
	return n, nil
}

// TrimJobs enforces count and age retention limits for one terminal status.
func (s *Store) TrimJobs(ctx context.Context, queueName string, status job.Status, keep int, maxAge time.Duration) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: trim smembers: %w", err)
	}

	matching := make([]*job.Job, 0)
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.Status != status || j.Queue != queueName {
			continue
		}
		matching = append(matching, j)
	}

	// Newest finished first; unfinished timestamps sort last.
	sort.Slice(matching, func(i, k int) bool {
		fi, fk := matching[i].FinishedAt, matching[k].FinishedAt
		switch {
		case fi == nil:
			return false
		case fk == nil:
			return true
		default:
			return fi.After(*fk)
		}
	})

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge)
	}

	var n int64
	for i, j := range matching {
		overCount := keep > 0 && i >= keep
		tooOld := !cutoff.IsZero() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff)
		if !overCount && !tooOld {
			continue
		}
		if dErr := s.deleteJob(ctx, j); dErr != nil {
			return n, dErr
		}
		n++
	}
	return n, nil
}

// ── helpers ──

// claimScore orders the waiting set: higher priority pops first, FIFO by
// run time within a priority. The time component stays fractional so it
// never outweighs a priority step.
func claimScore(priority int, runAt time.Time) float64 {
	return float64(-priority) + float64(runAt.UnixMilli())/1e15
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":              j.ID.String(),
		"queue":           j.Queue,
		"type":            j.Type,
		"payload":         string(j.Payload),
		"status":          string(j.Status),
		"priority":        strconv.Itoa(j.Priority),
		"attempts_made":   strconv.Itoa(j.AttemptsMade),
		"max_attempts":    strconv.Itoa(j.MaxAttempts),
		"backoff_base":    strconv.FormatInt(int64(j.Backoff.Base), 10),
		"backoff_cap":     strconv.FormatInt(int64(j.Backoff.Cap), 10),
		"timeout":         strconv.FormatInt(int64(j.Timeout), 10),
		"progress":        strconv.Itoa(j.Progress),
		"failed_reason":   j.FailedReason,
		"idempotency_key": j.IdempotencyKey,
		"worker_id":       j.WorkerID.String(),
		"run_at":          j.RunAt.Format(time.RFC3339Nano),
		"created_at":      j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.ProcessedAt != nil {
		m["processed_at"] = j.ProcessedAt.Format(time.RFC3339Nano)
	} else {
		m["processed_at"] = ""
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	} else {
		m["finished_at"] = ""
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	} else {
		m["heartbeat_at"] = ""
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])                       //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts_made"])                  //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])                //nolint:errcheck // best-effort parse from trusted Redis data
	progress, _ := strconv.Atoi(m["progress"])                       //nolint:errcheck // best-effort parse from trusted Redis data
	backoffBase, _ := strconv.ParseInt(m["backoff_base"], 10, 64)    //nolint:errcheck // best-effort parse from trusted Redis data
	backoffCap, _ := strconv.ParseInt(m["backoff_cap"], 10, 64)      //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)             //nolint:errcheck // best-effort parse from trusted Redis data
	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])            //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])    //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])    //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:             jID,
		Queue:          m["queue"],
		Type:           m["type"],
		Payload:        []byte(m["payload"]),
		Status:         job.Status(m["status"]),
		Priority:       priority,
		AttemptsMade:   attempts,
		MaxAttempts:    maxAttempts,
		Backoff:        job.Backoff{Base: time.Duration(backoffBase), Cap: time.Duration(backoffCap)},
		Timeout:        time.Duration(timeout),
		Progress:       progress,
		FailedReason:   m["failed_reason"],
		IdempotencyKey: m["idempotency_key"],
		RunAt:          runAt,
	}
	if len(j.Payload) == 0 {
		j.Payload = nil
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["processed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ProcessedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FinishedAt = &t
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.HeartbeatAt = &t
	}
	return j, nil
}
