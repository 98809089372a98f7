// Package memory is a fully in-memory store backend, safe for
// concurrent use. Intended for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cluster"
	"github.com/stackmesh/conveyor/cron"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
	"github.com/stackmesh/conveyor/queue"
)

var (
	_ job.Store     = (*Store)(nil)
	_ queue.Store   = (*Store)(nil)
	_ cron.Store    = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
)

// Store holds everything in process memory behind one mutex.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*job.Job
	idemIndex map[string]string // queue + "\x00" + key → job id
	paused    map[string]struct{}
	schedules map[string]*cron.Entry // keyed by name
	workers   map[string]*cluster.Worker

	leader      string
	leaderUntil time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		idemIndex: make(map[string]string),
		paused:    make(map[string]struct{}),
		schedules: make(map[string]*cron.Entry),
		workers:   make(map[string]*cluster.Worker),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func idemKey(queueName, key string) string {
	return queueName + "\x00" + key
}

// EnqueueJob persists a new job. A matching non-terminal idempotent job
// in the same queue wins over the new one.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.IdempotencyKey != "" {
		if existingID, ok := m.idemIndex[idemKey(j.Queue, j.IdempotencyKey)]; ok {
			if existing, ok := m.jobs[existingID]; ok && !existing.Status.Terminal() {
				cp := *existing
				return &cp, nil
			}
		}
	}

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return nil, conveyor.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	if j.IdempotencyKey != "" {
		m.idemIndex[idemKey(j.Queue, j.IdempotencyKey)] = key
	}
	out := cp
	return &out, nil
}

// GetJob retrieves a job by id.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists the full job record.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// UpdateJobProgress records advisory handler progress.
func (m *Store) UpdateJobProgress(_ context.Context, jobID id.JobID, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	j.Progress = percent
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteJob removes a job by id.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteJobLocked(jobID.String())
}

func (m *Store) deleteJobLocked(key string) error {
	j, ok := m.jobs[key]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.IdempotencyKey != "" {
		ik := idemKey(j.Queue, j.IdempotencyKey)
		if m.idemIndex[ik] == key {
			delete(m.idemIndex, ik)
		}
	}
	delete(m.jobs, key)
	return nil
}

// ClaimJobs promotes due delayed jobs, then atomically claims up to
// limit runnable jobs from non-paused queues, priority first.
func (m *Store) ClaimJobs(_ context.Context, queues []string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if len(queueSet) > 0 {
			if _, ok := queueSet[j.Queue]; !ok {
				continue
			}
		}
		if _, isPaused := m.paused[j.Queue]; isPaused {
			continue
		}
		if j.Status == job.StatusDelayed && !j.RunAt.After(now) {
			j.Status = job.StatusWaiting
		}
		if j.Status != job.StatusWaiting {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.Status = job.StatusActive
		j.WorkerID = workerID
		hb := now
		j.HeartbeatAt = &hb
		j.UpdatedAt = now
		cp := *j
		result[i] = &cp
	}
	return result, nil
}

// HeartbeatJob refreshes the liveness timestamp of an active job.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	hb := at.UTC()
	j.HeartbeatAt = &hb
	return nil
}

// ReapStalledJobs resets active jobs with expired heartbeats to waiting.
func (m *Store) ReapStalledJobs(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var reaped []*job.Job
	for _, j := range m.jobs {
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
		cp := *j
		reaped = append(reaped, &cp)
	}
	return reaped, nil
}

// ListJobs returns jobs filtered by queue and status, newest first.
func (m *Store) ListJobs(_ context.Context, queueName string, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if queueName != "" && j.Queue != queueName {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobs returns the number of jobs matching the filter.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
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

// RetryFailedJobs resets all failed jobs in the queue to waiting.
func (m *Store) RetryFailedJobs(_ context.Context, queueName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, j := range m.jobs {
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
		n++
	}
	return n, nil
}

// CleanJobs removes terminal jobs finished before olderThan.
func (m *Store) CleanJobs(_ context.Context, queueName string, status job.Status, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, j := range m.jobs {
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
		_ = m.deleteJobLocked(key)
		n++
	}
	return n, nil
}

// TrimJobs enforces count and age retention limits for one terminal status.
func (m *Store) TrimJobs(_ context.Context, queueName string, status job.Status, keep int, maxAge time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matching := make([]*job.Job, 0)
	for _, j := range m.jobs {
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
		_ = m.deleteJobLocked(j.ID.String())
		n++
	}
	return n, nil
}

// PauseQueue marks the queue paused.
func (m *Store) PauseQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[name] = struct{}{}
	return nil
}

// ResumeQueue clears the paused flag.
func (m *Store) ResumeQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, name)
	return nil
}

// IsQueuePaused reports whether the queue is paused.
func (m *Store) IsQueuePaused(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.paused[name]
	return ok, nil
}

// PausedQueues returns all paused queue names.
func (m *Store) PausedQueues(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.paused))
	for name := range m.paused {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// RegisterSchedule persists an entry, preserving identity and fired
// count when the name already exists.
func (m *Store) RegisterSchedule(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	if existing, ok := m.schedules[entry.Name]; ok {
		cp.ID = existing.ID
		cp.FiredCount = existing.FiredCount
		cp.LastRunAt = existing.LastRunAt
		cp.CreatedAt = existing.CreatedAt
	}
	cp.UpdatedAt = time.Now().UTC()
	m.schedules[entry.Name] = &cp
	return nil
}

// GetSchedule returns the entry with the given name.
func (m *Store) GetSchedule(_ context.Context, name string) (*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.schedules[name]
	if !ok {
		return nil, conveyor.ErrScheduleNotFound
	}
	cp := *entry
	return &cp, nil
}

// ListSchedules returns all entries sorted by name.
func (m *Store) ListSchedules(_ context.Context) ([]*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cron.Entry, 0, len(m.schedules))
	for _, entry := range m.schedules {
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

// UpdateSchedule persists the full entry.
func (m *Store) UpdateSchedule(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[entry.Name]; !ok {
		return conveyor.ErrScheduleNotFound
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	m.schedules[entry.Name] = &cp
	return nil
}

// DeleteSchedule removes the entry.
func (m *Store) DeleteSchedule(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[name]; !ok {
		return conveyor.ErrScheduleNotFound
	}
	delete(m.schedules, name)
	return nil
}

// AcquireScheduleLock takes the per-entry firing lock.
func (m *Store) AcquireScheduleLock(_ context.Context, name, lockedBy string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.schedules[name]
	if !ok {
		return false, conveyor.ErrScheduleNotFound
	}
	now := time.Now().UTC()
	if entry.LockedBy != "" && entry.LockedBy != lockedBy &&
		entry.LockedUntil != nil && entry.LockedUntil.After(now) {
		return false, nil
	}
	until := now.Add(ttl)
	entry.LockedBy = lockedBy
	entry.LockedUntil = &until
	return true, nil
}

// ReleaseScheduleLock drops the lock if held by lockedBy.
func (m *Store) ReleaseScheduleLock(_ context.Context, name, lockedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.schedules[name]
	if !ok {
		return conveyor.ErrScheduleNotFound
	}
	if entry.LockedBy == lockedBy {
		entry.LockedBy = ""
		entry.LockedUntil = nil
	}
	return nil
}

// RegisterWorker adds a worker to the registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workers, workerID.String())
	if m.leader == workerID.String() {
		m.leader = ""
	}
	return nil
}

// HeartbeatWorker refreshes the worker's last-seen timestamp.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return conveyor.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// GetWorker returns the worker record.
func (m *Store) GetWorker(_ context.Context, workerID id.WorkerID) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return nil, conveyor.ErrWorkerNotFound
	}
	cp := *w
	return &cp, nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// ReapDeadWorkers removes workers that stopped heartbeating.
func (m *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Worker
	for key, w := range m.workers {
		if w.LastSeen.After(cutoff) {
			continue
		}
		w.State = cluster.WorkerDead
		cp := *w
		dead = append(dead, &cp)
		delete(m.workers, key)
		if m.leader == key {
			m.leader = ""
		}
	}
	return dead, nil
}

// AcquireLeadership takes the leader lease when free or expired.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if m.leader != "" && m.leader != workerID.String() && m.leaderUntil.After(now) {
		return false, nil
	}
	m.leader = workerID.String()
	m.leaderUntil = now.Add(ttl)
	return true, nil
}

// RenewLeadership extends a held lease.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if m.leader != workerID.String() || !m.leaderUntil.After(now) {
		return false, nil
	}
	m.leaderUntil = now.Add(ttl)
	return true, nil
}

// GetLeader returns the current leader, or nil without one.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	if m.leader == "" || !m.leaderUntil.After(now) {
		return nil, nil
	}

	until := m.leaderUntil
	if w, ok := m.workers[m.leader]; ok {
		cp := *w
		cp.IsLeader = true
		cp.LeaderUntil = &until
		return &cp, nil
	}

	// Leader is not registered as a worker (schedulers can hold the
	// lease without registering); synthesize a minimal record.
	leaderID, err := id.ParseWorkerID(m.leader)
	if err != nil {
		return nil, err
	}
	return &cluster.Worker{
		ID:          leaderID,
		State:       cluster.WorkerActive,
		IsLeader:    true,
		LeaderUntil: &until,
		LastSeen:    now,
	}, nil
}
