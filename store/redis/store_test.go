package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cluster"
	"github.com/stackmesh/conveyor/cron"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
	redisstore "github.com/stackmesh/conveyor/store/redis"
)

func newStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client)
}

func newJob(opts ...job.Option) *job.Job {
	o := job.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return job.New("test:job", []byte(`{"n":1}`), o)
}

func TestEnqueueGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := newJob(job.WithQueue("emails"), job.WithPriority(2))
	stored, err := s.EnqueueJob(ctx, j)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if stored.ID != j.ID {
		t.Errorf("stored ID = %s, want %s", stored.ID, j.ID)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Queue != "emails" || got.Type != "test:job" || got.Priority != 2 {
		t.Errorf("got = %+v", got)
	}
	if got.Status != job.StatusWaiting {
		t.Errorf("Status = %s, want waiting", got.Status)
	}
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if got.Backoff != j.Backoff {
		t.Errorf("Backoff = %+v, want %+v", got.Backoff, j.Backoff)
	}

	if _, err := s.EnqueueJob(ctx, j); !errors.Is(err, conveyor.ErrJobAlreadyExists) {
		t.Errorf("duplicate enqueue = %v, want ErrJobAlreadyExists", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("GetJob = %v, want ErrJobNotFound", err)
	}
}

func TestIdempotencyDedupe(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.EnqueueJob(ctx, newJob(job.WithIdempotencyKey("k1")))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.EnqueueJob(ctx, newJob(job.WithIdempotencyKey("k1")))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Error("non-terminal idempotent job should deduplicate")
	}

	// A terminal pointee releases the key.
	first.Status = job.StatusCompleted
	if err := s.UpdateJob(ctx, first); err != nil {
		t.Fatal(err)
	}
	third, err := s.EnqueueJob(ctx, newJob(job.WithIdempotencyKey("k1")))
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Error("terminal job should not deduplicate")
	}

	// Same key on a different queue is independent.
	other, err := s.EnqueueJob(ctx, newJob(job.WithIdempotencyKey("k1"), job.WithQueue("other")))
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == third.ID {
		t.Error("idempotency keys are scoped per queue")
	}
}

func TestDeleteJobReleasesIdempotencyKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.EnqueueJob(ctx, newJob(job.WithIdempotencyKey("k")))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	second, err := s.EnqueueJob(ctx, newJob(job.WithIdempotencyKey("k")))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Error("deleted job should release its idempotency key")
	}
}

func TestConcurrentIdempotentEnqueue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const n = 8
	stored := make([]*job.Job, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.EnqueueJob(ctx, newJob(job.WithIdempotencyKey("order-42")))
			if err != nil {
				t.Errorf("EnqueueJob: %v", err)
				return
			}
			stored[i] = got
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if stored[i] == nil || stored[0] == nil {
			t.Fatal("missing enqueue result")
		}
		if stored[i].ID != stored[0].ID {
			t.Fatalf("enqueue %d returned %s, want %s", i, stored[i].ID, stored[0].ID)
		}
	}

	count, err := s.CountJobs(ctx, job.CountOpts{Status: job.StatusWaiting})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("waiting jobs = %d, want exactly 1", count)
	}
}

func TestClaimOrdersByPriorityThenRunAt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	low := newJob(job.WithPriority(1))
	high := newJob(job.WithPriority(9))
	if _, err := s.EnqueueJob(ctx, low); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueJob(ctx, high); err != nil {
		t.Fatal(err)
	}

	workerID := id.NewWorkerID()
	claimed, err := s.ClaimJobs(ctx, []string{"default"}, workerID, 1)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != high.ID {
		t.Fatalf("claimed = %+v, want the high-priority job", claimed)
	}
	if claimed[0].Status != job.StatusActive {
		t.Errorf("Status = %s, want active", claimed[0].Status)
	}
	if claimed[0].WorkerID != workerID {
		t.Errorf("WorkerID = %s, want %s", claimed[0].WorkerID, workerID)
	}
	if claimed[0].HeartbeatAt == nil {
		t.Error("HeartbeatAt should be set on claim")
	}

	// The claimed job left the waiting set.
	claimed, err = s.ClaimJobs(ctx, []string{"default"}, workerID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != low.ID {
		t.Fatalf("second claim = %+v, want the low-priority job", claimed)
	}
}

func TestClaimPromotesDueDelayed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	due := newJob(job.WithDelay(-time.Second))
	due.Status = job.StatusDelayed
	future := newJob(job.WithDelay(time.Hour))
	if _, err := s.EnqueueJob(ctx, due); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueJob(ctx, future); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("claimed = %+v, want only the due job", claimed)
	}

	stored, err := s.GetJob(ctx, future.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusDelayed {
		t.Errorf("future job status = %s, want delayed", stored.Status)
	}
}

func TestClaimSkipsPausedQueue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, newJob()); err != nil {
		t.Fatal(err)
	}
	if err := s.PauseQueue(ctx, "default"); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed = %d jobs from a paused queue", len(claimed))
	}

	if err := s.ResumeQueue(ctx, "default"); err != nil {
		t.Fatal(err)
	}
	claimed, err = s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d after resume, want 1", len(claimed))
	}
}

func TestUpdateJobReindexes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, newJob())
	if err != nil {
		t.Fatal(err)
	}

	// Push into the future; it must leave the waiting set.
	j.Status = job.StatusDelayed
	j.RunAt = time.Now().UTC().Add(time.Hour)
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed = %d, want 0 for a rescheduled job", len(claimed))
	}
}

func TestHeartbeatAndReapStalled(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, newJob())
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %v, %v", claimed, err)
	}

	stale := time.Now().UTC().Add(-time.Minute)
	if err := s.HeartbeatJob(ctx, j.ID, stale); err != nil {
		t.Fatal(err)
	}

	reaped, err := s.ReapStalledJobs(ctx, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 1 || reaped[0].ID != j.ID {
		t.Fatalf("reaped = %+v, want the stalled job", reaped)
	}
	if reaped[0].Status != job.StatusWaiting {
		t.Errorf("reaped status = %s, want waiting", reaped[0].Status)
	}
	if !reaped[0].WorkerID.IsNil() {
		t.Error("reaped job should lose its worker")
	}

	// Reset job is claimable again.
	claimed, err = s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("re-claim = %v, %v", claimed, err)
	}
}

func TestListAndCountJobs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.EnqueueJob(ctx, newJob(job.WithQueue("emails"))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.EnqueueJob(ctx, newJob(job.WithQueue("other"))); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListJobs(ctx, "emails", job.StatusWaiting, job.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Errorf("len(jobs) = %d, want 3", len(jobs))
	}

	jobs, err = s.ListJobs(ctx, "emails", "", job.ListOpts{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Errorf("limited len = %d, want 2", len(jobs))
	}

	n, err := s.CountJobs(ctx, job.CountOpts{Queue: "emails", Status: job.StatusWaiting})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestRetryFailedJobs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, newJob())
	if err != nil {
		t.Fatal(err)
	}
	finished := time.Now().UTC()
	j.Status = job.StatusFailed
	j.AttemptsMade = 3
	j.FailedReason = "boom"
	j.FinishedAt = &finished
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	n, err := s.RetryFailedJobs(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("retried = %d, want 1", n)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusWaiting || got.AttemptsMade != 0 || got.FailedReason != "" {
		t.Errorf("after retry = %+v", got)
	}
	if got.FinishedAt != nil {
		t.Error("FinishedAt should be cleared")
	}

	// The reset job is claimable again.
	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim after retry = %v, %v", claimed, err)
	}
}

func TestCleanJobs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	old, err := s.EnqueueJob(ctx, newJob())
	if err != nil {
		t.Fatal(err)
	}
	oldFinished := time.Now().UTC().Add(-48 * time.Hour)
	old.Status = job.StatusCompleted
	old.FinishedAt = &oldFinished
	if err := s.UpdateJob(ctx, old); err != nil {
		t.Fatal(err)
	}

	fresh, err := s.EnqueueJob(ctx, newJob())
	if err != nil {
		t.Fatal(err)
	}
	freshFinished := time.Now().UTC()
	fresh.Status = job.StatusCompleted
	fresh.FinishedAt = &freshFinished
	if err := s.UpdateJob(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanJobs(ctx, "default", job.StatusCompleted, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleaned = %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, old.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Error("old job should be gone")
	}
	if _, err := s.GetJob(ctx, fresh.ID); err != nil {
		t.Error("fresh job should survive")
	}
}

func TestTrimJobsKeepsNewest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var ids []id.JobID
	for i := 0; i < 3; i++ {
		j, err := s.EnqueueJob(ctx, newJob())
		if err != nil {
			t.Fatal(err)
		}
		finished := time.Now().UTC().Add(time.Duration(i) * time.Minute)
		j.Status = job.StatusCompleted
		j.FinishedAt = &finished
		if err := s.UpdateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}

	n, err := s.TrimJobs(ctx, "default", job.StatusCompleted, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("trimmed = %d, want 2", n)
	}
	// Only the newest-finished job survives.
	if _, err := s.GetJob(ctx, ids[2]); err != nil {
		t.Error("newest job should survive")
	}
	if _, err := s.GetJob(ctx, ids[0]); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Error("oldest job should be trimmed")
	}
}

func TestPausedQueuesListing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.PauseQueue(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.PauseQueue(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	paused, err := s.PausedQueues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 2 || paused[0] != "a" || paused[1] != "b" {
		t.Errorf("paused = %v, want [a b]", paused)
	}

	ok, err := s.IsQueuePaused(ctx, "a")
	if err != nil || !ok {
		t.Errorf("IsQueuePaused(a) = %v, %v, want true", ok, err)
	}
}

func TestScheduleRoundTripPreservesHistory(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	entry := &cron.Entry{
		ID:      id.NewScheduleID(),
		Name:    "digest",
		JobType: "report:build",
		Every:   time.Hour,
		Enabled: true,
	}
	if err := s.RegisterSchedule(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSchedule(ctx, "digest")
	if err != nil {
		t.Fatal(err)
	}
	got.FiredCount = 4
	last := time.Now().UTC()
	got.LastRunAt = &last
	if err := s.UpdateSchedule(ctx, got); err != nil {
		t.Fatal(err)
	}

	// Re-registering with a fresh ID keeps identity and history.
	if err := s.RegisterSchedule(ctx, &cron.Entry{
		ID:      id.NewScheduleID(),
		Name:    "digest",
		JobType: "report:build",
		Every:   30 * time.Minute,
		Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	got2, err := s.GetSchedule(ctx, "digest")
	if err != nil {
		t.Fatal(err)
	}
	if got2.ID != entry.ID {
		t.Error("re-register should preserve the original ID")
	}
	if got2.FiredCount != 4 || got2.LastRunAt == nil {
		t.Errorf("history lost: %+v", got2)
	}
	if got2.Every != 30*time.Minute {
		t.Errorf("Every = %v, want updated 30m", got2.Every)
	}

	entries, err := s.ListSchedules(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListSchedules = %d, %v", len(entries), err)
	}

	if err := s.DeleteSchedule(ctx, "digest"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSchedule(ctx, "digest"); !errors.Is(err, conveyor.ErrScheduleNotFound) {
		t.Errorf("GetSchedule after delete = %v, want ErrScheduleNotFound", err)
	}
}

func TestScheduleLock(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	entry := &cron.Entry{
		ID:      id.NewScheduleID(),
		Name:    "locked",
		JobType: "t",
		Every:   time.Minute,
		Enabled: true,
	}
	if err := s.RegisterSchedule(ctx, entry); err != nil {
		t.Fatal(err)
	}

	ok, err := s.AcquireScheduleLock(ctx, "locked", "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}

	ok, err = s.AcquireScheduleLock(ctx, "locked", "w2", time.Minute)
	if err != nil || ok {
		t.Fatalf("contended acquire = %v, %v, want false", ok, err)
	}

	// Holder re-acquires.
	ok, err = s.AcquireScheduleLock(ctx, "locked", "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-acquire = %v, %v", ok, err)
	}

	if err := s.ReleaseScheduleLock(ctx, "locked", "w1"); err != nil {
		t.Fatal(err)
	}
	ok, err = s.AcquireScheduleLock(ctx, "locked", "w2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}

	if _, err := s.AcquireScheduleLock(ctx, "missing", "w1", time.Minute); !errors.Is(err, conveyor.ErrScheduleNotFound) {
		t.Errorf("lock on missing schedule = %v, want ErrScheduleNotFound", err)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w := cluster.NewWorker([]string{"default"}, 4)
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Concurrency != 4 || len(got.Queues) != 1 || got.Queues[0] != "default" {
		t.Errorf("got = %+v", got)
	}

	if err := s.HeartbeatWorker(ctx, w.ID); err != nil {
		t.Fatal(err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil || len(workers) != 1 {
		t.Fatalf("ListWorkers = %d, %v", len(workers), err)
	}

	if err := s.DeregisterWorker(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetWorker(ctx, w.ID); !errors.Is(err, conveyor.ErrWorkerNotFound) {
		t.Errorf("GetWorker after deregister = %v, want ErrWorkerNotFound", err)
	}
}

func TestReapDeadWorkers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w := cluster.NewWorker([]string{"default"}, 1)
	w.LastSeen = time.Now().UTC().Add(-time.Hour)
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	dead, err := s.ReapDeadWorkers(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != w.ID {
		t.Fatalf("dead = %+v, want the stale worker", dead)
	}
	if dead[0].State != cluster.WorkerDead {
		t.Errorf("state = %s, want dead", dead[0].State)
	}
	if _, err := s.GetWorker(ctx, w.ID); !errors.Is(err, conveyor.ErrWorkerNotFound) {
		t.Error("reaped worker should be removed")
	}
}

func TestLeadership(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w1 := id.NewWorkerID()
	w2 := id.NewWorkerID()

	ok, err := s.AcquireLeadership(ctx, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	ok, err = s.AcquireLeadership(ctx, w2, time.Minute)
	if err != nil || ok {
		t.Fatalf("contended acquire = %v, %v, want false", ok, err)
	}

	ok, err = s.RenewLeadership(ctx, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("renew = %v, %v", ok, err)
	}
	ok, err = s.RenewLeadership(ctx, w2, time.Minute)
	if err != nil || ok {
		t.Fatalf("renew by non-leader = %v, %v, want false", ok, err)
	}

	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if leader == nil || leader.ID != w1 {
		t.Fatalf("leader = %+v, want %s", leader, w1)
	}
	if !leader.IsLeader {
		t.Error("IsLeader should be true")
	}

	if err := s.DeregisterWorker(ctx, w1); err != nil {
		t.Fatal(err)
	}
	leader, err = s.GetLeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if leader != nil {
		t.Errorf("leader after deregister = %+v, want nil", leader)
	}
}

func TestPing(t *testing.T) {
	s := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("Migrate = %v", err)
	}
}
