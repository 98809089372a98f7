package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/cron"
	"github.com/stackmesh/conveyor/engine"
	"github.com/stackmesh/conveyor/job"
	"github.com/stackmesh/conveyor/queue"
	"github.com/stackmesh/conveyor/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSystem(t *testing.T, opts ...conveyor.Option) *conveyor.System {
	t.Helper()
	base := []conveyor.Option{
		conveyor.WithLogger(discardLogger()),
		conveyor.WithStore(memory.New()),
	}
	sys, err := conveyor.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("conveyor.New: %v", err)
	}
	return sys
}

func fastConfig() conveyor.Config {
	cfg := conveyor.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

type emailPayload struct {
	To string `json:"to"`
}

func TestEndToEnd(t *testing.T) {
	sys := newSystem(t, conveyor.WithConfig(fastConfig()))
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var got atomic.Value
	engine.Register(eng, job.NewDefinition("email:send", func(ctx context.Context, p emailPayload) error {
		got.Store(p.To)
		return nil
	}))

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = eng.Stop(context.Background()) }()

	if h := eng.Health(context.Background()); len(h.Workers) != 1 || h.Workers[0] != eng.WorkerID().String() {
		t.Errorf("Health.Workers = %v, want [%s]", h.Workers, eng.WorkerID())
	}

	j, err := engine.Enqueue(context.Background(), eng, "email:send", emailPayload{To: "a@b.co"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j == nil || j.Status != job.StatusWaiting {
		t.Fatalf("job = %+v, want waiting", j)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got.Load() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got.Load() != "a@b.co" {
		t.Fatalf("handler payload = %v, want a@b.co", got.Load())
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := eng.Store().GetJob(context.Background(), j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status == job.StatusCompleted {
			if eng.Recorder().Total().Completed != 1 {
				t.Errorf("recorder completed = %d, want 1", eng.Recorder().Total().Completed)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never completed")
}

func TestEnqueueAppliesQueueDefaults(t *testing.T) {
	sys := newSystem(t)
	eng, err := engine.Build(sys, engine.WithQueueConfig(queue.Config{
		Name: "webhooks",
		DefaultJobOptions: []job.Option{
			job.WithMaxAttempts(5),
			job.WithTimeout(30 * time.Second),
		},
	}))
	if err != nil {
		t.Fatal(err)
	}

	j, err := eng.EnqueueRaw(context.Background(), "webhook:deliver", nil, job.WithQueue("webhooks"))
	if err != nil {
		t.Fatal(err)
	}
	if j.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want queue default 5", j.MaxAttempts)
	}
	if j.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want queue default 30s", j.Timeout)
	}

	// Caller options beat queue defaults.
	j, err = eng.EnqueueRaw(context.Background(), "webhook:deliver", nil,
		job.WithQueue("webhooks"), job.WithMaxAttempts(1))
	if err != nil {
		t.Fatal(err)
	}
	if j.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want caller override 1", j.MaxAttempts)
	}
}

func TestEnqueueIdempotency(t *testing.T) {
	sys := newSystem(t)
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatal(err)
	}

	first, err := eng.EnqueueRaw(context.Background(), "t", nil, job.WithIdempotencyKey("k1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.EnqueueRaw(context.Background(), "t", nil, job.WithIdempotencyKey("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Error("second enqueue should return the existing job")
	}
	if eng.Recorder().Total().Enqueued != 1 {
		t.Errorf("Enqueued = %d, want 1 (dedupe not counted)", eng.Recorder().Total().Enqueued)
	}
}

func TestDegradedWithoutStore(t *testing.T) {
	sys, err := conveyor.New(conveyor.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatalf("Build without store should succeed, got %v", err)
	}

	j, err := eng.EnqueueRaw(context.Background(), "t", nil)
	if err != nil || j != nil {
		t.Errorf("EnqueueRaw = %v, %v, want nil, nil no-op", j, err)
	}

	if err := eng.Start(context.Background()); !errors.Is(err, conveyor.ErrNoStore) {
		t.Errorf("Start = %v, want ErrNoStore", err)
	}

	h := eng.Health(context.Background())
	if h.Connected {
		t.Error("Health.Connected should be false without a store")
	}

	if err := eng.Unschedule(context.Background(), "x"); !errors.Is(err, conveyor.ErrNoStore) {
		t.Errorf("Unschedule = %v, want ErrNoStore", err)
	}
}

func TestHealthConnected(t *testing.T) {
	sys := newSystem(t, conveyor.WithQueues([]string{"default", "emails"}))
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatal(err)
	}
	engine.Register(eng, job.NewDefinition("email:send", func(ctx context.Context, p emailPayload) error {
		return nil
	}))

	h := eng.Health(context.Background())
	if !h.Connected {
		t.Error("Health.Connected should be true")
	}
	if len(h.Queues) != 2 {
		t.Errorf("Queues = %v, want 2 entries", h.Queues)
	}
	if len(h.JobTypes) != 1 || h.JobTypes[0] != "email:send" {
		t.Errorf("JobTypes = %v, want [email:send]", h.JobTypes)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	sys := newSystem(t)
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatal(err)
	}
	engine.Register(eng, job.NewDefinition("email:send", func(ctx context.Context, p emailPayload) error {
		return nil
	}))

	def := &cron.Definition[emailPayload]{
		Name:    "digest",
		JobType: "email:send",
		Payload: emailPayload{To: "all@b.co"},
		Every:   time.Hour,
	}
	if err := engine.Schedule(context.Background(), eng, def); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	entries, err := eng.ListScheduled(context.Background())
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListScheduled = %d, %v, want 1", len(entries), err)
	}
	entry := entries[0]
	if entry.Name != "digest" || entry.JobType != "email:send" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.NextRunAt == nil || !entry.NextRunAt.After(time.Now().UTC()) {
		t.Error("NextRunAt should be initialized into the future")
	}
	if !entry.Enabled {
		t.Error("new schedule should be enabled")
	}

	if err := eng.Unschedule(context.Background(), "digest"); err != nil {
		t.Fatalf("Unschedule: %v", err)
	}
	entries, _ = eng.ListScheduled(context.Background())
	if len(entries) != 0 {
		t.Errorf("entries after unschedule = %d, want 0", len(entries))
	}
}

func TestScheduleRequiresHandler(t *testing.T) {
	sys := newSystem(t)
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatal(err)
	}

	def := &cron.Definition[struct{}]{
		Name:    "daily-report",
		JobType: "report:daily",
		Every:   24 * time.Hour,
	}
	if err := engine.Schedule(context.Background(), eng, def); !errors.Is(err, conveyor.ErrNoHandler) {
		t.Fatalf("Schedule without handler = %v, want ErrNoHandler", err)
	}

	entries, err := eng.ListScheduled(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want none persisted", len(entries))
	}

	eng.RegisterFunc("report:daily", func(context.Context, []byte) error { return nil })
	if err := engine.Schedule(context.Background(), eng, def); err != nil {
		t.Fatalf("Schedule with handler: %v", err)
	}
}

func TestScheduleValidation(t *testing.T) {
	sys := newSystem(t)
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatal(err)
	}
	eng.RegisterFunc("t", func(context.Context, []byte) error { return nil })

	bad := &cron.Definition[struct{}]{
		Name:    "broken",
		JobType: "t",
		Pattern: "not a cron",
	}
	if err := engine.Schedule(context.Background(), eng, bad); err == nil {
		t.Error("invalid pattern should be rejected")
	}

	missing := &cron.Definition[struct{}]{Name: "no-schedule", JobType: "t"}
	if err := engine.Schedule(context.Background(), eng, missing); err == nil {
		t.Error("definition without interval or pattern should be rejected")
	}
}

func TestRetryFlow(t *testing.T) {
	sys := newSystem(t, conveyor.WithConfig(fastConfig()))
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	eng.RegisterFunc("flaky", func(ctx context.Context, payload []byte) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = eng.Stop(context.Background()) }()

	j, err := eng.EnqueueRaw(context.Background(), "flaky", nil,
		job.WithMaxAttempts(3),
		job.WithBackoff(job.Backoff{Base: 20 * time.Millisecond, Cap: time.Second}),
	)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := eng.Store().GetJob(context.Background(), j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status == job.StatusCompleted {
			if stored.AttemptsMade != 2 {
				t.Errorf("AttemptsMade = %d, want 2", stored.AttemptsMade)
			}
			if eng.Recorder().Total().Retried != 1 {
				t.Errorf("Retried = %d, want 1", eng.Recorder().Total().Retried)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never completed after retry")
}
