package metrics_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stackmesh/conveyor/metrics"
)

func TestRecorderTotals(t *testing.T) {
	r := metrics.NewRecorder()
	ctx := context.Background()

	r.JobEnqueued(ctx, "emails", "email:send")
	r.JobEnqueued(ctx, "emails", "email:send")
	r.JobStarted(ctx, "emails", "email:send")
	r.JobCompleted(ctx, "emails", "email:send", 50*time.Millisecond)
	r.JobRetried(ctx, "emails", "email:send")
	r.JobFailed(ctx, "emails", "email:send", time.Second)
	r.JobReaped(ctx, "emails")

	got := r.Total()
	want := metrics.Snapshot{Enqueued: 2, Started: 1, Completed: 1, Failed: 1, Retried: 1, Reaped: 1}
	if got != want {
		t.Errorf("Total() = %+v, want %+v", got, want)
	}
}

func TestRecorderPerQueue(t *testing.T) {
	r := metrics.NewRecorder()
	ctx := context.Background()

	r.JobEnqueued(ctx, "emails", "email:send")
	r.JobEnqueued(ctx, "reports", "report:build")
	r.JobEnqueued(ctx, "reports", "report:build")

	if got := r.Queue("emails").Enqueued; got != 1 {
		t.Errorf("emails enqueued = %d, want 1", got)
	}
	if got := r.Queue("reports").Enqueued; got != 2 {
		t.Errorf("reports enqueued = %d, want 2", got)
	}
	if got := r.Queue("missing"); got != (metrics.Snapshot{}) {
		t.Errorf("unknown queue = %+v, want zero snapshot", got)
	}
	if got := len(r.Queues()); got != 2 {
		t.Errorf("Queues() length = %d, want 2", got)
	}
}

func TestRecorderConcurrent(t *testing.T) {
	r := metrics.NewRecorder()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				r.JobEnqueued(ctx, "q", "t")
			}
		}()
	}
	wg.Wait()

	if got := r.Total().Enqueued; got != 1000 {
		t.Errorf("Enqueued = %d, want 1000", got)
	}
}
