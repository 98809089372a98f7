// Package metrics records job throughput and latency. Counters are kept
// twice: as OpenTelemetry instruments for export, and as in-process
// totals served by the admin API. Recording never returns an error and
// never blocks job execution.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/stackmesh/conveyor"

// Snapshot is a point-in-time view of the recorder's totals.
type Snapshot struct {
	Enqueued  int64 `json:"enqueued"`
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Reaped    int64 `json:"reaped"`
}

// QueueSnapshot holds per-queue totals.
type QueueSnapshot struct {
	Queue string `json:"queue"`
	Snapshot
}

// Recorder accumulates job counters, globally and per queue.
// The zero value is not usable; call NewRecorder.
type Recorder struct {
	mu     sync.Mutex
	total  Snapshot
	queues map[string]*Snapshot

	enqueued  metric.Int64Counter
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	reaped    metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewRecorder creates a Recorder backed by the global OTel meter
// provider. With no provider configured the instruments are no-ops and
// only the in-process totals accumulate.
func NewRecorder() *Recorder {
	meter := otel.Meter(meterName)

	r := &Recorder{queues: make(map[string]*Snapshot)}
	r.enqueued, _ = meter.Int64Counter("conveyor.jobs.enqueued",
		metric.WithDescription("Jobs accepted for execution"))
	r.started, _ = meter.Int64Counter("conveyor.jobs.started",
		metric.WithDescription("Job execution attempts started"))
	r.completed, _ = meter.Int64Counter("conveyor.jobs.completed",
		metric.WithDescription("Jobs finished successfully"))
	r.failed, _ = meter.Int64Counter("conveyor.jobs.failed",
		metric.WithDescription("Jobs that exhausted their attempts"))
	r.retried, _ = meter.Int64Counter("conveyor.jobs.retried",
		metric.WithDescription("Failed attempts scheduled for retry"))
	r.reaped, _ = meter.Int64Counter("conveyor.jobs.reaped",
		metric.WithDescription("Stalled jobs returned to the queue"))
	r.duration, _ = meter.Float64Histogram("conveyor.jobs.duration",
		metric.WithDescription("Job execution duration"),
		metric.WithUnit("s"))
	return r
}

func (r *Recorder) bump(queue string, f func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.total)
	qs := r.queues[queue]
	if qs == nil {
		qs = &Snapshot{}
		r.queues[queue] = qs
	}
	f(qs)
}

func attrs(queue, jobType string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("job.type", jobType),
	)
}

// JobEnqueued records a job accepted for execution.
func (r *Recorder) JobEnqueued(ctx context.Context, queue, jobType string) {
	r.bump(queue, func(s *Snapshot) { s.Enqueued++ })
	r.enqueued.Add(ctx, 1, attrs(queue, jobType))
}

// JobStarted records the start of an execution attempt.
func (r *Recorder) JobStarted(ctx context.Context, queue, jobType string) {
	r.bump(queue, func(s *Snapshot) { s.Started++ })
	r.started.Add(ctx, 1, attrs(queue, jobType))
}

// JobCompleted records a successful execution and its duration.
func (r *Recorder) JobCompleted(ctx context.Context, queue, jobType string, elapsed time.Duration) {
	r.bump(queue, func(s *Snapshot) { s.Completed++ })
	r.completed.Add(ctx, 1, attrs(queue, jobType))
	r.duration.Record(ctx, elapsed.Seconds(), attrs(queue, jobType))
}

// JobFailed records a job that exhausted its attempts.
func (r *Recorder) JobFailed(ctx context.Context, queue, jobType string, elapsed time.Duration) {
	r.bump(queue, func(s *Snapshot) { s.Failed++ })
	r.failed.Add(ctx, 1, attrs(queue, jobType))
	r.duration.Record(ctx, elapsed.Seconds(), attrs(queue, jobType))
}

// JobRetried records a failed attempt scheduled for retry.
func (r *Recorder) JobRetried(ctx context.Context, queue, jobType string) {
	r.bump(queue, func(s *Snapshot) { s.Retried++ })
	r.retried.Add(ctx, 1, attrs(queue, jobType))
}

// JobReaped records a stalled job returned to the waiting state.
func (r *Recorder) JobReaped(ctx context.Context, queue string) {
	r.bump(queue, func(s *Snapshot) { s.Reaped++ })
	r.reaped.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// Total returns the global totals since the recorder was created.
func (r *Recorder) Total() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Queue returns the totals for one queue.
func (r *Recorder) Queue(queue string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if qs := r.queues[queue]; qs != nil {
		return *qs
	}
	return Snapshot{}
}

// Queues returns per-queue totals for every queue seen so far.
func (r *Recorder) Queues() []QueueSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueueSnapshot, 0, len(r.queues))
	for name, qs := range r.queues {
		out = append(out, QueueSnapshot{Queue: name, Snapshot: *qs})
	}
	return out
}
