package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stackmesh/conveyor/job"
)

const meterName = "github.com/stackmesh/conveyor"

// Metrics records per-handler execution duration and counts using the
// global OTel MeterProvider. With no provider configured the instruments
// are noops and this is a pass-through.
//
// Instruments:
//   - conveyor.handler.duration (Float64Histogram, seconds)
//   - conveyor.handler.executions (Int64Counter)
//
// both with attributes job_type, queue, and status ("ok" or "error").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter is the injectable variant, for tests.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instrument creation errors fall back to noops per the OTel API
	// contract, so they are safe to discard.
	duration, _ := meter.Float64Histogram(
		"conveyor.handler.duration",
		metric.WithDescription("Duration of handler execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"conveyor.handler.executions",
		metric.WithDescription("Total handler executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_type", j.Type),
			attribute.String("queue", j.Queue),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
