package job

import "context"

// progressKey is the context key under which the worker injects a
// progress reporter before invoking a handler.
type progressKey struct{}

// Reporter receives progress updates from a running handler.
// Implementations must be non-blocking and must never fail the handler.
type Reporter func(percent int)

// WithReporter returns a context carrying the given progress reporter.
// Called by the worker runtime; handlers use Report.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, progressKey{}, r)
}

// Report records handler progress (0-100). It is advisory only: it never
// blocks, has no effect on scheduling, and is a no-op when the context
// carries no reporter (e.g. in plain unit tests). Values are clamped.
func Report(ctx context.Context, percent int) {
	r, ok := ctx.Value(progressKey{}).(Reporter)
	if !ok || r == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r(percent)
}
