// Package middleware provides composable wrappers around job execution:
// panic recovery, logging, tracing, per-handler metrics, and timeouts.
package middleware

import (
	"context"

	"github.com/stackmesh/conveyor/job"
)

// Handler is the terminal function that executes the job's logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It must call next
// to continue the chain unless it short-circuits with an error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes middleware into one. The first middleware in the list
// is the outermost wrapper: Chain(a, b, c) executes a, then b, then c,
// then the handler.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			inner := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, inner)
			}
		}
		return h(ctx)
	}
}
