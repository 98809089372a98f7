package middleware

import (
	"context"

	"github.com/stackmesh/conveyor/job"
)

// Timeout enforces the per-job execution deadline. When the job carries
// a non-zero Timeout the handler context is cancelled at the deadline
// and the attempt fails with context.DeadlineExceeded.
func Timeout() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
