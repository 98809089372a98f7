package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
	"github.com/stackmesh/conveyor/middleware"
)

func testJob() *job.Job {
	j := job.New("email:send", nil, job.DefaultOptions())
	j.ID = id.NewJobID()
	return j
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) middleware.Middleware {
		return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
			order = append(order, name+":before")
			err := next(ctx)
			order = append(order, name+":after")
			return err
		}
	}

	chain := middleware.Chain(mk("outer"), mk("inner"))
	err := chain(context.Background(), testJob(), func(ctx context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain returned error: %v", err)
	}

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChainEmpty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), testJob(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("empty chain should just call the handler, err=%v called=%v", err, called)
	}
}

func TestChainShortCircuit(t *testing.T) {
	sentinel := errors.New("denied")
	block := func(ctx context.Context, j *job.Job, next middleware.Handler) error {
		return sentinel
	}

	called := false
	err := middleware.Chain(block)(context.Background(), testJob(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if called {
		t.Error("handler should not run after short-circuit")
	}
}

func TestRecoverConvertsPanic(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := middleware.Recover(logger)(context.Background(), testJob(), func(ctx context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("err = %v, want panic value in message", err)
	}
	if !strings.Contains(buf.String(), "job handler panicked") {
		t.Error("expected panic log entry")
	}
}

func TestRecoverPassThrough(t *testing.T) {
	err := middleware.Recover(discardLogger())(context.Background(), testJob(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestTimeoutCancelsHandler(t *testing.T) {
	j := testJob()
	j.Timeout = 10 * time.Millisecond

	err := middleware.Timeout()(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeoutZeroMeansNone(t *testing.T) {
	j := testJob()
	j.Timeout = 0

	err := middleware.Timeout()(context.Background(), j, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("no deadline expected when Timeout is zero")
		}
		return nil
	})
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestLoggingPassesErrorThrough(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sentinel := errors.New("boom")

	err := middleware.Logging(logger)(context.Background(), testJob(), func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if !strings.Contains(buf.String(), "job attempt failed") {
		t.Error("expected failure log entry")
	}
}
