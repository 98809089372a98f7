// Package backoff computes retry delays for failed job executions.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Delay returns the wait before retry attempt n (1-indexed) for a job
// with the given base and cap: min(cap, base * 2^(n-1)). This is the
// deterministic schedule the worker applies from per-job retry policy.
func Delay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d < 0 || (maxDelay > 0 && d > maxDelay) {
		return maxDelay
	}
	return d
}

// Strategy computes the delay before a retry attempt. Attempt 1 is the
// first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval between every retry.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a fixed-interval strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear grows the delay by Initial each attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linearly growing strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates a doubling strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	return Delay(e.Initial, e.Max, attempt)
}

// ExponentialWithJitter draws a random delay in [0, min(Initial*2^(n-1), Max)].
// Full jitter avoids synchronized retry storms when many jobs fail at once.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates a full-jitter exponential strategy.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	bound := Delay(e.Initial, e.Max, attempt)
	if bound <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * float64(bound))
}

// DefaultStrategy is the schedule applied when a job carries no explicit
// retry policy: deterministic exponential, 1s initial, 1h cap.
func DefaultStrategy() Strategy {
	return NewExponential(time.Second, time.Hour)
}
