package retry

import (
	"context"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// DelayHint lets a failure override the computed backoff, e.g. from a
// Retry-After header. ok=false falls back to the policy.
type DelayHint func(err error) (delay time.Duration, ok bool)

type Option func(*runner)

type runner struct {
	sleep   SleepFunc
	hint    DelayHint
	onRetry func(attempt int, err error, delay time.Duration)
}

func WithSleep(sleep SleepFunc) Option {
	return func(r *runner) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

func WithDelayHint(hint DelayHint) Option {
	return func(r *runner) {
		r.hint = hint
	}
}

// WithOnRetry is called after every retryable failure, before the wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *runner) {
		r.onRetry = fn
	}
}

func newRunner(opts []Option) runner {
	r := runner{sleep: Sleep}
	for _, opt := range opts {
		if opt != nil {
			opt(&r)
		}
	}
	return r
}

func (r runner) delay(policy Policy, attempt int, err error) time.Duration {
	delay := policy.Delay(attempt)
	if r.hint != nil {
		if hinted, ok := r.hint(err); ok && hinted > delay {
			delay = hinted
		}
	}
	return delay
}

// Do runs fn until it succeeds, fails terminally, the context ends or the
// policy's attempts are spent. It returns the number of attempts made.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	policy = policy.normalized()
	r := newRunner(opts)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if core.IsTerminal(err) || attempt == policy.MaxAttempts {
			return attempt, err
		}
		delay := r.delay(policy, attempt, err)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}
		if waitErr := r.sleep(ctx, delay); waitErr != nil {
			return attempt, waitErr
		}
	}
	return policy.MaxAttempts, lastErr
}

func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
