package resilience

import (
	"context"
	"time"
)

// Policy bounds how often and how patiently a request is repeated.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// Delay returns the wait after the attempt with the given zero-based index failed.
func (p Policy) Delay(attemptIndex int) time.Duration {
	return p.BaseDelay << attemptIndex
}

// RetryFunc observes a scheduled retry. attempt is the one-based number of the
// attempt that just failed.
type RetryFunc func(attempt int, class Class, delay time.Duration, err error)

type Retrier struct {
	policy  Policy
	onRetry RetryFunc
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Retrier)

// WithOnRetry registers a hook for logging and metrics. It cannot alter the outcome.
func WithOnRetry(fn RetryFunc) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

// WithSleep replaces the wall-clock wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

func NewRetrier(policy Policy, opts ...Option) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	r := &Retrier{policy: policy, sleep: sleepWithCtx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs op until it succeeds, fails with a non-retryable class or the attempt
// budget is spent. It returns the result, the number of attempts made and the last
// error. Cancellation before an attempt or during a backoff wait returns the
// context error immediately.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	if r == nil {
		r = NewRetrier(DefaultPolicy())
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return zero, attempts, err
		}

		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, attempts, nil
		}

		// a failure caused by our own cancellation is not the provider's fault
		if ctx.Err() != nil {
			return zero, attempts, ctx.Err()
		}

		class := Classify(err)
		if !class.Retryable() || attempts >= r.policy.MaxAttempts {
			return zero, attempts, err
		}

		delay := r.policy.Delay(attempts - 1)
		if r.onRetry != nil {
			r.onRetry(attempts, class, delay, err)
		}
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return zero, attempts, sleepErr
		}
	}
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
