// Package retry runs bounded retry loops with per-error-class delays.
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// Policy describes one bounded retry loop. The zero value makes a single attempt.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// Delay returns the pause before the next attempt. failed counts the
	// attempts made so far, starting at 1.
	Delay func(failed int, err error) time.Duration
	// Retryable decides whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry is called after each failed attempt that will be retried.
	OnRetry func(failed int, err error)
}

// Fixed returns a Delay that always waits d.
func Fixed(d time.Duration) func(int, error) time.Duration {
	return func(int, error) time.Duration { return d }
}

// Linear returns a Delay that waits step, 2*step, 3*step, ...
func Linear(step time.Duration) func(int, error) time.Duration {
	return func(failed int, _ error) time.Duration { return time.Duration(failed) * step }
}

// Do calls fn until it succeeds, the policy gives up, or ctx is done.
// The error returned is the one from the last attempt.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Policy.Do for functions that return a value.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	opts := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(uint(attempts)),
		retrygo.LastErrorOnly(true),
		retrygo.DelayType(func(n uint, err error, _ *retrygo.Config) time.Duration {
			if p.Delay == nil {
				return 0
			}
			return p.Delay(int(n), err)
		}),
	}
	if p.Retryable != nil {
		opts = append(opts, retrygo.RetryIf(p.Retryable))
	}
	if p.OnRetry != nil {
		opts = append(opts, retrygo.OnRetry(func(n uint, err error) {
			if failed := int(n) + 1; failed < attempts {
				p.OnRetry(failed, err)
			}
		}))
	}

	return retrygo.DoWithData(func() (T, error) {
		return fn(ctx)
	}, opts...)
}
