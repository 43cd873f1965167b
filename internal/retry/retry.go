// Package retry is the single bounded-retry driver composed by every
// connector. The exponential schedule comes from cenkalti/backoff; this
// package adds attempt bounds, a caller predicate, uniform jitter, and
// context-aware sleeping on top.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy describes a retry schedule. Delay for attempt n (1-indexed) is
// min(MaxDelay, InitialDelay * Multiplier^(n-1)) + U(0, Jitter).
type Policy struct {
	// MaxAttempts bounds the number of attempts; 0 means unbounded.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is added uniformly in [0, Jitter] to every delay.
	Jitter time.Duration
	// MaxElapsed bounds total wall-clock time; 0 means no bound.
	MaxElapsed time.Duration
}

// ConnectPolicy is the schedule for a first explicit connect: bounded.
func ConnectPolicy() Policy {
	return Policy{MaxAttempts: 10, InitialDelay: 5 * time.Second, Multiplier: 1.5, MaxDelay: 60 * time.Second}
}

// ReconnectPolicy is the background reconnection schedule: unbounded.
func ReconnectPolicy() Policy {
	return Policy{InitialDelay: 5 * time.Second, Multiplier: 1.5, MaxDelay: 60 * time.Second}
}

// ResilientPolicy retries for up to maxWait wall-clock with delay
// min(5 * 1.2^(n-1), 30)s.
func ResilientPolicy(maxWait time.Duration) Policy {
	return Policy{InitialDelay: 5 * time.Second, Multiplier: 1.2, MaxDelay: 30 * time.Second, MaxElapsed: maxWait}
}

type options struct {
	shouldRetry func(err error, attempt int) bool
	notify      func(err error, attempt int, next time.Duration)
}

// Option customizes a Do run.
type Option func(*options)

// WithShouldRetry installs the retry predicate. When absent, every
// error retries.
func WithShouldRetry(f func(err error, attempt int) bool) Option {
	return func(o *options) { o.shouldRetry = f }
}

// WithNotify installs a per-attempt notifier invoked before each sleep.
func WithNotify(f func(err error, attempt int, next time.Duration)) Option {
	return func(o *options) { o.notify = f }
}

// RetryOn builds a predicate that retries only errors matching one of
// the given sentinels.
func RetryOn(sentinels ...error) func(error, int) bool {
	return func(err error, _ int) bool {
		for _, s := range sentinels {
			if errors.Is(err, s) {
				return true
			}
		}
		return false
	}
}

// Do invokes op until it succeeds, the policy is exhausted, or ctx is
// cancelled. It returns the first successful result, or the zero value
// with the last error on exhaustion.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), opts ...Option) (T, error) {
	var o options
	for _, apply := range opts {
		apply(&o)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialDelay
	expo.Multiplier = p.Multiplier
	expo.MaxInterval = p.MaxDelay
	expo.MaxElapsedTime = p.MaxElapsed
	// Jitter is applied explicitly below so the base schedule stays exact.
	expo.RandomizationFactor = 0
	expo.Reset()

	var zero T
	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if o.shouldRetry != nil && !o.shouldRetry(err, attempt) {
			return zero, err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return zero, lastErr
		}
		next := expo.NextBackOff()
		if next == backoff.Stop {
			return zero, lastErr
		}
		if p.Jitter > 0 {
			next += time.Duration(rand.Int63n(int64(p.Jitter) + 1))
		}
		if o.notify != nil {
			o.notify(err, attempt, next)
		}
		if err := Sleep(ctx, next); err != nil {
			return zero, err
		}
	}
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
