// Package backoff implements the retry policy used for connection and
// fetch attempts: exponential delays capped at a maximum, a bounded number
// of retries, and a cumulative wall-clock budget shared by all attempts of
// one logical operation.
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy describes how one logical operation is retried. The zero value is
// not usable; construct it explicitly or take it from config. Policies are
// immutable and safe to share.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry; each subsequent
	// retry doubles it, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// CumulativeTimeout bounds the total wall-clock time across all
	// attempts of the operation. Zero means no budget.
	CumulativeTimeout time.Duration
}

// ErrExhausted is returned by Retry when the last attempt failed and no
// retry budget remains.
type ErrExhausted struct {
	Attempts int
	Err      error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("%d attempt(s) failed: %v", e.Attempts, e.Err)
}

func (e *ErrExhausted) Unwrap() error { return e.Err }

// ErrCumulativeTimeout is returned by Retry when the wall-clock budget ran
// out before the retry budget did.
type ErrCumulativeTimeout struct {
	Elapsed time.Duration
	Budget  time.Duration
	Err     error
}

func (e *ErrCumulativeTimeout) Error() string {
	return fmt.Sprintf("cumulative timeout after %v (budget %v): %v", e.Elapsed, e.Budget, e.Err)
}

func (e *ErrCumulativeTimeout) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable: Retry returns it immediately
// without consuming the retry budget. Authentication, validation and data
// errors are permanent.
func Permanent(err error) error { return backoff.Permanent(err) }

// newExponential builds the delay source: base*2^n capped at MaxDelay,
// with no jitter so the sequence is exact.
func (p Policy) newExponential() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Delay returns the delay applied after the given 0-indexed failed
// attempt: min(BaseDelay * 2^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	bo := p.newExponential()
	d := bo.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Retry runs fn until it succeeds, returns a permanent error, exhausts
// MaxRetries, or exceeds the cumulative timeout. The context cancels the
// waits between attempts but individual attempts are expected to honour it
// themselves.
func (p Policy) Retry(ctx context.Context, log *zap.Logger, fn func(ctx context.Context) error) error {
	if log == nil {
		log = zap.NewNop()
	}

	bo := p.newExponential()
	start := time.Now()

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if perm, ok := lastErr.(*backoff.PermanentError); ok {
			return perm.Unwrap()
		}

		if attempt >= p.MaxRetries {
			return &ErrExhausted{Attempts: attempt + 1, Err: lastErr}
		}

		delay := bo.NextBackOff()
		if p.CumulativeTimeout > 0 && time.Since(start)+delay > p.CumulativeTimeout {
			return &ErrCumulativeTimeout{
				Elapsed: time.Since(start),
				Budget:  p.CumulativeTimeout,
				Err:     lastErr,
			}
		}

		log.Warn("retrying after failure",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
