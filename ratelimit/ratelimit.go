// Package ratelimit bounds the outbound request rate with a continuously
// refilled token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by a non-blocking limiter when no token is
// available.
type ErrRateLimited struct {
	Limit  int
	Window time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %v", e.Limit, e.Window)
}

// Limiter is a token bucket with capacity requestsPerMinute, refilled
// continuously. The zero value is not usable; use New.
type Limiter struct {
	requestsPerMinute int
	blocking          bool
	bucket            *rate.Limiter
}

// New creates a Limiter. A blocking limiter's Acquire waits for a token,
// bounded by the caller's context; a non-blocking one fails immediately
// with ErrRateLimited when the bucket is empty.
func New(requestsPerMinute int, blocking bool) *Limiter {
	perSecond := rate.Limit(float64(requestsPerMinute) / 60.0)
	return &Limiter{
		requestsPerMinute: requestsPerMinute,
		blocking:          blocking,
		bucket:            rate.NewLimiter(perSecond, requestsPerMinute),
	}
}

// Acquire takes one token. In blocking mode it waits until a token is
// available or ctx expires (the operation's own timeout bounds the wait).
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil // limiting disabled
	}

	if !l.blocking {
		if !l.bucket.Allow() {
			return &ErrRateLimited{Limit: l.requestsPerMinute, Window: time.Minute}
		}
		return nil
	}

	return l.bucket.Wait(ctx)
}
