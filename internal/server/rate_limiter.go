// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the dispatcher from abuse.
package server

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter allows bursts of capacity lines, refilled evenly over interval.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	if every <= 0 {
		every = time.Nanosecond
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(every), capacity),
	}
}

// wait blocks until a token is available or ctx is done. throttled reports
// whether the caller had to wait.
func (rl *rateLimiter) wait(ctx context.Context) (throttled bool, err error) {
	if rl.limiter.Allow() {
		return false, nil
	}
	return true, rl.limiter.Wait(ctx)
}
