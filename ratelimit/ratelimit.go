// Package ratelimit spaces out requests to the profile provider.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter grants one acquisition per interval, shared by every poll loop.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a limiter that keeps at least interval between grants.
func New(interval time.Duration) *Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// Acquire blocks until the next grant is allowed. It only fails when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}
	return nil
}

// Interval returns the configured spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
