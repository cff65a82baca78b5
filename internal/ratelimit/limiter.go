// Package ratelimit paces periodic work and schedules thread ramp-up.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter lets one event through per interval. The first event is
// never delayed.
type RateLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
	mu       sync.RWMutex
}

// NewRateLimiter creates a limiter for the interval. A non-positive
// interval disables limiting.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		limiter:  rate.NewLimiter(limitFor(interval), 1),
		interval: interval,
	}
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	limiter := r.limiter
	limit := limiter.Limit()
	r.mu.RUnlock()

	if limit == rate.Inf {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}

func (r *RateLimiter) SetInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = interval
	r.limiter.SetLimit(limitFor(interval))
}

func (r *RateLimiter) Interval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interval
}
