// Package ratelimit implements the per-worker request throttle.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/alcalor-scraper/internal/metrics"
)

// Throttle enforces a minimum delay between consecutive requests issued by one
// worker. It is a token bucket with burst 1 refilled every delay.
type Throttle struct {
	limiter *rate.Limiter
	delay   time.Duration
}

// NewThrottle creates a Throttle. A non-positive delay disables throttling.
func NewThrottle(delay time.Duration) *Throttle {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Throttle{
		limiter: rate.NewLimiter(limit, 1),
		delay:   delay,
	}
}

// Delay returns the configured minimum spacing.
func (t *Throttle) Delay() time.Duration {
	return t.delay
}

// Wait blocks until the worker may issue its next request.
func (t *Throttle) Wait(ctx context.Context) error {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait: %w", err)
	}
	// Only record waits that actually introduced delay.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveThrottleDelay(waited)
	}
	return nil
}
