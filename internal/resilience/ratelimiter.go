package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a token bucket: up to capacity tokens are available at
// once, refilling continuously at fillRate tokens per second. It exists to
// cap how many corrective actions (worker restarts, task reassignments) fire
// in a short burst, not to schedule individual requests precisely.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64
	available  float64
	lastRefill time.Time
}

// NewRateLimiter builds a bucket that starts full.
func NewRateLimiter(capacity int64, fillRate float64) *RateLimiter {
	return &RateLimiter{
		capacity:   float64(capacity),
		fillRate:   fillRate,
		available:  float64(capacity),
		lastRefill: time.Now(),
	}
}

// Allow refills the bucket for elapsed time and consumes one token if any
// are available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		r.available = min(r.capacity, r.available+elapsed*r.fillRate)
		r.lastRefill = now
	}

	if r.available < 1 {
		counter, _ := otel.GetMeterProvider().Meter("controller-core").Int64Counter("controller_resilience_ratelimiter_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}
	r.available--
	return true
}
