// Package resilience holds the throttling primitives the Health Monitor and
// Stuck-Worker Handler use to keep their own corrective actions from making
// things worse: a circuit breaker over per-worker restarts, a rate limiter
// over recovery actions, and a backoff helper for flaky I/O.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry calls fn up to attempts times, doubling delay after each failure and
// sleeping a random duration in [0, delay] (full jitter) between attempts so
// that many callers retrying the same dependency don't all wake up in sync.
// It gives up early if ctx is canceled while waiting.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("controller-core")
	attemptCounter, _ := meter.Int64Counter("controller_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("controller_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("controller_resilience_retry_fail_total")

	backoff := delay
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		if backoff > time.Minute {
			backoff = time.Minute
		}
		wait := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
