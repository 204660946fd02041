package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(3, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("token %d: expected bucket to still have capacity", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected the bucket to be empty after draining its capacity")
	}

	time.Sleep(400 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected at least one token back after a partial refill")
	}
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 3, 0.5, 300*time.Millisecond, 2)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("breaker should stay closed before minSamples is reached")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("3 failures at a 0.5 threshold should have tripped the breaker open")
	}

	time.Sleep(350 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected a half-open probe to be let through after cool-down")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected a second half-open probe")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected the breaker to close after its probes succeeded")
	}
}

func TestRetryGivesUpAfterExhaustingAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the last underlying error back, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestRetryReturnsOnFirstSuccess(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not yet")
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if v != "done" || calls != 3 {
		t.Fatalf("expected success on the 3rd attempt with value %q, got calls=%d v=%q", "done", calls, v)
	}
}
