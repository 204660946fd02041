package queue

import (
	"context"
	"testing"
	"time"
)

func mustEnqueue(t *testing.T, q *Queue, id string, p Priority, effort int) {
	t.Helper()
	res, err := q.Enqueue(context.Background(), id, p, effort)
	if err != nil {
		t.Fatalf("unexpected error enqueuing %s: %v", id, err)
	}
	if !res.Success {
		t.Fatalf("expected enqueue of %s to succeed, got reason %s", id, res.Reason)
	}
}

// TestPriorityOrdering checks that dequeue always returns the
// highest-priority entry first, regardless of enqueue order.
func TestPriorityOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 10
	q := New(cfg, 32)

	mustEnqueue(t, q, "A", P2, 50)
	mustEnqueue(t, q, "B", P0, 100)
	mustEnqueue(t, q, "C", P1, 75)

	got := []string{q.Dequeue(), q.Dequeue(), q.Dequeue()}
	want := []string{"B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dequeue order = %v, want %v", got, want)
		}
	}
}

// TestDropOldestWithDeadLetter checks that exceeding capacity under
// drop-oldest evicts the oldest entry into the dead-letter queue instead of
// refusing the new one.
func TestDropOldestWithDeadLetter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 3
	cfg.RejectionPolicy = PolicyDropOldest
	cfg.EnableDeadLetter = true
	q := New(cfg, 32)

	mustEnqueue(t, q, "T1", P1, 50)
	mustEnqueue(t, q, "T2", P1, 60)
	mustEnqueue(t, q, "T3", P1, 70)
	mustEnqueue(t, q, "T4", P1, 80)

	all := q.GetAll()
	if len(all) != 3 {
		t.Fatalf("expected queue size 3, got %d", len(all))
	}
	present := map[string]bool{}
	for _, e := range all {
		present[e.ItemID] = true
	}
	for _, id := range []string{"T2", "T3", "T4"} {
		if !present[id] {
			t.Fatalf("expected %s to remain in queue, got %v", id, all)
		}
	}
	if present["T1"] {
		t.Fatalf("expected T1 to be evicted")
	}

	dlq := q.GetDeadLetterQueue()
	if len(dlq) != 1 || dlq[0].ItemID != "T1" || dlq[0].Reason != ReasonDroppedForNewer {
		t.Fatalf("expected T1 in DLQ with dropped_for_newer, got %v", dlq)
	}
}

func TestRejectPolicyRefusesAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	cfg.RejectionPolicy = PolicyReject
	q := New(cfg, 8)

	mustEnqueue(t, q, "A", P1, 1)
	mustEnqueue(t, q, "B", P1, 1)

	res, err := q.Enqueue(context.Background(), "C", P1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Reason != ReasonRejectedCapacity {
		t.Fatalf("expected rejection with queue_full-style reason, got %+v", res)
	}
}

func TestDropLowestPriorityPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	cfg.RejectionPolicy = PolicyDropLowestPriority
	q := New(cfg, 8)

	mustEnqueue(t, q, "low", P3, 1)
	mustEnqueue(t, q, "mid", P1, 1)

	// incoming P0 outranks the current lowest (low, P3): low should be evicted.
	res, err := q.Enqueue(context.Background(), "high", P0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected high-priority admit to succeed")
	}
	if q.Has("low") {
		t.Fatalf("expected low to be evicted")
	}
	if !q.Has("mid") || !q.Has("high") {
		t.Fatalf("expected mid and high to remain")
	}

	// now try to admit another low-priority entry: should be refused.
	res2, err := q.Enqueue(context.Background(), "low2", P3, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.Success || res2.Reason != ReasonLowerPriorityThanQ {
		t.Fatalf("expected refusal with lower_priority_than_queue, got %+v", res2)
	}
}

// TestBackpressureDelay checks that crossing the backpressure threshold is
// reflected in GetStatus.
func TestBackpressureDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 10
	cfg.BackpressureThreshold = 0.5
	cfg.MaxBackpressureDelayMs = 100
	q := New(cfg, 32)

	for i := 0; i < 6; i++ {
		mustEnqueue(t, q, string(rune('a'+i)), P1, 1)
	}

	status := q.GetStatus()
	if !status.BackpressureActive {
		t.Fatalf("expected backpressure active after 6th enqueue at threshold 0.5 of 10")
	}

	start := time.Now()
	mustEnqueue(t, q, "seventh", P1, 1)
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Fatalf("expected enqueue delay >= 50ms, got %v", elapsed)
	}
}

func TestEnqueueIdempotentPreservesEarliestEpoch(t *testing.T) {
	cfg := DefaultConfig()
	q := New(cfg, 8)
	mustEnqueue(t, q, "x", P1, 1)
	all1 := q.GetAll()

	mustEnqueue(t, q, "x", P2, 5)
	all2 := q.GetAll()

	if len(all2) != 1 {
		t.Fatalf("expected re-enqueue to be a no-op, got %d entries", len(all2))
	}
	if all1[0].EnqueuedAtEpoch != all2[0].EnqueuedAtEpoch {
		t.Fatalf("expected earliest enqueuedAtEpoch preserved")
	}
}

func TestEnqueueRemoveHasRoundTrip(t *testing.T) {
	q := New(DefaultConfig(), 8)
	mustEnqueue(t, q, "x", P1, 1)
	if !q.Remove("x") {
		t.Fatalf("expected remove to succeed")
	}
	if q.Has("x") {
		t.Fatalf("expected has(x) = false after remove")
	}
}

func TestEnqueueEmptyItemIDRaises(t *testing.T) {
	q := New(DefaultConfig(), 8)
	if _, err := q.Enqueue(context.Background(), "", P1, 1); err == nil {
		t.Fatalf("expected InvalidArgumentError for empty itemId")
	}
}

func TestDequeueEmptyQueueYieldsNone(t *testing.T) {
	q := New(DefaultConfig(), 8)
	if id := q.Dequeue(); id != "" {
		t.Fatalf("expected empty string for empty queue dequeue, got %q", id)
	}
}

// TestEnqueueBoundaryAtMaxSizeMinusOne checks that the entry landing exactly
// at maxSize-1 still admits cleanly, without tripping the at-capacity path.
func TestEnqueueBoundaryAtMaxSizeMinusOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 3
	cfg.RejectionPolicy = PolicyReject
	q := New(cfg, 8)
	mustEnqueue(t, q, "a", P1, 1)
	mustEnqueue(t, q, "b", P1, 1)
	res, err := q.Enqueue(context.Background(), "c", P1, 1)
	if err != nil || !res.Success {
		t.Fatalf("expected enqueue at size=maxSize-1 to succeed, got %+v, %v", res, err)
	}
}
