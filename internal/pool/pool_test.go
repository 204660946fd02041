package pool

import (
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/controller/internal/queue"
)

func newTestPool(t *testing.T, executor Executor) *Pool {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	cfg := queue.DefaultConfig()
	cfg.MaxSize = 100
	q := queue.New(cfg, 32)
	p, err := New(q, executor, mp.Meter("test"), 32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSubmitBindsAndCompletes(t *testing.T) {
	var mu sync.Mutex
	completed := make(map[string]bool)

	executor := ExecutorFunc(func(itemID string, ec ExecContext) Result {
		return Result{Outcome: OutcomeCompleted}
	})
	p := newTestPool(t, executor)

	var wg sync.WaitGroup
	wg.Add(1)
	p.OnCompletion(func(ce CompletionEvent) {
		mu.Lock()
		completed[ce.ItemID] = true
		mu.Unlock()
		wg.Done()
	})

	p.Start(2)
	defer p.Stop(StopForceful, time.Second)

	res, err := p.Submit("item-1", queue.P1, 1)
	if err != nil || !res.Success {
		t.Fatalf("submit failed: %+v, %v", res, err)
	}

	waitOrTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if !completed["item-1"] {
		t.Fatalf("expected item-1 to complete")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for completion")
	}
}

func TestPauseRefusesSubmit(t *testing.T) {
	executor := ExecutorFunc(func(itemID string, ec ExecContext) Result {
		return Result{Outcome: OutcomeCompleted}
	})
	p := newTestPool(t, executor)
	p.Start(1)
	defer p.Stop(StopForceful, time.Second)

	p.Pause()
	_, err := p.Submit("item-2", queue.P1, 1)
	if err != ErrPaused {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestGetStatusReflectsSlotTally(t *testing.T) {
	executor := ExecutorFunc(func(itemID string, ec ExecContext) Result {
		time.Sleep(50 * time.Millisecond)
		return Result{Outcome: OutcomeCompleted}
	})
	p := newTestPool(t, executor)
	p.Start(3)
	defer p.Stop(StopForceful, time.Second)

	status := p.GetStatus()
	if status.Total != 3 || status.Idle != 3 {
		t.Fatalf("expected 3 idle slots at start, got %+v", status)
	}
}

func TestFailedOutcomeSetsLastError(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	executor := ExecutorFunc(func(itemID string, ec ExecContext) Result {
		return Result{Outcome: OutcomeFailed, Err: errBoom}
	})
	p := newTestPool(t, executor)
	p.OnCompletion(func(ce CompletionEvent) { wg.Done() })
	p.Start(1)
	defer p.Stop(StopForceful, time.Second)

	p.Submit("item-3", queue.P1, 1)
	waitOrTimeout(t, &wg, 2*time.Second)

	slot, ok := p.GetWorker("worker-0")
	if !ok {
		t.Fatalf("expected worker-0 to exist")
	}
	if slot.Status != SlotIdle {
		t.Fatalf("expected slot back to idle after failure, got %s", slot.Status)
	}
	if slot.LastError == "" {
		t.Fatalf("expected lastError to be set")
	}
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }

// TestForcefulStopCancelsBoundExecutor checks that a StopForceful call
// cancels ec.Ctx for an Executor that's still running, rather than only
// taking effect on the next dispatch.
func TestForcefulStopCancelsBoundExecutor(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan struct{})
	executor := ExecutorFunc(func(itemID string, ec ExecContext) Result {
		close(started)
		<-ec.Ctx.Done()
		close(canceled)
		return Result{Outcome: OutcomeRetryable, Err: ec.Ctx.Err()}
	})
	p := newTestPool(t, executor)
	p.Start(1)

	if _, err := p.Submit("item-4", queue.P1, 1); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for executor to start")
	}

	p.Stop(StopForceful, time.Second)

	select {
	case <-canceled:
	default:
		t.Fatalf("expected ec.Ctx to be canceled by StopForceful")
	}
}
