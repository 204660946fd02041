package stuck

import "testing"

type fakeExtender struct{ calls int }

func (f *fakeExtender) ExtendDeadline(workerID, itemID string, byMs int64) { f.calls++ }

type fakeReassign struct {
	target string
	calls  int
}

func (f *fakeReassign) Reassign(itemID, fromWorkerID string) string {
	f.calls++
	return f.target
}

type fakeRestart struct {
	succeed bool
	calls   int
}

func (f *fakeRestart) Restart(workerID string) bool {
	f.calls++
	return f.succeed
}

type fakeCritical struct{ calls int }

func (f *fakeCritical) EscalateCritical(workerID, itemID string) { f.calls++ }

type fakePause struct {
	calls  int
	reason string
}

func (f *fakePause) Pause(reason string) { f.calls++; f.reason = reason }

func testConfig() Config {
	return Config{
		Thresholds:          Thresholds{WarningMs: 1000, StuckMs: 2000, CriticalMs: 3000},
		DeadlineExtensionMs: 500,
		MaxRecoveryAttempts: 3,
		PauseOnCritical:     true,
	}
}

// TestStuckRecoveryLadder checks that crossing each threshold in order
// escalates through extend-deadline, reassign, restart, and finally
// critical/pause, rather than jumping straight to the harshest action.
func TestStuckRecoveryLadder(t *testing.T) {
	ext := &fakeExtender{}
	reassign := &fakeReassign{target: "w2"}
	restart := &fakeRestart{succeed: false}
	critical := &fakeCritical{}
	pause := &fakePause{}

	h := NewHandler(testConfig(), ext, reassign, restart, critical, pause, 32)

	h.Check("w1", "item-1", 2500)
	if ext.calls != 1 {
		t.Fatalf("expected extend_deadline on first check, got %d calls", ext.calls)
	}
	if reassign.calls != 0 || restart.calls != 0 {
		t.Fatalf("expected only extend_deadline to fire on first check")
	}

	h.Check("w1", "item-1", 3100)
	if reassign.calls != 1 {
		t.Fatalf("expected reassign on second check, got %d calls", reassign.calls)
	}
	if restart.calls != 0 {
		t.Fatalf("expected restart not yet attempted")
	}

	h.Check("w1", "item-1", 3200)
	if restart.calls != 1 {
		t.Fatalf("expected restart on third check, got %d calls", restart.calls)
	}
	if critical.calls != 1 {
		t.Fatalf("expected critical_escalation exactly once, got %d", critical.calls)
	}
	if pause.calls != 1 {
		t.Fatalf("expected pipeline pause exactly once, got %d", pause.calls)
	}

	// Further checks at the same or higher elapsed must be no-ops (idempotent).
	h.Check("w1", "item-1", 5000)
	if restart.calls != 1 || critical.calls != 1 {
		t.Fatalf("expected no further attempts after critical escalation, got restart=%d critical=%d", restart.calls, critical.calls)
	}
}

func TestUnbindResetsLadder(t *testing.T) {
	ext := &fakeExtender{}
	reassign := &fakeReassign{target: "w2"}
	restart := &fakeRestart{succeed: true}
	h := NewHandler(testConfig(), ext, reassign, restart, nil, nil, 32)

	h.Check("w1", "item-1", 2500)
	h.Unbind("w1", "item-1")
	h.Check("w1", "item-1", 2500)

	if ext.calls != 2 {
		t.Fatalf("expected ladder to restart from rung 0 after unbind, got %d calls", ext.calls)
	}
}

func TestBelowWarningThresholdNoOp(t *testing.T) {
	ext := &fakeExtender{}
	h := NewHandler(testConfig(), ext, nil, nil, nil, nil, 32)
	h.Check("w1", "item-1", 500)
	if ext.calls != 0 {
		t.Fatalf("expected no ladder action below warning threshold")
	}
}
