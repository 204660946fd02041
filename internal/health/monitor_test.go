package health

import "testing"

type fakeReassign struct {
	lastFrom, lastItem string
	target             string
}

func (f *fakeReassign) Reassign(itemID, fromWorkerID string) string {
	f.lastFrom, f.lastItem = fromWorkerID, itemID
	return f.target
}

type fakeRestart struct {
	succeedOn int
	calls     int
}

func (f *fakeRestart) Restart(workerID string) bool {
	f.calls++
	return f.calls >= f.succeedOn
}

func newTestMonitor(cfg Config, reassign ReassignmentHandler, restart RestartHandler) *Monitor {
	m := NewMonitor(cfg, nil, reassign, restart, 32)
	var clock int64
	m.nowFn = func() int64 { return clock }
	return m
}

// setClock is a helper closing over the monitor's nowFn to advance fake time.
func setClock(m *Monitor, t int64) {
	m.nowFn = func() int64 { return t }
}

func TestAutoRegisterOnFirstHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestMonitor(cfg, &fakeReassign{}, &fakeRestart{succeedOn: 1})
	setClock(m, 0)
	m.Heartbeat(Heartbeat{WorkerID: "w1", TimestampEpoch: 0})

	wh, ok := m.GetWorker("w1")
	if !ok {
		t.Fatalf("expected w1 to be auto-registered")
	}
	if wh.HealthStatus != StatusHealthy {
		t.Fatalf("expected healthy on first heartbeat, got %s", wh.HealthStatus)
	}
}

// TestHeartbeatBoundaryTransitionsToZombie checks the boundary case: a
// heartbeat age exactly at missedHeartbeatThreshold*heartbeatIntervalMs
// transitions the worker to zombie.
func TestHeartbeatBoundaryTransitionsToZombie(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatIntervalMs = 1000
	cfg.MissedHeartbeatThreshold = 3
	restart := &fakeRestart{succeedOn: 1}
	m := newTestMonitor(cfg, &fakeReassign{}, restart)

	setClock(m, 0)
	m.Heartbeat(Heartbeat{WorkerID: "w1", TimestampEpoch: 0})

	// advance halfway to threshold/2 boundary: degraded
	setClock(m, 1500)
	m.Tick()
	wh, _ := m.GetWorker("w1")
	if wh.HealthStatus != StatusDegraded {
		t.Fatalf("expected degraded at 1.5 missed intervals, got %s", wh.HealthStatus)
	}

	// advance exactly to threshold*interval = 3000ms old: zombie
	setClock(m, 3000)
	m.Tick()
	wh, _ = m.GetWorker("w1")
	if wh.HealthStatus != StatusHealthy && wh.HealthStatus != StatusRestarting {
		t.Fatalf("expected zombie handling to resolve to healthy (restart succeeds) or restarting, got %s", wh.HealthStatus)
	}
}

func TestZombieTriggersReassignAndRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatIntervalMs = 1000
	cfg.MissedHeartbeatThreshold = 2
	reassign := &fakeReassign{target: "w2"}
	restart := &fakeRestart{succeedOn: 1}
	m := newTestMonitor(cfg, reassign, restart)

	setClock(m, 0)
	m.Heartbeat(Heartbeat{WorkerID: "w1", TimestampEpoch: 0, CurrentTask: "item-9"})

	setClock(m, 2000)
	m.Tick()

	if reassign.lastItem != "item-9" || reassign.lastFrom != "w1" {
		t.Fatalf("expected reassignment for item-9 from w1, got %+v", reassign)
	}
	if restart.calls != 1 {
		t.Fatalf("expected restart to be attempted once, got %d", restart.calls)
	}

	wh, _ := m.GetWorker("w1")
	if wh.HealthStatus != StatusHealthy {
		t.Fatalf("expected healthy after successful restart, got %s", wh.HealthStatus)
	}
}

func TestRestartExhaustionReachesError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatIntervalMs = 1000
	cfg.MissedHeartbeatThreshold = 2
	cfg.MaxRestarts = 2
	cfg.RestartCooldownMs = 100
	restart := &fakeRestart{succeedOn: 99} // never succeeds within MaxRestarts
	m := newTestMonitor(cfg, &fakeReassign{}, restart)

	setClock(m, 0)
	m.Heartbeat(Heartbeat{WorkerID: "w1", TimestampEpoch: 0})

	setClock(m, 2000)
	m.Tick() // zombie -> restarting, attempt 1 fails

	setClock(m, 2200)
	m.Tick() // cooldown elapsed, attempt 2 fails -> error

	wh, _ := m.GetWorker("w1")
	if wh.HealthStatus != StatusError {
		t.Fatalf("expected terminal error after exhausting restarts, got %s", wh.HealthStatus)
	}
}

func TestMemoryThresholdExceededEmitsEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryThresholdBytes = 100
	m := newTestMonitor(cfg, &fakeReassign{}, &fakeRestart{succeedOn: 1})
	setClock(m, 0)
	m.Heartbeat(Heartbeat{WorkerID: "w1", TimestampEpoch: 0, MemoryBytes: 200})

	found := false
	for {
		select {
		case ev := <-m.Events():
			if ev.Kind == EventMemoryThresholdExceeded {
				found = true
			}
		default:
			if !found {
				t.Fatalf("expected memory_threshold_exceeded event")
			}
			return
		}
	}
}
