package health

import (
	"sync"
	"time"

	"github.com/swarmguard/controller/internal/resilience"
)

// Monitor is the Health Monitor: a single-threaded actor over per-worker
// health records, serializing heartbeat ingestion and health ticks under mu.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	workers  map[string]*WorkerHealth
	ledger   *Ledger
	reassign ReassignmentHandler
	restart  RestartHandler
	breakers map[string]*resilience.CircuitBreaker

	events chan Event
	nowFn  func() int64
}

// NewMonitor constructs a Monitor. ledger may be nil, in which case restart
// counters do not survive a process restart.
func NewMonitor(cfg Config, ledger *Ledger, reassign ReassignmentHandler, restart RestartHandler, eventBuffer int) *Monitor {
	return &Monitor{
		cfg:      cfg,
		workers:  make(map[string]*WorkerHealth),
		ledger:   ledger,
		reassign: reassign,
		restart:  restart,
		breakers: make(map[string]*resilience.CircuitBreaker),
		events:   make(chan Event, eventBuffer),
		nowFn:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Events returns the Health Monitor's event stream.
func (m *Monitor) Events() <-chan Event { return m.events }

func (m *Monitor) emit(ev Event) {
	ev.AtEpoch = m.nowFn()
	select {
	case m.events <- ev:
	default:
	}
}

// Heartbeat ingests a liveness report. An unknown workerId auto-registers as
// healthy, since pool startup and first heartbeat can interleave.
func (m *Monitor) Heartbeat(hb Heartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wh, ok := m.workers[hb.WorkerID]
	if !ok {
		wh = &WorkerHealth{WorkerID: hb.WorkerID, HealthStatus: StatusHealthy}
		if m.ledger != nil {
			if attempts, lastRestart, found := m.ledger.Load(hb.WorkerID); found {
				wh.RestartAttempts = attempts
				wh.LastRestartEpoch = lastRestart
			}
		}
		m.workers[hb.WorkerID] = wh
	}

	wh.LastHeartbeat = hb
	wh.MissedHeartbeats = 0
	if wh.HealthStatus == StatusDegraded {
		wh.HealthStatus = StatusHealthy
	}

	m.emit(Event{Kind: EventHeartbeatReceived, WorkerID: hb.WorkerID})

	if hb.MemoryBytes > m.cfg.MemoryThresholdBytes {
		m.emit(Event{Kind: EventMemoryThresholdExceeded, WorkerID: hb.WorkerID})
	}
}

// GetWorker returns a copy of the health record for workerId.
func (m *Monitor) GetWorker(workerID string) (WorkerHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh, ok := m.workers[workerID]
	if !ok {
		return WorkerHealth{}, false
	}
	return *wh, true
}

// Tick performs one health-check pass over every known worker: recomputes
// missed-heartbeat counts, advances the state machine, and drives zombie
// recovery and restart-cooldown retries.
func (m *Monitor) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	for _, wh := range m.workers {
		if m.cfg.HeartbeatIntervalMs > 0 {
			elapsed := now - wh.LastHeartbeat.TimestampEpoch
			wh.MissedHeartbeats = int(elapsed / m.cfg.HeartbeatIntervalMs)
		}

		switch wh.HealthStatus {
		case StatusHealthy, StatusDegraded:
			if wh.MissedHeartbeats >= m.cfg.MissedHeartbeatThreshold {
				wh.HealthStatus = StatusZombie
				m.handleZombie(wh)
			} else if wh.MissedHeartbeats >= m.cfg.MissedHeartbeatThreshold/2 {
				wh.HealthStatus = StatusDegraded
			}
		case StatusRestarting:
			if now-wh.LastRestartEpoch >= m.cfg.RestartCooldownMs {
				m.attemptRestart(wh)
			}
		}

		if wh.LastHeartbeat.MemoryBytes > m.cfg.MemoryThresholdBytes {
			m.emit(Event{Kind: EventMemoryThresholdExceeded, WorkerID: wh.WorkerID})
		}
	}
}

// handleZombie runs reassignment then triggers the first restart attempt.
// Caller holds m.mu.
func (m *Monitor) handleZombie(wh *WorkerHealth) {
	m.emit(Event{Kind: EventZombieDetected, WorkerID: wh.WorkerID})

	if wh.LastHeartbeat.CurrentTask != "" && m.reassign != nil {
		newWorker := m.reassign.Reassign(wh.LastHeartbeat.CurrentTask, wh.WorkerID)
		m.emit(Event{Kind: EventTaskReassigned, WorkerID: newWorker, ItemID: wh.LastHeartbeat.CurrentTask})
	}

	wh.HealthStatus = StatusRestarting
	m.attemptRestart(wh)
}

// breakerFor returns the per-worker restart circuit breaker, creating one on
// first use. A worker whose restarts keep failing trips its breaker and is
// left alone for the cool-down window instead of being restarted on every
// single tick, the way a flapping dependency would be handled downstream.
func (m *Monitor) breakerFor(workerID string) *resilience.CircuitBreaker {
	cb, ok := m.breakers[workerID]
	if !ok {
		cb = resilience.NewCircuitBreaker(time.Minute, 6, 2, 0.5, time.Duration(m.cfg.RestartCooldownMs)*time.Millisecond, 1)
		m.breakers[workerID] = cb
	}
	return cb
}

// attemptRestart calls the restart handler and advances the worker's health
// state machine based on the outcome. Caller holds m.mu.
func (m *Monitor) attemptRestart(wh *WorkerHealth) {
	if wh.RestartAttempts >= m.cfg.MaxRestarts {
		wh.HealthStatus = StatusError
		return
	}
	if m.restart == nil {
		return
	}

	cb := m.breakerFor(wh.WorkerID)
	if !cb.Allow() {
		wh.HealthStatus = StatusRestarting
		return
	}

	ok := m.restart.Restart(wh.WorkerID)
	cb.RecordResult(ok)
	wh.LastRestartEpoch = m.nowFn()

	if ok {
		wh.RestartAttempts = 0
		wh.MissedHeartbeats = 0
		wh.HealthStatus = StatusHealthy
		m.emit(Event{Kind: EventWorkerRestarted, WorkerID: wh.WorkerID})
	} else {
		wh.RestartAttempts++
		if wh.RestartAttempts >= m.cfg.MaxRestarts {
			wh.HealthStatus = StatusError
		} else {
			wh.HealthStatus = StatusRestarting
		}
		m.emit(Event{Kind: EventWorkerRestartFailed, WorkerID: wh.WorkerID})
	}

	if m.ledger != nil {
		m.ledger.Record(wh.WorkerID, wh.RestartAttempts, wh.LastRestartEpoch)
	}
}
