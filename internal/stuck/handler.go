package stuck

import (
	"sync"
	"time"

	"github.com/swarmguard/controller/internal/resilience"
)

// record is the mutable per-binding escalation state. Level starts at -1
// ("no rung fired yet"); each Check call advances it by at most one rung.
type record struct {
	Level           Level
	started         bool
	AttemptCount    int
	CriticalFired   bool
}

// Handler is the Stuck-Worker Handler: a single-threaded actor over
// (worker, task) escalation records.
type Handler struct {
	mu       sync.Mutex
	cfg      Config
	bindings map[binding]*record

	extender  DeadlineExtender
	reassign  ReassignmentHandler
	restart   RestartHandler
	critical  CriticalEscalationHandler
	pause     PipelinePauseHandler

	// recoveryLimiter throttles reassign/restart actions pool-wide so a burst
	// of bindings crossing their threshold in the same tick cannot all fire
	// recovery actions at once; extend_deadline is cheap and left ungated.
	recoveryLimiter *resilience.RateLimiter

	events chan Event
	nowFn  func() int64
}

// NewHandler constructs a Handler. Any handler may be nil; a nil handler's
// ladder rung is treated as a failed attempt.
func NewHandler(cfg Config, extender DeadlineExtender, reassign ReassignmentHandler, restart RestartHandler, critical CriticalEscalationHandler, pause PipelinePauseHandler, eventBuffer int) *Handler {
	maxAttempts := cfg.MaxRecoveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Handler{
		cfg:             cfg,
		bindings:        make(map[binding]*record),
		extender:        extender,
		reassign:        reassign,
		restart:         restart,
		critical:        critical,
		pause:           pause,
		recoveryLimiter: resilience.NewRateLimiter(int64(maxAttempts*4), float64(maxAttempts)),
		events:          make(chan Event, eventBuffer),
		nowFn:           func() int64 { return time.Now().UnixMilli() },
	}
}

// Events returns the Stuck-Worker Handler's event stream.
func (h *Handler) Events() <-chan Event { return h.events }

func (h *Handler) emit(ev Event) {
	ev.AtEpoch = h.nowFn()
	select {
	case h.events <- ev:
	default:
	}
}

// Unbind clears the escalation record for (workerId, itemId) — the task
// completed or was reassigned — resetting the ladder for any future binding.
func (h *Handler) Unbind(workerID, itemID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bindings, binding{WorkerID: workerID, ItemID: itemID})
}

func levelForElapsed(elapsedMs int64, th Thresholds) (Level, bool) {
	switch {
	case elapsedMs >= th.CriticalMs:
		return LevelCritical, true
	case elapsedMs >= th.StuckMs:
		return LevelStuck, true
	case elapsedMs >= th.WarningMs:
		return LevelWarning, true
	default:
		return 0, false
	}
}

func ladderAction(level Level) RecoveryAction {
	switch level {
	case LevelWarning:
		return ActionExtendDeadline
	case LevelStuck:
		return ActionReassign
	default:
		return ActionRestart
	}
}

// Check observes one (worker, task) binding's elapsed time against the
// configured thresholds and advances its escalation ladder by at most one
// rung per call. Re-entering the warning or stuck level once recorded is a
// no-op; once at critical, each further call repeats the restart rung until
// the binding has made MaxRecoveryAttempts attempts, after which critical
// escalation fires once and later calls are no-ops.
func (h *Handler) Check(workerID, itemID string, elapsedMs int64) {
	target, stuck := levelForElapsed(elapsedMs, h.cfg.Thresholds)
	if !stuck {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := binding{WorkerID: workerID, ItemID: itemID}
	rec, ok := h.bindings[key]
	if !ok {
		rec = &record{Level: -1}
		h.bindings[key] = rec
	}
	if rec.CriticalFired {
		return
	}

	nextLevel := rec.Level + 1
	if nextLevel > LevelCritical {
		nextLevel = LevelCritical
	}
	if nextLevel > target {
		return // the next rung's threshold has not been reached yet
	}

	rec.Level = nextLevel
	rec.started = true
	rec.AttemptCount++

	action := ladderAction(nextLevel)
	h.emit(Event{Kind: EventRecoveryAttempted, WorkerID: workerID, ItemID: itemID, Action: action})

	success := h.perform(action, workerID, itemID)
	if success {
		h.emit(Event{Kind: EventRecoverySucceeded, WorkerID: workerID, ItemID: itemID, Action: action})
		return
	}
	h.emit(Event{Kind: EventRecoveryFailed, WorkerID: workerID, ItemID: itemID, Action: action})

	if rec.AttemptCount >= h.cfg.MaxRecoveryAttempts && nextLevel == LevelCritical && !rec.CriticalFired {
		rec.CriticalFired = true
		h.emit(Event{Kind: EventCriticalEscalation, WorkerID: workerID, ItemID: itemID})
		if h.critical != nil {
			h.critical.EscalateCritical(workerID, itemID)
		}
		if h.cfg.PauseOnCritical && h.pause != nil {
			reason := "worker " + workerID + " exhausted recovery attempts on item " + itemID
			h.pause.Pause(reason)
			h.emit(Event{Kind: EventPipelinePaused, WorkerID: workerID, ItemID: itemID})
		}
	}
}

func (h *Handler) perform(action RecoveryAction, workerID, itemID string) bool {
	switch action {
	case ActionExtendDeadline:
		if h.extender == nil {
			return false
		}
		h.extender.ExtendDeadline(workerID, itemID, h.cfg.DeadlineExtensionMs)
		return true
	case ActionReassign:
		if h.reassign == nil || !h.recoveryLimiter.Allow() {
			return false
		}
		target := h.reassign.Reassign(itemID, workerID)
		return target != ""
	case ActionRestart:
		if h.restart == nil || !h.recoveryLimiter.Allow() {
			return false
		}
		return h.restart.Restart(workerID)
	default:
		return false
	}
}
