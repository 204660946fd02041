package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmguard/controller/internal/checkpoint"
	"github.com/swarmguard/controller/internal/health"
	"github.com/swarmguard/controller/internal/metrics"
	"github.com/swarmguard/controller/internal/pool"
	"github.com/swarmguard/controller/internal/queue"
	"github.com/swarmguard/controller/internal/stuck"
)

// heartbeatSink lets an Executor report liveness without importing
// internal/health directly; the pool only ever sees the pool.HeartbeatSink
// interface.
type heartbeatSink struct {
	hm *health.Monitor
}

func (s *heartbeatSink) Heartbeat(workerID, step string, progress float64, memoryBytes int64) {
	s.hm.Heartbeat(health.Heartbeat{
		WorkerID:       workerID,
		TimestampEpoch: time.Now().UnixMilli(),
		Status:         string(health.StatusHealthy),
		CurrentTask:    step,
		MemoryBytes:    memoryBytes,
		Progress:       progress,
	})
}

// checkpointSink adapts the Checkpoint Store to pool.CheckpointSink, mapping
// the generic string step name onto the store's fixed Step enum.
type checkpointSink struct {
	cs *checkpoint.Store
}

func (s *checkpointSink) Checkpoint(ctx context.Context, orderID, itemID, step string, attempt int, state interface{}) error {
	return s.cs.Save(ctx, orderID, itemID, checkpoint.Step(step), attempt, state)
}

// poolReassignHandler hands a zombie's or stuck worker's in-flight item back
// onto the pool's queue, using whatever priority/effort the demo last saw
// for that item. Satisfies both health.ReassignmentHandler and
// stuck.ReassignmentHandler (their method sets are identical by design).
type poolReassignHandler struct {
	pool  *pool.Pool
	items *itemRegistry
}

func (h *poolReassignHandler) Reassign(itemID, fromWorkerID string) string {
	meta, ok := h.items.get(itemID)
	if !ok {
		meta = itemMeta{priority: queue.P2, effort: 1}
	}
	if _, err := h.pool.Submit(itemID, meta.priority, meta.effort); err != nil {
		slog.Warn("reassign: resubmit failed", "item", itemID, "from", fromWorkerID, "error", err)
		return ""
	}
	return "requeued"
}

// poolRestartHandler recovers a worker slot in place of actually replacing a
// worker process, which is out of scope for this single-process demo.
type poolRestartHandler struct {
	pool *pool.Pool
}

func (h *poolRestartHandler) Restart(workerID string) bool {
	return h.pool.Recover(workerID)
}

// deadlineExtender publishes the extension as an event; there is no real
// per-task deadline clock in the demo executor to push out.
type deadlineExtender struct {
	plane *metrics.Plane
}

func (d *deadlineExtender) ExtendDeadline(workerID, itemID string, byMs int64) {
	d.plane.Publish(metrics.Event{
		Kind:     "deadline_extended",
		Source:   "stuck",
		WorkerID: workerID,
		ItemID:   itemID,
		Reason:   fmt.Sprintf("+%dms", byMs),
	})
}

// criticalHandler logs and broadcasts a critical_escalation once the
// stuck-worker ladder exhausts its recovery attempts.
type criticalHandler struct {
	plane *metrics.Plane
}

func (c *criticalHandler) EscalateCritical(workerID, itemID string) {
	slog.Error("critical escalation", "worker", workerID, "item", itemID)
	c.plane.Publish(metrics.Event{Kind: "critical_escalation", Source: "stuck", WorkerID: workerID, ItemID: itemID})
}

// pauseHandler pauses new Submit calls pool-wide, per the pauseOnCritical
// design decision: in-flight Executors are left to finish.
type pauseHandler struct {
	pool  *pool.Pool
	plane *metrics.Plane
}

func (p *pauseHandler) Pause(reason string) {
	p.pool.Pause()
	slog.Warn("pipeline paused", "reason", reason)
	p.plane.Publish(metrics.Event{Kind: "pipeline_paused", Source: "stuck", Reason: reason})
}

// bridgeEvents forwards every component's internal event stream onto the
// shared metrics.Plane broadcast, and drives the stuck-worker ladder off of
// the pool's own task_started bookkeeping.
func bridgeEvents(ctx context.Context, plane *metrics.Plane, q *queue.Queue, wpm *pool.Pool, hm *health.Monitor, swh *stuck.Handler) {
	go forwardQueueEvents(ctx, plane, q)
	go forwardPoolEvents(ctx, plane, wpm, swh)
	go forwardHealthEvents(ctx, plane, hm)
	go forwardStuckEvents(ctx, plane, swh)
}

func forwardQueueEvents(ctx context.Context, plane *metrics.Plane, q *queue.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.Events():
			if !ok {
				return
			}
			plane.Publish(metrics.Event{Kind: metrics.EventKind(ev.Kind), Source: "queue", ItemID: ev.ItemID, Reason: string(ev.Reason)})
		}
	}
}

// forwardPoolEvents forwards pool lifecycle events and also records each
// task_started binding's start time so a periodic elapsed-time check can
// feed the stuck-worker handler.
func forwardPoolEvents(ctx context.Context, plane *metrics.Plane, wpm *pool.Pool, swh *stuck.Handler) {
	startedAt := make(map[string]time.Time)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-wpm.Events():
			if !ok {
				return
			}
			plane.Publish(metrics.Event{Kind: metrics.EventKind(ev.Kind), Source: "pool", WorkerID: ev.WorkerID, ItemID: ev.ItemID})
			switch ev.Kind {
			case pool.EventTaskStarted:
				startedAt[ev.WorkerID+"/"+ev.ItemID] = time.Now()
			case pool.EventTaskCompleted, pool.EventTaskFailed:
				delete(startedAt, ev.WorkerID+"/"+ev.ItemID)
			}
		case <-ticker.C:
			for key, start := range startedAt {
				worker, item := splitBinding(key)
				swh.Check(worker, item, time.Since(start).Milliseconds())
			}
		}
	}
}

func splitBinding(key string) (worker, item string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func forwardHealthEvents(ctx context.Context, plane *metrics.Plane, hm *health.Monitor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-hm.Events():
			if !ok {
				return
			}
			plane.Publish(metrics.Event{Kind: metrics.EventKind(ev.Kind), Source: "health", WorkerID: ev.WorkerID, ItemID: ev.ItemID})
		}
	}
}

func forwardStuckEvents(ctx context.Context, plane *metrics.Plane, swh *stuck.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-swh.Events():
			if !ok {
				return
			}
			plane.Publish(metrics.Event{Kind: metrics.EventKind(ev.Kind), Source: "stuck", WorkerID: ev.WorkerID, ItemID: ev.ItemID})
		}
	}
}

// startTicker runs fn every interval until ctx is canceled, returning a
// stop func the caller may invoke early.
func startTicker(ctx context.Context, interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() { close(done) }
}

// refreshRegistry periodically pushes queue/pool status into the Prometheus
// registry's gauges, since those components expose pull-style snapshots
// rather than pushing gauge updates themselves.
func refreshRegistry(ctx context.Context, reg *metrics.Registry, q *queue.Queue, wpm *pool.Pool, interval time.Duration) func() {
	return startTicker(ctx, interval, func() {
		qs := q.GetStatus()
		reg.SetQueue(qs.Size, qs.MaxSize, len(q.GetDeadLetterQueue()))
		reg.SetBackpressureActive(qs.BackpressureActive)
		if qs.MaxSize > 0 {
			reg.SetUtilization(float64(qs.Size) / float64(qs.MaxSize))
		}

		ps := wpm.GetStatus()
		reg.SetWorkers(ps.Total, ps.Busy, ps.Idle, ps.Error)
	})
}
