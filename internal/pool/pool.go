package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/controller/internal/queue"
)

// ErrPaused is returned by Submit while the pool is paused (pauseOnCritical).
var ErrPaused = errors.New("pool: paused, not accepting new submissions")

// Pool is the Worker Pool Manager. It owns the queue's dequeue side and a
// fixed set of worker slots; binding, completion, and status queries all
// serialize under mu so slot state only ever has one writer at a time.
type Pool struct {
	mu          sync.Mutex
	slots       map[string]*Slot
	order       []string
	q           *queue.Queue
	executor    Executor
	paused      bool
	heartbeats  HeartbeatSink
	checkpoints CheckpointSink

	onCompletion []func(CompletionEvent)

	events chan Event

	wake    chan struct{}
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	tasksStarted   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	taskDuration   metric.Float64Histogram

	nowFn func() int64
}

// New constructs a Pool bound to q and executor. Call Start(numWorkers) to
// begin binding items to slots.
func New(q *queue.Queue, executor Executor, meter metric.Meter, eventBuffer int) (*Pool, error) {
	tasksStarted, err := meter.Int64Counter("controller_wpm_tasks_started_total")
	if err != nil {
		return nil, err
	}
	tasksCompleted, err := meter.Int64Counter("controller_wpm_tasks_completed_total")
	if err != nil {
		return nil, err
	}
	tasksFailed, err := meter.Int64Counter("controller_wpm_tasks_failed_total")
	if err != nil {
		return nil, err
	}
	taskDuration, err := meter.Float64Histogram("controller_wpm_task_duration_ms")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		slots:          make(map[string]*Slot),
		q:              q,
		executor:       executor,
		events:         make(chan Event, eventBuffer),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		tasksStarted:   tasksStarted,
		tasksCompleted: tasksCompleted,
		tasksFailed:    tasksFailed,
		taskDuration:   taskDuration,
		nowFn:          func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// SetSinks wires the heartbeat/checkpoint sinks every bound Executor
// receives in its ExecContext. Must be called before Start if the Executor
// depends on them.
func (p *Pool) SetSinks(heartbeats HeartbeatSink, checkpoints CheckpointSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats = heartbeats
	p.checkpoints = checkpoints
}

// Events returns the pool's event stream.
func (p *Pool) Events() <-chan Event { return p.events }

func (p *Pool) emit(ev Event) {
	ev.AtEpoch = p.nowFn()
	select {
	case p.events <- ev:
	default:
	}
}

// Start creates numWorkers idle slots, named worker-0..worker-N-1, and
// begins the dispatch loop.
func (p *Pool) Start(numWorkers int) {
	p.mu.Lock()
	for i := 0; i < numWorkers; i++ {
		id := workerName(i)
		p.slots[id] = &Slot{WorkerID: id, Status: SlotIdle}
		p.order = append(p.order, id)
	}
	sort.Strings(p.order)
	p.stopCh = make(chan struct{})
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dispatchLoop()
}

func workerName(i int) string {
	const letters = "0123456789"
	if i < 10 {
		return "worker-" + string(letters[i])
	}
	return "worker-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// Stop shuts the pool down. Graceful waits up to grace for in-flight
// Executors to finish on their own. Forceful cancels the pool's shared
// context immediately, so every bound Executor's ec.Ctx fires Done; it then
// waits up to grace for those Executors to actually return before giving up.
func (p *Pool) Stop(mode StopMode, grace time.Duration) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	if mode == StopForceful {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}
}

// Submit enqueues itemId onto the BWQ and signals the dispatcher to attempt
// binding. Refused while the pool is paused.
func (p *Pool) Submit(itemID string, priority queue.Priority, effort int) (queue.EnqueueResult, error) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return queue.EnqueueResult{}, ErrPaused
	}
	p.mu.Unlock()

	res, err := p.q.Enqueue(p.ctx, itemID, priority, effort)
	if err != nil {
		return res, err
	}
	p.signalWake()
	return res, nil
}

// Pause refuses new Submit calls while letting in-flight Executors finish,
// per the pauseOnCritical design decision in DESIGN.md.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume clears a prior Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.signalWake()
}

func (p *Pool) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// OnCompletion registers a callback invoked for every terminal outcome.
func (p *Pool) OnCompletion(cb func(CompletionEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCompletion = append(p.onCompletion, cb)
}

// GetStatus returns the pool-wide slot tally.
func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Status
	s.Total = len(p.slots)
	for _, slot := range p.slots {
		switch slot.Status {
		case SlotIdle:
			s.Idle++
		case SlotWorking:
			s.Busy++
		case SlotError:
			s.Error++
		}
	}
	return s
}

// Recover resets workerId's slot back to idle, bumping its restart bookkeeping,
// simulating the replacement of a worker's process/runtime after HM or SWH
// decides it must be restarted. Any item it was bound to is dropped; the
// caller (HM's zombie handling, SWH's reassign step) is responsible for
// re-submitting that item before calling Recover if it should survive.
func (p *Pool) Recover(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[workerID]
	if !ok {
		return false
	}
	slot.Status = SlotIdle
	slot.CurrentItem = ""
	slot.LastError = ""
	slot.RestartCount++
	slot.LastRestartEpoch = p.nowFn()
	return true
}

// GetWorker returns a copy of the slot record for workerId, or ok=false.
func (p *Pool) GetWorker(workerID string) (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[workerID]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// GetQueue exposes the bound BWQ for inspection by callers (HM/SWH).
func (p *Pool) GetQueue() *queue.Queue { return p.q }

// dispatchLoop is the pool's single coordination goroutine: binding and
// completion both run here, so they can never race each other. Recover is
// the only other writer of slot state, and it holds mu while it writes.
func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	results := make(chan CompletionEvent, 16)

	for {
		p.bindIdleSlots(results)

		select {
		case <-p.stopCh:
			return
		case <-p.wake:
		case ce := <-results:
			p.handleCompletion(ce)
		case <-time.After(50 * time.Millisecond):
			// periodic poll: binding rule must also react to queue fill-ins
			// that happen without an explicit Submit wake (e.g. re-enqueue
			// from a retry).
		}
	}
}

func (p *Pool) bindIdleSlots(results chan<- CompletionEvent) {
	for {
		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return
		}
		var idleID string
		for _, id := range p.order {
			if p.slots[id].Status == SlotIdle {
				idleID = id
				break
			}
		}
		if idleID == "" {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		itemID := p.q.Dequeue()
		if itemID == "" {
			return
		}

		p.mu.Lock()
		slot := p.slots[idleID]
		slot.Status = SlotWorking
		slot.CurrentItem = itemID
		slot.StartedAtEpoch = p.nowFn()
		p.mu.Unlock()

		if p.tasksStarted != nil {
			p.tasksStarted.Add(context.Background(), 1)
		}
		p.emit(Event{Kind: EventTaskStarted, WorkerID: idleID, ItemID: itemID})

		p.wg.Add(1)
		go p.runExecutor(idleID, itemID, results)
	}
}

func (p *Pool) runExecutor(workerID, itemID string, results chan<- CompletionEvent) {
	defer p.wg.Done()
	start := time.Now()
	p.mu.Lock()
	ec := ExecContext{WorkerID: workerID, Heartbeats: p.heartbeats, Checkpoints: p.checkpoints, Ctx: p.ctx}
	p.mu.Unlock()
	result := p.executor.Execute(itemID, ec)
	if p.taskDuration != nil {
		p.taskDuration.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}
	select {
	case results <- CompletionEvent{ItemID: itemID, WorkerID: workerID, Outcome: result.Outcome, Err: result.Err}:
	case <-p.stopCh:
	}
	p.signalWake()
}

// handleCompletion frees the slot and applies one terminal outcome: a
// completed or failed task counts and notifies subscribers, a retryable one
// goes back on the queue, and a reassigned one is left for the caller that
// reassigned it to resubmit.
func (p *Pool) handleCompletion(ce CompletionEvent) {
	p.mu.Lock()
	slot, ok := p.slots[ce.WorkerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	switch ce.Outcome {
	case OutcomeCompleted:
		slot.Status = SlotIdle
		slot.CurrentItem = ""
		slot.CompletedCount++
		if p.tasksCompleted != nil {
			p.tasksCompleted.Add(context.Background(), 1)
		}
		p.mu.Unlock()
		p.emit(Event{Kind: EventTaskCompleted, WorkerID: ce.WorkerID, ItemID: ce.ItemID})
	case OutcomeFailed:
		errMsg := ""
		if ce.Err != nil {
			errMsg = ce.Err.Error()
		}
		slot.Status = SlotIdle
		slot.CurrentItem = ""
		slot.LastError = errMsg
		if p.tasksFailed != nil {
			p.tasksFailed.Add(context.Background(), 1)
		}
		p.mu.Unlock()
		p.emit(Event{Kind: EventTaskFailed, WorkerID: ce.WorkerID, ItemID: ce.ItemID})
	case OutcomeRetryable:
		slot.Status = SlotIdle
		slot.CurrentItem = ""
		p.mu.Unlock()
		// re-enqueue respecting the current admission policy; priority/effort
		// are not known to the pool so the queue's idempotent re-enqueue
		// preserves whatever entry already exists, or the caller resubmits
		// with full metadata via Submit.
		p.q.Enqueue(p.ctx, ce.ItemID, queue.P2, 0)
	case OutcomeReassigned:
		slot.Status = SlotIdle
		slot.CurrentItem = ""
		p.mu.Unlock()
	default:
		p.mu.Unlock()
	}

	p.mu.Lock()
	cbs := make([]func(CompletionEvent), len(p.onCompletion))
	copy(cbs, p.onCompletion)
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(ce)
	}
}
