package pool

import "context"

// Outcome is the tagged result an Executor reports for a bound item.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeRetryable  Outcome = "retryable"
	OutcomeReassigned Outcome = "reassigned"
)

// Result is the full outcome of one Execute call.
type Result struct {
	Outcome Outcome
	Err     error
}

// HeartbeatSink is how an Executor reports liveness to the Health Monitor.
type HeartbeatSink interface {
	Heartbeat(workerID string, step string, progress float64, memoryBytes int64)
}

// CheckpointSink is how an Executor persists resumable progress to the
// Checkpoint Store.
type CheckpointSink interface {
	Checkpoint(ctx context.Context, orderID, itemID, step string, attempt int, state interface{}) error
}

// ExecContext is handed to the Executor for a single bound item.
type ExecContext struct {
	WorkerID    string
	Heartbeats  HeartbeatSink
	Checkpoints CheckpointSink
	Ctx         context.Context
}

// Executor is the inbound contract the Worker Pool Manager calls for every
// bound item: execute(itemId, context) -> result.
type Executor interface {
	Execute(itemID string, ec ExecContext) Result
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(itemID string, ec ExecContext) Result

func (f ExecutorFunc) Execute(itemID string, ec ExecContext) Result { return f(itemID, ec) }
