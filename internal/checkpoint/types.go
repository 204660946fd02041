// Package checkpoint implements the Checkpoint Store: one file per orderId,
// written atomically, encoding per-order progress so a crashed order can
// resume from its last resumable step.
package checkpoint

import "fmt"

// Step is a position in the fixed order-execution pipeline.
type Step string

const (
	StepContextAnalysis   Step = "context_analysis"
	StepBranchCreation     Step = "branch_creation"
	StepCodeGeneration     Step = "code_generation"
	StepTestGeneration     Step = "test_generation"
	StepVerification       Step = "verification"
	StepCommit             Step = "commit"
	StepResultPersistence Step = "result_persistence"
)

// StepOrder is the fixed pipeline order. Only the first four steps are
// resumable; the remaining three must be retried from their start.
var StepOrder = []Step{
	StepContextAnalysis,
	StepBranchCreation,
	StepCodeGeneration,
	StepTestGeneration,
	StepVerification,
	StepCommit,
	StepResultPersistence,
}

var resumableSteps = map[Step]bool{
	StepContextAnalysis: true,
	StepBranchCreation:   true,
	StepCodeGeneration:   true,
	StepTestGeneration:   true,
}

// Resumable reports whether step is one of the early pipeline steps that can
// pick up where it left off rather than needing to restart from scratch.
func Resumable(step Step) bool {
	return resumableSteps[step]
}

// GetNextStep returns the successor of step in StepOrder; the successor of
// the last step wraps to the first. Used only for testing invariants.
func GetNextStep(step Step) Step {
	for i, s := range StepOrder {
		if s == step {
			return StepOrder[(i+1)%len(StepOrder)]
		}
	}
	return StepOrder[0]
}

// SchemaVersion is embedded in every checkpoint file for forward compatibility.
const SchemaVersion = "1"

// Checkpoint is the durable per-order progress snapshot.
type Checkpoint struct {
	SchemaVersion string      `json:"schemaVersion"`
	OrderID        string      `json:"orderId"`
	ItemID         string      `json:"itemId"`
	Step           Step        `json:"step"`
	AttemptNumber  int         `json:"attemptNumber"`
	Resumable      bool        `json:"resumable"`
	State          interface{} `json:"state"`
	CreatedAtEpoch int64       `json:"createdAtEpoch"`
}

// NotFoundError is a typed failure distinguishing "no checkpoint" from a
// parse error, surfaced by Load's error path when the caller needs it.
type NotFoundError struct {
	OrderID string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("no checkpoint for order %s", e.OrderID) }

// ParseError wraps a failure to decode an on-disk checkpoint file.
type ParseError struct {
	OrderID string
	Cause   error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("checkpoint parse error for order %s: %v", e.OrderID, e.Cause)
}

func (e ParseError) Unwrap() error { return e.Cause }
