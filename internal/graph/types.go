// Package graph implements the Priority Analyzer: dependency-graph
// validation, cycle detection, depth/critical-path computation, and
// deterministic executable ordering.
package graph

import "fmt"

// Priority is the work item's externally assigned priority class.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// weight returns W(priority): higher priority classes sort ahead.
func (p Priority) weight() float64 {
	switch p {
	case P0:
		return 1000
	case P1:
		return 750
	case P2:
		return 500
	case P3:
		return 250
	default:
		return 0
	}
}

// Status is a work item's lifecycle status, as understood by the analyzer.
// The core treats status as borrowed state: analyze() reads it to compute
// readiness but never writes to the Item structs the caller passed in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusInCycle    Status = "in_cycle"
)

// Item is a work item node as handed to the analyzer. DependsOn/Blocks are
// borrowed input: the analyzer never mutates them.
type Item struct {
	ID        string
	Priority  Priority
	Effort    int
	Status    Status
	DependsOn []string
	Blocks    []string
}

// Edge is a dependency edge: From depends on To (From -> To).
type Edge struct {
	From string
	To   string
}

// Graph is the borrowed input to analyze(): a set of nodes and edges.
type Graph struct {
	Nodes []Item
	Edges []Edge
}

// ScoreConfig parameterizes the priority-score formula. Defaults match the
// spec's illustrative bonuses; callers may override per deployment.
type ScoreConfig struct {
	DependentsBonus    float64
	QuickWinThreshold  int
	QuickWinBonus      float64
	CriticalPathBonus  float64
}

// DefaultScoreConfig returns reasonable baseline scoring weights.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		DependentsBonus:   10,
		QuickWinThreshold: 2,
		QuickWinBonus:     50,
		CriticalPathBonus: 200,
	}
}

// AnalysisResult is the output of analyze(graph).
type AnalysisResult struct {
	PerItemScores   map[string]float64
	DepthByItem     map[string]int
	ParallelGroups  [][]string // index = depth
	CriticalPath    []string
	Cycles          [][]string // each inner slice is one SCC of size > 1
	BlockedByCycle  map[string]bool
	ExecutionOrder  []string
	Generation      uint64

	// internal lookups used by the query methods
	itemsByID map[string]Item
	dependsOn map[string]map[string]bool
	dependents map[string]map[string]bool
}

// EmptyGraphError is returned by analyze() when the graph has no nodes.
type EmptyGraphError struct{}

func (EmptyGraphError) Error() string { return "graph has no nodes" }

// ValidationError is returned by analyze() when an ingestion invariant is violated.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return fmt.Sprintf("graph validation failed: %s", e.Reason) }

// IssueNotFoundError is returned by query methods for ids unknown to the last analysis.
type IssueNotFoundError struct {
	ItemID string
}

func (e IssueNotFoundError) Error() string { return fmt.Sprintf("issue not found: %s", e.ItemID) }
