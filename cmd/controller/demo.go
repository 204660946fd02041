package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/controller/internal/checkpoint"
	"github.com/swarmguard/controller/internal/graph"
	"github.com/swarmguard/controller/internal/pool"
	"github.com/swarmguard/controller/internal/queue"
)

// itemMeta is the priority/effort the demo needs to re-submit an item it no
// longer has a queue.Entry for (reassignment, retry). The core components
// never need this; it is driver-level bookkeeping only.
type itemMeta struct {
	priority queue.Priority
	effort   int
}

// itemRegistry is a small mutex-guarded map from itemId to itemMeta.
type itemRegistry struct {
	mu    sync.Mutex
	items map[string]itemMeta
}

func newItemRegistry() *itemRegistry {
	return &itemRegistry{items: make(map[string]itemMeta)}
}

func (r *itemRegistry) put(itemID string, m itemMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[itemID] = m
}

func (r *itemRegistry) get(itemID string) (itemMeta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[itemID]
	return m, ok
}

func (r *itemRegistry) delete(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, itemID)
}

// sampleGraph is a small, acyclic dependency graph demonstrating a typical
// build-and-ship pipeline, used to exercise the end-to-end flow at startup.
func sampleGraph() graph.Graph {
	return graph.Graph{
		Nodes: []graph.Item{
			{ID: "design-api", Priority: graph.P0, Effort: 3, Status: graph.StatusPending},
			{ID: "implement-api", Priority: graph.P0, Effort: 5, Status: graph.StatusPending, DependsOn: []string{"design-api"}},
			{ID: "write-tests", Priority: graph.P1, Effort: 3, Status: graph.StatusPending, DependsOn: []string{"implement-api"}},
			{ID: "deploy", Priority: graph.P0, Effort: 2, Status: graph.StatusPending, DependsOn: []string{"write-tests", "implement-api"}},
			{ID: "update-docs", Priority: graph.P2, Effort: 1, Status: graph.StatusPending},
		},
		Edges: []graph.Edge{
			{From: "implement-api", To: "design-api"},
			{From: "write-tests", To: "implement-api"},
			{From: "deploy", To: "write-tests"},
			{From: "deploy", To: "implement-api"},
		},
	}
}

// graphDriver re-runs the Priority Analyzer as items complete and submits
// newly-ready downstream items, so the sample pipeline's later stages
// (write-tests, deploy) actually run once their dependencies finish instead
// of only the graph's roots ever being dispatched.
type graphDriver struct {
	mu        sync.Mutex
	analyzer  *graph.Analyzer
	nodes     map[string]*graph.Item
	edges     []graph.Edge
	wpm       *pool.Pool
	items     *itemRegistry
	submitted map[string]bool
}

func newGraphDriver(analyzer *graph.Analyzer, g graph.Graph, wpm *pool.Pool, items *itemRegistry) *graphDriver {
	nodes := make(map[string]*graph.Item, len(g.Nodes))
	for _, n := range g.Nodes {
		item := n
		nodes[item.ID] = &item
	}
	return &graphDriver{
		analyzer:  analyzer,
		nodes:     nodes,
		edges:     g.Edges,
		wpm:       wpm,
		items:     items,
		submitted: make(map[string]bool),
	}
}

func (d *graphDriver) snapshot() graph.Graph {
	nodes := make([]graph.Item, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, *n)
	}
	return graph.Graph{Nodes: nodes, Edges: d.edges}
}

// submitReady re-analyzes the current graph snapshot and submits every
// executable item that hasn't already been submitted once.
func (d *graphDriver) submitReady(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.analyzer.Analyze(ctx, d.snapshot())
	if err != nil {
		slog.Warn("graph driver: re-analysis failed", "error", err)
		return
	}
	for _, id := range result.GetExecutableItems() {
		if d.submitted[id] {
			continue
		}
		n := d.nodes[id]
		meta := itemMeta{priority: queue.Priority(n.Priority), effort: n.Effort}
		d.items.put(id, meta)
		if _, err := d.wpm.Submit(id, meta.priority, meta.effort); err != nil {
			slog.Warn("graph driver: submit failed", "item", id, "error", err)
			continue
		}
		d.submitted[id] = true
	}
}

// markCompleted records itemId as completed in the driver's borrowed graph
// copy, unblocking any dependents on the next submitReady call.
func (d *graphDriver) markCompleted(itemID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[itemID]; ok {
		n.Status = graph.StatusCompleted
	}
}

// demoExecutor simulates doing the work of one item: it reports a heartbeat
// at start and completion, checkpoints at the pipeline's first and last
// steps, and completes successfully unless its context is canceled during
// the simulated work, in which case it reports retryable. A real Executor would run the
// caller's actual per-item work and report failures/retries honestly. It
// never holds a direct reference to the Health Monitor or Checkpoint Store;
// every bound item carries its own sinks in ec.
type demoExecutor struct{}

func newDemoExecutor() *demoExecutor {
	return &demoExecutor{}
}

func (e *demoExecutor) Execute(itemID string, ec pool.ExecContext) pool.Result {
	ec.Heartbeats.Heartbeat(ec.WorkerID, itemID, 0, 64<<20)

	if err := ec.Checkpoints.Checkpoint(ec.Ctx, itemID, itemID, string(checkpoint.StepContextAnalysis), 1, map[string]string{"note": "started"}); err != nil {
		slog.Warn("demo: checkpoint save failed", "item", itemID, "error", err)
	}

	select {
	case <-time.After(20 * time.Millisecond):
	case <-ec.Ctx.Done():
		return pool.Result{Outcome: pool.OutcomeRetryable, Err: ec.Ctx.Err()}
	}

	ec.Heartbeats.Heartbeat(ec.WorkerID, itemID, 1, 64<<20)

	if err := ec.Checkpoints.Checkpoint(ec.Ctx, itemID, itemID, string(checkpoint.StepResultPersistence), 1, map[string]string{"note": "done"}); err != nil {
		slog.Warn("demo: checkpoint save failed", "item", itemID, "error", err)
	}

	return pool.Result{Outcome: pool.OutcomeCompleted}
}
