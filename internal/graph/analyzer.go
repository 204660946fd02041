package graph

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Analyzer is the Priority Analyzer (PA). It is safe for concurrent use;
// the last successful analysis result is cached for the query methods.
type Analyzer struct {
	mu         sync.RWMutex
	last       *AnalysisResult
	generation uint64

	scoreCfg ScoreConfig
	tracer   trace.Tracer

	analyzeDuration metric.Float64Histogram
	cyclesDetected  metric.Int64Counter
}

// NewAnalyzer constructs a Priority Analyzer instrumented against meter.
func NewAnalyzer(meter metric.Meter, scoreCfg ScoreConfig) *Analyzer {
	dur, _ := meter.Float64Histogram("controller_pa_analyze_duration_ms")
	cycles, _ := meter.Int64Counter("controller_pa_cycles_detected_total")
	return &Analyzer{
		scoreCfg:        scoreCfg,
		tracer:          otel.Tracer("controller-pa"),
		analyzeDuration: dur,
		cyclesDetected:  cycles,
	}
}

// Analyze validates graph, detects cycles, scores every node, and returns
// the resulting AnalysisResult.
func (a *Analyzer) Analyze(ctx context.Context, g Graph) (*AnalysisResult, error) {
	_, span := a.tracer.Start(ctx, "pa.analyze", trace.WithAttributes(attribute.Int("nodes", len(g.Nodes))))
	defer span.End()

	if len(g.Nodes) == 0 {
		return nil, EmptyGraphError{}
	}
	if err := validate(g); err != nil {
		return nil, err
	}

	itemsByID := make(map[string]Item, len(g.Nodes))
	for _, n := range g.Nodes {
		itemsByID[n.ID] = n
	}

	dependsOn := make(map[string]map[string]bool, len(g.Nodes))
	dependents := make(map[string]map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		dependsOn[n.ID] = make(map[string]bool)
		dependents[n.ID] = make(map[string]bool)
	}
	for _, e := range g.Edges {
		dependsOn[e.From][e.To] = true
		dependents[e.To][e.From] = true
	}
	// also fold in Item.DependsOn directly, in case callers populate that
	// instead of (or in addition to) the edge list.
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			dependsOn[n.ID][dep] = true
			if dependents[dep] == nil {
				dependents[dep] = make(map[string]bool)
			}
			dependents[dep][n.ID] = true
		}
	}

	sccs := tarjanSCC(g, dependsOn)
	cycles := make([][]string, 0)
	blocked := make(map[string]bool)
	for _, scc := range sccs {
		if len(scc) > 1 {
			sorted := append([]string(nil), scc...)
			sort.Strings(sorted)
			cycles = append(cycles, sorted)
			for _, id := range scc {
				blocked[id] = true
			}
		}
	}
	if len(cycles) > 0 {
		a.cyclesDetected.Add(ctx, int64(len(cycles)))
	}
	// propagate blocked status transitively to anything depending (directly
	// or transitively) on a cycle member.
	propagateBlocked(itemsByID, dependsOn, blocked)

	depth := computeDepth(itemsByID, dependsOn, blocked)
	transitiveDependents := computeTransitiveDependentCounts(itemsByID, dependents, blocked)

	order := topologicalOrder(itemsByID, dependsOn, depth, blocked, func(id string) float64 {
		return score(itemsByID[id], a.scoreCfg, transitiveDependents[id])
	})

	scores := make(map[string]float64, len(g.Nodes))
	for _, n := range g.Nodes {
		if blocked[n.ID] {
			continue
		}
		scores[n.ID] = score(n, a.scoreCfg, transitiveDependents[n.ID])
	}

	critPath := criticalPath(itemsByID, dependsOn, dependents, blocked, depth)
	// mark critical-path membership before computing final scores, since
	// onCriticalPath feeds the score formula.
	onPath := make(map[string]bool, len(critPath))
	for _, id := range critPath {
		onPath[id] = true
	}
	for id := range scores {
		if onPath[id] {
			scores[id] += a.scoreCfg.CriticalPathBonus
		}
	}
	// re-sort order now that critical-path bonus is folded into scores
	order = topologicalOrder(itemsByID, dependsOn, depth, blocked, func(id string) float64 { return scores[id] })

	groups := make([][]string, 0)
	for _, id := range order {
		d := depth[id]
		for len(groups) <= d {
			groups = append(groups, nil)
		}
		groups[d] = append(groups[d], id)
	}

	gen := atomic.AddUint64(&a.generation, 1)
	result := &AnalysisResult{
		PerItemScores:  scores,
		DepthByItem:    depth,
		ParallelGroups: groups,
		CriticalPath:   critPath,
		Cycles:         cycles,
		BlockedByCycle: blocked,
		ExecutionOrder: order,
		Generation:     gen,
		itemsByID:      itemsByID,
		dependsOn:      dependsOn,
		dependents:     dependents,
	}

	a.mu.Lock()
	a.last = result
	a.mu.Unlock()

	return result, nil
}

func validate(g Graph) error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return ValidationError{Reason: "node id must not be empty"}
		}
		if seen[n.ID] {
			return ValidationError{Reason: "duplicate node id: " + n.ID}
		}
		seen[n.ID] = true
	}
	for _, e := range g.Edges {
		if e.From == e.To {
			return ValidationError{Reason: "self-edge on node: " + e.From}
		}
		if !seen[e.From] {
			return ValidationError{Reason: "edge references unknown node: " + e.From}
		}
		if !seen[e.To] {
			return ValidationError{Reason: "edge references unknown node: " + e.To}
		}
	}
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return ValidationError{Reason: "item depends on unknown node: " + dep}
			}
		}
	}
	return nil
}

// tarjanSCC computes strongly-connected components over the dependsOn graph.
func tarjanSCC(g Graph, dependsOn map[string]map[string]bool) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var sccs [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		neighbors := make([]string, 0, len(dependsOn[v]))
		for to := range dependsOn[v] {
			neighbors = append(neighbors, to)
		}
		sort.Strings(neighbors)

		for _, w := range neighbors {
			if _, ok := indices[w]; !ok {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := indices[id]; !ok {
			strongconnect(id)
		}
	}
	return sccs
}

// propagateBlocked marks every node that transitively depends on a blocked
// (cycle-member) node as blocked too.
func propagateBlocked(items map[string]Item, dependsOn map[string]map[string]bool, blocked map[string]bool) {
	changed := true
	for changed {
		changed = false
		for id := range items {
			if blocked[id] {
				continue
			}
			for dep := range dependsOn[id] {
				if blocked[dep] {
					blocked[id] = true
					changed = true
					break
				}
			}
		}
	}
}

// computeDepth assigns each non-blocked node its longest-path depth from any root.
func computeDepth(items map[string]Item, dependsOn map[string]map[string]bool, blocked map[string]bool) map[string]int {
	depth := make(map[string]int, len(items))
	var visit func(id string, visiting map[string]bool) int
	visit = func(id string, visiting map[string]bool) int {
		if blocked[id] {
			return 0
		}
		if d, ok := depth[id]; ok {
			return d
		}
		if visiting[id] {
			// defensive: should not occur for non-blocked nodes once cycles
			// are removed, but guards against a stale caller-supplied graph.
			return 0
		}
		visiting[id] = true
		max := 0
		deps := make([]string, 0, len(dependsOn[id]))
		for dep := range dependsOn[id] {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			if blocked[dep] {
				continue
			}
			d := visit(dep, visiting) + 1
			if d > max {
				max = d
			}
		}
		delete(visiting, id)
		depth[id] = max
		return max
	}
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if blocked[id] {
			continue
		}
		visit(id, map[string]bool{})
	}
	return depth
}

// criticalPath finds the longest cumulative-effort chain through non-blocked
// nodes, root to leaf, ties broken by lower depth first then lexicographic id.
func criticalPath(items map[string]Item, dependsOn, dependents map[string]map[string]bool, blocked map[string]bool, depth map[string]int) []string {
	type memoEntry struct {
		effort int
		path   []string
	}
	memo := make(map[string]memoEntry)

	var best func(id string) memoEntry
	best = func(id string) memoEntry {
		if e, ok := memo[id]; ok {
			return e
		}
		// candidate chains through each dependency
		var bestChild memoEntry
		haveChild := false
		deps := make([]string, 0, len(dependsOn[id]))
		for dep := range dependsOn[id] {
			if !blocked[dep] {
				deps = append(deps, dep)
			}
		}
		sort.Slice(deps, func(i, j int) bool {
			if depth[deps[i]] != depth[deps[j]] {
				return depth[deps[i]] < depth[deps[j]]
			}
			return deps[i] < deps[j]
		})
		for _, dep := range deps {
			c := best(dep)
			if !haveChild || c.effort > bestChild.effort {
				bestChild = c
				haveChild = true
			}
		}
		e := memoEntry{effort: items[id].Effort, path: []string{id}}
		if haveChild {
			e.effort += bestChild.effort
			e.path = append(append([]string{}, bestChild.path...), id)
		}
		memo[id] = e
		return e
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		if !blocked[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if depth[ids[i]] != depth[ids[j]] {
			return depth[ids[i]] < depth[ids[j]]
		}
		return ids[i] < ids[j]
	})

	var bestOverall memoEntry
	found := false
	for _, id := range ids {
		e := best(id)
		if !found || e.effort > bestOverall.effort {
			bestOverall = e
			found = true
		}
	}
	if !found {
		return nil
	}
	return bestOverall.path
}

// topologicalOrder orders non-blocked nodes by depth layer ascending, and
// within a layer by scoreOf descending then itemId ascending.
func topologicalOrder(items map[string]Item, dependsOn map[string]map[string]bool, depth map[string]int, blocked map[string]bool, scoreOf func(string) float64) []string {
	ids := make([]string, 0, len(items))
	for id := range items {
		if !blocked[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if depth[a] != depth[b] {
			return depth[a] < depth[b]
		}
		sa, sb := scoreOf(a), scoreOf(b)
		if sa != sb {
			return sa > sb
		}
		return a < b
	})
	return ids
}

func score(item Item, cfg ScoreConfig, transitiveDependents int) float64 {
	s := item.Priority.weight()
	s += cfg.DependentsBonus * float64(transitiveDependents)
	if item.Effort <= cfg.QuickWinThreshold {
		s += cfg.QuickWinBonus
	}
	return s
}

// computeTransitiveDependentCounts returns, per non-blocked item, the count
// of all items (direct or transitive) that depend on it.
func computeTransitiveDependentCounts(items map[string]Item, dependents map[string]map[string]bool, blocked map[string]bool) map[string]int {
	memo := make(map[string]map[string]bool, len(items))
	var collect func(id string, visiting map[string]bool) map[string]bool
	collect = func(id string, visiting map[string]bool) map[string]bool {
		if s, ok := memo[id]; ok {
			return s
		}
		if visiting[id] {
			return map[string]bool{}
		}
		visiting[id] = true
		set := make(map[string]bool)
		for dep := range dependents[id] {
			set[dep] = true
			for k := range collect(dep, visiting) {
				set[k] = true
			}
		}
		delete(visiting, id)
		memo[id] = set
		return set
	}
	counts := make(map[string]int, len(items))
	for id := range items {
		if blocked[id] {
			continue
		}
		counts[id] = len(collect(id, map[string]bool{}))
	}
	return counts
}
