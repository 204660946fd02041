package graph

import "sort"

// Ready reports whether item is pending, not blocked by a cycle, and has
// every dependency completed.
func (r *AnalysisResult) Ready(itemID string) bool {
	item, ok := r.itemsByID[itemID]
	if !ok {
		return false
	}
	if item.Status != StatusPending {
		return false
	}
	if r.BlockedByCycle[itemID] {
		return false
	}
	for dep := range r.dependsOn[itemID] {
		if r.itemsByID[dep].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// GetDependencies returns the direct dependencies of itemID.
func (r *AnalysisResult) GetDependencies(itemID string) ([]string, error) {
	if _, ok := r.itemsByID[itemID]; !ok {
		return nil, IssueNotFoundError{ItemID: itemID}
	}
	out := make([]string, 0, len(r.dependsOn[itemID]))
	for dep := range r.dependsOn[itemID] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out, nil
}

// GetTransitiveDependencies returns all direct and transitive dependencies.
func (r *AnalysisResult) GetTransitiveDependencies(itemID string) ([]string, error) {
	if _, ok := r.itemsByID[itemID]; !ok {
		return nil, IssueNotFoundError{ItemID: itemID}
	}
	visited := make(map[string]bool)
	var visit func(string)
	visit = func(id string) {
		for dep := range r.dependsOn[id] {
			if !visited[dep] {
				visited[dep] = true
				visit(dep)
			}
		}
	}
	visit(itemID)
	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// GetDependents returns the items that directly depend on itemID.
func (r *AnalysisResult) GetDependents(itemID string) ([]string, error) {
	if _, ok := r.itemsByID[itemID]; !ok {
		return nil, IssueNotFoundError{ItemID: itemID}
	}
	out := make([]string, 0, len(r.dependents[itemID]))
	for dep := range r.dependents[itemID] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out, nil
}

// DependsOn reports whether a depends (directly) on b.
func (r *AnalysisResult) DependsOn(a, b string) (bool, error) {
	if _, ok := r.itemsByID[a]; !ok {
		return false, IssueNotFoundError{ItemID: a}
	}
	if _, ok := r.itemsByID[b]; !ok {
		return false, IssueNotFoundError{ItemID: b}
	}
	return r.dependsOn[a][b], nil
}

// AreDependenciesResolved reports whether every dependency of itemID is completed.
func (r *AnalysisResult) AreDependenciesResolved(itemID string) (bool, error) {
	if _, ok := r.itemsByID[itemID]; !ok {
		return false, IssueNotFoundError{ItemID: itemID}
	}
	for dep := range r.dependsOn[itemID] {
		if r.itemsByID[dep].Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// GetExecutableItems returns every item currently ready, in execution order.
func (r *AnalysisResult) GetExecutableItems() []string {
	out := make([]string, 0)
	for _, id := range r.ExecutionOrder {
		if r.Ready(id) {
			out = append(out, id)
		}
	}
	return out
}

// GetNextExecutableItem returns the single highest-ordered ready item, or
// "" if none are ready.
func (r *AnalysisResult) GetNextExecutableItem() string {
	for _, id := range r.ExecutionOrder {
		if r.Ready(id) {
			return id
		}
	}
	return ""
}

// GetBlockedByCycle returns every item marked blocked-by-cycle.
func (r *AnalysisResult) GetBlockedByCycle() []string {
	out := make([]string, 0, len(r.BlockedByCycle))
	for id := range r.BlockedByCycle {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasCycles reports whether the analyzed graph contained any cycle.
func (r *AnalysisResult) HasCycles() bool {
	return len(r.Cycles) > 0
}
