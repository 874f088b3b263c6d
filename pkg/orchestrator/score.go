package orchestrator

import (
	"sort"

	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/types"
)

// scoreBuild plans the per-bundle worker assignments: it builds the
// dependency graph, computes the critical path, and assigns each bundle
// in priority order to the worker maximizing the placement score.
func scoreBuild(bundles []*types.MicroBundle, workers []*types.Resource, opts types.BuildOptions) (*types.BuildScore, error) {
	graph := make(map[string][]string, len(bundles))
	byID := make(map[string]*types.MicroBundle, len(bundles))
	for _, b := range bundles {
		graph[b.ID] = append([]string(nil), b.Dependencies...)
		byID[b.ID] = b
	}

	critical, err := criticalPath(graph, byID)
	if err != nil {
		return nil, err
	}

	// Per-worker simulated wall-clock accumulators
	loads := make(map[string]int64, len(workers))
	for _, w := range workers {
		loads[w.ID] = 0
	}

	ordered := append([]*types.MicroBundle(nil), bundles...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	assignments := make(map[string]*types.PartAssignment, len(ordered))
	var estimated int64
	for _, bundle := range ordered {
		worker := selectWorker(workers, loads, opts)
		if worker == nil {
			return nil, errdefs.New(errdefs.CodeOrchestrationError, "no available workers")
		}
		assignments[bundle.ID] = &types.PartAssignment{
			BundleID:          bundle.ID,
			WorkerID:          worker.ID,
			EstimatedStartMS:  loads[worker.ID],
			EstimatedDuration: bundle.EstimatedTimeMS,
			Dependencies:      append([]string(nil), bundle.Dependencies...),
		}
		loads[worker.ID] += bundle.EstimatedTimeMS
		if loads[worker.ID] > estimated {
			estimated = loads[worker.ID]
		}
	}

	return &types.BuildScore{
		Bundles:           bundles,
		Assignments:       assignments,
		DependencyGraph:   graph,
		CriticalPath:      critical,
		EstimatedDuration: estimated,
	}, nil
}

// selectWorker picks the worker maximizing
//
//	(1 - load/max_load) * 50  +  20 if a bundler capability matches
//	+ 5 * cpu_cores  +  2 * memory_gb
//
// with ties broken by lower worker id.
func selectWorker(workers []*types.Resource, loads map[string]int64, opts types.BuildOptions) *types.Resource {
	if len(workers) == 0 {
		return nil
	}

	var maxLoad int64 = 1
	for _, load := range loads {
		if load > maxLoad {
			maxLoad = load
		}
	}

	var best *types.Resource
	var bestScore float64
	for _, w := range workers {
		score := (1 - float64(loads[w.ID])/float64(maxLoad)) * 50
		if bundlerMatches(w, opts.Bundler) {
			score += 20
		}
		score += 5 * float64(w.CPUCores)
		score += 2 * float64(w.MemoryGB)

		if best == nil || score > bestScore || (score == bestScore && w.ID < best.ID) {
			best = w
			bestScore = score
		}
	}
	return best
}

// bundlerMatches reports whether the worker advertises a matching
// bundler capability. With no pinned bundler any advertised bundler
// counts.
func bundlerMatches(w *types.Resource, pinned string) bool {
	advertised, ok := w.Capabilities["bundler"]
	if !ok {
		return false
	}
	if pinned == "" {
		return true
	}
	return advertised == pinned
}

// criticalPath finds the longest dependency chain by cumulative
// estimated time, ties broken by lowest bundle id. A cycle fails with
// Deadlock.
func criticalPath(graph map[string][]string, byID map[string]*types.MicroBundle) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(graph))
	cost := make(map[string]int64, len(graph))   // cumulative time ending at node
	next := make(map[string]string, len(graph))  // best predecessor chain link

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return errdefs.New(errdefs.CodeDeadlock, "dependency cycle through bundle %s", id)
		}
		state[id] = visiting

		var own int64
		if b, ok := byID[id]; ok {
			own = b.EstimatedTimeMS
		}
		var bestDep string
		var bestCost int64 = -1
		deps := append([]string(nil), graph[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, known := graph[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
			if cost[dep] > bestCost {
				bestCost = cost[dep]
				bestDep = dep
			}
		}
		if bestCost < 0 {
			bestCost = 0
		}
		cost[id] = own + bestCost
		next[id] = bestDep
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	// The critical path ends at the most expensive node, lowest id on tie
	var endID string
	var endCost int64 = -1
	for _, id := range ids {
		if cost[id] > endCost || (cost[id] == endCost && id < endID) {
			endCost = cost[id]
			endID = id
		}
	}
	if endID == "" {
		return nil, nil
	}

	// Walk predecessors back to the chain start, then reverse
	var reversed []string
	for id := endID; id != ""; id = next[id] {
		reversed = append(reversed, id)
	}
	path := make([]string, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return path, nil
}
