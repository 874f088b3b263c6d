package orchestrator

import (
	"sort"

	"github.com/buildnet/buildnet/pkg/types"
)

// targetPriority orders build targets: shared code builds before the
// things that consume it.
var targetPriority = map[string]int{
	"shared":   70,
	"core":     60,
	"client":   50,
	"ui":       40,
	"api":      30,
	"frontend": 20,
}

const defaultTargetPriority = 10

// TargetPriority returns the scheduling priority for a target name.
func TargetPriority(target string) int {
	if p, ok := targetPriority[target]; ok {
		return p
	}
	return defaultTargetPriority
}

// SortTargets orders targets by descending priority, ties by name.
func SortTargets(targets []string) []string {
	out := append([]string(nil), targets...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := TargetPriority(out[i]), TargetPriority(out[j])
		if pi != pj {
			return pi > pj
		}
		return out[i] < out[j]
	})
	return out
}

// prepareBundles derives micro-bundles for the requested targets. The
// default policy is one bundle per target (<target>:main); splitting by
// entry point can refine this later.
func prepareBundles(targets []string) []*types.MicroBundle {
	bundles := make([]*types.MicroBundle, 0, len(targets))
	for _, target := range targets {
		bundles = append(bundles, &types.MicroBundle{
			ID:      target + ":main",
			Package: target,
			Entry:   "src/index",
			Chunk: types.Chunk{
				Globs: []string{"packages/" + target + "/**"},
				Entry: true,
			},
			EstimatedSizeKB: 512,
			EstimatedTimeMS: 1000,
			Priority:        TargetPriority(target),
		})
	}

	sort.SliceStable(bundles, func(i, j int) bool {
		if bundles[i].Priority != bundles[j].Priority {
			return bundles[i].Priority > bundles[j].Priority
		}
		return bundles[i].ID < bundles[j].ID
	})
	return bundles
}
