package orchestrator

import (
	"context"
	"fmt"

	"github.com/buildnet/buildnet/pkg/types"
)

// WorkerExecutor dispatches one bundle to a worker and reports the
// outcome. Concrete bundler adapters (esbuild, rspack, ...) live behind
// this interface as external processes; the orchestrator only sees
// results.
type WorkerExecutor interface {
	ExecuteBundle(ctx context.Context, worker *types.Resource, bundle *types.MicroBundle, opts types.BuildOptions) (*types.BundleResult, error)
}

// ExecutorFunc adapts a function to the WorkerExecutor interface.
type ExecutorFunc func(ctx context.Context, worker *types.Resource, bundle *types.MicroBundle, opts types.BuildOptions) (*types.BundleResult, error)

func (f ExecutorFunc) ExecuteBundle(ctx context.Context, worker *types.Resource, bundle *types.MicroBundle, opts types.BuildOptions) (*types.BundleResult, error) {
	return f(ctx, worker, bundle, opts)
}

// LocalExecutor is a stand-in executor for single-node development: it
// reports every bundle as built with a synthetic artifact. Real
// deployments wire a bundler adapter instead.
type LocalExecutor struct{}

func (LocalExecutor) ExecuteBundle(_ context.Context, worker *types.Resource, bundle *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
	return &types.BundleResult{
		BundleID:  bundle.ID,
		WorkerID:  worker.ID,
		Success:   true,
		Artifacts: []string{fmt.Sprintf("%s/%s.js", bundle.Package, bundle.ID)},
	}, nil
}
