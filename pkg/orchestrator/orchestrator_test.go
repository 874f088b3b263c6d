package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/backend"
	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/registry"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

type fixture struct {
	orch     *Orchestrator
	registry *registry.Registry
	ledger   *ledger.Ledger
	bus      *events.Bus
}

func newFixture(t *testing.T, executor WorkerExecutor, cfg Config) *fixture {
	t.Helper()
	b := backend.NewMemory()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	l, err := ledger.New(b, bus, nil, ledger.Config{})
	require.NoError(t, err)
	reg, err := registry.New(b, l, bus, nil, registry.DefaultConfig())
	require.NoError(t, err)
	if executor == nil {
		executor = LocalExecutor{}
	}
	cfg.RetryDelay = time.Millisecond
	return &fixture{
		orch:     New(reg, l, bus, executor, nil, cfg),
		registry: reg,
		ledger:   l,
		bus:      bus,
	}
}

func (f *fixture) addWorker(t *testing.T, name string, cpu, mem int, caps map[string]string) *types.Resource {
	t.Helper()
	res, err := f.registry.Add(context.Background(), registry.Spec{
		Name:         name,
		Type:         types.ResourceTypeWorker,
		CPUCores:     cpu,
		MemoryGB:     mem,
		Capabilities: caps,
	}, types.SystemActor)
	require.NoError(t, err)
	return res
}

func request(targets ...string) types.BuildRequest {
	return types.BuildRequest{
		RequestID: "req-1",
		Actor:     types.SystemActor,
		Targets:   targets,
	}
}

func TestConductBuildSuccess(t *testing.T) {
	f := newFixture(t, nil, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)

	result, err := f.orch.ConductBuild(context.Background(), request("core", "ui"))
	require.NoError(t, err)

	assert.Equal(t, types.BuildStatusSuccess, result.Status)
	assert.Equal(t, 2, result.BundlesCompleted)
	assert.Equal(t, 0, result.BundlesFailed)
	assert.Len(t, result.Artifacts, 2, "artifacts concatenate across bundles")
	assert.Len(t, result.BundleResults, 2)
}

func TestNoWorkersFailsBuild(t *testing.T) {
	f := newFixture(t, nil, DefaultConfig())

	result, err := f.orch.ConductBuild(context.Background(), request("core"))
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, string(errdefs.CodeOrchestrationError), result.Errors[0].Code)
}

func TestDrainedWorkerNeverSelected(t *testing.T) {
	f := newFixture(t, nil, DefaultConfig())
	ctx := context.Background()

	w1 := f.addWorker(t, "w1", 8, 16, nil)
	w2 := f.addWorker(t, "w2", 8, 16, nil)
	require.NoError(t, f.registry.Drain(ctx, w1.ID, types.SystemActor))

	result, err := f.orch.ConductBuild(ctx, request("core"))
	require.NoError(t, err)
	require.Equal(t, types.BuildStatusSuccess, result.Status)
	require.Len(t, result.BundleResults, 1)
	assert.Equal(t, w2.ID, result.BundleResults[0].WorkerID,
		"drained worker must not be selected even when its id sorts lower")
}

func TestDeadlockFailsBuild(t *testing.T) {
	f := newFixture(t, nil, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)

	bundles := []*types.MicroBundle{
		{ID: "A", Package: "a", Dependencies: []string{"B"}, EstimatedTimeMS: 100, Priority: 10},
		{ID: "B", Package: "b", Dependencies: []string{"A"}, EstimatedTimeMS: 100, Priority: 10},
	}

	result, err := f.orch.ConductBuildWithBundles(context.Background(), request("a", "b"), bundles)
	require.NoError(t, err)

	assert.Equal(t, types.BuildStatusFailed, result.Status)
	assert.Equal(t, 0, result.BundlesCompleted)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, string(errdefs.CodeDeadlock), result.Errors[0].Code)
}

func TestDependencyOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	executor := ExecutorFunc(func(_ context.Context, worker *types.Resource, bundle *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
		mu.Lock()
		order = append(order, bundle.ID)
		mu.Unlock()
		return &types.BundleResult{Success: true, Artifacts: []string{bundle.ID + ".js"}}, nil
	})

	f := newFixture(t, executor, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)

	bundles := []*types.MicroBundle{
		{ID: "app", Package: "app", Dependencies: []string{"lib"}, EstimatedTimeMS: 100, Priority: 10},
		{ID: "lib", Package: "lib", EstimatedTimeMS: 100, Priority: 20},
	}

	result, err := f.orch.ConductBuildWithBundles(context.Background(), request("app", "lib"), bundles)
	require.NoError(t, err)
	require.Equal(t, types.BuildStatusSuccess, result.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"lib", "app"}, order, "dependencies run before dependents")
}

func TestRetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	executor := ExecutorFunc(func(_ context.Context, _ *types.Resource, bundle *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("transient dispatch failure")
		}
		return &types.BundleResult{Success: true, Artifacts: []string{"out.js"}}, nil
	})

	f := newFixture(t, executor, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)

	result, err := f.orch.ConductBuild(context.Background(), request("core"))
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusSuccess, result.Status)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, result.BundleResults, 1)
	assert.Equal(t, 3, result.BundleResults[0].Attempts)
}

func TestRetriesExhaustedFailsBundle(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, _ *types.Resource, bundle *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
		return &types.BundleResult{Success: false, Error: "compile error"}, nil
	})

	f := newFixture(t, executor, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)

	result, err := f.orch.ConductBuild(context.Background(), request("core"))
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, result.Status)
	assert.Equal(t, 1, result.BundlesFailed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, string(errdefs.CodeBuildError), result.Errors[0].Code)
	assert.Equal(t, 3, result.BundleResults[0].Attempts)
}

func TestVerificationWarningOnEmptyArtifacts(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, _ *types.Resource, _ *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
		return &types.BundleResult{Success: true}, nil
	})

	f := newFixture(t, executor, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)

	warnings := make(chan *events.Event, 4)
	f.bus.SubscribeTypes(func(ev *events.Event) { warnings <- ev }, events.EventVerificationWarning)

	result, err := f.orch.ConductBuild(context.Background(), request("core"))
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusSuccess, result.Status, "empty artifacts warn but do not fail")

	select {
	case <-warnings:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a verification warning")
	}
}

func TestCancellation(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{})
	executor := ExecutorFunc(func(_ context.Context, _ *types.Resource, bundle *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
		started <- bundle.ID
		<-release
		return &types.BundleResult{Success: true, Artifacts: []string{bundle.ID + ".js"}}, nil
	})

	f := newFixture(t, executor, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)

	bundles := []*types.MicroBundle{
		{ID: "first", Package: "first", EstimatedTimeMS: 100, Priority: 20},
		{ID: "second", Package: "second", Dependencies: []string{"first"}, EstimatedTimeMS: 100, Priority: 10},
	}

	done := make(chan *types.BuildResult, 1)
	go func() {
		result, err := f.orch.ConductBuildWithBundles(context.Background(), request("first", "second"), bundles)
		require.NoError(t, err)
		done <- result
	}()

	// Wait for the first wave to be in flight, then cancel
	var buildID string
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first bundle never started")
	}
	for _, r := range f.orch.RecentBuilds() {
		buildID = r.BuildID
	}
	// The build is still active, find it through the active set
	deadline := time.Now().Add(2 * time.Second)
	for buildID == "" && time.Now().Before(deadline) {
		f.orch.mu.Lock()
		for id := range f.orch.active {
			buildID = id
		}
		f.orch.mu.Unlock()
	}
	require.NotEmpty(t, buildID)
	require.True(t, f.orch.CancelBuild(context.Background(), buildID, types.SystemActor))
	close(release)

	select {
	case result := <-done:
		assert.Equal(t, types.BuildStatusCancelled, result.Status)
		assert.Less(t, len(result.BundleResults), 2, "the dependent bundle must not run after cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("build did not finish after cancellation")
	}
}

func TestCancelUnknownBuild(t *testing.T) {
	f := newFixture(t, nil, DefaultConfig())
	assert.False(t, f.orch.CancelBuild(context.Background(), "nope", types.SystemActor))
}

func TestBuildRecordsThroughLedgerWithCorrelation(t *testing.T) {
	f := newFixture(t, nil, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)
	ctx := context.Background()

	result, err := f.orch.ConductBuild(ctx, request("core"))
	require.NoError(t, err)

	entries, err := f.ledger.QueryEntries(ctx, ledger.QueryFilter{EntityType: "build", EntityID: result.BuildID}, 0, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2, "start and completion entries")

	corr := entries[0].CorrelationID
	require.NotEmpty(t, corr)
	for _, e := range entries {
		assert.Equal(t, corr, e.CorrelationID, "all build entries share one correlation id")
	}

	// Completion lands in COMPLETED_BUILDS
	last := entries[len(entries)-1]
	assert.Equal(t, types.AccountCompletedBuilds, last.AccountType)
}

func TestGetBuildStatus(t *testing.T) {
	f := newFixture(t, nil, DefaultConfig())
	f.addWorker(t, "w1", 8, 16, nil)

	result, err := f.orch.ConductBuild(context.Background(), request("core"))
	require.NoError(t, err)

	snap, err := f.orch.GetBuildStatus(result.BuildID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusSuccess, snap.Status)
	assert.Equal(t, 1, snap.BundlesCompleted)

	_, err = f.orch.GetBuildStatus("missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
