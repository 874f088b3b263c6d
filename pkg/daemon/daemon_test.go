package daemon

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/backend"
	"github.com/buildnet/buildnet/pkg/clock"
	"github.com/buildnet/buildnet/pkg/config"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/orchestrator"
	"github.com/buildnet/buildnet/pkg/registry"
	"github.com/buildnet/buildnet/pkg/session"
	"github.com/buildnet/buildnet/pkg/tracker"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

func newTestDaemon(t *testing.T, clk clock.Clock, executor orchestrator.WorkerExecutor) *Daemon {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Build.RetryDelay = time.Millisecond
	d, err := New(cfg, Options{
		Backend:  backend.NewMemory(),
		Executor: executor,
		Clock:    clk,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

func addWorker(t *testing.T, d *Daemon, name string) *types.Resource {
	t.Helper()
	res, err := d.GetResources().Add(context.Background(), registry.Spec{
		Name:     name,
		Type:     types.ResourceTypeWorker,
		CPUCores: 8,
		MemoryGB: 16,
	}, types.SystemActor)
	require.NoError(t, err)
	return res
}

func TestRequestBuildEndToEnd(t *testing.T) {
	d := newTestDaemon(t, nil, nil)
	addWorker(t, d, "w1")

	result, err := d.RequestBuild(context.Background(), []string{"ui", "core"}, types.SystemActor, types.BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusSuccess, result.Status)
	assert.Equal(t, 2, result.BundlesCompleted)
}

func TestDashboardState(t *testing.T) {
	d := newTestDaemon(t, nil, nil)
	addWorker(t, d, "w1")

	_, err := d.GetSessions().Create(context.Background(), session.CreateParams{
		Actor:          types.Actor{ID: "u1", Name: "u1", Kind: types.ActorKindUser},
		ConnectionType: types.ConnectionCLI,
	})
	require.NoError(t, err)

	state := d.GetDashboardState()
	assert.Equal(t, d.Config().DaemonID, state.DaemonID)
	assert.Len(t, state.Resources, 1)
	assert.Len(t, state.Sessions, 1)
}

func TestAutoBuildDebounce(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))

	var mu sync.Mutex
	var builtPackages []string
	executor := orchestrator.ExecutorFunc(func(_ context.Context, _ *types.Resource, bundle *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
		mu.Lock()
		builtPackages = append(builtPackages, bundle.Package)
		mu.Unlock()
		return &types.BundleResult{Success: true, Artifacts: []string{bundle.ID + ".js"}}, nil
	})

	d := newTestDaemon(t, clk, executor)
	addWorker(t, d, "w1")

	// Four events in quick succession, spanning two packages
	w := d.GetWatcher()
	for _, path := range []string{
		"packages/core/a.ts",
		"packages/core/b.ts",
		"packages/ui/x.ts",
		"packages/core/c.ts",
	} {
		w.HandleEvent(types.FileEvent{Path: path, Kind: types.FileModified})
		clk.Advance(50 * time.Millisecond)
	}

	// Close the debounce window, then the auto-build delay
	clk.Advance(400 * time.Millisecond)
	time.Sleep(100 * time.Millisecond) // let the batch event propagate and arm the timer
	clk.Advance(3 * time.Second)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(builtPackages) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Exactly one build was recorded, with priority-ordered targets
	ctx := context.Background()
	entries, err := d.GetLedger().QueryEntries(ctx, ledger.QueryFilter{EntityType: "build"}, 0, 0)
	require.NoError(t, err)

	buildIDs := make(map[string]bool)
	var startEntry *startEntryState
	for _, e := range entries {
		buildIDs[e.EntityID] = true
		if e.Reason == "build started" {
			targets := toStrings(e.NewState["targets"])
			startEntry = &startEntryState{targets: targets}
		}
	}
	assert.Len(t, buildIDs, 1, "debounced changes schedule exactly one build")
	require.NotNil(t, startEntry)
	require.Len(t, startEntry.targets, 2)
	assert.Equal(t, "core", startEntry.targets[0], "core outranks ui")
	assert.Equal(t, "ui", startEntry.targets[1])
}

type startEntryState struct{ targets []string }

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestAutoBuildIgnoresCosmeticBatches(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	var calls sync.Map
	executor := orchestrator.ExecutorFunc(func(_ context.Context, _ *types.Resource, bundle *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
		calls.Store(bundle.ID, true)
		return &types.BundleResult{Success: true, Artifacts: []string{"a.js"}}, nil
	})

	d := newTestDaemon(t, clk, executor)
	addWorker(t, d, "w1")

	d.GetWatcher().HandleEvent(types.FileEvent{Path: "packages/core/README.md", Kind: types.FileModified})
	clk.Advance(400 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	clk.Advance(3 * time.Second)
	time.Sleep(100 * time.Millisecond)

	count := 0
	calls.Range(func(_, _ any) bool { count++; return true })
	assert.Zero(t, count, "cosmetic batches must not schedule builds")
}

func TestBuildQueueFIFO(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 16)
	executor := orchestrator.ExecutorFunc(func(_ context.Context, _ *types.Resource, bundle *types.MicroBundle, _ types.BuildOptions) (*types.BundleResult, error) {
		started <- bundle.Package
		<-release
		return &types.BundleResult{Success: true, Artifacts: []string{"a.js"}}, nil
	})

	cfg := config.DefaultConfig()
	cfg.AutoBuild.MaxConcurrentBuilds = 1
	cfg.Build.RetryDelay = time.Millisecond
	d, err := New(cfg, Options{Backend: backend.NewMemory(), Executor: executor})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	addWorker(t, d, "w1")

	var wg sync.WaitGroup
	results := make([]*types.BuildResult, 2)
	for i, target := range []string{"one", "two"} {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			r, err := d.RequestBuild(context.Background(), []string{target}, types.SystemActor, types.BuildOptions{})
			require.NoError(t, err)
			results[i] = r
		}(i, target)
		// Ensure deterministic arrival order
		if i == 0 {
			select {
			case pkg := <-started:
				assert.Equal(t, "one", pkg)
			case <-time.After(2 * time.Second):
				t.Fatal("first build never started")
			}
		}
	}

	// The second build waits for the slot
	select {
	case <-started:
		t.Fatal("second build ran before the first finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, types.BuildStatusSuccess, r.Status)
	}
}

func TestTrackerReceivesBuildEvents(t *testing.T) {
	d := newTestDaemon(t, nil, nil)
	addWorker(t, d, "w1")

	updates := make(chan *tracker.Update, 16)
	unsub := d.GetTracker().Subscribe("test", func(u *tracker.Update) { updates <- u }, nil)
	defer unsub()

	// Subscription delivers the current full state first
	select {
	case u := <-updates:
		assert.Equal(t, "full", u.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no full state on subscribe")
	}

	_, err := d.RequestBuild(context.Background(), []string{"core"}, types.SystemActor, types.BuildOptions{})
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case u := <-updates:
			for _, ev := range u.Events {
				if ev.Type == "build.completed" {
					return
				}
			}
			if len(u.Builds) > 0 {
				return
			}
		case <-deadline:
			t.Fatal("tracker never saw the build")
		}
	}
}
