package daemon

import (
	"context"
	"sync"

	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/orchestrator"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/buildnet/buildnet/pkg/watcher"
)

// autoBuilder schedules builds from batched file changes: each batch of
// at least local impact re-arms a one-shot delay timer, and when the
// timer finally fires one incremental build covers every package
// affected since the last build.
type autoBuilder struct {
	daemon *Daemon

	mu         sync.Mutex
	generation uint64
	targets    map[string]bool
	stopped    bool
}

const defaultTarget = "app"

func newAutoBuilder(d *Daemon) *autoBuilder {
	return &autoBuilder{
		daemon:  d,
		targets: make(map[string]bool),
	}
}

func (a *autoBuilder) stop() {
	a.mu.Lock()
	a.stopped = true
	a.generation++
	a.mu.Unlock()
}

// onBatch handles a changes.batched event.
func (a *autoBuilder) onBatch(ev *events.Event) {
	batch, ok := ev.Payload.(*types.ChangeBatch)
	if !ok || !batch.Impact.AtLeast(types.ImpactLocal) {
		return
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	for _, fileEvent := range batch.Events {
		if pkg, ok := watcher.PackageOf(fileEvent.Path); ok {
			a.targets[pkg] = true
		} else {
			a.targets[defaultTarget] = true
		}
	}
	// Re-arming invalidates any previously scheduled timer
	a.generation++
	gen := a.generation
	a.mu.Unlock()

	fire := a.daemon.clk.After(a.daemon.cfg.AutoBuild.Delay)
	go func() {
		<-fire
		a.fire(gen)
	}()
}

func (a *autoBuilder) fire(gen uint64) {
	a.mu.Lock()
	if a.stopped || a.generation != gen || len(a.targets) == 0 {
		a.mu.Unlock()
		return
	}
	targets := make([]string, 0, len(a.targets))
	for t := range a.targets {
		targets = append(targets, t)
	}
	a.targets = make(map[string]bool)
	a.mu.Unlock()

	sorted := orchestrator.SortTargets(targets)
	a.daemon.logger.Info().Strs("targets", sorted).Msg("Auto-build triggered")

	result, err := a.daemon.RequestBuild(context.Background(), sorted, types.SystemActor, types.BuildOptions{Incremental: true})
	if err != nil {
		if errdefs.CodeOf(err) != errdefs.CodeCancelled {
			a.daemon.logger.Error().Err(err).Msg("Auto-build failed to run")
		}
		return
	}
	a.daemon.logger.Info().
		Str("build_id", result.BuildID).
		Str("status", string(result.Status)).
		Msg("Auto-build finished")
}
