package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/buildnet/buildnet/pkg/backend"
	"github.com/buildnet/buildnet/pkg/clock"
	"github.com/buildnet/buildnet/pkg/config"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/orchestrator"
	"github.com/buildnet/buildnet/pkg/registry"
	"github.com/buildnet/buildnet/pkg/session"
	"github.com/buildnet/buildnet/pkg/tracker"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/buildnet/buildnet/pkg/watcher"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Daemon wires BuildNet's components and owns the top-level lifecycle.
type Daemon struct {
	cfg    *config.Config
	clk    clock.Clock
	logger zerolog.Logger

	backend      backend.Backend
	bus          *events.Bus
	ledger       *ledger.Ledger
	registry     *registry.Registry
	sessions     *session.Manager
	watcher      *watcher.Watcher
	orchestrator *orchestrator.Orchestrator
	tracker      *tracker.Tracker

	buildSlots *fifoSemaphore
	auto       *autoBuilder

	unsubs    []func()
	startOnce sync.Once
	stopOnce  sync.Once
}

// Options carries the injectable collaborators. Zero values select
// production defaults.
type Options struct {
	Backend  backend.Backend
	Executor orchestrator.WorkerExecutor
	Clock    clock.Clock
}

// New assembles a daemon from configuration.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	b := opts.Backend
	if b == nil {
		var err error
		b, err = openBackend(cfg)
		if err != nil {
			return nil, err
		}
	}

	bus := events.NewBus()

	l, err := ledger.New(b, bus, clk, ledger.Config{MirrorPath: cfg.Ledger.MirrorPath})
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(b, l, bus, clk, registry.Config{
		HeartbeatInterval: cfg.WorkerPool.HeartbeatInterval,
		MissedThreshold:   cfg.WorkerPool.MissedThreshold,
		HardEject:         cfg.WorkerPool.HardEject,
	})
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(l, reg, bus, clk, session.Config{
		SessionTimeout:      cfg.Sessions.Timeout,
		CleanupInterval:     cfg.Sessions.CleanupInterval,
		MaxSessionsPerActor: cfg.Sessions.MaxPerActor,
	})

	executor := opts.Executor
	if executor == nil {
		executor = orchestrator.LocalExecutor{}
	}
	orch := orchestrator.New(reg, l, bus, executor, clk, orchestrator.Config{
		MaxRetries:       cfg.Build.MaxRetries,
		RetryDelay:       cfg.Build.RetryDelay,
		VerifyEnabled:    cfg.Build.VerifyEnabled,
		RedundancyFactor: cfg.AutoBuild.RedundancyFactor,
	})

	w := watcher.New(bus, clk, watcher.Config{
		Paths:             cfg.Watch.Paths,
		Includes:          cfg.Watch.Includes,
		Excludes:          cfg.Watch.Excludes,
		DebounceInterval:  cfg.Watch.Debounce,
		PreemptivePrepare: cfg.Watch.PreemptivePrepare,
	})

	tr := tracker.New(clk, cfg.Tracker.BroadcastInterval)

	d := &Daemon{
		cfg:          cfg,
		clk:          clk,
		logger:       log.WithComponent("daemon"),
		backend:      b,
		bus:          bus,
		ledger:       l,
		registry:     reg,
		sessions:     sessions,
		watcher:      w,
		orchestrator: orch,
		tracker:      tr,
		buildSlots:   newFIFOSemaphore(cfg.AutoBuild.MaxConcurrentBuilds),
	}
	d.auto = newAutoBuilder(d)
	return d, nil
}

func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case config.BackendMemory:
		return backend.NewMemory(), nil
	case config.BackendBolt:
		return backend.NewBolt(cfg.Backend.DataDir)
	case config.BackendRedis:
		return backend.NewRedis(cfg.Backend.Addr), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

// Start launches every component and wires the event plumbing.
func (d *Daemon) Start() error {
	var startErr error
	d.startOnce.Do(func() {
		if err := d.registry.Start(); err != nil {
			startErr = err
			return
		}
		d.sessions.Start()
		d.tracker.Start()

		if len(d.cfg.Watch.Paths) > 0 {
			if err := d.watcher.Start(); err != nil {
				startErr = err
				return
			}
		}

		d.unsubs = append(d.unsubs, d.bus.Subscribe(d.feedTracker))
		if d.cfg.AutoBuild.Enabled {
			d.unsubs = append(d.unsubs,
				d.bus.SubscribeTypes(d.auto.onBatch, events.EventChangesBatched),
				d.bus.SubscribeTypes(d.onPreparationReady, events.EventPreparationReady))
		}

		d.tracker.UpdateState(d.GetDashboardState())
		d.logger.Info().
			Str("daemon_id", d.cfg.DaemonID).
			Str("cluster", d.cfg.Cluster).
			Msg("Daemon started")
	})
	return startErr
}

// Stop shuts the components down in reverse order.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		for _, unsub := range d.unsubs {
			unsub()
		}
		d.auto.stop()
		d.watcher.Stop()
		d.tracker.Stop()
		d.sessions.Stop()
		d.registry.Stop()
		d.bus.Close()
		if err := d.ledger.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close ledger")
		}
		if err := d.backend.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close backend")
		}
		d.logger.Info().Msg("Daemon stopped")
	})
}

// RequestBuild submits a build. Requests beyond the concurrent limit
// wait in FIFO order for a slot.
func (d *Daemon) RequestBuild(ctx context.Context, targets []string, actor types.Actor, options types.BuildOptions) (*types.BuildResult, error) {
	if err := d.buildSlots.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.buildSlots.release()

	request := types.BuildRequest{
		RequestID: uuid.New().String(),
		Actor:     actor,
		Targets:   orchestrator.SortTargets(targets),
		Options:   options,
		CreatedAt: d.clk.Now().UTC(),
	}
	return d.orchestrator.ConductBuild(ctx, request)
}

// GetDashboardState assembles the full dashboard snapshot.
func (d *Daemon) GetDashboardState() *tracker.DashboardState {
	return &tracker.DashboardState{
		DaemonID:  d.cfg.DaemonID,
		Cluster:   d.cfg.Cluster,
		Resources: d.registry.List(),
		Sessions:  d.sessions.ListActive(),
		Builds:    d.orchestrator.RecentBuilds(),
		Events:    d.tracker.GetRecentEvents(100),
	}
}

// feedTracker translates bus events into tracker records.
func (d *Daemon) feedTracker(ev *events.Event) {
	if ev.Type == events.EventLedgerTransaction && !d.cfg.Ledger.Streaming {
		return
	}
	severity := "info"
	switch ev.Type {
	case events.EventVerificationWarning:
		severity = "warning"
	case events.EventResourceForcedRemoval:
		severity = "warning"
	}

	d.tracker.RecordEvent(tracker.TrackedEvent{
		Type:      string(ev.Type),
		Severity:  severity,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	})

	switch payload := ev.Payload.(type) {
	case *types.Session:
		d.tracker.RecordSessionChange(payload)
	case *types.Resource:
		d.tracker.RecordResourceChange(payload)
	}

	if ev.Type == events.EventBuildCompleted || ev.Type == events.EventBuildCancelled {
		if buildID, ok := ev.Payload.(string); ok {
			for _, r := range d.orchestrator.RecentBuilds() {
				if r.BuildID == buildID {
					d.tracker.RecordBuildChange(r)
					break
				}
			}
		}
	}
}

// onPreparationReady hands affected packages to the orchestrator's cache
// prefetch hook.
func (d *Daemon) onPreparationReady(ev *events.Event) {
	if batch, ok := ev.Payload.(*types.ChangeBatch); ok {
		d.orchestrator.PrepareCaches(context.Background(), batch.Packages)
	}
}

// Component accessors.

func (d *Daemon) GetLedger() *ledger.Ledger                 { return d.ledger }
func (d *Daemon) GetResources() *registry.Registry          { return d.registry }
func (d *Daemon) GetSessions() *session.Manager             { return d.sessions }
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator { return d.orchestrator }
func (d *Daemon) GetTracker() *tracker.Tracker              { return d.tracker }
func (d *Daemon) GetWatcher() *watcher.Watcher              { return d.watcher }
func (d *Daemon) Config() *config.Config                    { return d.cfg }
