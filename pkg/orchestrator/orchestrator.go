package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/clock"
	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/registry"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxRecentBuilds = 50

// Config tunes the orchestrator.
type Config struct {
	MaxRetries       int           // bundle execution attempts, default 3
	RetryDelay       time.Duration // base back-off, multiplied by attempt, default 500ms
	VerifyEnabled    bool          // run the verification phase
	RedundancyFactor int           // reserved scheduling headroom; hook only
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		VerifyEnabled: true,
	}
}

func (c *Config) backfill() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

// execution tracks one in-flight build.
type execution struct {
	buildID   string
	request   types.BuildRequest
	score     *types.BuildScore
	startedAt time.Time

	mu        sync.Mutex
	cancelled bool
	completed int
	failed    int
}

func (e *execution) cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

func (e *execution) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Snapshot is the externally visible state of a build.
type Snapshot struct {
	BuildID          string            `json:"build_id"`
	Status           types.BuildStatus `json:"status"`
	Targets          []string          `json:"targets,omitempty"`
	BundlesTotal     int               `json:"bundles_total"`
	BundlesCompleted int               `json:"bundles_completed"`
	BundlesFailed    int               `json:"bundles_failed"`
	StartedAt        time.Time         `json:"started_at"`
}

// Orchestrator conducts builds: it prepares micro-bundles, scores worker
// assignments, performs execution with retry under the dependency DAG,
// and verifies the results.
type Orchestrator struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	bus      *events.Bus
	executor WorkerExecutor
	clk      clock.Clock
	cfg      Config
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]*execution
	recent []*types.BuildResult
}

// New creates an orchestrator.
func New(reg *registry.Registry, l *ledger.Ledger, bus *events.Bus, executor WorkerExecutor, clk clock.Clock, cfg Config) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	cfg.backfill()
	return &Orchestrator{
		registry: reg,
		ledger:   l,
		bus:      bus,
		executor: executor,
		clk:      clk,
		cfg:      cfg,
		logger:   log.WithComponent("orchestrator"),
		active:   make(map[string]*execution),
	}
}

// ConductBuild runs one build to completion, deriving micro-bundles from
// the request targets. Every ledger entry recorded during the build
// shares one correlation id.
func (o *Orchestrator) ConductBuild(ctx context.Context, request types.BuildRequest) (*types.BuildResult, error) {
	return o.ConductBuildWithBundles(ctx, request, nil)
}

// ConductBuildWithBundles runs a build over caller-supplied bundles,
// bypassing the default one-bundle-per-target split. Callers with their
// own entry-point splitters use this directly.
func (o *Orchestrator) ConductBuildWithBundles(ctx context.Context, request types.BuildRequest, bundles []*types.MicroBundle) (*types.BuildResult, error) {
	buildID := uuid.New().String()
	startedAt := o.clk.Now().UTC()
	timer := metrics.NewTimer()

	o.ledger.StartCorrelation()
	defer o.ledger.EndCorrelation()

	logger := o.logger.With().Str("build_id", buildID).Logger()
	logger.Info().Strs("targets", request.Targets).Msg("Build started")

	if _, err := o.ledger.RecordChange(ctx, "build", buildID, nil,
		buildState(buildID, types.BuildStatusRunning, request, startedAt),
		request.Actor, "build started", ""); err != nil {
		return nil, err
	}
	o.publish(events.EventBuildStarted, buildID, "build started")

	result := o.conduct(ctx, buildID, request, bundles, startedAt, logger)

	result.DurationMS = o.clk.Now().UTC().Sub(startedAt).Milliseconds()
	result.FinishedAt = o.clk.Now().UTC()

	reason := "build completed"
	eventType := events.EventBuildCompleted
	if result.Status == types.BuildStatusCancelled {
		reason = "build cancelled"
		eventType = events.EventBuildCancelled
	}
	if _, err := o.ledger.RecordChange(ctx, "build", buildID,
		buildState(buildID, types.BuildStatusRunning, request, startedAt),
		resultState(result), request.Actor, reason, ""); err != nil {
		logger.Error().Err(err).Msg("Failed to record build completion")
	}

	o.mu.Lock()
	delete(o.active, buildID)
	o.recent = append(o.recent, result)
	if len(o.recent) > maxRecentBuilds {
		o.recent = o.recent[len(o.recent)-maxRecentBuilds:]
	}
	o.mu.Unlock()

	metrics.BuildsTotal.WithLabelValues(string(result.Status)).Inc()
	timer.ObserveDuration(metrics.BuildDuration)
	o.publish(eventType, buildID, reason)
	logger.Info().
		Str("status", string(result.Status)).
		Int("completed", result.BundlesCompleted).
		Int("failed", result.BundlesFailed).
		Msg("Build finished")

	return result, nil
}

// conduct runs the prepare/score/perform/verify phases.
func (o *Orchestrator) conduct(ctx context.Context, buildID string, request types.BuildRequest, bundles []*types.MicroBundle, startedAt time.Time, logger zerolog.Logger) *types.BuildResult {
	result := &types.BuildResult{
		BuildID:   buildID,
		StartedAt: startedAt,
	}

	fail := func(code errdefs.Code, msg string) *types.BuildResult {
		result.Status = types.BuildStatusFailed
		result.Errors = append(result.Errors, types.BuildError{Code: string(code), Message: msg})
		return result
	}

	// Phase 1: prepare
	if bundles == nil {
		bundles = prepareBundles(SortTargets(request.Targets))
	}
	if len(bundles) == 0 {
		return fail(errdefs.CodeOrchestrationError, "no targets to build")
	}

	// Phase 2: score
	workers := o.registry.GetAvailableWorkers()
	if len(workers) == 0 {
		return fail(errdefs.CodeOrchestrationError, "no available workers")
	}
	score, err := scoreBuild(bundles, workers, request.Options)
	if err != nil {
		if errors.Is(err, errdefs.ErrDeadlock) {
			return fail(errdefs.CodeDeadlock, err.Error())
		}
		return fail(errdefs.CodeOrchestrationError, err.Error())
	}
	metrics.BundlesScheduled.Add(float64(len(bundles)))

	exec := &execution{
		buildID:   buildID,
		request:   request,
		score:     score,
		startedAt: startedAt,
	}
	o.mu.Lock()
	o.active[buildID] = exec
	o.mu.Unlock()

	// Phase 3: perform
	results, performErr := o.perform(ctx, exec, workers, logger)
	for _, br := range results {
		result.BundleResults = append(result.BundleResults, br)
		if br.Success {
			result.BundlesCompleted++
			result.Artifacts = append(result.Artifacts, br.Artifacts...)
		} else {
			result.BundlesFailed++
			result.Errors = append(result.Errors, types.BuildError{
				Code:     string(errdefs.CodeBuildError),
				BundleID: br.BundleID,
				Message:  br.Error,
			})
		}
	}

	if performErr != nil {
		switch {
		case errors.Is(performErr, errdefs.ErrDeadlock):
			return fail(errdefs.CodeDeadlock, performErr.Error())
		case errors.Is(performErr, errdefs.ErrCancelled):
			result.Status = types.BuildStatusCancelled
			return result
		default:
			return fail(errdefs.CodeExecutionError, performErr.Error())
		}
	}

	// Phase 4: verify
	if o.cfg.VerifyEnabled {
		o.verify(result, logger)
	}

	if result.BundlesFailed > 0 {
		result.Status = types.BuildStatusFailed
	} else {
		result.Status = types.BuildStatusSuccess
	}
	return result
}

// perform executes the plan wave by wave under the dependency DAG.
func (o *Orchestrator) perform(ctx context.Context, exec *execution, workers []*types.Resource, logger zerolog.Logger) ([]*types.BundleResult, error) {
	workersByID := make(map[string]*types.Resource, len(workers))
	for _, w := range workers {
		workersByID[w.ID] = w
	}

	pending := make(map[string]*types.MicroBundle, len(exec.score.Bundles))
	for _, b := range exec.score.Bundles {
		pending[b.ID] = b
	}
	completed := make(map[string]*types.BundleResult, len(pending))
	var ordered []*types.BundleResult

	for len(pending) > 0 {
		if exec.isCancelled() {
			return ordered, errdefs.New(errdefs.CodeCancelled, "build %s cancelled", exec.buildID)
		}

		// Everything whose dependencies have completed is ready
		var ready []*types.MicroBundle
		for _, b := range pending {
			ok := true
			for _, dep := range b.Dependencies {
				if _, did := completed[dep]; !did {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, b)
			}
		}
		if len(ready) == 0 {
			return ordered, errdefs.New(errdefs.CodeDeadlock, "%d bundles blocked on unsatisfiable dependencies", len(pending))
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

		resultCh := make(chan *types.BundleResult, len(ready))
		var wg sync.WaitGroup
		for _, bundle := range ready {
			assignment := exec.score.Assignments[bundle.ID]
			worker := workersByID[assignment.WorkerID]
			wg.Add(1)
			go func(bundle *types.MicroBundle, worker *types.Resource) {
				defer wg.Done()
				resultCh <- o.executeBundleWithRetry(ctx, worker, bundle, exec.request.Options, logger)
			}(bundle, worker)
		}
		wg.Wait()
		close(resultCh)

		for br := range resultCh {
			completed[br.BundleID] = br
			delete(pending, br.BundleID)
			ordered = append(ordered, br)
			exec.mu.Lock()
			if br.Success {
				exec.completed++
			} else {
				exec.failed++
			}
			exec.mu.Unlock()
		}
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].BundleID < ordered[j].BundleID })
	return ordered, nil
}

// executeBundleWithRetry runs one bundle up to MaxRetries times with
// linear back-off. A dispatch error or unsuccessful result retries; a
// success without artifacts also retries but is kept if it persists.
func (o *Orchestrator) executeBundleWithRetry(ctx context.Context, worker *types.Resource, bundle *types.MicroBundle, opts types.BuildOptions, logger zerolog.Logger) *types.BundleResult {
	var last *types.BundleResult
	started := o.clk.Now()
	attempts := 0

	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			o.clk.Sleep(o.cfg.RetryDelay * time.Duration(attempt-1))
			metrics.BundleRetries.Inc()
		}
		attempts = attempt

		br, err := o.executor.ExecuteBundle(ctx, worker, bundle, opts)
		if err != nil {
			last = &types.BundleResult{
				BundleID: bundle.ID,
				WorkerID: worker.ID,
				Error:    fmt.Sprintf("%s: %v", errdefs.CodeExecutionError, err),
			}
			logger.Warn().Err(err).Str("bundle", bundle.ID).Int("attempt", attempt).Msg("Bundle dispatch failed")
			continue
		}
		br.BundleID = bundle.ID
		br.WorkerID = worker.ID
		last = br
		if br.Success && len(br.Artifacts) > 0 {
			break
		}
		logger.Warn().
			Str("bundle", bundle.ID).
			Int("attempt", attempt).
			Bool("success", br.Success).
			Msg("Bundle attempt unsatisfactory")
	}

	last.Attempts = attempts
	last.DurationMS = o.clk.Now().Sub(started).Milliseconds()
	if !last.Success {
		metrics.BundlesFailed.Inc()
	}
	return last
}

// verify flags successful bundles that produced no artifacts.
func (o *Orchestrator) verify(result *types.BuildResult, logger zerolog.Logger) {
	for _, br := range result.BundleResults {
		if br.Success && len(br.Artifacts) == 0 {
			logger.Warn().Str("bundle", br.BundleID).Msg("Bundle succeeded without artifacts")
			o.publish(events.EventVerificationWarning, result.BuildID,
				fmt.Sprintf("bundle %s succeeded without artifacts", br.BundleID))
		}
	}
}

// CancelBuild cooperatively cancels an in-flight build: the perform loop
// exits at its next iteration boundary; in-flight bundles finish but are
// discarded from downstream scheduling.
func (o *Orchestrator) CancelBuild(ctx context.Context, buildID string, actor types.Actor) bool {
	o.mu.Lock()
	exec, ok := o.active[buildID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	exec.cancel()

	if _, err := o.ledger.RecordChange(ctx, "build", buildID,
		buildState(buildID, types.BuildStatusRunning, exec.request, exec.startedAt),
		buildState(buildID, types.BuildStatusCancelled, exec.request, exec.startedAt),
		actor, "build cancellation requested", ""); err != nil {
		o.logger.Error().Err(err).Str("build_id", buildID).Msg("Failed to record cancellation")
	}
	return true
}

// GetBuildStatus returns a snapshot of an active or recently finished
// build.
func (o *Orchestrator) GetBuildStatus(buildID string) (*Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if exec, ok := o.active[buildID]; ok {
		exec.mu.Lock()
		snap := &Snapshot{
			BuildID:          buildID,
			Status:           types.BuildStatusRunning,
			Targets:          exec.request.Targets,
			BundlesTotal:     len(exec.score.Bundles),
			BundlesCompleted: exec.completed,
			BundlesFailed:    exec.failed,
			StartedAt:        exec.startedAt,
		}
		exec.mu.Unlock()
		return snap, nil
	}

	for i := len(o.recent) - 1; i >= 0; i-- {
		if o.recent[i].BuildID == buildID {
			r := o.recent[i]
			return &Snapshot{
				BuildID:          buildID,
				Status:           r.Status,
				BundlesTotal:     r.BundlesCompleted + r.BundlesFailed,
				BundlesCompleted: r.BundlesCompleted,
				BundlesFailed:    r.BundlesFailed,
				StartedAt:        r.StartedAt,
			}, nil
		}
	}
	return nil, errdefs.New(errdefs.CodeNotFound, "build %s", buildID)
}

// RecentBuilds returns the most recent build results, newest last.
func (o *Orchestrator) RecentBuilds() []*types.BuildResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*types.BuildResult(nil), o.recent...)
}

// PrepareCaches pre-fetches caches for the given packages ahead of an
// anticipated build. Currently a no-op hook behind the
// preparation.ready event.
func (o *Orchestrator) PrepareCaches(ctx context.Context, packages []string) {
	_ = ctx
	_ = packages
}

func (o *Orchestrator) publish(eventType events.EventType, buildID, msg string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(&events.Event{
		Type:    eventType,
		Message: msg,
		Payload: buildID,
	})
}

func buildState(buildID string, status types.BuildStatus, request types.BuildRequest, startedAt time.Time) types.State {
	return types.State{
		"build_id":   buildID,
		"status":     string(status),
		"request_id": request.RequestID,
		"targets":    append([]string(nil), request.Targets...),
		"started_at": startedAt.Format(time.RFC3339Nano),
	}
}

func resultState(result *types.BuildResult) types.State {
	return types.State{
		"build_id":          result.BuildID,
		"status":            string(result.Status),
		"bundles_completed": result.BundlesCompleted,
		"bundles_failed":    result.BundlesFailed,
		"artifacts":         append([]string(nil), result.Artifacts...),
		"duration_ms":       result.DurationMS,
		"started_at":        result.StartedAt.Format(time.RFC3339Nano),
	}
}
