package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/clock"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultExcludes covers build output, version-control metadata and
// common caches.
var DefaultExcludes = []string{
	"**/dist/**",
	"**/build/**",
	"**/out/**",
	"**/.git/**",
	"**/node_modules/**",
	"**/.cache/**",
	"**/coverage/**",
}

// Config tunes the watcher.
type Config struct {
	Paths             []string      // directories to watch recursively
	Includes          []string      // include globs; empty means everything
	Excludes          []string      // exclude globs; nil means DefaultExcludes
	DebounceInterval  time.Duration // batch window, default 300ms
	PreemptivePrepare bool          // emit preparation.ready for impact >= local
}

func (c *Config) backfill() {
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = 300 * time.Millisecond
	}
	if c.Excludes == nil {
		c.Excludes = DefaultExcludes
	}
}

// Watcher observes filesystem events, debounces them into batches and
// classifies each batch's impact. Events can come from fsnotify (Start)
// or be injected directly with HandleEvent, which is how remote agents
// and tests feed the pipeline.
type Watcher struct {
	cfg    Config
	bus    *events.Bus
	clk    clock.Clock
	logger zerolog.Logger

	mu         sync.Mutex
	pending    []types.FileEvent
	generation uint64

	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a watcher publishing on the given bus.
func New(bus *events.Bus, clk clock.Clock, cfg Config) *Watcher {
	if clk == nil {
		clk = clock.Real()
	}
	cfg.backfill()
	return &Watcher{
		cfg:    cfg,
		bus:    bus,
		clk:    clk,
		logger: log.WithComponent("watcher"),
		stopCh: make(chan struct{}),
	}
}

// Start begins watching the configured paths with fsnotify. Directories
// are added recursively; new directories are picked up as they appear.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	for _, root := range w.cfg.Paths {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return err
		}
	}

	go w.run()
	return nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			kind := types.FileModified
			switch {
			case ev.Has(fsnotify.Create):
				kind = types.FileAdded
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(ev.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				kind = types.FileDeleted
			}
			w.HandleEvent(types.FileEvent{Path: ev.Name, Kind: kind, Timestamp: w.clk.Now()})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		case <-w.stopCh:
			return
		}
	}
}

// Stop halts the watcher. Pending events are discarded.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			w.fsw.Close()
		}
		w.mu.Lock()
		w.pending = nil
		w.generation++
		w.mu.Unlock()
	})
}

// HandleEvent feeds one filesystem event into the debouncer. Events
// arriving within the debounce interval of each other coalesce into one
// batch.
func (w *Watcher) HandleEvent(ev types.FileEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.clk.Now()
	}
	metrics.FileEventsTotal.Inc()

	if w.matches(ev.Path) && w.bus != nil {
		w.bus.Publish(&events.Event{
			Type:    events.EventFileChanged,
			Message: ev.Path,
			Payload: ev,
		})
	}

	w.mu.Lock()
	w.pending = append(w.pending, ev)
	w.generation++
	gen := w.generation
	w.mu.Unlock()

	fire := w.clk.After(w.cfg.DebounceInterval)
	go func() {
		select {
		case <-fire:
		case <-w.stopCh:
			return
		}
		w.mu.Lock()
		if w.generation != gen || len(w.pending) == 0 {
			// A newer event re-armed the window
			w.mu.Unlock()
			return
		}
		batchEvents := w.pending
		w.pending = nil
		w.mu.Unlock()
		w.closeBatch(batchEvents)
	}()
}

func (w *Watcher) closeBatch(batchEvents []types.FileEvent) {
	batch := &types.ChangeBatch{
		Events:   batchEvents,
		ClosedAt: w.clk.Now(),
	}
	batch.Impact, batch.Packages = w.classify(batchEvents)

	metrics.ChangeBatchesTotal.WithLabelValues(string(batch.Impact)).Inc()
	w.logger.Debug().
		Int("events", len(batchEvents)).
		Str("impact", string(batch.Impact)).
		Strs("packages", batch.Packages).
		Msg("Change batch closed")

	if w.bus != nil {
		w.bus.Publish(&events.Event{
			Type:    events.EventChangesBatched,
			Message: string(batch.Impact),
			Payload: batch,
		})
		if w.cfg.PreemptivePrepare && batch.Impact.AtLeast(types.ImpactLocal) {
			w.bus.Publish(&events.Event{
				Type:    events.EventPreparationReady,
				Message: "preparation ready",
				Payload: batch,
			})
		}
	}
}

// classify derives the batch impact and the affected packages.
func (w *Watcher) classify(batchEvents []types.FileEvent) (types.Impact, []string) {
	allExcluded := true
	allCosmetic := true
	packageSet := make(map[string]bool)
	sharedRoot := false

	for _, ev := range batchEvents {
		if !w.matches(ev.Path) {
			continue
		}
		allExcluded = false
		if !cosmetic(ev.Path) {
			allCosmetic = false
		}
		pkg, ok := PackageOf(ev.Path)
		if ok {
			packageSet[pkg] = true
		} else {
			sharedRoot = true
		}
	}

	switch {
	case allExcluded:
		return types.ImpactIgnored, nil
	case allCosmetic:
		return types.ImpactCosmetic, packageList(packageSet)
	case !sharedRoot && len(packageSet) == 1:
		return types.ImpactLocal, packageList(packageSet)
	default:
		return types.ImpactBroad, packageList(packageSet)
	}
}

func packageList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for pkg := range set {
		out = append(out, pkg)
	}
	return out
}

// matches reports whether a path passes all include globs and no exclude
// globs.
func (w *Watcher) matches(path string) bool {
	norm := filepath.ToSlash(path)
	if w.excluded(norm) {
		return false
	}
	if len(w.cfg.Includes) == 0 {
		return true
	}
	for _, glob := range w.cfg.Includes {
		if globMatch(glob, norm) {
			return true
		}
	}
	return false
}

func (w *Watcher) excluded(path string) bool {
	norm := filepath.ToSlash(path)
	for _, glob := range w.cfg.Excludes {
		if globMatch(glob, norm) {
			return true
		}
	}
	return false
}

// globMatch supports the ** prefix/suffix idiom on top of path.Match
// segment semantics: **/x/** means "any path containing segment x".
func globMatch(glob, path string) bool {
	segs := strings.Split(path, "/")
	switch {
	case strings.HasPrefix(glob, "**/") && strings.HasSuffix(glob, "/**"):
		needle := strings.Trim(glob, "*/")
		for _, seg := range segs {
			if seg == needle {
				return true
			}
		}
		return false
	case strings.HasPrefix(glob, "**/"):
		suffix := strings.TrimPrefix(glob, "**/")
		matched, _ := filepath.Match(suffix, segs[len(segs)-1])
		return matched
	default:
		matched, _ := filepath.Match(glob, path)
		return matched
	}
}

// cosmetic reports whether a path is a test, documentation or lock file.
func cosmetic(path string) bool {
	norm := filepath.ToSlash(path)
	base := filepath.Base(norm)

	switch base {
	case "package-lock.json", "yarn.lock", "pnpm-lock.yaml", "go.sum", "Cargo.lock":
		return true
	}
	if strings.HasSuffix(base, ".md") || strings.HasSuffix(base, ".txt") {
		return true
	}
	for _, marker := range []string{".test.", ".spec.", "_test."} {
		if strings.Contains(base, marker) {
			return true
		}
	}
	for _, seg := range strings.Split(norm, "/") {
		switch seg {
		case "docs", "doc", "__tests__", "test", "tests":
			return true
		}
	}
	return false
}

// PackageOf derives the top-level package a path belongs to:
// packages/<X>/... and apps/<X>/... map to X; other paths have no
// package and count as shared roots.
func PackageOf(path string) (string, bool) {
	segs := strings.Split(filepath.ToSlash(path), "/")
	for i := 0; i < len(segs)-1; i++ {
		if segs[i] == "packages" || segs[i] == "apps" {
			if i+1 < len(segs)-1 || (i+1 == len(segs)-1 && segs[i+1] != "") {
				return segs[i+1], true
			}
		}
	}
	return "", false
}
