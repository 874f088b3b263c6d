package tracker

import (
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/clock"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxRecentEvents = 1000

// TrackedEvent is one dashboard-visible event.
type TrackedEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity,omitempty"`
	ActorType types.ActorKind `json:"actor_type,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// DashboardState is the full state snapshot fanned out to subscribers.
type DashboardState struct {
	DaemonID  string             `json:"daemon_id"`
	Cluster   string             `json:"cluster,omitempty"`
	Resources []*types.Resource  `json:"resources"`
	Sessions  []*types.Session   `json:"sessions"`
	Builds    []*types.BuildResult `json:"builds"`
	Events    []TrackedEvent     `json:"events,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Update is one message delivered to a subscriber: either a full
// snapshot or the incremental changes accumulated over one broadcast
// interval.
type Update struct {
	Kind      string               `json:"kind"` // "full" or "incremental"
	State     *DashboardState      `json:"state,omitempty"`
	Events    []TrackedEvent       `json:"events,omitempty"`
	Sessions  []*types.Session     `json:"sessions,omitempty"`
	Builds    []*types.BuildResult `json:"builds,omitempty"`
	Resources []*types.Resource    `json:"resources,omitempty"`
}

// Filters restricts what a subscription receives.
type Filters struct {
	EventTypes []string
	Severities []string
	ActorTypes []types.ActorKind
}

func (f *Filters) allows(ev TrackedEvent) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, ev.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsString(f.Severities, ev.Severity) {
		return false
	}
	if len(f.ActorTypes) > 0 {
		found := false
		for _, k := range f.ActorTypes {
			if k == ev.ActorType {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

type subscription struct {
	id       string
	callback func(*Update)
	filters  *Filters
}

// Tracker batches incremental dashboard updates and fans state out to
// subscribers on a throttled broadcast loop.
type Tracker struct {
	clk    clock.Clock
	logger zerolog.Logger

	interval time.Duration

	mu          sync.Mutex
	subscribers map[string]*subscription
	state       *DashboardState
	recent      []TrackedEvent

	pendingEvents    []TrackedEvent
	pendingSessions  []*types.Session
	pendingBuilds    []*types.BuildResult
	pendingResources []*types.Resource

	stopCh   chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once
}

// New creates a tracker flushing every interval (default 100ms).
func New(clk clock.Clock, interval time.Duration) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Tracker{
		clk:         clk,
		logger:      log.WithComponent("tracker"),
		interval:    interval,
		subscribers: make(map[string]*subscription),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the broadcast loop.
func (t *Tracker) Start() {
	t.runOnce.Do(func() {
		go t.broadcastLoop()
	})
}

// Stop halts the broadcast loop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// Subscribe registers a callback. The subscriber immediately receives
// the current full state (when one exists) and an unsubscribe handle.
func (t *Tracker) Subscribe(id string, callback func(*Update), filters *Filters) func() {
	if id == "" {
		id = uuid.New().String()
	}
	sub := &subscription{id: id, callback: callback, filters: filters}

	t.mu.Lock()
	t.subscribers[id] = sub
	state := t.state
	count := len(t.subscribers)
	t.mu.Unlock()

	metrics.TrackerSubscribers.Set(float64(count))

	if state != nil {
		callback(&Update{Kind: "full", State: state})
	}

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		count := len(t.subscribers)
		t.mu.Unlock()
		metrics.TrackerSubscribers.Set(float64(count))
	}
}

// UpdateState replaces the full snapshot and broadcasts it immediately,
// superseding any pending incremental.
func (t *Tracker) UpdateState(state *DashboardState) {
	state.UpdatedAt = t.clk.Now().UTC()

	t.mu.Lock()
	t.state = state
	t.pendingEvents = nil
	t.pendingSessions = nil
	t.pendingBuilds = nil
	t.pendingResources = nil
	subs := t.snapshotSubscribersLocked()
	t.mu.Unlock()

	metrics.TrackerBroadcasts.WithLabelValues("full").Inc()
	for _, sub := range subs {
		sub.callback(&Update{Kind: "full", State: state})
	}
}

// RecordEvent appends one event to the bounded ring and the pending
// incremental.
func (t *Tracker) RecordEvent(ev TrackedEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.clk.Now().UTC()
	}

	t.mu.Lock()
	t.recent = append(t.recent, ev)
	if len(t.recent) > maxRecentEvents {
		t.recent = t.recent[len(t.recent)-maxRecentEvents:]
	}
	t.pendingEvents = append(t.pendingEvents, ev)
	t.mu.Unlock()
}

// RecordSessionChange queues a session for the next incremental.
func (t *Tracker) RecordSessionChange(sess *types.Session) {
	t.mu.Lock()
	t.pendingSessions = append(t.pendingSessions, sess)
	t.mu.Unlock()
}

// RecordBuildChange queues a build result for the next incremental.
func (t *Tracker) RecordBuildChange(build *types.BuildResult) {
	t.mu.Lock()
	t.pendingBuilds = append(t.pendingBuilds, build)
	t.mu.Unlock()
}

// RecordResourceChange queues a resource for the next incremental.
func (t *Tracker) RecordResourceChange(res *types.Resource) {
	t.mu.Lock()
	t.pendingResources = append(t.pendingResources, res)
	t.mu.Unlock()
}

// GetRecentEvents returns up to limit most recent events, newest last.
func (t *Tracker) GetRecentEvents(limit int) []TrackedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.recent) {
		limit = len(t.recent)
	}
	out := make([]TrackedEvent, limit)
	copy(out, t.recent[len(t.recent)-limit:])
	return out
}

// State returns the last full snapshot, or nil before the first
// UpdateState.
func (t *Tracker) State() *DashboardState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) broadcastLoop() {
	ticker := t.clk.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			t.flush()
		case <-t.stopCh:
			return
		}
	}
}

// flush emits one incremental update when anything is pending.
func (t *Tracker) flush() {
	t.mu.Lock()
	if len(t.pendingEvents) == 0 && len(t.pendingSessions) == 0 &&
		len(t.pendingBuilds) == 0 && len(t.pendingResources) == 0 {
		t.mu.Unlock()
		return
	}
	update := &Update{
		Kind:      "incremental",
		Events:    t.pendingEvents,
		Sessions:  t.pendingSessions,
		Builds:    t.pendingBuilds,
		Resources: t.pendingResources,
	}
	t.pendingEvents = nil
	t.pendingSessions = nil
	t.pendingBuilds = nil
	t.pendingResources = nil
	subs := t.snapshotSubscribersLocked()
	t.mu.Unlock()

	metrics.TrackerBroadcasts.WithLabelValues("incremental").Inc()
	for _, sub := range subs {
		sub.callback(filterUpdate(update, sub.filters))
	}
}

func (t *Tracker) snapshotSubscribersLocked() []*subscription {
	subs := make([]*subscription, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// filterUpdate applies a subscription's filters to the events portion.
func filterUpdate(update *Update, filters *Filters) *Update {
	if filters == nil {
		return update
	}
	out := *update
	out.Events = nil
	for _, ev := range update.Events {
		if filters.allows(ev) {
			out.Events = append(out.Events, ev)
		}
	}
	return &out
}
