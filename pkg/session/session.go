package session

import (
	"context"
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

const (
	maxActivityHistory = 100
	maxActivityLogs    = 1000
)

// Config tunes the session manager.
type Config struct {
	SessionTimeout      time.Duration // idle time before eviction, default 1h
	CleanupInterval     time.Duration // scanner period, default 60s
	MaxSessionsPerActor int           // per-actor quota, default 10
}

// DefaultConfig returns the session manager defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:      time.Hour,
		CleanupInterval:     time.Minute,
		MaxSessionsPerActor: 10,
	}
}

func (c *Config) backfill() {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.MaxSessionsPerActor <= 0 {
		c.MaxSessionsPerActor = 10
	}
}

// CreateParams describes a new session.
type CreateParams struct {
	Actor          types.Actor
	ConnectionType types.ConnectionType
	ClientInfo     map[string]string
	Scopes         []string
}

// ActivitySpec describes a new activity on a session.
type ActivitySpec struct {
	Type     string
	Progress map[string]any
}

// Manager tracks live sessions, their permissions, current activities
// and resource claims. It exclusively owns session records; other
// components hold only session ids.
type Manager struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	bus      *events.Bus
	clk      clock.Clock
	cfg      Config
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*types.Session

	stopCh    chan struct{}
	unsubBus  func()
	runOnce   sync.Once
	stopOnce  sync.Once
}

// NewManager creates a session manager.
func NewManager(l *ledger.Ledger, reg *registry.Registry, bus *events.Bus, clk clock.Clock, cfg Config) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	cfg.backfill()
	return &Manager{
		ledger:   l,
		registry: reg,
		bus:      bus,
		clk:      clk,
		cfg:      cfg,
		logger:   log.WithComponent("sessions"),
		sessions: make(map[string]*types.Session),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the timeout scanner and subscribes to forced resource
// removals so stale claims get released.
func (m *Manager) Start() {
	m.runOnce.Do(func() {
		if m.bus != nil {
			m.unsubBus = m.bus.SubscribeTypes(m.onForcedRemoval, events.EventResourceForcedRemoval)
		}
		go m.scanLoop()
	})
}

// Stop halts the scanner.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.unsubBus != nil {
			m.unsubBus()
		}
	})
}

// Create opens a new session, resolving permissions from the actor kind
// and requested scopes. Fails with SessionQuotaExceeded over the
// per-actor cap.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*types.Session, error) {
	m.mu.Lock()
	active := 0
	for _, s := range m.sessions {
		if s.Actor.ID == params.Actor.ID {
			active++
		}
	}
	if active >= m.cfg.MaxSessionsPerActor {
		m.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeSessionQuotaExceeded,
			"actor %s has %d active sessions (max %d)", params.Actor.ID, active, m.cfg.MaxSessionsPerActor)
	}
	m.mu.Unlock()

	now := m.clk.Now().UTC()
	sess := &types.Session{
		SessionID:      uuid.New().String(),
		Actor:          params.Actor,
		ActorType:      params.Actor.Kind,
		ConnectedAt:    now,
		LastActivity:   now,
		ConnectionType: params.ConnectionType,
		ClientInfo:     params.ClientInfo,
		Permissions:    resolvePermissions(params.Actor.Kind, params.Scopes),
		Scopes:         params.Scopes,
	}

	if _, err := m.ledger.RecordChange(ctx, "session", sess.SessionID, nil, sessionState(sess), params.Actor, "session created", ""); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sess.SessionID] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	m.publish(events.EventSessionCreated, sess, fmt.Sprintf("session for %s created", params.Actor.Name))
	return cloneSession(sess), nil
}

// End closes a session, releasing its claims.
func (m *Manager) End(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	previous := sessionState(sess)
	claimed := append([]string(nil), sess.ClaimedResources...)
	actor := sess.Actor
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	for _, resourceID := range claimed {
		m.registry.ReleaseClaim(resourceID, id)
	}

	if reason == "" {
		reason = "session ended"
	}
	if _, err := m.ledger.RecordChange(ctx, "session", id, previous, nil, actor, reason, ""); err != nil {
		return err
	}

	metrics.SessionsActive.Set(float64(count))
	m.publish(events.EventSessionEnded, &types.Session{SessionID: id, Actor: actor}, reason)
	return nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	return cloneSession(sess), nil
}

// ListActive returns all live sessions ordered by id.
func (m *Manager) ListActive() []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ByActor returns the actor's live sessions.
func (m *Manager) ByActor(actorID string) []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Session
	for _, sess := range m.sessions {
		if sess.Actor.ID == actorID {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ByType returns live sessions for one actor kind.
func (m *Manager) ByType(kind types.ActorKind) []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Session
	for _, sess := range m.sessions {
		if sess.ActorType == kind {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Touch refreshes a session's last-activity time.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	sess.LastActivity = m.clk.Now().UTC()
	return nil
}

// StartActivity begins an activity on the session, implicitly ending any
// running one into the bounded history.
func (m *Manager) StartActivity(ctx context.Context, id string, spec ActivitySpec) (*types.Activity, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}

	now := m.clk.Now().UTC()
	var endedPrior *types.Activity
	if sess.CurrentActivity != nil {
		endedPrior = m.archiveActivityLocked(sess, now)
	}

	activity := &types.Activity{
		ActivityID:   uuid.New().String(),
		ActivityType: spec.Type,
		StartedAt:    now,
		Progress:     spec.Progress,
	}
	sess.CurrentActivity = activity
	sess.LastActivity = now
	actor := sess.Actor
	m.mu.Unlock()

	if endedPrior != nil {
		if _, err := m.ledger.RecordChange(ctx, "activity", endedPrior.ActivityID,
			activityState(endedPrior), nil, actor, "activity superseded", ""); err != nil {
			m.logger.Error().Err(err).Msg("Failed to record superseded activity")
		}
	}
	if _, err := m.ledger.RecordChange(ctx, "activity", activity.ActivityID,
		nil, activityState(activity), actor, "activity started", ""); err != nil {
		return nil, err
	}

	m.publish(events.EventActivityStarted, sess, fmt.Sprintf("activity %s started", spec.Type))
	return cloneActivity(activity), nil
}

// UpdateActivityProgress merges delta into the running activity's
// progress map.
func (m *Manager) UpdateActivityProgress(id string, delta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	if sess.CurrentActivity == nil {
		return errdefs.New(errdefs.CodeConflictingState, "session %s has no running activity", id)
	}
	if sess.CurrentActivity.Progress == nil {
		sess.CurrentActivity.Progress = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		sess.CurrentActivity.Progress[k] = v
	}
	sess.LastActivity = m.clk.Now().UTC()
	return nil
}

// AddActivityLog appends one log line to the running activity's bounded
// ring.
func (m *Manager) AddActivityLog(id, level, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	if sess.CurrentActivity == nil {
		return errdefs.New(errdefs.CodeConflictingState, "session %s has no running activity", id)
	}
	logs := append(sess.CurrentActivity.Logs, types.ActivityLog{
		Timestamp: m.clk.Now().UTC(),
		Level:     level,
		Message:   message,
	})
	if len(logs) > maxActivityLogs {
		logs = logs[len(logs)-maxActivityLogs:]
	}
	sess.CurrentActivity.Logs = logs
	return nil
}

// EndActivity finishes the running activity into history.
func (m *Manager) EndActivity(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	if sess.CurrentActivity == nil {
		m.mu.Unlock()
		return errdefs.New(errdefs.CodeConflictingState, "session %s has no running activity", id)
	}
	now := m.clk.Now().UTC()
	ended := m.archiveActivityLocked(sess, now)
	sess.LastActivity = now
	actor := sess.Actor
	m.mu.Unlock()

	if _, err := m.ledger.RecordChange(ctx, "activity", ended.ActivityID,
		activityState(ended), nil, actor, "activity ended", ""); err != nil {
		return err
	}
	m.publish(events.EventActivityEnded, sess, fmt.Sprintf("activity %s ended", ended.ActivityType))
	return nil
}

// archiveActivityLocked moves the current activity into the bounded
// history. Caller holds m.mu.
func (m *Manager) archiveActivityLocked(sess *types.Session, now time.Time) *types.Activity {
	ended := sess.CurrentActivity
	ended.EndedAt = now
	sess.ActivityHistory = append(sess.ActivityHistory, ended)
	if len(sess.ActivityHistory) > maxActivityHistory {
		sess.ActivityHistory = sess.ActivityHistory[len(sess.ActivityHistory)-maxActivityHistory:]
	}
	sess.CurrentActivity = nil
	return ended
}

// ClaimResource records the session's hold on a resource.
func (m *Manager) ClaimResource(ctx context.Context, id, resourceID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	for _, claimed := range sess.ClaimedResources {
		if claimed == resourceID {
			m.mu.Unlock()
			return nil
		}
	}
	previous := sessionState(sess)
	actor := sess.Actor
	m.mu.Unlock()

	if err := m.registry.Claim(resourceID, id); err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok = m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.registry.ReleaseClaim(resourceID, id)
		return errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	sess.ClaimedResources = append(sess.ClaimedResources, resourceID)
	sess.LastActivity = m.clk.Now().UTC()
	next := sessionState(sess)
	m.mu.Unlock()

	if _, err := m.ledger.RecordChange(ctx, "session", id, previous, next, actor, "resource claimed", ""); err != nil {
		return err
	}
	return nil
}

// ReleaseResource drops the session's hold on a resource.
func (m *Manager) ReleaseResource(ctx context.Context, id, resourceID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errdefs.New(errdefs.CodeNotFound, "session %s", id)
	}
	previous := sessionState(sess)
	actor := sess.Actor
	filtered := sess.ClaimedResources[:0]
	for _, claimed := range sess.ClaimedResources {
		if claimed != resourceID {
			filtered = append(filtered, claimed)
		}
	}
	sess.ClaimedResources = filtered
	sess.LastActivity = m.clk.Now().UTC()
	next := sessionState(sess)
	m.mu.Unlock()

	m.registry.ReleaseClaim(resourceID, id)

	if _, err := m.ledger.RecordChange(ctx, "session", id, previous, next, actor, "resource released", ""); err != nil {
		return err
	}
	return nil
}

// onForcedRemoval drops stale claims after a forced resource removal.
func (m *Manager) onForcedRemoval(ev *events.Event) {
	res, ok := ev.Payload.(*types.Resource)
	if !ok {
		return
	}
	m.mu.Lock()
	var affected []string
	for id, sess := range m.sessions {
		filtered := sess.ClaimedResources[:0]
		removed := false
		for _, claimed := range sess.ClaimedResources {
			if claimed == res.ID {
				removed = true
				continue
			}
			filtered = append(filtered, claimed)
		}
		if removed {
			sess.ClaimedResources = filtered
			affected = append(affected, id)
		}
	}
	m.mu.Unlock()

	for _, id := range affected {
		m.logger.Info().
			Str("session_id", id).
			Str("resource_id", res.ID).
			Msg("Released stale claim after forced removal")
	}
}

// scanLoop ends sessions idle past the timeout.
func (m *Manager) scanLoop() {
	ticker := m.clk.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			m.scan()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) scan() {
	cutoff := m.clk.Now().Add(-m.cfg.SessionTimeout)

	m.mu.RLock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if err := m.End(context.Background(), id, "timeout"); err != nil {
			m.logger.Error().Err(err).Str("session_id", id).Msg("Failed to end timed-out session")
			continue
		}
		metrics.SessionsTimedOut.Inc()
	}
}

func (m *Manager) publish(eventType events.EventType, sess *types.Session, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&events.Event{
		Type:    eventType,
		Message: msg,
		Payload: cloneSession(sess),
	})
}

func cloneSession(sess *types.Session) *types.Session {
	out := *sess
	out.Scopes = append([]string(nil), sess.Scopes...)
	out.ClaimedResources = append([]string(nil), sess.ClaimedResources...)
	out.Permissions = append([]types.Permission(nil), sess.Permissions...)
	if sess.CurrentActivity != nil {
		out.CurrentActivity = cloneActivity(sess.CurrentActivity)
	}
	out.ActivityHistory = append([]*types.Activity(nil), sess.ActivityHistory...)
	return &out
}

func cloneActivity(a *types.Activity) *types.Activity {
	out := *a
	if a.Progress != nil {
		out.Progress = make(map[string]any, len(a.Progress))
		for k, v := range a.Progress {
			out.Progress[k] = v
		}
	}
	out.Logs = append([]types.ActivityLog(nil), a.Logs...)
	out.Artifacts = append([]string(nil), a.Artifacts...)
	return &out
}

// sessionState renders a session for the audit store with permissions
// flattened to plain strings.
func sessionState(sess *types.Session) types.State {
	state := types.State{
		"session_id":      sess.SessionID,
		"actor_id":        sess.Actor.ID,
		"actor_type":      string(sess.ActorType),
		"connection_type": string(sess.ConnectionType),
		"connected_at":    sess.ConnectedAt.Format(time.RFC3339Nano),
		"permissions":     flattenPermissions(sess.Permissions),
		"scopes":          append([]string(nil), sess.Scopes...),
	}
	if len(sess.ClaimedResources) > 0 {
		state["claimed_resources"] = append([]string(nil), sess.ClaimedResources...)
	}
	return state
}

// activityState renders an activity for the audit store.
func activityState(a *types.Activity) types.State {
	state := types.State{
		"activity_id":   a.ActivityID,
		"activity_type": a.ActivityType,
		"started_at":    a.StartedAt.Format(time.RFC3339Nano),
	}
	if !a.EndedAt.IsZero() {
		state["ended_at"] = a.EndedAt.Format(time.RFC3339Nano)
	}
	return state
}
