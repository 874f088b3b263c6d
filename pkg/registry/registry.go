package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/backend"
	"github.com/buildnet/buildnet/pkg/clock"
	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	resourceKeyPrefix = "resources:record:"
	// HeartbeatChannel is the backend pub/sub channel workers emit
	// liveness messages on.
	HeartbeatChannel = "resources:heartbeat"
)

// Heartbeat is the liveness message workers publish.
type Heartbeat struct {
	ResourceID string    `json:"resource_id"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Config tunes the health scanner.
type Config struct {
	HeartbeatInterval time.Duration // scanner period, default 5s
	MissedThreshold   int           // heartbeats missed before unhealthy, default 3
	HardEject         time.Duration // absence before forced offline, default 5m
}

// DefaultConfig returns the scanner defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		MissedThreshold:   3,
		HardEject:         5 * time.Minute,
	}
}

func (c *Config) backfill() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = 3
	}
	if c.HardEject <= 0 {
		c.HardEject = 5 * time.Minute
	}
}

// Spec is the caller-supplied description of a new resource.
type Spec struct {
	Name         string            `json:"name"`
	Type         types.ResourceType `json:"type"`
	Address      string            `json:"address"`
	CPUCores     int               `json:"cpu_cores"`
	MemoryGB     int               `json:"memory_gb"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Stats summarizes the registry for dashboards.
type Stats struct {
	Total    int                            `json:"total"`
	ByType   map[types.ResourceType]int     `json:"by_type"`
	ByStatus map[types.ResourceStatus]int   `json:"by_status"`
	Claims   int                            `json:"claims"`
}

// Registry is the live catalog of workers and other resources. It
// exclusively owns resource records; other components hold only ids.
// Every mutation records through the ledger before publishing on the bus.
type Registry struct {
	backend backend.Backend
	ledger  *ledger.Ledger
	bus     *events.Bus
	clk     clock.Clock
	cfg     Config
	logger  zerolog.Logger

	mu        sync.RWMutex
	resources map[string]*types.Resource
	claims    map[string]map[string]bool // resource id -> session ids

	stopCh     chan struct{}
	unsubHB    func()
	runOnce    sync.Once
	stopOnce   sync.Once
}

// New creates a registry and loads any persisted resources from the
// backend.
func New(b backend.Backend, l *ledger.Ledger, bus *events.Bus, clk clock.Clock, cfg Config) (*Registry, error) {
	if clk == nil {
		clk = clock.Real()
	}
	cfg.backfill()

	r := &Registry{
		backend:   b,
		ledger:    l,
		bus:       bus,
		clk:       clk,
		cfg:       cfg,
		logger:    log.WithComponent("registry"),
		resources: make(map[string]*types.Resource),
		claims:    make(map[string]map[string]bool),
		stopCh:    make(chan struct{}),
	}
	if err := r.load(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(ctx context.Context) error {
	keys, err := r.backend.Keys(ctx, resourceKeyPrefix)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "load resources")
	}
	for _, key := range keys {
		data, found, err := r.backend.Get(ctx, key)
		if err != nil {
			return errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "read %s", key)
		}
		if !found {
			continue
		}
		var res types.Resource
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("unmarshal resource %s: %w", key, err)
		}
		r.resources[res.ID] = &res
	}
	return nil
}

// Start subscribes to heartbeats and launches the health scanner.
func (r *Registry) Start() error {
	var startErr error
	r.runOnce.Do(func() {
		unsub, err := r.backend.Subscribe(HeartbeatChannel, r.onHeartbeat)
		if err != nil {
			startErr = err
			return
		}
		r.unsubHB = unsub
		go r.scanLoop()
	})
	return startErr
}

// Stop halts the scanner and heartbeat subscription.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.unsubHB != nil {
			r.unsubHB()
		}
	})
}

// Add registers a new resource, recording a CREDIT through the ledger.
func (r *Registry) Add(ctx context.Context, spec Spec, actor types.Actor) (*types.Resource, error) {
	now := r.clk.Now().UTC()
	res := &types.Resource{
		ID:            uuid.New().String(),
		Name:          spec.Name,
		Type:          spec.Type,
		Address:       spec.Address,
		CPUCores:      spec.CPUCores,
		MemoryGB:      spec.MemoryGB,
		Capabilities:  spec.Capabilities,
		Labels:        spec.Labels,
		Status:        types.ResourceStatusOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if _, err := r.ledger.RecordChange(ctx, "resource", res.ID, nil, resourceState(res), actor, "resource added", ""); err != nil {
		return nil, err
	}
	if err := r.persist(ctx, res); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.resources[res.ID] = res
	r.mu.Unlock()

	r.updateGauges()
	r.publish(events.EventResourceAdded, res, fmt.Sprintf("resource %s added", res.Name))
	return cloneResource(res), nil
}

// Get returns the resource with the given id.
func (r *Registry) Get(id string) (*types.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	if !ok {
		return nil, errdefs.New(errdefs.CodeNotFound, "resource %s", id)
	}
	return cloneResource(res), nil
}

// List returns all resources ordered by id.
func (r *Registry) List() []*types.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, cloneResource(res))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateFields is the set of mutable resource fields.
type UpdateFields struct {
	Name         *string            `json:"name,omitempty"`
	Address      *string            `json:"address,omitempty"`
	CPUCores     *int               `json:"cpu_cores,omitempty"`
	MemoryGB     *int               `json:"memory_gb,omitempty"`
	Capabilities map[string]string  `json:"capabilities,omitempty"`
	Labels       map[string]string  `json:"labels,omitempty"`
}

// Update applies field changes, recording a DEBIT+CREDIT pair.
func (r *Registry) Update(ctx context.Context, id string, fields UpdateFields, actor types.Actor) (*types.Resource, error) {
	r.mu.Lock()
	res, ok := r.resources[id]
	if !ok {
		r.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeNotFound, "resource %s", id)
	}
	previous := resourceState(res)
	updated := cloneResource(res)
	r.mu.Unlock()

	if fields.Name != nil {
		updated.Name = *fields.Name
	}
	if fields.Address != nil {
		updated.Address = *fields.Address
	}
	if fields.CPUCores != nil {
		updated.CPUCores = *fields.CPUCores
	}
	if fields.MemoryGB != nil {
		updated.MemoryGB = *fields.MemoryGB
	}
	if fields.Capabilities != nil {
		updated.Capabilities = fields.Capabilities
	}
	if fields.Labels != nil {
		updated.Labels = fields.Labels
	}
	updated.UpdatedAt = r.clk.Now().UTC()

	if _, err := r.ledger.RecordChange(ctx, "resource", id, previous, resourceState(updated), actor, "resource updated", ""); err != nil {
		return nil, err
	}
	if err := r.persist(ctx, updated); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.resources[id] = updated
	r.mu.Unlock()

	r.publish(events.EventResourceUpdated, updated, fmt.Sprintf("resource %s updated", updated.Name))
	return cloneResource(updated), nil
}

// Remove deletes a resource. A resource with active claims is refused
// unless force; a forced removal publishes resource.forced_removal so the
// session manager can release stale claims.
func (r *Registry) Remove(ctx context.Context, id string, actor types.Actor, force bool) error {
	r.mu.Lock()
	res, ok := r.resources[id]
	if !ok {
		r.mu.Unlock()
		return errdefs.New(errdefs.CodeNotFound, "resource %s", id)
	}
	claimCount := len(r.claims[id])
	if claimCount > 0 && !force {
		r.mu.Unlock()
		return errdefs.New(errdefs.CodeConflictingState, "resource %s has %d active claims", id, claimCount)
	}
	previous := resourceState(res)
	name := res.Name
	delete(r.resources, id)
	delete(r.claims, id)
	r.mu.Unlock()

	reason := "resource removed"
	if force && claimCount > 0 {
		reason = "resource force-removed with active claims"
	}
	if _, err := r.ledger.RecordChange(ctx, "resource", id, previous, nil, actor, reason, ""); err != nil {
		// Restore the cache entry; the record is the source of truth
		r.mu.Lock()
		r.resources[id] = res
		r.mu.Unlock()
		return err
	}
	if err := r.backend.Delete(ctx, resourceKeyPrefix+id); err != nil {
		return errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "delete resource %s", id)
	}

	r.updateGauges()
	if force && claimCount > 0 {
		r.publish(events.EventResourceForcedRemoval, &types.Resource{ID: id, Name: name}, fmt.Sprintf("resource %s force-removed", name))
	}
	r.publish(events.EventResourceRemoved, &types.Resource{ID: id, Name: name}, fmt.Sprintf("resource %s removed", name))
	return nil
}

// Drain marks a resource so no new work is assigned while existing claims
// finish.
func (r *Registry) Drain(ctx context.Context, id string, actor types.Actor) error {
	return r.transition(ctx, id, actor, types.ResourceStatusDraining, "resource drained")
}

// Resume returns a draining resource to online.
func (r *Registry) Resume(ctx context.Context, id string, actor types.Actor) error {
	return r.transition(ctx, id, actor, types.ResourceStatusOnline, "resource resumed")
}

func (r *Registry) transition(ctx context.Context, id string, actor types.Actor, status types.ResourceStatus, reason string) error {
	r.mu.Lock()
	res, ok := r.resources[id]
	if !ok {
		r.mu.Unlock()
		return errdefs.New(errdefs.CodeNotFound, "resource %s", id)
	}
	if res.Status == status {
		r.mu.Unlock()
		return nil
	}
	previous := resourceState(res)
	updated := cloneResource(res)
	updated.Status = status
	updated.UpdatedAt = r.clk.Now().UTC()
	r.mu.Unlock()

	if _, err := r.ledger.RecordChange(ctx, "resource", id, previous, resourceState(updated), actor, reason, ""); err != nil {
		return err
	}
	if err := r.persist(ctx, updated); err != nil {
		return err
	}

	r.mu.Lock()
	r.resources[id] = updated
	r.mu.Unlock()

	r.updateGauges()
	r.publish(events.EventResourceHealthChanged, updated, reason)
	return nil
}

// GetAvailableWorkers returns online workers, ordered by id for
// deterministic scheduling.
func (r *Registry) GetAvailableWorkers() []*types.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var workers []*types.Resource
	for _, res := range r.resources {
		if res.Type == types.ResourceTypeWorker && res.Status == types.ResourceStatusOnline {
			workers = append(workers, cloneResource(res))
		}
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// GetStats summarizes the catalog.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		ByType:   make(map[types.ResourceType]int),
		ByStatus: make(map[types.ResourceStatus]int),
	}
	for _, res := range r.resources {
		stats.Total++
		stats.ByType[res.Type]++
		stats.ByStatus[res.Status]++
	}
	for _, sessions := range r.claims {
		stats.Claims += len(sessions)
	}
	return stats
}

// Claim records a session's hold on a resource. Draining resources keep
// their existing claims but accept no new ones.
func (r *Registry) Claim(resourceID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[resourceID]
	if !ok {
		return errdefs.New(errdefs.CodeNotFound, "resource %s", resourceID)
	}
	if res.Status != types.ResourceStatusOnline {
		return errdefs.New(errdefs.CodeConflictingState, "resource %s is %s", resourceID, res.Status)
	}
	if r.claims[resourceID] == nil {
		r.claims[resourceID] = make(map[string]bool)
	}
	r.claims[resourceID][sessionID] = true
	return nil
}

// ReleaseClaim drops a session's hold on a resource.
func (r *Registry) ReleaseClaim(resourceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessions, ok := r.claims[resourceID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.claims, resourceID)
		}
	}
}

// ClaimCount returns the number of sessions holding a resource.
func (r *Registry) ClaimCount(resourceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.claims[resourceID])
}

// onHeartbeat handles a liveness message from the backend channel.
func (r *Registry) onHeartbeat(msg []byte) {
	var hb Heartbeat
	if err := json.Unmarshal(msg, &hb); err != nil {
		r.logger.Warn().Err(err).Msg("Malformed heartbeat")
		return
	}
	metrics.HeartbeatsReceived.Inc()

	r.mu.Lock()
	res, ok := r.resources[hb.ResourceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	res.LastHeartbeat = r.clk.Now().UTC()
	recovered := res.Status == types.ResourceStatusUnhealthy
	r.mu.Unlock()

	if recovered {
		if err := r.transition(context.Background(), hb.ResourceID, types.SystemActor, types.ResourceStatusOnline, "heartbeat recovered"); err != nil {
			r.logger.Error().Err(err).Str("resource_id", hb.ResourceID).Msg("Failed to mark resource online")
		}
	}
}

// scanLoop is the missed-heartbeat detector.
func (r *Registry) scanLoop() {
	ticker := r.clk.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			r.scan()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) scan() {
	now := r.clk.Now()
	unhealthyAfter := time.Duration(r.cfg.MissedThreshold) * r.cfg.HeartbeatInterval

	type pending struct {
		id     string
		status types.ResourceStatus
		reason string
	}
	var transitions []pending

	r.mu.RLock()
	for id, res := range r.resources {
		if res.Type != types.ResourceTypeWorker {
			continue
		}
		silence := now.Sub(res.LastHeartbeat)
		switch {
		case silence >= r.cfg.HardEject && res.Status != types.ResourceStatusOffline:
			transitions = append(transitions, pending{id, types.ResourceStatusOffline, "heartbeats absent beyond hard-eject window"})
		case silence >= unhealthyAfter && res.Status == types.ResourceStatusOnline:
			transitions = append(transitions, pending{id, types.ResourceStatusUnhealthy, "missed heartbeats"})
		}
	}
	r.mu.RUnlock()

	for _, t := range transitions {
		if err := r.transition(context.Background(), t.id, types.SystemActor, t.status, t.reason); err != nil {
			r.logger.Error().Err(err).Str("resource_id", t.id).Msg("Health transition failed")
		}
	}
}

func (r *Registry) persist(ctx context.Context, res *types.Resource) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := r.backend.Set(ctx, resourceKeyPrefix+res.ID, data, 0); err != nil {
		return errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "persist resource %s", res.ID)
	}
	return nil
}

func (r *Registry) publish(eventType events.EventType, res *types.Resource, msg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(&events.Event{
		Type:    eventType,
		Message: msg,
		Payload: cloneResource(res),
	})
}

func (r *Registry) updateGauges() {
	r.mu.RLock()
	counts := make(map[[2]string]int)
	for _, res := range r.resources {
		counts[[2]string{string(res.Type), string(res.Status)}]++
	}
	r.mu.RUnlock()
	metrics.ResourcesTotal.Reset()
	for key, n := range counts {
		metrics.ResourcesTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

func cloneResource(res *types.Resource) *types.Resource {
	out := *res
	if res.Capabilities != nil {
		out.Capabilities = make(map[string]string, len(res.Capabilities))
		for k, v := range res.Capabilities {
			out.Capabilities[k] = v
		}
	}
	if res.Labels != nil {
		out.Labels = make(map[string]string, len(res.Labels))
		for k, v := range res.Labels {
			out.Labels[k] = v
		}
	}
	return &out
}

// resourceState renders a resource as the ledger's state map.
func resourceState(res *types.Resource) types.State {
	return types.State{
		"id":             res.ID,
		"name":           res.Name,
		"type":           string(res.Type),
		"address":        res.Address,
		"cpu_cores":      res.CPUCores,
		"memory_gb":      res.MemoryGB,
		"capabilities":   res.Capabilities,
		"labels":         res.Labels,
		"status":         string(res.Status),
		"last_heartbeat": res.LastHeartbeat.Format(time.RFC3339Nano),
	}
}
