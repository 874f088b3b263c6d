package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/backend"
	"github.com/buildnet/buildnet/pkg/clock"
	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

func newTestRegistry(t *testing.T, clk clock.Clock) (*Registry, *ledger.Ledger, backend.Backend) {
	t.Helper()
	b := backend.NewMemory()
	l, err := ledger.New(b, nil, clk, ledger.Config{})
	require.NoError(t, err)
	r, err := New(b, l, nil, clk, DefaultConfig())
	require.NoError(t, err)
	return r, l, b
}

func workerSpec(name string) Spec {
	return Spec{
		Name:     name,
		Type:     types.ResourceTypeWorker,
		Address:  name + ":9000",
		CPUCores: 8,
		MemoryGB: 16,
	}
}

func TestAddAndGet(t *testing.T) {
	r, l, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	res, err := r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, types.ResourceStatusOnline, res.Status)
	assert.NotEmpty(t, res.ID)

	got, err := r.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.Name)

	_, err = r.Get("nope")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	// The add landed in the ledger as a CREDIT
	entries, err := l.QueryEntries(ctx, ledger.QueryFilter{EntityType: "resource", EntityID: res.ID}, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.EntryTypeCredit, entries[0].EntryType)
	assert.Equal(t, types.AccountWorkerPool, entries[0].AccountType)
}

func TestUpdateRecordsPair(t *testing.T) {
	r, l, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	res, err := r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)

	cores := 16
	updated, err := r.Update(ctx, res.ID, UpdateFields{CPUCores: &cores}, types.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, 16, updated.CPUCores)

	entries, err := l.QueryEntries(ctx, ledger.QueryFilter{EntityType: "resource", EntityID: res.ID}, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, types.EntryTypeDebit, entries[1].EntryType)
	assert.Equal(t, types.EntryTypeCredit, entries[2].EntryType)
	require.NotNil(t, entries[2].Delta)
	assert.Contains(t, entries[2].Delta.Changes, "cpu_cores")
}

func TestRemoveWithClaimsRequiresForce(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	res, err := r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)
	require.NoError(t, r.Claim(res.ID, "session-1"))

	err = r.Remove(ctx, res.ID, types.SystemActor, false)
	assert.True(t, errors.Is(err, errdefs.ErrConflictingState))

	// Still present
	_, err = r.Get(res.ID)
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, res.ID, types.SystemActor, true))
	_, err = r.Get(res.ID)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestForcedRemovalPublishesEvent(t *testing.T) {
	b := backend.NewMemory()
	l, err := ledger.New(b, nil, nil, ledger.Config{})
	require.NoError(t, err)
	bus := events.NewBus()
	defer bus.Close()

	forced := make(chan *events.Event, 1)
	bus.SubscribeTypes(func(ev *events.Event) { forced <- ev }, events.EventResourceForcedRemoval)

	r, err := New(b, l, bus, nil, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	res, err := r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)
	require.NoError(t, r.Claim(res.ID, "session-1"))
	require.NoError(t, r.Remove(ctx, res.ID, types.SystemActor, true))

	select {
	case ev := <-forced:
		assert.Equal(t, res.ID, ev.Payload.(*types.Resource).ID)
	case <-time.After(2 * time.Second):
		t.Fatal("forced removal event not published")
	}
}

func TestDrainExcludesFromAvailableWorkers(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	w1, err := r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)
	w2, err := r.Add(ctx, workerSpec("w2"), types.SystemActor)
	require.NoError(t, err)

	require.Len(t, r.GetAvailableWorkers(), 2)

	require.NoError(t, r.Drain(ctx, w1.ID, types.SystemActor))

	workers := r.GetAvailableWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, w2.ID, workers[0].ID)

	// Draining refuses new claims
	err = r.Claim(w1.ID, "session-1")
	assert.True(t, errors.Is(err, errdefs.ErrConflictingState))

	require.NoError(t, r.Resume(ctx, w1.ID, types.SystemActor))
	assert.Len(t, r.GetAvailableWorkers(), 2)
}

func TestAvailableWorkersExcludesNonWorkers(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Add(ctx, Spec{Name: "cache1", Type: types.ResourceTypeCache}, types.SystemActor)
	require.NoError(t, err)
	_, err = r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)

	workers := r.GetAvailableWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, types.ResourceTypeWorker, workers[0].Type)
}

func TestHeartbeatScannerMarksUnhealthyThenOffline(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := backend.NewMemory()
	l, err := ledger.New(b, nil, clk, ledger.Config{})
	require.NoError(t, err)
	r, err := New(b, l, nil, clk, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	res, err := r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)

	require.NoError(t, r.Start())
	defer r.Stop()

	// Under the missed threshold nothing changes
	clk.Advance(10 * time.Second)
	assert.Eventually(t, func() bool {
		got, err := r.Get(res.ID)
		return err == nil && got.Status == types.ResourceStatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	// Past 3x5s of silence the worker goes unhealthy
	clk.Advance(10 * time.Second)
	assert.Eventually(t, func() bool {
		got, err := r.Get(res.ID)
		return err == nil && got.Status == types.ResourceStatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	// A heartbeat within the grace window recovers it
	hb, _ := json.Marshal(Heartbeat{ResourceID: res.ID})
	require.NoError(t, b.Publish(ctx, HeartbeatChannel, hb))
	assert.Eventually(t, func() bool {
		got, err := r.Get(res.ID)
		return err == nil && got.Status == types.ResourceStatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	// Silence past the hard-eject window forces offline
	clk.Advance(6 * time.Minute)
	assert.Eventually(t, func() bool {
		got, err := r.Get(res.ID)
		return err == nil && got.Status == types.ResourceStatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStats(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	w1, err := r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)
	_, err = r.Add(ctx, Spec{Name: "cache1", Type: types.ResourceTypeCache}, types.SystemActor)
	require.NoError(t, err)
	require.NoError(t, r.Claim(w1.ID, "s1"))

	stats := r.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByType[types.ResourceTypeWorker])
	assert.Equal(t, 1, stats.ByType[types.ResourceTypeCache])
	assert.Equal(t, 2, stats.ByStatus[types.ResourceStatusOnline])
	assert.Equal(t, 1, stats.Claims)
}

func TestRegistryReloadsFromBackend(t *testing.T) {
	b := backend.NewMemory()
	l, err := ledger.New(b, nil, nil, ledger.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	r, err := New(b, l, nil, nil, DefaultConfig())
	require.NoError(t, err)
	res, err := r.Add(ctx, workerSpec("w1"), types.SystemActor)
	require.NoError(t, err)

	r2, err := New(b, l, nil, nil, DefaultConfig())
	require.NoError(t, err)
	got, err := r2.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.Name)
}
