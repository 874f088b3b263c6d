package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/backend"
	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

func newTestLedger(t *testing.T) (*Ledger, backend.Backend) {
	t.Helper()
	b := backend.NewMemory()
	l, err := New(b, nil, nil, Config{})
	require.NoError(t, err)
	return l, b
}

func TestRecordChangeCreate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.RecordChange(ctx, "resource", "w1",
		nil, types.State{"name": "w1", "cpu": 8},
		types.SystemActor, "add", "")
	require.NoError(t, err)

	require.Len(t, tx.Entries, 1)
	entry := tx.Entries[0]
	assert.Equal(t, types.EntryTypeCredit, entry.EntryType)
	assert.Equal(t, uint64(1), entry.SequenceNumber)
	assert.Equal(t, types.AccountWorkerPool, entry.AccountType)
	assert.Equal(t, types.DeltaCreate, entry.Delta.Type)
	assert.Empty(t, entry.PreviousChecksum)
	assert.NotEmpty(t, entry.Checksum)

	state, err := l.GetEntityState(ctx, "resource", "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", state["name"])
	assert.EqualValues(t, 8, state["cpu"])

	report, err := l.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, 1, report.EntriesChecked)
}

func TestRecordChangeUpdateDelta(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordChange(ctx, "resource", "w1",
		nil, types.State{"name": "w1", "cpu": 8},
		types.SystemActor, "add", "")
	require.NoError(t, err)

	tx, err := l.RecordChange(ctx, "resource", "w1",
		types.State{"name": "w1", "cpu": 8},
		types.State{"name": "w1", "cpu": 16},
		types.SystemActor, "upgrade", "")
	require.NoError(t, err)

	require.Len(t, tx.Entries, 2)
	debit, credit := tx.Entries[0], tx.Entries[1]

	assert.Equal(t, types.EntryTypeDebit, debit.EntryType)
	assert.Equal(t, uint64(2), debit.SequenceNumber)
	assert.Equal(t, types.EntryTypeCredit, credit.EntryType)
	assert.Equal(t, uint64(3), credit.SequenceNumber)
	assert.Equal(t, debit.TransactionID, credit.TransactionID)
	assert.Equal(t, debit.Timestamp, credit.Timestamp)

	require.NotNil(t, credit.Delta)
	assert.Equal(t, types.DeltaUpdate, credit.Delta.Type)
	require.Contains(t, credit.Delta.Changes, "cpu")
	assert.EqualValues(t, 8, credit.Delta.Changes["cpu"].Old)
	assert.EqualValues(t, 16, credit.Delta.Changes["cpu"].New)
	assert.NotContains(t, credit.Delta.Changes, "name")

	state, err := l.GetEntityState(ctx, "resource", "w1")
	require.NoError(t, err)
	assert.EqualValues(t, 16, state["cpu"])
}

func TestChainBreakDetection(t *testing.T) {
	l, b := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordChange(ctx, "resource", "w1",
		nil, types.State{"name": "w1", "cpu": 8}, types.SystemActor, "add", "")
	require.NoError(t, err)
	_, err = l.RecordChange(ctx, "resource", "w1",
		types.State{"name": "w1", "cpu": 8}, types.State{"name": "w1", "cpu": 16},
		types.SystemActor, "upgrade", "")
	require.NoError(t, err)

	// Tamper with entry 2's previous_checksum
	data, found, err := b.Get(ctx, entryKey(2))
	require.NoError(t, err)
	require.True(t, found)
	var entry types.LedgerEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	entry.PreviousChecksum = "deadbeef"
	tampered, err := json.Marshal(&entry)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, entryKey(2), tampered, 0))

	report, err := l.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.False(t, report.Verified)

	var chainBreaks []IntegrityError
	for _, e := range report.Errors {
		if e.Kind == string(errdefs.CodeChainBreak) {
			chainBreaks = append(chainBreaks, e)
		}
	}
	require.Len(t, chainBreaks, 1)
	assert.Equal(t, uint64(2), chainBreaks[0].Sequence)
}

func TestChecksumMismatchDetection(t *testing.T) {
	l, b := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordChange(ctx, "resource", "w1",
		nil, types.State{"name": "w1"}, types.SystemActor, "add", "")
	require.NoError(t, err)

	// Mutate a covered field without recomputing the checksum
	data, _, err := b.Get(ctx, entryKey(1))
	require.NoError(t, err)
	var entry types.LedgerEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	entry.Reason = "tampered"
	tampered, err := json.Marshal(&entry)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, entryKey(1), tampered, 0))

	report, err := l.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.False(t, report.Verified)
	require.NotEmpty(t, report.Errors)
	assert.Equal(t, string(errdefs.CodeChecksumMismatch), report.Errors[0].Kind)
}

func TestDeleteRemovesState(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordChange(ctx, "session", "s1",
		nil, types.State{"actor": "alice"}, types.SystemActor, "create", "")
	require.NoError(t, err)

	tx, err := l.RecordChange(ctx, "session", "s1",
		types.State{"actor": "alice"}, nil, types.SystemActor, "end", "")
	require.NoError(t, err)

	require.Len(t, tx.Entries, 1)
	assert.Equal(t, types.EntryTypeDebit, tx.Entries[0].EntryType)
	assert.Equal(t, types.DeltaDelete, tx.Entries[0].Delta.Type)

	_, err = l.GetEntityState(ctx, "session", "s1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestGetEntityStateAt(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordChange(ctx, "resource", "w1",
		nil, types.State{"cpu": 8}, types.SystemActor, "add", "")
	require.NoError(t, err)
	afterCreate := time.Now().UTC()

	time.Sleep(5 * time.Millisecond)
	_, err = l.RecordChange(ctx, "resource", "w1",
		types.State{"cpu": 8}, types.State{"cpu": 16}, types.SystemActor, "upgrade", "")
	require.NoError(t, err)

	// At a point between the two mutations the original state holds
	state, err := l.GetEntityStateAt(ctx, "resource", "w1", afterCreate)
	require.NoError(t, err)
	assert.EqualValues(t, 8, state["cpu"])

	// Now (after the update) matches GetEntityState
	state, err = l.GetEntityStateAt(ctx, "resource", "w1", time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 16, state["cpu"])

	time.Sleep(5 * time.Millisecond)
	_, err = l.RecordChange(ctx, "resource", "w1",
		types.State{"cpu": 16}, nil, types.SystemActor, "remove", "")
	require.NoError(t, err)

	_, err = l.GetEntityStateAt(ctx, "resource", "w1", time.Now().UTC())
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "deleted entity must be absent")
}

func TestSequenceDensityAcrossTransactions(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	prev := types.State(nil)
	for i := 0; i < 5; i++ {
		next := types.State{"round": i}
		_, err := l.RecordChange(ctx, "config", "main", prev, next, types.SystemActor, "tick", "")
		require.NoError(t, err)
		prev = next
	}

	entries, err := l.QueryEntries(ctx, QueryFilter{}, 0, 0)
	require.NoError(t, err)
	for i, entry := range entries {
		assert.Equal(t, uint64(i+1), entry.SequenceNumber, "sequence numbers must be dense")
	}

	report, err := l.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, len(entries), report.EntriesChecked)
}

func TestQueryEntriesFilters(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	alice := types.Actor{ID: "alice", Name: "Alice", Kind: types.ActorKindUser}

	_, err := l.RecordChange(ctx, "resource", "w1", nil, types.State{"a": 1}, types.SystemActor, "add", "")
	require.NoError(t, err)
	_, err = l.RecordChange(ctx, "session", "s1", nil, types.State{"b": 2}, alice, "create", "")
	require.NoError(t, err)
	_, err = l.RecordChange(ctx, "resource", "w2", nil, types.State{"c": 3}, alice, "add", "")
	require.NoError(t, err)

	byType, err := l.QueryEntries(ctx, QueryFilter{EntityType: "resource"}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byActor, err := l.QueryEntries(ctx, QueryFilter{ActorID: "alice"}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	from := uint64(2)
	bySeq, err := l.QueryEntries(ctx, QueryFilter{FromSequence: &from}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, bySeq, 2)

	limited, err := l.QueryEntries(ctx, QueryFilter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(2), limited[0].SequenceNumber)
}

func TestCorrelationScope(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	id := l.StartCorrelation()
	require.NotEmpty(t, id)

	tx, err := l.RecordChange(ctx, "build", "b1", nil, types.State{"status": "running"}, types.SystemActor, "start", "")
	require.NoError(t, err)
	assert.Equal(t, id, tx.Entries[0].CorrelationID)

	l.EndCorrelation()

	tx, err = l.RecordChange(ctx, "build", "b2", nil, types.State{"status": "running"}, types.SystemActor, "start", "")
	require.NoError(t, err)
	assert.Empty(t, tx.Entries[0].CorrelationID)
}

func TestBuildAccountMapping(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.RecordChange(ctx, "build", "b1", nil, types.State{"status": "running"}, types.SystemActor, "start", "")
	require.NoError(t, err)
	assert.Equal(t, types.AccountBuildQueue, tx.Entries[0].AccountType)

	tx, err = l.RecordChange(ctx, "build", "b1",
		types.State{"status": "running"}, types.State{"status": "success"}, types.SystemActor, "complete", "")
	require.NoError(t, err)
	assert.Equal(t, types.AccountCompletedBuilds, tx.Entries[0].AccountType)
}

func TestTransactionPublishedAtomically(t *testing.T) {
	b := backend.NewMemory()
	bus := events.NewBus()
	defer bus.Close()

	received := make(chan *types.LedgerTransaction, 4)
	bus.SubscribeTypes(func(ev *events.Event) {
		received <- ev.Payload.(*types.LedgerTransaction)
	}, events.EventLedgerTransaction)

	l, err := New(b, bus, nil, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.RecordChange(ctx, "resource", "w1",
		nil, types.State{"cpu": 8}, types.SystemActor, "add", "")
	require.NoError(t, err)
	_, err = l.RecordChange(ctx, "resource", "w1",
		types.State{"cpu": 8}, types.State{"cpu": 16}, types.SystemActor, "upgrade", "")
	require.NoError(t, err)

	select {
	case tx := <-received:
		assert.Len(t, tx.Entries, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction not published")
	}
	select {
	case tx := <-received:
		assert.Len(t, tx.Entries, 2, "subscribers must see both halves of an update pair at once")
	case <-time.After(2 * time.Second):
		t.Fatal("transaction not published")
	}
}

func TestRecoveryRestoresSequence(t *testing.T) {
	b := backend.NewMemory()
	ctx := context.Background()

	l, err := New(b, nil, nil, Config{})
	require.NoError(t, err)
	_, err = l.RecordChange(ctx, "resource", "w1", nil, types.State{"cpu": 8}, types.SystemActor, "add", "")
	require.NoError(t, err)

	// A second ledger over the same backend continues the chain
	l2, err := New(b, nil, nil, Config{})
	require.NoError(t, err)
	tx, err := l2.RecordChange(ctx, "resource", "w2", nil, types.State{"cpu": 4}, types.SystemActor, "add", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tx.Entries[0].SequenceNumber)

	report, err := l2.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, 2, report.EntriesChecked)
}

func TestRecoveryRefusesWritesOnGap(t *testing.T) {
	b := backend.NewMemory()
	ctx := context.Background()

	l, err := New(b, nil, nil, Config{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = l.RecordChange(ctx, "config", "c", nil, types.State{"i": i}, types.SystemActor, "set", "")
		require.NoError(t, err)
		_, err = l.RecordChange(ctx, "config", "c", types.State{"i": i}, nil, types.SystemActor, "clear", "")
		require.NoError(t, err)
	}

	// Punch a hole in the sequence
	require.NoError(t, b.Delete(ctx, entryKey(3)))

	l2, err := New(b, nil, nil, Config{})
	require.NoError(t, err)
	_, err = l2.RecordChange(ctx, "config", "c", nil, types.State{"i": 9}, types.SystemActor, "set", "")
	assert.True(t, errors.Is(err, errdefs.ErrSequenceGap))
}

func TestLeaseUnavailableAfterRetries(t *testing.T) {
	b := backend.NewMemory()
	ctx := context.Background()

	// Hold the writer lease externally
	_, ok, err := b.AcquireLease(ctx, writerLease, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	l, err := New(b, nil, nil, Config{})
	require.NoError(t, err)

	_, err = l.RecordChange(ctx, "resource", "w1", nil, types.State{"cpu": 8}, types.SystemActor, "add", "")
	assert.True(t, errors.Is(err, errdefs.ErrLeaseUnavailable))
}

func TestNoOpChangeProducesNoEntries(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.RecordChange(ctx, "config", "c", nil, nil, types.SystemActor, "noop", "")
	require.NoError(t, err)
	assert.Empty(t, tx.Entries)
}

func TestMirrorReplay(t *testing.T) {
	dir := t.TempDir()
	mirrorPath := filepath.Join(dir, "ledger.jsonl")
	ctx := context.Background()

	b := backend.NewMemory()
	l, err := New(b, nil, nil, Config{MirrorPath: mirrorPath})
	require.NoError(t, err)

	_, err = l.RecordChange(ctx, "resource", "w1", nil, types.State{"cpu": 8}, types.SystemActor, "add", "")
	require.NoError(t, err)
	_, err = l.RecordChange(ctx, "resource", "w1",
		types.State{"cpu": 8}, types.State{"cpu": 16}, types.SystemActor, "upgrade", "")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Wipe: fresh backend, replay the mirror
	fresh := backend.NewMemory()
	n, err := ReplayMirror(ctx, mirrorPath, fresh)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	l2, err := New(fresh, nil, nil, Config{})
	require.NoError(t, err)

	state, err := l2.GetEntityState(ctx, "resource", "w1")
	require.NoError(t, err)
	assert.EqualValues(t, 16, state["cpu"])

	report, err := l2.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, 3, report.EntriesChecked)
}

func TestStats(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordChange(ctx, "resource", "w1", nil, types.State{"cpu": 8}, types.SystemActor, "add", "")
	require.NoError(t, err)
	_, err = l.RecordChange(ctx, "session", "s1", nil, types.State{"a": 1}, types.SystemActor, "create", "")
	require.NoError(t, err)

	stats, err := l.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(1), stats.FirstSequence)
	assert.Equal(t, uint64(2), stats.LastSequence)
	assert.Equal(t, 1, stats.ByAccount[types.AccountWorkerPool])
	assert.Equal(t, 1, stats.ByAccount[types.AccountUserSessions])
	assert.Equal(t, 2, stats.ByEntryType[types.EntryTypeCredit])
}
