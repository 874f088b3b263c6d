package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/backend"
	"github.com/buildnet/buildnet/pkg/clock"
	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	entryKeyPrefix  = "ledger:entry:"
	latestKeyPrefix = "ledger:latest:"
	writerLease     = "ledger:writer"

	leaseTTL          = 10 * time.Second
	leaseMaxAttempts  = 5
	leaseRetryBase    = 100 * time.Millisecond
)

// entryKey renders a sequence number as a zero-padded backend key so that
// lexical key order equals sequence order.
func entryKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", entryKeyPrefix, seq)
}

func latestKey(entityType, entityID string) string {
	return latestKeyPrefix + entityType + ":" + entityID
}

// Config tunes the ledger.
type Config struct {
	// MirrorPath, when non-empty, appends every entry to a JSONL file
	// that is authoritative for replay after a backend wipe.
	MirrorPath string
}

// Ledger records every state mutation in the system as a hash-chained
// double-entry pair. Exactly one writer at a time (serialized by the
// backend lease ledger:writer); any number of readers.
type Ledger struct {
	backend backend.Backend
	bus     *events.Bus
	clk     clock.Clock
	logger  zerolog.Logger
	mirror  *mirror

	mu           sync.Mutex
	seq          uint64 // highest sequence written; 0 means empty
	chainHead    string // checksum of the highest entry
	refuseWrites bool   // set when startup recovery finds a gap

	corrMu      sync.Mutex
	correlation string
}

// New creates a ledger over the given backend and recovers the sequence
// counter from whatever entries are already present.
func New(b backend.Backend, bus *events.Bus, clk clock.Clock, cfg Config) (*Ledger, error) {
	if clk == nil {
		clk = clock.Real()
	}
	l := &Ledger{
		backend: b,
		bus:     bus,
		clk:     clk,
		logger:  log.WithComponent("ledger"),
	}
	if cfg.MirrorPath != "" {
		m, err := openMirror(cfg.MirrorPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger mirror: %w", err)
		}
		l.mirror = m
	}
	if err := l.recover(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

// recover scans existing entries to restore the in-memory sequence counter
// and chain head. A non-dense sequence refuses further writes.
func (l *Ledger) recover(ctx context.Context) error {
	keys, err := l.backend.Keys(ctx, entryKeyPrefix)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "ledger recovery scan")
	}
	if len(keys) == 0 {
		return nil
	}

	var prev uint64
	for i, key := range keys {
		seq, err := strconv.ParseUint(strings.TrimPrefix(key, entryKeyPrefix), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed ledger key %q: %w", key, err)
		}
		if i > 0 && seq != prev+1 {
			l.refuseWrites = true
			l.logger.Warn().
				Uint64("expected", prev+1).
				Uint64("found", seq).
				Msg("Sequence gap detected; refusing writes until repair")
			return nil
		}
		prev = seq
	}

	last, err := l.loadEntry(ctx, keys[len(keys)-1])
	if err != nil {
		return err
	}
	l.seq = last.SequenceNumber
	l.chainHead = last.Checksum
	l.logger.Info().Uint64("sequence", l.seq).Msg("Ledger recovered")
	return nil
}

func (l *Ledger) loadEntry(ctx context.Context, key string) (*types.LedgerEntry, error) {
	data, found, err := l.backend.Get(ctx, key)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "read %s", key)
	}
	if !found {
		return nil, errdefs.New(errdefs.CodeNotFound, "ledger entry %s", key)
	}
	var entry types.LedgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entry %s: %w", key, err)
	}
	return &entry, nil
}

// StartCorrelation assigns a correlation id attached to every subsequent
// RecordChange until EndCorrelation is called.
func (l *Ledger) StartCorrelation() string {
	l.corrMu.Lock()
	defer l.corrMu.Unlock()
	l.correlation = uuid.New().String()
	return l.correlation
}

// EndCorrelation clears the active correlation id.
func (l *Ledger) EndCorrelation() {
	l.corrMu.Lock()
	defer l.corrMu.Unlock()
	l.correlation = ""
}

func (l *Ledger) currentCorrelation() string {
	l.corrMu.Lock()
	defer l.corrMu.Unlock()
	return l.correlation
}

// RecordChange records one logical mutation as its double-entry pair:
// a pure create is one CREDIT, a pure delete one DEBIT, an update both.
// Entries receive dense, strictly increasing sequence numbers serialized
// by the writer lease.
func (l *Ledger) RecordChange(ctx context.Context, entityType, entityID string, previous, new types.State, actor types.Actor, reason string, correlationID string) (*types.LedgerTransaction, error) {
	l.mu.Lock()
	if l.refuseWrites {
		l.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeSequenceGap, "ledger has a sequence gap; writes refused until repair")
	}
	l.mu.Unlock()

	if correlationID == "" {
		correlationID = l.currentCorrelation()
	}

	token, err := l.acquireWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.backend.ReleaseLease(ctx, token) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now().UTC()
	txID := uuid.New().String()
	tx := &types.LedgerTransaction{
		TransactionID: txID,
		Timestamp:     now,
		Actor:         actor,
		Reason:        reason,
	}

	delta := computeDelta(previous, new)
	if delta == nil {
		return tx, nil
	}

	account := accountFor(entityType, isCompletion(entityType, new))

	appendEntry := func(entryType types.EntryType) *types.LedgerEntry {
		return &types.LedgerEntry{
			EntryID:       uuid.New().String(),
			TransactionID: txID,
			EntryType:     entryType,
			AccountType:   account,
			EntityType:    entityType,
			EntityID:      entityID,
			PreviousState: previous,
			NewState:      new,
			Delta:         delta,
			Timestamp:     now,
			Actor:         actor,
			Reason:        reason,
			CorrelationID: correlationID,
		}
	}

	var pending []*types.LedgerEntry
	switch delta.Type {
	case types.DeltaCreate:
		pending = append(pending, appendEntry(types.EntryTypeCredit))
	case types.DeltaDelete:
		pending = append(pending, appendEntry(types.EntryTypeDebit))
	case types.DeltaUpdate:
		pending = append(pending, appendEntry(types.EntryTypeDebit), appendEntry(types.EntryTypeCredit))
	}

	seq := l.seq
	head := l.chainHead
	for _, entry := range pending {
		seq++
		entry.SequenceNumber = seq
		entry.PreviousChecksum = head
		checksum, err := computeChecksum(entry)
		if err != nil {
			return nil, fmt.Errorf("checksum entry %d: %w", seq, err)
		}
		entry.Checksum = checksum
		head = checksum
	}

	for _, entry := range pending {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshal entry %d: %w", entry.SequenceNumber, err)
		}
		if err := l.backend.Set(ctx, entryKey(entry.SequenceNumber), data, 0); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "write entry %d", entry.SequenceNumber)
		}
		if l.mirror != nil {
			if err := l.mirror.append(data); err != nil {
				l.logger.Error().Err(err).Uint64("sequence", entry.SequenceNumber).Msg("Failed to mirror entry")
			}
		}
	}

	// Point latest:<type>:<id> at the current state for fast lookup;
	// a delete removes the pointer.
	lk := latestKey(entityType, entityID)
	if new != nil {
		stateData, err := canonicalJSON(new)
		if err != nil {
			return nil, err
		}
		if err := l.backend.Set(ctx, lk, stateData, 0); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "write latest pointer")
		}
	} else {
		if err := l.backend.Delete(ctx, lk); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "delete latest pointer")
		}
	}

	// All writes landed; commit the counter and chain head.
	l.seq = seq
	l.chainHead = head
	tx.Entries = pending

	metrics.LedgerEntriesTotal.Add(float64(len(pending)))
	metrics.LedgerSequence.Set(float64(l.seq))

	if l.bus != nil {
		l.bus.Publish(&events.Event{
			Type:    events.EventLedgerTransaction,
			Message: reason,
			Payload: tx,
		})
	}

	return tx, nil
}

// isCompletion reports whether a build entity reached a terminal status,
// moving its entries from BUILD_QUEUE to COMPLETED_BUILDS.
func isCompletion(entityType string, state types.State) bool {
	if entityType != "build" && entityType != "build_result" {
		return false
	}
	status, _ := state["status"].(string)
	switch types.BuildStatus(status) {
	case types.BuildStatusSuccess, types.BuildStatusFailed, types.BuildStatusCancelled:
		return true
	}
	return false
}

// acquireWriter takes the process-wide writer lease, retrying with linear
// backoff before giving up with LeaseUnavailable.
func (l *Ledger) acquireWriter(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= leaseMaxAttempts; attempt++ {
		token, ok, err := l.backend.AcquireLease(ctx, writerLease, leaseTTL)
		if err != nil {
			return "", errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "acquire writer lease")
		}
		if ok {
			return token, nil
		}
		if attempt < leaseMaxAttempts {
			l.clk.Sleep(leaseRetryBase * time.Duration(attempt))
		}
	}
	return "", errdefs.New(errdefs.CodeLeaseUnavailable, "writer lease busy after %d attempts", leaseMaxAttempts)
}

// GetEntityState returns the current state of an entity from the latest
// pointer, or NotFound when the entity does not exist (or was deleted).
func (l *Ledger) GetEntityState(ctx context.Context, entityType, entityID string) (types.State, error) {
	data, found, err := l.backend.Get(ctx, latestKey(entityType, entityID))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "read latest pointer")
	}
	if !found {
		return nil, errdefs.New(errdefs.CodeNotFound, "%s/%s", entityType, entityID)
	}
	var state types.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal latest state: %w", err)
	}
	return state, nil
}

// GetEntityStateAt replays the entity's entries up to t: the last CREDIT's
// new_state wins; NotFound when the most recent mutation at or before t
// was a delete, or no entry exists.
func (l *Ledger) GetEntityStateAt(ctx context.Context, entityType, entityID string, t time.Time) (types.State, error) {
	entries, err := l.allEntries(ctx)
	if err != nil {
		return nil, err
	}

	var state types.State
	seen := false
	for _, entry := range entries {
		if entry.EntityType != entityType || entry.EntityID != entityID {
			continue
		}
		if entry.Timestamp.After(t) {
			break
		}
		switch entry.EntryType {
		case types.EntryTypeCredit:
			state = entry.NewState
			seen = true
		case types.EntryTypeDebit:
			if entry.Delta != nil && entry.Delta.Type == types.DeltaDelete {
				state = nil
				seen = true
			}
		}
	}
	if !seen || state == nil {
		return nil, errdefs.New(errdefs.CodeNotFound, "%s/%s at %s", entityType, entityID, t.Format(time.RFC3339))
	}
	return state, nil
}

// QueryFilter selects ledger entries.
type QueryFilter struct {
	FromSequence *uint64
	ToSequence   *uint64
	EntityType   string
	EntityID     string
	ActorID      string
	From         time.Time
	To           time.Time
}

// QueryEntries returns entries matching the filter in sequence order,
// honoring limit and offset. A zero limit means no limit.
func (l *Ledger) QueryEntries(ctx context.Context, filter QueryFilter, limit, offset int) ([]*types.LedgerEntry, error) {
	entries, err := l.allEntries(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*types.LedgerEntry
	for _, entry := range entries {
		if filter.FromSequence != nil && entry.SequenceNumber < *filter.FromSequence {
			continue
		}
		if filter.ToSequence != nil && entry.SequenceNumber > *filter.ToSequence {
			continue
		}
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && entry.EntityID != filter.EntityID {
			continue
		}
		if filter.ActorID != "" && entry.Actor.ID != filter.ActorID {
			continue
		}
		if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.Timestamp.After(filter.To) {
			continue
		}
		matched = append(matched, entry)
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (l *Ledger) allEntries(ctx context.Context) ([]*types.LedgerEntry, error) {
	keys, err := l.backend.Keys(ctx, entryKeyPrefix)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "list entries")
	}
	entries := make([]*types.LedgerEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := l.loadEntry(ctx, key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// IntegrityError is one defect found by VerifyIntegrity.
type IntegrityError struct {
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"` // CHAIN_BREAK or CHECKSUM_MISMATCH
	Detail   string `json:"detail"`
}

// IntegrityReport is the result of a VerifyIntegrity walk.
type IntegrityReport struct {
	Verified       bool             `json:"verified"`
	EntriesChecked int              `json:"entries_checked"`
	Errors         []IntegrityError `json:"errors,omitempty"`
}

// VerifyIntegrity walks entries in sequence order, recomputing checksums
// and following the chain. Defects are reported, never repaired.
func (l *Ledger) VerifyIntegrity(ctx context.Context, fromSequence uint64) (*IntegrityReport, error) {
	entries, err := l.allEntries(ctx)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{Verified: true}
	head := ""
	for _, entry := range entries {
		if entry.SequenceNumber >= fromSequence {
			report.EntriesChecked++

			if entry.PreviousChecksum != head {
				report.Verified = false
				report.Errors = append(report.Errors, IntegrityError{
					Sequence: entry.SequenceNumber,
					Kind:     string(errdefs.CodeChainBreak),
					Detail:   fmt.Sprintf("previous_checksum %q does not match chain head %q", entry.PreviousChecksum, head),
				})
			}

			recomputed, err := computeChecksum(entry)
			if err != nil {
				return nil, err
			}
			if recomputed != entry.Checksum {
				report.Verified = false
				report.Errors = append(report.Errors, IntegrityError{
					Sequence: entry.SequenceNumber,
					Kind:     string(errdefs.CodeChecksumMismatch),
					Detail:   fmt.Sprintf("stored checksum %q, recomputed %q", entry.Checksum, recomputed),
				})
			}
		}
		head = entry.Checksum
	}
	return report, nil
}

// Stats summarizes the ledger for dashboards.
type Stats struct {
	Entries       int                       `json:"entries"`
	FirstSequence uint64                    `json:"first_sequence"`
	LastSequence  uint64                    `json:"last_sequence"`
	ByAccount     map[types.AccountType]int `json:"by_account"`
	ByEntryType   map[types.EntryType]int   `json:"by_entry_type"`
}

// GetStats counts entries and ranges across the whole ledger.
func (l *Ledger) GetStats(ctx context.Context) (*Stats, error) {
	entries, err := l.allEntries(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ByAccount:   make(map[types.AccountType]int),
		ByEntryType: make(map[types.EntryType]int),
	}
	for i, entry := range entries {
		if i == 0 {
			stats.FirstSequence = entry.SequenceNumber
		}
		stats.LastSequence = entry.SequenceNumber
		stats.Entries++
		stats.ByAccount[entry.AccountType]++
		stats.ByEntryType[entry.EntryType]++
	}
	return stats, nil
}

// Close flushes and closes the mirror file if one is configured.
func (l *Ledger) Close() error {
	if l.mirror != nil {
		return l.mirror.close()
	}
	return nil
}
