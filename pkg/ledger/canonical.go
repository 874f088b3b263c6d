package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/buildnet/buildnet/pkg/types"
)

// canonicalJSON renders v deterministically: encoding/json sorts map keys,
// and normalize forces every nested value through JSON semantics first so
// that e.g. int(8) and float64(8) hash identically.
func canonicalJSON(v any) ([]byte, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// normalize round-trips v through JSON to collapse Go-type differences
// (int vs float64, struct vs map) into plain JSON values.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// canonicalEqual reports value-based equality under canonical JSON.
func canonicalEqual(a, b any) bool {
	ca, err := canonicalJSON(a)
	if err != nil {
		return false
	}
	cb, err := canonicalJSON(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

// computeChecksum hashes every field of the entry except Checksum itself.
func computeChecksum(entry *types.LedgerEntry) (string, error) {
	shadow := *entry
	shadow.Checksum = ""
	data, err := canonicalJSON(&shadow)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// computeDelta derives the create/update/delete classification and, for
// updates, the field-wise diff between the two states. Returns nil when
// both states are nil.
func computeDelta(previous, new types.State) *types.Delta {
	switch {
	case previous == nil && new == nil:
		return nil
	case previous == nil:
		return &types.Delta{Type: types.DeltaCreate}
	case new == nil:
		return &types.Delta{Type: types.DeltaDelete}
	}

	changes := make(map[string]types.FieldChange)
	for key, oldVal := range previous {
		newVal, ok := new[key]
		if !ok {
			changes[key] = types.FieldChange{Old: oldVal, New: nil}
			continue
		}
		if !canonicalEqual(oldVal, newVal) {
			changes[key] = types.FieldChange{Old: oldVal, New: newVal}
		}
	}
	for key, newVal := range new {
		if _, ok := previous[key]; !ok {
			changes[key] = types.FieldChange{Old: nil, New: newVal}
		}
	}

	d := &types.Delta{Type: types.DeltaUpdate}
	if len(changes) > 0 {
		d.Changes = changes
	}
	return d
}

// accountFor maps an entity type to its reporting account.
func accountFor(entityType string, isCompletion bool) types.AccountType {
	switch entityType {
	case "build", "build_result":
		if isCompletion {
			return types.AccountCompletedBuilds
		}
		return types.AccountBuildQueue
	case "worker", "resource":
		return types.AccountWorkerPool
	case "session", "activity":
		return types.AccountUserSessions
	case "config":
		return types.AccountConfigActive
	case "security":
		return types.AccountSecurityEvents
	default:
		return types.AccountSystemEvents
	}
}
