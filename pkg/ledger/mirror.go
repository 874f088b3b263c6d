package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/buildnet/buildnet/pkg/backend"
	"github.com/buildnet/buildnet/pkg/types"
)

// mirror appends ledger entries to a JSONL file, fsynced per entry. The
// mirror is authoritative for replay after a backend wipe.
type mirror struct {
	mu   sync.Mutex
	file *os.File
}

func openMirror(path string) (*mirror, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &mirror{file: f}, nil
}

func (m *mirror) append(entryJSON []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.file.Write(append(entryJSON, '\n')); err != nil {
		return err
	}
	return m.file.Sync()
}

func (m *mirror) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}

// ReplayMirror loads every entry from a mirror file into the backend,
// rebuilding entry keys and latest pointers. Use after a backend wipe,
// before constructing the Ledger.
func ReplayMirror(ctx context.Context, path string, b backend.Backend) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	latest := make(map[string]types.State) // latest key -> state (nil = deleted)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry types.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return count, fmt.Errorf("mirror line %d: %w", count+1, err)
		}
		if err := b.Set(ctx, entryKey(entry.SequenceNumber), append([]byte(nil), line...), 0); err != nil {
			return count, err
		}
		lk := latestKey(entry.EntityType, entry.EntityID)
		switch entry.EntryType {
		case types.EntryTypeCredit:
			latest[lk] = entry.NewState
		case types.EntryTypeDebit:
			if entry.Delta != nil && entry.Delta.Type == types.DeltaDelete {
				latest[lk] = nil
			}
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}

	for lk, state := range latest {
		if state == nil {
			if err := b.Delete(ctx, lk); err != nil {
				return count, err
			}
			continue
		}
		data, err := canonicalJSON(state)
		if err != nil {
			return count, err
		}
		if err := b.Set(ctx, lk, data, 0); err != nil {
			return count, err
		}
	}
	return count, nil
}
