package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Backend. TTL expiry is lazy: expired keys are
// reported absent on the next access.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]memoryValue
	hub    *hub
	leases *leaseTable
	now    func() time.Time
}

type memoryValue struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	return NewMemoryWithNow(time.Now)
}

// NewMemoryWithNow creates a Memory backend using the given time source,
// so tests can drive TTL expiry deterministically.
func NewMemoryWithNow(now func() time.Time) *Memory {
	return &Memory{
		data:   make(map[string]memoryValue),
		hub:    newHub(),
		leases: newLeaseTable(now),
		now:    now,
	}
}

func (m *Memory) expired(v memoryValue) bool {
	return !v.expires.IsZero() && !v.expires.After(m.now())
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	v, ok := m.data[key]
	m.mu.RUnlock()

	if !ok || m.expired(v) {
		return nil, false, nil
	}
	out := make([]byte, len(v.value))
	copy(out, v.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	v := memoryValue{value: stored}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) && !m.expired(v) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.data[key]; ok && !m.expired(v) {
		return false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	v := memoryValue{value: stored}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}
	m.data[key] = v
	return true, nil
}

func (m *Memory) AcquireLease(_ context.Context, resource string, ttl time.Duration) (string, bool, error) {
	token, ok := m.leases.acquire(resource, ttl)
	return token, ok, nil
}

func (m *Memory) RenewLease(_ context.Context, token string, ttl time.Duration) (bool, error) {
	return m.leases.renew(token, ttl), nil
}

func (m *Memory) ReleaseLease(_ context.Context, token string) error {
	m.leases.release(token)
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, message []byte) error {
	m.hub.publish(channel, message)
	return nil
}

func (m *Memory) Subscribe(channel string, fn func([]byte)) (func(), error) {
	return m.hub.subscribe(channel, fn), nil
}

func (m *Memory) Close() error {
	m.hub.close()
	return nil
}
