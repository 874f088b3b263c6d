package backend

import "sync"

// leaseTokenMap tracks which resource a lease token belongs to.
type leaseTokenMap struct {
	mu sync.Mutex
	m  map[string]string
}

func newLeaseTokenMap() leaseTokenMap {
	return leaseTokenMap{m: make(map[string]string)}
}

func (l *leaseTokenMap) put(token, resource string) {
	l.mu.Lock()
	l.m[token] = resource
	l.mu.Unlock()
}

func (l *leaseTokenMap) get(token string) (string, bool) {
	l.mu.Lock()
	resource, ok := l.m[token]
	l.mu.Unlock()
	return resource, ok
}

func (l *leaseTokenMap) remove(token string) {
	l.mu.Lock()
	delete(l.m, token)
	l.mu.Unlock()
}
