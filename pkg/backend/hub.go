package backend

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// hub is the in-process pub/sub dispatcher shared by the Memory and Bolt
// backends. Each subscriber gets its own queue and drain goroutine so a
// slow callback never blocks a publisher.
type hub struct {
	mu       sync.Mutex
	closed   bool
	channels map[string]map[string]*hubSub
}

type hubSub struct {
	fn     func([]byte)
	queue  chan []byte
	done   chan struct{}
}

func newHub() *hub {
	return &hub{channels: make(map[string]map[string]*hubSub)}
}

func (h *hub) subscribe(channel string, fn func([]byte)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return func() {}
	}

	id := uuid.New().String()
	sub := &hubSub{
		fn:    fn,
		queue: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]*hubSub)
	}
	h.channels[channel][id] = sub

	go func() {
		for {
			select {
			case msg := <-sub.queue:
				sub.fn(msg)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.channels[channel]; ok {
			if s, ok := subs[id]; ok {
				close(s.done)
				delete(subs, id)
			}
		}
	}
}

func (h *hub) publish(channel string, message []byte) {
	h.mu.Lock()
	subs := make([]*hubSub, 0, len(h.channels[channel]))
	for _, s := range h.channels[channel] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- message:
		default:
			// Subscriber queue full, drop
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.channels {
		for _, s := range subs {
			close(s.done)
		}
	}
	h.channels = make(map[string]map[string]*hubSub)
}

// leaseTable implements named leases for single-process backends.
type leaseTable struct {
	mu     sync.Mutex
	held   map[string]*leaseEntry // resource -> entry
	tokens map[string]string      // token -> resource
	now    func() time.Time
}

type leaseEntry struct {
	token   string
	expires time.Time
}

func newLeaseTable(now func() time.Time) *leaseTable {
	if now == nil {
		now = time.Now
	}
	return &leaseTable{
		held:   make(map[string]*leaseEntry),
		tokens: make(map[string]string),
		now:    now,
	}
}

func (l *leaseTable) acquire(resource string, ttl time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[resource]; ok && e.expires.After(l.now()) {
		return "", false
	}
	token := uuid.New().String()
	l.held[resource] = &leaseEntry{token: token, expires: l.now().Add(ttl)}
	l.tokens[token] = resource
	return token, true
}

func (l *leaseTable) renew(token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	resource, ok := l.tokens[token]
	if !ok {
		return false
	}
	e, ok := l.held[resource]
	if !ok || e.token != token || !e.expires.After(l.now()) {
		return false
	}
	e.expires = l.now().Add(ttl)
	return true
}

func (l *leaseTable) release(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	resource, ok := l.tokens[token]
	if !ok {
		return
	}
	delete(l.tokens, token)
	if e, ok := l.held[resource]; ok && e.token == token {
		delete(l.held, resource)
	}
}
