package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event on the bus.
type EventType string

const (
	EventLedgerTransaction     EventType = "ledger.transaction"
	EventResourceAdded         EventType = "resource.added"
	EventResourceUpdated       EventType = "resource.updated"
	EventResourceRemoved       EventType = "resource.removed"
	EventResourceForcedRemoval EventType = "resource.forced_removal"
	EventResourceHealthChanged EventType = "resource.health_changed"
	EventSessionCreated        EventType = "session.created"
	EventSessionEnded          EventType = "session.ended"
	EventActivityStarted       EventType = "activity.started"
	EventActivityEnded         EventType = "activity.ended"
	EventFileChanged           EventType = "file.changed"
	EventChangesBatched        EventType = "changes.batched"
	EventPreparationReady      EventType = "preparation.ready"
	EventBuildStarted          EventType = "build.started"
	EventBuildCompleted        EventType = "build.completed"
	EventBuildCancelled        EventType = "build.cancelled"
	EventVerificationWarning   EventType = "verification.warning"
)

// Event is one message on the in-process bus. Payload carries the typed
// value for the event (a ledger transaction, a change batch, ...).
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Payload   any
}

// Bus distributes events to registered subscribers. Each subscriber owns
// a bounded queue drained by its own goroutine, so publishers never block
// and each subscriber observes events in publication order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
}

type subscriber struct {
	fn    func(*Event)
	types map[EventType]bool // nil means all
	queue chan *Event
	done  chan struct{}
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers fn for every event and returns an unsubscribe
// handle.
func (b *Bus) Subscribe(fn func(*Event)) func() {
	return b.subscribe(fn, nil)
}

// SubscribeTypes registers fn for the given event types only.
func (b *Bus) SubscribeTypes(fn func(*Event), types ...EventType) func() {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return b.subscribe(fn, filter)
}

func (b *Bus) subscribe(fn func(*Event), types map[EventType]bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := uuid.New().String()
	sub := &subscriber{
		fn:    fn,
		types: types,
		queue: make(chan *Event, 256),
		done:  make(chan struct{}),
	}
	b.subscribers[id] = sub

	go func() {
		for {
			select {
			case ev := <-sub.queue:
				sub.fn(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.done)
			delete(b.subscribers, id)
		}
	}
}

// Publish fans an event out to every matching subscriber. The caller is
// never blocked; a subscriber whose queue is full drops the event.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			// Subscriber queue full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops all subscriber goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.done)
	}
	b.subscribers = make(map[string]*subscriber)
}
