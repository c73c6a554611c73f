package events

import "sync"

// Kind identifies an event type on the bus.
type Kind string

const (
	KindConnectionAdded   Kind = "connection:added"
	KindConnectionRemoved Kind = "connection:removed"
	KindMetricsUpdated    Kind = "metrics:updated"
	KindThresholdMemory   Kind = "threshold:memory"
	KindThresholdCapacity Kind = "threshold:capacity"
	KindRoomCreated       Kind = "room:created"
	KindRoomDeleted       Kind = "room:deleted"
)

// Event is anything that can be published on the bus.
type Event interface {
	EventKind() Kind
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is a minimal in-process publish/subscribe dispatcher with named
// event kinds and explicit handler registration.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers a handler for the given kind and returns an
// unsubscribe function.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		for i, s := range subs {
			if s.id == id {
				b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to every handler registered for its kind.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := b.subs[event.EventKind()]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// --- Event payloads ---

// ConnectionAdded is published after a connection passes admission control.
type ConnectionAdded struct {
	ConnectionID   string
	UserID         string
	OrganizationID string
	PoolIndex      int
}

func (ConnectionAdded) EventKind() Kind { return KindConnectionAdded }

// ConnectionRemoved is published after a connection leaves the pool.
type ConnectionRemoved struct {
	ConnectionID   string
	UserID         string
	OrganizationID string
}

func (ConnectionRemoved) EventKind() Kind { return KindConnectionRemoved }

// MetricsUpdated carries the pool's periodic performance snapshot.
type MetricsUpdated struct {
	ActiveConnections int
	Utilization       float64
	MessagesPerSec    float64
	BytesPerSec       float64
	HeapBytes         uint64
}

func (MetricsUpdated) EventKind() Kind { return KindMetricsUpdated }

// ThresholdMemory signals process memory above the configured ceiling.
type ThresholdMemory struct {
	HeapBytes uint64
	Ceiling   uint64
}

func (ThresholdMemory) EventKind() Kind { return KindThresholdMemory }

// ThresholdCapacity signals pool utilization above the alert threshold.
type ThresholdCapacity struct {
	Utilization float64
	Threshold   float64
}

func (ThresholdCapacity) EventKind() Kind { return KindThresholdCapacity }

// RoomCreated is published when a room is lazily created on first reference.
type RoomCreated struct {
	RoomID         string
	RoomType       string
	OrganizationID string
}

func (RoomCreated) EventKind() Kind { return KindRoomCreated }

// RoomDeleted is published when the cleanup sweep tears a room down.
type RoomDeleted struct {
	RoomID string
}

func (RoomDeleted) EventKind() Kind { return KindRoomDeleted }
