package session

import (
	"sync"

	"github.com/google/uuid"
)

// SessionID identifies one accepted connection.
type SessionID uuid.UUID

// NewSessionID returns a random SessionID.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

// ParseSessionID parses the canonical string form of a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	return SessionID(u), err
}

func (id SessionID) String() string { return uuid.UUID(id).String() }

// SessionEvent is published on an EventBus.
type SessionEvent interface {
	sessionEvent()
}

// SessionDropped is published once a ConnectionTask has terminated.
type SessionDropped struct {
	ID SessionID
}

func (SessionDropped) sessionEvent() {}

// EventBus broadcasts session events to every subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan SessionEvent
}

// NewEventBus creates an EventBus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan SessionEvent)}
}

// Subscribe registers a subscriber with the given buffer. The returned cancel
// function unregisters it and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer and reports
// how many received it.
func (b *EventBus) Publish(ev SessionEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}
