package supervisor

import (
	"sync"
	"time"

	"github.com/ashureev/claude-relay/internal/stream"
)

// EventType identifies what an Event carries.
type EventType string

const (
	EventMessage    EventType = "message"
	EventError      EventType = "error"
	EventStatus     EventType = "status"
	EventSessionEnd EventType = "session_end"
)

// Event is published for every observable change of a session. Events of one
// session are published in the order they happened.
type Event struct {
	Type      EventType
	SessionID string
	Timestamp time.Time

	Frame  *stream.Frame // EventMessage
	Status Status        // EventStatus, EventSessionEnd
	Reason string        // EventSessionEnd
	Err    error         // EventError, crashed EventSessionEnd
}

func newEvent(typ EventType, sessionID string) Event {
	return Event{Type: typ, SessionID: sessionID, Timestamp: time.Now()}
}

// Bus fans events out to subscribers. Publish blocks until every live
// subscriber accepted the event, so a subscriber must keep draining its channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool

	quit     chan struct{}
	quitOnce sync.Once
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscriber),
		quit: make(chan struct{}),
	}
}

// Subscribe registers a subscriber. The returned channel is closed by the
// cancel func or by Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() { close(sub.done) })
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	// Channels are only closed under the write lock, so sending while holding
	// the read lock is safe.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-b.quit:
			return
		}
	}
}

// Close releases blocked publishers and closes every subscriber channel.
func (b *Bus) Close() {
	b.quitOnce.Do(func() { close(b.quit) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.done) })
		close(sub.ch)
		delete(b.subs, id)
	}
}
