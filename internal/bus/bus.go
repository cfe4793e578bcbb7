// Package bus implements the in-process event bus that fans entity-change
// events out to everything in the same process that cares: channel
// bindings, the TUI, the file watcher. Delivery is synchronous and ordered;
// the bus never buffers, so a listener registered after a publish does not
// see that event.
package bus

import (
	"sync"

	"github.com/zjrosen/relay/internal/log"
)

// Event is one entity-change notification. Payload carries the ids of the
// affected entities as JSON text; an empty payload (or empty ids inside it)
// tells listeners to do a full refresh.
type Event struct {
	Type    string `json:"event"`
	Payload string `json:"data"`
}

// Listener handles one event. Listeners run synchronously on the
// publisher's goroutine; slow work belongs behind the listener's own
// channel or broker.
type Listener func(Event)

// Publisher is the send side of the bus. *Bus satisfies it directly;
// the cross-process bridge satisfies it by adding fan-out to other
// processes. Mutating code depends on this interface so single-process
// deployments and the pre-bridge startup window route publishes locally
// without special cases.
type Publisher interface {
	Publish(Event)
}

// Bus delivers events to listeners in registration order. One instance is
// constructed at startup and handed to everything that publishes or
// listens. A panicking listener is logged and skipped; it never prevents
// later listeners from running and never propagates to the publisher.
type Bus struct {
	// mu protects listeners. Delivery snapshots the slice under RLock so
	// a listener may subscribe or unsubscribe from inside its own callback
	// without deadlocking.
	mu        sync.RWMutex
	listeners map[string][]*Subscription
	nextID    uint64
}

// Subscription identifies one registered listener. Unsubscribe is
// idempotent.
type Subscription struct {
	bus       *Bus
	eventType string
	id        uint64
	fn        Listener
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[string][]*Subscription)}
}

// Subscribe registers fn for events of the given type. Listeners for the
// same type run in the order they subscribed.
func (b *Bus) Subscribe(eventType string, fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, eventType: eventType, id: b.nextID, fn: fn}
	b.listeners[eventType] = append(b.listeners[eventType], sub)
	return sub
}

// Unsubscribe removes the subscription. Calling it twice, or for a
// subscription that was never registered, is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.listeners[s.eventType]
	for i, sub := range subs {
		if sub.id == s.id {
			b.listeners[s.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.listeners[s.eventType]) == 0 {
		delete(b.listeners, s.eventType)
	}
}

// Publish delivers event to every listener registered for event.Type, in
// registration order, on the caller's goroutine. Publishing with no
// listeners is a no-op. Publish returns only after every listener has run.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.listeners[event.Type]))
	copy(subs, b.listeners[event.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		deliver(sub, event)
	}
}

// ListenerCount returns the number of listeners registered for eventType.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventType])
}

func deliver(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "listener panicked", "event", event.Type, "panic", r)
		}
	}()
	sub.fn(event)
}
