// Package events implements the typed in-process publish/subscribe bus that
// decouples HostAggregator/NodeRegistry from the webhook and push plugins.
// Delivery is synchronous and subscription-ordered, with per-handler error
// isolation and no goroutine hop — a handler needing to do I/O schedules
// it itself.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies a domain event kind.
type Type string

const (
	TypeHostDiscovered      Type = "host.discovered"
	TypeHostRemoved         Type = "host.removed"
	TypeHostStatusTransition Type = "host.status-transition"
	TypeNodeConnected       Type = "node.connected"
	TypeNodeDisconnected    Type = "node.disconnected"
	TypeScanComplete        Type = "scan.complete"
)

// Event is the tagged record delivered to subscribers.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      any
}

// Handler processes one event. A returned error is logged, not propagated.
type Handler func(Event) error

// Unsubscribe detaches a previously registered handler.
type Unsubscribe func()

// Bus is a typed, synchronous, subscription-ordered pub/sub bus.
type Bus struct {
	log zerolog.Logger

	mu          sync.Mutex
	subscribers map[Type][]*subscription
	nextID      uint64
}

type subscription struct {
	id      uint64
	handler Handler
}

// New creates an empty Bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:         log.With().Str("component", "event_bus").Logger(),
		subscribers: make(map[Type][]*subscription),
	}
}

// Subscribe registers handler for events of the given type, in the order
// subscribed. The returned Unsubscribe detaches only this registration.
func (b *Bus) Subscribe(typ Type, handler Handler) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, handler: handler}
	b.subscribers[typ] = append(b.subscribers[typ], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[typ]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[typ] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev synchronously, in the caller's goroutine, to every
// subscriber of ev.Type in subscription order. A handler panic or returned
// error is caught and logged; it never prevents later handlers from running.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	subs := make([]*subscription, len(b.subscribers[ev.Type]))
	copy(subs, b.subscribers[ev.Type])
	b.mu.Unlock()

	for _, sub := range subs {
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("eventType", string(ev.Type)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()

	if err := sub.handler(ev); err != nil {
		b.log.Error().
			Err(err).
			Str("eventType", string(ev.Type)).
			Msg("event handler returned error")
	}
}

// Clear removes every subscription for every type.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[Type][]*subscription)
}

// SubscriberCount reports how many handlers are registered for typ, for
// tests and diagnostics.
func (b *Bus) SubscriberCount(typ Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[typ])
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%s", e.Type, e.Timestamp.Format(time.RFC3339))
}
