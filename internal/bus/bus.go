// Package bus provides the process-local publish/subscribe channel used to
// broadcast equipment, allocation, and conflict notifications.
//
// The bus is constructed explicitly and injected into its producers; it is
// never package-level state. It holds nothing durable: a process restart
// resets it, and durability of pending mutations belongs to the sync queue.
package bus

import (
	"log/slog"
	"sync"
)

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in subscription registration order.
type Handler func(topic string, payload any)

type subscription struct {
	id      int64
	handler Handler
}

// Bus is a synchronous, ordered publish/subscribe dispatcher.
//
// Delivery guarantees:
//   - subscribers for a topic are invoked in registration order;
//   - wildcard subscribers receive every event, after topic subscribers;
//   - a panicking handler is logged and does not prevent delivery to
//     subsequent handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string][]subscription
	logger *slog.Logger
}

// New creates an empty bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers handler for topic (or all topics via Wildcard) and
// returns a function that removes the registration. Unsubscribing twice
// is a no-op.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to every subscriber of topic, then to every
// wildcard subscriber. Each handler invocation is isolated: a panic is
// logged and delivery continues.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	// Copy so handlers may subscribe/unsubscribe during delivery without
	// affecting this publish.
	handlers := make([]subscription, 0, len(b.subs[topic])+len(b.subs[Wildcard]))
	handlers = append(handlers, b.subs[topic]...)
	if topic != Wildcard {
		handlers = append(handlers, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, s := range handlers {
		b.invoke(topic, payload, s)
	}
}

// SubscriberCount returns the number of live subscriptions for topic.
// Used for testing and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) invoke(topic string, payload any, s subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", topic,
				"panic", r,
			)
		}
	}()
	s.handler(topic, payload)
}
