// Package bus is the in-process publish/subscribe primitive the gateway fans
// events out on. Topics are opaque strings, one per group. There is no
// buffering: a handler subscribed after a publish never sees that message.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Message is a dispatch-ready event: the event type tag and its payload.
type Message struct {
	Event   string
	Payload any
}

// Handler receives messages for a topic. Handlers must not call back into the
// bus and must not block; connection handlers only enqueue on a send channel.
type Handler func(topic string, msg Message)

type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[string]Handler
}

func New() *Bus {
	return &Bus{topics: make(map[string]map[string]Handler)}
}

// Subscribe registers handler under key for topic. Re-subscribing the same
// key replaces the handler, so the call is idempotent per subscriber.
func (b *Bus) Subscribe(topic, key string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]Handler)
		b.topics[topic] = subs
	}
	subs[key] = h
}

// Unsubscribe removes key from topic. Safe to call when absent.
func (b *Bus) Unsubscribe(topic, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(subs, key)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Publish delivers msg synchronously to every handler currently subscribed to
// topic. Delivery happens under the read lock so it is atomic with respect to
// subscribe/unsubscribe; per-topic order equals publish order.
func (b *Bus) Publish(topic string, msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.topics[topic]
	for _, h := range subs {
		h(topic, msg)
	}
	if len(subs) > 0 {
		log.Debug().Str("module", "bus").Str("topic", topic).Str("event", msg.Event).Int("delivered", len(subs)).Msg("published")
	}
	return len(subs)
}

// SubscriberCount reports how many handlers are subscribed to topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
