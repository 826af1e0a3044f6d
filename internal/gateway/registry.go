package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/strombergh/concord/internal/bus"
	"github.com/strombergh/concord/internal/keylock"
	"github.com/strombergh/concord/internal/protocol"
)

// Registry maps each identity to its single live connection and owns that
// connection's topic subscriptions on the bus. Operations on the same
// identity serialize on a striped lock; different identities proceed freely.
type Registry struct {
	bus   *bus.Bus
	locks *keylock.Striped

	mu    sync.RWMutex
	conns map[string]*regEntry
}

type regEntry struct {
	conn   Conn
	topics []string
	cancel context.CancelFunc
}

func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		bus:   b,
		locks: keylock.New(32),
		conns: make(map[string]*regEntry),
	}
}

// Admit installs conn as userID's live connection, subscribed to topics. Any
// existing connection for the identity is fully unwound first: unsubscribed,
// its timers cancelled, and closed with the superseded code. Reports whether
// an old connection was displaced.
func (r *Registry) Admit(userID string, conn Conn, topics []string, cancel context.CancelFunc) (superseded bool) {
	r.locks.Lock(userID)
	defer r.locks.Unlock(userID)

	r.mu.Lock()
	old := r.conns[userID]
	r.mu.Unlock()

	if old != nil {
		r.teardown(userID, old)
		old.conn.CloseWithCode(protocol.CloseSuperseded, "superseded by new connection")
		superseded = true
		log.Info().Str("module", "gateway.registry").Str("user", userID).Msg("superseded previous connection")
	}

	entry := &regEntry{conn: conn, topics: topics, cancel: cancel}
	r.mu.Lock()
	r.conns[userID] = entry
	r.mu.Unlock()

	for _, topic := range topics {
		r.bus.Subscribe(topic, userID, func(_ string, msg bus.Message) {
			f, err := protocol.NewDispatch(msg.Event, msg.Payload)
			if err != nil {
				log.Error().Err(err).Str("module", "gateway.registry").Str("event", msg.Event).Msg("dispatch marshal")
				return
			}
			_ = conn.TrySend(f)
		})
	}
	log.Info().Str("module", "gateway.registry").Str("user", userID).Int("topics", len(topics)).Msg("admitted")
	return superseded
}

// RemoveIf discards userID's record only when conn is still the registered
// one, so a close event from a superseded connection never unwinds the
// current connection's state.
func (r *Registry) RemoveIf(userID string, conn Conn) bool {
	r.locks.Lock(userID)
	defer r.locks.Unlock(userID)

	r.mu.Lock()
	entry := r.conns[userID]
	if entry == nil || entry.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	r.mu.Unlock()

	r.teardown(userID, entry)
	log.Info().Str("module", "gateway.registry").Str("user", userID).Msg("removed")
	return true
}

// Remove unconditionally discards userID's record. Safe to call when absent.
func (r *Registry) Remove(userID string) {
	r.locks.Lock(userID)
	defer r.locks.Unlock(userID)

	r.mu.Lock()
	entry := r.conns[userID]
	delete(r.conns, userID)
	r.mu.Unlock()

	if entry != nil {
		r.teardown(userID, entry)
	}
}

func (r *Registry) teardown(userID string, entry *regEntry) {
	for _, topic := range entry.topics {
		r.bus.Unsubscribe(topic, userID)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
}

// SendTo delivers a frame to userID's connection; a no-op when the identity
// is offline or the channel is saturated.
func (r *Registry) SendTo(userID string, f protocol.Frame) {
	r.mu.RLock()
	entry := r.conns[userID]
	r.mu.RUnlock()
	if entry == nil {
		return
	}
	_ = entry.conn.TrySend(f)
}

// Broadcast publishes a dispatch event on topic via the bus.
func (r *Registry) Broadcast(topic, event string, payload any) int {
	return r.bus.Publish(topic, bus.Message{Event: event, Payload: payload})
}

// Conn returns the current connection for userID, if any.
func (r *Registry) Conn(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.conns[userID]
	if entry == nil {
		return nil, false
	}
	return entry.conn, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
