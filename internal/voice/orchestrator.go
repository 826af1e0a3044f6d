// Package voice owns the media room registry and the signaling protocol: it
// maps voice channels to relay routers, tracks who is in which room, and
// drives transport/producer/consumer negotiation for each participant.
package voice

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/strombergh/concord/internal/bus"
	"github.com/strombergh/concord/internal/directory"
	"github.com/strombergh/concord/internal/keylock"
	"github.com/strombergh/concord/internal/metrics"
	"github.com/strombergh/concord/internal/protocol"
	"github.com/strombergh/concord/internal/relay"
)

// Dispatch events broadcast to group topics.
const (
	EventVoiceState       = "voice_state_update"
	EventScreenShareStart = "screen_share_start"
	EventScreenShareStop  = "screen_share_stop"
)

// Sender pushes frames to one participant's live connection.
type Sender interface {
	TrySend(protocol.Frame) error
}

type Orchestrator struct {
	engine     relay.Engine
	bus        *bus.Bus
	membership directory.Membership
	users      directory.Users
	metrics    *metrics.Set

	userLocks *keylock.Striped

	mu     sync.Mutex
	rooms  map[string]*Room // channel id → room
	byUser map[string]*Room // identity → current room
}

func NewOrchestrator(engine relay.Engine, b *bus.Bus, membership directory.Membership, users directory.Users, m *metrics.Set) *Orchestrator {
	return &Orchestrator{
		engine:     engine,
		bus:        b,
		membership: membership,
		users:      users,
		metrics:    m,
		userLocks:  keylock.New(32),
		rooms:      make(map[string]*Room),
		byUser:     make(map[string]*Room),
	}
}

type joinedPayload struct {
	ChannelID       string             `json:"channelId"`
	RTPCapabilities relay.Capabilities `json:"rtpCapabilities"`
}

// Join puts userID into channelID's room, leaving any other room first. The
// caller gets a joined push carrying the router capabilities before any other
// signaling exchange; the group topic gets a voice-state broadcast.
func (o *Orchestrator) Join(ctx context.Context, userID, channelID, groupID string, muted, deafened bool, signal Sender) {
	o.userLocks.Lock(userID)
	defer o.userLocks.Unlock(userID)

	if cur := o.roomOf(userID); cur != nil {
		if cur.channelID == channelID {
			// Same-channel update: this is the only wire path carrying the
			// mute flags, so apply them and tell the group before repeating
			// the capabilities push.
			if p := cur.participant(userID); p != nil {
				p.mu.Lock()
				p.muted, p.deafened = muted, deafened
				p.mu.Unlock()
			}
			o.push(signal, protocol.PushJoined, joinedPayload{ChannelID: channelID, RTPCapabilities: cur.router.Capabilities()})
			o.broadcastVoiceState(ctx, cur, userID, &channelID, muted, deafened)
			return
		}
		o.leaveRoom(ctx, userID, cur)
	}

	room := o.getOrCreateRoom(channelID, groupID)
	p := newParticipant(userID, channelID, groupID, signal)
	p.muted, p.deafened = muted, deafened
	room.add(p)

	o.mu.Lock()
	o.byUser[userID] = room
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.VoiceParticipants.Inc()
	}

	o.push(signal, protocol.PushJoined, joinedPayload{ChannelID: channelID, RTPCapabilities: room.router.Capabilities()})
	o.broadcastVoiceState(ctx, room, userID, &channelID, muted, deafened)

	log.Info().Str("module", "voice").Str("user", userID).Str("channel", channelID).Msg("joined voice room")
}

// Leave removes userID from its current room, if any. Triggered by an
// explicit leave request or by connection loss; both paths are idempotent.
func (o *Orchestrator) Leave(ctx context.Context, userID string) {
	o.userLocks.Lock(userID)
	defer o.userLocks.Unlock(userID)

	room := o.roomOf(userID)
	if room == nil {
		return
	}
	o.leaveRoom(ctx, userID, room)
}

// ChannelOf reports which voice channel userID currently occupies.
func (o *Orchestrator) ChannelOf(userID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	room, ok := o.byUser[userID]
	if !ok {
		return "", false
	}
	return room.channelID, true
}

// RoomInfo is a point-in-time view of one room, for debug listings.
type RoomInfo struct {
	ChannelID    string   `json:"channelId"`
	GroupID      string   `json:"groupId"`
	Participants []string `json:"participants"`
}

// Snapshot lists every live room and its members.
func (o *Orchestrator) Snapshot() []RoomInfo {
	o.mu.Lock()
	rooms := make([]*Room, 0, len(o.rooms))
	for _, room := range o.rooms {
		rooms = append(rooms, room)
	}
	o.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomInfo{
			ChannelID:    room.channelID,
			GroupID:      room.groupID,
			Participants: room.members(),
		})
	}
	return out
}

func (o *Orchestrator) roomOf(userID string) *Room {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byUser[userID]
}

func (o *Orchestrator) getOrCreateRoom(channelID, groupID string) *Room {
	o.mu.Lock()
	defer o.mu.Unlock()
	if room, ok := o.rooms[channelID]; ok {
		return room
	}
	room := newRoom(channelID, groupID, o.engine.CreateRouter(channelID))
	o.rooms[channelID] = room
	return room
}

// leaveRoom tears down userID's membership: producers first (their close
// hooks broadcast screen-share stop), then consumers and transports, then the
// voice-state broadcast with a null channel. Closes the router when the room
// empties. Caller holds the user's key lock.
func (o *Orchestrator) leaveRoom(ctx context.Context, userID string, room *Room) {
	p := room.remove(userID)

	o.mu.Lock()
	delete(o.byUser, userID)
	o.mu.Unlock()

	if p != nil {
		p.teardown()
		if o.metrics != nil {
			o.metrics.VoiceParticipants.Dec()
		}
		o.broadcastVoiceState(ctx, room, userID, nil, p.muted, p.deafened)
	}

	if room.empty() {
		o.mu.Lock()
		if cur, ok := o.rooms[room.channelID]; ok && cur == room {
			delete(o.rooms, room.channelID)
		}
		o.mu.Unlock()
		room.router.Close()
		log.Info().Str("module", "voice").Str("channel", room.channelID).Msg("voice room emptied")
	}

	log.Info().Str("module", "voice").Str("user", userID).Str("channel", room.channelID).Msg("left voice room")
}

func (o *Orchestrator) broadcastVoiceState(ctx context.Context, room *Room, userID string, channelID *string, muted, deafened bool) {
	state := protocol.VoiceState{
		UserID:    userID,
		ChannelID: channelID,
		GroupID:   room.groupID,
		Muted:     muted,
		Deafened:  deafened,
	}
	if profile, err := o.users.User(ctx, userID); err == nil {
		state.Username = profile.Username
		state.AvatarURL = profile.AvatarURL
	}
	o.publish(room.groupID, EventVoiceState, state)
}

func (o *Orchestrator) publish(groupID, event string, payload any) {
	o.bus.Publish(o.membership.TopicOf(groupID), bus.Message{Event: event, Payload: payload})
	if o.metrics != nil {
		o.metrics.DispatchedEvents.WithLabelValues(event).Inc()
	}
}

func (o *Orchestrator) push(s Sender, event string, payload any) {
	f, err := protocol.NewFrame(protocol.OpVoiceSignal, pushEnvelope{Event: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "voice").Msg("push marshal")
		return
	}
	_ = s.TrySend(f)
}

// pushEnvelope is protocol.SignalPush before payload marshaling.
type pushEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"data,omitempty"`
}
