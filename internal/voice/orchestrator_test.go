package voice

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strombergh/concord/internal/bus"
	"github.com/strombergh/concord/internal/directory"
	"github.com/strombergh/concord/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (s *fakeSender) TrySend(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

// pushes decodes every SignalPush the sender received, optionally filtered by
// event name.
func (s *fakeSender) pushes(t *testing.T, event string) []protocol.SignalPush {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.SignalPush
	for _, f := range s.frames {
		if f.Op != protocol.OpVoiceSignal {
			continue
		}
		push, _, err := protocol.DecodeSignal(f.D)
		require.NoError(t, err)
		if push != nil && (event == "" || push.Event == event) {
			out = append(out, *push)
		}
	}
	return out
}

func (s *fakeSender) responses(t *testing.T) []protocol.SignalResponse {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.SignalResponse
	for _, f := range s.frames {
		if f.Op != protocol.OpVoiceSignal {
			continue
		}
		_, resp, err := protocol.DecodeSignal(f.D)
		require.NoError(t, err)
		if resp != nil {
			out = append(out, *resp)
		}
	}
	return out
}

type recorded struct {
	topic string
	msg   bus.Message
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) handler(topic string, msg bus.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{topic: topic, msg: msg})
}

func (r *recorder) byEvent(event string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, e := range r.events {
		if e.msg.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.topic + "/" + e.msg.Event
	}
	return out
}

type fixture struct {
	orch   *Orchestrator
	engine *fakeEngine
	bus    *bus.Bus
	rec    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := directory.NewStatic()
	dir.AddUser(directory.Profile{ID: "alice", Username: "Alice"}, "g1")
	dir.AddUser(directory.Profile{ID: "bob", Username: "Bob"}, "g1")
	dir.AddUser(directory.Profile{ID: "carol", Username: "Carol"}, "g2")

	engine := &fakeEngine{}
	b := bus.New()
	rec := &recorder{}
	b.Subscribe("server:g1", "rec", rec.handler)
	b.Subscribe("server:g2", "rec", rec.handler)

	return &fixture{
		orch:   NewOrchestrator(engine, b, dir, dir, nil),
		engine: engine,
		bus:    b,
		rec:    rec,
	}
}

func voiceState(t *testing.T, e recorded) protocol.VoiceState {
	t.Helper()
	state, ok := e.msg.Payload.(protocol.VoiceState)
	require.True(t, ok, "payload is a VoiceState")
	return state
}

func TestJoinPushesCapabilitiesAndBroadcastsState(t *testing.T) {
	fx := newFixture(t)
	sender := &fakeSender{}

	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, sender)

	joined := sender.pushes(t, protocol.PushJoined)
	require.Len(t, joined, 1)
	var jp joinedPayload
	require.NoError(t, json.Unmarshal(joined[0].Data, &jp))
	assert.Equal(t, "chan-1", jp.ChannelID)
	assert.NotEmpty(t, jp.RTPCapabilities.Codecs)

	states := fx.rec.byEvent(EventVoiceState)
	require.Len(t, states, 1)
	state := voiceState(t, states[0])
	assert.Equal(t, "alice", state.UserID)
	require.NotNil(t, state.ChannelID)
	assert.Equal(t, "chan-1", *state.ChannelID)
	assert.Equal(t, "Alice", state.Username)

	ch, ok := fx.orch.ChannelOf("alice")
	assert.True(t, ok)
	assert.Equal(t, "chan-1", ch)
}

func TestRouterCreatedOncePerNonEmptyPeriod(t *testing.T) {
	fx := newFixture(t)

	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, &fakeSender{})
	fx.orch.Join(context.Background(), "bob", "chan-1", "g1", false, false, &fakeSender{})
	require.Len(t, fx.engine.routers, 1)

	fx.orch.Leave(context.Background(), "alice")
	assert.Equal(t, 0, fx.engine.routers[0].closeCount(), "room still occupied")

	fx.orch.Leave(context.Background(), "bob")
	assert.Equal(t, 1, fx.engine.routers[0].closeCount(), "router closed once on empty")

	// A new non-empty period gets a fresh router.
	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, &fakeSender{})
	require.Len(t, fx.engine.routers, 2)
}

func TestLeaveIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, &fakeSender{})

	fx.orch.Leave(context.Background(), "alice")
	assert.NotPanics(t, func() { fx.orch.Leave(context.Background(), "alice") })

	states := fx.rec.byEvent(EventVoiceState)
	require.Len(t, states, 2, "join and one leave broadcast, no duplicate")
	assert.Nil(t, voiceState(t, states[1]).ChannelID)

	_, ok := fx.orch.ChannelOf("alice")
	assert.False(t, ok)
}

func TestJoinSecondRoomLeavesFirst(t *testing.T) {
	fx := newFixture(t)
	sender := &fakeSender{}

	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, sender)
	fx.orch.Join(context.Background(), "alice", "chan-2", "g2", false, false, sender)

	ch, ok := fx.orch.ChannelOf("alice")
	require.True(t, ok)
	assert.Equal(t, "chan-2", ch)

	// Exactly one left-previous broadcast on g1 before the join broadcast on g2.
	seq := fx.rec.sequence()
	require.Equal(t, []string{
		"server:g1/" + EventVoiceState,
		"server:g1/" + EventVoiceState,
		"server:g2/" + EventVoiceState,
	}, seq)

	left := fx.rec.byEvent(EventVoiceState)[1]
	assert.Nil(t, voiceState(t, left).ChannelID)

	// First room emptied, its router closed.
	assert.Equal(t, 1, fx.engine.routers[0].closeCount())
}

func TestRejoinSameChannelIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	sender := &fakeSender{}

	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, sender)
	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, sender)

	require.Len(t, fx.engine.routers, 1)
	assert.Equal(t, 0, fx.engine.routers[0].closeCount())
	assert.Len(t, sender.pushes(t, protocol.PushJoined), 2, "capabilities repeated")

	// No teardown happened, but the state update is still told to the group.
	states := fx.rec.byEvent(EventVoiceState)
	require.Len(t, states, 2)
	for _, e := range states {
		require.NotNil(t, voiceState(t, e).ChannelID)
	}
}

func TestSameChannelUpdateTogglesMute(t *testing.T) {
	fx := newFixture(t)
	sender := &fakeSender{}

	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, sender)
	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", true, true, sender)

	states := fx.rec.byEvent(EventVoiceState)
	require.Len(t, states, 2)
	last := voiceState(t, states[1])
	assert.True(t, last.Muted)
	assert.True(t, last.Deafened)

	p := fx.orch.roomOf("alice").participant("alice")
	require.NotNil(t, p)
	p.mu.Lock()
	muted, deafened := p.muted, p.deafened
	p.mu.Unlock()
	assert.True(t, muted)
	assert.True(t, deafened)
}

func TestDisconnectTearsDownMedia(t *testing.T) {
	fx := newFixture(t)
	sender := &fakeSender{}
	fx.orch.Join(context.Background(), "alice", "chan-1", "g1", false, false, sender)

	sendT := createTransport(t, fx.orch, "alice", sender, ActionCreateSendTransport)
	producerID := produce(t, fx.orch, "alice", sender, sendT, "audio")

	fx.orch.Leave(context.Background(), "alice")

	router := fx.engine.routers[0]
	_, ok := router.Producer(producerID)
	assert.False(t, ok, "producer closed and unregistered on leave")
	assert.Equal(t, 1, router.closeCount())
}
