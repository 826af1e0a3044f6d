package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/strombergh/concord/internal/auth"
	"github.com/strombergh/concord/internal/protocol"
)

type State int32

const (
	StateConnecting State = iota
	StateAwaitingIdentify
	StateReady
	StateClosed
)

// Session is the per-connection protocol state machine. Frames from one
// connection are handled sequentially by the read loop, so handlers never
// race with each other; they only share the registries with other sessions.
type Session struct {
	gw   *Gateway
	conn Conn

	state  atomic.Int32
	alive  atomic.Bool
	userID string
	topics []string

	ctx           context.Context
	cancel        context.CancelFunc
	identifyTimer *time.Timer
}

func newSession(ctx context.Context, gw *Gateway, conn Conn) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{gw: gw, conn: conn, ctx: ctx, cancel: cancel}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// start arms the identify deadline: a client that never identifies is closed
// with a dedicated code once the window passes.
func (s *Session) start() {
	s.state.Store(int32(StateAwaitingIdentify))
	s.identifyTimer = time.AfterFunc(s.gw.cfg.IdentifyTimeout, func() {
		if s.State() != StateReady {
			log.Info().Str("module", "gateway").Msg("identify deadline passed")
			s.conn.CloseWithCode(protocol.CloseIdentifyTimeout, "identify timeout")
		}
	})
}

// handleFrame routes one inbound frame. Malformed frames and unknown opcodes
// are dropped without closing the connection.
func (s *Session) handleFrame(data []byte) {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "gateway").Msg("malformed frame dropped")
		return
	}

	switch f.Op {
	case protocol.OpIdentify:
		s.handleIdentify(f.D)
	case protocol.OpHeartbeat:
		s.handleHeartbeat()
	case protocol.OpVoiceStateUpdate:
		s.handleVoiceState(f.D)
	case protocol.OpVoiceSignal:
		s.handleVoiceSignal(f.D)
	default:
		log.Debug().Int("op", int(f.Op)).Str("module", "gateway").Msg("unexpected opcode dropped")
	}
}

func (s *Session) handleIdentify(d json.RawMessage) {
	if s.State() != StateAwaitingIdentify {
		return
	}
	var id protocol.Identify
	if err := json.Unmarshal(d, &id); err != nil {
		return
	}

	if !protocol.IsAtLeast(id.ClientVersion, s.gw.cfg.MinClientVersion) {
		log.Info().Str("module", "gateway").Str("version", id.ClientVersion).Msg("outdated client rejected")
		s.conn.CloseWithCode(protocol.CloseOutdatedClient, "client version below "+s.gw.cfg.MinClientVersion)
		return
	}

	userID, err := s.gw.verifier.Verify(id.Token)
	if err != nil {
		log.Info().Err(err).Str("module", "gateway").Msg("identify auth failed")
		s.conn.CloseWithCode(protocol.CloseAuthFailed, auth.ErrInvalidToken.Error())
		return
	}

	groups, err := s.gw.membership.GroupsOf(s.ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Str("user", userID).Msg("membership lookup failed")
		s.conn.CloseWithCode(protocol.CloseAuthFailed, "membership lookup failed")
		return
	}
	topics := make([]string, len(groups))
	for i, g := range groups {
		topics[i] = s.gw.membership.TopicOf(g)
	}

	if s.identifyTimer != nil {
		s.identifyTimer.Stop()
	}

	s.userID = userID
	s.topics = topics

	if superseded := s.gw.registry.Admit(userID, s.conn, topics, s.cancel); superseded {
		// The displaced connection may have held a voice room; its own close
		// handler is stale by now, so the unwind happens here. Same for its
		// gauge count: the stale close skips the Dec.
		s.gw.voice.Leave(s.ctx, userID)
		if s.gw.metrics != nil {
			s.gw.metrics.Connections.Dec()
		}
	}

	s.alive.Store(true)
	s.state.Store(int32(StateReady))
	if s.gw.metrics != nil {
		s.gw.metrics.Connections.Inc()
	}

	for _, topic := range topics {
		s.gw.publish(topic, EventPresence, presencePayload{UserID: userID, Online: true})
	}

	ready, err := protocol.NewFrame(protocol.OpReady, protocol.Ready{
		HeartbeatIntervalMs: s.gw.cfg.HeartbeatPeriod.Milliseconds(),
		ServerVersion:       s.gw.cfg.ServerVersion,
	})
	if err == nil {
		_ = s.conn.TrySend(ready)
	}

	go s.watchdog()
	log.Info().Str("module", "gateway").Str("user", userID).Msg("session ready")
}

func (s *Session) handleHeartbeat() {
	if s.State() != StateReady {
		return
	}
	s.alive.Store(true)
	ack, err := protocol.NewFrame(protocol.OpHeartbeatAck, struct{}{})
	if err == nil {
		_ = s.conn.TrySend(ack)
	}
}

// watchdog closes the connection when no heartbeat arrived for two full
// intervals: the flag is consumed every tick, so one missed interval is
// tolerated and the second is fatal.
func (s *Session) watchdog() {
	ticker := time.NewTicker(s.gw.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.alive.Swap(false) {
				log.Info().Str("module", "gateway").Str("user", s.userID).Msg("heartbeat missed twice, closing")
				s.conn.CloseWithCode(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *Session) handleVoiceState(d json.RawMessage) {
	if s.State() != StateReady {
		return
	}
	var req protocol.VoiceStateRequest
	if err := json.Unmarshal(d, &req); err != nil {
		return
	}
	if req.ChannelID == nil {
		s.gw.voice.Leave(s.ctx, s.userID)
		return
	}
	s.gw.voice.Join(s.ctx, s.userID, *req.ChannelID, req.GroupID, req.SelfMute, req.SelfDeaf, s.conn)
}

func (s *Session) handleVoiceSignal(d json.RawMessage) {
	if s.State() != StateReady {
		return
	}
	var req protocol.SignalRequest
	if err := json.Unmarshal(d, &req); err != nil {
		return
	}
	if !s.gw.limiter.Allow(s.userID) {
		resp, err := protocol.NewFrame(protocol.OpVoiceSignal, protocol.SignalResponse{ID: req.ID, OK: false, Error: "rate limited"})
		if err == nil {
			_ = s.conn.TrySend(resp)
		}
		return
	}
	s.gw.voice.HandleSignal(s.ctx, s.userID, req, s.conn)
}

// onClose unwinds the session from either side's close or a timeout. The
// registry guard keeps a stale close from a superseded connection from
// touching the current one; repeated calls are no-ops past the state swap.
func (s *Session) onClose() {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	s.cancel()
	if s.identifyTimer != nil {
		s.identifyTimer.Stop()
	}

	if s.userID == "" {
		return
	}
	if !s.gw.registry.RemoveIf(s.userID, s.conn) {
		log.Debug().Str("module", "gateway").Str("user", s.userID).Msg("stale close ignored")
		return
	}
	if s.gw.metrics != nil {
		s.gw.metrics.Connections.Dec()
	}

	s.gw.limiter.Forget(s.userID)
	s.gw.voice.Leave(context.Background(), s.userID)
	for _, topic := range s.topics {
		s.gw.publish(topic, EventPresence, presencePayload{UserID: s.userID, Online: false})
	}
	log.Info().Str("module", "gateway").Str("user", s.userID).Msg("session closed")
}
