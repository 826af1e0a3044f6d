package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// transport wraps one PeerConnection between a participant and the engine.
type transport struct {
	id     string
	router *router
	dir    Direction
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	pending   map[Kind]*producer // declared producers awaiting their track
	consumers []*consumer

	closeOnce sync.Once
}

func newTransport(r *router, dir Direction) (*transport, error) {
	pc, err := r.engine.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: r.engine.iceServers,
	})
	if err != nil {
		return nil, err
	}
	t := &transport{
		id:      uuid.NewString(),
		router:  r,
		dir:     dir,
		pc:      pc,
		pending: make(map[Kind]*producer),
	}
	if dir == Send {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			t.bindTrack(track)
		})
	}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			log.Info().Str("module", "relay").Str("transport", t.id).Str("state", s.String()).Msg("transport connection gone")
		}
	})
	return t, nil
}

func (t *transport) ID() string           { return t.id }
func (t *transport) Direction() Direction { return t.dir }

// Connect applies the participant's offer and answers with gathered
// candidates, so a single exchange completes the handshake.
func (t *transport) Connect(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return t.pc.LocalDescription(), nil
}

func (t *transport) Produce(kind Kind, ownerID string) (Producer, error) {
	if t.dir != Send {
		return nil, ErrWrongDirection
	}
	p := newProducer(uuid.NewString(), kind, ownerID, t)

	t.mu.Lock()
	t.pending[kind] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	log.Info().Str("module", "relay").Str("producer", p.id).Str("kind", string(kind)).Str("owner", ownerID).Msg("producer declared")
	return p, nil
}

// bindTrack attaches an arriving remote track to the producer declared for
// its kind and starts forwarding.
func (t *transport) bindTrack(track *webrtc.TrackRemote) {
	kind := KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}
	t.mu.Lock()
	p := t.pending[kind]
	t.mu.Unlock()
	if p == nil {
		log.Warn().Str("module", "relay").Str("transport", t.id).Str("kind", string(kind)).Msg("track without declared producer, dropping")
		return
	}
	p.attach(remoteReader{track})
}

func (t *transport) Consume(pr Producer, caps Capabilities) (Consumer, error) {
	if t.dir != Recv {
		return nil, ErrWrongDirection
	}
	p, ok := pr.(*producer)
	if !ok || p.Closed() {
		return nil, ErrCannotConsume
	}
	if !caps.Supports(p.mimeType()) {
		return nil, ErrCannotConsume
	}

	local, err := webrtc.NewTrackLocalStaticRTP(p.codec(), uuid.NewString(), p.Owner())
	if err != nil {
		return nil, err
	}
	if _, err := t.pc.AddTrack(local); err != nil {
		return nil, err
	}

	c := newConsumer(uuid.NewString(), p, local)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		pending := make([]*producer, 0, len(t.pending))
		for _, p := range t.pending {
			pending = append(pending, p)
		}
		consumers := t.consumers
		t.consumers = nil
		t.mu.Unlock()

		// Producer close hooks (e.g. screen-share stop) fire here too, so
		// dropping a transport converges with an explicit stop.
		for _, p := range pending {
			p.Close()
		}
		for _, c := range consumers {
			c.Close()
		}
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "relay").Str("transport", t.id).Msg("peer connection close")
		}
	})
}
