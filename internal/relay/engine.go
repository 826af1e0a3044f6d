package relay

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// engine is the pion-backed Engine. A failure to build the underlying API is
// fatal at startup; there is no per-room recovery once it is running.
type engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	caps       Capabilities

	mu      sync.Mutex
	routers map[string]*router
}

// NewEngine configures a webrtc API routing opus audio and VP8 video.
func NewEngine(iceURLs []string) (Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	var servers []webrtc.ICEServer
	if len(iceURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceURLs}}
	}

	return &engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		iceServers: servers,
		caps: Capabilities{Codecs: []Codec{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		}},
		routers: make(map[string]*router),
	}, nil
}

func (e *engine) CreateRouter(id string) Router {
	log.Info().Str("module", "relay").Str("router", id).Msg("router created")
	r := &router{
		id:        id,
		engine:    e,
		producers: make(map[string]*producer),
	}
	e.mu.Lock()
	e.routers[id] = r
	e.mu.Unlock()
	return r
}

// Close shuts down every router still alive. Rooms normally close their own
// router on emptying; this is the process-exit path.
func (e *engine) Close() {
	e.mu.Lock()
	routers := make([]*router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.routers = make(map[string]*router)
	e.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

func (e *engine) removeRouter(id string) {
	e.mu.Lock()
	delete(e.routers, id)
	e.mu.Unlock()
}

// router holds the per-voice-channel routing context.
type router struct {
	id     string
	engine *engine

	mu        sync.RWMutex
	closed    bool
	producers map[string]*producer
}

func (r *router) ID() string                 { return r.id }
func (r *router) Capabilities() Capabilities { return r.engine.caps }

func (r *router) CreateTransport(dir Direction) (Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return newTransport(r, dir)
}

func (r *router) CanConsume(producerID string, caps Capabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok || p.Closed() {
		return false
	}
	return caps.Supports(p.mimeType())
}

func (r *router) Producer(id string) (Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	leftovers := make([]*producer, 0, len(r.producers))
	for _, p := range r.producers {
		leftovers = append(leftovers, p)
	}
	r.mu.Unlock()

	// Participants normally close their own producers first; anything still
	// registered is closed here.
	for _, p := range leftovers {
		p.Close()
	}
	r.engine.removeRouter(r.id)
	log.Info().Str("module", "relay").Str("router", r.id).Msg("router closed")
}
