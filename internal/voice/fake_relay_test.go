package voice

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/strombergh/concord/internal/relay"
)

// In-memory relay doubles so signaling and lifecycle logic is testable
// without negotiating real peer connections.

var fullCaps = relay.Capabilities{Codecs: []relay.Codec{
	{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}}

type fakeEngine struct {
	mu      sync.Mutex
	routers []*fakeRouter
}

func (e *fakeEngine) CreateRouter(id string) relay.Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &fakeRouter{id: id, producers: make(map[string]*fakeProducer)}
	e.routers = append(e.routers, r)
	return r
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	routers := append([]*fakeRouter(nil), e.routers...)
	e.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
}

type fakeRouter struct {
	id string

	mu        sync.Mutex
	seq       int
	closes    int
	producers map[string]*fakeProducer
}

func (r *fakeRouter) ID() string                       { return r.id }
func (r *fakeRouter) Capabilities() relay.Capabilities { return fullCaps }

func (r *fakeRouter) nextID(prefix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("%s-%s-%d", prefix, r.id, r.seq)
}

func (r *fakeRouter) CreateTransport(dir relay.Direction) (relay.Transport, error) {
	r.mu.Lock()
	closed := r.closes > 0
	r.mu.Unlock()
	if closed {
		return nil, relay.ErrClosed
	}
	return &fakeTransport{id: r.nextID("t"), dir: dir, router: r}, nil
}

func (r *fakeRouter) CanConsume(producerID string, caps relay.Capabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.Closed() {
		return false
	}
	return caps.Supports(p.mime())
}

func (r *fakeRouter) Producer(id string) (relay.Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (r *fakeRouter) Close() {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
}

func (r *fakeRouter) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

type fakeTransport struct {
	id     string
	dir    relay.Direction
	router *fakeRouter

	mu        sync.Mutex
	closed    bool
	producers []*fakeProducer
	consumers []*fakeConsumer
}

func (t *fakeTransport) ID() string                 { return t.id }
func (t *fakeTransport) Direction() relay.Direction { return t.dir }

func (t *fakeTransport) Connect(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + offer.SDP}
	return &answer, nil
}

func (t *fakeTransport) Produce(kind relay.Kind, ownerID string) (relay.Producer, error) {
	if t.dir != relay.Send {
		return nil, relay.ErrWrongDirection
	}
	p := &fakeProducer{id: t.router.nextID("p"), kind: kind, owner: ownerID, router: t.router}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(pr relay.Producer, caps relay.Capabilities) (relay.Consumer, error) {
	if t.dir != relay.Recv {
		return nil, relay.ErrWrongDirection
	}
	p, ok := pr.(*fakeProducer)
	if !ok || p.Closed() || !caps.Supports(p.mime()) {
		return nil, relay.ErrCannotConsume
	}
	c := &fakeConsumer{id: t.router.nextID("c"), producerID: p.id, paused: true}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
}

type fakeProducer struct {
	id     string
	kind   relay.Kind
	owner  string
	router *fakeRouter

	mu     sync.Mutex
	closed bool
	hooks  []func()
}

func (p *fakeProducer) ID() string       { return p.id }
func (p *fakeProducer) Kind() relay.Kind { return p.kind }
func (p *fakeProducer) Owner() string    { return p.owner }

func (p *fakeProducer) mime() string {
	if p.kind == relay.KindVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

func (p *fakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

func (p *fakeProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	hooks := p.hooks
	p.mu.Unlock()

	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

type fakeConsumer struct {
	id         string
	producerID string

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *fakeConsumer) ID() string         { return c.id }
func (c *fakeConsumer) ProducerID() string { return c.producerID }

func (c *fakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeConsumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
