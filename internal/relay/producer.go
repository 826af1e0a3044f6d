package relay

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// rtpReader abstracts the inbound track so the forwarding loop is testable.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, error)
}

type remoteReader struct {
	track *webrtc.TrackRemote
}

func (r remoteReader) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

// producer owns one inbound media stream and fans its packets out to the
// out-tracks of everyone consuming it.
type producer struct {
	id        string
	kind      Kind
	ownerID   string
	transport *transport

	mu     sync.RWMutex
	outs   map[string]*OutTrack // consumer id → out-track
	closed bool
	cancel context.CancelFunc

	closeOnce sync.Once
	onClose   []func()
}

func newProducer(id string, kind Kind, ownerID string, t *transport) *producer {
	return &producer{
		id:        id,
		kind:      kind,
		ownerID:   ownerID,
		transport: t,
		outs:      make(map[string]*OutTrack),
	}
}

func (p *producer) ID() string    { return p.id }
func (p *producer) Kind() Kind    { return p.kind }
func (p *producer) Owner() string { return p.ownerID }

func (p *producer) mimeType() string {
	if p.kind == KindVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

func (p *producer) codec() webrtc.RTPCodecCapability {
	if p.kind == KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// OnClose registers fn to run when the producer closes. Hooks run exactly
// once no matter which path closed the producer; registering against an
// already-closed producer fires fn right away so the event is never lost.
func (p *producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *producer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// attach starts the forwarding loop once the media actually arrives.
func (p *producer) attach(src rtpReader) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	logger := log.With().Str("module", "relay").Str("producer", p.id).Logger()
	go p.loop(ctx, src, &logger)
}

func (p *producer) loop(ctx context.Context, src rtpReader, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("producer source ended")
			p.Close()
			return
		}
		p.forward(pkt, logger)
	}
}

func (p *producer) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	p.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(p.outs))
	maps.Copy(snapshot, p.outs)
	p.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for cid, ot := range snapshot {
		switch ot.State() {
		case TrackStateDelete:
			dirty = append(dirty, cid)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", cid).Msg("write RTP, dropping out-track")
				ot.MarkDelete()
				dirty = append(dirty, cid)
			}
		}
	}

	// Cleanup happens outside the read lock.
	if len(dirty) > 0 {
		p.mu.Lock()
		for _, cid := range dirty {
			delete(p.outs, cid)
		}
		p.mu.Unlock()
	}
}

func (p *producer) addOut(consumerID string, ot *OutTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outs[consumerID] = ot
}

func (p *producer) removeOut(consumerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ot, ok := p.outs[consumerID]; ok {
		ot.MarkDelete()
		delete(p.outs, consumerID)
	}
}

// Close stops forwarding, unregisters from the router and runs the close
// hooks. Safe to call from any path, any number of times.
func (p *producer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, ot := range p.outs {
			ot.MarkDelete()
		}
		cancel := p.cancel
		hooks := p.onClose
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		p.transport.router.removeProducer(p.id)
		for _, fn := range hooks {
			fn()
		}
		log.Info().Str("module", "relay").Str("producer", p.id).Msg("producer closed")
	})
}
