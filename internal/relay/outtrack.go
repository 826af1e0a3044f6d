package relay

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// rtpWriter is what an out-track forwards into; in production it is a
// *webrtc.TrackLocalStaticRTP.
type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack is one subscriber's view of a producer's stream. The state gates
// forwarding without touching the producer's out-track map on every packet.
type OutTrack struct {
	w     rtpWriter
	state atomic.Int32
}

func NewOutTrack(w rtpWriter) *OutTrack {
	return &OutTrack{w: w}
}

func (ot *OutTrack) WriteRTP(pkt *rtp.Packet) error {
	return ot.w.WriteRTP(pkt)
}

func (ot *OutTrack) State() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.Store(int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
