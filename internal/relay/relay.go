// Package relay wraps the selective-forwarding media engine. A Router is the
// per-voice-channel routing context; Transports are negotiated paths between
// one participant and the engine; Producers push media in and Consumers take
// another participant's producer out. The interfaces are what the voice
// orchestrator programs against; the pion-backed implementation lives in this
// package too.
package relay

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type Direction int

const (
	Send Direction = iota
	Recv
)

var (
	ErrClosed         = errors.New("relay: closed")
	ErrWrongDirection = errors.New("relay: wrong transport direction")
	ErrCannotConsume  = errors.New("relay: cannot consume")
)

// Codec describes one payload format a router can route.
type Codec struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

// Capabilities is the descriptor exchanged with clients before any transport
// is negotiated.
type Capabilities struct {
	Codecs []Codec `json:"codecs"`
}

// Supports reports whether caps can receive media of the given mime type.
func (c Capabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if codec.MimeType == mimeType {
			return true
		}
	}
	return false
}

type Engine interface {
	// CreateRouter allocates a routing context for one voice channel.
	CreateRouter(id string) Router
	// Close shuts the engine down, closing any routers still alive.
	Close()
}

type Router interface {
	ID() string
	Capabilities() Capabilities
	// CreateTransport allocates a transport bound to this router.
	CreateTransport(dir Direction) (Transport, error)
	// CanConsume reports whether a consumer with caps could receive the
	// producer. False for unknown or closed producers.
	CanConsume(producerID string, caps Capabilities) bool
	// Producer looks up an active producer by id.
	Producer(id string) (Producer, bool)
	// Close releases the routing context. Closing twice is a no-op.
	Close()
}

type Transport interface {
	ID() string
	Direction() Direction
	// Connect completes the handshake: the remote offer in, the local answer
	// (with gathered candidates) out.
	Connect(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// Produce declares an inbound media stream of the given kind owned by
	// ownerID. Send transports only.
	Produce(kind Kind, ownerID string) (Producer, error)
	// Consume attaches p's media to this transport, paused. Recv transports only.
	Consume(p Producer, caps Capabilities) (Consumer, error)
	Close()
}

type Producer interface {
	ID() string
	Kind() Kind
	// Owner is the identity that produced the stream.
	Owner() string
	// OnClose registers fn to run exactly once when the producer closes,
	// whichever path closed it.
	OnClose(fn func())
	Close()
	Closed() bool
}

type Consumer interface {
	ID() string
	ProducerID() string
	Paused() bool
	Resume()
	Close()
}
