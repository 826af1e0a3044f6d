package relay

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// consumer is one participant's paused-by-default subscription to another's
// producer. Resume flips its out-track live.
type consumer struct {
	id       string
	producer *producer
	track    *webrtc.TrackLocalStaticRTP
	out      *OutTrack

	closeOnce sync.Once
}

func newConsumer(id string, p *producer, track *webrtc.TrackLocalStaticRTP) *consumer {
	c := &consumer{
		id:       id,
		producer: p,
		track:    track,
		out:      NewOutTrack(track),
	}
	// Consumers start paused; the client resumes once its playback is wired.
	c.out.MarkMuted()
	p.addOut(id, c.out)
	return c
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) ProducerID() string { return c.producer.id }

func (c *consumer) Paused() bool {
	return c.out.State() == TrackStateMuted
}

func (c *consumer) Resume() {
	if c.out.State() == TrackStateMuted {
		c.out.MarkOk()
	}
}

func (c *consumer) Close() {
	c.closeOnce.Do(func() {
		c.producer.removeOut(c.id)
	})
}
