// Package gateway is the realtime front door: it admits authenticated
// connections, keeps them alive with heartbeats, and fans dispatch events out
// to group topics via the bus.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/strombergh/concord/internal/bus"
	"github.com/strombergh/concord/internal/config"
	"github.com/strombergh/concord/internal/directory"
	"github.com/strombergh/concord/internal/metrics"
	"github.com/strombergh/concord/internal/voice"
)

const EventPresence = "presence_update"

type presencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Verifier checks the identify credential and yields the identity.
type Verifier interface {
	Verify(token string) (string, error)
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.Bus
	registry   *Registry
	verifier   Verifier
	membership directory.Membership
	voice      *voice.Orchestrator
	metrics    *metrics.Set
	limiter    *RateLimiter
}

func New(cfg *config.Config, b *bus.Bus, registry *Registry, verifier Verifier, membership directory.Membership, orch *voice.Orchestrator, m *metrics.Set) *Gateway {
	return &Gateway{
		cfg:        cfg,
		bus:        b,
		registry:   registry,
		verifier:   verifier,
		membership: membership,
		voice:      orch,
		metrics:    m,
		limiter:    NewRateLimiter(30, time.Second),
	}
}

func (g *Gateway) Registry() *Registry { return g.registry }

// PublishEvent is the entry point the rest of the system calls after a
// successful state-changing write: it fans the event out to every live
// subscriber of topic.
func (g *Gateway) PublishEvent(topic, event string, payload any) int {
	return g.publish(topic, event, payload)
}

func (g *Gateway) publish(topic, event string, payload any) int {
	n := g.bus.Publish(topic, bus.Message{Event: event, Payload: payload})
	if g.metrics != nil {
		g.metrics.DispatchedEvents.WithLabelValues(event).Inc()
	}
	return n
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the session protocol until the
// connection dies.
func (g *Gateway) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("ws upgrade")
		return
	}
	if g.cfg.ReadLimit > 0 {
		ws.SetReadLimit(g.cfg.ReadLimit)
	}

	conn := newWSConn(ws)
	sess := newSession(ctx, g, conn)
	sess.start()

	go conn.writePump(sess.ctx)
	go g.readPump(sess, conn)
}

// readPump handles frames from one connection to completion, in order; frames
// from different connections interleave freely in their own pumps.
func (g *Gateway) readPump(sess *Session, conn *wsConn) {
	defer func() {
		sess.onClose()
		conn.CloseWithCode(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-sess.ctx.Done():
			return
		default:
			_, data, err := conn.ws.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "gateway").Msg("read loop ended")
				return
			}
			sess.handleFrame(data)
		}
	}
}
