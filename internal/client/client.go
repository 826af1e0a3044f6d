// Package client is the connection-side counterpart of the gateway: it owns
// the identify handshake, heartbeating, reconnects, and the correlation of
// async voice signals into awaitable calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/strombergh/concord/internal/protocol"
)

var ErrClosed = errors.New("client closed")

// SignalError carries the server's error string for a failed signal call.
type SignalError struct {
	Action  string
	Message string
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal %s: %s", e.Action, e.Message)
}

type Handler func(data json.RawMessage)

type Options struct {
	URL           string
	Token         string
	ClientVersion string

	CallTimeout       time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectMaxTries uint
}

func (o *Options) withDefaults() {
	if o.CallTimeout == 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.ReconnectMaxTries == 0 {
		o.ReconnectMaxTries = 8
	}
}

type Client struct {
	opts    Options
	pending *pendingTable

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex

	handlerMu  sync.RWMutex
	onDispatch map[string]Handler
	onPush     map[string]Handler
	onDown     func(error)

	intentional atomic.Bool
}

func New(opts Options) *Client {
	opts.withDefaults()
	return &Client{
		opts:       opts,
		pending:    newPendingTable(),
		onDispatch: make(map[string]Handler),
		onPush:     make(map[string]Handler),
	}
}

// OnDispatch registers a handler for a dispatch event type. Must be called
// before Connect.
func (c *Client) OnDispatch(event string, h Handler) {
	c.handlerMu.Lock()
	c.onDispatch[event] = h
	c.handlerMu.Unlock()
}

// OnPush registers a handler for an unsolicited voice signal event.
func (c *Client) OnPush(event string, h Handler) {
	c.handlerMu.Lock()
	c.onPush[event] = h
	c.handlerMu.Unlock()
}

// OnDown registers the handler invoked once reconnecting has been given up
// on, with the error that ended the last attempt.
func (c *Client) OnDown(h func(error)) {
	c.handlerMu.Lock()
	c.onDown = h
	c.handlerMu.Unlock()
}

// Connect dials, identifies, and waits for the Ready acknowledgment, then
// runs heartbeating and the read loop in the background. Lost connections
// are redialed with capped exponential backoff until the attempt budget runs
// out; an intentional Close never triggers a redial.
func (c *Client) Connect(ctx context.Context) error {
	ready, err := c.dial(ctx)
	if err != nil {
		return err
	}
	go c.run(ctx, ready)
	return nil
}

// Close tears the connection down for good and disables reconnects.
func (c *Client) Close() error {
	c.intentional.Store(true)
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return ws.Close()
}

// Call issues one correlated signal request and waits for its response or
// the call timeout. The pending record is removed exactly once; a response
// arriving after the timeout is discarded.
func (c *Client) Call(ctx context.Context, action string, data any) (json.RawMessage, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	id := uuid.NewString()
	ch := c.pending.add(id)

	f, err := protocol.NewFrame(protocol.OpVoiceSignal, protocol.SignalRequest{ID: id, Action: action, Data: raw})
	if err != nil {
		c.pending.drop(id)
		return nil, err
	}
	if err := c.send(f); err != nil {
		c.pending.drop(id)
		return nil, err
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, &SignalError{Action: action, Message: resp.Error}
		}
		return resp.Data, nil
	case <-timer.C:
		c.pending.drop(id)
		return nil, ErrCallTimeout
	case <-ctx.Done():
		c.pending.drop(id)
		return nil, ctx.Err()
	}
}

// UpdateVoiceState requests joining channelID in groupID; a nil channelID
// leaves the current channel.
func (c *Client) UpdateVoiceState(channelID *string, groupID string, selfMute, selfDeaf bool) error {
	f, err := protocol.NewFrame(protocol.OpVoiceStateUpdate, protocol.VoiceStateRequest{
		ChannelID: channelID,
		GroupID:   groupID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	})
	if err != nil {
		return err
	}
	return c.send(f)
}

func (c *Client) send(f protocol.Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, f.Encode())
}

// dial opens the socket, identifies, and consumes frames until Ready.
func (c *Client) dial(ctx context.Context) (protocol.Ready, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return protocol.Ready{}, err
	}

	identify, err := protocol.NewFrame(protocol.OpIdentify, protocol.Identify{
		Token:         c.opts.Token,
		ClientVersion: c.opts.ClientVersion,
	})
	if err != nil {
		ws.Close()
		return protocol.Ready{}, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, identify.Encode()); err != nil {
		ws.Close()
		return protocol.Ready{}, err
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return protocol.Ready{}, err
		}
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}
		if f.Op != protocol.OpReady {
			continue
		}
		var ready protocol.Ready
		if err := json.Unmarshal(f.D, &ready); err != nil {
			ws.Close()
			return protocol.Ready{}, err
		}
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		return ready, nil
	}
}

func (c *Client) run(ctx context.Context, ready protocol.Ready) {
	for {
		err := c.session(ctx, ready)
		c.pending.flush("connection lost")
		if c.intentional.Load() || ctx.Err() != nil {
			return
		}
		if fatalClose(err) {
			log.Info().Err(err).Str("module", "client").Msg("server refused session, not reconnecting")
			c.down(err)
			return
		}

		log.Info().Err(err).Str("module", "client").Msg("connection lost, reconnecting")
		bo := backoff.NewExponentialBackOff()
		bo.MaxInterval = c.opts.ReconnectMaxDelay
		r, err := backoff.Retry(ctx, func() (protocol.Ready, error) {
			if c.intentional.Load() {
				return protocol.Ready{}, backoff.Permanent(ErrClosed)
			}
			ready, err := c.dial(ctx)
			if fatalClose(err) {
				return protocol.Ready{}, backoff.Permanent(err)
			}
			return ready, err
		}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.opts.ReconnectMaxTries))
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("reconnect attempts exhausted")
			c.down(err)
			return
		}
		ready = r
	}
}

// session heartbeats on the advertised interval and routes inbound frames
// until the socket dies.
func (c *Client) session(ctx context.Context, ready protocol.Ready) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrClosed
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, time.Duration(ready.HeartbeatIntervalMs)*time.Millisecond)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return err
		}
		c.route(data)
	}
}

func (c *Client) heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f, err := protocol.NewFrame(protocol.OpHeartbeat, struct{}{})
			if err == nil {
				_ = c.send(f)
			}
		}
	}
}

func (c *Client) route(data []byte) {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return
	}
	switch f.Op {
	case protocol.OpDispatch:
		c.handlerMu.RLock()
		h := c.onDispatch[f.T]
		c.handlerMu.RUnlock()
		if h != nil {
			h(f.D)
		}
	case protocol.OpVoiceSignal:
		push, resp, err := protocol.DecodeSignal(f.D)
		if err != nil {
			return
		}
		if push != nil {
			c.handlerMu.RLock()
			h := c.onPush[push.Event]
			c.handlerMu.RUnlock()
			if h != nil {
				h(push.Data)
			}
			return
		}
		if !c.pending.settle(*resp) {
			log.Debug().Str("module", "client").Str("id", resp.ID).Msg("late signal response ignored")
		}
	case protocol.OpHeartbeatAck:
		// liveness is the server's concern; nothing to track here
	}
}

func (c *Client) down(err error) {
	c.handlerMu.RLock()
	h := c.onDown
	c.handlerMu.RUnlock()
	if h != nil {
		h(err)
	}
}

// fatalClose reports close codes where redialing with the same credentials
// and version cannot succeed.
func fatalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case protocol.CloseAuthFailed, protocol.CloseOutdatedClient, protocol.CloseSuperseded:
		return true
	}
	return false
}
