package voice

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/strombergh/concord/internal/protocol"
	"github.com/strombergh/concord/internal/relay"
)

// Signaling failures are reported on the correlated response and never close
// the connection.
var (
	errNotInChannel      = errors.New("not in a voice channel")
	errNoRouter          = errors.New("no router for channel")
	errTransportNotFound = errors.New("transport not found")
	errCannotConsume     = errors.New("cannot consume")
	errProducerNotFound  = errors.New("producer not found")
	errConsumerNotFound  = errors.New("consumer not found")
	errBadPayload        = errors.New("bad payload")
)

// Signaling actions.
const (
	ActionCreateSendTransport = "create_send_transport"
	ActionCreateRecvTransport = "create_recv_transport"
	ActionConnectTransport    = "connect_transport"
	ActionProduce             = "produce"
	ActionCloseProducer       = "close_producer"
	ActionConsume             = "consume"
	ActionResumeConsumer      = "resume_consumer"
)

type newProducerPayload struct {
	ProducerID string     `json:"producerId"`
	UserID     string     `json:"userId"`
	Kind       relay.Kind `json:"kind"`
}

type screenSharePayload struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

// HandleSignal executes one correlated signaling call for userID and answers
// on the same connection. Multiple calls may be in flight per participant;
// nothing here blocks other connections.
func (o *Orchestrator) HandleSignal(ctx context.Context, userID string, req protocol.SignalRequest, signal Sender) {
	data, err := o.dispatchSignal(ctx, userID, req)

	resp := protocol.SignalResponse{ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.OK = true
		resp.Data = data
	}
	f, ferr := protocol.NewFrame(protocol.OpVoiceSignal, resp)
	if ferr != nil {
		log.Error().Err(ferr).Str("module", "voice").Msg("signal response marshal")
		return
	}
	_ = signal.TrySend(f)
}

func (o *Orchestrator) dispatchSignal(ctx context.Context, userID string, req protocol.SignalRequest) (json.RawMessage, error) {
	room, p, err := o.participantOf(userID)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case ActionCreateSendTransport:
		return o.createTransport(room, p, relay.Send)
	case ActionCreateRecvTransport:
		return o.createTransport(room, p, relay.Recv)
	case ActionConnectTransport:
		return o.connectTransport(p, req.Data)
	case ActionProduce:
		return o.produce(ctx, room, p, req.Data)
	case ActionCloseProducer:
		return o.closeProducer(p, req.Data)
	case ActionConsume:
		return o.consume(room, p, req.Data)
	case ActionResumeConsumer:
		return o.resumeConsumer(p, req.Data)
	default:
		return nil, errors.New("unknown action: " + req.Action)
	}
}

func (o *Orchestrator) participantOf(userID string) (*Room, *Participant, error) {
	room := o.roomOf(userID)
	if room == nil {
		return nil, nil, errNotInChannel
	}
	p := room.participant(userID)
	if p == nil {
		return nil, nil, errNotInChannel
	}
	if room.router == nil {
		return nil, nil, errNoRouter
	}
	return room, p, nil
}

func (o *Orchestrator) createTransport(room *Room, p *Participant, dir relay.Direction) (json.RawMessage, error) {
	t, err := room.router.CreateTransport(dir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	var old relay.Transport
	if dir == relay.Send {
		old, p.sendTransport = p.sendTransport, t
	} else {
		old, p.recvTransport = p.recvTransport, t
	}
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}

	return marshal(struct {
		TransportID string `json:"transportId"`
	}{t.ID()})
}

func (o *Orchestrator) connectTransport(p *Participant, data json.RawMessage) (json.RawMessage, error) {
	var payload struct {
		TransportID string                    `json:"transportId"`
		Offer       webrtc.SessionDescription `json:"offer"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errBadPayload
	}
	t := p.transportByID(payload.TransportID)
	if t == nil {
		return nil, errTransportNotFound
	}
	answer, err := t.Connect(payload.Offer)
	if err != nil {
		return nil, err
	}
	return marshal(struct {
		Answer *webrtc.SessionDescription `json:"answer"`
	}{answer})
}

func (o *Orchestrator) produce(ctx context.Context, room *Room, p *Participant, data json.RawMessage) (json.RawMessage, error) {
	var payload struct {
		TransportID string     `json:"transportId"`
		Kind        relay.Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errBadPayload
	}
	if payload.Kind != relay.KindAudio && payload.Kind != relay.KindVideo {
		return nil, errBadPayload
	}
	t := p.transportByID(payload.TransportID)
	if t == nil {
		return nil, errTransportNotFound
	}

	producer, err := t.Produce(payload.Kind, p.userID)
	if err != nil {
		return nil, err
	}

	// One producer per kind: a second produce closes the previous one before
	// the replacement is stored.
	p.mu.Lock()
	var old relay.Producer
	firstAudio := false
	if payload.Kind == relay.KindAudio {
		old, p.audioProducer = p.audioProducer, producer
		if !p.announced {
			p.announced = true
			firstAudio = true
		}
	} else {
		old, p.screenShare = p.screenShare, producer
	}
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if payload.Kind == relay.KindVideo {
		// Both stop paths (explicit close and transport close) converge on the
		// producer close hook, so observers see exactly one stop event.
		userID, channelID, groupID := p.userID, p.channelID, p.groupID
		producer.OnClose(func() {
			o.publish(groupID, EventScreenShareStop, screenSharePayload{UserID: userID, ChannelID: channelID})
		})
		o.publish(p.groupID, EventScreenShareStart, screenSharePayload{UserID: p.userID, ChannelID: p.channelID})
	}

	o.announceProducer(room, p, producer)
	if firstAudio {
		o.announceExisting(room, p)
	}

	return marshal(struct {
		ProducerID string `json:"producerId"`
	}{producer.ID()})
}

// announceProducer tells every other participant to consume the new producer.
func (o *Orchestrator) announceProducer(room *Room, from *Participant, producer relay.Producer) {
	payload := newProducerPayload{ProducerID: producer.ID(), UserID: from.userID, Kind: producer.Kind()}
	for _, other := range room.others(from.userID) {
		o.push(other.signal, protocol.PushNewProducer, payload)
	}
}

// announceExisting walks everyone already producing in the room and sends the
// newcomer one push per active producer. This is how a late joiner discovers
// the room without a symmetric broadcast from each existing member.
func (o *Orchestrator) announceExisting(room *Room, to *Participant) {
	for _, other := range room.others(to.userID) {
		for _, producer := range other.producers() {
			o.push(to.signal, protocol.PushNewProducer, newProducerPayload{
				ProducerID: producer.ID(),
				UserID:     other.userID,
				Kind:       producer.Kind(),
			})
		}
	}
}

func (o *Orchestrator) closeProducer(p *Participant, data json.RawMessage) (json.RawMessage, error) {
	var payload struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errBadPayload
	}

	p.mu.Lock()
	var target relay.Producer
	if p.audioProducer != nil && p.audioProducer.ID() == payload.ProducerID {
		target, p.audioProducer = p.audioProducer, nil
	} else if p.screenShare != nil && p.screenShare.ID() == payload.ProducerID {
		target, p.screenShare = p.screenShare, nil
	}
	p.mu.Unlock()

	if target == nil {
		return nil, errProducerNotFound
	}
	target.Close()
	return marshal(struct{}{})
}

func (o *Orchestrator) consume(room *Room, p *Participant, data json.RawMessage) (json.RawMessage, error) {
	var payload struct {
		ProducerID      string             `json:"producerId"`
		RTPCapabilities relay.Capabilities `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errBadPayload
	}

	p.mu.Lock()
	recv := p.recvTransport
	p.mu.Unlock()
	if recv == nil {
		return nil, errTransportNotFound
	}

	producer, ok := room.router.Producer(payload.ProducerID)
	if !ok {
		return nil, errProducerNotFound
	}
	if !room.router.CanConsume(payload.ProducerID, payload.RTPCapabilities) {
		return nil, errCannotConsume
	}

	consumer, err := recv.Consume(producer, payload.RTPCapabilities)
	if err != nil {
		return nil, errCannotConsume
	}

	// Keyed by producing identity and kind: a producer switch replaces the
	// entry instead of accumulating one consumer per producer id, and one
	// identity's audio and screen share coexist.
	key := producer.Owner() + ":" + string(producer.Kind())
	p.mu.Lock()
	old := p.consumers[key]
	p.consumers[key] = consumer
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}

	return marshal(struct {
		ConsumerID string     `json:"consumerId"`
		ProducerID string     `json:"producerId"`
		UserID     string     `json:"userId"`
		Kind       relay.Kind `json:"kind"`
	}{consumer.ID(), producer.ID(), producer.Owner(), producer.Kind()})
}

func (o *Orchestrator) resumeConsumer(p *Participant, data json.RawMessage) (json.RawMessage, error) {
	var payload struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errBadPayload
	}

	p.mu.Lock()
	var target relay.Consumer
	for _, c := range p.consumers {
		if c.ID() == payload.ConsumerID {
			target = c
			break
		}
	}
	p.mu.Unlock()

	if target == nil {
		return nil, errConsumerNotFound
	}
	target.Resume()
	return marshal(struct{}{})
}

func marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
