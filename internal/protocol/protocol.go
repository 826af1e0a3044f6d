// Package protocol defines the wire framing shared by the gateway server and
// the client correlation layer: one JSON frame per websocket message, an
// opcode discriminator and a typed payload per opcode.
package protocol

import "encoding/json"

type Opcode int

const (
	OpDispatch Opcode = iota
	OpIdentify
	OpHeartbeat
	OpHeartbeatAck
	OpReady
	OpVoiceStateUpdate
	OpVoiceSignal
)

// Websocket close codes the gateway uses so clients can pick a recovery
// strategy (force-upgrade vs retry vs give up).
const (
	CloseIdentifyTimeout  = 4001
	CloseAuthFailed       = 4002
	CloseOutdatedClient   = 4003
	CloseHeartbeatTimeout = 4004
	CloseSuperseded       = 4005
)

// Frame is the envelope for every message in both directions. T is only set
// on server→client dispatch frames and names the event carried in D.
type Frame struct {
	Op Opcode          `json:"op"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// NewFrame marshals payload into a frame for op. Marshal errors are reported
// to the caller; payload types in this package never fail to marshal.
func NewFrame(op Opcode, payload any) (Frame, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: op, D: d}, nil
}

// NewDispatch builds a server→client event frame.
func NewDispatch(event string, payload any) (Frame, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: OpDispatch, T: event, D: d}, nil
}

func (f Frame) Encode() []byte {
	b, _ := json.Marshal(f)
	return b
}

type Identify struct {
	Token         string `json:"token"`
	ClientVersion string `json:"clientVersion"`
}

type Ready struct {
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	ServerVersion       string `json:"serverVersion"`
}

// VoiceStateRequest is the client→server form: join channelId (or leave when
// nil) within groupId.
type VoiceStateRequest struct {
	ChannelID *string `json:"channelId"`
	GroupID   string  `json:"groupId"`
	SelfMute  bool    `json:"selfMute,omitempty"`
	SelfDeaf  bool    `json:"selfDeaf,omitempty"`
}

// VoiceState is the server→group broadcast form.
type VoiceState struct {
	UserID    string  `json:"userId"`
	ChannelID *string `json:"channelId"`
	GroupID   string  `json:"groupId"`
	Muted     bool    `json:"muted"`
	Deafened  bool    `json:"deafened"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatarUrl,omitempty"`
}

// SignalRequest is a client→server voice signaling call, correlated by a
// caller-supplied id.
type SignalRequest struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// SignalResponse answers exactly one SignalRequest, echoing its id.
type SignalResponse struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// SignalPush is an unsolicited server→client signal. It is a category of its
// own rather than a response with a reserved id, so correlation never has to
// special-case magic strings.
type SignalPush struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Push events carried by SignalPush.
const (
	PushJoined      = "joined"       // room capabilities, sent once on join
	PushNewProducer = "new_producer" // instructs the receiver to consume
)

// signalEnvelope distinguishes the three signal categories on the wire.
type signalEnvelope struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	OK    *bool           `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`

	Action string `json:"action,omitempty"`
}

// DecodeSignal classifies a VoiceSignal payload arriving at the client: a
// push carries an event name, anything else correlates by id.
func DecodeSignal(d json.RawMessage) (push *SignalPush, resp *SignalResponse, err error) {
	var env signalEnvelope
	if err := json.Unmarshal(d, &env); err != nil {
		return nil, nil, err
	}
	if env.Event != "" {
		return &SignalPush{Event: env.Event, Data: env.Data}, nil, nil
	}
	ok := env.OK != nil && *env.OK
	return nil, &SignalResponse{ID: env.ID, OK: ok, Data: env.Data, Error: env.Error}, nil
}
