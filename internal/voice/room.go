package voice

import (
	"sync"

	"github.com/strombergh/concord/internal/relay"
)

// Room is one voice channel's media state: its routing context and everyone
// currently inside it. Created on first join, destroyed when it empties.
type Room struct {
	channelID string
	groupID   string
	router    relay.Router

	mu           sync.RWMutex
	participants map[string]*Participant
}

func newRoom(channelID, groupID string, router relay.Router) *Room {
	return &Room{
		channelID:    channelID,
		groupID:      groupID,
		router:       router,
		participants: make(map[string]*Participant),
	}
}

func (r *Room) add(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.userID] = p
}

func (r *Room) remove(userID string) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participants[userID]
	delete(r.participants, userID)
	return p
}

func (r *Room) participant(userID string) *Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participants[userID]
}

// others snapshots every participant except userID.
func (r *Room) others(userID string) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Participant, 0, len(r.participants))
	for id, p := range r.participants {
		if id != userID {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	return out
}

func (r *Room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) == 0
}

// Participant is one identity inside one room, owning its transports,
// producers and consumers. Nothing outside the participant may close them.
type Participant struct {
	userID    string
	channelID string
	groupID   string
	signal    Sender

	mu            sync.Mutex
	muted         bool
	deafened      bool
	announced     bool // first successful audio produce already handled
	sendTransport relay.Transport
	recvTransport relay.Transport
	audioProducer relay.Producer
	screenShare   relay.Producer
	consumers     map[string]relay.Consumer // keyed by producing identity and kind
}

func newParticipant(userID, channelID, groupID string, signal Sender) *Participant {
	return &Participant{
		userID:    userID,
		channelID: channelID,
		groupID:   groupID,
		signal:    signal,
		consumers: make(map[string]relay.Consumer),
	}
}

// transportByID resolves an id against the participant's own transports only;
// one participant can never touch another's transport.
func (p *Participant) transportByID(id string) relay.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendTransport != nil && p.sendTransport.ID() == id {
		return p.sendTransport
	}
	if p.recvTransport != nil && p.recvTransport.ID() == id {
		return p.recvTransport
	}
	return nil
}

// producers snapshots the participant's currently active producers.
func (p *Participant) producers() []relay.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []relay.Producer
	if p.audioProducer != nil && !p.audioProducer.Closed() {
		out = append(out, p.audioProducer)
	}
	if p.screenShare != nil && !p.screenShare.Closed() {
		out = append(out, p.screenShare)
	}
	return out
}

// teardown releases everything the participant owns. Producer close hooks
// (screen-share stop) fire from here as well; every close is tolerant of
// being called again.
func (p *Participant) teardown() {
	p.mu.Lock()
	audio, screen := p.audioProducer, p.screenShare
	consumers := p.consumers
	send, recv := p.sendTransport, p.recvTransport
	p.audioProducer, p.screenShare = nil, nil
	p.consumers = make(map[string]relay.Consumer)
	p.sendTransport, p.recvTransport = nil, nil
	p.mu.Unlock()

	if audio != nil {
		audio.Close()
	}
	if screen != nil {
		screen.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
}
