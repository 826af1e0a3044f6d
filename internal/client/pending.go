package client

import (
	"errors"
	"sync"

	"github.com/strombergh/concord/internal/protocol"
)

var ErrCallTimeout = errors.New("signal call timed out")

// pendingTable correlates signal responses back to their callers. Every
// record settles exactly once: add/settle/drop all remove under the same
// lock, so a response arriving after a timeout finds nothing and is ignored.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]chan protocol.SignalResponse
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]chan protocol.SignalResponse)}
}

func (p *pendingTable) add(id string) <-chan protocol.SignalResponse {
	ch := make(chan protocol.SignalResponse, 1)
	p.mu.Lock()
	p.calls[id] = ch
	p.mu.Unlock()
	return ch
}

// settle delivers resp to the waiting caller and removes the record.
// Reports false when no caller is waiting anymore.
func (p *pendingTable) settle(resp protocol.SignalResponse) bool {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

func (p *pendingTable) drop(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// flush rejects every outstanding call, used when the connection drops so
// callers do not sit out their full timeout.
func (p *pendingTable) flush(reason string) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]chan protocol.SignalResponse)
	p.mu.Unlock()

	for id, ch := range calls {
		ch <- protocol.SignalResponse{ID: id, OK: false, Error: reason}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
