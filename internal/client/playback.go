package client

import "sync"

// Output renders one participant's inbound audio. Implementations wrap
// whatever audio backend the host application uses.
type Output interface {
	SetVolume(v float64)
	SetDevice(id string) error
	Close() error
}

// Playback routes inbound tracks to outputs, keyed by the producing
// identity. Volume settings survive detach so a participant who rejoins
// keeps their adjusted level.
type Playback struct {
	newOutput func() (Output, error)

	mu      sync.Mutex
	device  string
	sinks   map[string]Output
	volumes map[string]float64
}

func NewPlayback(newOutput func() (Output, error)) *Playback {
	return &Playback{
		newOutput: newOutput,
		sinks:     make(map[string]Output),
		volumes:   make(map[string]float64),
	}
}

// Attach creates an output for userID's track, replacing any previous one.
func (p *Playback) Attach(userID string) error {
	out, err := p.newOutput()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.sinks[userID]; ok {
		_ = old.Close()
	}
	if p.device != "" {
		if err := out.SetDevice(p.device); err != nil {
			_ = out.Close()
			return err
		}
	}
	out.SetVolume(p.volume(userID))
	p.sinks[userID] = out
	return nil
}

// Detach closes userID's output. Safe to call when absent.
func (p *Playback) Detach(userID string) {
	p.mu.Lock()
	out, ok := p.sinks[userID]
	delete(p.sinks, userID)
	p.mu.Unlock()
	if ok {
		_ = out.Close()
	}
}

// SetVolume stores userID's gain, clamped to [0, 2], and applies it to the
// live output if one is attached.
func (p *Playback) SetVolume(userID string, v float64) {
	if v < 0 {
		v = 0
	}
	if v > 2 {
		v = 2
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[userID] = v
	if out, ok := p.sinks[userID]; ok {
		out.SetVolume(v)
	}
}

func (p *Playback) Volume(userID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume(userID)
}

func (p *Playback) volume(userID string) float64 {
	if v, ok := p.volumes[userID]; ok {
		return v
	}
	return 1
}

// SetDevice routes every attached output, and all future ones, to the given
// output device.
func (p *Playback) SetDevice(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device = id
	for _, out := range p.sinks {
		if err := out.SetDevice(id); err != nil {
			return err
		}
	}
	return nil
}

// Close detaches everything.
func (p *Playback) Close() {
	p.mu.Lock()
	sinks := p.sinks
	p.sinks = make(map[string]Output)
	p.mu.Unlock()
	for _, out := range sinks {
		_ = out.Close()
	}
}
