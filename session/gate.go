package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPromptPending   = errors.New("another prompt is pending")
	ErrPromptCancelled = errors.New("prompt cancelled")
)

type PromptKind string

const (
	PromptChainChange      PromptKind = "chain_change"
	PromptExportSimulation PromptKind = "export_simulation"
)

type GateState int

const (
	GateIdle GateState = iota
	GatePending
)

func (s GateState) String() string {
	if s == GatePending {
		return "pending"
	}
	return "idle"
}

// Prompt is one question waiting for a decision.
type Prompt struct {
	ID      uint64
	Kind    PromptKind
	Payload interface{}

	response  chan bool
	answered  atomic.Bool
	cancelled atomic.Bool

	abort     chan struct{}
	abortOnce sync.Once
	abortErr  error
}

// Respond answers the prompt. Only the first answer of a live prompt is
// accepted.
func (p *Prompt) Respond(approved bool) bool {
	if p.cancelled.Load() || !p.answered.CompareAndSwap(false, true) {
		return false
	}
	p.response <- approved
	return true
}

// Abort gives up a prompt that cannot reach the caller. The waiting Ask
// returns ErrPromptCancelled joined with err.
func (p *Prompt) Abort(err error) {
	p.abortOnce.Do(func() {
		p.abortErr = err
		p.cancelled.Store(true)
		close(p.abort)
	})
}

func (p *Prompt) Cancelled() bool {
	return p.cancelled.Load()
}

// Gate lets at most one prompt be pending at a time. Prompts are published
// on Requests and answered through Prompt.Respond.
type Gate struct {
	mutex    sync.Mutex
	state    GateState
	current  *Prompt
	lastID   uint64
	requests chan *Prompt
}

func NewGate() *Gate {
	return &Gate{
		requests: make(chan *Prompt, 1),
	}
}

func (g *Gate) Requests() <-chan *Prompt {
	return g.requests
}

func (g *Gate) State() GateState {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.state
}

// Current returns the pending prompt or nil.
func (g *Gate) Current() *Prompt {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.current
}

// Ask publishes a prompt and blocks until it is answered or ctx ends.
func (g *Gate) Ask(ctx context.Context, kind PromptKind, payload interface{}) (bool, error) {
	g.mutex.Lock()
	if g.state == GatePending {
		g.mutex.Unlock()
		return false, ErrPromptPending
	}
	g.lastID++
	prompt := &Prompt{
		ID:       g.lastID,
		Kind:     kind,
		Payload:  payload,
		response: make(chan bool, 1),
		abort:    make(chan struct{}),
	}
	g.state = GatePending
	g.current = prompt
	g.mutex.Unlock()

	defer g.release(prompt)

	select {
	case g.requests <- prompt:
	case <-ctx.Done():
		prompt.cancelled.Store(true)
		return false, errors.Join(ErrPromptCancelled, ctx.Err())
	}

	select {
	case approved := <-prompt.response:
		return approved, nil
	case <-prompt.abort:
		return false, errors.Join(ErrPromptCancelled, prompt.abortErr)
	case <-ctx.Done():
		prompt.cancelled.Store(true)
		return false, errors.Join(ErrPromptCancelled, ctx.Err())
	}
}

func (g *Gate) release(prompt *Prompt) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.current == prompt {
		g.current = nil
		g.state = GateIdle
	}
}
