package canbus

import (
	"context"
	"sync"
)

// LoopbackBus is an in-memory bus. Every endpoint sees the frames sent by
// the others, never its own.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*Endpoint]struct{}
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*Endpoint]struct{})}
}

// Open creates an endpoint attached to the bus. The endpoint still has to be
// connected before it sends or receives.
func (b *LoopbackBus) Open(name string) *Endpoint {
	return &Endpoint{bus: b, name: name}
}

// Close detaches every endpoint.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.detach()
	}
	b.endpoints = nil
	return nil
}

// Endpoint is one node on a LoopbackBus. It implements Transport.
type Endpoint struct {
	bus  *LoopbackBus
	name string

	mu     sync.Mutex
	ch     chan Frame
	done   chan struct{}
	active bool
}

func (e *Endpoint) Name() string { return "loopback:" + e.name }

func (e *Endpoint) Connect() error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if e.bus.closed {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return nil
	}
	e.ch = make(chan Frame, 256)
	e.done = make(chan struct{})
	e.active = true
	e.bus.endpoints[e] = struct{}{}
	return nil
}

func (e *Endpoint) Close() error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.detach()
	return nil
}

// detach must be called with the bus lock held.
func (e *Endpoint) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.active = false
	close(e.done)
}

func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Send delivers f to every other connected endpoint. A full receiver drops
// the frame, like a real controller with an overflowing mailbox.
func (e *Endpoint) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if !e.IsConnected() {
		return ErrNotConnected
	}
	e.bus.mu.RLock()
	defer e.bus.mu.RUnlock()
	if e.bus.closed {
		return ErrClosed
	}
	for ep := range e.bus.endpoints {
		if ep == e {
			continue
		}
		select {
		case ep.ch <- f:
		default:
		}
	}
	return nil
}

func (e *Endpoint) Listen(ctx context.Context, fn func(Frame)) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrNotConnected
	}
	ch, done := e.ch, e.done
	e.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrClosed
		case f := <-ch:
			fn(f)
		}
	}
}
