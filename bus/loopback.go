package bus

import (
	"context"
	"sync"
	"time"
)

const (
	loopbackRxDepth = 256
	defaultTxDepth  = 64
)

// Loopback is an in-memory CAN bus for simulation and tests. Every endpoint
// opened from the same Loopback sees frames sent by every other endpoint,
// mirroring the broadcast nature of a physical bus.
type Loopback struct {
	name string

	mu        sync.Mutex
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

// NewLoopback creates an in-memory bus with the given name.
func NewLoopback(name string) *Loopback {
	return &Loopback{
		name:      name,
		endpoints: make(map[*loopEndpoint]struct{}),
	}
}

// Open attaches a new endpoint to the bus.
func (b *Loopback) Open() Handle {
	ep := &loopEndpoint{
		bus:  b,
		rx:   make(chan Frame, loopbackRxDepth),
		tx:   make(chan Frame, defaultTxDepth),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ep.done)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	go ep.pump()
	return ep
}

// Close detaches all endpoints. Pending receives unblock with ErrClosed.
func (b *Loopback) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.shutdown()
	}
	b.endpoints = nil
	return nil
}

// broadcast delivers a frame to every endpoint except the sender. A slow
// endpoint whose rx buffer is full drops the frame, as a saturated CAN
// controller would.
func (b *Loopback) broadcast(from *loopEndpoint, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ep := range b.endpoints {
		if ep == from {
			continue
		}
		select {
		case ep.rx <- f:
		default:
		}
	}
}

type loopEndpoint struct {
	bus  *Loopback
	rx   chan Frame
	tx   chan Frame
	done chan struct{}

	closeOnce sync.Once
}

func (ep *loopEndpoint) Name() string { return ep.bus.name }

func (ep *loopEndpoint) pump() {
	for {
		select {
		case <-ep.done:
			return
		case f := <-ep.tx:
			ep.bus.broadcast(ep, f)
		}
	}
}

func (ep *loopEndpoint) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-ep.rx:
		return f, nil
	case <-ep.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (ep *loopEndpoint) Send(f Frame) error {
	select {
	case <-ep.done:
		return ErrClosed
	default:
	}
	if f.Bus == "" {
		f.Bus = ep.bus.name
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	select {
	case ep.tx <- f:
		return nil
	default:
		return ErrTxQueueFull
	}
}

func (ep *loopEndpoint) Close() error {
	ep.bus.mu.Lock()
	if ep.bus.endpoints != nil {
		delete(ep.bus.endpoints, ep)
	}
	ep.bus.mu.Unlock()
	ep.shutdown()
	return nil
}

func (ep *loopEndpoint) shutdown() {
	ep.closeOnce.Do(func() { close(ep.done) })
}
