package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Bus is an in-process Transport implementation: every MemoryTransport
// sharing a Bus can address every other by the name it registered under.
// It is the transport used by sync engine tests, where exercising a real
// socket would add nothing but flakiness.
type Bus struct {
	mu    sync.Mutex
	peers map[string]*MemoryTransport
}

// NewBus returns an empty, ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{peers: make(map[string]*MemoryTransport)}
}

// Register creates a MemoryTransport addressable as name on this bus.
func (b *Bus) Register(name string) *MemoryTransport {
	t := &MemoryTransport{
		bus:     b,
		name:    name,
		inbound: make(chan Envelope, 64),
		pending: make(map[string]chan Envelope),
	}
	b.mu.Lock()
	b.peers[name] = t
	b.mu.Unlock()
	return t
}

func (b *Bus) lookup(name string) (*MemoryTransport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.peers[name]
	return t, ok
}

// MemoryTransport is one endpoint registered on a Bus.
type MemoryTransport struct {
	bus  *Bus
	name string

	mu      sync.Mutex
	pending map[string]chan Envelope
	inbound chan Envelope
	closed  bool
}

func (m *MemoryTransport) deliver(env Envelope) {
	m.mu.Lock()
	ch, waiting := m.pending[env.ID]
	if waiting {
		delete(m.pending, env.ID)
	}
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	if waiting {
		ch <- env
		return
	}
	select {
	case m.inbound <- env:
	default:
	}
}

// Send delivers msg to peerAddress (the registered name of the target
// MemoryTransport) synchronously.
func (m *MemoryTransport) Send(ctx context.Context, peerAddress string, msg Envelope) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	peer, ok := m.bus.lookup(peerAddress)
	if !ok {
		return ErrClosed
	}
	peer.deliver(msg)
	return nil
}

// Receive blocks until a message nobody requested a reply for arrives.
func (m *MemoryTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-m.inbound:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Request sends msg and waits for the reply correlated by Envelope.ID.
func (m *MemoryTransport) Request(ctx context.Context, peerAddress string, msg Envelope) (Envelope, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ch := make(chan Envelope, 1)
	m.mu.Lock()
	m.pending[msg.ID] = ch
	m.mu.Unlock()

	if err := m.Send(ctx, peerAddress, msg); err != nil {
		m.mu.Lock()
		delete(m.pending, msg.ID)
		m.mu.Unlock()
		return Envelope{}, err
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, msg.ID)
		m.mu.Unlock()
		return Envelope{}, ctx.Err()
	}
}

// Close marks this endpoint closed; further deliveries to it are dropped.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
