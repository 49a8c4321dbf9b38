package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/log"
	"github.com/agentmem/core/pkg/metrics"
)

const maxDatagramSize = 65507

// bytesSent and bytesReceived mirror metrics.SyncBytesSent/SyncBytesReceived
// in a form production code can read back directly; the Prometheus
// counters stay write-only, as everywhere else in this codebase.
var (
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
)

// BytesSent returns the cumulative count of payload bytes this process has
// sent over UDPTransport.
func BytesSent() uint64 { return bytesSent.Load() }

// BytesReceived returns the cumulative count of payload bytes this process
// has received over UDPTransport.
func BytesReceived() uint64 { return bytesReceived.Load() }

// UDPTransport implements Transport over a single bound net.UDPConn,
// encoding envelopes with encoding/gob. It is the out-of-the-box wire
// adapter; spec.md places RPC framing out of scope, so a connectionless
// datagram transport with application-level request/reply correlation is
// enough to carry sync-request/sync-response/sync-push traffic.
type UDPTransport struct {
	conn   *net.UDPConn
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Envelope
	closed  bool

	inbound chan Envelope
}

// NewUDPTransport binds a UDP socket at localAddr (e.g. ":9631") and starts
// its background receive loop.
func NewUDPTransport(localAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransportFailure, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransportFailure, err)
	}
	t := &UDPTransport{
		conn:    conn,
		logger:  log.WithComponent("sync_transport"),
		pending: make(map[string]chan Envelope),
		inbound: make(chan Envelope, 64),
	}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return // conn closed
		}
		var env Envelope
		if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(&env); err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed sync envelope")
			continue
		}
		metrics.SyncBytesReceived.Add(float64(n))
		bytesReceived.Add(uint64(n))

		t.mu.Lock()
		ch, waiting := t.pending[env.ID]
		if waiting {
			delete(t.pending, env.ID)
		}
		t.mu.Unlock()

		if waiting {
			ch <- env
			continue
		}
		select {
		case t.inbound <- env:
		default:
			t.logger.Warn().Str("envelope_id", env.ID).Msg("inbound sync queue full, dropping")
		}
	}
}

// Send encodes msg and fires it at peerAddress without waiting for a reply.
func (t *UDPTransport) Send(ctx context.Context, peerAddress string, msg Envelope) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	raddr, err := net.ResolveUDPAddr("udp", peerAddress)
	if err != nil {
		return apperr.Wrap(apperr.TransportFailure, err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return apperr.Wrap(apperr.TransportFailure, err)
	}
	n, err := t.conn.WriteToUDP(buf.Bytes(), raddr)
	if err != nil {
		return apperr.Wrap(apperr.TransportFailure, err)
	}
	metrics.SyncBytesSent.Add(float64(n))
	bytesSent.Add(uint64(n))
	return nil
}

// Receive blocks for the next envelope nobody requested a reply for.
func (t *UDPTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.inbound:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, apperr.Wrap(apperr.Cancelled, ctx.Err())
	}
}

// Request sends msg and waits for the envelope whose ID matches, or for ctx
// to expire.
func (t *UDPTransport) Request(ctx context.Context, peerAddress string, msg Envelope) (Envelope, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ch := make(chan Envelope, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	t.pending[msg.ID] = ch
	t.mu.Unlock()

	if err := t.Send(ctx, peerAddress, msg); err != nil {
		t.mu.Lock()
		delete(t.pending, msg.ID)
		t.mu.Unlock()
		return Envelope{}, err
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, msg.ID)
		t.mu.Unlock()
		return Envelope{}, apperr.Wrap(apperr.Timeout, ctx.Err())
	}
}

// Close shuts down the socket, which ends readLoop and causes new Send/
// Request calls to fail. Requests already in flight when Close is called
// unblock on their own ctx deadline rather than a forced panic-prone
// channel close, since the read loop that would deliver their reply has
// already exited.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
