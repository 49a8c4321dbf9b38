// Package transport implements the bidirectional message transport the
// sync engine runs sync requests/responses/pushes over. Per spec.md §4.9
// the transport's identity and wire format are out of scope for the sync
// engine itself: it only needs send/receive/request/close and
// at-least-once delivery between well-behaved peers, so this package is
// swappable — tests use the in-memory Bus, production wiring uses UDP.
package transport

import (
	"context"

	"github.com/agentmem/core/pkg/apperr"
)

// MessageType is the closed set of sync wire messages, per spec.md §6.
type MessageType string

const (
	MsgSyncRequest  MessageType = "sync-request"
	MsgSyncResponse MessageType = "sync-response"
	MsgSyncPush     MessageType = "sync-push"
)

// Envelope is the `{id, type, payload}` shape spec.md §6 describes. The
// payload fields are a superset of all three message kinds; unused fields
// are left zero for a given Type.
type Envelope struct {
	ID           string
	Type         MessageType
	ShardID      string
	FromChangeID uint64
	NodeID       string
	Delta        []byte
}

// Transport is the contract the sync engine depends on. Implementations
// must provide at-least-once delivery between well-behaved peers; the sync
// engine's own idempotent-replay discipline absorbs duplicates.
type Transport interface {
	// Send delivers msg to peerAddress without waiting for a reply.
	Send(ctx context.Context, peerAddress string, msg Envelope) error

	// Receive blocks until an inbound message arrives or ctx is done.
	Receive(ctx context.Context) (Envelope, error)

	// Request sends msg and waits for the correlated reply (matched on
	// Envelope.ID), honoring ctx's deadline.
	Request(ctx context.Context, peerAddress string, msg Envelope) (Envelope, error)

	Close() error
}

// ErrClosed is returned by UDPTransport.Request once Close has been called,
// and by MemoryTransport when the addressed peer is not registered on its
// Bus. A closed MemoryTransport still sends; it only drops deliveries.
var ErrClosed = apperr.New(apperr.TransportFailure, "transport closed")
