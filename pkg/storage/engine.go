// Package storage implements the persistent vector store described in
// spec.md §4.1 and §6: tables for vector records, HNSW nodes/edges/metadata,
// quantizer state, the per-shard changelog, and sync sessions, all wrapped
// in write-ahead transactions.
//
// The spec treats the backing "embedded SQL engine" as an external black
// box exposing begin/commit/rollback/exec_batch; here that role is played
// by go.etcd.io/bbolt's Update (read-write transaction) and View (read-only
// transaction), the same substrate the teacher repo uses for its own
// cluster-state store.
package storage

import (
	"github.com/agentmem/core/pkg/types"
)

// Iterator is a lazy, restartable, finite sequence of vector records in
// insertion order, per spec.md §4.1 scan().
type Iterator interface {
	// Next advances to the next record, returning false when exhausted or
	// on error (check Err after Next returns false).
	Next() bool
	Record() types.VectorRecord
	Err() error
	Close() error
}

// Engine is the storage engine's public contract.
type Engine interface {
	// CreateShard registers a new shard with a fixed embedding dimension.
	// It is idempotent: calling it again with the same dimension is a no-op.
	CreateShard(shardID string, dimension uint32) error

	// DropShard removes a shard and all of its tables permanently.
	DropShard(shardID string) error

	// ShardExists reports whether a shard has been created.
	ShardExists(shardID string) (bool, error)

	// Dimension returns the fixed embedding dimension of a shard.
	Dimension(shardID string) (uint32, error)

	// Insert stores a new record, generating an id if rec.ID is empty, and
	// appends an insert changelog entry in the same transaction. Returns
	// DuplicateID if rec.ID is already present.
	Insert(shardID string, rec types.VectorRecord, sourceNode string) (string, error)

	// InsertBatch stores many records as a single atomic unit: either every
	// record and its changelog entry are durable, or none are.
	InsertBatch(shardID string, recs []types.VectorRecord, sourceNode string) ([]string, error)

	// Update replaces a record's embedding and/or metadata in place and
	// appends an update changelog entry. Returns NotFound if id is absent.
	Update(shardID, id string, embedding []float32, metadata types.Metadata, sourceNode string) error

	// Delete removes a record. Returns (true, nil) if a record was present
	// (and appends a delete changelog entry), (false, nil) if it was not
	// (idempotent, no changelog entry emitted).
	Delete(shardID, id string, sourceNode string) (bool, error)

	// Get fetches one record by id, or (nil, nil) if absent.
	Get(shardID, id string) (*types.VectorRecord, error)

	// Scan returns a lazy iterator over every record in insertion order.
	Scan(shardID string) (Iterator, error)

	// Stats summarises a shard's current state.
	Stats(shardID string) (types.ShardStats, error)

	// ApplyChange replays a single changelog entry against local storage as
	// an ordinary mutation, used by the sync engine to apply inbound
	// deltas. It does not re-emit a changelog entry with a new change id;
	// instead the entry is stored verbatim so replay is idempotent.
	ApplyChange(shardID string, entry types.ChangelogEntry) error

	// --- HNSW persistence (spec.md §4.3, §6) ---

	FlushHNSW(shardID string, nodes []types.HNSWNode, edges []types.HNSWEdge, meta types.HNSWMeta) error
	LoadHNSW(shardID string) ([]types.HNSWNode, []types.HNSWEdge, types.HNSWMeta, error)
	DeleteHNSWNode(shardID string, nodeID uint64) (types.HNSWMeta, error)
	SaveHNSWMeta(shardID string, meta types.HNSWMeta) error
	ClearHNSW(shardID string) error

	// --- Quantizer state (spec.md §4.4, §6) ---

	SaveQuantizerState(shardID, codecName string, state []byte) error
	LoadQuantizerState(shardID string) (codecName string, state []byte, err error)
	ClearQuantizerState(shardID string) error

	// --- Changelog (spec.md §4.6) ---

	LatestChangeID(shardID string) (uint64, error)
	ReadChanges(shardID string, fromExclusive uint64) ([]types.ChangelogEntry, error)
	VersionVector(shardID string) (types.VersionVector, error)
	CompactBefore(shardID string, changeID uint64) error

	// --- Sync session persistence (spec.md §6, §9 Open Questions) ---

	SaveSession(session types.SyncSession) error
	LoadSession(sessionID string) (*types.SyncSession, error)

	Close() error
}
