// Package changelog exposes a shard's mutation history as a replayable
// sequence, per spec.md §4.6. It is a thin read-only view over
// storage.Engine's already-durable changelog — the storage engine owns
// writing changelog entries, this package owns the reader-facing contract
// a sync engine actually pulls from.
package changelog

import (
	"github.com/agentmem/core/pkg/storage"
	"github.com/agentmem/core/pkg/types"
)

// Reader exposes the replay contract spec.md §4.6 requires.
type Reader struct {
	store storage.Engine
}

// NewReader wraps store.
func NewReader(store storage.Engine) *Reader {
	return &Reader{store: store}
}

// LatestChangeID returns the highest change id ever appended for shard.
func (r *Reader) LatestChangeID(shard string) (uint64, error) {
	return r.store.LatestChangeID(shard)
}

// ReadChanges returns every change appended after fromExclusive, ordered
// by change id. The sequence is stable for a given (shard, fromExclusive)
// unless new changes are appended concurrently — those only appear in a
// subsequent call.
func (r *Reader) ReadChanges(shard string, fromExclusive uint64) ([]types.ChangelogEntry, error) {
	return r.store.ReadChanges(shard, fromExclusive)
}

// VersionVector returns the shard's current per-node change-id watermark.
func (r *Reader) VersionVector(shard string) (types.VersionVector, error) {
	return r.store.VersionVector(shard)
}
