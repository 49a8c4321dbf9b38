package storage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	bolt "go.etcd.io/bbolt"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/log"
	"github.com/agentmem/core/pkg/types"
)

// Sub-bucket names nested inside every per-shard top-level bucket.
var (
	subVectors   = []byte("vectors")
	subMeta      = []byte("meta")
	subHNSWNodes = []byte("hnsw_nodes")
	subHNSWEdges = []byte("hnsw_edges")
	subHNSWMeta  = []byte("hnsw_meta")
	subQuantizer = []byte("quantizer")
	subChangelog = []byte("changelog")
)

var bucketSyncSessions = []byte("sync_sessions")

const (
	metaKeyDimension = "dimension"
	metaKeyOrder     = "order" // ordered list of vector ids, for scan() insertion order
)

var hnswMetaKey = []byte("meta")
var quantizerKindKey = []byte("kind")
var quantizerStateKey = []byte("state")

// BoltEngine implements Engine on top of a single go.etcd.io/bbolt database
// file, one top-level bucket per shard plus a shared sync-session bucket,
// the same bucket-per-entity shape the teacher's BoltStore uses for cluster
// state.
type BoltEngine struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at dataDir/agentmem.db.
func OpenBolt(dataDir string) (*BoltEngine, error) {
	path := filepath.Join(dataDir, "agentmem.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.Wrapf(apperr.StorageFailure, err, "open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSyncSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.StorageFailure, err)
	}
	return &BoltEngine{db: db}, nil
}

func (e *BoltEngine) Close() error {
	return e.db.Close()
}

func (e *BoltEngine) CreateShard(shardID string, dimension uint32) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := tx.CreateBucketIfNotExists(shardBucketName(shardID))
		if err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		for _, name := range [][]byte{subVectors, subMeta, subHNSWNodes, subHNSWEdges, subHNSWMeta, subQuantizer, subChangelog} {
			if _, err := shard.CreateBucketIfNotExists(name); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
		}
		meta := shard.Bucket(subMeta)
		if meta.Get([]byte(metaKeyDimension)) == nil {
			if err := meta.Put([]byte(metaKeyDimension), encodeUint32(dimension)); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
		}
		return nil
	})
}

func (e *BoltEngine) DropShard(shardID string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		name := shardBucketName(shardID)
		if tx.Bucket(name) == nil {
			return nil
		}
		if err := tx.DeleteBucket(name); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		return nil
	})
}

func (e *BoltEngine) ShardExists(shardID string) (bool, error) {
	exists := false
	err := e.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(shardBucketName(shardID)) != nil
		return nil
	})
	return exists, err
}

func (e *BoltEngine) Dimension(shardID string) (uint32, error) {
	var dim uint32
	err := e.db.View(func(tx *bolt.Tx) error {
		shard := tx.Bucket(shardBucketName(shardID))
		if shard == nil {
			return apperr.Newf(apperr.NotFound, "shard %s not found", shardID)
		}
		dim = decodeUint32(shard.Bucket(subMeta).Get([]byte(metaKeyDimension)))
		return nil
	})
	return dim, err
}

func shardBucket(tx *bolt.Tx, shardID string) (*bolt.Bucket, error) {
	b := tx.Bucket(shardBucketName(shardID))
	if b == nil {
		return nil, apperr.Newf(apperr.NotFound, "shard %s not found", shardID)
	}
	return b, nil
}

// appendOrderEntry maintains the insertion-order key list used by Scan, a
// JSON array stored under the meta bucket since bbolt has no native
// "iterate in insertion order" primitive for a keyspace keyed by record id.
func appendOrderEntry(meta *bolt.Bucket, id string) error {
	order := decodeOrder(meta.Get([]byte(metaKeyOrder)))
	for _, existing := range order {
		if existing == id {
			return nil
		}
	}
	order = append(order, id)
	return meta.Put([]byte(metaKeyOrder), encodeOrder(order))
}

func removeOrderEntry(meta *bolt.Bucket, id string) error {
	order := decodeOrder(meta.Get([]byte(metaKeyOrder)))
	out := order[:0]
	for _, existing := range order {
		if existing != id {
			out = append(out, existing)
		}
	}
	return meta.Put([]byte(metaKeyOrder), encodeOrder(out))
}

func (e *BoltEngine) Insert(shardID string, rec types.VectorRecord, sourceNode string) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		vectors := shard.Bucket(subVectors)
		if vectors.Get([]byte(rec.ID)) != nil {
			return apperr.Newf(apperr.DuplicateID, "vector id %s already exists in shard %s", rec.ID, shardID)
		}
		if err := putVector(vectors, rec); err != nil {
			return err
		}
		if err := appendOrderEntry(shard.Bucket(subMeta), rec.ID); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		return appendChangelogLocked(shard, types.ChangelogEntry{
			VectorID:    rec.ID,
			Op:          types.ChangeInsert,
			Embedding:   rec.Embedding,
			Metadata:    rec.Metadata,
			SourceNode:  sourceNode,
			TimestampUs: rec.Timestamp,
		})
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// InsertBatch assigns ids up front and fans the embedding/metadata
// marshaling for the whole batch out across an errgroup before opening the
// write transaction: bbolt only allows one writer at a time, so the
// encoding work — not the Put calls — is where a large batch actually
// benefits from concurrency.
func (e *BoltEngine) InsertBatch(shardID string, recs []types.VectorRecord, sourceNode string) ([]string, error) {
	ids := make([]string, len(recs))
	wire := make([][]byte, len(recs))

	g, _ := errgroup.WithContext(context.Background())
	for i := range recs {
		i := i
		if recs[i].ID == "" {
			recs[i].ID = uuid.NewString()
		}
		ids[i] = recs[i].ID
		g.Go(func() error {
			b, err := encodeVectorWire(recs[i])
			if err != nil {
				return err
			}
			wire[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	err := e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		vectors := shard.Bucket(subVectors)
		meta := shard.Bucket(subMeta)
		for i, rec := range recs {
			if vectors.Get([]byte(rec.ID)) != nil {
				return apperr.Newf(apperr.DuplicateID, "vector id %s already exists in shard %s", rec.ID, shardID)
			}
			if err := vectors.Put([]byte(rec.ID), wire[i]); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
			if err := appendOrderEntry(meta, rec.ID); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
			if err := appendChangelogLocked(shard, types.ChangelogEntry{
				VectorID:    rec.ID,
				Op:          types.ChangeInsert,
				Embedding:   rec.Embedding,
				Metadata:    rec.Metadata,
				SourceNode:  sourceNode,
				TimestampUs: rec.Timestamp,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (e *BoltEngine) Update(shardID, id string, embedding []float32, metadata types.Metadata, sourceNode string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		vectors := shard.Bucket(subVectors)
		existing, err := getVector(vectors, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return apperr.Newf(apperr.NotFound, "vector id %s not found in shard %s", id, shardID)
		}
		if embedding != nil {
			existing.Embedding = embedding
		}
		if metadata != nil {
			existing.Metadata = metadata
		}
		if err := putVector(vectors, *existing); err != nil {
			return err
		}
		return appendChangelogLocked(shard, types.ChangelogEntry{
			VectorID:    id,
			Op:          types.ChangeUpdate,
			Embedding:   existing.Embedding,
			Metadata:    existing.Metadata,
			SourceNode:  sourceNode,
			TimestampUs: existing.Timestamp,
		})
	})
}

func (e *BoltEngine) Delete(shardID, id string, sourceNode string) (bool, error) {
	found := false
	err := e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		vectors := shard.Bucket(subVectors)
		if vectors.Get([]byte(id)) == nil {
			return nil
		}
		found = true
		if err := vectors.Delete([]byte(id)); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		if err := removeOrderEntry(shard.Bucket(subMeta), id); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		return appendChangelogLocked(shard, types.ChangelogEntry{
			VectorID:   id,
			Op:         types.ChangeDelete,
			SourceNode: sourceNode,
		})
	})
	return found, err
}

func (e *BoltEngine) Get(shardID, id string) (*types.VectorRecord, error) {
	var rec *types.VectorRecord
	err := e.db.View(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		rec, err = getVector(shard.Bucket(subVectors), id)
		return err
	})
	return rec, err
}

func (e *BoltEngine) ApplyChange(shardID string, entry types.ChangelogEntry) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		vectors := shard.Bucket(subVectors)
		meta := shard.Bucket(subMeta)
		switch entry.Op {
		case types.ChangeInsert, types.ChangeUpdate:
			rec := types.VectorRecord{ID: entry.VectorID, Embedding: entry.Embedding, Metadata: entry.Metadata, Timestamp: entry.TimestampUs}
			if err := putVector(vectors, rec); err != nil {
				return err
			}
			if err := appendOrderEntry(meta, entry.VectorID); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
		case types.ChangeDelete:
			if err := vectors.Delete([]byte(entry.VectorID)); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
			if err := removeOrderEntry(meta, entry.VectorID); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
		}
		return appendChangelogEntryVerbatim(shard, entry)
	})
}

func (e *BoltEngine) Scan(shardID string) (Iterator, error) {
	var ids []string
	err := e.db.View(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		ids = decodeOrder(shard.Bucket(subMeta).Get([]byte(metaKeyOrder)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltIterator{engine: e, shardID: shardID, ids: ids, pos: -1}, nil
}

type boltIterator struct {
	engine  *BoltEngine
	shardID string
	ids     []string
	pos     int
	cur     types.VectorRecord
	err     error
}

func (it *boltIterator) Next() bool {
	for {
		it.pos++
		if it.pos >= len(it.ids) {
			return false
		}
		rec, err := it.engine.Get(it.shardID, it.ids[it.pos])
		if err != nil {
			it.err = err
			return false
		}
		if rec == nil {
			continue // deleted between order-list snapshot and fetch
		}
		it.cur = *rec
		return true
	}
}

func (it *boltIterator) Record() types.VectorRecord { return it.cur }
func (it *boltIterator) Err() error                 { return it.err }
func (it *boltIterator) Close() error               { return nil }

func (e *BoltEngine) Stats(shardID string) (types.ShardStats, error) {
	var stats types.ShardStats
	err := e.db.View(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		vectors := shard.Bucket(subVectors)
		count := 0
		var bytes int64
		_ = vectors.ForEach(func(k, v []byte) error {
			count++
			bytes += int64(len(k) + len(v))
			return nil
		})
		stats.Count = count
		stats.Bytes = bytes
		stats.Dimension = int(decodeUint32(shard.Bucket(subMeta).Get([]byte(metaKeyDimension))))
		stats.IndexReady = shard.Bucket(subHNSWMeta).Get(hnswMetaKey) != nil
		stats.QuantizerReady = shard.Bucket(subQuantizer).Get(quantizerKindKey) != nil
		return nil
	})
	return stats, err
}

type vectorWire struct {
	Embedding []byte
	Metadata  []byte
	Timestamp int64
}

func encodeVectorWire(rec types.VectorRecord) ([]byte, error) {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	return jsonMarshalWire(vectorWire{Embedding: encodeEmbedding(rec.Embedding), Metadata: meta, Timestamp: rec.Timestamp})
}

func putVector(vectors *bolt.Bucket, rec types.VectorRecord) error {
	b, err := encodeVectorWire(rec)
	if err != nil {
		return err
	}
	if err := vectors.Put([]byte(rec.ID), b); err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}
	return nil
}

func getVector(vectors *bolt.Bucket, id string) (*types.VectorRecord, error) {
	raw := vectors.Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var wire vectorWire
	if err := jsonUnmarshalWire(raw, &wire); err != nil {
		return nil, err
	}
	emb, err := decodeEmbedding(wire.Embedding, 0)
	if err != nil {
		return nil, err
	}
	metadata, err := decodeMetadata(wire.Metadata)
	if err != nil {
		return nil, err
	}
	return &types.VectorRecord{ID: id, Embedding: emb, Metadata: metadata, Timestamp: wire.Timestamp}, nil
}

// --- HNSW persistence ---

func (e *BoltEngine) FlushHNSW(shardID string, nodes []types.HNSWNode, edges []types.HNSWEdge, meta types.HNSWMeta) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		nodesB := shard.Bucket(subHNSWNodes)
		edgesB := shard.Bucket(subHNSWEdges)
		if err := clearBucket(nodesB); err != nil {
			return err
		}
		if err := clearBucket(edgesB); err != nil {
			return err
		}
		for _, n := range nodes {
			b, err := jsonMarshalWire(n)
			if err != nil {
				return err
			}
			if err := nodesB.Put(nodeIDKey(n.NodeID), b); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
		}
		for _, ed := range edges {
			b, err := jsonMarshalWire(ed)
			if err != nil {
				return err
			}
			if err := edgesB.Put(edgeKey(ed.From, ed.To, ed.Level), b); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
		}
		return putHNSWMeta(shard.Bucket(subHNSWMeta), meta)
	})
}

func (e *BoltEngine) LoadHNSW(shardID string) ([]types.HNSWNode, []types.HNSWEdge, types.HNSWMeta, error) {
	var nodes []types.HNSWNode
	var edges []types.HNSWEdge
	var meta types.HNSWMeta
	err := e.db.View(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		if err := shard.Bucket(subHNSWNodes).ForEach(func(k, v []byte) error {
			var n types.HNSWNode
			if err := jsonUnmarshalWire(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		}); err != nil {
			return err
		}
		if err := shard.Bucket(subHNSWEdges).ForEach(func(k, v []byte) error {
			var ed types.HNSWEdge
			if err := jsonUnmarshalWire(v, &ed); err != nil {
				return err
			}
			edges = append(edges, ed)
			return nil
		}); err != nil {
			return err
		}
		meta = getHNSWMeta(shard.Bucket(subHNSWMeta))
		return nil
	})
	return nodes, edges, meta, err
}

func (e *BoltEngine) DeleteHNSWNode(shardID string, nodeID uint64) (types.HNSWMeta, error) {
	var meta types.HNSWMeta
	err := e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		if err := shard.Bucket(subHNSWNodes).Delete(nodeIDKey(nodeID)); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		edges := shard.Bucket(subHNSWEdges)
		c := edges.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ed types.HNSWEdge
			if err := jsonUnmarshalWire(v, &ed); err != nil {
				return err
			}
			if ed.From == nodeID || ed.To == nodeID {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := edges.Delete(k); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
		}
		meta = getHNSWMeta(shard.Bucket(subHNSWMeta))
		return nil
	})
	return meta, err
}

func (e *BoltEngine) SaveHNSWMeta(shardID string, meta types.HNSWMeta) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		return putHNSWMeta(shard.Bucket(subHNSWMeta), meta)
	})
}

func (e *BoltEngine) ClearHNSW(shardID string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		if err := clearBucket(shard.Bucket(subHNSWNodes)); err != nil {
			return err
		}
		if err := clearBucket(shard.Bucket(subHNSWEdges)); err != nil {
			return err
		}
		return shard.Bucket(subHNSWMeta).Delete(hnswMetaKey)
	})
}

func putHNSWMeta(b *bolt.Bucket, meta types.HNSWMeta) error {
	buf, err := jsonMarshalWire(meta)
	if err != nil {
		return err
	}
	if err := b.Put(hnswMetaKey, buf); err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}
	return nil
}

func getHNSWMeta(b *bolt.Bucket) types.HNSWMeta {
	var meta types.HNSWMeta
	raw := b.Get(hnswMetaKey)
	if raw == nil {
		return meta
	}
	_ = jsonUnmarshalWire(raw, &meta)
	return meta
}

// --- Quantizer state ---

func (e *BoltEngine) SaveQuantizerState(shardID, codecName string, state []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		q := shard.Bucket(subQuantizer)
		if err := q.Put(quantizerKindKey, []byte(codecName)); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		if err := q.Put(quantizerStateKey, state); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		return nil
	})
}

func (e *BoltEngine) LoadQuantizerState(shardID string) (string, []byte, error) {
	var kind string
	var state []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		q := shard.Bucket(subQuantizer)
		kind = string(q.Get(quantizerKindKey))
		state = append([]byte(nil), q.Get(quantizerStateKey)...)
		return nil
	})
	return kind, state, err
}

func (e *BoltEngine) ClearQuantizerState(shardID string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		q := shard.Bucket(subQuantizer)
		if err := q.Delete(quantizerKindKey); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		return q.Delete(quantizerStateKey)
	})
}

// --- Changelog ---

func appendChangelogLocked(shard *bolt.Bucket, entry types.ChangelogEntry) error {
	changelog := shard.Bucket(subChangelog)
	next, err := changelog.NextSequence()
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}
	entry.ChangeID = next
	return appendChangelogEntryVerbatim(shard, entry)
}

func appendChangelogEntryVerbatim(shard *bolt.Bucket, entry types.ChangelogEntry) error {
	changelog := shard.Bucket(subChangelog)
	if entry.VersionVector == nil {
		entry.VersionVector = types.VersionVector{entry.SourceNode: entry.ChangeID}
	}
	b, err := encodeChangelogEntry(entry)
	if err != nil {
		return err
	}
	if err := changelog.Put(changeIDKey(entry.ChangeID), b); err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}
	return nil
}

func (e *BoltEngine) LatestChangeID(shardID string) (uint64, error) {
	var latest uint64
	err := e.db.View(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		c := shard.Bucket(subChangelog).Cursor()
		k, _ := c.Last()
		if k != nil {
			latest = decodeChangeIDKey(k)
		}
		return nil
	})
	return latest, err
}

func (e *BoltEngine) ReadChanges(shardID string, fromExclusive uint64) ([]types.ChangelogEntry, error) {
	var entries []types.ChangelogEntry
	err := e.db.View(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		c := shard.Bucket(subChangelog).Cursor()
		start := changeIDKey(fromExclusive + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			entry, err := decodeChangelogEntry(shardID, v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (e *BoltEngine) VersionVector(shardID string) (types.VersionVector, error) {
	vv := types.VersionVector{}
	err := e.db.View(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		return shard.Bucket(subChangelog).ForEach(func(k, v []byte) error {
			entry, err := decodeChangelogEntry(shardID, v)
			if err != nil {
				return err
			}
			if entry.ChangeID > vv[entry.SourceNode] {
				vv[entry.SourceNode] = entry.ChangeID
			}
			return nil
		})
	})
	return vv, err
}

// CompactBefore drops changelog entries with change id < changeID. It is an
// opt-in operation (spec.md §9 Open Questions): nothing calls it
// automatically, since a naive compaction can break a lagging peer's
// ability to resume from its last known change id.
func (e *BoltEngine) CompactBefore(shardID string, changeID uint64) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		shard, err := shardBucket(tx, shardID)
		if err != nil {
			return err
		}
		changelog := shard.Bucket(subChangelog)
		c := changelog.Cursor()
		var stale [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if decodeChangeIDKey(k) >= changeID {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := changelog.Delete(k); err != nil {
				return apperr.Wrap(apperr.StorageFailure, err)
			}
		}
		log.WithComponent("storage").Info().Str("shard", shardID).Int("removed", len(stale)).Msg("changelog compacted")
		return nil
	})
}

// --- Sync sessions ---

func (e *BoltEngine) SaveSession(session types.SyncSession) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncSessions)
		buf, err := jsonMarshalWire(session)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(session.SessionID), buf); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
		return nil
	})
}

func (e *BoltEngine) LoadSession(sessionID string) (*types.SyncSession, error) {
	var session *types.SyncSession
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncSessions)
		raw := b.Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		var s types.SyncSession
		if err := jsonUnmarshalWire(raw, &s); err != nil {
			return err
		}
		session = &s
		return nil
	})
	return session, err
}

func clearBucket(b *bolt.Bucket) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
	}
	return nil
}

func decodeChangeIDKey(k []byte) uint64 {
	var id uint64
	for _, b := range k {
		id = id<<8 | uint64(b)
	}
	return id
}
