package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/types"
)

// encodeEmbedding serialises a float32 slice as contiguous little-endian
// 32-bit floats, per spec.md §6.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding. It verifies that the
// byte length is a multiple of 4 and, when dimension > 0, that it matches
// dimension*4, per spec.md §4.1 ("the storage engine verifies that length =
// D·4 on read").
func decodeEmbedding(buf []byte, dimension int) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, apperr.Newf(apperr.StorageFailure, "embedding byte length %d is not a multiple of 4", len(buf))
	}
	if dimension > 0 && len(buf) != dimension*4 {
		return nil, apperr.Newf(apperr.StorageFailure, "embedding byte length %d does not match dimension*4=%d", len(buf), dimension*4)
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func encodeMetadata(m types.Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (types.Metadata, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m types.Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err)
	}
	return m, nil
}

func encodeVersionVector(vv types.VersionVector) []byte {
	b, _ := json.Marshal(vv)
	return b
}

func decodeVersionVector(b []byte) types.VersionVector {
	if len(b) == 0 {
		return types.VersionVector{}
	}
	vv := types.VersionVector{}
	_ = json.Unmarshal(b, &vv)
	return vv
}

// changelogRecord is the on-disk shape of a changelog entry, matching
// spec.md §6's table layout.
type changelogRecord struct {
	ChangeID      uint64
	VectorID      string
	Op            types.ChangeOp
	Embedding     []byte
	Metadata      []byte
	SourceNode    string
	TimestampUs   int64
	VersionVector []byte
}

func encodeChangelogEntry(e types.ChangelogEntry) ([]byte, error) {
	rec := changelogRecord{
		ChangeID:      e.ChangeID,
		VectorID:      e.VectorID,
		Op:            e.Op,
		SourceNode:    e.SourceNode,
		TimestampUs:   e.TimestampUs,
		VersionVector: encodeVersionVector(e.VersionVector),
	}
	if e.Embedding != nil {
		rec.Embedding = encodeEmbedding(e.Embedding)
	}
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	rec.Metadata = meta
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err)
	}
	return b, nil
}

func decodeChangelogEntry(shardID string, b []byte) (types.ChangelogEntry, error) {
	var rec changelogRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.ChangelogEntry{}, apperr.Wrap(apperr.StorageFailure, err)
	}
	entry := types.ChangelogEntry{
		ChangeID:      rec.ChangeID,
		ShardID:       shardID,
		VectorID:      rec.VectorID,
		Op:            rec.Op,
		SourceNode:    rec.SourceNode,
		TimestampUs:   rec.TimestampUs,
		VersionVector: decodeVersionVector(rec.VersionVector),
	}
	if len(rec.Embedding) > 0 {
		emb, err := decodeEmbedding(rec.Embedding, 0)
		if err != nil {
			return types.ChangelogEntry{}, err
		}
		entry.Embedding = emb
	}
	meta, err := decodeMetadata(rec.Metadata)
	if err != nil {
		return types.ChangelogEntry{}, err
	}
	entry.Metadata = meta
	return entry, nil
}

func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func decodeUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func changeIDKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id) // big-endian so lexical bucket order == numeric order
	return buf
}

func nodeIDKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func edgeKey(from, to uint64, level int) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:], from)
	binary.BigEndian.PutUint64(buf[8:], to)
	binary.BigEndian.PutUint32(buf[16:], uint32(level))
	return buf
}

func shardBucketName(shardID string) []byte {
	return []byte(fmt.Sprintf("shard:%s", shardID))
}

// jsonMarshalWire/jsonUnmarshalWire are the generic JSON envelope used for
// HNSW nodes/edges/meta, quantizer state headers, and sync sessions — data
// shapes that change rarely enough that a hand-rolled binary layout isn't
// worth it, matching the teacher's json.Marshal-into-bucket convention.
func jsonMarshalWire(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err)
	}
	return b, nil
}

func jsonUnmarshalWire(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}
	return nil
}

// encodeOrder/decodeOrder persist the insertion-order id list backing Scan.
func encodeOrder(ids []string) []byte {
	b, _ := json.Marshal(ids)
	return b
}

func decodeOrder(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var ids []string
	_ = json.Unmarshal(b, &ids)
	return ids
}
