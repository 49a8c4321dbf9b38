// Package sync implements cross-peer replication per spec.md §4.7-§4.10:
// the delta codec, the conflict resolver, the sync engine, and the shard
// coordinator that throttles sync tasks across many (shard, peer) pairs.
package sync

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"hash/crc32"
	"io"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/types"
)

// Compression is the closed set of delta wire compressions, per spec.md §4.7.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionPacked Compression = "packed"
)

// deltaWireVersion is bumped whenever the wire layout changes incompatibly.
// Decode rejects anything else with CorruptDelta rather than guessing.
const deltaWireVersion = 1

// Delta is a packaged batch of changelog entries ready for transport. It
// carries its own shard id, wire version, and integrity check so a receiver
// never has to trust the sender's framing.
type Delta struct {
	Version     uint8
	Shard       string
	Compression Compression
	Checksum    uint32
	Body        []byte
}

// Encode packages entries for shard into a Delta using the requested
// compression. The checksum is computed over the uncompressed payload, so
// Decode verifies it after decompression and the same check applies
// whichever compression was used.
func Encode(shard string, entries []types.ChangelogEntry, compression Compression) (*Delta, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, err)
	}
	checksum := crc32.ChecksumIEEE(payload)

	var body []byte
	switch compression {
	case CompressionNone:
		body = payload
	case CompressionPacked:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, apperr.Wrap(apperr.InvalidArgument, err)
		}
		if err := zw.Close(); err != nil {
			return nil, apperr.Wrap(apperr.InvalidArgument, err)
		}
		body = buf.Bytes()
	default:
		return nil, apperr.Newf(apperr.InvalidArgument, "unknown delta compression %q", compression)
	}

	return &Delta{
		Version:     deltaWireVersion,
		Shard:       shard,
		Compression: compression,
		Checksum:    checksum,
		Body:        body,
	}, nil
}

// Decode recovers the shard id and entries a Delta was built from. It
// refuses to return anything on integrity failure: there is no partial
// decode, per spec.md §4.7.
func (d *Delta) Decode() (string, []types.ChangelogEntry, error) {
	if d.Version != deltaWireVersion {
		return "", nil, apperr.Newf(apperr.CorruptDelta, "unsupported delta wire version %d", d.Version)
	}

	var payload []byte
	switch d.Compression {
	case CompressionNone:
		payload = d.Body
	case CompressionPacked:
		zr, err := gzip.NewReader(bytes.NewReader(d.Body))
		if err != nil {
			return "", nil, apperr.Wrap(apperr.CorruptDelta, err)
		}
		defer zr.Close()
		payload, err = io.ReadAll(zr)
		if err != nil {
			return "", nil, apperr.Wrap(apperr.CorruptDelta, err)
		}
	default:
		return "", nil, apperr.Newf(apperr.CorruptDelta, "unknown delta compression %q", d.Compression)
	}

	if crc32.ChecksumIEEE(payload) != d.Checksum {
		return "", nil, apperr.New(apperr.CorruptDelta, "delta checksum mismatch")
	}

	var entries []types.ChangelogEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return "", nil, apperr.Wrap(apperr.CorruptDelta, err)
	}
	return d.Shard, entries, nil
}

// Serialize flattens a Delta to bytes suitable for a SyncResponse/SyncPush
// payload.
func (d *Delta) Serialize() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, err)
	}
	return b, nil
}

// Deserialize reconstructs a Delta from bytes produced by Serialize. It
// only validates the envelope is well-formed JSON; Decode does the
// version/checksum check, so callers who only need to forward a delta
// (never inspecting its entries) can deserialize without paying for that
// check twice.
func Deserialize(b []byte) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, apperr.Wrap(apperr.CorruptDelta, err)
	}
	return &d, nil
}

// Batch splits entries into chunks of at most batchSize, preserving order.
// A non-positive batchSize is treated as "one chunk".
func Batch(entries []types.ChangelogEntry, batchSize int) [][]types.ChangelogEntry {
	if batchSize <= 0 || len(entries) <= batchSize {
		if len(entries) == 0 {
			return nil
		}
		return [][]types.ChangelogEntry{entries}
	}
	var out [][]types.ChangelogEntry
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		out = append(out, entries[start:end])
	}
	return out
}
