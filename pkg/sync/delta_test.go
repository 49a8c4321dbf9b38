package sync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/types"
)

func sampleEntries() []types.ChangelogEntry {
	return []types.ChangelogEntry{
		{ChangeID: 1, ShardID: "s1", VectorID: "v1", Op: types.ChangeInsert, Embedding: []float32{1, 2, 3}, SourceNode: "n1", TimestampUs: 10, VersionVector: types.VersionVector{"n1": 1}},
		{ChangeID: 2, ShardID: "s1", VectorID: "v2", Op: types.ChangeUpdate, Embedding: []float32{4, 5, 6}, SourceNode: "n1", TimestampUs: 11, VersionVector: types.VersionVector{"n1": 2}},
	}
}

func TestEncodeDecodeRoundTripNone(t *testing.T) {
	entries := sampleEntries()
	d, err := Encode("s1", entries, CompressionNone)
	require.NoError(t, err)

	shard, got, err := d.Decode()
	require.NoError(t, err)
	require.Equal(t, "s1", shard)
	require.Equal(t, entries, got)
}

func TestEncodeDecodeRoundTripPacked(t *testing.T) {
	entries := sampleEntries()
	d, err := Encode("s1", entries, CompressionPacked)
	require.NoError(t, err)

	shard, got, err := d.Decode()
	require.NoError(t, err)
	require.Equal(t, "s1", shard)
	require.Equal(t, entries, got)
}

func TestSerializeDeserializeIsIdentity(t *testing.T) {
	d, err := Encode("s1", sampleEntries(), CompressionPacked)
	require.NoError(t, err)

	b, err := d.Serialize()
	require.NoError(t, err)

	back, err := Deserialize(b)
	require.NoError(t, err)

	shard, entries, err := back.Decode()
	require.NoError(t, err)
	require.Equal(t, "s1", shard)
	require.Equal(t, sampleEntries(), entries)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	d, err := Encode("s1", sampleEntries(), CompressionNone)
	require.NoError(t, err)
	d.Version = 99

	_, _, err = d.Decode()
	require.True(t, apperr.Is(err, apperr.CorruptDelta))
}

func TestDecodeRejectsCorruptChecksum(t *testing.T) {
	d, err := Encode("s1", sampleEntries(), CompressionNone)
	require.NoError(t, err)
	d.Checksum++

	_, _, err = d.Decode()
	require.True(t, apperr.Is(err, apperr.CorruptDelta))
}

func TestBatchSplitsIntoChunks(t *testing.T) {
	entries := make([]types.ChangelogEntry, 7)
	for i := range entries {
		entries[i] = types.ChangelogEntry{ChangeID: uint64(i + 1)}
	}

	chunks := Batch(entries, 3)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 3)
	require.Len(t, chunks[1], 3)
	require.Len(t, chunks[2], 1)
}

func TestBatchEmptyInput(t *testing.T) {
	require.Nil(t, Batch(nil, 10))
}
