package query

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/core/pkg/quantize"
	"github.com/agentmem/core/pkg/types"
)

func TestBuilderOrderByMetadataPath(t *testing.T) {
	store, shard := newTestShard(t, 1)
	for i := 0; i < 5; i++ {
		_, err := store.Insert(shard, types.VectorRecord{
			ID:        fmt.Sprintf("v%d", i),
			Embedding: []float32{0},
			Metadata:  types.Metadata{"priority": float64(5 - i)},
		}, "local")
		require.NoError(t, err)
	}

	eng := NewEngine(store)
	results, err := New(shard, []float32{0}).K(10).WithMetric(types.MetricEuclidean).
		OrderByPath("priority", false).Run(eng)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		prev := results[i-1].Metadata["priority"].(float64)
		cur := results[i].Metadata["priority"].(float64)
		require.LessOrEqual(t, prev, cur)
	}
}

func TestBuilderApproximateScoring(t *testing.T) {
	store, shard := newTestShard(t, 8)
	vectors := randomVectors(50, 8, 9)
	for i, v := range vectors {
		_, err := store.Insert(shard, types.VectorRecord{ID: fmt.Sprintf("v%d", i), Embedding: v}, "local")
		require.NoError(t, err)
	}
	codec := quantize.NewScalarCodec(8)
	require.NoError(t, codec.Train(vectors))

	eng := NewEngine(store)
	eng.AttachQuantizer(shard, types.QuantizerScalar, codec)

	results, err := New(shard, vectors[3]).K(5).WithMetric(types.MetricEuclidean).Approximate().Run(eng)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "v3", results[0].ID)
}

func TestBuilderThresholdCosine(t *testing.T) {
	store, shard := newTestShard(t, 2)
	_, err := store.Insert(shard, types.VectorRecord{ID: "a", Embedding: []float32{1, 0}}, "local")
	require.NoError(t, err)
	_, err = store.Insert(shard, types.VectorRecord{ID: "b", Embedding: []float32{0, 1}}, "local")
	require.NoError(t, err)

	eng := NewEngine(store)
	results, err := New(shard, []float32{1, 0}).K(10).WithMetric(types.MetricCosine).Threshold(0.5).Run(eng)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
}
