package query

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/core/pkg/hnsw"
	"github.com/agentmem/core/pkg/quantize"
	"github.com/agentmem/core/pkg/storage"
	"github.com/agentmem/core/pkg/types"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func newTestShard(t *testing.T, dim int) (storage.Engine, string) {
	t.Helper()
	engine, err := storage.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	require.NoError(t, engine.CreateShard("s1", uint32(dim)))
	return engine, "s1"
}

func TestSearchFullScanFindsExactMatch(t *testing.T) {
	store, shard := newTestShard(t, 4)
	vectors := randomVectors(50, 4, 1)
	for i, v := range vectors {
		_, err := store.Insert(shard, types.VectorRecord{ID: fmt.Sprintf("v%d", i), Embedding: v, Metadata: types.Metadata{"idx": float64(i)}}, "local")
		require.NoError(t, err)
	}

	eng := NewEngine(store)
	results, err := eng.Search(SearchRequest{Shard: shard, Embedding: vectors[10], K: 5, Metric: types.MetricEuclidean})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "v10", results[0].ID)
	require.InDelta(t, 0, results[0].Score, 1e-4)
}

func TestSearchDimensionMismatchError(t *testing.T) {
	store, shard := newTestShard(t, 4)
	eng := NewEngine(store)
	_, err := eng.Search(SearchRequest{Shard: shard, Embedding: []float32{1, 2}, K: 1, Metric: types.MetricEuclidean})
	require.Error(t, err)
}

func TestSearchInvalidMetricError(t *testing.T) {
	store, shard := newTestShard(t, 4)
	eng := NewEngine(store)
	_, err := eng.Search(SearchRequest{Shard: shard, Embedding: []float32{1, 2, 3, 4}, K: 1, Metric: types.Metric("nonsense")})
	require.Error(t, err)
}

func TestSearchKZeroReturnsEmpty(t *testing.T) {
	store, shard := newTestShard(t, 4)
	eng := NewEngine(store)
	results, err := eng.Search(SearchRequest{Shard: shard, Embedding: []float32{1, 2, 3, 4}, K: 0, Metric: types.MetricEuclidean})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearchWithMetadataFilter(t *testing.T) {
	store, shard := newTestShard(t, 2)
	for i := 0; i < 10; i++ {
		category := "tech"
		if i%2 == 0 {
			category = "sports"
		}
		_, err := store.Insert(shard, types.VectorRecord{
			ID:        fmt.Sprintf("v%d", i),
			Embedding: []float32{float32(i), float32(i)},
			Metadata:  types.Metadata{"category": category},
		}, "local")
		require.NoError(t, err)
	}

	eng := NewEngine(store)
	builder := New(shard, []float32{0, 0}).K(20).WithMetric(types.MetricEuclidean).Where("category", OpEq, "tech")
	results, err := builder.Run(eng)
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, "tech", r.Metadata["category"])
	}
	require.Len(t, results, 5)
}

func TestSearchPagination(t *testing.T) {
	store, shard := newTestShard(t, 1)
	for i := 0; i < 10; i++ {
		_, err := store.Insert(shard, types.VectorRecord{ID: fmt.Sprintf("v%d", i), Embedding: []float32{float32(i)}}, "local")
		require.NoError(t, err)
	}
	eng := NewEngine(store)
	page1, err := New(shard, []float32{0}).WithMetric(types.MetricEuclidean).Offset(0).Limit(3).Run(eng)
	require.NoError(t, err)
	page2, err := New(shard, []float32{0}).WithMetric(types.MetricEuclidean).Offset(3).Limit(3).Run(eng)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.Len(t, page2, 3)
	require.NotEqual(t, page1[0].ID, page2[0].ID)
}

func TestSearchThreshold(t *testing.T) {
	store, shard := newTestShard(t, 1)
	for i := 0; i < 10; i++ {
		_, err := store.Insert(shard, types.VectorRecord{ID: fmt.Sprintf("v%d", i), Embedding: []float32{float32(i)}}, "local")
		require.NoError(t, err)
	}
	eng := NewEngine(store)
	results, err := eng.Search(SearchRequest{Shard: shard, Embedding: []float32{0}, K: 10, Metric: types.MetricEuclidean, Threshold: 3, HasThreshold: true})
	require.NoError(t, err)
	for _, r := range results {
		require.LessOrEqual(t, r.Score, float32(3))
	}
}

func TestSearchUsesAttachedHNSWIndex(t *testing.T) {
	store, shard := newTestShard(t, 8)
	vectors := randomVectors(1200, 8, 2)
	for i, v := range vectors {
		_, err := store.Insert(shard, types.VectorRecord{ID: fmt.Sprintf("v%d", i), Embedding: v}, "local")
		require.NoError(t, err)
	}

	params := hnsw.Params{M: 8, M0: 16, EfConstruction: 64, EfSearch: 32, MaxLevelCap: 8, MinVectorsForIndex: 1000}
	graph := hnsw.NewGraph(8, params)
	for i, v := range vectors {
		require.NoError(t, graph.Insert(fmt.Sprintf("v%d", i), v))
	}
	require.NoError(t, graph.FlushToStorage(store, shard))

	eng := NewEngine(store)
	eng.AttachIndex(shard, graph)

	results, err := eng.Search(SearchRequest{Shard: shard, Embedding: vectors[500], K: 3, Metric: types.MetricEuclidean})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "v500", results[0].ID)
}

func TestSearchTwoStageWithBinaryQuantizer(t *testing.T) {
	store, shard := newTestShard(t, 16)
	vectors := randomVectors(200, 16, 3)
	for i, v := range vectors {
		_, err := store.Insert(shard, types.VectorRecord{ID: fmt.Sprintf("v%d", i), Embedding: v}, "local")
		require.NoError(t, err)
	}

	codec := quantize.NewBinaryCodec(false)
	require.NoError(t, codec.Train(vectors))

	eng := NewEngine(store)
	eng.AttachQuantizer(shard, types.QuantizerBinary, codec)

	results, err := New(shard, vectors[17]).K(5).WithMetric(types.MetricEuclidean).TwoStage(40).Run(eng)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "v17", results[0].ID)
}
