package hnsw

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

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

func testParams() Params {
	return Params{M: 8, M0: 16, EfConstruction: 64, EfSearch: 32, MaxLevelCap: 8, MinVectorsForIndex: 1000}
}

func TestInsertAndSearchFindsSelf(t *testing.T) {
	g := NewGraph(8, testParams())
	vectors := randomVectors(200, 8, 1)
	for i, v := range vectors {
		require.NoError(t, g.Insert(fmt.Sprintf("v%d", i), v))
	}

	results, err := g.Search(vectors[42], 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "v42", results[0].VectorID)
	require.InDelta(t, 0, results[0].Distance, 1e-4)
}

func TestSearchResultsAreSortedAscending(t *testing.T) {
	g := NewGraph(4, testParams())
	vectors := randomVectors(100, 4, 2)
	for i, v := range vectors {
		require.NoError(t, g.Insert(fmt.Sprintf("v%d", i), v))
	}
	results, err := g.Search(vectors[0], 10)
	require.NoError(t, err)
	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	g := NewGraph(4, testParams())
	require.NoError(t, g.Insert("a", []float32{1, 2, 3, 4}))
	_, err := g.Search([]float32{1, 2}, 1)
	require.Error(t, err)
}

func TestSearchEmptyGraph(t *testing.T) {
	g := NewGraph(4, testParams())
	results, err := g.Search([]float32{1, 2, 3, 4}, 5)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRecallAt10AgainstBruteForce(t *testing.T) {
	g := NewGraph(16, testParams())
	vectors := randomVectors(500, 16, 3)
	for i, v := range vectors {
		require.NoError(t, g.Insert(fmt.Sprintf("v%d", i), v))
	}

	queries := randomVectors(20, 16, 4)
	var hits, total int
	for _, q := range queries {
		exact := bruteForceTopK(vectors, q, 10)
		approx, err := g.Search(q, 10)
		require.NoError(t, err)

		exactIDs := make(map[int]bool, len(exact))
		for _, idx := range exact {
			exactIDs[idx] = true
		}
		for _, r := range approx {
			var idx int
			fmt.Sscanf(r.VectorID, "v%d", &idx)
			if exactIDs[idx] {
				hits++
			}
		}
		total += len(exact)
	}
	recall := float64(hits) / float64(total)
	require.Greater(t, recall, 0.5, "recall@10 should be reasonably high on a random dataset")
}

func bruteForceTopK(vectors [][]float32, query []float32, k int) []int {
	type scored struct {
		idx  int
		dist float32
	}
	scoredAll := make([]scored, len(vectors))
	for i, v := range vectors {
		var sum float32
		for d := range v {
			diff := v[d] - query[d]
			sum += diff * diff
		}
		scoredAll[i] = scored{idx: i, dist: sum}
	}
	for i := 0; i < len(scoredAll); i++ {
		for j := i + 1; j < len(scoredAll); j++ {
			if scoredAll[j].dist < scoredAll[i].dist {
				scoredAll[i], scoredAll[j] = scoredAll[j], scoredAll[i]
			}
		}
	}
	if k > len(scoredAll) {
		k = len(scoredAll)
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = scoredAll[i].idx
	}
	return out
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	engine, err := storage.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	require.NoError(t, engine.CreateShard("s1", 8))

	g := NewGraph(8, testParams())
	vectors := randomVectors(50, 8, 5)
	for i, v := range vectors {
		require.NoError(t, g.Insert(fmt.Sprintf("v%d", i), v))
	}
	require.NoError(t, g.FlushToStorage(engine, "s1"))
	require.Equal(t, types.HNSWPersisted, g.State())

	loaded, err := LoadFromStorage(8, testParams(), engine, "s1")
	require.NoError(t, err)
	require.Equal(t, types.HNSWReady, loaded.State())
	require.Equal(t, g.Len(), loaded.Len())

	results, err := loaded.Search(vectors[7], 3)
	require.NoError(t, err)
	require.Equal(t, "v7", results[0].VectorID)
}

func TestBuildOptimizedFromStorage(t *testing.T) {
	engine, err := storage.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	require.NoError(t, engine.CreateShard("s1", 4))

	vectors := randomVectors(30, 4, 6)
	ids := make([]string, len(vectors))
	for i, v := range vectors {
		id, err := engine.Insert("s1", types.VectorRecord{Embedding: v}, "local")
		require.NoError(t, err)
		ids[i] = id
	}

	iter, err := engine.Scan("s1")
	require.NoError(t, err)
	g, err := BuildOptimized(4, testParams(), engine, "s1", iter)
	require.NoError(t, err)
	require.Equal(t, types.HNSWPersisted, g.State())
	require.Equal(t, len(vectors), g.Len())
}

func TestDeleteRemovesNodeAndPromotesEntryPoint(t *testing.T) {
	engine, err := storage.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	require.NoError(t, engine.CreateShard("s1", 4))

	g := NewGraph(4, testParams())
	vectors := randomVectors(20, 4, 7)
	for i, v := range vectors {
		require.NoError(t, g.Insert(fmt.Sprintf("v%d", i), v))
	}
	require.NoError(t, g.FlushToStorage(engine, "s1"))

	entry := g.entryPoint
	entryVectorID := g.nodes[entry].vectorID
	require.NoError(t, g.Delete(entryVectorID, engine, "s1"))
	require.Equal(t, g.Len(), len(vectors)-1)
	require.NotEqual(t, entry, g.entryPoint)

	_, _, meta, err := engine.LoadHNSW("s1")
	require.NoError(t, err)
	require.NotEqual(t, entry, meta.EntryPoint)
}

func TestDeleteUnknownVector(t *testing.T) {
	engine, err := storage.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	require.NoError(t, engine.CreateShard("s1", 4))

	g := NewGraph(4, testParams())
	err = g.Delete("missing", engine, "s1")
	require.Error(t, err)
}
