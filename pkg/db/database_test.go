package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/core/pkg/config"
	"github.com/agentmem/core/pkg/query"
	"github.com/agentmem/core/pkg/sync/transport"
	"github.com/agentmem/core/pkg/types"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	cfg := config.Default()
	cfg.InMemory = true
	d, err := Open(cfg, "node-a", nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenInMemoryCreatesScratchDirAndCleansUpOnClose(t *testing.T) {
	cfg := config.Default()
	cfg.InMemory = true
	d, err := Open(cfg, "node-a", nil)
	require.NoError(t, err)
	require.NotEmpty(t, d.tempDir)
	require.NoError(t, d.Close())
}

func TestOpenRejectsEmptyPathWithoutInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.InMemory = false
	cfg.Path = ""
	_, err := Open(cfg, "node-a", nil)
	require.Error(t, err)
}

func TestInsertGetDelete(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.CreateShard("s", 3))

	id, err := d.Insert("s", types.VectorRecord{Embedding: []float32{1, 2, 3}, Metadata: types.Metadata{"k": "v"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := d.Get("s", id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "v", rec.Metadata["k"])

	removed, err := d.Delete("s", id)
	require.NoError(t, err)
	require.True(t, removed)

	rec, err = d.Get("s", id)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestSearchCachesAcrossIdenticalCalls(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.CreateShard("s", 2))
	_, err := d.Insert("s", types.VectorRecord{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = d.Insert("s", types.VectorRecord{Embedding: []float32{0, 1}})
	require.NoError(t, err)

	req := query.SearchRequest{Shard: "s", Embedding: []float32{1, 0}, K: 2, Metric: types.MetricCosine}
	first, err := d.Search(req)
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.Equal(t, 1, d.cache.Len())

	second, err := d.Search(req)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestInsertInvalidatesCache(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.CreateShard("s", 2))
	_, err := d.Insert("s", types.VectorRecord{Embedding: []float32{1, 0}})
	require.NoError(t, err)

	req := query.SearchRequest{Shard: "s", Embedding: []float32{1, 0}, K: 5, Metric: types.MetricCosine}
	_, err = d.Search(req)
	require.NoError(t, err)
	require.Equal(t, 1, d.cache.Len())

	_, err = d.Insert("s", types.VectorRecord{Embedding: []float32{0, 1}})
	require.NoError(t, err)
	require.Equal(t, 0, d.cache.Len())
}

func TestBuildIndexAttachesToQueryEngine(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.CreateShard("s", 2))
	for i := 0; i < 20; i++ {
		_, err := d.Insert("s", types.VectorRecord{Embedding: []float32{float32(i), float32(i)}})
		require.NoError(t, err)
	}

	require.NoError(t, d.BuildIndex("s"))

	stats, err := d.Stats("s")
	require.NoError(t, err)
	require.True(t, stats.IndexReady)
	require.Equal(t, 20, stats.Count)

	results, err := d.Search(query.SearchRequest{Shard: "s", Embedding: []float32{5, 5}, K: 3, Metric: types.MetricEuclidean})
	require.NoError(t, err)
	require.Len(t, results, 3)
}

func TestAutoBuildIndexOnceThresholdCrossed(t *testing.T) {
	cfg := config.Default()
	cfg.InMemory = true
	cfg.HNSW.AutoRebuild = true
	cfg.HNSW.MinVectorsForIndex = 5
	d, err := Open(cfg, "node-a", nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	require.NoError(t, d.CreateShard("s", 2))
	for i := 0; i < 4; i++ {
		_, err := d.Insert("s", types.VectorRecord{Embedding: []float32{float32(i), 0}})
		require.NoError(t, err)
	}
	stats, err := d.Stats("s")
	require.NoError(t, err)
	require.False(t, stats.IndexReady)

	_, err = d.Insert("s", types.VectorRecord{Embedding: []float32{9, 0}})
	require.NoError(t, err)

	stats, err = d.Stats("s")
	require.NoError(t, err)
	require.True(t, stats.IndexReady)
}

func TestTrainQuantizerAttachesCodec(t *testing.T) {
	cfg := config.Default()
	cfg.InMemory = true
	cfg.Quantizer.Kind = "scalar"
	cfg.Quantizer.Bits = 8
	d, err := Open(cfg, "node-a", nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	require.NoError(t, d.CreateShard("s", 2))
	sample := [][]float32{{0, 0}, {1, 1}, {2, 2}, {3, 3}}
	require.NoError(t, d.TrainQuantizer("s", sample))

	stats, err := d.Stats("s")
	require.NoError(t, err)
	require.True(t, stats.QuantizerReady)
}

func TestDropShardDetachesState(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.CreateShard("s", 2))
	_, err := d.Insert("s", types.VectorRecord{Embedding: []float32{1, 1}})
	require.NoError(t, err)

	require.NoError(t, d.DropShard("s"))

	d.mu.RLock()
	_, present := d.shards["s"]
	d.mu.RUnlock()
	require.False(t, present)
}

func TestSyncDisabledWithoutTransport(t *testing.T) {
	d := openTestDB(t)
	_, err := d.Sync(context.Background(), "s", "peer", false)
	require.ErrorIs(t, err, ErrSyncDisabled)
	require.ErrorIs(t, d.RegisterPeer("peer"), ErrSyncDisabled)
}

func TestEndToEndSyncBetweenTwoDatabases(t *testing.T) {
	bus := transport.NewBus()

	cfgA := config.Default()
	cfgA.InMemory = true
	a, err := Open(cfgA, "a", bus.Register("a"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	cfgB := config.Default()
	cfgB.InMemory = true
	b, err := Open(cfgB, "b", bus.Register("b"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, a.CreateShard("s", 2))
	require.NoError(t, b.CreateShard("s", 2))

	_, err = a.Insert("s", types.VectorRecord{Embedding: []float32{1, 2}})
	require.NoError(t, err)
	_, err = a.Insert("s", types.VectorRecord{Embedding: []float32{3, 4}})
	require.NoError(t, err)

	serveCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go a.Serve(serveCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := b.Sync(ctx, "s", "a", true)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	require.Equal(t, 2, result.ChangesApplied)

	stats, err := b.Stats("s")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Count)
}

func TestCoordinatorSweepThroughDatabase(t *testing.T) {
	bus := transport.NewBus()

	cfgA := config.Default()
	cfgA.InMemory = true
	a, err := Open(cfgA, "coord-a", bus.Register("coord-a"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	cfgB := config.Default()
	cfgB.InMemory = true
	b, err := Open(cfgB, "coord-b", bus.Register("coord-b"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, a.CreateShard("s", 2))
	require.NoError(t, b.CreateShard("s", 2))
	_, err = a.Insert("s", types.VectorRecord{Embedding: []float32{1, 1}})
	require.NoError(t, err)

	serveCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go a.Serve(serveCtx)

	require.NoError(t, b.RegisterPeer("coord-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.SyncAll(ctx))

	stats, err := b.SyncStats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalSyncs)
}
