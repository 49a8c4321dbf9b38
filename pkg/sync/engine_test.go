package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/core/pkg/storage"
	"github.com/agentmem/core/pkg/sync/transport"
	"github.com/agentmem/core/pkg/types"
)

func newNode(t *testing.T, bus *transport.Bus, nodeID string, strategy types.ConflictStrategy) (*Engine, storage.Engine) {
	t.Helper()
	store, err := storage.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tr := bus.Register(nodeID)
	eng, err := NewEngine(store, tr, Config{
		NodeID:           nodeID,
		Strategy:         strategy,
		BatchSize:        50,
		Compression:      CompressionNone,
		RequestTimeoutMs: 2000,
	})
	require.NoError(t, err)
	return eng, store
}

// TestSyncReplay is scenario 6 from spec.md §8, driven from N2's side: N1
// has three inserts on a shard N2 has never seen; one forced sync brings N2
// fully up to date (N2's own changelog is empty, so an unforced sync would
// stop at step 1), and the immediate unforced second sync is a no-op.
func TestSyncReplay(t *testing.T) {
	bus := transport.NewBus()
	n1, store1 := newNode(t, bus, "n1", types.StrategyLastWriteWins)
	n2, store2 := newNode(t, bus, "n2", types.StrategyLastWriteWins)

	require.NoError(t, store1.CreateShard("s", 3))
	require.NoError(t, store2.CreateShard("s", 3))

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store1.Insert("s", types.VectorRecord{Embedding: []float32{1, 2, 3}}, "n1")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	go n1.Serve(serveCtx)

	result := n2.Sync(ctx, "s", "n1", true)
	require.True(t, result.Success, result.Error)
	require.Equal(t, 3, result.ChangesApplied)

	stats, err := store2.Stats("s")
	require.NoError(t, err)
	require.Equal(t, 3, stats.Count)

	for _, id := range ids {
		rec, err := store2.Get("s", id)
		require.NoError(t, err)
		require.NotNil(t, rec)
	}

	again := n2.Sync(ctx, "s", "n1", false)
	require.True(t, again.Success)
	require.Equal(t, 0, again.ChangesApplied)
}

func TestSyncNoOpWhenUnchanged(t *testing.T) {
	bus := transport.NewBus()
	n1, store1 := newNode(t, bus, "n1", types.StrategyLastWriteWins)
	n2, store2 := newNode(t, bus, "n2", types.StrategyLastWriteWins)
	require.NoError(t, store1.CreateShard("s", 2))
	require.NoError(t, store2.CreateShard("s", 2))

	serveCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go n1.Serve(serveCtx)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := n2.Sync(ctx, "s", "n1", false)
	require.True(t, result.Success)
	require.Equal(t, 0, result.ChangesApplied)
}

func TestSyncPersistsSessionWatermark(t *testing.T) {
	bus := transport.NewBus()
	store1, err := storage.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store1.Close() })
	require.NoError(t, store1.CreateShard("s", 2))
	_, err = store1.Insert("s", types.VectorRecord{Embedding: []float32{1, 2}}, "n1")
	require.NoError(t, err)

	store2, err := storage.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	require.NoError(t, store2.CreateShard("s", 2))

	n1Serving, err := NewEngine(store1, bus.Register("n1"), Config{NodeID: "n1", Strategy: types.StrategyLastWriteWins, RequestTimeoutMs: 2000})
	require.NoError(t, err)

	n2, err := NewEngine(store2, bus.Register("n2"), Config{NodeID: "n2", Strategy: types.StrategyLastWriteWins, PersistSession: true, RequestTimeoutMs: 2000})
	require.NoError(t, err)

	serveCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go n1Serving.Serve(serveCtx)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Forced: n2's own changelog is empty, so an unforced sync would stop at
	// step 1 before the watermark is updated and saved.
	result := n2.Sync(ctx, "s", "n1", true)
	require.True(t, result.Success, result.Error)

	loaded, err := store2.LoadSession("n2")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, uint64(1), loaded.LastChangeIDs["s"])
}
