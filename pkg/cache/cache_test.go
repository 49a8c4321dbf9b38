package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/core/pkg/query"
	"github.com/agentmem/core/pkg/types"
)

func TestPutGetHit(t *testing.T) {
	c := New(10, time.Minute)
	key := Fingerprint("s1", []float32{1, 2, 3}, 5, types.MetricEuclidean, 0, false, nil)
	c.Put(key, "s1", []query.Result{{ID: "a", Score: 0.1}})

	results, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
}

func TestGetMiss(t *testing.T) {
	c := New(10, time.Minute)
	_, ok := c.Get("missing")
	require.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, time.Millisecond)
	key := Fingerprint("s1", []float32{1}, 1, types.MetricEuclidean, 0, false, nil)
	c.Put(key, "s1", []query.Result{{ID: "a"}})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c := New(2, time.Minute)
	c.Put("k1", "s1", []query.Result{{ID: "1"}})
	c.Put("k2", "s1", []query.Result{{ID: "2"}})
	c.Put("k3", "s1", []query.Result{{ID: "3"}}) // evicts k1 (least recently used)

	_, ok := c.Get("k1")
	require.False(t, ok)
	_, ok = c.Get("k2")
	require.True(t, ok)
	_, ok = c.Get("k3")
	require.True(t, ok)
}

func TestLRUTouchOnGet(t *testing.T) {
	c := New(2, time.Minute)
	c.Put("k1", "s1", []query.Result{{ID: "1"}})
	c.Put("k2", "s1", []query.Result{{ID: "2"}})
	c.Get("k1") // k1 now most recently used
	c.Put("k3", "s1", []query.Result{{ID: "3"}}) // should evict k2, not k1

	_, ok := c.Get("k1")
	require.True(t, ok)
	_, ok = c.Get("k2")
	require.False(t, ok)
}

func TestInvalidateShardClearsOnlyThatShard(t *testing.T) {
	c := New(10, time.Minute)
	c.Put("k1", "s1", []query.Result{{ID: "1"}})
	c.Put("k2", "s2", []query.Result{{ID: "2"}})

	c.InvalidateShard("s1")

	_, ok := c.Get("k1")
	require.False(t, ok)
	_, ok = c.Get("k2")
	require.True(t, ok)
	require.Equal(t, 1, c.Len())
}

func TestFingerprintBitExactness(t *testing.T) {
	a := Fingerprint("s1", []float32{1.0}, 5, types.MetricCosine, 0, false, nil)
	b := Fingerprint("s1", []float32{1.0000001}, 5, types.MetricCosine, 0, false, nil)
	require.NotEqual(t, a, b, "distinct embeddings must not collide")

	c := Fingerprint("s1", []float32{1.0}, 5, types.MetricCosine, 0, false, nil)
	require.Equal(t, a, c, "identical queries must fingerprint identically")
}

func TestFingerprintDistinguishesFilters(t *testing.T) {
	f1 := []query.Filter{{Path: "category", Op: query.OpEq, Value: "tech"}}
	f2 := []query.Filter{{Path: "category", Op: query.OpEq, Value: "sports"}}
	a := Fingerprint("s1", []float32{1}, 5, types.MetricEuclidean, 0, false, f1)
	b := Fingerprint("s1", []float32{1}, 5, types.MetricEuclidean, 0, false, f2)
	require.NotEqual(t, a, b)
}
