// Package cache implements the query-result cache of spec.md §4.5: an
// LRU+TTL memo keyed by a bit-exact fingerprint of the query, invalidated
// wholesale on any shard mutation.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmem/core/pkg/log"
	"github.com/agentmem/core/pkg/metrics"
	"github.com/agentmem/core/pkg/query"
	"github.com/agentmem/core/pkg/types"
)

type cacheEntry struct {
	key       string
	shard     string
	results   []query.Result
	expiresAt time.Time
}

// Cache is a fixed-capacity LRU with per-entry TTL. It is a performance
// hint only: callers must remain correct if every Get were a miss.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	ll      *list.List // front = most recently used
	items   map[string]*list.Element
	byShard map[string]map[string]struct{}
	logger  zerolog.Logger
}

// New returns a cache holding at most maxSize entries, each valid for ttl
// after insertion.
func New(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		byShard: make(map[string]map[string]struct{}),
		logger:  log.WithComponent("cache"),
	}
}

// Fingerprint computes the bit-exact cache key for a query, per spec.md
// §4.5: embeddings are compared byte-for-byte, so a perturbation as small
// as a single ULP produces a different key.
func Fingerprint(shard string, embedding []float32, k int, metric types.Metric, threshold float32, hasThreshold bool, filters []query.Filter) string {
	h := sha256.New()
	fmt.Fprintf(h, "shard=%s;k=%d;metric=%s;threshold=%v,%v;", shard, k, metric, hasThreshold, threshold)

	buf := make([]byte, 4)
	for _, f := range embedding {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		h.Write(buf)
	}

	specs := make([]string, len(filters))
	for i, f := range filters {
		specs[i] = fmt.Sprintf("%s%s%v", f.Path, f.Op, f.Value)
	}
	sort.Strings(specs)
	for _, s := range specs {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the cached results for key if present and not expired.
func (c *Cache) Get(key string) ([]query.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.ll.MoveToFront(el)
	metrics.CacheHitsTotal.Inc()
	return e.results, true
}

// Put stores results under key, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *Cache) Put(key, shard string, results []query.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*cacheEntry)
		e.results = results
		e.expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	e := &cacheEntry{key: key, shard: shard, results: results, expiresAt: time.Now().Add(c.ttl)}
	el := c.ll.PushFront(e)
	c.items[key] = el
	c.indexShard(shard, key)

	if c.ll.Len() > c.maxSize {
		c.evictOldest()
	}
}

func (c *Cache) indexShard(shard, key string) {
	keys, ok := c.byShard[shard]
	if !ok {
		keys = make(map[string]struct{})
		c.byShard[shard] = keys
	}
	keys[key] = struct{}{}
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.removeLocked(el)
	metrics.CacheEvictionsTotal.Inc()
}

// removeLocked removes el from every index. Caller must hold c.mu.
func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*cacheEntry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	if keys, ok := c.byShard[e.shard]; ok {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(c.byShard, e.shard)
		}
	}
}

// InvalidateShard drops every cached entry for shard. Per spec.md §4.5 this
// is the only invalidation discipline: any mutation clears the whole shard,
// not just the affected entries.
func (c *Cache) InvalidateShard(shard string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byShard[shard]
	if !ok {
		return
	}
	for key := range keys {
		if el, ok := c.items[key]; ok {
			c.ll.Remove(el)
			delete(c.items, key)
		}
	}
	delete(c.byShard, shard)
	c.logger.Debug().Str("shard", shard).Int("entries_dropped", len(keys)).Msg("cache invalidated")
}

// Len returns the current number of cached entries, for tests and stats.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
