package sync

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/agentmem/core/pkg/log"
	"github.com/agentmem/core/pkg/metrics"
	"github.com/agentmem/core/pkg/sync/transport"
	"github.com/agentmem/core/pkg/types"
)

// SyncTask is one pending reconciliation of a (shard, peer) pair, per
// spec.md §4.10.
type SyncTask struct {
	ShardID     string
	PeerAddress string
	Priority    int
	ScheduledAt time.Time
	Retries     int
}

// taskHeap is a container/heap.Interface ordering by descending priority,
// breaking ties by earliest scheduled_at.
type taskHeap []*SyncTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*SyncTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// CoordinatorConfig tunes throttling and retry behaviour.
type CoordinatorConfig struct {
	MaxConcurrentSyncs int
	MaxRetries         int
	RetryBackoffMs     int64
}

func (c CoordinatorConfig) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

// CoordinatorStats is the aggregate snapshot spec.md §4.10 requires.
type CoordinatorStats struct {
	TotalShards     int
	ActiveSyncs     int
	TotalSyncs      int
	TotalConflicts  int
	AvgSyncDuration time.Duration
	BytesSent       uint64
	BytesReceived   uint64
}

// Coordinator schedules and throttles sync tasks across many (shard, peer)
// pairs, bounding concurrency and retrying failures with backoff, per
// spec.md §4.10.
type Coordinator struct {
	engine *Engine
	cfg    CoordinatorConfig
	sem    *semaphore.Weighted
	logger zerolog.Logger

	mu       sync.Mutex
	queue    taskHeap
	inFlight map[string]bool
	peers    map[string]*types.Peer
	shards   map[string]struct{}

	activeSyncs int64

	statsMu        sync.Mutex
	totalSyncs     int
	totalConflicts int
	avgDurationMS  float64
	haveAvg        bool
}

// NewCoordinator returns a Coordinator driving sync calls through engine.
func NewCoordinator(engine *Engine, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxConcurrentSyncs <= 0 {
		cfg.MaxConcurrentSyncs = 4
	}
	return &Coordinator{
		engine:   engine,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentSyncs)),
		logger:   log.WithComponent("sync_coordinator"),
		inFlight: make(map[string]bool),
		peers:    make(map[string]*types.Peer),
		shards:   make(map[string]struct{}),
	}
}

// RegisterShard tells the coordinator about a shard it should include in
// sync_all/sync_with_peer sweeps.
func (c *Coordinator) RegisterShard(shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shards[shardID] = struct{}{}
}

// RegisterPeer tells the coordinator about a peer it should include in
// sync_all/sync_shard sweeps and health checks.
func (c *Coordinator) RegisterPeer(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[address]; !ok {
		c.peers[address] = &types.Peer{Address: address, Status: types.PeerOffline}
	}
}

func taskKey(shard, peer string) string {
	return fmt.Sprintf("%s||%s", shard, peer)
}

// Schedule enqueues a sync task at the given priority (higher runs first).
func (c *Coordinator) Schedule(shard, peer string, priority int) {
	c.mu.Lock()
	heap.Push(&c.queue, &SyncTask{ShardID: shard, PeerAddress: peer, Priority: priority, ScheduledAt: time.Now()})
	depth := c.queue.Len()
	c.mu.Unlock()
	metrics.CoordinatorQueueDepth.Set(float64(depth))
}

// popRunnable pops the highest-priority task whose key is not already
// in-flight, leaving every skipped task in the queue.
func (c *Coordinator) popRunnable() *SyncTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	var skipped []*SyncTask
	var chosen *SyncTask
	for c.queue.Len() > 0 {
		t := heap.Pop(&c.queue).(*SyncTask)
		key := taskKey(t.ShardID, t.PeerAddress)
		if c.inFlight[key] {
			skipped = append(skipped, t)
			continue
		}
		c.inFlight[key] = true
		chosen = t
		break
	}
	for _, s := range skipped {
		heap.Push(&c.queue, s)
	}
	metrics.CoordinatorQueueDepth.Set(float64(c.queue.Len()))
	return chosen
}

func (c *Coordinator) clearInFlight(shard, peer string) {
	c.mu.Lock()
	delete(c.inFlight, taskKey(shard, peer))
	c.mu.Unlock()
}

// ExecuteAll drains the queue, running up to max_concurrent_syncs tasks at
// once, and blocks until every task (including retries discovered while
// draining) has completed.
func (c *Coordinator) ExecuteAll(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		task := c.popRunnable()
		if task == nil {
			if !c.anyInFlight() {
				break
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.clearInFlight(task.ShardID, task.PeerAddress)
			break
		}
		atomic.AddInt64(&c.activeSyncs, 1)
		metrics.CoordinatorActiveSyncs.Inc()
		wg.Add(1)
		go func(t *SyncTask) {
			defer wg.Done()
			defer c.sem.Release(1)
			defer c.clearInFlight(t.ShardID, t.PeerAddress)
			defer atomic.AddInt64(&c.activeSyncs, -1)
			defer metrics.CoordinatorActiveSyncs.Dec()
			c.runTask(ctx, t)
		}(task)
	}
	wg.Wait()
}

func (c *Coordinator) anyInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight) > 0
}

func (c *Coordinator) runTask(ctx context.Context, t *SyncTask) {
	result := c.engine.Sync(ctx, t.ShardID, t.PeerAddress, false)
	c.recordStats(result)

	if result.Success || t.Retries >= c.cfg.maxRetries() {
		return
	}
	delay := c.retryDelay(t.Retries)
	retry := &SyncTask{ShardID: t.ShardID, PeerAddress: t.PeerAddress, Priority: t.Priority - 1, Retries: t.Retries + 1}
	time.AfterFunc(delay, func() {
		retry.ScheduledAt = time.Now()
		c.mu.Lock()
		heap.Push(&c.queue, retry)
		c.mu.Unlock()
	})
}

// retryDelay computes the backoff for the (retries+1)th attempt using an
// exponential policy seeded from cfg.RetryBackoffMs, rather than hand-rolled
// exponent arithmetic.
func (c *Coordinator) retryDelay(retries int) time.Duration {
	base := time.Duration(c.cfg.RetryBackoffMs) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i <= retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (c *Coordinator) recordStats(result types.SyncResult) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.totalSyncs++
	c.totalConflicts += result.ConflictsDetected
	d := float64(result.DurationMS)
	if !c.haveAvg {
		c.avgDurationMS = d
		c.haveAvg = true
		return
	}
	const alpha = 0.3
	c.avgDurationMS = alpha*d + (1-alpha)*c.avgDurationMS
}

// SyncAll schedules every (shard, peer) combination at priority 1 and
// drains the queue.
func (c *Coordinator) SyncAll(ctx context.Context) {
	for _, shard := range c.sortedShards() {
		for _, peer := range c.sortedPeers() {
			c.Schedule(shard, peer, 1)
		}
	}
	c.ExecuteAll(ctx)
}

// SyncShard schedules one shard against every known peer at priority 5 and
// drains the queue.
func (c *Coordinator) SyncShard(ctx context.Context, shardID string) {
	for _, peer := range c.sortedPeers() {
		c.Schedule(shardID, peer, 5)
	}
	c.ExecuteAll(ctx)
}

// SyncWithPeer schedules every known shard against one peer at priority 2
// and drains the queue.
func (c *Coordinator) SyncWithPeer(ctx context.Context, peerAddress string) {
	for _, shard := range c.sortedShards() {
		c.Schedule(shard, peerAddress, 2)
	}
	c.ExecuteAll(ctx)
}

// HealthCheck attempts a lightweight sync of the first shard per peer,
// updating peer status and last_contact.
func (c *Coordinator) HealthCheck(ctx context.Context) {
	shards := c.sortedShards()
	if len(shards) == 0 {
		return
	}
	probe := shards[0]

	for _, peer := range c.sortedPeers() {
		// force=true: an up-to-date watermark would otherwise short-circuit
		// step 1 of the sync procedure, making the probe meaningless.
		result := c.engine.Sync(ctx, probe, peer, true)
		c.mu.Lock()
		p, ok := c.peers[peer]
		if ok {
			if result.Success {
				p.Status = types.PeerOnline
			} else {
				p.Status = types.PeerOffline
			}
			p.LastContact = time.Now()
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) sortedShards() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.shards))
	for s := range c.shards {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) sortedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for p := range c.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PeerStatus returns the last known status of peerAddress.
func (c *Coordinator) PeerStatus(peerAddress string) (types.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[peerAddress]
	if !ok {
		return types.Peer{}, false
	}
	return *p, true
}

// Stats returns an aggregate snapshot of coordinator activity.
func (c *Coordinator) Stats() CoordinatorStats {
	c.statsMu.Lock()
	totalSyncs := c.totalSyncs
	totalConflicts := c.totalConflicts
	avgMS := c.avgDurationMS
	c.statsMu.Unlock()

	c.mu.Lock()
	totalShards := len(c.shards)
	c.mu.Unlock()

	return CoordinatorStats{
		TotalShards:     totalShards,
		ActiveSyncs:     int(atomic.LoadInt64(&c.activeSyncs)),
		TotalSyncs:      totalSyncs,
		TotalConflicts:  totalConflicts,
		AvgSyncDuration: time.Duration(avgMS * float64(time.Millisecond)),
		BytesSent:       transport.BytesSent(),
		BytesReceived:   transport.BytesReceived(),
	}
}
