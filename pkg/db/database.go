// Package db wires together storage, indexing, quantization, querying,
// caching, and sync into the single embeddable backend spec.md §4 describes:
// one Database per process, one or more shards per Database, each shard
// with its own dimension, optional HNSW index, optional quantizer, and
// changelog.
//
// The wiring order mirrors cuemby-warren/pkg/manager/manager.go's
// NewManager: open the durable store first, then build each dependent
// collaborator in turn, wrapping every failure with the kind of error that
// caused it so a caller can tell a bad config apart from a disk fault.
package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/cache"
	"github.com/agentmem/core/pkg/changelog"
	"github.com/agentmem/core/pkg/config"
	"github.com/agentmem/core/pkg/hnsw"
	"github.com/agentmem/core/pkg/log"
	"github.com/agentmem/core/pkg/query"
	"github.com/agentmem/core/pkg/quantize"
	"github.com/agentmem/core/pkg/storage"
	syncengine "github.com/agentmem/core/pkg/sync"
	"github.com/agentmem/core/pkg/sync/transport"
	"github.com/agentmem/core/pkg/types"
	"github.com/rs/zerolog"
)

// shardState tracks the per-shard collaborators that are attached (or not)
// to the shared query engine.
type shardState struct {
	dimension uint32
	index     *hnsw.Graph
	codec     quantize.Codec
	codecKind types.QuantizerKind
}

// Database is the top-level embeddable backend: one storage engine, one
// query engine, one cache, shared across every shard it hosts, plus a sync
// engine and coordinator for cross-peer replication.
type Database struct {
	cfg    config.Config
	nodeID string
	logger zerolog.Logger

	store   storage.Engine
	query   *query.Engine
	cache   *cache.Cache
	changes *changelog.Reader

	syncEngine  *syncengine.Engine
	coordinator *syncengine.Coordinator

	mu     sync.RWMutex
	shards map[string]*shardState

	tempDir string // non-empty when cfg.InMemory backed this instance with a scratch bbolt file
	closed  bool
}

// Open wires a Database per cfg. tr may be nil; a nil transport disables
// sync entirely (Sync, Serve, StartAutoSync and the coordinator calls return
// ErrSyncDisabled), which is the
// common case for a library embedded purely for local vector search.
func Open(cfg config.Config, nodeID string, tr transport.Transport) (*Database, error) {
	// NodeID is tagged directly rather than through log.Init(log.Config{...})
	// here, since an embedding application may have already called Init with
	// its own level/output settings before opening a Database and a second
	// Init call would silently discard them.
	logger := log.WithComponent("db").With().Str("node_id", nodeID).Logger()

	dataDir := cfg.Path
	var tempDir string
	if cfg.InMemory {
		dir, err := os.MkdirTemp("", "agentmem-*")
		if err != nil {
			return nil, apperr.Wrapf(apperr.StorageFailure, err, "create scratch directory for in-memory database")
		}
		dataDir = dir
		tempDir = dir
	}
	if dataDir == "" {
		return nil, apperr.New(apperr.InvalidArgument, "config.Path is required unless config.InMemory is set")
	}

	store, err := storage.OpenBolt(dataDir)
	if err != nil {
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
		return nil, apperr.Wrapf(apperr.StorageFailure, err, "open storage engine at %s", dataDir)
	}

	queryEngine := query.NewEngine(store)
	resultCache := cache.New(cfg.Cache.MaxSize, durationMs(cfg.Cache.TTLMs))
	changes := changelog.NewReader(store)

	d := &Database{
		cfg:     cfg,
		nodeID:  nodeID,
		logger:  logger,
		store:   store,
		query:   queryEngine,
		cache:   resultCache,
		changes: changes,
		shards:  make(map[string]*shardState),
		tempDir: tempDir,
	}

	if tr != nil {
		syncCfg := syncengine.Config{
			NodeID:           nodeID,
			Strategy:         strategyFromConfig(cfg.Sync.ConflictStrategy),
			BatchSize:        cfg.Sync.BatchSize,
			Compression:      compressionFromConfig(cfg.Sync.Compression),
			SyncIntervalMs:   cfg.Sync.SyncIntervalMs,
			RequestTimeoutMs: cfg.Sync.RequestTimeoutMs,
			PersistSession:   cfg.Sync.PersistSession,
		}
		engine, err := syncengine.NewEngine(store, tr, syncCfg)
		if err != nil {
			store.Close()
			if tempDir != "" {
				os.RemoveAll(tempDir)
			}
			return nil, apperr.Wrap(apperr.StorageFailure, err)
		}
		d.syncEngine = engine
		d.coordinator = syncengine.NewCoordinator(engine, syncengine.CoordinatorConfig{
			MaxConcurrentSyncs: cfg.Sync.MaxConcurrentSyncs,
			MaxRetries:         cfg.Sync.MaxRetries,
			RetryBackoffMs:     cfg.Sync.RetryBackoffMs,
		})
	}

	logger.Info().Str("node_id", nodeID).Bool("in_memory", cfg.InMemory).Msg("database opened")
	return d, nil
}

func durationMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func strategyFromConfig(s string) types.ConflictStrategy {
	switch types.ConflictStrategy(s) {
	case types.StrategyFirstWriteWins, types.StrategyMerge, types.StrategyManual:
		return types.ConflictStrategy(s)
	default:
		return types.StrategyLastWriteWins
	}
}

func compressionFromConfig(s string) syncengine.Compression {
	if syncengine.Compression(s) == syncengine.CompressionPacked {
		return syncengine.CompressionPacked
	}
	return syncengine.CompressionNone
}

// Close tears down sync timers and then the storage engine, removing any
// scratch directory an in-memory instance used. The coordinator holds no
// resources of its own and is not closed separately.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if d.syncEngine != nil {
		if err := d.syncEngine.Close(); err != nil {
			firstErr = err
		}
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = apperr.Wrap(apperr.StorageFailure, err)
	}
	if d.tempDir != "" {
		os.RemoveAll(d.tempDir)
	}
	return firstErr
}

// CreateShard registers a new shard and makes it immediately searchable
// (without an index until one is built or auto-built).
func (d *Database) CreateShard(shardID string, dimension uint32) error {
	if err := d.store.CreateShard(shardID, dimension); err != nil {
		return err
	}
	d.mu.Lock()
	d.shards[shardID] = &shardState{dimension: dimension}
	d.mu.Unlock()
	if d.coordinator != nil {
		d.coordinator.RegisterShard(shardID)
	}
	return nil
}

// DropShard removes a shard and detaches any index/quantizer/cache state
// bound to it.
func (d *Database) DropShard(shardID string) error {
	if err := d.store.DropShard(shardID); err != nil {
		return err
	}
	d.query.DetachIndex(shardID)
	d.query.DetachQuantizer(shardID)
	d.cache.InvalidateShard(shardID)
	d.mu.Lock()
	delete(d.shards, shardID)
	d.mu.Unlock()
	return nil
}

// Insert stores one record, invalidates the shard's cached results, and
// incrementally updates the shard's HNSW index if one is already built.
func (d *Database) Insert(shardID string, rec types.VectorRecord) (string, error) {
	id, err := d.store.Insert(shardID, rec, d.nodeID)
	if err != nil {
		return "", err
	}
	d.cache.InvalidateShard(shardID)
	d.maybeIndexInsert(shardID, id, rec.Embedding)
	d.maybeAutoBuildIndex(shardID)
	return id, nil
}

// InsertBatch stores many records atomically, then incrementally indexes
// each one that landed (best-effort: an index failure here does not undo
// the storage commit, matching spec.md §4.3's "index is a cache, not a
// source of truth" treatment of HNSW state).
func (d *Database) InsertBatch(shardID string, recs []types.VectorRecord) ([]string, error) {
	ids, err := d.store.InsertBatch(shardID, recs, d.nodeID)
	if err != nil {
		return nil, err
	}
	d.cache.InvalidateShard(shardID)
	for i, id := range ids {
		d.maybeIndexInsert(shardID, id, recs[i].Embedding)
	}
	d.maybeAutoBuildIndex(shardID)
	return ids, nil
}

// Update replaces a record's embedding and/or metadata. A changed embedding
// invalidates any incremental index position for that id; the record is
// re-inserted into the graph as a new node rather than repositioning the
// old one, which is simpler than in-place graph mutation.
func (d *Database) Update(shardID, id string, embedding []float32, metadata types.Metadata) error {
	before, err := d.store.Get(shardID, id)
	if err != nil {
		return err
	}
	if err := d.store.Update(shardID, id, embedding, metadata, d.nodeID); err != nil {
		return err
	}
	d.cache.InvalidateShard(shardID)
	if before != nil && embedding != nil {
		d.mu.RLock()
		st := d.shards[shardID]
		d.mu.RUnlock()
		if st != nil && st.index != nil && st.index.Built() {
			_ = st.index.Delete(id, d.store, shardID)
			_ = st.index.Insert(id, embedding)
		}
	}
	return nil
}

// Delete removes a record and, if an index is attached, removes it from
// the graph too.
func (d *Database) Delete(shardID, id string) (bool, error) {
	removed, err := d.store.Delete(shardID, id, d.nodeID)
	if err != nil || !removed {
		return removed, err
	}
	d.cache.InvalidateShard(shardID)
	d.mu.RLock()
	st := d.shards[shardID]
	d.mu.RUnlock()
	if st != nil && st.index != nil && st.index.Built() {
		_ = st.index.Delete(id, d.store, shardID)
	}
	return true, nil
}

// Get fetches one record by id.
func (d *Database) Get(shardID, id string) (*types.VectorRecord, error) {
	return d.store.Get(shardID, id)
}

// Scan returns a lazy iterator over every record in a shard.
func (d *Database) Scan(shardID string) (storage.Iterator, error) {
	return d.store.Scan(shardID)
}

// Stats summarises a shard, including whether an index/quantizer is ready.
func (d *Database) Stats(shardID string) (types.ShardStats, error) {
	stats, err := d.store.Stats(shardID)
	if err != nil {
		return types.ShardStats{}, err
	}
	d.mu.RLock()
	st := d.shards[shardID]
	d.mu.RUnlock()
	if st != nil {
		stats.IndexReady = st.index != nil && st.index.Built()
		stats.QuantizerReady = st.codec != nil && st.codec.Trained()
	}
	return stats, nil
}

func (d *Database) maybeIndexInsert(shardID, id string, embedding []float32) {
	d.mu.RLock()
	st := d.shards[shardID]
	d.mu.RUnlock()
	if st == nil || st.index == nil || !st.index.Built() {
		return
	}
	if err := st.index.Insert(id, embedding); err != nil {
		d.logger.Warn().Err(err).Str("shard", shardID).Msg("incremental hnsw insert failed")
	}
}

// maybeAutoBuildIndex builds a fresh index once a shard crosses
// min_vectors_for_index, when auto_rebuild is enabled and no index exists
// yet, per spec.md §4.3.
func (d *Database) maybeAutoBuildIndex(shardID string) {
	if !d.cfg.HNSW.Enabled || !d.cfg.HNSW.AutoRebuild {
		return
	}
	d.mu.RLock()
	st := d.shards[shardID]
	d.mu.RUnlock()
	if st == nil || st.index != nil {
		return
	}
	stats, err := d.store.Stats(shardID)
	if err != nil || stats.Count < d.cfg.HNSW.MinVectorsForIndex {
		return
	}
	if err := d.BuildIndex(shardID); err != nil {
		d.logger.Warn().Err(err).Str("shard", shardID).Msg("auto index build failed")
	}
}

// hnswParams translates config.HNSWConfig into hnsw.Params.
func (d *Database) hnswParams() hnsw.Params {
	p := hnsw.DefaultParams()
	if d.cfg.HNSW.M > 0 {
		p.M = d.cfg.HNSW.M
	}
	if d.cfg.HNSW.M0 > 0 {
		p.M0 = d.cfg.HNSW.M0
	}
	if d.cfg.HNSW.EfConstruction > 0 {
		p.EfConstruction = d.cfg.HNSW.EfConstruction
	}
	if d.cfg.HNSW.EfSearch > 0 {
		p.EfSearch = d.cfg.HNSW.EfSearch
	}
	if d.cfg.HNSW.MaxLevelCap > 0 {
		p.MaxLevelCap = d.cfg.HNSW.MaxLevelCap
	}
	if d.cfg.HNSW.MinVectorsForIndex > 0 {
		p.MinVectorsForIndex = d.cfg.HNSW.MinVectorsForIndex
	}
	return p
}

// BuildIndex constructs an HNSW graph for shardID from every record
// currently on disk, persists it, and attaches it to the query engine.
func (d *Database) BuildIndex(shardID string) error {
	dim, err := d.store.Dimension(shardID)
	if err != nil {
		return err
	}
	iter, err := d.store.Scan(shardID)
	if err != nil {
		return err
	}
	defer iter.Close()

	graph, err := hnsw.BuildOptimized(int(dim), d.hnswParams(), d.store, shardID, iter)
	if err != nil {
		return apperr.Wrap(apperr.IndexInconsistent, err)
	}
	if err := graph.FlushToStorage(d.store, shardID); err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}

	d.mu.Lock()
	st := d.shards[shardID]
	if st == nil {
		st = &shardState{dimension: dim}
		d.shards[shardID] = st
	}
	st.index = graph
	d.mu.Unlock()

	d.query.AttachIndex(shardID, graph)
	d.cache.InvalidateShard(shardID)
	return nil
}

// RebuildIndex discards and rebuilds a shard's index from scratch.
func (d *Database) RebuildIndex(shardID string) error {
	d.query.DetachIndex(shardID)
	d.mu.Lock()
	if st := d.shards[shardID]; st != nil {
		st.index = nil
	}
	d.mu.Unlock()
	if err := d.store.ClearHNSW(shardID); err != nil {
		return err
	}
	return d.BuildIndex(shardID)
}

// LoadIndex reattaches a previously flushed index from storage without
// rebuilding it, for fast restart.
func (d *Database) LoadIndex(shardID string) error {
	dim, err := d.store.Dimension(shardID)
	if err != nil {
		return err
	}
	graph, err := hnsw.LoadFromStorage(int(dim), d.hnswParams(), d.store, shardID)
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}
	d.mu.Lock()
	st := d.shards[shardID]
	if st == nil {
		st = &shardState{dimension: dim}
		d.shards[shardID] = st
	}
	st.index = graph
	d.mu.Unlock()
	d.query.AttachIndex(shardID, graph)
	return nil
}

// newCodec builds an untrained quantize.Codec for the configured kind.
func newCodec(kind types.QuantizerKind, bits, subvectors int) (quantize.Codec, error) {
	switch kind {
	case types.QuantizerScalar:
		return quantize.NewScalarCodec(bits), nil
	case types.QuantizerProduct:
		return quantize.NewProductCodec(bits, subvectors), nil
	case types.QuantizerBinary:
		return quantize.NewBinaryCodec(true), nil
	default:
		return nil, apperr.New(apperr.InvalidArgument, fmt.Sprintf("unsupported quantizer kind %q", kind))
	}
}

// TrainQuantizer trains a fresh codec of the configured kind on sample,
// persists its serialized state, and attaches it to the query engine.
func (d *Database) TrainQuantizer(shardID string, sample [][]float32) error {
	kind := types.QuantizerKind(d.cfg.Quantizer.Kind)
	if kind == "" || kind == types.QuantizerNone {
		return apperr.New(apperr.InvalidArgument, "no quantizer configured for this database")
	}
	codec, err := newCodec(kind, d.cfg.Quantizer.Bits, d.cfg.Quantizer.Subvectors)
	if err != nil {
		return err
	}
	if err := codec.Train(sample); err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err)
	}
	state, err := codec.Serialize()
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}
	if err := d.store.SaveQuantizerState(shardID, string(kind), state); err != nil {
		return err
	}

	d.mu.Lock()
	st := d.shards[shardID]
	if st == nil {
		st = &shardState{}
		d.shards[shardID] = st
	}
	st.codec = codec
	st.codecKind = kind
	d.mu.Unlock()

	d.query.AttachQuantizer(shardID, kind, codec)
	d.cache.InvalidateShard(shardID)
	return nil
}

// LoadQuantizer reattaches a previously trained quantizer from storage.
func (d *Database) LoadQuantizer(shardID string) error {
	kindName, state, err := d.store.LoadQuantizerState(shardID)
	if err != nil {
		return err
	}
	kind := types.QuantizerKind(kindName)
	codec, err := quantize.Load(kind, state)
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, err)
	}
	d.mu.Lock()
	st := d.shards[shardID]
	if st == nil {
		st = &shardState{}
		d.shards[shardID] = st
	}
	st.codec = codec
	st.codecKind = kind
	d.mu.Unlock()
	d.query.AttachQuantizer(shardID, kind, codec)
	return nil
}

// Search runs req through the result cache before falling back to the
// query engine, per spec.md §4.5.
func (d *Database) Search(req query.SearchRequest) ([]query.Result, error) {
	if !d.cfg.Cache.Enabled {
		return d.query.Search(req)
	}
	key := cache.Fingerprint(req.Shard, req.Embedding, req.K, req.Metric, req.Threshold, req.HasThreshold, req.Filters)
	if hit, ok := d.cache.Get(key); ok {
		return hit, nil
	}
	results, err := d.query.Search(req)
	if err != nil {
		return nil, err
	}
	d.cache.Put(key, req.Shard, results)
	return results, nil
}

// --- Sync passthrough (spec.md §4.9-§4.10) ---

// ErrSyncDisabled is returned by every error-returning sync operation when
// Open was called with a nil transport; StopAutoSync is then a no-op and
// PeerStatus reports false.
var ErrSyncDisabled = apperr.New(apperr.InvalidArgument, "sync is not configured for this database")

// Sync runs one sync exchange for shard against peerAddress.
func (d *Database) Sync(ctx context.Context, shardID, peerAddress string, force bool) (types.SyncResult, error) {
	if d.syncEngine == nil {
		return types.SyncResult{}, ErrSyncDisabled
	}
	return d.syncEngine.Sync(ctx, shardID, peerAddress, force), nil
}

// Serve answers inbound sync requests from peers until ctx is cancelled.
func (d *Database) Serve(ctx context.Context) error {
	if d.syncEngine == nil {
		return ErrSyncDisabled
	}
	d.syncEngine.Serve(ctx)
	return nil
}

// StartAutoSync begins a periodic sync timer for (shard, peer).
func (d *Database) StartAutoSync(shardID, peerAddress string) error {
	if d.syncEngine == nil {
		return ErrSyncDisabled
	}
	d.syncEngine.StartAutoSync(shardID, peerAddress)
	return nil
}

// StopAutoSync cancels a periodic sync timer started by StartAutoSync.
func (d *Database) StopAutoSync(shardID, peerAddress string) {
	if d.syncEngine != nil {
		d.syncEngine.StopAutoSync(shardID, peerAddress)
	}
}

// RegisterPeer tells the coordinator about a peer to include in broad
// sweeps and health checks.
func (d *Database) RegisterPeer(address string) error {
	if d.coordinator == nil {
		return ErrSyncDisabled
	}
	d.coordinator.RegisterPeer(address)
	return nil
}

// SyncAll schedules and drains every (shard, peer) pair the coordinator
// knows about.
func (d *Database) SyncAll(ctx context.Context) error {
	if d.coordinator == nil {
		return ErrSyncDisabled
	}
	d.coordinator.SyncAll(ctx)
	return nil
}

// SyncShard syncs one shard against every known peer.
func (d *Database) SyncShard(ctx context.Context, shardID string) error {
	if d.coordinator == nil {
		return ErrSyncDisabled
	}
	d.coordinator.SyncShard(ctx, shardID)
	return nil
}

// SyncWithPeer syncs every known shard against one peer.
func (d *Database) SyncWithPeer(ctx context.Context, peerAddress string) error {
	if d.coordinator == nil {
		return ErrSyncDisabled
	}
	d.coordinator.SyncWithPeer(ctx, peerAddress)
	return nil
}

// HealthCheck probes every registered peer and updates its recorded status.
func (d *Database) HealthCheck(ctx context.Context) error {
	if d.coordinator == nil {
		return ErrSyncDisabled
	}
	d.coordinator.HealthCheck(ctx)
	return nil
}

// PeerStatus reports the last known status of a registered peer.
func (d *Database) PeerStatus(address string) (types.Peer, bool) {
	if d.coordinator == nil {
		return types.Peer{}, false
	}
	return d.coordinator.PeerStatus(address)
}

// SyncStats reports the coordinator's aggregate sync activity.
func (d *Database) SyncStats() (syncengine.CoordinatorStats, error) {
	if d.coordinator == nil {
		return syncengine.CoordinatorStats{}, ErrSyncDisabled
	}
	return d.coordinator.Stats(), nil
}

// Changes exposes the raw changelog reader, for collaborators that want to
// tail a shard's history directly rather than through Sync.
func (d *Database) Changes() *changelog.Reader {
	return d.changes
}
