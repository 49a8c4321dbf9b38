package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/log"
	"github.com/agentmem/core/pkg/metrics"
	"github.com/agentmem/core/pkg/storage"
	"github.com/agentmem/core/pkg/sync/transport"
	"github.com/agentmem/core/pkg/types"
)

// Config configures one Engine instance, mirroring config.SyncConfig plus
// the local node identity the protocol needs.
type Config struct {
	NodeID           string
	Strategy         types.ConflictStrategy
	BatchSize        int
	Compression      Compression
	SyncIntervalMs   int64
	RequestTimeoutMs int64
	PersistSession   bool
}

// Engine reconciles local shards with remote peers over a Transport,
// implementing the per-shard sync procedure of spec.md §4.9.
type Engine struct {
	store     storage.Engine
	transport transport.Transport
	resolver  *Resolver
	cfg       Config
	logger    zerolog.Logger

	sessionMu sync.Mutex
	session   types.SyncSession

	timersMu  sync.Mutex
	cancelFns map[string]context.CancelFunc
}

// NewEngine constructs an Engine. If cfg.PersistSession is set and a prior
// session for cfg.NodeID exists in store, it is resumed; otherwise a fresh
// session is created. This is the one open question spec.md §9 calls out
// ("the persistence path for the sync session ... is left empty in the
// source"): here it is loaded and saved through storage.Engine for real.
func NewEngine(store storage.Engine, tr transport.Transport, cfg Config) (*Engine, error) {
	if cfg.NodeID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "sync: NodeID must not be empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}

	session := types.SyncSession{
		SessionID:      cfg.NodeID,
		LocalNodeID:    cfg.NodeID,
		LastChangeIDs:  make(map[string]uint64),
		VersionVectors: make(map[string]types.VersionVector),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if cfg.PersistSession {
		if loaded, err := store.LoadSession(cfg.NodeID); err != nil {
			return nil, apperr.Wrap(apperr.StorageFailure, err)
		} else if loaded != nil {
			session = *loaded
		}
	}

	return &Engine{
		store:     store,
		transport: tr,
		resolver:  NewResolver(cfg.Strategy),
		cfg:       cfg,
		logger:    log.WithComponent("sync_engine"),
		session:   session,
		cancelFns: make(map[string]context.CancelFunc),
	}, nil
}

// Sync executes the per-shard sync procedure against peerAddress. It always
// returns a SyncResult, even on failure, per spec.md §7.
func (e *Engine) Sync(ctx context.Context, shard, peerAddress string, force bool) types.SyncResult {
	started := time.Now()
	timer := metrics.NewTimer()
	logger := e.logger.With().Str("shard", shard).Str("peer", peerAddress).Logger()

	if e.cfg.RequestTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.RequestTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := e.sync(ctx, shard, peerAddress, force)
	timer.ObserveDurationVec(metrics.SyncDuration, shard)
	result.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		logger.Warn().Err(err).Msg("sync failed")
		return result
	}
	result.Success = true
	logger.Debug().
		Int("changes_applied", result.ChangesApplied).
		Int("conflicts_detected", result.ConflictsDetected).
		Msg("sync complete")
	return result
}

func (e *Engine) sync(ctx context.Context, shard, peerAddress string, force bool) (types.SyncResult, error) {
	result := types.SyncResult{Shard: shard}

	e.sessionMu.Lock()
	lastChangeID := e.session.LastChangeIDs[shard]
	e.sessionMu.Unlock()

	// Step 1: short-circuit if nothing changed locally and the caller did
	// not force a reconciliation anyway.
	latestLocal, err := e.store.LatestChangeID(shard)
	if err != nil {
		return result, apperr.Wrap(apperr.StorageFailure, err)
	}
	if latestLocal == lastChangeID && !force {
		result.Success = true
		return result, nil
	}

	// Step 2: local changes since the last sync with this peer.
	localChanges, err := e.store.ReadChanges(shard, lastChangeID)
	if err != nil {
		return result, apperr.Wrap(apperr.StorageFailure, err)
	}

	// Step 3: request the remote's changes since the same watermark.
	req := transport.Envelope{
		ID:           uuid.NewString(),
		Type:         transport.MsgSyncRequest,
		ShardID:      shard,
		FromChangeID: lastChangeID,
		NodeID:       e.cfg.NodeID,
	}
	resp, err := e.transport.Request(ctx, peerAddress, req)
	if err != nil {
		return result, apperr.Wrap(apperr.TransportFailure, err)
	}
	if resp.Type != transport.MsgSyncResponse {
		return result, apperr.Newf(apperr.TransportFailure, "unexpected reply type %q to sync-request", resp.Type)
	}

	var remoteChanges []types.ChangelogEntry
	if len(resp.Delta) > 0 {
		delta, err := Deserialize(resp.Delta)
		if err != nil {
			return result, err
		}
		_, remoteChanges, err = delta.Decode()
		if err != nil {
			return result, err
		}
	}

	// Step 4: push local changes in batches.
	if len(localChanges) > 0 {
		for _, batch := range Batch(localChanges, e.cfg.BatchSize) {
			d, err := Encode(shard, batch, e.cfg.Compression)
			if err != nil {
				return result, err
			}
			body, err := d.Serialize()
			if err != nil {
				return result, err
			}
			push := transport.Envelope{
				ID:      uuid.NewString(),
				Type:    transport.MsgSyncPush,
				ShardID: shard,
				NodeID:  e.cfg.NodeID,
				Delta:   body,
			}
			if err := e.transport.Send(ctx, peerAddress, push); err != nil {
				return result, apperr.Wrap(apperr.TransportFailure, err)
			}
		}
	}

	// Step 5: resolve conflicts and apply winners, skipping our own writes.
	winners, conflicts := e.resolver.ResolveAll(localChanges, remoteChanges)
	result.ConflictsDetected = len(conflicts)
	if e.cfg.Strategy == types.StrategyManual {
		result.ConflictsUnresolved = len(conflicts)
	} else {
		result.ConflictsResolved = len(conflicts)
	}

	for _, w := range winners {
		if w.SourceNode == e.cfg.NodeID {
			continue
		}
		if err := e.store.ApplyChange(shard, w); err != nil {
			return result, apperr.Wrap(apperr.StorageFailure, err)
		}
		result.ChangesApplied++
	}
	metrics.SyncChangesApplied.WithLabelValues(shard).Add(float64(result.ChangesApplied))
	if result.ConflictsResolved > 0 {
		metrics.SyncConflictsTotal.WithLabelValues("resolved").Add(float64(result.ConflictsResolved))
	}
	if result.ConflictsUnresolved > 0 {
		metrics.SyncConflictsTotal.WithLabelValues("unresolved").Add(float64(result.ConflictsUnresolved))
	}

	// Step 6: record unresolved conflicts in the session's conflict tracker.
	e.sessionMu.Lock()
	if e.cfg.Strategy == types.StrategyManual {
		e.session.PendingConflicts = append(e.session.PendingConflicts, conflicts...)
	}

	// Step 7: update and persist the session watermark.
	newLatest, err := e.store.LatestChangeID(shard)
	if err != nil {
		e.sessionMu.Unlock()
		return result, apperr.Wrap(apperr.StorageFailure, err)
	}
	vv, err := e.store.VersionVector(shard)
	if err != nil {
		e.sessionMu.Unlock()
		return result, apperr.Wrap(apperr.StorageFailure, err)
	}
	e.session.LastChangeIDs[shard] = newLatest
	e.session.VersionVectors[shard] = vv
	e.session.UpdatedAt = time.Now()
	session := e.session
	e.sessionMu.Unlock()

	if e.cfg.PersistSession {
		if err := e.store.SaveSession(session); err != nil {
			return result, apperr.Wrap(apperr.StorageFailure, err)
		}
	}

	return result, nil
}

// HandleRequest answers an inbound sync-request with this node's delta
// since env.FromChangeID, for callers that poll Transport.Receive directly
// (the counterpart side of the exchange Sync drives).
func (e *Engine) HandleRequest(env transport.Envelope) (transport.Envelope, error) {
	changes, err := e.store.ReadChanges(env.ShardID, env.FromChangeID)
	if err != nil {
		return transport.Envelope{}, apperr.Wrap(apperr.StorageFailure, err)
	}
	d, err := Encode(env.ShardID, changes, e.cfg.Compression)
	if err != nil {
		return transport.Envelope{}, err
	}
	body, err := d.Serialize()
	if err != nil {
		return transport.Envelope{}, err
	}
	return transport.Envelope{
		ID:      env.ID,
		Type:    transport.MsgSyncResponse,
		ShardID: env.ShardID,
		Delta:   body,
	}, nil
}

// HandlePush applies an inbound sync-push's entries directly, used by a
// long-running server loop that answers pushes its peers initiate outside
// of a Sync call this node made itself.
func (e *Engine) HandlePush(env transport.Envelope) error {
	d, err := Deserialize(env.Delta)
	if err != nil {
		return err
	}
	shard, entries, err := d.Decode()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.SourceNode == e.cfg.NodeID {
			continue
		}
		if err := e.store.ApplyChange(shard, entry); err != nil {
			return apperr.Wrap(apperr.StorageFailure, err)
		}
	}
	return nil
}

// Serve answers inbound sync-request/sync-push envelopes until ctx is
// done, for the side of a peer pair that isn't the one driving Sync calls.
// Replies are addressed to env.NodeID: by convention a peer's NodeID also
// names its transport endpoint, which every Transport implementation in
// this package honors.
func (e *Engine) Serve(ctx context.Context) {
	for {
		env, err := e.transport.Receive(ctx)
		if err != nil {
			return
		}
		switch env.Type {
		case transport.MsgSyncRequest:
			resp, err := e.HandleRequest(env)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to answer sync request")
				continue
			}
			if err := e.transport.Send(ctx, env.NodeID, resp); err != nil {
				e.logger.Warn().Err(err).Msg("failed to send sync response")
			}
		case transport.MsgSyncPush:
			if err := e.HandlePush(env); err != nil {
				e.logger.Warn().Err(err).Msg("failed to apply inbound sync push")
			}
		}
	}
}

// StartAutoSync begins a periodic timer syncing (shard, peerAddress) every
// sync_interval_ms, per spec.md §4.9. A zero interval disables auto-sync.
// It is a no-op if a timer for this pair is already running.
func (e *Engine) StartAutoSync(shard, peerAddress string) {
	if e.cfg.SyncIntervalMs <= 0 {
		return
	}
	key := autoSyncKey(shard, peerAddress)

	e.timersMu.Lock()
	if _, exists := e.cancelFns[key]; exists {
		e.timersMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelFns[key] = cancel
	e.timersMu.Unlock()

	go e.autoSyncLoop(ctx, shard, peerAddress)
}

// StopAutoSync cancels the timer for one (shard, peer) pair, if running.
func (e *Engine) StopAutoSync(shard, peerAddress string) {
	key := autoSyncKey(shard, peerAddress)
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if cancel, ok := e.cancelFns[key]; ok {
		cancel()
		delete(e.cancelFns, key)
	}
}

func (e *Engine) autoSyncLoop(ctx context.Context, shard, peerAddress string) {
	ticker := time.NewTicker(time.Duration(e.cfg.SyncIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sync(ctx, shard, peerAddress, false)
		case <-ctx.Done():
			return
		}
	}
}

// Close cancels every running auto-sync timer. Already in-flight syncs may
// still complete their current storage commit, per spec.md §5.
func (e *Engine) Close() error {
	e.timersMu.Lock()
	for key, cancel := range e.cancelFns {
		cancel()
		delete(e.cancelFns, key)
	}
	e.timersMu.Unlock()
	return nil
}

func autoSyncKey(shard, peerAddress string) string {
	return fmt.Sprintf("%s||%s", shard, peerAddress)
}
