package sync

import (
	"time"

	"github.com/agentmem/core/pkg/types"
)

// Resolution is the outcome of resolving one pair of concurrent changes.
type Resolution struct {
	Winner     types.ChangelogEntry
	Conflicted bool
	Resolved   bool // false only under StrategyManual
	Record     *types.ConflictRecord
}

// Resolver implements the conflict-determination and resolution rules of
// spec.md §4.8 for a single configured strategy.
type Resolver struct {
	strategy types.ConflictStrategy
}

// NewResolver returns a Resolver applying strategy to every concurrent pair.
func NewResolver(strategy types.ConflictStrategy) *Resolver {
	return &Resolver{strategy: strategy}
}

// Resolve compares local and remote's version vectors. If one dominates,
// it wins outright and no conflict is recorded, regardless of strategy
// (spec.md §8: "for every pair of changes with v_A >= v_B, the resolver
// picks A regardless of strategy"). Otherwise the pair is concurrent and
// the configured strategy decides.
func (r *Resolver) Resolve(local, remote types.ChangelogEntry) Resolution {
	switch local.VersionVector.Compare(remote.VersionVector) {
	case types.OrderGreater, types.OrderEqual:
		return Resolution{Winner: local, Resolved: true}
	case types.OrderLess:
		return Resolution{Winner: remote, Resolved: true}
	}

	rec := &types.ConflictRecord{Local: local, Remote: remote, DetectedAt: time.Now()}
	switch r.strategy {
	case types.StrategyManual:
		return Resolution{Winner: local, Conflicted: true, Resolved: false, Record: rec}
	case types.StrategyFirstWriteWins:
		return Resolution{Winner: firstWriteWins(local, remote), Conflicted: true, Resolved: true, Record: rec}
	case types.StrategyMerge:
		return Resolution{Winner: merge(local, remote), Conflicted: true, Resolved: true, Record: rec}
	default: // types.StrategyLastWriteWins
		return Resolution{Winner: lastWriteWins(local, remote), Conflicted: true, Resolved: true, Record: rec}
	}
}

// lastWriteWins picks the larger timestamp_us; ties go to the entry whose
// source_node sorts larger.
func lastWriteWins(local, remote types.ChangelogEntry) types.ChangelogEntry {
	if local.TimestampUs > remote.TimestampUs {
		return local
	}
	if remote.TimestampUs > local.TimestampUs {
		return remote
	}
	if local.SourceNode > remote.SourceNode {
		return local
	}
	return remote
}

// firstWriteWins picks the smaller timestamp_us; ties fall back to
// lastWriteWins's source_node rule for determinism.
func firstWriteWins(local, remote types.ChangelogEntry) types.ChangelogEntry {
	if local.TimestampUs < remote.TimestampUs {
		return local
	}
	if remote.TimestampUs < local.TimestampUs {
		return remote
	}
	if local.SourceNode > remote.SourceNode {
		return local
	}
	return remote
}

// merge implements the merge strategy: a delete beats a non-delete
// outright; otherwise metadata is shallow-merged with local precedence,
// embeddings are averaged element-wise when both are present, the version
// vector takes the per-key maximum, and the timestamp is the larger of the
// two.
func merge(local, remote types.ChangelogEntry) types.ChangelogEntry {
	if local.Op == types.ChangeDelete {
		return local
	}
	if remote.Op == types.ChangeDelete {
		return remote
	}

	metadata := remote.Metadata.Clone()
	if metadata == nil {
		metadata = types.Metadata{}
	}
	for k, v := range local.Metadata {
		metadata[k] = v
	}

	embedding := mergeEmbeddings(local.Embedding, remote.Embedding)
	timestamp := local.TimestampUs
	if remote.TimestampUs > timestamp {
		timestamp = remote.TimestampUs
	}

	return types.ChangelogEntry{
		ChangeID:      local.ChangeID,
		ShardID:       local.ShardID,
		VectorID:      local.VectorID,
		Op:            types.ChangeUpdate,
		Embedding:     embedding,
		Metadata:      metadata,
		SourceNode:    local.SourceNode,
		TimestampUs:   timestamp,
		VersionVector: local.VersionVector.Merge(remote.VersionVector),
	}
}

func mergeEmbeddings(a, b []float32) []float32 {
	switch {
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
	}
	return out
}

// ResolveAll pairs local and remote changes by vector id and resolves each
// pair; unpaired changes from either side pass through untouched as
// winners, per spec.md §4.8.
func (r *Resolver) ResolveAll(local, remote []types.ChangelogEntry) (winners []types.ChangelogEntry, conflicts []types.ConflictRecord) {
	remoteByVector := make(map[string]types.ChangelogEntry, len(remote))
	for _, e := range remote {
		remoteByVector[e.VectorID] = e
	}
	matched := make(map[string]bool, len(remote))

	for _, le := range local {
		re, ok := remoteByVector[le.VectorID]
		if !ok {
			winners = append(winners, le)
			continue
		}
		matched[le.VectorID] = true
		res := r.Resolve(le, re)
		winners = append(winners, res.Winner)
		if res.Conflicted {
			conflicts = append(conflicts, *res.Record)
		}
	}

	for _, re := range remote {
		if !matched[re.VectorID] {
			winners = append(winners, re)
		}
	}
	return winners, conflicts
}
