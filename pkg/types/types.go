// Package types defines the core data model shared by every subsystem of
// the vector store: records, shards, HNSW graph elements, quantizer state,
// and the changelog/sync types used for replication.
package types

import "time"

// Metadata is an opaque tree of string keys to arbitrary values, exactly as
// spec.md describes it: the core never interprets it except for storage,
// retrieval, and the query-builder filter boundary.
type Metadata map[string]any

// Clone returns a shallow copy of m. Nested maps/slices are not deep copied;
// callers that mutate nested structures after cloning must clone those too.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Path looks up a dot-separated path into m, e.g. "user.age". A missing
// segment anywhere along the path returns (nil, false) rather than panicking.
func (m Metadata) Path(path string) (any, bool) {
	return lookupPath(m, path)
}

func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	head, rest, hasRest := splitPath(path)
	m, ok := v.(Metadata)
	if !ok {
		if asMap, ok2 := v.(map[string]any); ok2 {
			m = Metadata(asMap)
		} else {
			return nil, false
		}
	}
	next, ok := m[head]
	if !ok {
		return nil, false
	}
	if !hasRest {
		return next, true
	}
	return lookupPath(next, rest)
}

func splitPath(path string) (head, rest string, hasRest bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}

// VectorRecord is a single stored embedding plus its metadata.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Metadata  Metadata
	Timestamp int64 // microseconds since epoch
}

// QuantizerKind is the closed set of supported quantization variants.
type QuantizerKind string

const (
	QuantizerNone    QuantizerKind = "none"
	QuantizerScalar  QuantizerKind = "scalar"
	QuantizerProduct QuantizerKind = "product"
	QuantizerBinary  QuantizerKind = "binary"
)

// Metric is the closed set of supported similarity metrics.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// HNSWNode is one vertex of the proximity graph: a back-reference to the
// vector it represents, its assigned level, and an owned copy of the
// embedding used for distance computation during search and build.
type HNSWNode struct {
	NodeID    uint64
	VectorID  string
	Level     int
	Embedding []float32
}

// HNSWEdge connects two nodes at a given level. Edges are bidirectional and
// deduplicated: for every stored (From, To, Level) there is also a
// (To, From, Level) edge with the same Distance, and From != To always.
type HNSWEdge struct {
	From     uint64
	To       uint64
	Level    int
	Distance float32
}

// HNSWMeta is the small piece of index-wide state that must survive a
// restart: which node is the entry point, how tall the graph is, and
// whether the index has completed at least one successful flush.
type HNSWMeta struct {
	EntryPoint   uint64
	HasEntry     bool
	MaxLevel     int
	Built        bool
}

// HNSWState is the index's build/persistence lifecycle, per spec.md §4.3.
type HNSWState string

const (
	HNSWEmpty     HNSWState = "empty"
	HNSWBuilding  HNSWState = "building"
	HNSWPersisted HNSWState = "persisted"
	HNSWReady     HNSWState = "ready"
)

// ChangeOp is the kind of mutation recorded in a changelog entry.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// VersionVector maps a node identifier to the last change id applied from
// that node. It is the unit of causal comparison between two changes.
type VersionVector map[string]uint64

// Clone returns an independent copy of vv.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for k, v := range vv {
		out[k] = v
	}
	return out
}

// Merge returns a new version vector holding, for every node id appearing in
// either vv or other, the larger of the two counters.
func (vv VersionVector) Merge(other VersionVector) VersionVector {
	out := vv.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Order describes the causal relationship between two version vectors.
type Order int

const (
	OrderEqual Order = iota
	OrderLess
	OrderGreater
	OrderConcurrent
)

// Compare determines the causal ordering of a relative to b: a dominates b
// (OrderGreater) if every counter in a is >= the corresponding counter in b
// and at least one is strictly greater; symmetric for OrderLess. Anything
// else is OrderConcurrent, unless all counters match (OrderEqual).
func (a VersionVector) Compare(b VersionVector) Order {
	aGreater, bGreater := false, false
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		av, bv := a[k], b[k]
		if av > bv {
			aGreater = true
		} else if bv > av {
			bGreater = true
		}
	}
	switch {
	case !aGreater && !bGreater:
		return OrderEqual
	case aGreater && !bGreater:
		return OrderGreater
	case bGreater && !aGreater:
		return OrderLess
	default:
		return OrderConcurrent
	}
}

// ChangelogEntry is one append-only record of a mutation to a vector record.
type ChangelogEntry struct {
	ChangeID      uint64
	ShardID       string
	VectorID      string
	Op            ChangeOp
	Embedding     []float32
	Metadata      Metadata
	SourceNode    string
	TimestampUs   int64
	VersionVector VersionVector
}

// SyncSession is the durable record of one local peer's replication
// progress against the set of shards and peers it tracks.
type SyncSession struct {
	SessionID      string
	LocalNodeID    string
	ShardIDs       []string
	LastChangeIDs  map[string]uint64        // shard -> change id
	VersionVectors map[string]VersionVector // shard -> version vector
	PendingConflicts []ConflictRecord
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConflictRecord preserves a pair of concurrent changes an unresolved
// ("manual") conflict strategy deferred for external adjudication.
type ConflictRecord struct {
	Local      ChangelogEntry
	Remote     ChangelogEntry
	DetectedAt time.Time
}

// ConflictStrategy is the closed set of per-shard conflict resolution
// policies, per spec.md §4.8.
type ConflictStrategy string

const (
	StrategyLastWriteWins  ConflictStrategy = "last-write-wins"
	StrategyFirstWriteWins ConflictStrategy = "first-write-wins"
	StrategyMerge          ConflictStrategy = "merge"
	StrategyManual         ConflictStrategy = "manual"
)

// ShardStats is the point-in-time summary spec.md §4.1 requires from stats().
type ShardStats struct {
	Count          int
	Bytes          int64
	Dimension      int
	IndexReady     bool
	QuantizerReady bool
}

// SyncResult is always returned from a sync call, success or failure, per
// spec.md §4.9 and §7.
type SyncResult struct {
	Shard               string
	ChangesApplied       int
	ConflictsDetected    int
	ConflictsResolved    int
	ConflictsUnresolved  int
	DurationMS           int64
	Success              bool
	Error                string
}

// PeerStatus is the coordinator's view of a remote peer's health.
type PeerStatus string

const (
	PeerOnline  PeerStatus = "online"
	PeerOffline PeerStatus = "offline"
)

// Peer is a known remote replication endpoint.
type Peer struct {
	Address     string
	Status      PeerStatus
	LastContact time.Time
}
