// Package hnsw implements the layered proximity graph described in
// spec.md §4.3: approximate k-NN search in euclidean space, built
// incrementally and persisted through the storage engine.
package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/metric"
	"github.com/agentmem/core/pkg/storage"
	"github.com/agentmem/core/pkg/types"
)

// Params are the tunable construction/search parameters, spec.md §4.3.
type Params struct {
	M                  int
	M0                 int
	EfConstruction     int
	EfSearch           int
	MaxLevelCap        int
	MinVectorsForIndex int
}

// DefaultParams matches spec.md §4.3's recommended defaults.
func DefaultParams() Params {
	return Params{M: 16, M0: 32, EfConstruction: 200, EfSearch: 50, MaxLevelCap: 16, MinVectorsForIndex: 1000}
}

type graphNode struct {
	id        uint64
	vectorID  string
	level     int
	embedding []float32
	// neighbors[level][neighborID] = distance
	neighbors []map[uint64]float32
}

// Graph is the in-memory HNSW index for one shard.
type Graph struct {
	dim        int
	params     Params
	state      types.HNSWState
	nodes      map[uint64]*graphNode
	byVectorID map[string]uint64
	entryPoint uint64
	hasEntry   bool
	maxLevel   int
	nextNodeID uint64
	mL         float64
	rng        *rand.Rand
}

// NewGraph returns an empty graph ready to enter the "building" state.
func NewGraph(dim int, params Params) *Graph {
	return &Graph{
		dim:        dim,
		params:     params,
		state:      types.HNSWEmpty,
		nodes:      make(map[uint64]*graphNode),
		byVectorID: make(map[string]uint64),
		mL:         1 / math.Log(float64(params.M)),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *Graph) State() types.HNSWState { return g.state }
func (g *Graph) Len() int               { return len(g.nodes) }
func (g *Graph) Params() Params         { return g.params }

// Built reports whether the graph has completed at least one successful
// flush — the "index is built" condition the query engine's candidate
// generation step checks before preferring HNSW over a full scan.
func (g *Graph) Built() bool {
	return g.state == types.HNSWPersisted || g.state == types.HNSWReady
}

func (g *Graph) sampleLevel() int {
	l := int(math.Floor(-math.Log(g.rng.Float64()) * g.mL))
	if l > g.params.MaxLevelCap {
		l = g.params.MaxLevelCap
	}
	return l
}

// Insert adds vectorID/embedding to the graph. An empty graph moves to
// "building"; any other state is kept, so a built graph accepts
// incremental inserts too.
func (g *Graph) Insert(vectorID string, embedding []float32) error {
	if len(embedding) != g.dim {
		return apperr.Newf(apperr.InvalidArgument, "hnsw: embedding dimension %d does not match graph dimension %d", len(embedding), g.dim)
	}
	if g.state == types.HNSWEmpty {
		g.state = types.HNSWBuilding
	}

	id := g.nextNodeID
	g.nextNodeID++

	if !g.hasEntry {
		n := &graphNode{id: id, vectorID: vectorID, level: 0, embedding: embedding, neighbors: []map[uint64]float32{{}}}
		g.nodes[id] = n
		g.byVectorID[vectorID] = id
		g.entryPoint = id
		g.hasEntry = true
		g.maxLevel = 0
		return nil
	}

	level := g.sampleLevel()
	n := &graphNode{id: id, vectorID: vectorID, level: level, embedding: embedding, neighbors: make([]map[uint64]float32, level+1)}
	for i := range n.neighbors {
		n.neighbors[i] = make(map[uint64]float32)
	}
	g.nodes[id] = n
	g.byVectorID[vectorID] = id

	current := g.entryPoint
	for lc := g.maxLevel; lc > level; lc-- {
		current = g.greedyDescend(current, embedding, lc)
	}

	entryPoints := []uint64{current}
	for lc := minInt(level, g.maxLevel); lc >= 0; lc-- {
		candidates := g.searchLayer(embedding, entryPoints, g.params.EfConstruction, lc)
		degreeCap := g.params.M
		if lc == 0 {
			degreeCap = g.params.M0
		}
		selected := selectClosest(candidates, degreeCap)
		for _, cand := range selected {
			dist := metric.SquaredEuclidean(embedding, g.nodes[cand.id].embedding)
			g.connect(id, cand.id, lc, dist)
			g.pruneIfNeeded(cand.id, lc)
		}
		entryPoints = idsOf(candidates)
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entryPoint = id
	}
	return nil
}

func (g *Graph) greedyDescend(from uint64, query []float32, level int) uint64 {
	current := from
	for {
		best := current
		bestDist := metric.SquaredEuclidean(query, g.nodes[current].embedding)
		for nb := range g.neighborsAt(current, level) {
			d := metric.SquaredEuclidean(query, g.nodes[nb].embedding)
			if d < bestDist {
				best = nb
				bestDist = d
			}
		}
		if best == current {
			return current
		}
		current = best
	}
}

func (g *Graph) neighborsAt(id uint64, level int) map[uint64]float32 {
	n := g.nodes[id]
	if level >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[level]
}

func (g *Graph) connect(a, b uint64, level int, dist float32) {
	g.ensureLevel(a, level)
	g.ensureLevel(b, level)
	g.nodes[a].neighbors[level][b] = dist
	g.nodes[b].neighbors[level][a] = dist
}

func (g *Graph) ensureLevel(id uint64, level int) {
	n := g.nodes[id]
	for len(n.neighbors) <= level {
		n.neighbors = append(n.neighbors, make(map[uint64]float32))
	}
}

// pruneIfNeeded re-selects the top-M (or M0 at level 0) neighbors of id at
// level from its current neighbor set when the cap is exceeded.
func (g *Graph) pruneIfNeeded(id uint64, level int) {
	degreeCap := g.params.M
	if level == 0 {
		degreeCap = g.params.M0
	}
	neighbors := g.neighborsAt(id, level)
	if len(neighbors) <= degreeCap {
		return
	}
	self := g.nodes[id]
	cands := make([]scoredNode, 0, len(neighbors))
	for nb, d := range neighbors {
		cands = append(cands, scoredNode{id: nb, dist: d})
	}
	kept := selectClosest(cands, degreeCap)
	newSet := make(map[uint64]float32, len(kept))
	for _, k := range kept {
		newSet[k.id] = k.dist
	}
	for nb := range neighbors {
		if _, ok := newSet[nb]; !ok {
			delete(g.nodes[nb].neighbors[level], id)
		}
	}
	self.neighbors[level] = newSet
}

type scoredNode struct {
	id   uint64
	dist float32
}

func selectClosest(cands []scoredNode, k int) []scoredNode {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist == cands[j].dist {
			return cands[i].id < cands[j].id
		}
		return cands[i].dist < cands[j].dist
	})
	if k > len(cands) {
		k = len(cands)
	}
	return cands[:k]
}

func idsOf(cands []scoredNode) []uint64 {
	out := make([]uint64, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// searchLayer implements spec.md §4.3's search_layer: expand candidates
// from entryPoints until the closest unexpanded candidate is farther than
// the worst kept result, capped at ef and tie-broken by node id.
func (g *Graph) searchLayer(query []float32, entryPoints []uint64, ef, level int) []scoredNode {
	visited := roaring64.New()
	var candidates, results []scoredNode
	for _, id := range entryPoints {
		if visited.Contains(id) {
			continue
		}
		visited.Add(id)
		d := metric.SquaredEuclidean(query, g.nodes[id].embedding)
		candidates = insertSorted(candidates, scoredNode{id: id, dist: d})
		results = insertSortedCapped(results, scoredNode{id: id, dist: d}, ef)
	}

	for len(candidates) > 0 {
		c := candidates[0]
		candidates = candidates[1:]
		if len(results) >= ef && c.dist > results[len(results)-1].dist {
			break
		}
		for nb := range g.neighborsAt(c.id, level) {
			if visited.Contains(nb) {
				continue
			}
			visited.Add(nb)
			d := metric.SquaredEuclidean(query, g.nodes[nb].embedding)
			if len(results) < ef || d < results[len(results)-1].dist {
				candidates = insertSorted(candidates, scoredNode{id: nb, dist: d})
				results = insertSortedCapped(results, scoredNode{id: nb, dist: d}, ef)
			}
		}
	}
	return results
}

func insertSorted(s []scoredNode, v scoredNode) []scoredNode {
	i := sort.Search(len(s), func(i int) bool {
		if s[i].dist == v.dist {
			return s[i].id >= v.id
		}
		return s[i].dist > v.dist
	})
	s = append(s, scoredNode{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertSortedCapped(s []scoredNode, v scoredNode, cap int) []scoredNode {
	s = insertSorted(s, v)
	if len(s) > cap {
		s = s[:cap]
	}
	return s
}

// SearchResult is one ranked neighbor returned by Search.
type SearchResult struct {
	VectorID string
	Distance float32
}

// Search returns up to k approximate nearest neighbors to query in
// euclidean space.
func (g *Graph) Search(query []float32, k int) ([]SearchResult, error) {
	if len(query) != g.dim {
		return nil, apperr.Newf(apperr.InvalidArgument, "hnsw: query dimension %d does not match graph dimension %d", len(query), g.dim)
	}
	if !g.hasEntry || k <= 0 {
		return nil, nil
	}
	current := g.entryPoint
	for lc := g.maxLevel; lc > 0; lc-- {
		current = g.greedyDescend(current, query, lc)
	}
	ef := g.params.EfSearch
	if k > ef {
		ef = k
	}
	results := g.searchLayer(query, []uint64{current}, ef, 0)
	if k > len(results) {
		k = len(results)
	}
	out := make([]SearchResult, k)
	for i := 0; i < k; i++ {
		out[i] = SearchResult{VectorID: g.nodes[results[i].id].vectorID, Distance: float32(math.Sqrt(float64(results[i].dist)))}
	}
	return out, nil
}

// BuildOptimized enters "building" and inserts every record from src, then
// flushes to storage, per spec.md §4.3.
func BuildOptimized(dim int, params Params, engine storage.Engine, shardID string, src storage.Iterator) (*Graph, error) {
	g := NewGraph(dim, params)
	g.state = types.HNSWBuilding
	for src.Next() {
		rec := src.Record()
		if err := g.Insert(rec.ID, rec.Embedding); err != nil {
			return nil, err
		}
	}
	if err := src.Err(); err != nil {
		return nil, err
	}
	if err := g.FlushToStorage(engine, shardID); err != nil {
		return nil, err
	}
	return g, nil
}

// FlushToStorage writes the in-memory graph in one storage transaction,
// per spec.md §4.3. On failure the in-memory graph is left untouched and
// built remains false — the caller's build attempt simply failed, the
// storage engine's prior state is unaffected.
func (g *Graph) FlushToStorage(engine storage.Engine, shardID string) error {
	var nodes []types.HNSWNode
	var edges []types.HNSWEdge
	for _, n := range g.nodes {
		nodes = append(nodes, types.HNSWNode{NodeID: n.id, VectorID: n.vectorID, Level: n.level, Embedding: n.embedding})
		for level, neighbors := range n.neighbors {
			for nb, dist := range neighbors {
				edges = append(edges, types.HNSWEdge{From: n.id, To: nb, Level: level, Distance: dist})
			}
		}
	}
	meta := types.HNSWMeta{EntryPoint: g.entryPoint, HasEntry: g.hasEntry, MaxLevel: g.maxLevel, Built: true}
	if err := engine.FlushHNSW(shardID, nodes, edges, meta); err != nil {
		g.state = types.HNSWBuilding
		return err
	}
	g.state = types.HNSWPersisted
	return nil
}

// LoadFromStorage reconstructs a graph from a previous flush.
func LoadFromStorage(dim int, params Params, engine storage.Engine, shardID string) (*Graph, error) {
	nodes, edges, meta, err := engine.LoadHNSW(shardID)
	if err != nil {
		return nil, err
	}
	g := NewGraph(dim, params)
	var maxID uint64
	for _, n := range nodes {
		gn := &graphNode{id: n.NodeID, vectorID: n.VectorID, level: n.Level, embedding: n.Embedding, neighbors: make([]map[uint64]float32, n.Level+1)}
		for i := range gn.neighbors {
			gn.neighbors[i] = make(map[uint64]float32)
		}
		g.nodes[n.NodeID] = gn
		g.byVectorID[n.VectorID] = n.NodeID
		if n.NodeID >= maxID {
			maxID = n.NodeID + 1
		}
	}
	for _, e := range edges {
		g.ensureLevel(e.From, e.Level)
		g.nodes[e.From].neighbors[e.Level][e.To] = e.Distance
	}
	g.nextNodeID = maxID
	g.entryPoint = meta.EntryPoint
	g.hasEntry = meta.HasEntry
	g.maxLevel = meta.MaxLevel
	if meta.Built {
		g.state = types.HNSWReady
	} else if len(nodes) > 0 {
		g.state = types.HNSWBuilding
	}
	return g, nil
}

// Delete removes vectorID's node and every incident edge under one
// storage transaction, promoting a new entry point if necessary, per
// spec.md §4.3.
func (g *Graph) Delete(vectorID string, engine storage.Engine, shardID string) error {
	id, ok := g.byVectorID[vectorID]
	if !ok {
		return apperr.Newf(apperr.NotFound, "hnsw: vector %s not indexed", vectorID)
	}
	n := g.nodes[id]
	for level, neighbors := range n.neighbors {
		for nb := range neighbors {
			delete(g.nodes[nb].neighbors[level], id)
		}
	}
	delete(g.nodes, id)
	delete(g.byVectorID, vectorID)

	if _, err := engine.DeleteHNSWNode(shardID, id); err != nil {
		return err
	}

	if g.entryPoint == id {
		g.promoteEntryPoint()
		if err := engine.SaveHNSWMeta(shardID, types.HNSWMeta{EntryPoint: g.entryPoint, HasEntry: g.hasEntry, MaxLevel: g.maxLevel, Built: g.hasEntry}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) promoteEntryPoint() {
	g.hasEntry = false
	g.maxLevel = 0
	for id, n := range g.nodes {
		if !g.hasEntry || n.level > g.maxLevel {
			g.entryPoint = id
			g.maxLevel = n.level
			g.hasEntry = true
		}
	}
}
