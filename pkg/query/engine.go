// Package query evaluates k-NN searches against a shard: candidate
// generation (HNSW or full scan), optional quantized prefiltering, exact
// rerank, metadata filtering, ordering, and pagination, per spec.md §4.2.
package query

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/hnsw"
	"github.com/agentmem/core/pkg/log"
	"github.com/agentmem/core/pkg/metric"
	"github.com/agentmem/core/pkg/metrics"
	"github.com/agentmem/core/pkg/quantize"
	"github.com/agentmem/core/pkg/storage"
	"github.com/agentmem/core/pkg/types"
)

// Result is one ranked hit returned by Search.
type Result struct {
	ID        string
	Score     float32
	Metadata  types.Metadata
	Embedding []float32
}

// SearchRequest describes one k-NN query. Zero-value Offset/Limit/
// Threshold/OverFetch mean "unset" — use the Has* flags to distinguish an
// explicit zero from absent.
type SearchRequest struct {
	Shard        string
	Embedding    []float32
	K            int
	Metric       types.Metric
	Threshold    float32
	HasThreshold bool
	Filters      []Filter
	OrderByPath  string // "" orders by similarity (the default)
	OrderDesc    bool
	Offset       int
	Limit        int
	HasLimit     bool
	TwoStage     bool
	OverFetch    int
	Approximate  bool
}

type quantizerBinding struct {
	kind  types.QuantizerKind
	codec quantize.Codec
}

// Engine evaluates SearchRequests against a storage.Engine, optionally
// accelerated per-shard by an attached HNSW graph and/or quantizer.
type Engine struct {
	mu         sync.RWMutex
	store      storage.Engine
	indexes    map[string]*hnsw.Graph
	quantizers map[string]quantizerBinding
	logger     zerolog.Logger
}

// NewEngine returns a query engine backed by store. Shards gain HNSW/
// quantizer acceleration only after AttachIndex/AttachQuantizer is called;
// without either, every search is a full scan with exact scoring.
func NewEngine(store storage.Engine) *Engine {
	return &Engine{
		store:      store,
		indexes:    make(map[string]*hnsw.Graph),
		quantizers: make(map[string]quantizerBinding),
		logger:     log.WithComponent("query"),
	}
}

func (e *Engine) AttachIndex(shard string, g *hnsw.Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexes[shard] = g
}

func (e *Engine) DetachIndex(shard string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indexes, shard)
}

func (e *Engine) AttachQuantizer(shard string, kind types.QuantizerKind, codec quantize.Codec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quantizers[shard] = quantizerBinding{kind: kind, codec: codec}
}

func (e *Engine) DetachQuantizer(shard string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.quantizers, shard)
}

func validMetric(m types.Metric) bool {
	switch m {
	case types.MetricCosine, types.MetricEuclidean, types.MetricDot:
		return true
	}
	return false
}

type candidateRecord struct {
	id        string
	embedding []float32
	metadata  types.Metadata
	score     float32
}

// Search runs the full evaluation pipeline described in spec.md §4.2.
func (e *Engine) Search(req SearchRequest) ([]Result, error) {
	timer := metrics.NewTimer()

	if !validMetric(req.Metric) {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, apperr.Newf(apperr.InvalidMetric, "query: unknown metric %q", req.Metric)
	}

	dim, err := e.store.Dimension(req.Shard)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(req.Embedding) != int(dim) {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, apperr.Newf(apperr.DimensionMismatch, "query: embedding dimension %d does not match shard dimension %d", len(req.Embedding), dim)
	}
	fetchCount := req.K
	if req.HasLimit {
		fetchCount = req.Offset + req.Limit
	}
	if fetchCount <= 0 {
		metrics.QueriesTotal.WithLabelValues("ok").Inc()
		return nil, nil
	}

	e.mu.RLock()
	idx := e.indexes[req.Shard]
	qb, hasQuant := e.quantizers[req.Shard]
	e.mu.RUnlock()

	stats, err := e.store.Stats(req.Shard)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	candidates, path, err := e.generateCandidates(req, fetchCount, idx, stats)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if req.TwoStage && hasQuant && qb.kind == types.QuantizerBinary && qb.codec.Trained() {
		candidates, err = twoStagePrefilter(candidates, req.Embedding, qb.codec, overFetchOrDefault(req, fetchCount))
		if err != nil {
			metrics.QueriesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	rerank(candidates, req, hasQuant, qb)

	results := make([]Result, 0, len(candidates))
	bestFirstDescending := metric.BestFirstDescending(string(req.Metric))
	if req.Approximate && hasQuant {
		bestFirstDescending = false // quantizer distances are all ascending-best
	}
	for _, c := range candidates {
		if !Matches(req.Filters, c.metadata) {
			continue
		}
		if req.HasThreshold && !passesThreshold(c.score, req.Threshold, bestFirstDescending) {
			continue
		}
		results = append(results, Result{ID: c.id, Score: c.score, Metadata: c.metadata, Embedding: c.embedding})
	}

	order(results, req, bestFirstDescending)
	if req.HasLimit {
		results = paginate(results, req)
	} else if len(results) > fetchCount {
		results = results[:fetchCount]
	}

	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	timer.ObserveDurationVec(metrics.QueryDuration, path)
	e.logger.Debug().Str("shard", req.Shard).Str("path", path).Int("results", len(results)).Dur("took", timer.Duration()).Msg("search complete")
	return results, nil
}

func overFetchOrDefault(req SearchRequest, fetchCount int) int {
	if req.OverFetch > 0 {
		return req.OverFetch
	}
	return fetchCount * 10
}

// generateCandidates implements spec.md §4.2 step 1: prefer the HNSW graph
// when it is built and the shard has crossed min_vectors_for_index,
// otherwise stream the full shard through the metric kernel.
func (e *Engine) generateCandidates(req SearchRequest, fetchCount int, idx *hnsw.Graph, stats types.ShardStats) ([]candidateRecord, string, error) {
	if idx != nil && idx.Built() && stats.Count >= idx.Params().MinVectorsForIndex {
		ef := idx.Params().EfSearch
		if fetchCount > ef {
			ef = fetchCount
		}
		hits, err := idx.Search(req.Embedding, ef)
		if err != nil {
			return nil, "hnsw", err
		}
		out := make([]candidateRecord, 0, len(hits))
		for _, h := range hits {
			rec, err := e.store.Get(req.Shard, h.VectorID)
			if err != nil {
				if apperr.Is(err, apperr.NotFound) {
					continue
				}
				return nil, "hnsw", err
			}
			out = append(out, candidateRecord{id: rec.ID, embedding: rec.Embedding, metadata: rec.Metadata})
		}
		return out, "hnsw", nil
	}

	it, err := e.store.Scan(req.Shard)
	if err != nil {
		return nil, "scan", err
	}
	defer it.Close()
	var out []candidateRecord
	for it.Next() {
		rec := it.Record()
		out = append(out, candidateRecord{id: rec.ID, embedding: rec.Embedding, metadata: rec.Metadata})
	}
	if err := it.Err(); err != nil {
		return nil, "scan", err
	}
	return out, "scan", nil
}

// twoStagePrefilter implements spec.md §4.2 step 2: shortlist the
// Hamming-nearest overFetch candidates under the trained binary quantizer
// before the exact rerank.
func twoStagePrefilter(candidates []candidateRecord, query []float32, codec quantize.Codec, overFetch int) ([]candidateRecord, error) {
	type scored struct {
		rec  candidateRecord
		dist float32
	}
	scoredAll := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		code, err := codec.Encode(c.embedding)
		if err != nil {
			return nil, err
		}
		d, err := codec.AsymmetricDistance(query, code)
		if err != nil {
			return nil, err
		}
		scoredAll = append(scoredAll, scored{rec: c, dist: d})
	}
	sort.Slice(scoredAll, func(i, j int) bool {
		if scoredAll[i].dist == scoredAll[j].dist {
			return scoredAll[i].rec.id < scoredAll[j].rec.id
		}
		return scoredAll[i].dist < scoredAll[j].dist
	})
	if overFetch > len(scoredAll) {
		overFetch = len(scoredAll)
	}
	out := make([]candidateRecord, overFetch)
	for i := 0; i < overFetch; i++ {
		out[i] = scoredAll[i].rec
	}
	return out, nil
}

// rerank implements spec.md §4.2 step 3: score every candidate exactly,
// unless the caller asked for approximate scoring through a quantizer.
func rerank(candidates []candidateRecord, req SearchRequest, hasQuant bool, qb quantizerBinding) {
	for i := range candidates {
		if req.Approximate && hasQuant && qb.codec.Trained() {
			if code, err := qb.codec.Encode(candidates[i].embedding); err == nil {
				if d, err := qb.codec.AsymmetricDistance(req.Embedding, code); err == nil {
					candidates[i].score = d
					continue
				}
			}
		}
		candidates[i].score = metric.Score(string(req.Metric), req.Embedding, candidates[i].embedding)
	}
}

func passesThreshold(score, threshold float32, bestFirstDescending bool) bool {
	if bestFirstDescending {
		return score >= threshold
	}
	return score <= threshold
}

// order implements spec.md §4.2 step 5, tie-breaking by id lexicographic
// order in all cases.
func order(results []Result, req SearchRequest, bestFirstDescending bool) {
	if req.OrderByPath != "" {
		sort.Slice(results, func(i, j int) bool {
			av, aok := results[i].Metadata.Path(req.OrderByPath)
			bv, bok := results[j].Metadata.Path(req.OrderByPath)
			if !aok || !bok {
				if aok != bok {
					return aok // defined sorts before undefined
				}
				return results[i].ID < results[j].ID
			}
			if !lessAny(av, bv) && !lessAny(bv, av) {
				return results[i].ID < results[j].ID
			}
			less := lessAny(av, bv)
			if req.OrderDesc {
				less = !less
			}
			return less
		})
		return
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		if bestFirstDescending {
			return results[i].Score > results[j].Score
		}
		return results[i].Score < results[j].Score
	})
}

func lessAny(a, b any) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af < bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return false
}

// paginate implements spec.md §4.2 step 6.
func paginate(results []Result, req SearchRequest) []Result {
	if req.Offset > 0 {
		if req.Offset >= len(results) {
			return nil
		}
		results = results[req.Offset:]
	}
	if req.HasLimit && req.Limit < len(results) {
		results = results[:req.Limit]
	}
	return results
}
