package query

import "github.com/agentmem/core/pkg/types"

// Builder is the fluent interface spec.md §4.2 describes as an alternative
// to a flat Search call: the same evaluation pipeline, assembled through
// chained method calls.
type Builder struct {
	req SearchRequest
}

// New starts a query against shard for the given embedding.
func New(shard string, embedding []float32) *Builder {
	return &Builder{req: SearchRequest{Shard: shard, Embedding: embedding, Metric: types.MetricCosine}}
}

func (b *Builder) K(k int) *Builder {
	b.req.K = k
	return b
}

func (b *Builder) WithMetric(m types.Metric) *Builder {
	b.req.Metric = m
	return b
}

func (b *Builder) Threshold(t float32) *Builder {
	b.req.Threshold = t
	b.req.HasThreshold = true
	return b
}

// Where appends a metadata filter; successive calls conjoin (AND).
func (b *Builder) Where(path string, op Op, value any) *Builder {
	b.req.Filters = append(b.req.Filters, Filter{Path: path, Op: op, Value: value})
	return b
}

// OrderBySimilarity restores the default ordering (best score first).
func (b *Builder) OrderBySimilarity() *Builder {
	b.req.OrderByPath = ""
	return b
}

// OrderByPath orders by a metadata path instead of similarity.
func (b *Builder) OrderByPath(path string, descending bool) *Builder {
	b.req.OrderByPath = path
	b.req.OrderDesc = descending
	return b
}

func (b *Builder) Offset(n int) *Builder {
	b.req.Offset = n
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.req.Limit = n
	b.req.HasLimit = true
	return b
}

// TwoStage requests the binary-quantizer Hamming prefilter of spec.md
// §4.2 step 2, overFetch candidates wide.
func (b *Builder) TwoStage(overFetch int) *Builder {
	b.req.TwoStage = true
	b.req.OverFetch = overFetch
	return b
}

// Approximate asks the rerank stage to score against the attached
// quantizer's asymmetric distance instead of the raw embedding.
func (b *Builder) Approximate() *Builder {
	b.req.Approximate = true
	return b
}

// Request returns the assembled SearchRequest without running it.
func (b *Builder) Request() SearchRequest { return b.req }

// Run evaluates the assembled request against engine.
func (b *Builder) Run(engine *Engine) ([]Result, error) {
	return engine.Search(b.req)
}
