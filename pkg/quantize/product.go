package quantize

import (
	"encoding/json"
	"math"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/types"
)

const (
	productMaxIterations   = 25
	productConvergenceEps  = 1e-4
)

// ProductCodec splits the embedding into M equal sub-vectors and quantizes
// each one against its own k-means codebook of 2^bits centroids, per
// spec.md §4.4.
type ProductCodec struct {
	bits       int
	subvectors int
	dim        int
	subDim     int
	// centroids[m] holds 2^bits centroids of length subDim for subspace m.
	centroids [][][]float32
	trained   bool
}

func NewProductCodec(bits, subvectors int) *ProductCodec {
	return &ProductCodec{bits: bits, subvectors: subvectors}
}

func (c *ProductCodec) Kind() types.QuantizerKind { return types.QuantizerProduct }
func (c *ProductCodec) Trained() bool             { return c.trained }
func (c *ProductCodec) Dimension() int            { return c.dim }
func (c *ProductCodec) k() int                    { return 1 << uint(c.bits) }

func (c *ProductCodec) Train(sample [][]float32) error {
	if len(sample) == 0 {
		return apperr.New(apperr.InvalidArgument, "product quantizer: empty training sample")
	}
	dim := len(sample[0])
	if c.subvectors <= 0 || dim%c.subvectors != 0 {
		return apperr.Newf(apperr.InvalidArgument, "product quantizer: dimension %d not divisible by subvectors %d", dim, c.subvectors)
	}
	subDim := dim / c.subvectors
	k := c.k()

	centroids := make([][][]float32, c.subvectors)
	for m := 0; m < c.subvectors; m++ {
		sub := extractSubspace(sample, m, subDim)
		centroids[m] = kMeans(sub, k, productMaxIterations, productConvergenceEps)
	}

	c.dim = dim
	c.subDim = subDim
	c.centroids = centroids
	c.trained = true
	return nil
}

func extractSubspace(sample [][]float32, m, subDim int) [][]float32 {
	out := make([][]float32, len(sample))
	for i, v := range sample {
		out[i] = append([]float32(nil), v[m*subDim:(m+1)*subDim]...)
	}
	return out
}

// kMeans runs a small Lloyd's-algorithm loop seeded from the first k sample
// points (or a wrap-around repeat if the sample is smaller than k).
func kMeans(points [][]float32, k, maxIter int, eps float64) [][]float32 {
	if len(points) == 0 {
		return make([][]float32, k)
	}
	dim := len(points[0])
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), points[i%len(points)]...)
	}

	assign := make([]int, len(points))
	for iter := 0; iter < maxIter; iter++ {
		for i, p := range points {
			assign[i] = nearestCentroid(p, centroids)
		}

		newCentroids := make([][]float32, k)
		counts := make([]int, k)
		for i := range newCentroids {
			newCentroids[i] = make([]float32, dim)
		}
		for i, p := range points {
			cl := assign[i]
			counts[cl]++
			for d := 0; d < dim; d++ {
				newCentroids[cl][d] += p[d]
			}
		}
		var maxShift float64
		for i := 0; i < k; i++ {
			if counts[i] == 0 {
				newCentroids[i] = centroids[i]
				continue
			}
			for d := 0; d < dim; d++ {
				newCentroids[i][d] /= float32(counts[i])
			}
			maxShift = math.Max(maxShift, float64(squaredEuclidean(centroids[i], newCentroids[i])))
		}
		centroids = newCentroids
		if maxShift < eps {
			break
		}
	}
	return centroids
}

func nearestCentroid(p []float32, centroids [][]float32) int {
	best := 0
	bestDist := squaredEuclidean(p, centroids[0])
	for i := 1; i < len(centroids); i++ {
		d := squaredEuclidean(p, centroids[i])
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func (c *ProductCodec) Encode(v []float32) ([]byte, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "product quantizer is not trained")
	}
	if len(v) != c.dim {
		return nil, apperr.Newf(apperr.InvalidArgument, "product quantizer: dimension mismatch %d vs %d", len(v), c.dim)
	}
	code := make([]byte, c.subvectors)
	for m := 0; m < c.subvectors; m++ {
		sub := v[m*c.subDim : (m+1)*c.subDim]
		code[m] = byte(nearestCentroid(sub, c.centroids[m]))
	}
	return code, nil
}

func (c *ProductCodec) Decode(code []byte) ([]float32, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "product quantizer is not trained")
	}
	if len(code) != c.subvectors {
		return nil, apperr.Newf(apperr.InvalidArgument, "product quantizer: code length mismatch %d vs %d", len(code), c.subvectors)
	}
	out := make([]float32, 0, c.dim)
	for m, idx := range code {
		out = append(out, c.centroids[m][idx]...)
	}
	return out, nil
}

// AsymmetricDistance sums, over every subspace, the squared distance between
// the query's sub-range and the centroid the code selects, and returns the
// square root of that sum. It computes those sub-distances directly for the
// one code given; it builds no per-query table of distances to every
// centroid.
func (c *ProductCodec) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	if !c.trained {
		return 0, apperr.New(apperr.NotTrained, "product quantizer is not trained")
	}
	if len(query) != c.dim {
		return 0, apperr.Newf(apperr.InvalidArgument, "product quantizer: query dimension mismatch %d vs %d", len(query), c.dim)
	}
	if len(code) != c.subvectors {
		return 0, apperr.Newf(apperr.InvalidArgument, "product quantizer: code length mismatch %d vs %d", len(code), c.subvectors)
	}
	var sum float64
	for m := 0; m < c.subvectors; m++ {
		sub := query[m*c.subDim : (m+1)*c.subDim]
		centroid := c.centroids[m][code[m]]
		sum += float64(squaredEuclidean(sub, centroid))
	}
	return float32(math.Sqrt(sum)), nil
}

type productState struct {
	Bits       int
	Subvectors int
	Dim        int
	SubDim     int
	Centroids  [][][]float32
}

func (c *ProductCodec) Serialize() ([]byte, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "product quantizer is not trained")
	}
	b, err := json.Marshal(productState{
		Bits: c.bits, Subvectors: c.subvectors, Dim: c.dim, SubDim: c.subDim, Centroids: c.centroids,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err)
	}
	return b, nil
}

func loadProduct(state []byte) (Codec, error) {
	var s productState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, apperr.Wrap(apperr.CorruptDelta, err)
	}
	return &ProductCodec{
		bits: s.Bits, subvectors: s.Subvectors, dim: s.Dim, subDim: s.SubDim, centroids: s.Centroids, trained: true,
	}, nil
}
