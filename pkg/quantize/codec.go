// Package quantize implements the lossy embedding codecs described in
// spec.md §4.4: scalar, product, and binary quantization, each pairing a
// compact on-disk representation with an asymmetric distance kernel that
// avoids fully decoding a candidate before scoring it.
package quantize

import (
	"sort"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/types"
)

// Codec is the common contract every quantizer variant implements.
type Codec interface {
	Kind() types.QuantizerKind
	Trained() bool
	Dimension() int

	// Train fits codec parameters from sample. It is only ever called once
	// per codec instance; a retrain is a new codec, per spec.md §4.4's
	// "once trained, parameters are immutable" rule.
	Train(sample [][]float32) error

	Encode(v []float32) ([]byte, error)
	Decode(code []byte) ([]float32, error)

	// AsymmetricDistance scores a full-precision query against a stored
	// code without necessarily decoding it back to a full vector first.
	AsymmetricDistance(query []float32, code []byte) (float32, error)

	Serialize() ([]byte, error)
}

// Load reconstructs a trained codec of the given kind from bytes previously
// returned by Serialize.
func Load(kind types.QuantizerKind, state []byte) (Codec, error) {
	switch kind {
	case types.QuantizerScalar:
		return loadScalar(state)
	case types.QuantizerProduct:
		return loadProduct(state)
	case types.QuantizerBinary:
		return loadBinary(state)
	default:
		return nil, apperr.Newf(apperr.InvalidArgument, "unknown quantizer kind %q", kind)
	}
}

// AccuracyReport is the result of evaluate_accuracy per spec.md §4.4.
type AccuracyReport struct {
	AvgError   float32
	RecallAt10 float32
}

// EvaluateAccuracy measures round-trip reconstruction error and a
// self-referential recall@10: for each vector in testSet, the exact
// top-10 euclidean neighbors within testSet are compared against the
// top-10 neighbors ranked by the codec's asymmetric distance.
func EvaluateAccuracy(c Codec, testSet [][]float32) (AccuracyReport, error) {
	if !c.Trained() {
		return AccuracyReport{}, apperr.New(apperr.NotTrained, "codec is not trained")
	}
	if len(testSet) == 0 {
		return AccuracyReport{}, apperr.New(apperr.InvalidArgument, "empty test set")
	}

	codes := make([][]byte, len(testSet))
	var errSum float64
	var errCount int64
	for i, v := range testSet {
		code, err := c.Encode(v)
		if err != nil {
			return AccuracyReport{}, err
		}
		codes[i] = code
		decoded, err := c.Decode(code)
		if err != nil {
			return AccuracyReport{}, err
		}
		for d := range v {
			diff := float64(v[d] - decoded[d])
			if diff < 0 {
				diff = -diff
			}
			errSum += diff
			errCount++
		}
	}
	avgError := float32(0)
	if errCount > 0 {
		avgError = float32(errSum / float64(errCount))
	}

	k := 10
	if k > len(testSet)-1 {
		k = len(testSet) - 1
	}
	if k <= 0 {
		return AccuracyReport{AvgError: avgError, RecallAt10: 1}, nil
	}

	var totalOverlap, totalPossible int
	for i, query := range testSet {
		exact := topKExact(testSet, i, query, k)
		approx, err := topKApprox(c, codes, i, query, k)
		if err != nil {
			return AccuracyReport{}, err
		}
		totalOverlap += overlapCount(exact, approx)
		totalPossible += k
	}
	recall := float32(0)
	if totalPossible > 0 {
		recall = float32(totalOverlap) / float32(totalPossible)
	}
	return AccuracyReport{AvgError: avgError, RecallAt10: recall}, nil
}

type scoredIdx struct {
	idx  int
	dist float32
}

func topKExact(set [][]float32, excludeIdx int, query []float32, k int) []int {
	var candidates []scoredIdx
	for i, v := range set {
		if i == excludeIdx {
			continue
		}
		candidates = append(candidates, scoredIdx{idx: i, dist: squaredEuclidean(query, v)})
	}
	return topKIndices(candidates, k)
}

func topKApprox(c Codec, codes [][]byte, excludeIdx int, query []float32, k int) ([]int, error) {
	var candidates []scoredIdx
	for i, code := range codes {
		if i == excludeIdx {
			continue
		}
		d, err := c.AsymmetricDistance(query, code)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scoredIdx{idx: i, dist: d})
	}
	return topKIndices(candidates, k), nil
}

func topKIndices(candidates []scoredIdx, k int) []int {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].idx
	}
	return out
}

func overlapCount(a, b []int) int {
	set := make(map[int]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	count := 0
	for _, x := range b {
		if _, ok := set[x]; ok {
			count++
		}
	}
	return count
}

func squaredEuclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}
