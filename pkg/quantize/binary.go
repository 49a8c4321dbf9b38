package quantize

import (
	"encoding/json"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/types"
)

// BinaryCodec thresholds each dimension against its trained median (or
// zero) and packs the result into a roaring bitmap, one set bit per
// dimension that sits above threshold. Hamming distance between two codes
// is then the cardinality of their XOR, per spec.md §4.4.
type BinaryCodec struct {
	dim        int
	thresholds []float32
	zeroCenter bool
	trained    bool
}

// NewBinaryCodec returns an untrained codec. When zeroCenter is true,
// training skips the median computation and thresholds every dimension at
// zero, per spec.md §4.4's "or take zero when configured".
func NewBinaryCodec(zeroCenter bool) *BinaryCodec {
	return &BinaryCodec{zeroCenter: zeroCenter}
}

func (c *BinaryCodec) Kind() types.QuantizerKind { return types.QuantizerBinary }
func (c *BinaryCodec) Trained() bool             { return c.trained }
func (c *BinaryCodec) Dimension() int            { return c.dim }

func (c *BinaryCodec) Train(sample [][]float32) error {
	if len(sample) == 0 {
		return apperr.New(apperr.InvalidArgument, "binary quantizer: empty training sample")
	}
	dim := len(sample[0])
	thresholds := make([]float32, dim)
	if c.zeroCenter {
		c.dim = dim
		c.thresholds = thresholds // all zero
		c.trained = true
		return nil
	}
	column := make([]float32, len(sample))
	for d := 0; d < dim; d++ {
		for i, v := range sample {
			if len(v) != dim {
				return apperr.Newf(apperr.InvalidArgument, "binary quantizer: inconsistent sample dimension %d vs %d", len(v), dim)
			}
			column[i] = v[d]
		}
		thresholds[d] = median(column)
	}
	c.dim = dim
	c.thresholds = thresholds
	c.trained = true
	return nil
}

func median(values []float32) float32 {
	sorted := append([]float32(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func (c *BinaryCodec) Encode(v []float32) ([]byte, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "binary quantizer is not trained")
	}
	if len(v) != c.dim {
		return nil, apperr.Newf(apperr.InvalidArgument, "binary quantizer: dimension mismatch %d vs %d", len(v), c.dim)
	}
	bm := roaring.New()
	for d := 0; d < c.dim; d++ {
		if v[d] > c.thresholds[d] {
			bm.Add(uint32(d))
		}
	}
	return bm.ToBytes()
}

func (c *BinaryCodec) Decode(code []byte) ([]float32, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "binary quantizer is not trained")
	}
	bm, err := bitmapFromBytes(code)
	if err != nil {
		return nil, err
	}
	out := make([]float32, c.dim)
	for d := 0; d < c.dim; d++ {
		if bm.Contains(uint32(d)) {
			out[d] = c.thresholds[d] + 1
		} else {
			out[d] = c.thresholds[d] - 1
		}
	}
	return out, nil
}

// AsymmetricDistance encodes the query with the same thresholds and
// returns the Hamming distance (popcount of the XOR) to code, per
// spec.md §4.4.
func (c *BinaryCodec) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	queryCode, err := c.Encode(query)
	if err != nil {
		return 0, err
	}
	return hammingDistance(queryCode, code)
}

func hammingDistance(a, b []byte) (float32, error) {
	bmA, err := bitmapFromBytes(a)
	if err != nil {
		return 0, err
	}
	bmB, err := bitmapFromBytes(b)
	if err != nil {
		return 0, err
	}
	xor := roaring.Xor(bmA, bmB)
	return float32(xor.GetCardinality()), nil
}

func bitmapFromBytes(b []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(b) == 0 {
		return bm, nil
	}
	if _, err := bm.FromBuffer(b); err != nil {
		return nil, apperr.Wrap(apperr.CorruptDelta, err)
	}
	return bm, nil
}

type binaryState struct {
	Dim        int
	Thresholds []float32
	ZeroCenter bool
}

func (c *BinaryCodec) Serialize() ([]byte, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "binary quantizer is not trained")
	}
	b, err := json.Marshal(binaryState{Dim: c.dim, Thresholds: c.thresholds, ZeroCenter: c.zeroCenter})
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err)
	}
	return b, nil
}

func loadBinary(state []byte) (Codec, error) {
	var s binaryState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, apperr.Wrap(apperr.CorruptDelta, err)
	}
	return &BinaryCodec{dim: s.Dim, thresholds: s.Thresholds, zeroCenter: s.ZeroCenter, trained: true}, nil
}

