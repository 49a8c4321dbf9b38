package quantize

import (
	"encoding/json"
	"math"

	"github.com/agentmem/core/pkg/apperr"
	"github.com/agentmem/core/pkg/types"
)

// ScalarCodec is the per-dimension min/max uniform quantizer spec.md §4.4
// recommends as the default. Each dimension's level is packed into
// byteWidth() bytes, big-endian, so bits ∈ {4, 8, 16} all round-trip
// exactly instead of wrapping a wider level into a single byte.
type ScalarCodec struct {
	bits    int
	dim     int
	min     []float32
	max     []float32
	trained bool
}

// NewScalarCodec returns an untrained codec encoding each dimension with
// the given bit width. Validated against spec.md §4.4's bits ∈ {4, 8, 16}
// at Train time, since this constructor has no error return.
func NewScalarCodec(bits int) *ScalarCodec {
	return &ScalarCodec{bits: bits}
}

func (c *ScalarCodec) Kind() types.QuantizerKind { return types.QuantizerScalar }
func (c *ScalarCodec) Trained() bool             { return c.trained }
func (c *ScalarCodec) Dimension() int            { return c.dim }

func (c *ScalarCodec) levels() float64 { return math.Pow(2, float64(c.bits)) - 1 }

// byteWidth is how many bytes one dimension's code occupies.
func (c *ScalarCodec) byteWidth() int { return (c.bits + 7) / 8 }

func validScalarBits(bits int) bool {
	return bits == 4 || bits == 8 || bits == 16
}

func (c *ScalarCodec) Train(sample [][]float32) error {
	if !validScalarBits(c.bits) {
		return apperr.Newf(apperr.InvalidArgument, "scalar quantizer: bits must be one of {4, 8, 16}, got %d", c.bits)
	}
	if len(sample) == 0 {
		return apperr.New(apperr.InvalidArgument, "scalar quantizer: empty training sample")
	}
	dim := len(sample[0])
	min := make([]float32, dim)
	max := make([]float32, dim)
	copy(min, sample[0])
	copy(max, sample[0])
	for _, v := range sample[1:] {
		if len(v) != dim {
			return apperr.Newf(apperr.InvalidArgument, "scalar quantizer: inconsistent sample dimension %d vs %d", len(v), dim)
		}
		for d := 0; d < dim; d++ {
			if v[d] < min[d] {
				min[d] = v[d]
			}
			if v[d] > max[d] {
				max[d] = v[d]
			}
		}
	}
	c.dim = dim
	c.min = min
	c.max = max
	c.trained = true
	return nil
}

func (c *ScalarCodec) Encode(v []float32) ([]byte, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "scalar quantizer is not trained")
	}
	if len(v) != c.dim {
		return nil, apperr.Newf(apperr.InvalidArgument, "scalar quantizer: dimension mismatch %d vs %d", len(v), c.dim)
	}
	levels := c.levels()
	width := c.byteWidth()
	codes := make([]byte, c.dim*width)
	for d := 0; d < c.dim; d++ {
		level := uint64(clampLevel(quantizeLevel(v[d], c.min[d], c.max[d], levels), levels))
		putLevel(codes[d*width:(d+1)*width], level, width)
	}
	return codes, nil
}

func (c *ScalarCodec) Decode(code []byte) ([]float32, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "scalar quantizer is not trained")
	}
	width := c.byteWidth()
	if len(code) != c.dim*width {
		return nil, apperr.Newf(apperr.InvalidArgument, "scalar quantizer: code length mismatch %d vs %d", len(code), c.dim*width)
	}
	levels := c.levels()
	out := make([]float32, c.dim)
	for d := 0; d < c.dim; d++ {
		level := getLevel(code[d*width : (d+1)*width])
		out[d] = dequantizeLevel(float64(level), c.min[d], c.max[d], levels)
	}
	return out, nil
}

// putLevel writes level into buf (len(buf) == width bytes), most
// significant byte first.
func putLevel(buf []byte, level uint64, width int) {
	for i := 0; i < width; i++ {
		shift := uint(8 * (width - 1 - i))
		buf[i] = byte(level >> shift)
	}
}

// getLevel is putLevel's inverse.
func getLevel(buf []byte) uint64 {
	var level uint64
	for _, b := range buf {
		level = level<<8 | uint64(b)
	}
	return level
}

// AsymmetricDistance compares the full-precision query to the decoded form
// of the code, per spec.md §4.4's "compute euclidean between the unchanged
// query and the decoded form" option.
func (c *ScalarCodec) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	decoded, err := c.Decode(code)
	if err != nil {
		return 0, err
	}
	if len(query) != len(decoded) {
		return 0, apperr.Newf(apperr.InvalidArgument, "scalar quantizer: query dimension mismatch %d vs %d", len(query), len(decoded))
	}
	var sum float64
	for i := range query {
		d := float64(query[i]) - float64(decoded[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum)), nil
}

type scalarState struct {
	Bits int
	Dim  int
	Min  []float32
	Max  []float32
}

func (c *ScalarCodec) Serialize() ([]byte, error) {
	if !c.trained {
		return nil, apperr.New(apperr.NotTrained, "scalar quantizer is not trained")
	}
	b, err := json.Marshal(scalarState{Bits: c.bits, Dim: c.dim, Min: c.min, Max: c.max})
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err)
	}
	return b, nil
}

func loadScalar(state []byte) (Codec, error) {
	var s scalarState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, apperr.Wrap(apperr.CorruptDelta, err)
	}
	return &ScalarCodec{bits: s.Bits, dim: s.Dim, min: s.Min, max: s.Max, trained: true}, nil
}

func quantizeLevel(x, min, max float32, levels float64) float64 {
	if max <= min {
		return 0
	}
	return math.Round(float64(x-min) / float64(max-min) * levels)
}

func dequantizeLevel(code float64, min, max float32, levels float64) float32 {
	if levels == 0 {
		return min
	}
	return min + float32(code/levels)*(max-min)
}

func clampLevel(v, levels float64) float64 {
	if v < 0 {
		return 0
	}
	if v > levels {
		return levels
	}
	return v
}
