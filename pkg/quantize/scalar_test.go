package quantize

import (
	"math/rand"
	"testing"

	"github.com/agentmem/core/pkg/apperr"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestScalarEncodeUntrained(t *testing.T) {
	c := NewScalarCodec(8)
	_, err := c.Encode([]float32{1, 2, 3})
	if !apperr.Is(err, apperr.NotTrained) {
		t.Fatalf("expected NotTrained, got %v", err)
	}
}

func TestScalarRoundTripErrorBound(t *testing.T) {
	const dim = 128
	sample := randomVectors(1000, dim, 1)
	c := NewScalarCodec(8)
	if err := c.Train(sample); err != nil {
		t.Fatalf("train: %v", err)
	}

	testSet := randomVectors(100, dim, 2)
	for _, v := range testSet {
		code, err := c.Encode(v)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := c.Decode(code)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		for d := 0; d < dim; d++ {
			bound := (c.max[d] - c.min[d]) / 255
			diff := v[d] - decoded[d]
			if diff < 0 {
				diff = -diff
			}
			if diff > bound+1e-4 {
				t.Fatalf("dimension %d error %v exceeds bound %v", d, diff, bound)
			}
		}
	}
}

func TestScalarRejectsInvalidBits(t *testing.T) {
	c := NewScalarCodec(12)
	err := c.Train(randomVectors(10, 4, 1))
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestScalar16BitRoundTripDoesNotWrap(t *testing.T) {
	const dim = 8
	sample := randomVectors(200, dim, 4)
	c := NewScalarCodec(16)
	if err := c.Train(sample); err != nil {
		t.Fatalf("train: %v", err)
	}

	v := sample[0]
	code, err := c.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(code) != dim*2 {
		t.Fatalf("expected %d packed bytes, got %d", dim*2, len(code))
	}
	decoded, err := c.Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for d := 0; d < dim; d++ {
		bound := (c.max[d] - c.min[d]) / 65535
		diff := v[d] - decoded[d]
		if diff < 0 {
			diff = -diff
		}
		if diff > bound+1e-4 {
			t.Fatalf("dimension %d error %v exceeds 16-bit bound %v", d, diff, bound)
		}
	}
}

func TestScalar4BitRoundTrip(t *testing.T) {
	const dim = 4
	sample := randomVectors(100, dim, 5)
	c := NewScalarCodec(4)
	if err := c.Train(sample); err != nil {
		t.Fatalf("train: %v", err)
	}
	code, err := c.Encode(sample[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(code) != dim {
		t.Fatalf("expected %d packed bytes, got %d", dim, len(code))
	}
	if _, err := c.Decode(code); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestScalarSerializeRoundTrip(t *testing.T) {
	c := NewScalarCodec(8)
	if err := c.Train(randomVectors(50, 4, 3)); err != nil {
		t.Fatalf("train: %v", err)
	}
	state, err := c.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	loaded, err := loadScalar(state)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v := []float32{0.1, 0.2, -0.3, 0.4}
	code1, _ := c.Encode(v)
	code2, err := loaded.Encode(v)
	if err != nil {
		t.Fatalf("encode reloaded: %v", err)
	}
	for i := range code1 {
		if code1[i] != code2[i] {
			t.Fatalf("reloaded codec diverges at %d: %d vs %d", i, code1[i], code2[i])
		}
	}
}
