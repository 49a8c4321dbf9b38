package quantize

import "testing"

func TestBinaryEncodeSelfDistanceZero(t *testing.T) {
	c := NewBinaryCodec(false)
	sample := randomVectors(100, 16, 1)
	if err := c.Train(sample); err != nil {
		t.Fatalf("train: %v", err)
	}
	v := sample[0]
	code, err := c.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := c.AsymmetricDistance(v, code)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if d != 0 {
		t.Fatalf("expected zero self-distance, got %v", d)
	}
}

func TestBinaryZeroCenterSkipsMedian(t *testing.T) {
	c := NewBinaryCodec(true)
	if err := c.Train(randomVectors(20, 8, 2)); err != nil {
		t.Fatalf("train: %v", err)
	}
	for _, th := range c.thresholds {
		if th != 0 {
			t.Fatalf("expected all-zero thresholds, got %v", th)
		}
	}
}

func TestBinarySerializeRoundTrip(t *testing.T) {
	c := NewBinaryCodec(false)
	sample := randomVectors(50, 8, 3)
	if err := c.Train(sample); err != nil {
		t.Fatalf("train: %v", err)
	}
	state, err := c.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	loaded, err := loadBinary(state)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v := sample[0]
	code1, _ := c.Encode(v)
	code2, err := loaded.Encode(v)
	if err != nil {
		t.Fatalf("reloaded encode: %v", err)
	}
	d, err := hammingDistance(code1, code2)
	if err != nil {
		t.Fatalf("hamming: %v", err)
	}
	if d != 0 {
		t.Fatalf("expected identical codes after reload, hamming distance %v", d)
	}
}
