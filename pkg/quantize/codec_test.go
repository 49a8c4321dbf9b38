package quantize

import "testing"

func TestEvaluateAccuracyScalar(t *testing.T) {
	c := NewScalarCodec(8)
	sample := randomVectors(200, 16, 1)
	if err := c.Train(sample); err != nil {
		t.Fatalf("train: %v", err)
	}
	report, err := EvaluateAccuracy(c, randomVectors(30, 16, 2))
	if err != nil {
		t.Fatalf("evaluate accuracy: %v", err)
	}
	if report.AvgError < 0 {
		t.Fatalf("avg error must be non-negative, got %v", report.AvgError)
	}
	if report.RecallAt10 < 0 || report.RecallAt10 > 1 {
		t.Fatalf("recall@10 must be in [0,1], got %v", report.RecallAt10)
	}
}

func TestEvaluateAccuracyUntrained(t *testing.T) {
	c := NewScalarCodec(8)
	_, err := EvaluateAccuracy(c, [][]float32{{1, 2, 3}})
	if err == nil {
		t.Fatal("expected error for untrained codec")
	}
}

func TestLoadUnknownKind(t *testing.T) {
	_, err := Load("unknown", nil)
	if err == nil {
		t.Fatal("expected error for unknown quantizer kind")
	}
}
