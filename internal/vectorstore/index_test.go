package vectorstore

import (
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := Cosine(a, []float32{1, 0, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: %v", got)
	}
	if got := Cosine(a, []float32{0, 1, 0}); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: %v", got)
	}
	if got := Cosine(a, []float32{-1, 0, 0}); math.Abs(got+1) > 1e-9 {
		t.Errorf("opposite vectors: %v", got)
	}
}

func TestCosineDegenerate(t *testing.T) {
	if got := Cosine([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Errorf("zero vector: %v", got)
	}
	if got := Cosine([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("mismatched dimensions: %v", got)
	}
}

func TestCollectionName(t *testing.T) {
	if got := CollectionName("juno"); got != "drift_juno" {
		t.Errorf("collection name: %q", got)
	}
}

func TestPointNumStable(t *testing.T) {
	// The point id must be deterministic or upserts would duplicate.
	if pointNum("abc123ef") != pointNum("abc123ef") {
		t.Error("point id not stable")
	}
	if pointNum("abc123ef") == pointNum("abc123f0") {
		t.Error("distinct ids collided immediately")
	}
}
