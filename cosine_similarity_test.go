package basilica

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float64{1, 0}, []float64{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sim-1) > 1e-12 {
		t.Fatalf("sim=%v", sim)
	}

	sim, err = CosineSimilarity([]float64{1, 0}, []float64{0, 2})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sim) > 1e-12 {
		t.Fatalf("sim=%v", sim)
	}

	d, err := CosineDistance([]float64{1, 1}, []float64{-2, -2})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(d-2) > 1e-12 {
		t.Fatalf("distance=%v", d)
	}
}

func TestCosineSimilarity_Errors(t *testing.T) {
	if _, err := CosineSimilarity(nil, []float64{1}); err == nil {
		t.Fatalf("expected error for empty vector")
	}
	if _, err := CosineSimilarity([]float64{1}, []float64{1, 2}); err == nil {
		t.Fatalf("expected error for length mismatch")
	}
	if _, err := CosineDistance([]float64{0, 0}, []float64{1, 2}); err == nil {
		t.Fatalf("expected error for zero vector")
	}
}
