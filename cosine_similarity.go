package basilica

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vectors must be non-empty")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d != %d", len(a), len(b))
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("zero vector")
	}
	return floats.Dot(a, b) / (na * nb), nil
}

// CosineDistance is 1 - CosineSimilarity.
func CosineDistance(a, b []float64) (float64, error) {
	s, err := CosineSimilarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - s, nil
}
