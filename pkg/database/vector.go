package database

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatVector formats a vector in pgvector text form: [1,2,3]
func FormatVector(vector []float32) string {
	elements := make([]string, len(vector))
	for i, v := range vector {
		elements[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(elements, ",") + "]"
}

// ParseVector parses a pgvector text value back into a float slice
func ParseVector(vectorStr string) ([]float32, error) {
	trimmed := strings.Trim(strings.TrimSpace(vectorStr), "[]")
	if trimmed == "" {
		return nil, nil
	}
	elements := strings.Split(trimmed, ",")

	vector := make([]float32, len(elements))
	for i, elem := range elements {
		val, err := strconv.ParseFloat(strings.TrimSpace(elem), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse vector element %d: %w", i, err)
		}
		vector[i] = float32(val)
	}
	return vector, nil
}

// NormalizeL2 scales a vector to unit length. Zero vectors are returned as-is.
func NormalizeL2(vector []float32) []float32 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vector
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// MeanVector averages vectors element-wise. All inputs must share a length.
func MeanVector(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no vectors to average")
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("vector dimension mismatch: %d != %d", len(vec), dim)
		}
		for i, v := range vec {
			sum[i] += float64(v)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i, s := range sum {
		out[i] = float32(s / n)
	}
	return out, nil
}
