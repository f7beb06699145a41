package search

import (
	"encoding/binary"
	"math"
)

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value between -1 and 1 where 1 means identical direction, and 0
// for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dotProduct / denom
}

// Float64ToBytes converts a float64 slice to a byte slice (little-endian).
func Float64ToBytes(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

// BytesToFloat64 converts a byte slice (little-endian) back to a float64 slice.
func BytesToFloat64(b []byte) []float64 {
	if len(b)%8 != 0 {
		return nil
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}
