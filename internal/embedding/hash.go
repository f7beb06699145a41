package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline embedder. Each lower-cased word
// seeds a pseudo-random vector and the word vectors are summed and
// normalised, so texts sharing words point in similar directions. It needs
// no network and is used in tests and air-gapped deployments.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	return &HashEmbedder{dimensions: dimensions}
}

func (h *HashEmbedder) Dimensions() int { return h.dimensions }

func (h *HashEmbedder) Generate(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	vec := make([]float64, h.dimensions)
	for _, tok := range tokens {
		hasher := fnv.New64a()
		hasher.Write([]byte(tok))
		seed := hasher.Sum64()
		for i := range vec {
			// LCG step, mapped to [-1, 1]
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float64(int64(seed)) / float64(math.MaxInt64)
		}
	}
	return normalize(vec), nil
}

func normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
