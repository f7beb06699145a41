package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"slices"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// CachedEmbedder wraps a Provider with an in-process cache keyed by a hash
// of the text. Vectors are held in memory only.
type CachedEmbedder struct {
	provider Provider
	cache    *ristretto.Cache
	model    string
}

// NewCachedEmbedder caches up to size vectors. model namespaces the keys so
// switching models never serves stale vectors.
func NewCachedEmbedder(provider Provider, model string, size int64) (*CachedEmbedder, error) {
	if size < 1 {
		size = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
		// Every entry costs 1 so MaxCost is an entry count.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create embedding cache")
	}
	return &CachedEmbedder{
		provider: provider,
		cache:    cache,
		model:    model,
	}, nil
}

func (e *CachedEmbedder) Dimensions() int { return e.provider.Dimensions() }

// Generate returns the embedding for text, using cache when available.
func (e *CachedEmbedder) Generate(ctx context.Context, text string) ([]float64, error) {
	key := e.model + ":" + ContentHash(text)

	if v, ok := e.cache.Get(key); ok {
		if vec, ok := v.([]float64); ok {
			return slices.Clone(vec), nil
		}
	}

	vec, err := e.provider.Generate(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.Set(key, slices.Clone(vec), 1)
	e.cache.Wait()
	return vec, nil
}

// HealthCheck delegates to the wrapped provider when it supports one.
func (e *CachedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := e.provider.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (e *CachedEmbedder) Close() {
	e.cache.Close()
}

// ContentHash computes a SHA-256 hash of text content.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}
