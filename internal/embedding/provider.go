// Package embedding turns text into fixed-length vectors.
package embedding

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

// Provider generates embeddings of a fixed dimension.
type Provider interface {
	Generate(ctx context.Context, text string) ([]float64, error)
	Dimensions() int
}

// HealthChecker is implemented by providers backed by a remote service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

func checkDimensions(vec []float64, dim int, provider string) error {
	if len(vec) == 0 {
		return goerr.New("provider returned an empty embedding", goerr.V("provider", provider))
	}
	if len(vec) != dim {
		return goerr.Wrap(models.ErrValidation, "provider returned wrong embedding dimension",
			goerr.V("provider", provider), goerr.V("expected", dim), goerr.V("actual", len(vec)))
	}
	return nil
}
