package embedding

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ollama/ollama/api"
)

// OllamaClient generates text embeddings via the Ollama API.
type OllamaClient struct {
	client *api.Client
	model  string
	dim    int
}

func NewOllamaClient(baseURL, model string, dim int) (*OllamaClient, error) {
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "parse ollama base url", goerr.V("url", baseURL))
	}
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
	}
	return &OllamaClient{
		client: api.NewClient(uri, httpClient),
		model:  model,
		dim:    dim,
	}, nil
}

func (c *OllamaClient) Dimensions() int { return c.dim }

// Generate returns the embedding vector for text.
func (c *OllamaClient) Generate(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  c.model,
		Prompt: text,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "ollama embed", goerr.V("model", c.model))
	}
	if err := checkDimensions(resp.Embedding, c.dim, "ollama"); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// HealthCheck verifies Ollama is reachable.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return goerr.Wrap(err, "ollama health check")
	}
	return nil
}
