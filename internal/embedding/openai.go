package embedding

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

// OpenAIClient generates embeddings with the OpenAI embeddings endpoint or
// any server that speaks the same protocol.
type OpenAIClient struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIClient creates a client. An empty baseURL selects the public API
// and an empty model selects text-embedding-3-small.
func NewOpenAIClient(apiKey, baseURL, model string, dim int) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, goerr.Wrap(models.ErrConfiguration, "OpenAI API key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  m,
		dim:    dim,
	}, nil
}

func (c *OpenAIClient) Dimensions() int { return c.dim }

func (c *OpenAIClient) Generate(ctx context.Context, text string) ([]float64, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: c.model,
	}
	// Only the text-embedding-3 family accepts a requested size.
	if strings.HasPrefix(string(c.model), "text-embedding-3") {
		req.Dimensions = c.dim
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, goerr.Wrap(err, "openai embed", goerr.V("model", c.model))
	}
	if len(resp.Data) == 0 {
		return nil, goerr.New("openai returned no embeddings", goerr.V("model", c.model))
	}

	raw := resp.Data[0].Embedding
	vec := make([]float64, len(raw))
	for i, v := range raw {
		vec[i] = float64(v)
	}
	if err := checkDimensions(vec, c.dim, "openai"); err != nil {
		return nil, err
	}
	return vec, nil
}
