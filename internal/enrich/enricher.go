// Package enrich derives inferred tags and embeddings for memory content.
// Providers are called concurrently under one deadline and their failures
// degrade the result instead of failing the write.
package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/privacy"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/tagging"
)

// Embedder is the subset of embedding.Provider used here.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float64, error)
	Dimensions() int
}

var errNoEmbedder = goerr.New("no embedding provider configured")

// Enricher runs the tag classifier and the embedding provider.
type Enricher struct {
	tagger   tagging.Classifier
	embedder Embedder
	timeout  time.Duration
	logger   *slog.Logger
}

// New builds an Enricher. A nil tagger disables tagging; a nil embedder
// marks every embedding as degraded.
func New(tagger tagging.Classifier, embedder Embedder, timeout time.Duration, logger *slog.Logger) *Enricher {
	if tagger == nil {
		tagger = tagging.Noop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		tagger:   tagger,
		embedder: embedder,
		timeout:  timeout,
		logger:   logger,
	}
}

// Timeout is the deadline applied to each enrichment.
func (e *Enricher) Timeout() time.Duration { return e.timeout }

// Enrich produces derived fields for content. It never returns an error:
// provider failures set the matching Degraded flag and are logged.
// Private spans never reach a provider, and content that is entirely
// private is not sent at all.
func (e *Enricher) Enrich(ctx context.Context, id, content string) models.Enrichment {
	text, ok := privacy.ForProviders(content)
	if !ok {
		return models.Enrichment{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		result models.Enrichment
		g      errgroup.Group
	)
	g.Go(func() error {
		tags, err := e.tagger.GenerateTags(ctx, text)
		if err != nil {
			e.logger.Warn("tag classifier degraded", "id", id, "error", err)
			result.TagsDegraded = true
			return nil
		}
		result.InferredTags = tagging.Normalize(tags)
		return nil
	})
	g.Go(func() error {
		vec, err := e.embed(ctx, text)
		if err != nil {
			e.logger.Warn("embedding provider degraded", "id", id, "error", err)
			result.EmbeddingDegraded = true
			return nil
		}
		result.Embedding = vec
		return nil
	})
	_ = g.Wait()
	return result
}

func (e *Enricher) embed(ctx context.Context, text string) ([]float64, error) {
	if e.embedder == nil {
		return nil, errNoEmbedder
	}
	return e.embedder.Generate(ctx, text)
}
