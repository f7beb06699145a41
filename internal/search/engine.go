package search

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

var tracer = otel.Tracer("valora/search")

// Source is the read side of a store.
type Source interface {
	List(ctx context.Context) ([]*models.Memory, error)
	Get(ctx context.Context, id string) (*models.Memory, error)
}

// Embedder turns a query into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float64, error)
}

// Engine runs the retrieval algorithms over the live records of a Source.
// Records it returns are shared with the source and must not be modified.
type Engine struct {
	source   Source
	embedder Embedder
	timeout  time.Duration
	logger   *slog.Logger
}

type Option func(*Engine)

// WithQueryTimeout bounds the query embedding call.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(source Source, embedder Embedder, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		embedder: embedder,
		timeout:  10 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClampLimit maps a requested limit into [1, MaxLimit]; non-positive values
// select DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func validateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return goerr.Wrap(models.ErrValidation, "query is required")
	}
	return nil
}

func validateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return goerr.Wrap(models.ErrValidation, "threshold must be finite")
	}
	return nil
}

// Keyword runs case-insensitive substring search.
func (e *Engine) Keyword(ctx context.Context, query string, limit int) ([]*models.Memory, error) {
	ctx, span := tracer.Start(ctx, "search.keyword")
	defer span.End()

	if err := validateQuery(query); err != nil {
		return nil, err
	}
	records, err := e.source.List(ctx)
	if err != nil {
		return nil, err
	}
	hits := Keyword(records, query, ClampLimit(limit))
	span.SetAttributes(attribute.Int("search.candidates", len(records)), attribute.Int("search.results", len(hits)))
	return hits, nil
}

// Semantic ranks records by cosine similarity to the query embedding. If
// the embedder fails the result is empty, not an error.
func (e *Engine) Semantic(ctx context.Context, query string, limit int, threshold float64) ([]models.ScoredMemory, error) {
	ctx, span := tracer.Start(ctx, "search.semantic")
	defer span.End()

	if err := validateQuery(query); err != nil {
		return nil, err
	}
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}

	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		span.SetAttributes(attribute.Bool("search.degraded", true))
		return []models.ScoredMemory{}, nil
	}

	records, err := e.source.List(ctx)
	if err != nil {
		return nil, err
	}
	hits := Semantic(records, vec, ClampLimit(limit), threshold, "")
	span.SetAttributes(attribute.Int("search.candidates", len(records)), attribute.Int("search.results", len(hits)))
	return hits, nil
}

// Hybrid blends semantic and keyword scores. If the embedder fails the
// ranking falls back to the keyword component alone.
func (e *Engine) Hybrid(ctx context.Context, query string, limit int, w models.Weights) ([]models.ScoredMemory, error) {
	ctx, span := tracer.Start(ctx, "search.hybrid")
	defer span.End()

	if err := validateQuery(query); err != nil {
		return nil, err
	}
	for _, v := range []float64{w.Semantic, w.Keyword} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, goerr.Wrap(models.ErrValidation, "weights must be finite")
		}
	}

	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		span.SetAttributes(attribute.Bool("search.degraded", true))
	}

	records, err := e.source.List(ctx)
	if err != nil {
		return nil, err
	}
	hits := Hybrid(records, query, vec, ClampLimit(limit), w)
	span.SetAttributes(attribute.Int("search.candidates", len(records)), attribute.Int("search.results", len(hits)))
	return hits, nil
}

// Similar ranks records against the stored embedding of id, excluding id
// itself. It fails with models.ErrNotFound when id is missing, deleted or
// has no embedding yet.
func (e *Engine) Similar(ctx context.Context, id string, limit int, threshold float64) ([]models.ScoredMemory, error) {
	ctx, span := tracer.Start(ctx, "search.similar")
	defer span.End()
	span.SetAttributes(attribute.String("memory.id", id))

	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}
	seed, err := e.source.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		return nil, goerr.Wrap(models.ErrNotFound, "find similar", goerr.V("id", id))
	}
	if !seed.HasEmbedding() {
		return nil, goerr.Wrap(models.ErrNotFound, "memory has no embedding yet", goerr.V("id", id))
	}

	records, err := e.source.List(ctx)
	if err != nil {
		return nil, err
	}
	hits := Semantic(records, seed.Embedding, ClampLimit(limit), threshold, id)
	span.SetAttributes(attribute.Int("search.results", len(hits)))
	return hits, nil
}

// embedQuery returns (nil, nil) when the provider is degraded so callers
// can fall back. Only cancellation of the caller's context is an error.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float64, error) {
	if e.embedder == nil {
		return nil, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vec, err := e.embedder.Generate(callCtx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, goerr.Wrap(ctx.Err(), "embed query")
		}
		e.logger.Warn("query embedding unavailable, search degraded", "error", err)
		return nil, nil
	}
	return vec, nil
}
