package memory

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/enrich"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/search"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/store"
)

// EnrichMode selects when derived fields are produced.
type EnrichMode string

const (
	// EnrichAsync commits first and enriches in the background.
	EnrichAsync EnrichMode = "async"
	// EnrichSync enriches before the commit and writes everything at once.
	EnrichSync EnrichMode = "sync"
)

const (
	DefaultMaxContentBytes = 64 * 1024
	maxTags                = 64
	maxUpdateAttempts      = 16
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	EnrichMode      EnrichMode
	MaxContentBytes int
}

// Service is the main facade for all memory operations. Records it returns
// are private copies the caller may modify.
type Service struct {
	store    store.Store
	enricher *enrich.Enricher
	searcher *search.Engine
	mode     EnrichMode
	maxBytes int
	logger   *slog.Logger
	now      func() time.Time

	// background enrichment; inflight is guarded by mu and idle is
	// signalled when it drops to zero
	bgCtx    context.Context
	bgCancel context.CancelFunc
	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	closed   bool

	backfillMu sync.Mutex
}

// NewService creates a memory service. It takes ownership of st and closes
// it in Close.
func NewService(st store.Store, enricher *enrich.Enricher, searcher *search.Engine, opts Options, logger *slog.Logger) *Service {
	if opts.EnrichMode == "" {
		opts.EnrichMode = EnrichAsync
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:    st,
		enricher: enricher,
		searcher: searcher,
		mode:     opts.EnrichMode,
		maxBytes: opts.MaxContentBytes,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Create stores a new memory with version 1. An empty ID is replaced with
// a random UUID. Caller-supplied inferred tags are discarded because they
// are derived from content.
func (s *Service) Create(ctx context.Context, in *models.Memory) (*models.Memory, error) {
	if in == nil {
		return nil, goerr.Wrap(models.ErrValidation, "memory is required")
	}
	m := in.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.validate(m); err != nil {
		return nil, err
	}

	now := s.now()
	m.Version = 1
	m.Timestamp = now
	m.CreatedAt = now
	m.InferredTags = nil

	if s.mode == EnrichSync && s.enricher != nil {
		applyEnrichment(m, s.enricher.Enrich(ctx, m.ID, m.Content))
	}

	if err := s.store.Insert(ctx, m); err != nil {
		return nil, err
	}
	s.logger.Debug("memory created", "id", m.ID, "mode", s.mode)

	if s.mode == EnrichAsync {
		s.enrichLater(m.ID, m.Content)
	}
	return m.Clone(), nil
}

// Read returns the live memory with id, or nil when it does not exist or
// was deleted.
func (s *Service) Read(ctx context.Context, id string) (*models.Memory, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil || m == nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Update applies patch under last-writer-wins: on a concurrent write it
// re-reads and retries, so every successful update gets its own version.
func (s *Service) Update(ctx context.Context, id string, patch models.Patch) (*models.Memory, error) {
	for range maxUpdateAttempts {
		m, err := s.update(ctx, id, nil, patch)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		return m, err
	}
	return nil, goerr.Wrap(models.ErrConflict, "update kept losing races", goerr.V("id", id))
}

// UpdateIfVersion applies patch only if the stored version equals
// expected, failing with models.ErrConflict otherwise.
func (s *Service) UpdateIfVersion(ctx context.Context, id string, expected int64, patch models.Patch) (*models.Memory, error) {
	return s.update(ctx, id, &expected, patch)
}

func (s *Service) update(ctx context.Context, id string, expected *int64, patch models.Patch) (*models.Memory, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, goerr.Wrap(models.ErrNotFound, "update memory", goerr.V("id", id))
	}
	if expected != nil && cur.Version != *expected {
		return nil, goerr.Wrap(models.ErrConflict, "version mismatch",
			goerr.V("id", id), goerr.V("expected", *expected), goerr.V("actual", cur.Version))
	}

	next := cur.Clone()
	changed, contentChanged := patch.Apply(next)
	if !changed {
		return next, nil
	}
	if err := s.validate(next); err != nil {
		return nil, err
	}

	next.Version = cur.Version + 1
	next.Timestamp = s.now()
	if contentChanged {
		// Derived fields describe the old content.
		next.InferredTags = nil
		next.Embedding = nil
		if s.mode == EnrichSync && s.enricher != nil {
			applyEnrichment(next, s.enricher.Enrich(ctx, id, next.Content))
		}
	}

	if err := s.store.Replace(ctx, next, cur.Version); err != nil {
		return nil, err
	}
	s.logger.Debug("memory updated", "id", id, "version", next.Version, "content_changed", contentChanged)

	if contentChanged {
		if s.mode == EnrichAsync {
			s.enrichLater(id, next.Content)
		}
		return next.Clone(), nil
	}

	// The store kept whatever derived fields it holds now.
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return next.Clone(), nil
	}
	return stored.Clone(), nil
}

// Delete removes id from every read and search path. It reports false when
// there was no live record.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Debug("memory deleted", "id", id)
	}
	return ok, nil
}

// Count returns the number of live memories.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

func (s *Service) SearchKeyword(ctx context.Context, query string, limit int) ([]*models.Memory, error) {
	hits, err := s.searcher.Keyword(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Memory, len(hits))
	for i, m := range hits {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *Service) SearchSemantic(ctx context.Context, query string, limit int, threshold float64) ([]models.ScoredMemory, error) {
	hits, err := s.searcher.Semantic(ctx, query, limit, threshold)
	return cloneScored(hits), err
}

// SearchHybrid ranks by semanticWeight*cosine + keywordWeight*keywordScore.
// The combined value is a ranking heuristic, not a probability.
func (s *Service) SearchHybrid(ctx context.Context, query string, limit int, w models.Weights) ([]models.ScoredMemory, error) {
	hits, err := s.searcher.Hybrid(ctx, query, limit, w)
	return cloneScored(hits), err
}

func (s *Service) FindSimilar(ctx context.Context, id string, limit int, threshold float64) ([]models.ScoredMemory, error) {
	hits, err := s.searcher.Similar(ctx, id, limit, threshold)
	return cloneScored(hits), err
}

func cloneScored(hits []models.ScoredMemory) []models.ScoredMemory {
	if hits == nil {
		return nil
	}
	out := make([]models.ScoredMemory, len(hits))
	for i, h := range hits {
		h.Memory = h.Memory.Clone()
		out[i] = h
	}
	return out
}

func (s *Service) validate(m *models.Memory) error {
	if !idPattern.MatchString(m.ID) {
		return goerr.Wrap(models.ErrValidation, "invalid id", goerr.V("id", m.ID))
	}
	if strings.TrimSpace(m.Content) == "" {
		return goerr.Wrap(models.ErrValidation, "content is required", goerr.V("id", m.ID))
	}
	if len(m.Content) > s.maxBytes {
		return goerr.Wrap(models.ErrValidation, "content too large",
			goerr.V("id", m.ID), goerr.V("size", len(m.Content)), goerr.V("max", s.maxBytes))
	}
	if len(m.Tags) > maxTags {
		return goerr.Wrap(models.ErrValidation, "too many tags", goerr.V("id", m.ID), goerr.V("count", len(m.Tags)))
	}
	for _, t := range m.Tags {
		if strings.TrimSpace(t) == "" {
			return goerr.Wrap(models.ErrValidation, "empty tag", goerr.V("id", m.ID))
		}
	}
	if n := len(m.Embedding); n > 0 && n != s.store.Dimensions() {
		return goerr.Wrap(models.ErrValidation, "embedding dimension mismatch",
			goerr.V("id", m.ID), goerr.V("expected", s.store.Dimensions()), goerr.V("actual", n))
	}
	return nil
}

func applyEnrichment(m *models.Memory, e models.Enrichment) {
	if !e.TagsDegraded {
		m.InferredTags = e.InferredTags
	}
	if !e.EmbeddingDegraded && len(e.Embedding) > 0 {
		m.Embedding = e.Embedding
	}
}
