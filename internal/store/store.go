// Package store persists memories under encryption. Two backends share one
// contract: FileStore keeps a single sealed container file, SQLStore keeps
// one sealed row per record in SQLite.
package store

import (
	"context"
	"slices"

	"github.com/m-mizutani/goerr/v2"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

// Store is the persistence contract used by the memory service.
//
// Deleted records are invisible to Get, List and Count, and their ids can
// never be inserted again. Records returned by List are shared snapshots and
// must not be modified by the caller.
type Store interface {
	// Insert adds a new record. It fails with models.ErrDuplicateID when the
	// id is live or was ever deleted.
	Insert(ctx context.Context, m *models.Memory) error

	// Get returns the live record with id, or (nil, nil).
	Get(ctx context.Context, id string) (*models.Memory, error)

	// Replace swaps in m if the stored version equals expectedVersion.
	// m.Version must be expectedVersion+1. When m.Content equals the stored
	// content, the stored inferred tags and embedding are kept, since
	// enrichment may have written them after the caller read the record.
	Replace(ctx context.Context, m *models.Memory, expectedVersion int64) error

	// Delete tombstones id and reports whether a live record was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns every live record.
	List(ctx context.Context) ([]*models.Memory, error)

	// SetEnrichment writes derived fields if the record still holds
	// forContent. It does not change Version or Timestamp.
	SetEnrichment(ctx context.Context, id, forContent string, e models.Enrichment) (bool, error)

	// Count returns the number of live records.
	Count(ctx context.Context) (int, error)

	// Dimensions is the fixed embedding length of this store.
	Dimensions() int

	Close() error
}

var errClosed = goerr.New("store is closed")

func checkEmbedding(embedding []float64, dim int) error {
	if len(embedding) == 0 || len(embedding) == dim {
		return nil
	}
	return goerr.Wrap(models.ErrValidation, "embedding dimension mismatch",
		goerr.V("expected", dim), goerr.V("actual", len(embedding)))
}

func checkReplace(m *models.Memory, expectedVersion int64, dim int) error {
	if m.Version != expectedVersion+1 {
		return goerr.Wrap(models.ErrValidation, "replacement must advance version by one",
			goerr.V("id", m.ID), goerr.V("expected", expectedVersion+1), goerr.V("actual", m.Version))
	}
	return checkEmbedding(m.Embedding, dim)
}

// keepDerived copies the derived fields of cur onto next.
func keepDerived(next, cur *models.Memory) {
	next.InferredTags = slices.Clone(cur.InferredTags)
	next.Embedding = slices.Clone(cur.Embedding)
}

// enrich applies e to a copy of m and reports whether anything changed.
func enrich(m *models.Memory, e models.Enrichment) (*models.Memory, bool) {
	next := m.Clone()
	changed := false
	if !e.TagsDegraded {
		next.InferredTags = e.InferredTags
		changed = true
	}
	if !e.EmbeddingDegraded && len(e.Embedding) > 0 {
		next.Embedding = e.Embedding
		changed = true
	}
	return next, changed
}
