package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/store"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/vault"
)

const (
	testSecret = "correct horse battery staple"
	testDim    = 4
)

var testParams = vault.Params{Time: 1, Memory: 1024, Threads: 1}

func newVault(t *testing.T, secret string) *vault.Vault {
	t.Helper()
	v, err := vault.New(secret, testParams)
	gt.NoError(t, err)
	return v
}

type opener func(t *testing.T, path, secret string, dim int) (store.Store, error)

type backend struct {
	name string
	file string
	open opener
}

var backends = []backend{
	{
		name: "file",
		file: "memories.vault",
		open: func(t *testing.T, path, secret string, dim int) (store.Store, error) {
			return store.OpenFile(path, newVault(t, secret), dim)
		},
	},
	{
		name: "sqlite",
		file: "memories.db",
		open: func(t *testing.T, path, secret string, dim int) (store.Store, error) {
			return store.OpenSQL(path, newVault(t, secret), dim)
		},
	},
}

func newMemory(id, content string, ts time.Time) *models.Memory {
	return &models.Memory{
		ID:        id,
		Content:   content,
		Timestamp: ts,
		CreatedAt: ts,
		Version:   1,
		Tags:      []string{"note"},
		Metadata:  map[string]any{"lang": "en"},
		Source:    "chat",
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend, path string, s store.Store)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), b.file)
			s, err := b.open(t, path, testSecret, testDim)
			gt.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			fn(t, b, path, s)
		})
	}
}

func TestInsertAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, _ string, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		m := newMemory("m1", "remember the milk", now)
		m.Embedding = []float64{0.1, 0.2, 0.3, 0.4}
		gt.NoError(t, s.Insert(ctx, m))

		got, err := s.Get(ctx, "m1")
		gt.NoError(t, err)
		gt.V(t, got).NotNil()
		gt.Equal(t, got.Content, "remember the milk")
		gt.Equal(t, got.Version, int64(1))
		gt.Equal(t, got.Tags, []string{"note"})
		gt.Equal(t, got.Source, "chat")
		gt.Equal(t, got.Embedding, []float64{0.1, 0.2, 0.3, 0.4})
		gt.Equal(t, got.Metadata["lang"], any("en"))
		gt.True(t, got.Timestamp.Equal(now))

		missing, err := s.Get(ctx, "nope")
		gt.NoError(t, err)
		gt.True(t, missing == nil)
	})
}

func TestInsertDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, _ string, s store.Store) {
		ctx := context.Background()
		gt.NoError(t, s.Insert(ctx, newMemory("dup", "first", time.Now())))

		err := s.Insert(ctx, newMemory("dup", "second", time.Now()))
		gt.Error(t, err)
		gt.True(t, errors.Is(err, models.ErrDuplicateID))

		got, err := s.Get(ctx, "dup")
		gt.NoError(t, err)
		gt.Equal(t, got.Content, "first")
	})
}

func TestInsertRejectsWrongDimension(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, _ string, s store.Store) {
		m := newMemory("m1", "text", time.Now())
		m.Embedding = []float64{1, 2, 3}
		err := s.Insert(context.Background(), m)
		gt.True(t, errors.Is(err, models.ErrValidation))

		count, err := s.Count(context.Background())
		gt.NoError(t, err)
		gt.Equal(t, count, 0)
	})
}

func TestReplace(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, _ string, s store.Store) {
		ctx := context.Background()
		created := time.Now().UTC().Add(-time.Hour)
		gt.NoError(t, s.Insert(ctx, newMemory("m1", "v1", created)))

		t.Run("advances version", func(t *testing.T) {
			next := newMemory("m1", "v2", time.Now().UTC())
			next.Version = 2
			gt.NoError(t, s.Replace(ctx, next, 1))

			got, err := s.Get(ctx, "m1")
			gt.NoError(t, err)
			gt.Equal(t, got.Content, "v2")
			gt.Equal(t, got.Version, int64(2))
			gt.True(t, got.CreatedAt.Equal(created))
		})

		t.Run("stale version conflicts", func(t *testing.T) {
			stale := newMemory("m1", "v2-stale", time.Now())
			stale.Version = 2
			err := s.Replace(ctx, stale, 1)
			gt.True(t, errors.Is(err, models.ErrConflict))

			got, err := s.Get(ctx, "m1")
			gt.NoError(t, err)
			gt.Equal(t, got.Content, "v2")
		})

		t.Run("version must advance by one", func(t *testing.T) {
			skip := newMemory("m1", "v4", time.Now())
			skip.Version = 4
			err := s.Replace(ctx, skip, 2)
			gt.True(t, errors.Is(err, models.ErrValidation))
		})

		t.Run("missing record", func(t *testing.T) {
			ghost := newMemory("ghost", "boo", time.Now())
			ghost.Version = 2
			err := s.Replace(ctx, ghost, 1)
			gt.True(t, errors.Is(err, models.ErrNotFound))
		})
	})
}

func TestDeleteIsTerminal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, _ string, s store.Store) {
		ctx := context.Background()
		gt.NoError(t, s.Insert(ctx, newMemory("m1", "doomed", time.Now())))
		gt.NoError(t, s.Insert(ctx, newMemory("m2", "survivor", time.Now())))

		removed, err := s.Delete(ctx, "m1")
		gt.NoError(t, err)
		gt.True(t, removed)

		removed, err = s.Delete(ctx, "m1")
		gt.NoError(t, err)
		gt.False(t, removed)

		got, err := s.Get(ctx, "m1")
		gt.NoError(t, err)
		gt.True(t, got == nil)

		all, err := s.List(ctx)
		gt.NoError(t, err)
		gt.A(t, all).Length(1)
		gt.Equal(t, all[0].ID, "m2")

		count, err := s.Count(ctx)
		gt.NoError(t, err)
		gt.Equal(t, count, 1)

		next := newMemory("m1", "resurrected", time.Now())
		next.Version = 2
		gt.True(t, errors.Is(s.Replace(ctx, next, 1), models.ErrNotFound))

		err = s.Insert(ctx, newMemory("m1", "reborn", time.Now()))
		gt.True(t, errors.Is(err, models.ErrDuplicateID))
	})
}

func TestSetEnrichment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, _ string, s store.Store) {
		ctx := context.Background()
		gt.NoError(t, s.Insert(ctx, newMemory("m1", "current content", time.Now())))

		t.Run("stale content is ignored", func(t *testing.T) {
			applied, err := s.SetEnrichment(ctx, "m1", "old content", models.Enrichment{
				InferredTags: []string{"stale"},
				Embedding:    []float64{1, 0, 0, 0},
			})
			gt.NoError(t, err)
			gt.False(t, applied)

			got, err := s.Get(ctx, "m1")
			gt.NoError(t, err)
			gt.False(t, got.HasEmbedding())
		})

		t.Run("matching content is applied", func(t *testing.T) {
			applied, err := s.SetEnrichment(ctx, "m1", "current content", models.Enrichment{
				InferredTags: []string{"fresh"},
				Embedding:    []float64{0, 1, 0, 0},
			})
			gt.NoError(t, err)
			gt.True(t, applied)

			got, err := s.Get(ctx, "m1")
			gt.NoError(t, err)
			gt.Equal(t, got.InferredTags, []string{"fresh"})
			gt.Equal(t, got.Embedding, []float64{0, 1, 0, 0})
			gt.Equal(t, got.Version, int64(1))
		})

		t.Run("degraded embedding keeps previous vector", func(t *testing.T) {
			applied, err := s.SetEnrichment(ctx, "m1", "current content", models.Enrichment{
				InferredTags:      []string{"retagged"},
				EmbeddingDegraded: true,
			})
			gt.NoError(t, err)
			gt.True(t, applied)

			got, err := s.Get(ctx, "m1")
			gt.NoError(t, err)
			gt.Equal(t, got.InferredTags, []string{"retagged"})
			gt.Equal(t, got.Embedding, []float64{0, 1, 0, 0})
		})

		t.Run("wrong dimension rejected", func(t *testing.T) {
			_, err := s.SetEnrichment(ctx, "m1", "current content", models.Enrichment{
				Embedding: []float64{1, 2},
			})
			gt.True(t, errors.Is(err, models.ErrValidation))
		})

		t.Run("deleted record is ignored", func(t *testing.T) {
			_, err := s.Delete(ctx, "m1")
			gt.NoError(t, err)
			applied, err := s.SetEnrichment(ctx, "m1", "current content", models.Enrichment{
				InferredTags: []string{"late"},
			})
			gt.NoError(t, err)
			gt.False(t, applied)
		})
	})
}

func TestReplaceKeepsDerivedFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, _ string, s store.Store) {
		ctx := context.Background()
		gt.NoError(t, s.Insert(ctx, newMemory("m1", "same content", time.Now())))

		// A copy read before enrichment committed.
		stale, err := s.Get(ctx, "m1")
		gt.NoError(t, err)

		applied, err := s.SetEnrichment(ctx, "m1", "same content", models.Enrichment{
			InferredTags: []string{"fresh"},
			Embedding:    []float64{0, 0, 1, 0},
		})
		gt.NoError(t, err)
		gt.True(t, applied)

		t.Run("unchanged content keeps stored enrichment", func(t *testing.T) {
			next := stale.Clone()
			next.Tags = []string{"edited"}
			next.Version = 2
			gt.NoError(t, s.Replace(ctx, next, 1))

			got, err := s.Get(ctx, "m1")
			gt.NoError(t, err)
			gt.Equal(t, got.Tags, []string{"edited"})
			gt.Equal(t, got.InferredTags, []string{"fresh"})
			gt.Equal(t, got.Embedding, []float64{0, 0, 1, 0})
		})

		t.Run("changed content takes the caller's fields", func(t *testing.T) {
			cur, err := s.Get(ctx, "m1")
			gt.NoError(t, err)
			next := cur.Clone()
			next.Content = "new content"
			next.InferredTags = nil
			next.Embedding = nil
			next.Version = 3
			gt.NoError(t, s.Replace(ctx, next, 2))

			got, err := s.Get(ctx, "m1")
			gt.NoError(t, err)
			gt.Equal(t, got.Content, "new content")
			gt.False(t, got.HasEmbedding())
			gt.A(t, got.InferredTags).Length(0)
		})
	})
}

func TestReopen(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), b.file)

			s, err := b.open(t, path, testSecret, testDim)
			gt.NoError(t, err)
			m := newMemory("keep", "persisted across restarts", time.Now().UTC())
			m.Embedding = []float64{0.5, 0.5, 0.5, 0.5}
			gt.NoError(t, s.Insert(ctx, m))
			gt.NoError(t, s.Insert(ctx, newMemory("gone", "deleted before restart", time.Now())))
			_, err = s.Delete(ctx, "gone")
			gt.NoError(t, err)
			gt.NoError(t, s.Close())

			t.Run("same secret", func(t *testing.T) {
				s, err := b.open(t, path, testSecret, testDim)
				gt.NoError(t, err)
				defer s.Close()

				got, err := s.Get(ctx, "keep")
				gt.NoError(t, err)
				gt.Equal(t, got.Content, "persisted across restarts")
				gt.Equal(t, got.Embedding, []float64{0.5, 0.5, 0.5, 0.5})

				gone, err := s.Get(ctx, "gone")
				gt.NoError(t, err)
				gt.True(t, gone == nil)
				gt.True(t, errors.Is(s.Insert(ctx, newMemory("gone", "again", time.Now())), models.ErrDuplicateID))
			})

			t.Run("wrong secret", func(t *testing.T) {
				s, err := b.open(t, path, "a completely different secret", testDim)
				gt.NoError(t, err)
				defer s.Close()

				_, err = s.Get(ctx, "keep")
				gt.True(t, errors.Is(err, models.ErrAuthentication))
				_, err = s.List(ctx)
				gt.True(t, errors.Is(err, models.ErrAuthentication))
				err = s.Insert(ctx, newMemory("intruder", "x", time.Now()))
				gt.True(t, errors.Is(err, models.ErrAuthentication))
				_, err = s.Delete(ctx, "keep")
				gt.True(t, errors.Is(err, models.ErrAuthentication))
			})

			t.Run("dimension mismatch", func(t *testing.T) {
				s, err := b.open(t, path, testSecret, testDim+1)
				if err == nil {
					defer s.Close()
					_, err = s.List(ctx)
				}
				gt.True(t, errors.Is(err, models.ErrConfiguration))
			})

			t.Run("data survives failed opens", func(t *testing.T) {
				s, err := b.open(t, path, testSecret, testDim)
				gt.NoError(t, err)
				defer s.Close()
				all, err := s.List(ctx)
				gt.NoError(t, err)
				gt.A(t, all).Length(1)
			})
		})
	}
}

func TestListReturnsAllLive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, _ string, s store.Store) {
		ctx := context.Background()
		ids := []string{"a", "b", "c", "d"}
		for _, id := range ids {
			gt.NoError(t, s.Insert(ctx, newMemory(id, "content "+id, time.Now())))
		}

		all, err := s.List(ctx)
		gt.NoError(t, err)
		var got []string
		for _, m := range all {
			got = append(got, m.ID)
		}
		slices.Sort(got)
		gt.Equal(t, got, ids)
	})
}

func TestOpenRejectsBadConfig(t *testing.T) {
	v := newVault(t, testSecret)

	_, err := store.OpenFile("", v, 4)
	gt.True(t, errors.Is(err, models.ErrConfiguration))
	_, err = store.OpenFile(filepath.Join(t.TempDir(), "x"), v, 0)
	gt.True(t, errors.Is(err, models.ErrConfiguration))
	_, err = store.OpenSQL(filepath.Join(t.TempDir(), "x.db"), nil, 4)
	gt.True(t, errors.Is(err, models.ErrConfiguration))
}
