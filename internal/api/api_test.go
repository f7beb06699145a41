package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/api"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/embedding"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/enrich"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/logging"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/memory"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/search"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/store"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/tagging"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/vault"
)

const testDim = 512

var defaults = api.SearchDefaults{Limit: 10, Threshold: 0.1, Weights: models.DefaultWeights}

func newServer(t *testing.T, path, secret, apiKey string) *httptest.Server {
	t.Helper()
	v, err := vault.New(secret, vault.Params{Time: 1, Memory: 1024, Threads: 1})
	gt.NoError(t, err)
	st, err := store.OpenFile(path, v, testDim)
	gt.NoError(t, err)

	emb := embedding.NewHashEmbedder(testDim)
	logger := logging.New("error", "console", &bytes.Buffer{})
	enricher := enrich.New(tagging.NewRuleClassifier(tagging.DefaultRules), emb, time.Second, logger)
	engine := search.NewEngine(st, emb, search.WithLogger(logger))
	svc := memory.NewService(st, enricher, engine, memory.Options{EnrichMode: memory.EnrichSync}, logger)

	srv := httptest.NewServer(api.NewRouter(svc, nil, defaults, apiKey, logger))
	t.Cleanup(func() {
		srv.Close()
		gt.NoError(t, svc.Close())
	})
	return srv
}

type client struct {
	t      *testing.T
	base   string
	header http.Header
}

func (c *client) do(method, path string, body any, extra ...string) (*http.Response, []byte) {
	c.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		gt.NoError(c.t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, c.base+path, rdr)
	gt.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.header {
		req.Header[k] = vs
	}
	for i := 0; i+1 < len(extra); i += 2 {
		req.Header.Set(extra[i], extra[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	gt.NoError(c.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	gt.NoError(c.t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	gt.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestMemoryLifecycle(t *testing.T) {
	srv := newServer(t, filepath.Join(t.TempDir(), "m.vault"), "correct horse battery staple", "")
	c := &client{t: t, base: srv.URL}

	resp, body := c.do(http.MethodPost, "/memories", map[string]any{
		"id": "fox", "content": "The quick brown fox", "tags": []string{"animal"},
	})
	gt.Equal(t, resp.StatusCode, http.StatusCreated)
	gt.Equal(t, resp.Header.Get("ETag"), `"1"`)
	created := decode[models.MemoryView](t, body)
	gt.Equal(t, created.ID, "fox")
	gt.Equal(t, created.Version, int64(1))
	gt.True(t, created.HasEmbedding)

	t.Run("duplicate id", func(t *testing.T) {
		resp, _ := c.do(http.MethodPost, "/memories", map[string]any{"id": "fox", "content": "again"})
		gt.Equal(t, resp.StatusCode, http.StatusConflict)
	})

	t.Run("validation", func(t *testing.T) {
		resp, _ := c.do(http.MethodPost, "/memories", map[string]any{"content": ""})
		gt.Equal(t, resp.StatusCode, http.StatusBadRequest)
		resp, _ = c.do(http.MethodPost, "/memories", map[string]any{"content": "x", "bogus": 1})
		gt.Equal(t, resp.StatusCode, http.StatusBadRequest)
	})

	t.Run("get", func(t *testing.T) {
		resp, body := c.do(http.MethodGet, "/memories/fox", nil)
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		gt.Equal(t, decode[models.MemoryView](t, body).Content, "The quick brown fox")

		resp, _ = c.do(http.MethodGet, "/memories/nope", nil)
		gt.Equal(t, resp.StatusCode, http.StatusNotFound)
	})

	t.Run("patch", func(t *testing.T) {
		resp, body := c.do(http.MethodPatch, "/memories/fox", map[string]any{"content": "The quick red fox"})
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		gt.Equal(t, decode[models.MemoryView](t, body).Version, int64(2))

		resp, _ = c.do(http.MethodPatch, "/memories/fox", map[string]any{"content": "stale"}, "If-Match", `"1"`)
		gt.Equal(t, resp.StatusCode, http.StatusPreconditionFailed)

		resp, _ = c.do(http.MethodPatch, "/memories/fox", map[string]any{"content": "x"}, "If-Match", "soon")
		gt.Equal(t, resp.StatusCode, http.StatusBadRequest)

		resp, body = c.do(http.MethodPatch, "/memories/fox", map[string]any{"tags": []string{"animal", "red"}}, "If-Match", `"2"`)
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		gt.Equal(t, resp.Header.Get("ETag"), `"3"`)
		gt.Equal(t, decode[models.MemoryView](t, body).Tags, []string{"animal", "red"})

		resp, _ = c.do(http.MethodPatch, "/memories/nope", map[string]any{"content": "x"})
		gt.Equal(t, resp.StatusCode, http.StatusNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		resp, _ := c.do(http.MethodPost, "/memories", map[string]any{"id": "tmp", "content": "temporary"})
		gt.Equal(t, resp.StatusCode, http.StatusCreated)

		resp, _ = c.do(http.MethodDelete, "/memories/tmp", nil)
		gt.Equal(t, resp.StatusCode, http.StatusNoContent)
		resp, _ = c.do(http.MethodDelete, "/memories/tmp", nil)
		gt.Equal(t, resp.StatusCode, http.StatusNotFound)
		resp, _ = c.do(http.MethodGet, "/memories/tmp", nil)
		gt.Equal(t, resp.StatusCode, http.StatusNotFound)
	})
}

func TestSearchRoutes(t *testing.T) {
	srv := newServer(t, filepath.Join(t.TempDir(), "m.vault"), "correct horse battery staple", "")
	c := &client{t: t, base: srv.URL}

	for id, content := range map[string]string{
		"a": "I love vector databases",
		"b": "vector databases index embeddings",
		"c": "bake bread at dawn",
	} {
		resp, _ := c.do(http.MethodPost, "/memories", map[string]any{"id": id, "content": content})
		gt.Equal(t, resp.StatusCode, http.StatusCreated)
	}

	t.Run("keyword", func(t *testing.T) {
		resp, body := c.do(http.MethodPost, "/memories/search", map[string]any{"query": "BREAD", "mode": "keyword"})
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		got := decode[models.SearchResponse](t, body)
		gt.Equal(t, got.Count, 1)
		gt.Equal(t, got.Results[0].Memory.ID, "c")
	})

	t.Run("semantic", func(t *testing.T) {
		resp, body := c.do(http.MethodPost, "/memories/search", map[string]any{"query": "vector databases", "mode": "semantic", "threshold": 0.3})
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		got := decode[models.SearchResponse](t, body)
		gt.Equal(t, got.Mode, models.SearchModeSemantic)
		gt.Equal(t, got.Count, 2)
		for _, r := range got.Results {
			gt.True(t, r.Score > 0.3)
		}
	})

	t.Run("hybrid by default", func(t *testing.T) {
		resp, body := c.do(http.MethodPost, "/memories/search", map[string]any{"query": "vector databases", "limit": 2})
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		got := decode[models.SearchResponse](t, body)
		gt.Equal(t, got.Mode, models.SearchModeHybrid)
		gt.Equal(t, got.Count, 2)
		gt.Equal(t, got.Results[0].KeywordScore, 1.0)
	})

	t.Run("bad requests", func(t *testing.T) {
		resp, _ := c.do(http.MethodPost, "/memories/search", map[string]any{"query": "x", "mode": "fuzzy"})
		gt.Equal(t, resp.StatusCode, http.StatusBadRequest)
		resp, _ = c.do(http.MethodPost, "/memories/search", map[string]any{"query": " ", "mode": "keyword"})
		gt.Equal(t, resp.StatusCode, http.StatusBadRequest)
	})

	t.Run("similar", func(t *testing.T) {
		resp, body := c.do(http.MethodGet, "/memories/a/similar?threshold=-1&limit=5", nil)
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		got := decode[models.SearchResponse](t, body)
		gt.Equal(t, got.Count, 2)
		for _, r := range got.Results {
			gt.NotEqual(t, r.Memory.ID, "a")
		}

		resp, _ = c.do(http.MethodGet, "/memories/nope/similar", nil)
		gt.Equal(t, resp.StatusCode, http.StatusNotFound)
		resp, _ = c.do(http.MethodGet, "/memories/a/similar?limit=many", nil)
		gt.Equal(t, resp.StatusCode, http.StatusBadRequest)
	})

	t.Run("backfill", func(t *testing.T) {
		resp, body := c.do(http.MethodPost, "/memories/backfill", nil)
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		gt.Equal(t, decode[models.BackfillResponse](t, body).Embedded, 0)
	})

	t.Run("health", func(t *testing.T) {
		resp, body := c.do(http.MethodGet, "/health", nil)
		gt.Equal(t, resp.StatusCode, http.StatusOK)
		got := decode[models.HealthResponse](t, body)
		gt.Equal(t, got.Status, "ok")
		gt.Equal(t, got.MemoryCount, 3)
	})
}

func TestBearerAuth(t *testing.T) {
	srv := newServer(t, filepath.Join(t.TempDir(), "m.vault"), "correct horse battery staple", "s3cret")
	c := &client{t: t, base: srv.URL}

	resp, _ := c.do(http.MethodGet, "/memories/x", nil)
	gt.Equal(t, resp.StatusCode, http.StatusUnauthorized)

	resp, _ = c.do(http.MethodGet, "/health", nil)
	gt.Equal(t, resp.StatusCode, http.StatusOK)
	gt.NotEqual(t, resp.Header.Get("X-Request-ID"), "")

	c.header = http.Header{"Authorization": []string{"Bearer s3cret"}}
	resp, _ = c.do(http.MethodGet, "/memories/x", nil)
	gt.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestWrongKeyIsServiceUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.vault")

	first := newServer(t, path, "correct horse battery staple", "")
	c := &client{t: t, base: first.URL}
	resp, _ := c.do(http.MethodPost, "/memories", map[string]any{"id": "m1", "content": "secret note"})
	gt.Equal(t, resp.StatusCode, http.StatusCreated)

	second := newServer(t, path, "a completely different key", "")
	c = &client{t: t, base: second.URL}

	resp, body := c.do(http.MethodGet, "/memories/m1", nil)
	gt.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
	gt.S(t, string(body)).NotContains("secret note")

	resp, _ = c.do(http.MethodGet, "/health", nil)
	gt.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)

	resp, _ = c.do(http.MethodPost, "/memories", map[string]any{"id": "m2", "content": "new"})
	gt.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
}
