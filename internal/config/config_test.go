package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/config"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_SECRET", "0123456789abcdef")

	cfg, err := config.Load()
	gt.NoError(t, err)
	gt.Equal(t, cfg.Port, 8741)
	gt.Equal(t, cfg.StoreBackend, "file")
	gt.Equal(t, cfg.StorePath, "/data/memories.vault")
	gt.Equal(t, cfg.EmbeddingProvider, "ollama")
	gt.Equal(t, cfg.EmbeddingDim, 768)
	gt.Equal(t, cfg.ProviderTimeout, 10*time.Second)
	gt.Equal(t, cfg.EnrichMode, "async")
	gt.Equal(t, cfg.SemanticWeight, 0.7)
	gt.Equal(t, cfg.KeywordWeight, 0.3)
	gt.Equal(t, cfg.BackfillSchedule, "@every 5m")
	gt.False(t, cfg.SnapshotEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_SECRET", "0123456789abcdef")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("EMBEDDING_PROVIDER", "hash")
	t.Setenv("EMBEDDING_DIM", "64")
	t.Setenv("PROVIDER_TIMEOUT", "250ms")
	t.Setenv("ENRICH_MODE", "sync")
	t.Setenv("SEMANTIC_WEIGHT", "1.5")
	t.Setenv("SNAPSHOT_ENDPOINT", "localhost:9000")
	t.Setenv("SNAPSHOT_ACCESS_KEY", "minio")
	t.Setenv("SNAPSHOT_SECRET_KEY", "minio123")
	t.Setenv("SNAPSHOT_USE_SSL", "false")

	cfg, err := config.Load()
	gt.NoError(t, err)
	gt.Equal(t, cfg.StorePath, "/data/memories.db")
	gt.Equal(t, cfg.EmbeddingDim, 64)
	gt.Equal(t, cfg.ProviderTimeout, 250*time.Millisecond)
	gt.Equal(t, cfg.EnrichMode, "sync")
	gt.Equal(t, cfg.SemanticWeight, 1.5)
	gt.True(t, cfg.SnapshotEnabled())
	gt.False(t, cfg.SnapshotUseSSL)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"STORE_SECRET": ""}},
		{"short secret", map[string]string{"STORE_SECRET": "short"}},
		{"unknown backend", map[string]string{"STORE_BACKEND": "mongo"}},
		{"malformed int", map[string]string{"EMBEDDING_DIM": "many"}},
		{"malformed duration", map[string]string{"PROVIDER_TIMEOUT": "soon"}},
		{"openai without key", map[string]string{"EMBEDDING_PROVIDER": "openai"}},
		{"bad enrich mode", map[string]string{"ENRICH_MODE": "later"}},
		{"bad port", map[string]string{"PORT": "70000"}},
		{"snapshot without credentials", map[string]string{"SNAPSHOT_ENDPOINT": "localhost:9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := tt.env["STORE_SECRET"]; !ok {
				t.Setenv("STORE_SECRET", "0123456789abcdef")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			gt.True(t, errors.Is(err, models.ErrConfiguration))
		})
	}
}

func TestLoadBridge(t *testing.T) {
	t.Setenv("MEMORY_SERVER_URL", "")
	t.Setenv("BRIDGE_TIMEOUT", "")

	cfg, err := config.LoadBridge()
	gt.NoError(t, err)
	gt.Equal(t, cfg.ServerURL, "http://localhost:8741")
	gt.Equal(t, cfg.Timeout, 30*time.Second)

	t.Run("invalid timeout", func(t *testing.T) {
		t.Setenv("BRIDGE_TIMEOUT", "soon")
		_, err := config.LoadBridge()
		gt.True(t, errors.Is(err, models.ErrConfiguration))
	})
}
