package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

type Config struct {
	Port     int
	APIKey   string
	LogLevel string
	// console or json
	LogFormat string
	// Storage
	StoreBackend string
	StorePath    string
	StoreSecret  string
	// Providers
	EmbeddingProvider  string
	OllamaBaseURL      string
	EmbeddingModel     string
	EmbeddingDim       int
	EmbeddingCacheSize int
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	Tagger             string
	TagRulesPath       string
	TagModel           string
	ProviderTimeout    time.Duration
	EnrichMode         string
	// Search tuning
	SemanticWeight    float64
	KeywordWeight     float64
	DefaultThreshold  float64
	DefaultMaxResults int
	MaxContentBytes   int
	// Background jobs
	BackfillSchedule string
	// Snapshot replication, disabled when SnapshotEndpoint is empty
	SnapshotEndpoint  string
	SnapshotAccessKey string
	SnapshotSecretKey string
	SnapshotBucket    string
	SnapshotUseSSL    bool
}

// Load reads the configuration from the environment. Malformed values are
// reported instead of silently replaced by defaults.
func Load() (*Config, error) {
	e := &env{}
	cfg := &Config{
		Port:               e.Int("PORT", 8741),
		APIKey:             e.Str("API_KEY", ""),
		LogLevel:           e.Str("LOG_LEVEL", "info"),
		LogFormat:          e.Str("LOG_FORMAT", "console"),
		StoreBackend:       e.Str("STORE_BACKEND", "file"),
		StorePath:          e.Str("STORE_PATH", ""),
		StoreSecret:        e.Str("STORE_SECRET", ""),
		EmbeddingProvider:  e.Str("EMBEDDING_PROVIDER", "ollama"),
		OllamaBaseURL:      e.Str("OLLAMA_BASE_URL", "http://localhost:11434"),
		EmbeddingModel:     e.Str("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDim:       e.Int("EMBEDDING_DIM", 768),
		EmbeddingCacheSize: e.Int("EMBEDDING_CACHE_SIZE", 4096),
		OpenAIAPIKey:       e.Str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      e.Str("OPENAI_BASE_URL", ""),
		Tagger:             e.Str("TAGGER", "rules"),
		TagRulesPath:       e.Str("TAG_RULES_PATH", ""),
		TagModel:           e.Str("TAG_MODEL", "llama3.2"),
		ProviderTimeout:    e.Duration("PROVIDER_TIMEOUT", 10*time.Second),
		EnrichMode:         e.Str("ENRICH_MODE", "async"),
		SemanticWeight:     e.Float("SEMANTIC_WEIGHT", 0.7),
		KeywordWeight:      e.Float("KEYWORD_WEIGHT", 0.3),
		DefaultThreshold:   e.Float("DEFAULT_THRESHOLD", 0.3),
		DefaultMaxResults:  e.Int("DEFAULT_MAX_RESULTS", 10),
		MaxContentBytes:    e.Int("MAX_CONTENT_BYTES", 64*1024),
		BackfillSchedule:   e.Str("BACKFILL_SCHEDULE", "@every 5m"),
		SnapshotEndpoint:   e.Str("SNAPSHOT_ENDPOINT", ""),
		SnapshotAccessKey:  e.Str("SNAPSHOT_ACCESS_KEY", ""),
		SnapshotSecretKey:  e.Str("SNAPSHOT_SECRET_KEY", ""),
		SnapshotBucket:     e.Str("SNAPSHOT_BUCKET", "valora-snapshots"),
		SnapshotUseSSL:     e.Bool("SNAPSHOT_USE_SSL", true),
	}
	if cfg.StorePath == "" {
		cfg.StorePath = defaultStorePath(cfg.StoreBackend)
	}

	if len(e.errs) > 0 {
		return nil, goerr.Wrap(models.ErrConfiguration, strings.Join(e.errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, goerr.Wrap(models.ErrConfiguration, err.Error())
	}
	return cfg, nil
}

// BridgeConfig configures the MCP stdio bridge, which needs only the
// location of a running server.
type BridgeConfig struct {
	ServerURL string
	APIKey    string
	LogLevel  string
	Timeout   time.Duration
}

func LoadBridge() (*BridgeConfig, error) {
	e := &env{}
	cfg := &BridgeConfig{
		ServerURL: e.Str("MEMORY_SERVER_URL", "http://localhost:8741"),
		APIKey:    e.Str("API_KEY", ""),
		LogLevel:  e.Str("LOG_LEVEL", "info"),
		Timeout:   e.Duration("BRIDGE_TIMEOUT", 30*time.Second),
	}
	if len(e.errs) > 0 {
		return nil, goerr.Wrap(models.ErrConfiguration, strings.Join(e.errs, "; "))
	}
	if cfg.Timeout <= 0 {
		return nil, goerr.Wrap(models.ErrConfiguration, "BRIDGE_TIMEOUT must be positive")
	}
	return cfg, nil
}

func defaultStorePath(backend string) string {
	if backend == "sqlite" {
		return "/data/memories.db"
	}
	return "/data/memories.vault"
}

// SnapshotEnabled reports whether sealed container snapshots are pushed to
// object storage.
func (c *Config) SnapshotEnabled() bool {
	return c.SnapshotEndpoint != ""
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if len(c.StoreSecret) < 16 {
		return fmt.Errorf("STORE_SECRET must be at least 16 bytes")
	}
	switch c.StoreBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("STORE_BACKEND must be file or sqlite, got %q", c.StoreBackend)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	switch c.EmbeddingProvider {
	case "ollama":
		if c.OllamaBaseURL == "" {
			return fmt.Errorf("OLLAMA_BASE_URL must not be empty")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
	case "hash":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be ollama, openai or hash, got %q", c.EmbeddingProvider)
	}
	switch c.Tagger {
	case "rules", "none":
	case "ollama":
		if c.OllamaBaseURL == "" {
			return fmt.Errorf("OLLAMA_BASE_URL must not be empty")
		}
	default:
		return fmt.Errorf("TAGGER must be rules, ollama or none, got %q", c.Tagger)
	}
	switch c.EnrichMode {
	case "async", "sync":
	default:
		return fmt.Errorf("ENRICH_MODE must be async or sync, got %q", c.EnrichMode)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive, got %s", c.ProviderTimeout)
	}
	if c.MaxContentBytes < 1 {
		return fmt.Errorf("MAX_CONTENT_BYTES must be positive, got %d", c.MaxContentBytes)
	}
	if c.DefaultMaxResults < 1 || c.DefaultMaxResults > 100 {
		return fmt.Errorf("DEFAULT_MAX_RESULTS must be between 1 and 100, got %d", c.DefaultMaxResults)
	}
	if c.SemanticWeight < 0 || c.KeywordWeight < 0 {
		return fmt.Errorf("SEMANTIC_WEIGHT and KEYWORD_WEIGHT must not be negative")
	}
	if c.SnapshotEnabled() && (c.SnapshotAccessKey == "" || c.SnapshotSecretKey == "") {
		return fmt.Errorf("SNAPSHOT_ACCESS_KEY and SNAPSHOT_SECRET_KEY are required with SNAPSHOT_ENDPOINT")
	}
	return nil
}

// env reads typed values and remembers every malformed one.
type env struct {
	errs []string
}

func (e *env) fail(key, v string) {
	e.errs = append(e.errs, fmt.Sprintf("%s has invalid value %q", key, v))
}

func (e *env) Str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e *env) Int(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v)
			return fallback
		}
		return i
	}
	return fallback
}

func (e *env) Float(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v)
			return fallback
		}
		return f
	}
	return fallback
}

func (e *env) Bool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v)
			return fallback
		}
		return b
	}
	return fallback
}

func (e *env) Duration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v)
			return fallback
		}
		return d
	}
	return fallback
}
