package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	ollamaapi "github.com/ollama/ollama/api"
	"github.com/robfig/cron/v3"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/api"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/config"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/embedding"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/enrich"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/logging"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/memory"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/search"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/snapshot"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/store"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/tagging"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/vault"
)

func main() {
	_ = godotenv.Load()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Logger
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logging.SetDefault(logger)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("memory server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	v, err := vault.New(cfg.StoreSecret, vault.DefaultParams)
	if err != nil {
		return err
	}

	// Embedding with cache
	provider, err := newEmbeddingProvider(cfg)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewCachedEmbedder(provider, cfg.EmbeddingProvider+"/"+cfg.EmbeddingModel, int64(cfg.EmbeddingCacheSize))
	if err != nil {
		return err
	}
	defer embedder.Close()

	tagger, err := newTagger(cfg)
	if err != nil {
		return err
	}

	st, err := openStore(cfg, v, logger)
	if err != nil {
		return err
	}

	// Memory service
	engine := search.NewEngine(st, embedder,
		search.WithQueryTimeout(cfg.ProviderTimeout),
		search.WithLogger(logger),
	)
	enricher := enrich.New(tagger, embedder, cfg.ProviderTimeout, logger)
	svc := memory.NewService(st, enricher, engine, memory.Options{
		EnrichMode:      memory.EnrichMode(cfg.EnrichMode),
		MaxContentBytes: cfg.MaxContentBytes,
	}, logger)
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("failed to close memory service", "error", err)
		}
	}()

	// Surface a wrong key at startup instead of on the first request.
	if n, err := svc.Count(context.Background()); err != nil {
		if models.IsStoreUnreadable(err) {
			return err
		}
		logger.Warn("store check failed", "error", err)
	} else {
		logger.Info("store opened", "backend", cfg.StoreBackend, "path", cfg.StorePath, "memories", n)
	}

	// Embedding backfill
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.BackfillSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := svc.Backfill(ctx); err != nil {
			logger.Warn("scheduled backfill failed", "error", err)
		}
	}); err != nil {
		return goerr.Wrap(models.ErrConfiguration, "invalid BACKFILL_SCHEDULE",
			goerr.V("schedule", cfg.BackfillSchedule), goerr.V("cause", err.Error()))
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Router
	router := api.NewRouter(svc, embedder, api.SearchDefaults{
		Limit:     cfg.DefaultMaxResults,
		Threshold: cfg.DefaultThreshold,
		Weights:   models.Weights{Semantic: cfg.SemanticWeight, Keyword: cfg.KeywordWeight},
	}, cfg.APIKey, logger)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("memory server starting", "addr", addr, "enrich_mode", cfg.EnrichMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
	case err := <-serveErr:
		return err
	}
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := svc.Drain(ctx); err != nil {
		logger.Warn("enrichment still running at shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func newEmbeddingProvider(cfg *config.Config) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedding.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	case "hash":
		return embedding.NewHashEmbedder(cfg.EmbeddingDim), nil
	default:
		return embedding.NewOllamaClient(cfg.OllamaBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	}
}

func newTagger(cfg *config.Config) (tagging.Classifier, error) {
	switch cfg.Tagger {
	case "none":
		return tagging.Noop{}, nil
	case "ollama":
		u, err := url.Parse(cfg.OllamaBaseURL)
		if err != nil {
			return nil, goerr.Wrap(models.ErrConfiguration, "invalid OLLAMA_BASE_URL", goerr.V("cause", err.Error()))
		}
		client := ollamaapi.NewClient(u, &http.Client{Timeout: 60 * time.Second})
		return tagging.NewOllamaClassifier(client, cfg.TagModel), nil
	default:
		rules := tagging.DefaultRules
		if cfg.TagRulesPath != "" {
			loaded, err := tagging.LoadRules(cfg.TagRulesPath)
			if err != nil {
				return nil, err
			}
			rules = loaded
		}
		return tagging.NewRuleClassifier(rules), nil
	}
}

func openStore(cfg *config.Config, v *vault.Vault, logger *slog.Logger) (store.Store, error) {
	if cfg.StoreBackend == "sqlite" {
		if cfg.SnapshotEnabled() {
			logger.Warn("snapshot replication only applies to the file backend; ignoring SNAPSHOT_ENDPOINT")
		}
		return store.OpenSQL(cfg.StorePath, v, cfg.EmbeddingDim)
	}

	opts := []store.FileOption{store.WithFileLogger(logger)}
	if cfg.SnapshotEnabled() {
		rep, err := snapshot.New(snapshot.Config{
			Endpoint:  cfg.SnapshotEndpoint,
			AccessKey: cfg.SnapshotAccessKey,
			SecretKey: cfg.SnapshotSecretKey,
			Bucket:    cfg.SnapshotBucket,
			UseSSL:    cfg.SnapshotUseSSL,
		}, logger)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rep.Init(ctx); err != nil {
			logger.Warn("snapshot bucket not ready, uploads may fail", "error", err)
		}
		opts = append(opts, store.WithReplicator(rep))
	}
	return store.OpenFile(cfg.StorePath, v, cfg.EmbeddingDim, opts...)
}
