package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/fetcher"
	"github.com/lodestone-ai/lodestone/internal/notify"
	"github.com/lodestone-ai/lodestone/internal/owners"
	"github.com/lodestone-ai/lodestone/internal/pipeline"
	"github.com/lodestone-ai/lodestone/internal/ratelimit"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/server"
	"github.com/lodestone-ai/lodestone/internal/service/embedding"
	"github.com/lodestone-ai/lodestone/internal/storage"
	"github.com/lodestone-ai/lodestone/internal/telemetry"
	"github.com/lodestone-ai/lodestone/internal/workflow"
	"github.com/lodestone-ai/lodestone/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LODESTONE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("lodestone starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply pending migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create embedding provider.
	embedder := newEmbeddingProvider(cfg, logger)

	// Create the vector index: Qdrant when configured, otherwise the
	// pgvector index over the same Postgres.
	var index search.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("vector index: qdrant", "collection", cfg.QdrantCollection)
	} else {
		index = search.NewPgvectorIndex(db.Pool(), logger)
		logger.Info("vector index: pgvector (no QDRANT_URL)")
	}

	// Create notifier. Postmark wins when a server token is present,
	// then SMTP, otherwise notifications are logged only.
	var notifier notify.Notifier
	switch {
	case cfg.PostmarkToken != "":
		notifier = notify.NewPostmarkNotifier(cfg.PostmarkToken, cfg.FromEmail, cfg.ReplyToEmail)
		logger.Info("notifier: postmark", "from", cfg.FromEmail)
	case cfg.SMTPHost != "":
		notifier = notify.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.FromEmail)
		logger.Info("notifier: smtp", "host", cfg.SMTPHost, "from", cfg.FromEmail)
	default:
		notifier = notify.NewLogNotifier(logger)
		logger.Info("notifier: log only")
	}

	// Create content fetcher.
	var pageFetcher fetcher.Fetcher
	if cfg.Fetcher == "headless" {
		headless, err := fetcher.NewHeadless(fetcher.HeadlessConfig{
			MaxParallel:       cfg.RunConcurrency,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.FetchTimeout,
		})
		if err != nil {
			return fmt.Errorf("headless fetcher: %w", err)
		}
		defer headless.Close()
		pageFetcher = headless
		logger.Info("fetcher: headless chrome")
	} else {
		pageFetcher = fetcher.NewHTTP(fetcher.HTTPConfig{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.FetchTimeout,
			MaxBytes:  cfg.FetchMaxBytes,
		})
		logger.Info("fetcher: http")
	}

	// Wire the owner store and ingestion pipeline.
	ownerStore := owners.New(db, index, embedder, logger)
	pipe := pipeline.New(pageFetcher, embedder, index, ownerStore, notifier, pipeline.Options{
		ChunkSize:        cfg.ChunkSize,
		ChunkOverlap:     cfg.ChunkOverlap,
		MaxChunks:        cfg.MaxChunks,
		EmbedConcurrency: cfg.EmbedConcurrency,
	}, logger)

	runner, err := workflow.NewRunner(db, pipe.Ingest, workflow.Policy{
		StepTimeout: cfg.StepTimeout,
		Attempts:    cfg.StepAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}, cfg.RunConcurrency, logger)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	// Re-dispatch runs interrupted by a previous process. Completed
	// steps replay from the durable log.
	if err := runner.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Create and start HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		Runner:              runner,
		Owners:              ownerStore,
		Index:               index,
		Notifier:            notifier,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Stop accepting HTTP first, then interrupt
	// in-flight runs; anything unfinished is picked up by the next
	// process's recovery sweep.
	slog.Info("lodestone shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runner.Close()

	slog.Info("lodestone stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when LODESTONE_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		// Auto-detect: prefer Ollama (on-premises, no cost), then OpenAI, else noop.
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
