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

	"github.com/ent0n29/trafficlaw/internal/config"
	"github.com/ent0n29/trafficlaw/internal/corpus"
	"github.com/ent0n29/trafficlaw/internal/embedding"
	"github.com/ent0n29/trafficlaw/internal/generation"
	"github.com/ent0n29/trafficlaw/internal/httpapi"
	"github.com/ent0n29/trafficlaw/internal/memory"
	"github.com/ent0n29/trafficlaw/internal/observability"
	"github.com/ent0n29/trafficlaw/internal/prompt"
	"github.com/ent0n29/trafficlaw/internal/rag"
)

var version = "dev"

func main() {
	// A missing .env is normal in containers; real env vars always win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogAddSource, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Endpoint:       cfg.OTLPEndpoint,
		SampleRatio:    cfg.TracesSampleRatio,
		ServiceName:    "trafficlaw",
		ServiceVersion: version,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	embedder, err := embedding.NewProvider(embedding.Config{
		Provider: cfg.EmbeddingProvider,
		BaseURL:  cfg.EmbeddingBaseURL,
		APIKey:   cfg.EmbeddingAPIKey,
		Model:    cfg.EmbeddingModel,
		Dim:      cfg.EmbeddingDim,
	})
	if err != nil {
		return fmt.Errorf("embedding provider init failed: %w", err)
	}
	warmCtx, warmCancel := context.WithTimeout(ctx, time.Minute)
	err = embedding.Warmup(warmCtx, embedder, cfg.EmbeddingWarmupAttempts, 500*time.Millisecond, 8*time.Second)
	warmCancel()
	if err != nil {
		return fmt.Errorf("embedding model unavailable: %w", err)
	}
	logger.Info("embedding provider ready", "provider", embedder.Name(), "dim", embedder.Dimension())

	store, err := corpus.NewStore(ctx, cfg.DatabaseURL, cfg.CorpusTable, cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("corpus store init failed: %w", err)
	}
	defer store.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using an empty in-memory corpus")
	}

	generator, err := generation.NewGenerator(generation.Config{
		Provider:         cfg.GenerationProvider,
		BaseURL:          cfg.GenerationBaseURL,
		APIKey:           cfg.GenerationAPIKey,
		Model:            cfg.GenerationModel,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicModel:   cfg.AnthropicModel,
		MaxTokens:        cfg.GenerationMaxTokens,
		Temperature:      cfg.GenerationTemperature,
		TopP:             cfg.GenerationTopP,
		Timeout:          cfg.GenerationTimeout,
	})
	if err != nil {
		return fmt.Errorf("generator init failed: %w", err)
	}
	if generator.Name() == "mock" {
		logger.Warn("no generation credentials configured; answers come from the mock generator")
	}
	logger.Info("generator ready", "provider", generator.Name())

	orchestrator, err := rag.New(rag.Deps{
		Memory:    memory.NewStore(cfg.MemoryMaxTurns),
		Retriever: corpus.NewRetriever(embedder, store, cfg.RetrievalTimeout, logger, metrics),
		Composer:  prompt.NewComposer(cfg.PromptHistoryWindow),
		Generator: generator,
		Logger:    logger,
		Metrics:   metrics,
	}, rag.Options{TopK: cfg.RetrievalTopK})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Chat:      orchestrator,
		Corpus:    store,
		Metrics:   metrics,
		Logger:    logger,
		Generator: generator.Name(),
		Embedder:  embedder.Name(),
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-listenErr:
		return fmt.Errorf("listen error: %w", err)
	case <-sigCh:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
