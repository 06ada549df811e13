package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencode-ai/opencode-mem/internal/aggregator"
	"github.com/opencode-ai/opencode-mem/internal/api"
	"github.com/opencode-ai/opencode-mem/internal/config"
	"github.com/opencode-ai/opencode-mem/internal/embedding"
	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/mcp"
	"github.com/opencode-ai/opencode-mem/internal/observation"
	"github.com/opencode-ai/opencode-mem/internal/queue"
	"github.com/opencode-ai/opencode-mem/internal/search"
	"github.com/opencode-ai/opencode-mem/internal/sessions"
	"github.com/opencode-ai/opencode-mem/internal/store"
	"github.com/opencode-ai/opencode-mem/internal/vectorstore"
)

// mcpMode is true when invoked as `opencode-mem mcp`, serving the MCP stdio
// protocol on stdin/stdout instead of the HTTP API. stdout is reserved for
// JSON-RPC frames in this mode, so logs go to stderr instead.
func mcpMode() bool {
	return len(os.Args) > 1 && os.Args[1] == "mcp"
}

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logOut := os.Stdout
	if mcpMode() {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Storage (C1)
	observations := store.NewObservationStore(db)
	obsFTS := store.NewObservationFTSStore(db)
	embCache := store.NewEmbeddingCacheStore(db)
	obsEmbeddings := store.NewObservationEmbeddingStore(db)
	knowledge := store.NewKnowledgeStore(db)
	injected := store.NewInjectedObservationStore(db)
	pendingMessages := store.NewPendingMessageStore(db)
	rawEvents := store.NewRawEventStore(db)
	summaries := store.NewSummaryStore(db)
	userPrompts := store.NewUserPromptStore(db)
	sessionSummaries := store.NewSessionSummaryStore(db)

	// Embedded vector index (C1, collapsed per Open Question decision 1)
	vectors := vectorstore.NewClient(db, cfg.EmbeddingDim)

	// Embedding Service (C2)
	ollamaClient := embedding.NewOllamaClient(cfg.OllamaBaseURL, cfg.EmbeddingModel)
	embedder := embedding.NewService(ollamaClient, embCache, cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.DisableEmbeddings, logger)

	// Hybrid Search (C3)
	searcher := search.NewHybridSearcher(observations, obsFTS, vectors)

	// LLM Gateway (C4)
	gateway := llmgateway.New(cfg.AnthropicAPIKey, cfg.LLMModel, logger)

	// Observation Service (C5)
	lowValue := observation.NewLowValueFilterFromEnv()
	projectFilter := observation.NewProjectFilterFromEnv()
	obsService := observation.NewService(
		observations, knowledge, obsEmbeddings, vectors, embedder, searcher, gateway,
		injected, rawEvents, lowValue, projectFilter,
		cfg.DedupThreshold, cfg.InjectionDedupThreshold, cfg.MaxConcurrentPipelines, logger,
	)

	instanceID := fmt.Sprintf("opencode-mem-%d", os.Getpid())

	// Queue & Background Processor (C6)
	processor := queue.NewProcessor(
		pendingMessages, observations, obsEmbeddings, vectors, injected, obsService,
		instanceID, cfg.QueueWorkers, cfg.MaxRetry,
		time.Duration(cfg.VisibilityTimeoutSecs)*time.Second,
		cfg.DedupThreshold, logger,
	)

	// Hierarchical Aggregator (C7)
	agg := aggregator.NewAggregator(
		rawEvents, summaries, gateway, instanceID,
		time.Duration(cfg.VisibilityTimeoutSecs)*time.Second,
		cfg.AggregatorMin5MinEvents, cfg.AggregatorMinSummariesForHour, cfg.AggregatorMinSummariesForDay,
		logger,
	)

	// Sessions
	sessStore := sessions.NewSessionStore(db)
	summarizer := sessions.NewSummarizer(gateway, sessionSummaries, cfg.SummaryEnabled)

	if mcpMode() {
		runMCP(obsService, searcher, embedder, processor, agg, logger)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	processor.Run(ctx)
	agg.Run(ctx, 5*time.Minute)

	router := api.NewRouter(
		db, observations, processor, searcher, embedder, ollamaClient, vectors,
		sessStore, userPrompts, sessionSummaries, summarizer,
		cfg.APIKey, logger,
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("opencode-mem server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	cancel() // stop the queue processor and aggregator sweeps
	processor.Wait()
	obsService.Wait()
	agg.Wait()

	logger.Info("server stopped")
}

// runMCP serves the MCP stdio surface in the foreground while the queue
// processor and aggregator keep draining the same background pipelines as
// the HTTP host, so an editor-attached MCP session still gets compressed,
// deduplicated, and rolled-up observations.
func runMCP(
	obsService *observation.Service,
	searcher *search.HybridSearcher,
	embedder *embedding.Service,
	processor *queue.Processor,
	agg *aggregator.Aggregator,
	logger *slog.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor.Run(ctx)
	agg.Run(ctx, 5*time.Minute)

	server := mcp.NewServer(obsService, searcher, embedder)
	logger.Info("opencode-mem mcp server starting")
	if err := server.Run(); err != nil {
		logger.Error("mcp server error", "error", err)
	}

	cancel()
	processor.Wait()
	obsService.Wait()
	agg.Wait()
}
