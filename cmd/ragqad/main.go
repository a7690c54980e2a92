package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ynishi/ragqa/internal/auth"
	"github.com/ynishi/ragqa/internal/confidence"
	"github.com/ynishi/ragqa/internal/config"
	"github.com/ynishi/ragqa/internal/embedder"
	"github.com/ynishi/ragqa/internal/evaluation"
	"github.com/ynishi/ragqa/internal/feedback"
	"github.com/ynishi/ragqa/internal/llm"
	"github.com/ynishi/ragqa/internal/orchestrator"
	"github.com/ynishi/ragqa/internal/repository"
	"github.com/ynishi/ragqa/internal/repository/postgres"
	"github.com/ynishi/ragqa/internal/reranker"
	"github.com/ynishi/ragqa/internal/retrieval"
	"github.com/ynishi/ragqa/internal/server"
	"github.com/ynishi/ragqa/internal/synthesizer"
	"github.com/ynishi/ragqa/internal/vectorstore"
	"github.com/ynishi/ragqa/internal/worker"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting QA service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"strategy", cfg.RetrievalStrategy,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	// Initialize repositories
	txRepo := postgres.NewTransactionRepo(db)
	fbRepo := postgres.NewFeedbackRepo(db)
	evalRepo := postgres.NewEvaluationRepo(db)

	// Initialize Qdrant vector index
	index, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer index.Close()
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	// Initialize Ollama embedder behind the LRU cache
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	cachedEmbed, err := embedder.NewCachedEmbedder(embed, cfg.EmbedCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create embedding cache: %w", err)
	}
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel, "cache_size", cfg.EmbedCacheSize)

	if err := index.EnsureCollection(ctx, cachedEmbed.Dimension()); err != nil {
		return fmt.Errorf("failed to ensure Qdrant collection: %w", err)
	}

	// Initialize Ollama LLM clients: one for answering, one for judging
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	judgeClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaJudgeModel),
	)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel, "judge_model", cfg.OllamaJudgeModel)

	// Build the retrieval strategies
	rerank := reranker.NewLLMReranker(llmClient, reranker.WithModel(cfg.OllamaLLMModel))
	deps := retrieval.Deps{
		Embedder:        cachedEmbed,
		Index:           index,
		Generator:       llmClient,
		GeneratorModel:  cfg.OllamaLLMModel,
		Reranker:        rerank,
		MinScore:        cfg.MinScore,
		OverfetchFactor: cfg.RerankOverfetchFactor,
		Logger:          slog.Default(),
	}
	strategies := make(map[retrieval.Kind]retrieval.Strategy)
	for _, kind := range []retrieval.Kind{retrieval.KindBasic, retrieval.KindHyDE, retrieval.KindRerank, retrieval.KindHybrid} {
		strategy, err := retrieval.New(kind, deps)
		if err != nil {
			return fmt.Errorf("failed to build %s strategy: %w", kind, err)
		}
		strategies[kind] = strategy
	}
	defaultKind, err := retrieval.ParseKind(cfg.RetrievalStrategy)
	if err != nil {
		return err
	}

	// Scoring and synthesis
	estimator := confidence.NewEstimator(confidence.Weights{
		TopScore:         cfg.ConfidenceWeightTopScore,
		Gap:              cfg.ConfidenceWeightGap,
		GenerationSignal: cfg.ConfidenceWeightGenerationSignal,
	}, slog.Default())
	synth := synthesizer.New(llmClient, synthesizer.WithModel(cfg.OllamaLLMModel))

	orch, err := orchestrator.New(orchestrator.Config{
		Strategies:      strategies,
		DefaultStrategy: defaultKind,
		Synthesizer:     synth,
		Estimator:       estimator,
		Transactions:    txRepo,
		DefaultTopK:     cfg.TopK,
		QueryTimeout:    cfg.QueryTimeout(),
		MaxConcurrency:  cfg.MaxConcurrency,
		Logger:          slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	// Evaluation and feedback
	evalEngine := evaluation.NewEngine(judgeClient, evalRepo,
		evaluation.WithJudgeModel(cfg.OllamaJudgeModel),
		evaluation.WithWeights(evaluation.Weights{
			Faithfulness: cfg.EvalWeightFaithfulness,
			Relevance:    cfg.EvalWeightRelevance,
			Completeness: cfg.EvalWeightCompleteness,
		}),
	)
	aggregator := feedback.NewAggregator(fbRepo, txRepo, cfg.ReviewConfidenceThreshold, slog.Default())

	// Background workers
	bg := worker.New(worker.Config{
		EvalSchedule:   cfg.EvalSchedule,
		EvalBatchSize:  cfg.EvalBatchSize,
		ReviewSchedule: cfg.ReviewSchedule,
	}, txRepo, evalEngine, aggregator, slog.Default())
	if err := bg.Start(); err != nil {
		return fmt.Errorf("failed to start background workers: %w", err)
	}

	// Create HTTP server
	jwtConfig := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtConfig.Expiry = cfg.JWTExpiry
	jwtManager := auth.NewJWTManager(jwtConfig)

	handlers := server.NewHandlers(orch, txRepo, evalRepo, evalEngine, aggregator, jwtManager, cfg.AdminAPIKey, slog.Default())
	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Handlers:       handlers,
		APIKey:         cfg.APIKey,
		JWTManager:     jwtManager,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		ReadyCheck: func(ctx context.Context) error {
			if err := db.Pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if _, err := index.Count(ctx); err != nil {
				return fmt.Errorf("qdrant: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "port", cfg.HTTPPort)
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := bg.Stop(shutdownCtx); err != nil {
		slog.Error("failed to stop background workers", "error", err)
	}

	slog.Info("stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.TransactionRepository = (*postgres.TransactionRepo)(nil)
	_ repository.FeedbackRepository    = (*postgres.FeedbackRepo)(nil)
	_ repository.EvaluationRepository  = (*postgres.EvaluationRepo)(nil)
	_ vectorstore.Index                = (*vectorstore.QdrantStore)(nil)
	_ vectorstore.Index                = (*vectorstore.MemoryStore)(nil)
	_ embedder.Embedder                = (*embedder.OllamaEmbedder)(nil)
	_ embedder.Embedder                = (*embedder.CachedEmbedder)(nil)
	_ llm.LLM                          = (*llm.OllamaClient)(nil)
	_ reranker.Reranker                = (*reranker.LLMReranker)(nil)
)
