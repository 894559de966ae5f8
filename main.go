package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/batch"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/config"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/database"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/handlers"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/llm"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/logging"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/middleware"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/repositories"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		// No config file is fine; fall back to environment variables.
		cfg, err = config.LoadFromEnv(Version)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("redis", cfg.Redis.Host))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = sqlDB.Close()

	rdb, err := database.NewRedisClient(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if rdb == nil {
		logger.Info("Redis not configured, using in-process progress state")
	}

	// Repositories
	rowRepo := repositories.NewRowRepository(db)
	columnRepo := repositories.NewColumnRepository(db)
	configRepo := repositories.NewEnrichmentConfigRepository(db)
	jobRepo := repositories.NewEnrichmentJobRepository(db)
	batchJobRepo := repositories.NewBatchJobRepository(db)

	// External clients
	clientFactory := llm.NewClientFactory(llm.FactoryConfig{
		OpenAIAPIKey:    cfg.AI.OpenAIAPIKey,
		OpenAIEndpoint:  cfg.AI.OpenAIEndpoint,
		AnthropicAPIKey: cfg.AI.AnthropicAPIKey,
	}, logger)
	batchProvider := batch.NewOpenAIProvider(cfg.AI.OpenAIAPIKey, logger)

	// Services
	promptBuilder := services.NewPromptBuilder()
	parser := services.NewResponseParser()
	writer := services.NewCellWriter(rowRepo,
		cfg.Enrichment.WriterChunkSize, cfg.Enrichment.WriterMaxParallel, logger)
	progress := services.NewProgressTracker(rdb, logger)

	runner := services.NewEnrichmentRunner(services.RunnerDeps{
		Configs:  configRepo,
		Columns:  columnRepo,
		Rows:     rowRepo,
		Jobs:     jobRepo,
		Clients:  clientFactory,
		Prompts:  promptBuilder,
		Parser:   parser,
		Writer:   writer,
		Progress: progress,
	}, cfg.Enrichment.CallTimeout(), cfg.Enrichment.StaleJobThreshold(), logger)

	orchestrator := services.NewBatchOrchestrator(services.OrchestratorDeps{
		Configs:  configRepo,
		Columns:  columnRepo,
		Rows:     rowRepo,
		Jobs:     batchJobRepo,
		Provider: batchProvider,
		Prompts:  promptBuilder,
		Writer:   writer,
	}, logger)

	reconciler := services.NewJobReconciler(services.ReconcilerDeps{
		Configs:  configRepo,
		Columns:  columnRepo,
		Rows:     rowRepo,
		Jobs:     batchJobRepo,
		Provider: batchProvider,
		Parser:   parser,
		Writer:   writer,
	}, logger)

	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(cfg, logger)
	healthHandler.RegisterRoutes(mux)

	configHandler := handlers.NewEnrichmentConfigHandler(configRepo, logger)
	configHandler.RegisterRoutes(mux)

	enrichmentHandler := handlers.NewEnrichmentHandler(
		runner, orchestrator, reconciler, progress,
		jobRepo, batchJobRepo,
		cfg.Enrichment.SyncRowLimit, cfg.Enrichment.BulkRowLimit,
		logger)
	enrichmentHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting enrichment-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
