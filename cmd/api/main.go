package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/api/handlers"
	"github.com/docchat/backend/internal/api/router"
	"github.com/docchat/backend/internal/cache"
	"github.com/docchat/backend/internal/cache/memory"
	"github.com/docchat/backend/internal/cache/redis"
	"github.com/docchat/backend/internal/chunker"
	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/middleware/ratelimit"
	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/internal/storage/sqlite"
	vecmem "github.com/docchat/backend/internal/vector/memory"
	"github.com/docchat/backend/internal/vector/zilliz"
	"github.com/docchat/backend/pkg/config"
	appLogger "github.com/docchat/backend/pkg/logger"
)

type vectorIndex interface {
	Insert(ctx context.Context, chunks []models.IndexedChunk) error
	DeleteByDocument(ctx context.Context, docID string) error
	Search(ctx context.Context, embedding []float32, topK int) ([]models.SearchResult, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting document chat API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := map[string]handlers.CheckFunc{
		"sqlite": sqliteClient.Ping,
	}

	var index vectorIndex
	switch cfg.Vector.Provider {
	case "milvus":
		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		zillizClient, err := zilliz.NewClient(startCtx, cfg.Vector.Endpoint, cfg.Vector.APIKey,
			cfg.Vector.CollectionName, cfg.Vector.VectorDim)
		if err != nil {
			cancel()
			appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
		}
		err = zillizClient.EnsureCollection(startCtx)
		cancel()
		if err != nil {
			appLogger.Fatal("Failed to prepare collection", zap.Error(err))
		}
		defer zillizClient.Close()
		index = zillizClient
	default:
		appLogger.Warn("Using in-memory vector index; indexed content is lost on restart")
		index = vecmem.NewIndex()
	}

	var store cache.Store
	switch cfg.Cache.Provider {
	case "redis":
		redisClient, err := redis.NewClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Ping
		store = redisClient
	default:
		store = memory.NewStore()
	}

	listCache := cache.NewNamespace(store, cfg.Cache.Prefix, "list-docs", cfg.Cache.ListTTL())
	chatCache := cache.NewNamespace(store, cfg.Cache.Prefix, "chat", cfg.Cache.ChatTTL())
	embeddingCache := cache.NewNamespace(store, cfg.Cache.Prefix, "embedding", cfg.Cache.EmbeddingTTL())

	llmClient := llm.NewClient(cfg.LLM)
	embedder := llm.NewCachedEmbedder(llmClient, embeddingCache, cfg.LLM.EmbeddingModel)

	textChunker, err := chunker.New(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	if err != nil {
		appLogger.Fatal("Invalid chunking configuration", zap.Error(err))
	}

	ingestCfg := ingestion.Config{ScratchDir: cfg.Ingestion.ScratchDir}
	if cfg.Cache.InvalidateOnMutation {
		ingestCfg.Invalidate = []*cache.Namespace{listCache, chatCache}
	}
	processor := ingestion.NewProcessor(sqliteClient, index, embedder, textChunker, listCache, ingestCfg)

	queryEngine := query.NewEngine(sqliteClient, index, embedder, llmClient, chatCache, query.Config{
		TopK:           cfg.Vector.TopK,
		DefaultModel:   cfg.LLM.DefaultModel,
		AllowedModels:  cfg.LLM.AllowedModels,
		RequireContext: cfg.Chat.RequireContext,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app := router.New(cfg.Server, router.Deps{
		Documents: processor,
		Chat:      queryEngine,
		Checks:    checks,
		Limiter:   limiter,
		AccessLog: true,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("vector_provider", cfg.Vector.Provider),
		zap.String("cache_provider", cfg.Cache.Provider),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}

	if cfg.Cache.ClearOnShutdown {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.DeletePrefix(ctx, cfg.Cache.Prefix+":"); err != nil {
			appLogger.Warn("Failed to clear cache on shutdown", zap.Error(err))
		}
		cancel()
	}

	appLogger.Info("Server stopped")
}
