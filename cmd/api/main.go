package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/api/handlers"
	redisCache "github.com/ragbase/backend/internal/cache/redis"
	"github.com/ragbase/backend/internal/kg/neo4j"
	"github.com/ragbase/backend/internal/llm"
	"github.com/ragbase/backend/internal/metrics"
	"github.com/ragbase/backend/internal/middleware/ratelimit"
	"github.com/ragbase/backend/internal/middleware/security"
	"github.com/ragbase/backend/internal/middleware/validation"
	"github.com/ragbase/backend/internal/progress"
	"github.com/ragbase/backend/internal/retrieval"
	"github.com/ragbase/backend/internal/storage/sqlite"
	"github.com/ragbase/backend/internal/vector/zilliz"
	"github.com/ragbase/backend/pkg/config"
	appLogger "github.com/ragbase/backend/pkg/logger"
)

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

	appLogger.Info("Starting retrieval API server")

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

	neo4jClient, err := neo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	llmClient := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.EmbeddingModel)

	zillizClient, err := zilliz.NewClient(
		cfg.Zilliz.Endpoint,
		cfg.Zilliz.APIKey,
		cfg.Zilliz.CollectionName,
		cfg.Zilliz.VectorDim,
		llmClient,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
	}
	defer zillizClient.Close()

	err = zillizClient.EnsureCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	var cacheClient *redisCache.Client
	if cfg.Redis.Enabled && cfg.Retrieval.CacheEnabled {
		cacheClient, err = redisCache.NewClient(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, running without cache", zap.Error(err))
			cacheClient = nil
		} else {
			defer cacheClient.Close()
		}
	}

	bus := progress.NewBus()
	pipeline := retrieval.NewPipeline(neo4jClient, zillizClient, bus)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.Log})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.Log}))

	retrieveHandler := handlers.NewRetrieveHandler(pipeline, cacheClient, sqliteClient)
	streamHandler := handlers.NewStreamHandler(pipeline, bus)

	api := app.Group("/api/v1")

	api.Post("/retrieve", retrieveHandler.HandleRetrieve)
	api.Get("/retrieve/history", retrieveHandler.GetHistory)
	api.Get("/retrieve/records", retrieveHandler.GetRecords)
	api.Get("/sessions/:sessionID/stats", retrieveHandler.GetSessionStats)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/retrieve", websocket.New(streamHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
