package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/drift/internal/api"
	"github.com/nidhogg/drift/internal/config"
	"github.com/nidhogg/drift/internal/embedding"
	"github.com/nidhogg/drift/internal/engine"
	"github.com/nidhogg/drift/internal/store"
	"github.com/nidhogg/drift/internal/summarizer"
	"github.com/nidhogg/drift/internal/vectorstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting drift memory engine...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/drift.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// PostgreSQL is the one hard dependency: it holds the canonical state.
	st, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL required", zap.Error(err))
	}
	defer st.Close()
	if err := st.EnsureSharedSchema(context.Background()); err != nil {
		logger.Fatal("shared schema", zap.Error(err))
	}

	// Qdrant accelerates similarity search; without it the engine falls
	// back to exact scans over stored vectors.
	var qdrant *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		qc, qErr := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, exact search fallback", zap.Error(qErr))
		} else {
			qdrant = qc
			defer qdrant.Close()
		}
	}
	index := vectorstore.NewIndex(qdrant, st, logger)

	// Redis backs the cross-process agent locks.
	var rdb *redis.Client
	if cfg.Database.Redis.URL != "" {
		opts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
		if rErr != nil {
			logger.Warn("bad redis URL, local locks only", zap.Error(rErr))
		} else {
			rdb = redis.NewClient(opts)
			if pingErr := rdb.Ping(context.Background()).Err(); pingErr != nil {
				logger.Warn("Redis unavailable, local locks only", zap.Error(pingErr))
				rdb = nil
			} else {
				defer rdb.Close()
			}
		}
	}
	locks := engine.NewLocker(rdb, time.Duration(cfg.Engine.LockTTL), logger)

	embedder := embedding.NewProvider(embedding.Config(cfg.Embedding))
	sum := summarizer.NewClient(summarizer.Config(cfg.Summarizer), logger)

	eng := engine.New(st, index, embedder, sum, locks, cfg.Engine, logger)
	handler := api.NewHandler(eng, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("drift listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("Bye")
}
