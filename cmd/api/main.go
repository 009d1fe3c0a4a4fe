package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"automation-dispatch-engine/internal/api"
	"automation-dispatch-engine/internal/config"
	"automation-dispatch-engine/internal/queue"
	"automation-dispatch-engine/internal/ratelimit"
	"automation-dispatch-engine/internal/rules"
	"automation-dispatch-engine/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	clock := clockwork.NewRealClock()
	q := queue.New(redisClient, clock, cfg.ClaimTTL, cfg.SkewTolerance)

	limitSource := ratelimit.NewStoreSource(st, clock, 30*time.Second, ratelimit.StaticSource{
		Capacity:        cfg.DefaultBucketCapacity,
		RefillPerSecond: cfg.DefaultBucketRefill,
	})

	// The API hosts manual rule firing and event offers; the tick loop lives
	// in the worker.
	engine := rules.New(cfg, st, q, clock, logger.Named("rules"))

	server := api.New(cfg, st, q, engine, limitSource, logger.Named("api"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
