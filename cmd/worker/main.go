package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"automation-dispatch-engine/internal/config"
	"automation-dispatch-engine/internal/dispatcher"
	"automation-dispatch-engine/internal/events"
	"automation-dispatch-engine/internal/pacing"
	"automation-dispatch-engine/internal/platform"
	"automation-dispatch-engine/internal/queue"
	"automation-dispatch-engine/internal/ratelimit"
	"automation-dispatch-engine/internal/rules"
	"automation-dispatch-engine/internal/store"
	"automation-dispatch-engine/internal/telemetry"
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
	limiter := ratelimit.NewTokenBucket(redisClient, clock, limitSource, time.Hour, time.Minute)

	provider, err := platform.NewRenderProvider(ctx, cfg)
	if err != nil {
		logger.Fatal("init generation provider", zap.Error(err))
	}
	adapter := platform.NewHTTPAdapter(cfg.PlatformBaseURL, cfg.PlatformTimeout)

	sink := events.Multi{
		events.NewLogSink(logger.Named("events")),
		events.NewRedisSink(redisClient, cfg.StatusChannel, logger.Named("events")),
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	disp := dispatcher.New(cfg, q, st, limiter, pacing.New(), provider, adapter,
		sink, clock, logger.Named("dispatcher"), workerID)
	engine := rules.New(cfg, st, q, clock, logger.Named("rules"))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("claim_ttl", cfg.ClaimTTL))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := disp.Run(ctx); err != nil && err != context.Canceled {
			logger.Warn("dispatcher stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			logger.Warn("rule engine stopped", zap.Error(err))
		}
	}()
	wg.Wait()
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
