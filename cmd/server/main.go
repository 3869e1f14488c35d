package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/database/connect"
	"github.com/recallguard/recallguard/internal/analyzer"
	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/internal/config"
	"github.com/recallguard/recallguard/internal/feature"
	"github.com/recallguard/recallguard/internal/memory"
	"github.com/recallguard/recallguard/internal/metrics"
	"github.com/recallguard/recallguard/internal/queue"
	"github.com/recallguard/recallguard/internal/review"
	"github.com/recallguard/recallguard/internal/scoring"
	"github.com/recallguard/recallguard/internal/server"
	"github.com/recallguard/recallguard/pkg/logger"
	"github.com/recallguard/recallguard/pkg/redis"
	"github.com/recallguard/recallguard/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.ServiceName = cfg.AppName
	tracingCfg.ServiceVersion = "1.0.0"
	tracingCfg.Environment = cfg.AppEnv
	_, shutdownTracing, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		log.Warn("tracing init failed, continuing without it", zap.Error(err))
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn("tracing shutdown failed", zap.Error(err))
			}
		}()
	}

	db, err := connect.ConnectPostgres(ctx, log, cfg)
	if err != nil {
		log.Fatal("postgres connection failed", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	flags := feature.NewFlags(cfg.FallbackOnly, log)
	fallback := queue.NewPostgresBackend(db, log)

	var streamBackend queue.Backend
	var redisClient *redis.Client
	if !cfg.FallbackOnly {
		redisClient, err = redis.NewClient(redis.Config{
			Host:         cfg.RedisHost,
			Port:         cfg.RedisPort,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.RedisPoolSize,
			MinIdleConns: cfg.RedisMinIdleConns,
			MaxRetries:   cfg.RedisMaxRetries,
		}, log)
		if err != nil {
			// Degraded start: the queue runs fallback-only until restart.
			log.Warn("redis unavailable, starting without streaming backend", zap.Error(err))
		} else {
			defer func() { _ = redisClient.Close() }()
			streamBackend, err = queue.NewStreamBackend(ctx, redisClient, log)
			if err != nil {
				log.Warn("stream backend init failed, running fallback-only", zap.Error(err))
				streamBackend = nil
			}
		}
	}

	storeOpts := []queue.Option{queue.WithFallbackGate(flags)}
	if streamBackend != nil {
		// The stream's fold-then-append transition needs the per-record lock
		// to keep concurrent reviewers to a single terminal transition.
		storeOpts = append(storeOpts, queue.WithTransitionLock(redis.NewLock(redisClient, log)))
	}
	store := queue.NewStore(streamBackend, fallback, log, storeOpts...)

	var interactions audit.InteractionStore = memory.NewPostgresStore(db, log)
	if cfg.LockClaims {
		if redisClient == nil {
			log.Fatal("LOCK_CLAIMS requires a reachable redis for the distributed lock")
		}
		interactions = memory.NewLockedStore(interactions, redis.NewLock(redisClient, log), log)
	}

	scorer := scoring.NewOpenAIScorer(cfg.OpenAIKey, cfg.OpenAIModel, log)
	sweeper := analyzer.New(interactions, store, scorer, analyzer.Config{
		DeleteThreshold: cfg.DeleteThreshold,
		FlagThreshold:   cfg.FlagThreshold,
		ScoreTimeout:    cfg.ScoreTimeout,
		Concurrency:     cfg.SweepConcurrency,
	}, log)

	workflow := review.New(store, interactions, log)

	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	_, err = scheduler.AddFunc(cfg.SweepSchedule, func() {
		if _, err := sweeper.Sweep(ctx, cfg.SweepBatchLimit); err != nil {
			log.Error("scheduled sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		log.Fatal("invalid sweep schedule", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Info("sweep scheduler started", zap.String("schedule", cfg.SweepSchedule))

	srvOpts := []server.Option{server.WithHealthCheck("postgres", db.PingContext)}
	if redisClient != nil {
		srvOpts = append(srvOpts, server.WithHealthCheck("redis", redisClient.IsAvailable))
	}
	httpSrv := server.NewHTTPServer(":"+cfg.AppPort, server.New(workflow, log, srvOpts...).Handler())
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)

	go func() {
		log.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()
	go func() {
		log.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown failed", zap.Error(err))
	}
	// Returning lets the deferred scheduler stop, store closes, and log sync run.
	log.Info("shutdown complete")
}
