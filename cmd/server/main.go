package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/kmetts/shrinkray/config"
	appmodel "github.com/kmetts/shrinkray/internal/app/model"
	apppipeline "github.com/kmetts/shrinkray/internal/app/pipeline"
	apprepository "github.com/kmetts/shrinkray/internal/app/repository"
	appserver "github.com/kmetts/shrinkray/internal/app/server"
	appservice "github.com/kmetts/shrinkray/internal/app/service"
	"github.com/kmetts/shrinkray/internal/infra/logger"
	infraNATS "github.com/kmetts/shrinkray/internal/infra/nats"
	infraPostgres "github.com/kmetts/shrinkray/internal/infra/postgres"
	infraPrometheus "github.com/kmetts/shrinkray/internal/infra/prometheus"
	infraRedis "github.com/kmetts/shrinkray/internal/infra/redis"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	isDev := os.Getenv("APP_ENV") != "production"
	log := logger.MustInit(logger.Config{
		Development: isDev,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Configuration loaded successfully",
		zap.String("postgres_host", cfg.Postgres.Host),
		zap.Int("postgres_port", cfg.Postgres.Port),
		zap.String("postgres_db", cfg.Postgres.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Int("redis_port", cfg.Redis.Port),
		zap.String("nats_host", cfg.NATS.Host),
		zap.Int("nats_port", cfg.NATS.Port),
		zap.Int("rate_limit_count", cfg.Pipeline.RateLimitCount),
		zap.Duration("rate_limit_window", cfg.Pipeline.RateLimitWindow),
		zap.Duration("cache_ttl", cfg.Pipeline.CacheTTL),
		zap.Duration("idempotency_ttl", cfg.Pipeline.IdempotencyTTL),
	)

	gormDB, err := infraPostgres.NewGorm(cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to open GORM connection", zap.Error(err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal("Failed to access underlying SQL DB", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.URL{}); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()

	// The partial unique index carries the active-uniqueness
	// invariant; the service must not start without it.
	if err := infraPostgres.EnsureIndexes(ctx, pool); err != nil {
		log.Fatal("Failed to create indexes", zap.Error(err))
	}

	log.Info("Connected to Postgres successfully")

	redisClient, err := infraRedis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("Connected to Redis successfully")

	natsConn, js, err := infraNATS.Connect(cfg.NATS)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer natsConn.Drain()
	log.Info("Connected to NATS successfully", zap.Bool("jetstream_ready", js != nil))

	events := appservice.NewEventPublisher(js)
	if err := events.EnsureStream(); err != nil {
		log.Fatal("Failed to ensure lifecycle stream", zap.Error(err))
	}

	if !isDev {
		promServer := infraPrometheus.NewServer(cfg.Prometheus)
		go func() {
			log.Info("Starting Prometheus metrics server",
				zap.Int("port", cfg.Prometheus.Port))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
			}
		}()
		defer func() {
			if err := promServer.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Failed to close Prometheus server", zap.Error(err))
			}
		}()
	} else {
		log.Info("Skipping Prometheus metrics server in development mode")
	}

	urlRepo := apprepository.NewURLRepository(gormDB)

	urlService := appservice.NewURLService(appservice.Dependencies{
		Logger:     log,
		Repo:       urlRepo,
		Events:     events,
		CodeLength: cfg.Shortener.CodeLength,
	})

	if err := appservice.WarmFilter(ctx, urlService); err != nil {
		log.Warn("Failed to warm negative-lookup filter", zap.Error(err))
	}

	pipe := apppipeline.New(apppipeline.Dependencies{
		Logger:         log,
		KV:             infraRedis.NewKV(redisClient),
		RateLimitCount: cfg.Pipeline.RateLimitCount,
		RateWindow:     cfg.Pipeline.RateLimitWindow,
		CacheTTL:       cfg.Pipeline.CacheTTL,
		IdempotencyTTL: cfg.Pipeline.IdempotencyTTL,
		Metrics:        apppipeline.NewMetrics(prometheus.DefaultRegisterer),
	})

	server := appserver.New(appserver.Dependencies{
		Logger:    log,
		Postgres:  pool,
		Redis:     redisClient,
		NATS:      natsConn,
		JetStream: js,
		URLs:      urlService,
		Pipeline:  pipe,
	})

	if err := server.Listen(":8080"); err != nil {
		log.Fatal("Fiber server exited", zap.Error(err))
	}
}
