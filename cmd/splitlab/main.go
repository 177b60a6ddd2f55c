package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/splitlab/splitlab/internal/experiments"
	"github.com/splitlab/splitlab/internal/experiments/api"
	"github.com/splitlab/splitlab/internal/infrastructure/cache"
	"github.com/splitlab/splitlab/internal/infrastructure/config"
	"github.com/splitlab/splitlab/internal/infrastructure/database"
	"github.com/splitlab/splitlab/internal/infrastructure/messaging"
	"github.com/splitlab/splitlab/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("failed to migrate schema", zap.Error(err))
	}

	registry := experiments.NewRegistry(db, zapLogger)
	ledger := experiments.NewLedger(db, zapLogger)
	lifecycle := experiments.NewLifecycle(registry, zapLogger)
	resultsEngine := experiments.NewResultsEngine(registry, ledger, zapLogger,
		experiments.WithDefaults(cfg.Experiments.DefaultMinSampleSize, cfg.Experiments.DefaultConfidence))

	var serviceOpts []experiments.ServiceOption

	var publisher *messaging.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = messaging.NewKafkaPublisher(messaging.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
		}, zapLogger)
		defer publisher.Close()
		serviceOpts = append(serviceOpts, experiments.WithPublisher(publisher))
		zapLogger.Info("kafka participation stream enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	service := experiments.NewService(registry, ledger, zapLogger, serviceOpts...)

	var snapshotCache api.SnapshotCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		sc, err := cache.NewSnapshotCache(context.Background(), client, cfg.Redis.SnapshotTTL, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer sc.Close()
		snapshotCache = sc
		zapLogger.Info("snapshot cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	handler := api.NewHandler(registry, lifecycle, service, resultsEngine, snapshotCache, zapLogger)
	server := api.NewServer(cfg.Server, handler, zapLogger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	case sig := <-quit:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			zapLogger.Error("shutdown incomplete", zap.Error(err))
		}
	}
}
