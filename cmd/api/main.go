package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/qc-engine/internal/config"
	"github.com/kursadbilgin/qc-engine/internal/handler"
	"github.com/kursadbilgin/qc-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/qc-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/qc-engine/internal/infra/redis"
	"github.com/kursadbilgin/qc-engine/internal/lock"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/queue"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"github.com/kursadbilgin/qc-engine/internal/service"
	"github.com/kursadbilgin/qc-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("qc-engine stopped with error", zap.Error(err))
	}
	logger.Info("qc-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer mq.Close()

	publisher := queue.NewRabbitMQPublisher(mq)
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(mq, cfg.WorkerConcurrency, logger)
	defer consumer.Close()

	metrics := observability.NewMetrics()

	batches := repository.NewGormBatchRepo(db)
	responses := repository.NewGormResponseRepo(db)
	surveyConfigs := repository.NewGormSurveyConfigRepo(db)

	locker, err := lock.New(cfg.LockBackend, rdb, cfg.LockTTL, logger)
	if err != nil {
		return err
	}
	cache, err := infraredis.NewAssignmentCache(rdb, cfg.AssignmentCacheTTL, cfg.CacheTimeout)
	if err != nil {
		return err
	}

	configService, err := service.NewConfigService(surveyConfigs, cfg.DefaultBatchConfig(), logger)
	if err != nil {
		return err
	}
	collector, err := service.NewCollector(responses, batches, configService, cfg.Location(), logger)
	if err != nil {
		return err
	}
	sampler, err := service.NewSampler(batches, responses, locker, logger)
	if err != nil {
		return err
	}
	sampler.SetMetrics(metrics)

	assignments, err := service.NewAssignmentQueue(responses, cache, cfg.LeaseTTL, cfg.CandidateLimit, logger)
	if err != nil {
		return err
	}
	assignments.SetMetrics(metrics)

	reconciler, err := service.NewReconciler(batches, responses, locker, logger)
	if err != nil {
		return err
	}
	decisions, err := service.NewDecisionEngine(batches, responses, locker, logger)
	if err != nil {
		return err
	}
	decisions.SetMetrics(metrics)

	verification, err := service.NewVerificationService(assignments, reconciler, decisions, locker, publisher, logger)
	if err != nil {
		return err
	}
	verification.SetMetrics(metrics)

	closer, err := service.NewBatchCloser(batches, publisher, cfg.Location(), cfg.CloseInterval, 0, logger)
	if err != nil {
		return err
	}
	closer.SetStuckAfter(cfg.StuckProcessing)
	scanner, err := service.NewReconcileScanner(batches, verification, cfg.ReconcileInterval, 0, logger)
	if err != nil {
		return err
	}
	worker, err := service.NewWorkerService(consumer, sampler, verification, cfg.WorkerConcurrency, logger)
	if err != nil {
		return err
	}
	worker.SetMetrics(metrics)

	batchService, err := service.NewBatchService(batches, responses, closer, sampler)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "qc-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(transport.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, map[string]handler.ReadinessCheck{
		"postgres": handler.PostgresCheck(sqlDB),
		"redis":    handler.RedisCheck(rdb),
		"rabbitmq": mq.Ping,
	})
	handler.RegisterMetricsRoute(app, metrics.Handler())
	if err := handler.RegisterResponseRoutes(app, collector); err != nil {
		return err
	}
	if err := handler.RegisterReviewRoutes(app, assignments, verification); err != nil {
		return err
	}
	if err := handler.RegisterBatchRoutes(app, batchService); err != nil {
		return err
	}
	if err := handler.RegisterConfigRoutes(app, configService); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("qc-engine api started", zap.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})
	g.Go(func() error {
		return closer.Start(gctx)
	})
	g.Go(func() error {
		return scanner.Start(gctx)
	})
	g.Go(func() error {
		return worker.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
