package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/aradsms/messaging_dispatcher/internal/delivery_retrieval_service/app"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/provider"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/repository/postgres"
	"github.com/aradsms/messaging_dispatcher/internal/platform/cache"
	"github.com/aradsms/messaging_dispatcher/internal/platform/config"
	"github.com/aradsms/messaging_dispatcher/internal/platform/database"
	"github.com/aradsms/messaging_dispatcher/internal/platform/health"
	"github.com/aradsms/messaging_dispatcher/internal/platform/logger"
	"github.com/aradsms/messaging_dispatcher/internal/platform/messagebroker"
	"github.com/aradsms/messaging_dispatcher/internal/platform/server"
)

const serviceName = "delivery_retrieval_service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader(logger.New("info").With("service", serviceName))
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Delivery retrieval service starting...", "log_level", cfg.LogLevel)

	mainCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(mainCtx, cfg.Postgres.DSN, database.PoolSettings{MaxConns: cfg.Postgres.MaxConns, MinConns: cfg.Postgres.MinConns})
	if err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	defer dbPool.Close()
	appLogger.Info("Successfully connected to PostgreSQL database")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	correlation := cache.NewRedisCache(rdb, cfg.Redis.CorrelationTTL)

	natsClient, err := messagebroker.NewNATSClient(cfg.NATS.URL, serviceName, appLogger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS")

	messages := postgres.NewPgMessageRepository(dbPool)
	registry, err := provider.NewRegistry(provider.SettingsFromConfig(cfg), messages, appLogger)
	if err != nil {
		return fmt.Errorf("building backend registry: %w", err)
	}
	loader.Watch(func(next *config.Config) {
		if err := registry.Reset(provider.SettingsFromConfig(next)); err != nil {
			appLogger.Error("Backend settings rejected", "error", err)
		}
	})

	reconciler := app.NewReconciler(messages, registry, correlation, natsClient, appLogger)
	consumer := app.NewCallbackConsumer(natsClient, reconciler, cfg.Delivery.CallbackTimeout, appLogger)

	poller := app.NewDeliveryPoller(reconciler, cfg.Delivery.PollWindow, cfg.Delivery.PollBatch, appLogger)
	if err := poller.Start(cfg.Delivery.PollSchedule); err != nil {
		return fmt.Errorf("scheduling delivery poll: %w", err)
	}

	healthServer := health.NewServer(map[string]health.Checker{
		"postgres": dbPool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"nats":     func(context.Context) error { return natsClient.Ping() },
	}, 15*time.Second, appLogger)

	g, groupCtx := errgroup.WithContext(mainCtx)
	g.Go(func() error {
		return consumer.StartConsuming(groupCtx, cfg.NATS.CallbackSubject, cfg.NATS.CallbackQueueGroup)
	})
	g.Go(func() error {
		return healthServer.Serve(groupCtx, cfg.GRPC.HealthPort)
	})
	g.Go(func() error {
		return server.ServeHTTP(groupCtx, server.NewMetricsServer(cfg.Metrics.Port), "metrics", appLogger)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		server.NotifyStopping(appLogger)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		poller.Stop(shutdownCtx)
		return nil
	})

	server.NotifyReady(appLogger)
	appLogger.Info("Delivery retrieval service is ready and running.", "callback_subject", cfg.NATS.CallbackSubject)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("Delivery retrieval service shut down successfully.")
	return nil
}
