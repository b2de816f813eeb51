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

	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/app"
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

const serviceName = "dispatch_service"

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
	appLogger.Info("Dispatch service starting...", "log_level", cfg.LogLevel)

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
	templates := postgres.NewPgTemplateRepository(dbPool, appLogger)
	routeTable := postgres.NewPgRouteRepository(dbPool, appLogger)

	registry, err := provider.NewRegistry(provider.SettingsFromConfig(cfg), messages, appLogger)
	if err != nil {
		return fmt.Errorf("building backend registry: %w", err)
	}
	router := app.NewRouter(app.RouteSource(cfg, routeTable), app.DefaultsFromConfig(cfg.Dispatch.DefaultBackends), appLogger)
	if err := router.Reload(mainCtx); err != nil {
		return fmt.Errorf("loading routes: %w", err)
	}

	controller := app.NewController(messages, templates, router, registry, correlation, app.ControllerSettings{
		UseAccent:        cfg.Dispatch.UseAccent,
		DefaultSMSSender: cfg.Dispatch.DefaultSMSSender,
	}, appLogger)

	loader.Watch(func(next *config.Config) {
		if err := registry.Reset(provider.SettingsFromConfig(next)); err != nil {
			appLogger.Error("Backend settings rejected", "error", err)
		}
		if err := router.Reconfigure(mainCtx, app.RouteSource(next, routeTable), app.DefaultsFromConfig(next.Dispatch.DefaultBackends)); err != nil {
			appLogger.Error("Routing update rejected", "error", err)
		}
	})

	sweeper := app.NewSweeper(controller, cfg.Dispatch.SweepAge, cfg.Dispatch.SweepBatch, appLogger)
	if err := sweeper.Start(cfg.Dispatch.SweepSchedule); err != nil {
		return fmt.Errorf("scheduling waiting sweep: %w", err)
	}

	healthServer := health.NewServer(map[string]health.Checker{
		"postgres": dbPool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"nats":     func(context.Context) error { return natsClient.Ping() },
	}, 15*time.Second, appLogger)

	consumer := app.NewJobConsumer(natsClient, controller, cfg.Dispatch.JobTimeout, appLogger)

	g, groupCtx := errgroup.WithContext(mainCtx)
	g.Go(func() error {
		return consumer.StartConsuming(groupCtx, cfg.NATS.JobSubject, cfg.NATS.JobQueueGroup)
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
		sweeper.Stop(shutdownCtx)
		return nil
	})

	server.NotifyReady(appLogger)
	appLogger.Info("Dispatch service is ready and running.", "job_subject", cfg.NATS.JobSubject)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("Dispatch service shut down successfully.")
	return nil
}
