package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
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
	"github.com/aradsms/messaging_dispatcher/internal/public_api_service/middleware"
	httptransport "github.com/aradsms/messaging_dispatcher/internal/public_api_service/transport/http"
)

const serviceName = "public_api_service"

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
	appLogger.Info("Public API service starting...", "port", cfg.HTTP.Port)

	mainCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(mainCtx, cfg.Postgres.DSN, database.PoolSettings{MaxConns: cfg.Postgres.MaxConns, MinConns: cfg.Postgres.MinConns})
	if err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	defer dbPool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATS.URL, serviceName, appLogger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer natsClient.Close()

	messages := postgres.NewPgMessageRepository(dbPool)
	routeTable := postgres.NewPgRouteRepository(dbPool, appLogger)
	registry, err := provider.NewRegistry(provider.SettingsFromConfig(cfg), messages, appLogger)
	if err != nil {
		return fmt.Errorf("building backend registry: %w", err)
	}
	router := app.NewRouter(app.RouteSource(cfg, routeTable), app.DefaultsFromConfig(cfg.Dispatch.DefaultBackends), appLogger)
	if err := router.Reload(mainCtx); err != nil {
		return fmt.Errorf("loading routes: %w", err)
	}
	loader.Watch(func(next *config.Config) {
		if err := registry.Reset(provider.SettingsFromConfig(next)); err != nil {
			appLogger.Error("Backend settings rejected", "error", err)
		}
		if err := router.Reconfigure(mainCtx, app.RouteSource(next, routeTable), app.DefaultsFromConfig(next.Dispatch.DefaultBackends)); err != nil {
			appLogger.Error("Routing update rejected", "error", err)
		}
	})

	controller := app.NewController(messages, postgres.NewPgTemplateRepository(dbPool, appLogger), router, registry,
		cache.NewRedisCache(rdb, cfg.Redis.CorrelationTTL), app.ControllerSettings{
			UseAccent:        cfg.Dispatch.UseAccent,
			DefaultSMSSender: cfg.Dispatch.DefaultSMSSender,
		}, appLogger)

	handler := httptransport.NewRouter(
		httptransport.NewMessageHandler(controller, natsClient, cfg.NATS.JobSubject, validator.New(), appLogger),
		httptransport.NewCallbackHandler(natsClient, appLogger),
		middleware.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		cfg.HTTP.WriteTimeout,
		appLogger,
	)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	healthServer := health.NewServer(map[string]health.Checker{
		"postgres": dbPool.Ping,
		"nats":     func(context.Context) error { return natsClient.Ping() },
	}, 15*time.Second, appLogger)

	g, groupCtx := errgroup.WithContext(mainCtx)
	g.Go(func() error {
		return server.ServeHTTP(groupCtx, httpServer, "public_api", appLogger)
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
		return nil
	})

	server.NotifyReady(appLogger)
	appLogger.Info("Public API service is ready and running.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("Public API service shut down.")
	return nil
}
