package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homestay/internal/api"
	"homestay/internal/config"
	"homestay/internal/database"
	"homestay/internal/domain"
	"homestay/internal/events"
	"homestay/internal/locking"
	"homestay/internal/logging"
	"homestay/internal/metrics"
	"homestay/internal/notify"
	"homestay/internal/payments"
	"homestay/internal/pgstore"
	"homestay/internal/service"
	"homestay/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, sqliteDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := seedListings(ctx, store, cfg, logger); err != nil {
		return err
	}

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	locker := buildLocker(cfg, redisClient, logger)

	bus := events.NewEventBus()
	if cfg.Notifications.AMQPURL != "" {
		notifier, err := notify.Dial(cfg.Notifications.AMQPURL, cfg.Notifications.Exchange, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("amqp connection failed, continuing without notifications")
		} else {
			notifier.Attach(bus)
			defer notifier.Close()
		}
	}

	gateway := buildGateway(cfg, logger)

	checker := service.NewAvailabilityChecker(store, logging.Component(logger, "availability"))
	allocator := service.NewAllocator(store, checker, locker, bus, logging.Component(logger, "allocator"))
	lifecycle := service.NewLifecycleManager(store, checker, bus, logging.Component(logger, "lifecycle"))
	reconciler := service.NewReconciler(allocator, lifecycle, store, store, locker, gateway,
		cfg.Payments, bus, logging.Component(logger, "reconciler"))

	reconWorker := worker.NewReconciliationWorker(store, gateway, redisClient,
		worker.PolicyFromConfig(cfg.Worker), cfg.Payments.AutoRefund, cfg.Worker.PollInterval, logger)
	reconWorker.Attach(bus)
	go reconWorker.Start(ctx)

	if sqliteDB != nil && cfg.Backup.Enabled {
		go database.NewBackupService(sqliteDB, cfg.Backup, logger).Start(ctx)
	}

	startMetrics(ctx, cfg, logger)

	services := api.Services{
		Allocator:  allocator,
		Checker:    checker,
		Lifecycle:  lifecycle,
		Reconciler: reconciler,
		Store:      store,
	}
	if mock, ok := gateway.(*payments.MockGateway); ok {
		services.MockPayments = mock
	}
	httpServer := api.NewHTTPServer(cfg.API, services, logger)

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(cfg.API, store, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	err = startServers(ctx, grpcServer, httpServer, cfg, logger)
	bus.Wait()
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, "api-main"), closer, nil
}

// openStore returns the configured backend. The SQLite handle is also returned
// for the backup service, which only supports file databases.
func openStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.Store, *database.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		store, err := pgstore.Open(ctx, cfg.Database.Postgres, logging.Component(logger, "pgstore"))
		if err != nil {
			logger.Error().Err(err).Str("host", cfg.Database.Postgres.Host).Msg("init postgres")
			return nil, nil, err
		}
		return store, nil, nil
	default:
		db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
			return nil, nil, err
		}
		return db, db, nil
	}
}

func seedListings(ctx context.Context, store domain.ListingStore, cfg *config.Config, logger *zerolog.Logger) error {
	for i := range cfg.Listings {
		listing := cfg.Listings[i]
		if err := store.UpsertListing(ctx, &listing); err != nil {
			return fmt.Errorf("seed listing %d: %w", listing.ID, err)
		}
	}
	if len(cfg.Listings) > 0 {
		logger.Info().Int("count", len(cfg.Listings)).Msg("listings loaded from config")
	}
	return nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := locking.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func buildLocker(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.Locker {
	memory := locking.NewMemoryLocker()
	if cfg.Locking.Backend != "redis" {
		return memory
	}
	if redisClient == nil {
		logger.Warn().Msg("redis locking requested but redis is unavailable, using in-process locks")
		return memory
	}
	return locking.NewFailoverLocker(locking.NewRedisLocker(redisClient, cfg.Locking), memory, logging.Component(logger, "locking"))
}

func buildGateway(cfg *config.Config, logger *zerolog.Logger) payments.Gateway {
	if cfg.Payments.StripeSecretKey == "" {
		logger.Warn().Bool("auto_pay", cfg.Payments.MockAutoPay).Msg("stripe is not configured, checkout runs in mock mode")
		return payments.NewMockGateway(cfg.Payments.MockAutoPay)
	}
	if cfg.Payments.WebhookSecret == "" {
		logger.Warn().Msg("stripe webhook secret is empty, webhooks will be rejected")
	}
	return payments.NewStripeGateway(cfg.Payments.StripeSecretKey, cfg.Payments.WebhookSecret)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	errCh := make(chan error, 2)

	if grpcServer != nil {
		go grpcServer.WatchReadiness(ctx, 15*time.Second)
		go func() {
			if err := grpcServer.Serve(); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Bool("grpc", grpcServer != nil).Msg("API server started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.HTTP.ShutdownTimeout)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("API server stopped")
	return runErr
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
