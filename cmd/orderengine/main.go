package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"finitefield.org/order-engine/internal/di"
	"finitefield.org/order-engine/internal/handlers"
	"finitefield.org/order-engine/internal/platform/config"
	"finitefield.org/order-engine/internal/platform/observability"
	"finitefield.org/order-engine/internal/platform/secrets"
	"finitefield.org/order-engine/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	bootLogger, err := observability.NewLogger(observability.LoggerConfig{
		Level:       firstEnv("ORDERS_OBSERVABILITY_LOG_LEVEL", "LOG_LEVEL"),
		ServiceName: "order-engine",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}

	fetcher, err := newSecretFetcher(ctx, bootLogger)
	if err != nil {
		bootLogger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			bootLogger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			bootLogger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		bootLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	baseLogger, err := observability.NewLogger(observability.LoggerConfig{
		Level:       cfg.Observability.LogLevel,
		ServiceName: cfg.Observability.ServiceName,
		Version:     cfg.Observability.Version,
	})
	if err != nil {
		bootLogger.Fatal("failed to initialise logger", zap.Error(err))
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("orders")

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(baseLogger),
		di.WithBuildInfo(services.BuildInfo{Version: cfg.Observability.Version, StartedAt: startedAt}),
	)
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	svc := container.Services
	eventLogger := observability.NewEventLogger(baseLogger.Named("webhooks"))
	orderHandlers := handlers.NewOrderHandlers(svc.Orders, svc.Refunds, svc.Reconciler)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Reconciler, cfg.PSP.StripeWebhookSecret,
		handlers.WithWebhookLogger(handlers.WebhookLogger(eventLogger)),
	)
	internalHandlers := handlers.NewInternalHandlers(svc.Reconciler)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(svc.System),
		handlers.WithHealthBuild(cfg.Observability.Version, startedAt),
	)

	httpLogger := baseLogger.Named("http")
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RequestLogger(httpLogger),
			observability.Recovery(httpLogger),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	if container.Relay != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := container.Relay.Run(workerCtx); err != nil {
				logger.Error("outbox relay stopped", zap.Error(err))
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr), zap.String("storage", cfg.Orders.StorageDriver))
	go func() {
		serverLogger.Info("order engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	stopWorkers()
	workers.Wait()
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project := firstEnv("ORDERS_SECRETS_PROJECT_ID", "ORDERS_FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path, ok := os.LookupEnv("ORDERS_SECRETS_FALLBACK_FILE"); ok {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}
