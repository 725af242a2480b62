package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/agentcommerce/gateway/internal/di"
	"github.com/agentcommerce/gateway/internal/handlers"
	"github.com/agentcommerce/gateway/internal/platform/auth"
	"github.com/agentcommerce/gateway/internal/platform/config"
	pfirestore "github.com/agentcommerce/gateway/internal/platform/firestore"
	"github.com/agentcommerce/gateway/internal/platform/jobs"
	"github.com/agentcommerce/gateway/internal/platform/observability"
	"github.com/agentcommerce/gateway/internal/platform/secrets"
	platformstorage "github.com/agentcommerce/gateway/internal/platform/storage"
	"github.com/agentcommerce/gateway/internal/repositories/postgres"
	"github.com/agentcommerce/gateway/internal/services"
	"github.com/agentcommerce/gateway/internal/usage"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("gateway")

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	buildInfo := buildInfoFromEnv(cfg, startedAt)

	infra := di.Infra{
		Secrets: fetcher,
		Logger:  logger,
		Build:   buildInfo,
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		logger.Warn("metrics unavailable", zap.Error(err))
	} else {
		infra.Metrics = metrics
	}

	if cfg.Firestore.ProjectID != "" {
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		infra.Firestore = provider
	} else {
		logger.Warn("firestore project not configured; directory and credentials are kept in memory")
	}

	if cfg.Postgres.DSN != "" {
		db, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("postgres close error", zap.Error(err))
			}
		}()
		infra.DB = db
	}

	sinks, closeSinks, err := buildUsageSinks(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise usage sinks", zap.Error(err))
	}
	defer closeSinks()
	infra.Sinks = sinks

	container, err := di.NewContainer(ctx, cfg, infra)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	workers := container.Start(workersCtx)

	projectID := strings.TrimSpace(cfg.Project.ID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	accessMiddleware := handlers.NewAccessMiddleware(handlers.AccessDeps{
		Admitter: container.Access,
		Usage:    container.Usage,
	})
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithAgentMiddlewares(accessMiddleware),
		handlers.WithAgentRoutes(handlers.Compose(
			handlers.NewProductHandlers(container.Services.Gateway).Routes,
			handlers.NewOrderHandlers(container.Services.Gateway).Routes,
			handlers.NewPaymentHandlers(container.Services.Gateway).Routes,
		)),
		handlers.WithInternalRoutes(handlers.NewOnboardingHandlers(container.Services.Onboarding).Routes),
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("commerce gateway listening")
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

	// Workers stop after the server so in-flight usage events are flushed.
	stopWorkers()
	workers.Wait()
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("GATEWAY_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("GATEWAY_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Project.Environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	opts := []secrets.Option{secrets.WithLogger(logger.Named("secrets"))}
	project := strings.TrimSpace(os.Getenv("GATEWAY_SECRET_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("GATEWAY_PROJECT_ID"))
	}
	if project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if path := strings.TrimSpace(os.Getenv("GATEWAY_SECRET_FALLBACK_FILE")); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// buildUsageSinks opens the Pub/Sub and Cloud Storage sinks that are configured. The log sink is
// the default when neither is.
func buildUsageSinks(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]usage.Sink, func(), error) {
	var (
		sinks   []usage.Sink
		closers []func() error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("usage sink close error", zap.Error(err))
			}
		}
	}

	if topicName := strings.TrimSpace(cfg.Usage.Topic); topicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.Project.ID)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(topicName)
		closers = append(closers, client.Close, func() error { topic.Stop(); return nil })
		publisher, err := jobs.NewUsagePublisher(topic)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, publisher)
	}

	if bucket := strings.TrimSpace(cfg.Usage.ArchiveBucket); bucket != "" {
		client, err := cloudstorage.NewClient(ctx)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("storage client: %w", err)
		}
		closers = append(closers, client.Close)
		archive, err := platformstorage.NewUsageArchive(client, bucket)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, archive)
	}
	return sinks, closeAll, nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		if cfg.Project.Environment == "local" {
			logger.Warn("auth: OIDC audience not configured; internal routes are unauthenticated in local mode")
			return nil
		}
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	return auth.NewOIDCValidator(cache, audience, cfg.Security.OIDC.Issuers).RequireOIDC()
}
