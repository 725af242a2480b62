package di

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcommerce/gateway/internal/access"
	"github.com/agentcommerce/gateway/internal/cache"
	"github.com/agentcommerce/gateway/internal/catalog"
	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/payments"
	"github.com/agentcommerce/gateway/internal/platform/auth"
	"github.com/agentcommerce/gateway/internal/platform/config"
	pfirestore "github.com/agentcommerce/gateway/internal/platform/firestore"
	"github.com/agentcommerce/gateway/internal/platform/idempotency"
	"github.com/agentcommerce/gateway/internal/platform/observability"
	"github.com/agentcommerce/gateway/internal/repositories"
	firestoreRepo "github.com/agentcommerce/gateway/internal/repositories/firestore"
	"github.com/agentcommerce/gateway/internal/repositories/memory"
	"github.com/agentcommerce/gateway/internal/repositories/postgres"
	"github.com/agentcommerce/gateway/internal/services"
	"github.com/agentcommerce/gateway/internal/usage"
)

const (
	bootstrapAgentID    = "agent_bootstrap"
	quotaPruneInterval  = time.Minute
	cleanupRunTimeout   = time.Minute
	healthCheckTimeout  = 2 * time.Second
	usageBufferSize     = 4096
	catalogMaxPageCount = 20
)

// Infra carries the external clients opened by the binary. Nil clients fall back to in-memory stores.
type Infra struct {
	Firestore  *pfirestore.Provider
	DB         *sql.DB
	Secrets    config.SecretResolver
	Sinks      []usage.Sink
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	HTTPClient *http.Client
	Build      services.BuildInfo
	Clock      func() time.Time
}

// Repositories bundles the persistence contracts used by the gateway.
type Repositories struct {
	Credentials repositories.CredentialStore
	Agents      repositories.AgentRepository
	Merchants   repositories.MerchantRepository
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Gateway    services.GatewayService
	Onboarding services.OnboardingService
	System     services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories Repositories
	Services     Services

	Access      *access.Controller
	Cache       *cache.ProductCache
	Usage       *usage.Emitter
	Idempotency idempotency.Store

	memoryQuotas *access.MemoryQuotaStore
	redisQuotas  *access.RedisQuotaStore
	clock        func() time.Time
	logger       *zap.Logger
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, infra Infra) (*Container, error) {
	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, clock: clock, logger: logger}

	repos, err := buildRepositories(infra)
	if err != nil {
		return nil, err
	}
	c.Repositories = repos

	hasher := auth.NewAPIKeyHasher(cfg.Access.APIKeyPepper)
	if err := seedBootstrapAgent(ctx, cfg, infra, repos.Agents, hasher, clock); err != nil {
		return nil, err
	}

	sinks := infra.Sinks
	if len(sinks) == 0 {
		sinks = []usage.Sink{usage.NewLogSink(observability.EventLogger(logger.Named("usage")))}
	}
	emitter, err := usage.NewEmitter(usage.EmitterDeps{
		Sinks:         sinks,
		BufferSize:    usageBufferSize,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: cfg.Usage.FlushInterval,
		Logger:        observability.EventLogger(logger.Named("usage")),
	})
	if err != nil {
		return nil, fmt.Errorf("build usage emitter: %w", err)
	}
	c.Usage = emitter

	var (
		accessMetrics  access.Metrics
		cacheMetrics   cache.Metrics
		paymentMetrics payments.Metrics
	)
	if infra.Metrics != nil {
		accessMetrics, cacheMetrics, paymentMetrics = infra.Metrics, infra.Metrics, infra.Metrics
	}

	var quotas access.QuotaStore
	switch cfg.Access.QuotaBackend {
	case config.BackendRedis:
		c.redisQuotas = access.NewRedisQuotaStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		quotas = c.redisQuotas
	default:
		c.memoryQuotas = access.NewMemoryQuotaStore()
		quotas = c.memoryQuotas
	}
	controller, err := access.NewController(access.ControllerDeps{
		Agents:      repos.Agents,
		Merchants:   repos.Merchants,
		Quotas:      quotas,
		Hasher:      hasher,
		Tiers:       quotaTiers(cfg.Access.Tiers),
		DefaultTier: cfg.Access.DefaultTier,
		Metrics:     accessMetrics,
		Clock:       clock,
		Logger:      observability.EventLogger(logger.Named("access")),
	})
	if err != nil {
		return nil, fmt.Errorf("build access controller: %w", err)
	}
	c.Access = controller

	httpClient := infra.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Catalog.UpstreamTimeout}
	}
	source, err := catalog.NewSource(catalog.SourceDeps{
		Credentials: repos.Credentials,
		Clients: []catalog.PlatformClient{
			catalog.NewShopifyClient(httpClient),
			catalog.NewWixClient(httpClient),
			catalog.NewWooCommerceClient(httpClient),
		},
		Normalizer: catalog.NewNormalizer(catalog.WithNormalizerClock(clock)),
		Throttle:   catalog.NewThrottle(cfg.Catalog.UpstreamRPS, cfg.Catalog.UpstreamBurst),
		Timeout:    cfg.Catalog.UpstreamTimeout,
		MaxPages:   catalogMaxPageCount,
		Logger:     observability.EventLogger(logger.Named("catalog")),
	})
	if err != nil {
		return nil, fmt.Errorf("build catalog source: %w", err)
	}
	productCache, err := cache.New(cache.Deps{
		Loader:      source,
		Clock:       clock,
		TTL:         cfg.Catalog.CacheTTL,
		GracePeriod: cfg.Catalog.GracePeriod,
		Usage:       emitter,
		Metrics:     cacheMetrics,
		Logger:      observability.EventLogger(logger.Named("cache")),
	})
	if err != nil {
		return nil, fmt.Errorf("build product cache: %w", err)
	}
	c.Cache = productCache

	store, err := buildIdempotencyStore(ctx, cfg, infra)
	if err != nil {
		return nil, err
	}
	c.Idempotency = store

	paymentsLog := observability.EventLogger(logger.Named("payments"))
	registry, err := payments.NewRegistry(
		payments.NewStripeAdapter(payments.StripeAdapterConfig{Logger: paymentsLog}),
		payments.NewAdyenAdapter(payments.AdyenAdapterConfig{
			HTTPClient:  &http.Client{Timeout: cfg.Payments.Timeout},
			Environment: cfg.Payments.AdyenEnvironment,
			Logger:      paymentsLog,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build psp registry: %w", err)
	}
	router, err := payments.NewRouter(payments.RouterDeps{
		Bindings:       repos.Credentials,
		Adapters:       registry,
		Idempotency:    store,
		Payments:       repos.Payments,
		Locker:         idempotency.NewKeyedLocker(),
		Usage:          emitter,
		Metrics:        paymentMetrics,
		Clock:          clock,
		Timeout:        cfg.Payments.Timeout,
		IdempotencyTTL: cfg.Idempotency.TTL,
		Logger:         paymentsLog,
	})
	if err != nil {
		return nil, fmt.Errorf("build payment router: %w", err)
	}
	binder, err := payments.NewBinder(payments.BinderDeps{
		Bindings: repos.Credentials,
		Adapters: registry,
		Clock:    clock,
		Timeout:  cfg.Payments.Timeout,
		Logger:   paymentsLog,
	})
	if err != nil {
		return nil, fmt.Errorf("build psp binder: %w", err)
	}

	gateway, err := services.NewGatewayService(services.GatewayServiceDeps{
		Access: controller,
		Cache:  productCache,
		Router: router,
		Orders: repos.Orders,
		Clock:  clock,
		Logger: observability.EventLogger(logger.Named("gateway")),
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway service: %w", err)
	}
	onboarding, err := services.NewOnboardingService(services.OnboardingServiceDeps{
		Binder:      binder,
		Credentials: repos.Credentials,
		Merchants:   repos.Merchants,
		Cache:       productCache,
		Logger:      observability.EventLogger(logger.Named("onboarding")),
	})
	if err != nil {
		return nil, fmt.Errorf("build onboarding service: %w", err)
	}

	healthRepo, err := repositories.NewDependencyHealthRepository(c.dependencyChecks(infra),
		repositories.WithDependencyTimeout(healthCheckTimeout),
		repositories.WithDependencyClock(clock),
	)
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Cache:            productCache,
		Clock:            clock,
		Build:            infra.Build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	c.Services = Services{Gateway: gateway, Onboarding: onboarding, System: system}
	return c, nil
}

// Start launches the background workers: usage emission, cache cleanup, idempotency cleanup and
// quota pruning. They stop when ctx is cancelled; wait on the returned group before Close.
func (c *Container) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			c.logger.Debug("background worker stopped", zap.String("worker", name))
		}()
	}

	run("usage", func() {
		if err := c.Usage.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("usage emitter stopped", zap.Error(err))
		}
	})
	run("cache-cleanup", func() {
		c.Cache.RunCleanup(ctx, c.Config.Catalog.CleanupInterval)
	})
	run("idempotency-cleanup", func() {
		every(ctx, c.Config.Idempotency.CleanupInterval, func() {
			runCtx, cancel := context.WithTimeout(ctx, cleanupRunTimeout)
			defer cancel()
			removed, err := c.Idempotency.CleanupExpired(runCtx, c.clock().UTC(), c.Config.Idempotency.CleanupBatchSize)
			if err != nil {
				c.logger.Error("idempotency cleanup error", zap.Error(err))
				return
			}
			if removed > 0 {
				c.logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		})
	})
	if c.memoryQuotas != nil {
		run("quota-prune", func() {
			every(ctx, quotaPruneInterval, func() {
				c.memoryQuotas.Prune(c.clock())
			})
		})
	}
	return &wg
}

// Close releases resources owned by the container. Clients passed in through Infra stay with the caller.
func (c *Container) Close() error {
	if c == nil || c.redisQuotas == nil {
		return nil
	}
	return c.redisQuotas.Close()
}

func (c *Container) dependencyChecks(infra Infra) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{{
		Name: "usage",
		Check: func(context.Context) error {
			if dropped := c.Usage.Dropped(); dropped > 0 {
				return fmt.Errorf("%d usage events dropped", dropped)
			}
			return nil
		},
	}}
	if infra.Firestore != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "firestore", Critical: true, Check: infra.Firestore.Ping})
	}
	if infra.DB != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "postgres", Critical: true, Check: infra.DB.PingContext})
	}
	if c.redisQuotas != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "redis", Critical: true, Check: c.redisQuotas.Ping})
	}
	return checks
}

func buildRepositories(infra Infra) (Repositories, error) {
	var repos Repositories
	if infra.Firestore != nil {
		var opts []firestoreRepo.CredentialStoreOption
		if infra.Secrets != nil {
			opts = append(opts, firestoreRepo.WithSecretResolver(infra.Secrets))
		}
		credentials, err := firestoreRepo.NewCredentialStore(infra.Firestore, opts...)
		if err != nil {
			return Repositories{}, fmt.Errorf("build credential store: %w", err)
		}
		agents, err := firestoreRepo.NewAgentRepository(infra.Firestore)
		if err != nil {
			return Repositories{}, fmt.Errorf("build agent repository: %w", err)
		}
		merchants, err := firestoreRepo.NewMerchantRepository(infra.Firestore)
		if err != nil {
			return Repositories{}, fmt.Errorf("build merchant repository: %w", err)
		}
		paymentRepo, err := firestoreRepo.NewPaymentRepository(infra.Firestore)
		if err != nil {
			return Repositories{}, fmt.Errorf("build payment repository: %w", err)
		}
		repos.Credentials, repos.Agents, repos.Merchants, repos.Payments = credentials, agents, merchants, paymentRepo
	} else {
		repos.Credentials = memory.NewCredentialStore()
		repos.Agents = memory.NewAgentRepository()
		repos.Merchants = memory.NewMerchantRepository()
		repos.Payments = memory.NewPaymentRepository()
	}

	if infra.DB != nil {
		orders, err := postgres.NewOrderRepository(infra.DB)
		if err != nil {
			return Repositories{}, fmt.Errorf("build order repository: %w", err)
		}
		repos.Orders = orders
	} else {
		repos.Orders = memory.NewOrderRepository()
	}
	return repos, nil
}

func buildIdempotencyStore(ctx context.Context, cfg config.Config, infra Infra) (idempotency.Store, error) {
	if cfg.Idempotency.Backend != config.BackendFirestore {
		return idempotency.NewMemoryStore(), nil
	}
	if infra.Firestore == nil {
		return nil, errors.New("idempotency: firestore backend requires a firestore provider")
	}
	client, err := infra.Firestore.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("idempotency: firestore client: %w", err)
	}
	return idempotency.NewFirestoreStore(client), nil
}

// seedBootstrapAgent registers the configured local API key so the in-memory directory is usable.
func seedBootstrapAgent(ctx context.Context, cfg config.Config, infra Infra, agents repositories.AgentRepository, hasher auth.APIKeyHasher, clock func() time.Time) error {
	if cfg.Access.BootstrapAPIKey == "" || infra.Firestore != nil {
		return nil
	}
	tier, _ := cfg.Access.Tier("")
	err := agents.Save(ctx, domain.AgentIdentity{
		ID:        bootstrapAgentID,
		Name:      "bootstrap",
		KeyHash:   hasher.Hash(cfg.Access.BootstrapAPIKey),
		Status:    domain.AgentStatusActive,
		Tier:      domain.QuotaTier{Name: tier.Name, RequestsPerMinute: tier.PerMinute, RequestsPerDay: tier.PerDay},
		CreatedAt: clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("seed bootstrap agent: %w", err)
	}
	return nil
}

func quotaTiers(tiers []config.TierConfig) []domain.QuotaTier {
	out := make([]domain.QuotaTier, 0, len(tiers))
	for _, tier := range tiers {
		out = append(out, domain.QuotaTier{Name: tier.Name, RequestsPerMinute: tier.PerMinute, RequestsPerDay: tier.PerDay})
	}
	return out
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
