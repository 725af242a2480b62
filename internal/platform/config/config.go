package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	envPrefix = "GATEWAY_"

	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultEnvironment          = "local"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 45 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 20 * time.Second
	defaultCatalogTTL           = time.Hour
	defaultCatalogGrace         = 10 * time.Minute
	defaultCatalogCleanup       = 5 * time.Minute
	defaultCatalogTimeout       = 10 * time.Second
	defaultCatalogRPS           = 5.0
	defaultCatalogBurst         = 10
	defaultPaymentTimeout       = 30 * time.Second
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = 15 * time.Minute
	defaultIdempotencyBatchSize = 200
	defaultRateLimitTiers       = "free:60/1000,standard:100/10000,enterprise:1000/1000000"
	defaultRateLimitTier        = "standard"
	defaultUsageFlushInterval   = time.Minute
	defaultUsageBatchSize       = 500
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer           = "https://accounts.google.com"
	defaultAdyenEnvironment     = "test"
)

// Backend names accepted for pluggable stores.
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Project     ProjectConfig
	Firestore   FirestoreConfig
	Catalog     CatalogConfig
	Payments    PaymentsConfig
	Idempotency IdempotencyConfig
	Access      AccessConfig
	Redis       RedisConfig
	Postgres    PostgresConfig
	Usage       UsageConfig
	Security    SecurityConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ProjectConfig identifies the deployment.
type ProjectConfig struct {
	ID          string
	Environment string
}

// FirestoreConfig stores database parameters for the credential store and directory.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// CatalogConfig controls the product proxy cache and upstream platform calls.
type CatalogConfig struct {
	CacheTTL        time.Duration
	GracePeriod     time.Duration
	CleanupInterval time.Duration
	UpstreamTimeout time.Duration
	UpstreamRPS     float64
	UpstreamBurst   int
}

// PaymentsConfig controls PSP dispatch.
type PaymentsConfig struct {
	Timeout          time.Duration
	AdyenEnvironment string
}

// IdempotencyConfig controls the payment idempotency record store.
type IdempotencyConfig struct {
	Backend          string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// TierConfig is one rate-limit tier.
type TierConfig struct {
	Name      string
	PerMinute int
	PerDay    int
}

// AccessConfig controls agent authentication and quotas.
type AccessConfig struct {
	QuotaBackend string
	APIKeyPepper string
	Tiers        []TierConfig
	DefaultTier  string

	// BootstrapAPIKey seeds one agent into the in-memory directory for local runs.
	BootstrapAPIKey string
}

// Tier returns the named tier, falling back to the default tier.
func (c AccessConfig) Tier(name string) (TierConfig, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = c.DefaultTier
	}
	for _, tier := range c.Tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return TierConfig{}, false
}

// RedisConfig configures the shared quota counter backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig configures order persistence. An empty DSN keeps orders in memory.
type PostgresConfig struct {
	DSN string
}

// UsageConfig configures usage event sinks. Empty values disable the sink.
type UsageConfig struct {
	Topic         string
	ArchiveBucket string
	FlushInterval time.Duration
	BatchSize     int
}

// SecurityConfig groups service-to-service authentication for internal routes.
type SecurityConfig struct {
	OIDC OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the gateway configuration from defaults, .env overrides, environment
// variables and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	tiers, tiersErr := parseTiers(stringWithDefault(lookup, "RATE_LIMIT_TIERS", defaultRateLimitTiers))

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Project: ProjectConfig{
			ID:          stringWithDefault(lookup, "PROJECT_ID", ""),
			Environment: strings.ToLower(stringWithDefault(lookup, "ENV", defaultEnvironment)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", ""),
		},
		Catalog: CatalogConfig{
			CacheTTL:        durationWithDefault(lookup, "CATALOG_CACHE_TTL", defaultCatalogTTL),
			GracePeriod:     durationWithDefault(lookup, "CATALOG_CACHE_GRACE", defaultCatalogGrace),
			CleanupInterval: durationWithDefault(lookup, "CATALOG_CLEANUP_INTERVAL", defaultCatalogCleanup),
			UpstreamTimeout: durationWithDefault(lookup, "CATALOG_TIMEOUT", defaultCatalogTimeout),
			UpstreamRPS:     floatWithDefault(lookup, "CATALOG_UPSTREAM_RPS", defaultCatalogRPS),
			UpstreamBurst:   intWithDefault(lookup, "CATALOG_UPSTREAM_BURST", defaultCatalogBurst),
		},
		Payments: PaymentsConfig{
			Timeout:          durationWithDefault(lookup, "PAYMENT_TIMEOUT", defaultPaymentTimeout),
			AdyenEnvironment: strings.ToLower(stringWithDefault(lookup, "ADYEN_ENVIRONMENT", defaultAdyenEnvironment)),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "IDEMPOTENCY_BACKEND", BackendMemory)),
			TTL:              durationWithDefault(lookup, "IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Access: AccessConfig{
			QuotaBackend: strings.ToLower(stringWithDefault(lookup, "QUOTA_BACKEND", BackendMemory)),
			APIKeyPepper: stringWithDefault(lookup, "API_KEY_PEPPER", ""),
			Tiers:        tiers,
			DefaultTier:  strings.ToLower(stringWithDefault(lookup, "RATE_LIMIT_DEFAULT_TIER", defaultRateLimitTier)),

			BootstrapAPIKey: stringWithDefault(lookup, "BOOTSTRAP_API_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			DSN: stringWithDefault(lookup, "POSTGRES_DSN", ""),
		},
		Usage: UsageConfig{
			Topic:         stringWithDefault(lookup, "USAGE_TOPIC", ""),
			ArchiveBucket: stringWithDefault(lookup, "USAGE_ARCHIVE_BUCKET", ""),
			FlushInterval: durationWithDefault(lookup, "USAGE_FLUSH_INTERVAL", defaultUsageFlushInterval),
			BatchSize:     intWithDefault(lookup, "USAGE_BATCH_SIZE", defaultUsageBatchSize),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "OIDC_ISSUERS"),
			},
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Project.ID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	secretFields := []*string{
		&cfg.Access.APIKeyPepper,
		&cfg.Access.BootstrapAPIKey,
		&cfg.Redis.Password,
		&cfg.Postgres.DSN,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg, tiersErr); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !IsSecretReference(value) {
		return value, nil
	}
	ref := NormalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config, tiersErr error) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Catalog.CacheTTL <= 0 {
		missing = append(missing, "Catalog.CacheTTL")
	}
	if cfg.Catalog.GracePeriod < 0 {
		missing = append(missing, "Catalog.GracePeriod")
	}
	if cfg.Catalog.UpstreamTimeout <= 0 {
		missing = append(missing, "Catalog.UpstreamTimeout")
	}
	if cfg.Catalog.UpstreamRPS <= 0 || cfg.Catalog.UpstreamBurst <= 0 {
		missing = append(missing, "Catalog.UpstreamRate")
	}
	if cfg.Payments.Timeout <= 0 {
		missing = append(missing, "Payments.Timeout")
	}
	if cfg.Payments.AdyenEnvironment != "test" && cfg.Payments.AdyenEnvironment != "live" {
		missing = append(missing, "Payments.AdyenEnvironment")
	}
	switch cfg.Idempotency.Backend {
	case BackendMemory:
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	switch cfg.Access.QuotaBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	default:
		missing = append(missing, "Access.QuotaBackend")
	}
	if tiersErr != nil || len(cfg.Access.Tiers) == 0 {
		missing = append(missing, "Access.Tiers")
	} else if _, ok := cfg.Access.Tier(""); !ok {
		missing = append(missing, "Access.DefaultTier")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

// parseTiers reads "name:perMinute/perDay" entries separated by commas.
func parseTiers(raw string) ([]TierConfig, error) {
	var tiers []TierConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, limits, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed tier %q", entry)
		}
		perMinute, perDay, ok := strings.Cut(limits, "/")
		if !ok {
			return nil, fmt.Errorf("config: malformed tier limits %q", entry)
		}
		minute, err := parsePositive(perMinute)
		if err != nil {
			return nil, fmt.Errorf("config: tier %q per-minute: %w", name, err)
		}
		day, err := parsePositive(perDay)
		if err != nil {
			return nil, fmt.Errorf("config: tier %q per-day: %w", name, err)
		}
		tiers = append(tiers, TierConfig{
			Name:      strings.ToLower(strings.TrimSpace(name)),
			PerMinute: minute,
			PerDay:    day,
		})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Name < tiers[j].Name })
	return tiers, nil
}

// IsSecretReference reports whether value points at Secret Manager.
func IsSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// NormalizeSecretReference rewrites sm:// references to the canonical secret:// form.
func NormalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}
