package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	defaultUpstreamTimeout = 10 * time.Second
	defaultMaxPages        = 20
)

// CredentialLookup resolves the store credentials handed over by onboarding.
type CredentialLookup interface {
	GetStoreCredentials(ctx context.Context, merchantID string, platform domain.Platform) (domain.StoreCredentials, error)
}

// SourceDeps bundles collaborators required to construct a Source.
type SourceDeps struct {
	Credentials CredentialLookup
	Clients     []PlatformClient
	Normalizer  *Normalizer
	Throttle    *Throttle
	Timeout     time.Duration
	MaxPages    int
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// Source fetches and normalises merchant catalogs from the storefront platforms.
type Source struct {
	credentials CredentialLookup
	clients     map[domain.Platform]PlatformClient
	normalizer  *Normalizer
	throttle    *Throttle
	timeout     time.Duration
	maxPages    int
	logger      func(ctx context.Context, event string, fields map[string]any)
}

// NewSource wires the platform clients behind a single lookup.
func NewSource(deps SourceDeps) (*Source, error) {
	if deps.Credentials == nil {
		return nil, errors.New("catalog source: credential lookup is required")
	}
	if len(deps.Clients) == 0 {
		return nil, errors.New("catalog source: at least one platform client is required")
	}
	clients := make(map[domain.Platform]PlatformClient, len(deps.Clients))
	for _, client := range deps.Clients {
		if client == nil {
			continue
		}
		clients[client.Platform()] = client
	}
	normalizer := deps.Normalizer
	if normalizer == nil {
		normalizer = NewNormalizer()
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	maxPages := deps.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Source{
		credentials: deps.Credentials,
		clients:     clients,
		normalizer:  normalizer,
		throttle:    deps.Throttle,
		timeout:     timeout,
		maxPages:    maxPages,
		logger:      logger,
	}, nil
}

// Products returns the merchant's full catalog, following pagination within the upstream timeout.
func (s *Source) Products(ctx context.Context, merchantID string, platform domain.Platform) ([]domain.StandardProduct, error) {
	client, creds, err := s.prepare(ctx, merchantID, platform)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		products []domain.StandardProduct
		cursor   string
	)
	for page := 0; page < s.maxPages; page++ {
		if err := s.throttle.Wait(ctx, merchantID); err != nil {
			return nil, throttled(platform, err)
		}
		result, err := client.ListProducts(ctx, creds, cursor)
		if err != nil {
			return nil, s.wrapContext(platform, err)
		}
		normalized, errs := s.normalizer.NormalizeAll(merchantID, creds, result.Products)
		for _, nerr := range errs {
			s.logger(ctx, "catalog.normalize.skipped", map[string]any{
				"merchantId": merchantID,
				"platform":   string(platform),
				"error":      nerr.Error(),
			})
		}
		products = append(products, normalized...)
		if result.NextCursor == "" {
			return products, nil
		}
		cursor = result.NextCursor
	}
	s.logger(ctx, "catalog.list.truncated", map[string]any{
		"merchantId": merchantID,
		"platform":   string(platform),
		"pages":      s.maxPages,
	})
	return products, nil
}

// Product returns one normalised product.
func (s *Source) Product(ctx context.Context, merchantID string, platform domain.Platform, productID string) (domain.StandardProduct, error) {
	client, creds, err := s.prepare(ctx, merchantID, platform)
	if err != nil {
		return domain.StandardProduct{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.throttle.Wait(ctx, merchantID); err != nil {
		return domain.StandardProduct{}, throttled(platform, err)
	}
	raw, err := client.GetProduct(ctx, creds, productID)
	if err != nil {
		return domain.StandardProduct{}, s.wrapContext(platform, err)
	}
	return s.normalizer.Normalize(merchantID, creds, raw)
}

func (s *Source) prepare(ctx context.Context, merchantID string, platform domain.Platform) (PlatformClient, domain.StoreCredentials, error) {
	client, ok := s.clients[platform]
	if !ok {
		return nil, domain.StoreCredentials{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
	creds, err := s.credentials.GetStoreCredentials(ctx, merchantID, platform)
	if err != nil {
		return nil, domain.StoreCredentials{}, fmt.Errorf("catalog: load store credentials: %w", err)
	}
	return client, creds, nil
}

// wrapContext maps deadline and cancellation to an unavailable platform so callers fall back to stale data.
func (s *Source) wrapContext(platform domain.Platform, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Platform: platform, Message: "timeout", Err: ErrPlatformUnavailable}
	}
	return err
}

func throttled(platform domain.Platform, err error) error {
	return &UpstreamError{Platform: platform, Message: "throttled: " + err.Error(), Err: ErrPlatformUnavailable}
}
