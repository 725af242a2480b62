package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/payments"
	"github.com/agentcommerce/gateway/internal/repositories"
)

// ErrOnboardingInvalidInput indicates an onboarding request failed validation.
var ErrOnboardingInvalidInput = errors.New("onboarding: invalid input")

// PSPBinder validates and stores PSP bindings.
type PSPBinder interface {
	Bind(ctx context.Context, req payments.BindRequest) (domain.MerchantPSPBinding, error)
}

// StoreCredentialWriter stores platform credentials handed over by onboarding.
type StoreCredentialWriter interface {
	PutStoreCredentials(ctx context.Context, merchantID string, creds domain.StoreCredentials) error
}

// OnboardingServiceDeps bundles collaborators required to construct the onboarding service.
type OnboardingServiceDeps struct {
	Binder      PSPBinder
	Credentials StoreCredentialWriter
	Merchants   repositories.MerchantRepository
	Cache       ProductCache
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type onboardingService struct {
	binder      PSPBinder
	credentials StoreCredentialWriter
	merchants   repositories.MerchantRepository
	cache       ProductCache
	logger      func(ctx context.Context, event string, fields map[string]any)
}

var _ OnboardingService = (*onboardingService)(nil)

// NewOnboardingService assembles the service behind the internal onboarding endpoints.
func NewOnboardingService(deps OnboardingServiceDeps) (OnboardingService, error) {
	if deps.Binder == nil {
		return nil, errors.New("onboarding service: binder is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("onboarding service: credential writer is required")
	}
	if deps.Merchants == nil {
		return nil, errors.New("onboarding service: merchant repository is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("onboarding service: product cache is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &onboardingService{
		binder:      deps.Binder,
		credentials: deps.Credentials,
		merchants:   deps.Merchants,
		cache:       deps.Cache,
		logger:      logger,
	}, nil
}

func (s *onboardingService) BindPSP(ctx context.Context, cmd BindPSPCommand) (MerchantPSPBinding, error) {
	binding, err := s.binder.Bind(ctx, cmd)
	if err != nil {
		return binding, err
	}
	s.logger(ctx, "onboarding.psp.bound", map[string]any{
		"merchantId": binding.MerchantID,
		"psp":        binding.PSPType,
		"priority":   binding.RoutingPriority,
	})
	return binding, nil
}

// ConnectStore stores the storefront credentials and drops everything cached for the merchant,
// since a reconnected store may expose a different catalog.
func (s *onboardingService) ConnectStore(ctx context.Context, cmd ConnectStoreCommand) (domain.Merchant, error) {
	merchantID := strings.TrimSpace(cmd.MerchantID)
	if merchantID == "" {
		return domain.Merchant{}, fmt.Errorf("%w: merchant_id is required", ErrOnboardingInvalidInput)
	}
	platform, ok := domain.ParsePlatform(string(cmd.Credentials.Platform))
	if !ok {
		return domain.Merchant{}, fmt.Errorf("%w: unsupported platform %q", ErrOnboardingInvalidInput, cmd.Credentials.Platform)
	}
	creds := cmd.Credentials
	creds.Platform = platform
	if creds.Currency != "" {
		currency, err := domain.NormalizeCurrency(creds.Currency)
		if err != nil {
			return domain.Merchant{}, fmt.Errorf("%w: %v", ErrOnboardingInvalidInput, err)
		}
		creds.Currency = currency
	}
	if err := s.credentials.PutStoreCredentials(ctx, merchantID, creds); err != nil {
		return domain.Merchant{}, fmt.Errorf("onboarding: store credentials: %w", err)
	}

	name := strings.TrimSpace(cmd.Name)
	if existing, err := s.merchants.FindByID(ctx, merchantID); err == nil && name == "" {
		name = existing.Name
	} else if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return domain.Merchant{}, fmt.Errorf("onboarding: lookup merchant: %w", err)
	}
	merchant := domain.Merchant{
		ID:       merchantID,
		Name:     name,
		Platform: platform,
		Status:   domain.MerchantStatusActive,
	}
	if err := s.merchants.Save(ctx, merchant); err != nil {
		return domain.Merchant{}, fmt.Errorf("onboarding: save merchant: %w", err)
	}

	removed := s.cache.Invalidate(merchantID, "")
	s.logger(ctx, "onboarding.store.connected", map[string]any{
		"merchantId": merchantID,
		"platform":   platform,
		"evicted":    removed,
	})
	return merchant, nil
}

func (s *onboardingService) InvalidateCatalog(ctx context.Context, cmd InvalidateCatalogCommand) (int, error) {
	merchantID := strings.TrimSpace(cmd.MerchantID)
	if merchantID == "" {
		return 0, fmt.Errorf("%w: merchant_id is required", ErrOnboardingInvalidInput)
	}
	removed := s.cache.Invalidate(merchantID, strings.TrimSpace(cmd.ProductID))
	s.logger(ctx, "onboarding.cache.invalidated", map[string]any{
		"merchantId": merchantID,
		"productId":  cmd.ProductID,
		"evicted":    removed,
	})
	return removed, nil
}
