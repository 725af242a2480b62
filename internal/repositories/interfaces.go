package repositories

import (
	"context"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

// CredentialStore holds per-merchant platform credentials and PSP bindings written by onboarding.
type CredentialStore interface {
	GetStoreCredentials(ctx context.Context, merchantID string, platform domain.Platform) (domain.StoreCredentials, error)
	PutStoreCredentials(ctx context.Context, merchantID string, creds domain.StoreCredentials) error
	GetPSPBindings(ctx context.Context, merchantID string) ([]domain.MerchantPSPBinding, error)
	SaveBinding(ctx context.Context, binding domain.MerchantPSPBinding) error
	UpdateBindingStatus(ctx context.Context, merchantID string, psp domain.PSPType, status domain.BindingStatus, reason string, at time.Time) error
}

// AgentRepository resolves agents by the hash of their API key.
type AgentRepository interface {
	FindByKeyHash(ctx context.Context, keyHash string) (domain.AgentIdentity, error)
	Save(ctx context.Context, agent domain.AgentIdentity) error
}

// MerchantRepository exposes the gateway view of connected merchants.
type MerchantRepository interface {
	FindByID(ctx context.Context, merchantID string) (domain.Merchant, error)
	Save(ctx context.Context, merchant domain.Merchant) error
}

// OrderRepository persists orders created by agents.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, merchantID, orderID string) (domain.Order, error)
	UpdateStatus(ctx context.Context, merchantID, orderID string, status domain.OrderStatus, paymentReference string, at time.Time) error
}

// PaymentRepository persists payment outcomes so captures and refunds can find the authorising PSP.
type PaymentRepository interface {
	SavePayment(ctx context.Context, payment domain.PaymentResult) error
	GetPayment(ctx context.Context, merchantID, paymentID string) (domain.PaymentResult, error)
}

// HealthRepository evaluates dependency health for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
