package services

import (
	"context"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/payments"
	"github.com/agentcommerce/gateway/internal/platform/pagination"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	AgentIdentity      = domain.AgentIdentity
	StandardProduct    = domain.StandardProduct
	Order              = domain.Order
	PaymentResult      = domain.PaymentResult
	MerchantPSPBinding = domain.MerchantPSPBinding
	SystemHealthReport = domain.SystemHealthReport
)

// CatalogService answers agent product queries through the product cache.
type CatalogService interface {
	SearchProducts(ctx context.Context, agent AgentIdentity, query ProductSearchQuery) (ProductSearchResult, error)
	GetProduct(ctx context.Context, agent AgentIdentity, query ProductLookupQuery) (ProductLookupResult, error)
}

// OrderService creates orders from cached catalog data.
type OrderService interface {
	CreateOrder(ctx context.Context, agent AgentIdentity, cmd CreateOrderCommand) (Order, error)
}

// PaymentService executes and modifies payments through the payment router.
type PaymentService interface {
	ExecutePayment(ctx context.Context, agent AgentIdentity, cmd ExecutePaymentCommand) (PaymentResult, error)
	CapturePayment(ctx context.Context, agent AgentIdentity, cmd CapturePaymentCommand) (PaymentResult, error)
	RefundPayment(ctx context.Context, agent AgentIdentity, cmd RefundPaymentCommand) (PaymentResult, error)
}

// GatewayService is the agent-facing façade.
type GatewayService interface {
	CatalogService
	OrderService
	PaymentService
}

// OnboardingService covers the merchant operations triggered by the onboarding system.
type OnboardingService interface {
	BindPSP(ctx context.Context, cmd BindPSPCommand) (MerchantPSPBinding, error)
	ConnectStore(ctx context.Context, cmd ConnectStoreCommand) (domain.Merchant, error)
	InvalidateCatalog(ctx context.Context, cmd InvalidateCatalogCommand) (int, error)
}

// SystemService aggregates utility endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

// ProductSearchQuery filters a merchant's cached listing. Price bounds are decimal major units.
type ProductSearchQuery struct {
	MerchantID   string
	Query        string
	MinPrice     string
	MaxPrice     string
	Page         pagination.Params
	ForceRefresh bool
}

type ProductSearchResult struct {
	Items    []StandardProduct
	Total    int
	Limit    int
	Offset   int
	Stale    bool
	CacheHit bool
	CachedAt time.Time
}

type ProductLookupQuery struct {
	MerchantID   string
	ProductID    string
	ForceRefresh bool
}

type ProductLookupResult struct {
	Product  StandardProduct
	Stale    bool
	CacheHit bool
	CachedAt time.Time
}

type OrderLineCommand struct {
	ProductID string
	VariantID string
	Quantity  int
}

type CreateOrderCommand struct {
	MerchantID string
	Lines      []OrderLineCommand
}

// ExecutePaymentCommand authorises Amount for OrderID. When the order exists its total must match.
type ExecutePaymentCommand struct {
	MerchantID     string
	OrderID        string
	Amount         domain.Money
	PaymentMethod  string
	Description    string
	IdempotencyKey string
}

type CapturePaymentCommand struct {
	MerchantID     string
	PaymentID      string
	Amount         domain.Money
	IdempotencyKey string
}

type RefundPaymentCommand struct {
	MerchantID     string
	PaymentID      string
	Amount         domain.Money
	Reason         string
	IdempotencyKey string
}

type BindPSPCommand = payments.BindRequest

// ConnectStoreCommand registers or reconnects a merchant storefront.
type ConnectStoreCommand struct {
	MerchantID  string
	Name        string
	Credentials domain.StoreCredentials
}

// InvalidateCatalogCommand drops cached entries; an empty ProductID drops the whole merchant.
type InvalidateCatalogCommand struct {
	MerchantID string
	ProductID  string
}
