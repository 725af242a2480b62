package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentcommerce/gateway/internal/cache"
	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/payments"
	"github.com/agentcommerce/gateway/internal/platform/idempotency"
	"github.com/agentcommerce/gateway/internal/platform/pagination"
	"github.com/agentcommerce/gateway/internal/platform/textutil"
	"github.com/agentcommerce/gateway/internal/repositories"
)

const (
	maxOrderLines   = 50
	maxLineQuantity = 10000
)

var (
	// ErrGatewayInvalidInput indicates the request failed validation.
	ErrGatewayInvalidInput = errors.New("gateway: invalid input")
	// ErrOutOfStock indicates an order line asked for more than the merchant has.
	ErrOutOfStock = errors.New("gateway: out of stock")
	// ErrOrderMismatch indicates a payment amount that differs from the referenced order total.
	ErrOrderMismatch = errors.New("gateway: payment does not match order")
)

// MerchantAuthorizer checks an agent may reach a merchant and resolves its storefront platform.
type MerchantAuthorizer interface {
	AuthorizeMerchant(ctx context.Context, agent domain.AgentIdentity, merchantID string) (domain.Merchant, error)
}

// ProductCache is the read-through catalog cache.
type ProductCache interface {
	Fetch(ctx context.Context, req cache.Request) (cache.Result, error)
	Invalidate(merchantID, productID string) int
}

// PaymentRouter executes payments over merchant PSP bindings.
type PaymentRouter interface {
	ExecutePayment(ctx context.Context, req payments.PaymentRequest) (domain.PaymentResult, error)
	Capture(ctx context.Context, in payments.CaptureInput) (domain.PaymentResult, error)
	Refund(ctx context.Context, in payments.RefundInput) (domain.PaymentResult, error)
	StoredResult(ctx context.Context, merchantID, idempotencyKey string) (domain.PaymentResult, bool, error)
}

// GatewayServiceDeps bundles collaborators required to construct the gateway façade.
type GatewayServiceDeps struct {
	Access      MerchantAuthorizer
	Cache       ProductCache
	Router      PaymentRouter
	Orders      repositories.OrderRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type gatewayService struct {
	access     MerchantAuthorizer
	cache      ProductCache
	router     PaymentRouter
	orders     repositories.OrderRepository
	orderLocks *idempotency.KeyedLocker
	clock      func() time.Time
	newID      func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

var _ GatewayService = (*gatewayService)(nil)

// NewGatewayService assembles the agent-facing façade over the cache, router and order store.
func NewGatewayService(deps GatewayServiceDeps) (GatewayService, error) {
	if deps.Access == nil {
		return nil, errors.New("gateway service: merchant authorizer is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("gateway service: product cache is required")
	}
	if deps.Router == nil {
		return nil, errors.New("gateway service: payment router is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("gateway service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	svc := &gatewayService{
		access:     deps.Access,
		cache:      deps.Cache,
		router:     deps.Router,
		orders:     deps.Orders,
		orderLocks: idempotency.NewKeyedLocker(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  deps.IDGenerator,
		logger: logger,
	}
	if svc.newID == nil {
		svc.newID = func() string {
			return "ord_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(svc.clock()), ulid.DefaultEntropy()).String())
		}
	}
	return svc, nil
}

func (s *gatewayService) SearchProducts(ctx context.Context, agent AgentIdentity, query ProductSearchQuery) (ProductSearchResult, error) {
	minPrice, err := parsePriceBound("min_price", query.MinPrice)
	if err != nil {
		return ProductSearchResult{}, err
	}
	maxPrice, err := parsePriceBound("max_price", query.MaxPrice)
	if err != nil {
		return ProductSearchResult{}, err
	}
	if minPrice != nil && maxPrice != nil && *minPrice > *maxPrice {
		return ProductSearchResult{}, fmt.Errorf("%w: min_price exceeds max_price", ErrGatewayInvalidInput)
	}

	merchant, err := s.access.AuthorizeMerchant(ctx, agent, query.MerchantID)
	if err != nil {
		return ProductSearchResult{}, err
	}
	result, err := s.cache.Fetch(ctx, cache.Request{
		MerchantID:   merchant.ID,
		Platform:     merchant.Platform,
		ForceRefresh: query.ForceRefresh,
		AgentID:      agent.ID,
	})
	if err != nil {
		return ProductSearchResult{}, err
	}

	matched := make([]StandardProduct, 0, len(result.Products))
	for _, product := range result.Products {
		if !matchesQuery(product, query.Query) {
			continue
		}
		if !withinPrice(product.Price, minPrice, maxPrice) {
			continue
		}
		matched = append(matched, product)
	}

	page := pagination.Must(query.Page)
	start, end := page.Window(len(matched))
	if result.Stale {
		s.logger(ctx, "gateway.search.stale", map[string]any{
			"merchantId": merchant.ID,
			"agentId":    agent.ID,
			"cachedAt":   result.CachedAt,
		})
	}
	return ProductSearchResult{
		Items:    matched[start:end],
		Total:    len(matched),
		Limit:    page.Limit,
		Offset:   page.Offset,
		Stale:    result.Stale,
		CacheHit: result.CacheHit,
		CachedAt: result.CachedAt,
	}, nil
}

func (s *gatewayService) GetProduct(ctx context.Context, agent AgentIdentity, query ProductLookupQuery) (ProductLookupResult, error) {
	productID := strings.TrimSpace(query.ProductID)
	if productID == "" {
		return ProductLookupResult{}, fmt.Errorf("%w: product_id is required", ErrGatewayInvalidInput)
	}
	merchant, err := s.access.AuthorizeMerchant(ctx, agent, query.MerchantID)
	if err != nil {
		return ProductLookupResult{}, err
	}
	result, err := s.cache.Fetch(ctx, cache.Request{
		MerchantID:   merchant.ID,
		Platform:     merchant.Platform,
		ProductID:    productID,
		ForceRefresh: query.ForceRefresh,
		AgentID:      agent.ID,
	})
	if err != nil {
		return ProductLookupResult{}, err
	}
	product, ok := result.Product()
	if !ok {
		return ProductLookupResult{}, cache.ErrProductNotFound
	}
	return ProductLookupResult{
		Product:  product,
		Stale:    result.Stale,
		CacheHit: result.CacheHit,
		CachedAt: result.CachedAt,
	}, nil
}

func (s *gatewayService) CreateOrder(ctx context.Context, agent AgentIdentity, cmd CreateOrderCommand) (Order, error) {
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line is required", ErrGatewayInvalidInput)
	}
	if len(cmd.Lines) > maxOrderLines {
		return Order{}, fmt.Errorf("%w: at most %d lines are allowed", ErrGatewayInvalidInput, maxOrderLines)
	}
	for i, line := range cmd.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return Order{}, fmt.Errorf("%w: lines[%d].product_id is required", ErrGatewayInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: lines[%d].quantity must be positive", ErrGatewayInvalidInput, i)
		}
		if line.Quantity > maxLineQuantity {
			return Order{}, fmt.Errorf("%w: lines[%d].quantity must be at most %d", ErrGatewayInvalidInput, i, maxLineQuantity)
		}
	}

	merchant, err := s.access.AuthorizeMerchant(ctx, agent, cmd.MerchantID)
	if err != nil {
		return Order{}, err
	}

	lines := make([]domain.OrderLine, 0, len(cmd.Lines))
	var total domain.Money
	for i, requested := range cmd.Lines {
		result, err := s.cache.Fetch(ctx, cache.Request{
			MerchantID: merchant.ID,
			Platform:   merchant.Platform,
			ProductID:  strings.TrimSpace(requested.ProductID),
			AgentID:    agent.ID,
		})
		if err != nil {
			return Order{}, err
		}
		product, ok := result.Product()
		if !ok {
			return Order{}, cache.ErrProductNotFound
		}
		line, err := orderLineFor(product, requested)
		if err != nil {
			return Order{}, fmt.Errorf("lines[%d]: %w", i, err)
		}
		if total.Currency == "" {
			total.Currency = line.UnitPrice.Currency
		} else if total.Currency != line.UnitPrice.Currency {
			return Order{}, fmt.Errorf("%w: lines mix %s and %s", ErrGatewayInvalidInput, total.Currency, line.UnitPrice.Currency)
		}
		total.Amount, err = addLineTotal(total.Amount, line.UnitPrice.Amount, line.Quantity)
		if err != nil {
			return Order{}, fmt.Errorf("lines[%d]: %w", i, err)
		}
		lines = append(lines, line)
	}

	now := s.clock()
	order := Order{
		ID:         s.newID(),
		MerchantID: merchant.ID,
		AgentID:    agent.ID,
		Lines:      lines,
		Total:      total,
		Status:     domain.OrderStatusPendingPayment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, fmt.Errorf("gateway: persist order: %w", err)
	}

	// Purchased products are refetched on next read so inventory reflects the order.
	for _, line := range lines {
		s.cache.Invalidate(merchant.ID, line.ProductID)
	}
	s.logger(ctx, "gateway.order.created", map[string]any{
		"merchantId": merchant.ID,
		"agentId":    agent.ID,
		"orderId":    order.ID,
		"total":      total.Amount,
		"currency":   total.Currency,
	})
	return order, nil
}

func (s *gatewayService) ExecutePayment(ctx context.Context, agent AgentIdentity, cmd ExecutePaymentCommand) (PaymentResult, error) {
	merchant, err := s.access.AuthorizeMerchant(ctx, agent, cmd.MerchantID)
	if err != nil {
		return PaymentResult{}, err
	}

	// Payments against one order serialise so two keys cannot both see it pending.
	if orderID := strings.TrimSpace(cmd.OrderID); orderID != "" {
		unlock, err := s.orderLocks.Lock(ctx, merchant.ID+"\x00"+orderID)
		if err != nil {
			return PaymentResult{}, err
		}
		defer unlock()
	}

	order, hasOrder, err := s.lookupOrder(ctx, merchant.ID, cmd.OrderID)
	if err != nil {
		return PaymentResult{}, err
	}
	if hasOrder && order.Total != cmd.Amount {
		return PaymentResult{}, fmt.Errorf("%w: order %s totals %s %s", ErrOrderMismatch, order.ID, order.Total.Decimal(), order.Total.Currency)
	}
	if hasOrder && order.Status != domain.OrderStatusPendingPayment {
		// Only a key that already completed may pass; the router replays it without a new charge.
		_, replay, err := s.router.StoredResult(ctx, merchant.ID, cmd.IdempotencyKey)
		if err != nil {
			return PaymentResult{}, err
		}
		if !replay {
			return PaymentResult{}, fmt.Errorf("%w: order %s is %s", ErrOrderMismatch, order.ID, order.Status)
		}
	}

	result, err := s.router.ExecutePayment(ctx, payments.PaymentRequest{
		MerchantID:     merchant.ID,
		AgentID:        agent.ID,
		OrderID:        strings.TrimSpace(cmd.OrderID),
		Amount:         cmd.Amount,
		PaymentMethod:  cmd.PaymentMethod,
		Description:    cmd.Description,
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		return result, err
	}
	if hasOrder && result.Status == domain.PaymentStatusSucceeded && order.Status == domain.OrderStatusPendingPayment {
		if err := s.orders.UpdateStatus(ctx, merchant.ID, order.ID, domain.OrderStatusPaid, result.ID, s.clock()); err != nil {
			s.logger(ctx, "gateway.order.update_failed", map[string]any{
				"merchantId": merchant.ID,
				"orderId":    order.ID,
				"paymentId":  result.ID,
				"error":      err.Error(),
			})
		}
	}
	return result, nil
}

func (s *gatewayService) CapturePayment(ctx context.Context, agent AgentIdentity, cmd CapturePaymentCommand) (PaymentResult, error) {
	merchant, err := s.access.AuthorizeMerchant(ctx, agent, cmd.MerchantID)
	if err != nil {
		return PaymentResult{}, err
	}
	return s.router.Capture(ctx, payments.CaptureInput{
		MerchantID:     merchant.ID,
		AgentID:        agent.ID,
		PaymentID:      cmd.PaymentID,
		Amount:         cmd.Amount,
		IdempotencyKey: cmd.IdempotencyKey,
	})
}

func (s *gatewayService) RefundPayment(ctx context.Context, agent AgentIdentity, cmd RefundPaymentCommand) (PaymentResult, error) {
	merchant, err := s.access.AuthorizeMerchant(ctx, agent, cmd.MerchantID)
	if err != nil {
		return PaymentResult{}, err
	}
	return s.router.Refund(ctx, payments.RefundInput{
		MerchantID:     merchant.ID,
		AgentID:        agent.ID,
		PaymentID:      cmd.PaymentID,
		Amount:         cmd.Amount,
		Reason:         cmd.Reason,
		IdempotencyKey: cmd.IdempotencyKey,
	})
}

// lookupOrder treats a missing order as a free-standing payment reference.
func (s *gatewayService) lookupOrder(ctx context.Context, merchantID, orderID string) (Order, bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, false, nil
	}
	order, err := s.orders.FindByID(ctx, merchantID, orderID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Order{}, false, nil
		}
		return Order{}, false, fmt.Errorf("gateway: lookup order: %w", err)
	}
	return order, true, nil
}

func orderLineFor(product StandardProduct, requested OrderLineCommand) (domain.OrderLine, error) {
	line := domain.OrderLine{
		ProductID: product.ID,
		Title:     product.Title,
		Quantity:  requested.Quantity,
		UnitPrice: product.Price,
	}
	available := product.InventoryQuantity
	inStock := product.InStock

	if variantID := strings.TrimSpace(requested.VariantID); variantID != "" {
		variant, ok := findVariant(product, variantID)
		if !ok {
			return domain.OrderLine{}, fmt.Errorf("%w: variant %s not found on product %s", ErrGatewayInvalidInput, variantID, product.ID)
		}
		line.VariantID = variant.ID
		if variant.Title != "" {
			line.Title = product.Title + " - " + variant.Title
		}
		if variant.Price.Currency != "" {
			line.UnitPrice = variant.Price
		}
		available = variant.Inventory
		inStock = !product.InventoryTracked || variant.Inventory > 0
	}

	if !inStock || (product.InventoryTracked && requested.Quantity > available) {
		return domain.OrderLine{}, fmt.Errorf("%w: %s has %d available", ErrOutOfStock, product.ID, max(available, 0))
	}
	if line.UnitPrice.Currency == "" {
		return domain.OrderLine{}, fmt.Errorf("%w: product %s has no price", ErrGatewayInvalidInput, product.ID)
	}
	return line, nil
}

// addLineTotal adds unit*quantity to total, failing instead of wrapping.
func addLineTotal(total, unit int64, quantity int) (int64, error) {
	if unit < 0 {
		return 0, fmt.Errorf("%w: negative unit price", ErrGatewayInvalidInput)
	}
	q := int64(quantity)
	if q > 0 && unit > math.MaxInt64/q {
		return 0, fmt.Errorf("%w: line total overflows", ErrGatewayInvalidInput)
	}
	sub := unit * q
	if sub > math.MaxInt64-total {
		return 0, fmt.Errorf("%w: order total overflows", ErrGatewayInvalidInput)
	}
	return total + sub, nil
}

func findVariant(product StandardProduct, variantID string) (domain.Variant, bool) {
	for _, variant := range product.Variants {
		if variant.ID == variantID {
			return variant, true
		}
	}
	return domain.Variant{}, false
}

func matchesQuery(product StandardProduct, query string) bool {
	haystacks := make([]string, 0, len(product.Variants)+2)
	haystacks = append(haystacks, product.Title, product.Description)
	for _, variant := range product.Variants {
		haystacks = append(haystacks, variant.SKU)
	}
	return textutil.ContainsFold(query, haystacks...)
}

func parsePriceBound(field, raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 || math.IsInf(value, 0) || math.IsNaN(value) {
		return nil, fmt.Errorf("%w: %s must be a non-negative decimal", ErrGatewayInvalidInput, field)
	}
	return &value, nil
}

func withinPrice(price domain.Money, minPrice, maxPrice *float64) bool {
	if minPrice == nil && maxPrice == nil {
		return true
	}
	scale, err := domain.CurrencyScale(price.Currency)
	if err != nil {
		return false
	}
	major := float64(price.Amount) / math.Pow10(scale)
	if minPrice != nil && major < *minPrice {
		return false
	}
	if maxPrice != nil && major > *maxPrice {
		return false
	}
	return true
}
