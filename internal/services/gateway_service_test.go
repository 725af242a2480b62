package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/agentcommerce/gateway/internal/access"
	"github.com/agentcommerce/gateway/internal/cache"
	"github.com/agentcommerce/gateway/internal/catalog"
	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/payments"
	"github.com/agentcommerce/gateway/internal/platform/pagination"
	"github.com/agentcommerce/gateway/internal/repositories/memory"
)

var testNow = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

type stubAuthorizer struct {
	merchants map[string]domain.Merchant
}

func (a *stubAuthorizer) AuthorizeMerchant(_ context.Context, agent domain.AgentIdentity, merchantID string) (domain.Merchant, error) {
	if agent.MerchantID != "" && agent.MerchantID != merchantID {
		return domain.Merchant{}, access.ErrForbidden
	}
	merchant, ok := a.merchants[merchantID]
	if !ok {
		return domain.Merchant{}, access.ErrUnknownMerchant
	}
	if !merchant.Active() {
		return domain.Merchant{}, access.ErrForbidden
	}
	return merchant, nil
}

type stubLoader struct {
	mu       sync.Mutex
	products []domain.StandardProduct
	err      error
	calls    int
}

func (l *stubLoader) Products(context.Context, string, domain.Platform) ([]domain.StandardProduct, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.products, nil
}

func (l *stubLoader) Product(_ context.Context, _ string, _ domain.Platform, productID string) (domain.StandardProduct, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return domain.StandardProduct{}, l.err
	}
	for _, product := range l.products {
		if product.ID == productID {
			return product, nil
		}
	}
	return domain.StandardProduct{}, catalog.ErrProductNotFound
}

func (l *stubLoader) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

type stubRouter struct {
	requests []payments.PaymentRequest
	result   domain.PaymentResult
	err      error
	captures []payments.CaptureInput
	refunds  []payments.RefundInput
	stored   map[string]domain.PaymentResult
}

func (r *stubRouter) ExecutePayment(_ context.Context, req payments.PaymentRequest) (domain.PaymentResult, error) {
	r.requests = append(r.requests, req)
	result := r.result
	result.MerchantID = req.MerchantID
	result.OrderID = req.OrderID
	result.Amount = req.Amount
	if r.err == nil {
		if r.stored == nil {
			r.stored = make(map[string]domain.PaymentResult)
		}
		r.stored[req.MerchantID+"/"+req.IdempotencyKey] = result
	}
	return result, r.err
}

func (r *stubRouter) StoredResult(_ context.Context, merchantID, idempotencyKey string) (domain.PaymentResult, bool, error) {
	result, ok := r.stored[merchantID+"/"+idempotencyKey]
	return result, ok, nil
}

func (r *stubRouter) Capture(_ context.Context, in payments.CaptureInput) (domain.PaymentResult, error) {
	r.captures = append(r.captures, in)
	return domain.PaymentResult{ID: in.PaymentID, Status: domain.PaymentStatusCaptured}, nil
}

func (r *stubRouter) Refund(_ context.Context, in payments.RefundInput) (domain.PaymentResult, error) {
	r.refunds = append(r.refunds, in)
	return domain.PaymentResult{ID: in.PaymentID, Status: domain.PaymentStatusRefunded}, nil
}

func catalogFixture() []domain.StandardProduct {
	return []domain.StandardProduct{
		{
			ID:                "prod_42",
			Platform:          domain.PlatformShopify,
			MerchantID:        "merch_1",
			Title:             "Organic Cotton Joggers",
			Description:       "Relaxed fit joggers",
			Price:             domain.Money{Amount: 4800, Currency: "USD"},
			InventoryQuantity: 10,
			InventoryTracked:  true,
			InStock:           true,
			Variants: []domain.Variant{
				{ID: "var_s", SKU: "JOG-S", Title: "Small", Price: domain.Money{Amount: 4800, Currency: "USD"}, Inventory: 4},
				{ID: "var_l", SKU: "JOG-L", Title: "Large", Price: domain.Money{Amount: 5200, Currency: "USD"}, Inventory: 0},
			},
		},
		{
			ID:                "prod_7",
			Platform:          domain.PlatformShopify,
			MerchantID:        "merch_1",
			Title:             "Fleece Hoodie",
			Price:             domain.Money{Amount: 6500, Currency: "USD"},
			InventoryQuantity: 0,
			InventoryTracked:  true,
			InStock:           false,
			Variants:          []domain.Variant{{ID: "var_h", SKU: "HOOD-1", Price: domain.Money{Amount: 6500, Currency: "USD"}}},
		},
		{
			ID:               "prod_9",
			Platform:         domain.PlatformShopify,
			MerchantID:       "merch_1",
			Title:            "Sticker",
			Price:            domain.Money{Amount: 300, Currency: "USD"},
			InventoryTracked: false,
			InStock:          true,
		},
	}
}

type gatewayFixture struct {
	svc    GatewayService
	loader *stubLoader
	cache  *cache.ProductCache
	router *stubRouter
	orders *memory.OrderRepository
	agent  domain.AgentIdentity
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	clock := func() time.Time { return testNow }
	loader := &stubLoader{products: catalogFixture()}
	productCache, err := cache.New(cache.Deps{Loader: loader, Clock: clock})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	router := &stubRouter{result: domain.PaymentResult{ID: "pay_1", Status: domain.PaymentStatusSucceeded, PSPType: domain.PSPStripe}}
	orders := memory.NewOrderRepository()
	authorizer := &stubAuthorizer{merchants: map[string]domain.Merchant{
		"merch_1": {ID: "merch_1", Platform: domain.PlatformShopify, Status: domain.MerchantStatusActive},
		"merch_2": {ID: "merch_2", Platform: domain.PlatformWix, Status: domain.MerchantStatusDeleted},
	}}
	seq := 0
	svc, err := NewGatewayService(GatewayServiceDeps{
		Access: authorizer,
		Cache:  productCache,
		Router: router,
		Orders: orders,
		Clock:  clock,
		IDGenerator: func() string {
			seq++
			return "ord_" + string(rune('0'+seq))
		},
	})
	if err != nil {
		t.Fatalf("NewGatewayService: %v", err)
	}
	return &gatewayFixture{
		svc:    svc,
		loader: loader,
		cache:  productCache,
		router: router,
		orders: orders,
		agent:  domain.AgentIdentity{ID: "agent_1", Status: domain.AgentStatusActive},
	}
}

func TestNewGatewayServiceValidatesDeps(t *testing.T) {
	if _, err := NewGatewayService(GatewayServiceDeps{}); err == nil {
		t.Fatalf("expected error when deps missing")
	}
}

func TestSearchProductsFiltersAndPaginates(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	result, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_1", Query: "JOGGERS"})
	if err != nil {
		t.Fatalf("SearchProducts: %v", err)
	}
	if result.Total != 1 || len(result.Items) != 1 || result.Items[0].ID != "prod_42" {
		t.Fatalf("expected prod_42, got %+v", result.Items)
	}
	if result.CacheHit || result.Stale {
		t.Fatalf("first search must be a fresh miss, got hit=%v stale=%v", result.CacheHit, result.Stale)
	}
	if result.Limit != pagination.DefaultLimit {
		t.Fatalf("expected default limit, got %d", result.Limit)
	}

	bySKU, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_1", Query: "hood-1"})
	if err != nil {
		t.Fatalf("SearchProducts by sku: %v", err)
	}
	if bySKU.Total != 1 || bySKU.Items[0].ID != "prod_7" {
		t.Fatalf("expected sku match on prod_7, got %+v", bySKU.Items)
	}
	if !bySKU.CacheHit {
		t.Fatalf("second search should be served from cache")
	}

	priced, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_1", MinPrice: "10", MaxPrice: "60.00"})
	if err != nil {
		t.Fatalf("SearchProducts by price: %v", err)
	}
	if priced.Total != 1 || priced.Items[0].ID != "prod_42" {
		t.Fatalf("expected only prod_42 within 10..60, got %+v", priced.Items)
	}

	paged, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_1", Page: pagination.Params{Limit: 2, Offset: 2}})
	if err != nil {
		t.Fatalf("SearchProducts paged: %v", err)
	}
	if paged.Total != 3 || len(paged.Items) != 1 || paged.Items[0].ID != "prod_9" {
		t.Fatalf("unexpected page: total=%d items=%+v", paged.Total, paged.Items)
	}
	if fx.loader.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", fx.loader.calls)
	}
}

func TestSearchProductsRejectsInvalidInput(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	cases := []ProductSearchQuery{
		{MerchantID: "merch_1", MinPrice: "abc"},
		{MerchantID: "merch_1", MaxPrice: "-1"},
		{MerchantID: "merch_1", MinPrice: "50", MaxPrice: "10"},
	}
	for _, query := range cases {
		if _, err := fx.svc.SearchProducts(ctx, fx.agent, query); !errors.Is(err, ErrGatewayInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", query, err)
		}
	}
	if _, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "unknown"}); !errors.Is(err, access.ErrUnknownMerchant) {
		t.Fatalf("expected unknown merchant, got %v", err)
	}
	if _, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_2"}); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected forbidden for deleted merchant, got %v", err)
	}
	if fx.loader.calls != 0 {
		t.Fatalf("rejected requests must not reach the platform, got %d calls", fx.loader.calls)
	}
}

func TestSearchProductsServesStaleOnUpstreamFailure(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_1"}); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	fx.loader.fail(errors.New("shopify down"))

	result, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_1", ForceRefresh: true})
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if !result.Stale || result.CacheHit {
		t.Fatalf("expected stale non-hit result, got stale=%v hit=%v", result.Stale, result.CacheHit)
	}
	if result.Total != 3 {
		t.Fatalf("expected cached listing, got %d items", result.Total)
	}
}

func TestGetProduct(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	found, err := fx.svc.GetProduct(ctx, fx.agent, ProductLookupQuery{MerchantID: "merch_1", ProductID: "prod_42"})
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if found.Product.ID != "prod_42" || !found.Product.InStock {
		t.Fatalf("unexpected product %+v", found.Product)
	}
	if _, err := fx.svc.GetProduct(ctx, fx.agent, ProductLookupQuery{MerchantID: "merch_1", ProductID: "missing"}); !errors.Is(err, cache.ErrProductNotFound) {
		t.Fatalf("expected product not found, got %v", err)
	}
	if _, err := fx.svc.GetProduct(ctx, fx.agent, ProductLookupQuery{MerchantID: "merch_1"}); !errors.Is(err, ErrGatewayInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCreateOrderComputesTotalsAndInvalidates(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_1"}); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	callsBefore := fx.loader.calls

	order, err := fx.svc.CreateOrder(ctx, fx.agent, CreateOrderCommand{
		MerchantID: "merch_1",
		Lines: []OrderLineCommand{
			{ProductID: "prod_42", VariantID: "var_s", Quantity: 2},
			{ProductID: "prod_9", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Total != (domain.Money{Amount: 2*4800 + 3*300, Currency: "USD"}) {
		t.Fatalf("unexpected total %+v", order.Total)
	}
	if order.Status != domain.OrderStatusPendingPayment || order.AgentID != "agent_1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Lines[0].Title != "Organic Cotton Joggers - Small" {
		t.Fatalf("expected variant title, got %q", order.Lines[0].Title)
	}
	if fx.loader.calls != callsBefore {
		t.Fatalf("order lines should resolve from the cached listing")
	}

	stored, err := fx.orders.FindByID(ctx, "merch_1", order.ID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if stored.Total != order.Total {
		t.Fatalf("stored total mismatch: %+v", stored.Total)
	}

	result, err := fx.svc.SearchProducts(ctx, fx.agent, ProductSearchQuery{MerchantID: "merch_1"})
	if err != nil {
		t.Fatalf("SearchProducts after order: %v", err)
	}
	if result.CacheHit {
		t.Fatalf("purchased products must be invalidated")
	}
}

func TestCreateOrderRejectsOutOfStock(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		line OrderLineCommand
		want error
	}{
		{name: "product out of stock", line: OrderLineCommand{ProductID: "prod_7", Quantity: 1}, want: ErrOutOfStock},
		{name: "quantity above inventory", line: OrderLineCommand{ProductID: "prod_42", Quantity: 11}, want: ErrOutOfStock},
		{name: "variant out of stock", line: OrderLineCommand{ProductID: "prod_42", VariantID: "var_l", Quantity: 1}, want: ErrOutOfStock},
		{name: "unknown variant", line: OrderLineCommand{ProductID: "prod_42", VariantID: "var_x", Quantity: 1}, want: ErrGatewayInvalidInput},
		{name: "zero quantity", line: OrderLineCommand{ProductID: "prod_42"}, want: ErrGatewayInvalidInput},
		{name: "unknown product", line: OrderLineCommand{ProductID: "nope", Quantity: 1}, want: cache.ErrProductNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.svc.CreateOrder(ctx, fx.agent, CreateOrderCommand{MerchantID: "merch_1", Lines: []OrderLineCommand{tc.line}})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateOrderBoundsQuantityAndTotal(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.loader.products = append(fx.loader.products,
		domain.StandardProduct{ID: "prod_big", MerchantID: "merch_1", Title: "Yacht", Price: domain.Money{Amount: math.MaxInt64 / 2, Currency: "USD"}, InStock: true},
		domain.StandardProduct{ID: "prod_big2", MerchantID: "merch_1", Title: "Second yacht", Price: domain.Money{Amount: math.MaxInt64/2 + 2, Currency: "USD"}, InStock: true},
	)
	ctx := context.Background()

	cases := []struct {
		name  string
		lines []OrderLineCommand
	}{
		{name: "quantity above cap", lines: []OrderLineCommand{{ProductID: "prod_9", Quantity: maxLineQuantity + 1}}},
		{name: "quantity that would wrap", lines: []OrderLineCommand{{ProductID: "prod_9", Quantity: math.MaxInt}}},
		{name: "line total overflows", lines: []OrderLineCommand{{ProductID: "prod_big", Quantity: 3}}},
		{name: "order total overflows", lines: []OrderLineCommand{{ProductID: "prod_big", Quantity: 1}, {ProductID: "prod_big2", Quantity: 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.svc.CreateOrder(ctx, fx.agent, CreateOrderCommand{MerchantID: "merch_1", Lines: tc.lines})
			if !errors.Is(err, ErrGatewayInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}

	order, err := fx.svc.CreateOrder(ctx, fx.agent, CreateOrderCommand{MerchantID: "merch_1", Lines: []OrderLineCommand{{ProductID: "prod_9", Quantity: maxLineQuantity}}})
	if err != nil {
		t.Fatalf("quantity at cap: %v", err)
	}
	if order.Total.Amount != 300*maxLineQuantity {
		t.Fatalf("unexpected total %d", order.Total.Amount)
	}
}

func TestExecutePaymentMarksOrderPaid(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	order, err := fx.svc.CreateOrder(ctx, fx.agent, CreateOrderCommand{
		MerchantID: "merch_1",
		Lines:      []OrderLineCommand{{ProductID: "prod_42", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := fx.svc.ExecutePayment(ctx, fx.agent, ExecutePaymentCommand{
		MerchantID:     "merch_1",
		OrderID:        order.ID,
		Amount:         domain.Money{Amount: 100, Currency: "USD"},
		IdempotencyKey: "k0",
	}); !errors.Is(err, ErrOrderMismatch) {
		t.Fatalf("expected order mismatch, got %v", err)
	}
	if len(fx.router.requests) != 0 {
		t.Fatalf("mismatched payment must not reach the router")
	}

	result, err := fx.svc.ExecutePayment(ctx, fx.agent, ExecutePaymentCommand{
		MerchantID:     "merch_1",
		OrderID:        order.ID,
		Amount:         order.Total,
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("ExecutePayment: %v", err)
	}
	if result.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("unexpected status %s", result.Status)
	}
	if req := fx.router.requests[0]; req.AgentID != "agent_1" || req.IdempotencyKey != "k1" {
		t.Fatalf("unexpected router request %+v", req)
	}

	stored, err := fx.orders.FindByID(ctx, "merch_1", order.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.Status != domain.OrderStatusPaid || stored.PaymentReference != "pay_1" {
		t.Fatalf("expected paid order referencing pay_1, got %+v", stored)
	}
}

func TestExecutePaymentRejectsPaidOrderUnlessReplay(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	order, err := fx.svc.CreateOrder(ctx, fx.agent, CreateOrderCommand{
		MerchantID: "merch_1",
		Lines:      []OrderLineCommand{{ProductID: "prod_42", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	pay := func(key string) (PaymentResult, error) {
		return fx.svc.ExecutePayment(ctx, fx.agent, ExecutePaymentCommand{
			MerchantID:     "merch_1",
			OrderID:        order.ID,
			Amount:         order.Total,
			IdempotencyKey: key,
		})
	}

	if _, err := pay("k1"); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if _, err := pay("k2"); !errors.Is(err, ErrOrderMismatch) {
		t.Fatalf("expected a second key on a paid order to be rejected, got %v", err)
	}
	if len(fx.router.requests) != 1 {
		t.Fatalf("rejected payment must not reach the router, got %d requests", len(fx.router.requests))
	}

	replayed, err := pay("k1")
	if err != nil {
		t.Fatalf("replay of the paying key: %v", err)
	}
	if replayed.ID != "pay_1" || len(fx.router.requests) != 2 {
		t.Fatalf("expected replay to pass through to the router, got %+v after %d requests", replayed, len(fx.router.requests))
	}

	if err := fx.orders.UpdateStatus(ctx, "merch_1", order.ID, domain.OrderStatusCancelled, "", testNow); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := pay("k3"); !errors.Is(err, ErrOrderMismatch) {
		t.Fatalf("expected cancelled order to be rejected, got %v", err)
	}
}

func TestExecutePaymentPropagatesDecline(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.router.result = domain.PaymentResult{ID: "pay_2", Status: domain.PaymentStatusDeclined, DeclineCode: "insufficient_funds"}
	fx.router.err = payments.ErrDeclined

	result, err := fx.svc.ExecutePayment(context.Background(), fx.agent, ExecutePaymentCommand{
		MerchantID:     "merch_1",
		OrderID:        "external-1",
		Amount:         domain.Money{Amount: 4800, Currency: "USD"},
		IdempotencyKey: "k2",
	})
	if !errors.Is(err, payments.ErrDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
	if result.DeclineCode != "insufficient_funds" {
		t.Fatalf("expected decline result to be returned, got %+v", result)
	}
}

func TestCaptureAndRefundDelegate(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.CapturePayment(ctx, fx.agent, CapturePaymentCommand{MerchantID: "merch_1", PaymentID: "pay_1"}); err != nil {
		t.Fatalf("CapturePayment: %v", err)
	}
	if _, err := fx.svc.RefundPayment(ctx, fx.agent, RefundPaymentCommand{MerchantID: "merch_1", PaymentID: "pay_1", Reason: "requested_by_customer"}); err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if len(fx.router.captures) != 1 || fx.router.captures[0].AgentID != "agent_1" {
		t.Fatalf("unexpected captures %+v", fx.router.captures)
	}
	if len(fx.router.refunds) != 1 || fx.router.refunds[0].Reason != "requested_by_customer" {
		t.Fatalf("unexpected refunds %+v", fx.router.refunds)
	}
	if _, err := fx.svc.CapturePayment(ctx, fx.agent, CapturePaymentCommand{MerchantID: "merch_2", PaymentID: "pay_1"}); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
