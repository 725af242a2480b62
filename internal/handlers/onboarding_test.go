package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/payments"
	"github.com/agentcommerce/gateway/internal/services"
)

type stubOnboarding struct {
	bind       services.BindPSPCommand
	connect    services.ConnectStoreCommand
	invalidate services.InvalidateCatalogCommand
	bindErr    error
}

func (s *stubOnboarding) BindPSP(_ context.Context, cmd services.BindPSPCommand) (domain.MerchantPSPBinding, error) {
	s.bind = cmd
	if s.bindErr != nil {
		return domain.MerchantPSPBinding{MerchantID: cmd.MerchantID, PSPType: cmd.PSPType, Status: domain.BindingStatusInvalid}, s.bindErr
	}
	return domain.MerchantPSPBinding{
		MerchantID:      cmd.MerchantID,
		PSPType:         cmd.PSPType,
		Status:          domain.BindingStatusActive,
		RoutingPriority: cmd.RoutingPriority,
		Credentials:     domain.Credentials{PSPType: cmd.PSPType, Payload: cmd.Credentials},
		BoundAt:         testNow,
	}, nil
}

func (s *stubOnboarding) ConnectStore(_ context.Context, cmd services.ConnectStoreCommand) (domain.Merchant, error) {
	s.connect = cmd
	platform, ok := domain.ParsePlatform(string(cmd.Credentials.Platform))
	if !ok {
		return domain.Merchant{}, fmt.Errorf("%w: unsupported platform", services.ErrOnboardingInvalidInput)
	}
	return domain.Merchant{ID: cmd.MerchantID, Name: cmd.Name, Platform: platform, Status: domain.MerchantStatusActive}, nil
}

func (s *stubOnboarding) InvalidateCatalog(_ context.Context, cmd services.InvalidateCatalogCommand) (int, error) {
	s.invalidate = cmd
	if cmd.ProductID == "" {
		return 3, nil
	}
	return 1, nil
}

func newInternalServer(svc services.OnboardingService) http.Handler {
	return NewRouter(WithInternalRoutes(NewOnboardingHandlers(svc).Routes))
}

func TestBindPSPDoesNotEchoCredentials(t *testing.T) {
	svc := &stubOnboarding{}
	router := newInternalServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/internal/merchants/merch_1/psp-bindings",
		strings.NewReader(`{"psp_type":"Stripe","credentials":{"secret_key":"sk_live_secret"},"routing_priority":1}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if svc.bind.MerchantID != "merch_1" || svc.bind.PSPType != domain.PSPStripe || svc.bind.RoutingPriority != 1 {
		t.Fatalf("unexpected bind command %+v", svc.bind)
	}
	if strings.Contains(rr.Body.String(), "sk_live_secret") {
		t.Fatalf("response leaked credentials: %s", rr.Body.String())
	}
	var body bindingPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "active" || body.PSPType != "stripe" {
		t.Fatalf("unexpected binding %+v", body)
	}
}

func TestBindPSPInvalidCredentials(t *testing.T) {
	svc := &stubOnboarding{bindErr: fmt.Errorf("%w: authentication failed", payments.ErrInvalidCredentials)}
	router := newInternalServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/internal/merchants/merch_1/psp-bindings",
		strings.NewReader(`{"psp_type":"adyen","credentials":{"api_key":"bad"},"routing_priority":2}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	decodeEnvelope(t, rr)
}

func TestConnectStore(t *testing.T) {
	svc := &stubOnboarding{}
	router := newInternalServer(svc)

	req := httptest.NewRequest(http.MethodPut, "/internal/merchants/merch_1/store",
		strings.NewReader(`{"name":"Trail Co","platform":"shopify","shop_domain":"trail.myshopify.com","access_token":"shpat_1","currency":"USD"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if svc.connect.Credentials.ShopDomain != "trail.myshopify.com" || svc.connect.Credentials.AccessToken != "shpat_1" {
		t.Fatalf("unexpected connect command %+v", svc.connect)
	}
	if strings.Contains(rr.Body.String(), "shpat_1") {
		t.Fatalf("response leaked store token")
	}

	req = httptest.NewRequest(http.MethodPut, "/internal/merchants/merch_1/store", strings.NewReader(`{"platform":"magento"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported platform, got %d", rr.Code)
	}
}

func TestInvalidateCache(t *testing.T) {
	svc := &stubOnboarding{}
	router := newInternalServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/internal/merchants/merch_1/cache/invalidate", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var body invalidateCacheResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Removed != 3 {
		t.Fatalf("unexpected body %s err=%v", rr.Body.String(), err)
	}
	if svc.invalidate.MerchantID != "merch_1" || svc.invalidate.ProductID != "" {
		t.Fatalf("unexpected invalidate command %+v", svc.invalidate)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/merchants/merch_1/cache/invalidate", strings.NewReader(`{"product_id":"prod_42"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || svc.invalidate.ProductID != "prod_42" {
		t.Fatalf("expected product invalidation, got %d %+v", rr.Code, svc.invalidate)
	}
}
