package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/httpx"
	"github.com/agentcommerce/gateway/internal/services"
)

type bindPSPRequest struct {
	PSPType         string            `json:"psp_type"`
	Credentials     map[string]string `json:"credentials"`
	RoutingPriority int               `json:"routing_priority"`
}

type bindingPayload struct {
	MerchantID      string `json:"merchant_id"`
	PSPType         string `json:"psp_type"`
	Status          string `json:"status"`
	RoutingPriority int    `json:"routing_priority"`
	InvalidReason   string `json:"invalid_reason,omitempty"`
	BoundAt         string `json:"bound_at,omitempty"`
}

type connectStoreRequest struct {
	Name        string `json:"name"`
	Platform    string `json:"platform"`
	ShopDomain  string `json:"shop_domain"`
	BaseURL     string `json:"base_url"`
	AccessToken string `json:"access_token"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
	SiteID      string `json:"site_id"`
	Currency    string `json:"currency"`
}

type merchantPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Status   string `json:"status"`
}

type invalidateCacheRequest struct {
	ProductID string `json:"product_id"`
}

type invalidateCacheResponse struct {
	Removed int `json:"removed"`
}

// OnboardingHandlers exposes the internal endpoints called by the merchant onboarding system.
type OnboardingHandlers struct {
	onboarding services.OnboardingService
}

// NewOnboardingHandlers constructs OnboardingHandlers.
func NewOnboardingHandlers(onboarding services.OnboardingService) *OnboardingHandlers {
	return &OnboardingHandlers{onboarding: onboarding}
}

// Routes registers the /merchants endpoints.
func (h *OnboardingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/merchants/{merchant_id}", func(rt chi.Router) {
		rt.Post("/psp-bindings", h.bindPSP)
		rt.Put("/store", h.connectStore)
		rt.Post("/cache/invalidate", h.invalidateCache)
	})
}

func (h *OnboardingHandlers) bindPSP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	var req bindPSPRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	binding, err := h.onboarding.BindPSP(ctx, services.BindPSPCommand{
		MerchantID:      chi.URLParam(r, "merchant_id"),
		PSPType:         domain.PSPType(strings.ToLower(strings.TrimSpace(req.PSPType))),
		Credentials:     req.Credentials,
		RoutingPriority: req.RoutingPriority,
	})
	if err != nil {
		writeGatewayError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, bindingPayload{
		MerchantID:      binding.MerchantID,
		PSPType:         string(binding.PSPType),
		Status:          string(binding.Status),
		RoutingPriority: binding.RoutingPriority,
		InvalidReason:   binding.InvalidReason,
		BoundAt:         formatTime(binding.BoundAt),
	})
}

func (h *OnboardingHandlers) connectStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	var req connectStoreRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	merchant, err := h.onboarding.ConnectStore(ctx, services.ConnectStoreCommand{
		MerchantID: chi.URLParam(r, "merchant_id"),
		Name:       req.Name,
		Credentials: domain.StoreCredentials{
			Platform:    domain.Platform(req.Platform),
			ShopDomain:  strings.TrimSpace(req.ShopDomain),
			BaseURL:     strings.TrimSpace(req.BaseURL),
			AccessToken: req.AccessToken,
			APIKey:      req.APIKey,
			APISecret:   req.APISecret,
			SiteID:      strings.TrimSpace(req.SiteID),
			Currency:    req.Currency,
		},
	})
	if err != nil {
		writeGatewayError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, merchantPayload{
		ID:       merchant.ID,
		Name:     merchant.Name,
		Platform: string(merchant.Platform),
		Status:   string(merchant.Status),
	})
}

func (h *OnboardingHandlers) invalidateCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	var req invalidateCacheRequest
	if !decodeJSONBody(w, r, &req, true) {
		return
	}
	removed, err := h.onboarding.InvalidateCatalog(ctx, services.InvalidateCatalogCommand{
		MerchantID: chi.URLParam(r, "merchant_id"),
		ProductID:  strings.TrimSpace(req.ProductID),
	})
	if err != nil {
		writeGatewayError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, invalidateCacheResponse{Removed: removed})
}

func (h *OnboardingHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.onboarding == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("onboarding service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}
