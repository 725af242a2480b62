package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/httpx"
	"github.com/agentcommerce/gateway/internal/platform/pagination"
	"github.com/agentcommerce/gateway/internal/services"
)

const staleWarning = `110 - "Response is Stale"`

// ProductHandlers exposes catalog search for agents.
type ProductHandlers struct {
	catalog services.CatalogService
}

// NewProductHandlers constructs ProductHandlers.
func NewProductHandlers(catalog services.CatalogService) *ProductHandlers {
	return &ProductHandlers{catalog: catalog}
}

// Routes registers the /products endpoints.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/products/search", h.searchProducts)
	r.Get("/products/{product_id}", h.getProduct)
}

type variantPayload struct {
	ID        string `json:"id"`
	SKU       string `json:"sku,omitempty"`
	Title     string `json:"title,omitempty"`
	Price     string `json:"price"`
	Inventory int    `json:"inventory"`
}

type productPayload struct {
	ID                string           `json:"id"`
	Platform          string           `json:"platform"`
	MerchantID        string           `json:"merchant_id"`
	Title             string           `json:"title"`
	Description       string           `json:"description,omitempty"`
	Price             string           `json:"price"`
	PriceMinor        int64            `json:"price_minor"`
	Currency          string           `json:"currency"`
	InventoryQuantity int              `json:"inventory_quantity"`
	InventoryTracked  bool             `json:"inventory_tracked"`
	InStock           bool             `json:"in_stock"`
	Variants          []variantPayload `json:"variants,omitempty"`
	Images            []string         `json:"images,omitempty"`
	PlatformMetadata  map[string]any   `json:"platform_metadata,omitempty"`
	UpdatedAt         string           `json:"updated_at,omitempty"`
}

type productSearchResponse struct {
	Items    []productPayload `json:"items"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
	Stale    bool             `json:"stale"`
	CachedAt string           `json:"cached_at,omitempty"`
}

type productResponse struct {
	Product  productPayload `json:"product"`
	Stale    bool           `json:"stale"`
	CachedAt string         `json:"cached_at,omitempty"`
}

func (h *ProductHandlers) searchProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	agent, ok := agentFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	merchantID := strings.TrimSpace(query.Get("merchant_id"))
	if merchantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("merchant_id is required", http.StatusBadRequest))
		return
	}
	page, err := pagination.Parse(query, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusBadRequest))
		return
	}
	annotateUsage(ctx, func(n *usageNote) { n.merchantID = merchantID })

	result, err := h.catalog.SearchProducts(ctx, agent, services.ProductSearchQuery{
		MerchantID:   merchantID,
		Query:        query.Get("query"),
		MinPrice:     query.Get("min_price"),
		MaxPrice:     query.Get("max_price"),
		Page:         page,
		ForceRefresh: parseBoolQuery(query.Get("force_refresh")),
	})
	if err != nil {
		writeGatewayError(ctx, w, err)
		return
	}
	annotateUsage(ctx, func(n *usageNote) {
		n.cacheHit = result.CacheHit
		n.stale = result.Stale
	})
	if result.Stale {
		w.Header().Set("Warning", staleWarning)
	}

	items := make([]productPayload, 0, len(result.Items))
	for _, product := range result.Items {
		items = append(items, toProductPayload(product))
	}
	httpx.WriteJSON(w, http.StatusOK, productSearchResponse{
		Items:    items,
		Total:    result.Total,
		Limit:    result.Limit,
		Offset:   result.Offset,
		Stale:    result.Stale,
		CachedAt: formatTime(result.CachedAt),
	})
}

func (h *ProductHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	agent, ok := agentFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}
	merchantID := strings.TrimSpace(r.URL.Query().Get("merchant_id"))
	productID := strings.TrimSpace(chi.URLParam(r, "product_id"))
	if merchantID == "" || productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("merchant_id and product_id are required", http.StatusBadRequest))
		return
	}
	annotateUsage(ctx, func(n *usageNote) { n.merchantID = merchantID })

	result, err := h.catalog.GetProduct(ctx, agent, services.ProductLookupQuery{
		MerchantID:   merchantID,
		ProductID:    productID,
		ForceRefresh: parseBoolQuery(r.URL.Query().Get("force_refresh")),
	})
	if err != nil {
		writeGatewayError(ctx, w, err)
		return
	}
	annotateUsage(ctx, func(n *usageNote) {
		n.cacheHit = result.CacheHit
		n.stale = result.Stale
	})
	if result.Stale {
		w.Header().Set("Warning", staleWarning)
	}
	httpx.WriteJSON(w, http.StatusOK, productResponse{
		Product:  toProductPayload(result.Product),
		Stale:    result.Stale,
		CachedAt: formatTime(result.CachedAt),
	})
}

func toProductPayload(p domain.StandardProduct) productPayload {
	out := productPayload{
		ID:                p.ID,
		Platform:          string(p.Platform),
		MerchantID:        p.MerchantID,
		Title:             p.Title,
		Description:       p.Description,
		Price:             p.Price.Decimal(),
		PriceMinor:        p.Price.Amount,
		Currency:          p.Price.Currency,
		InventoryQuantity: p.InventoryQuantity,
		InventoryTracked:  p.InventoryTracked,
		InStock:           p.InStock,
		Images:            p.Images,
		PlatformMetadata:  p.PlatformMetadata,
		UpdatedAt:         formatTime(p.UpdatedAt),
	}
	for _, v := range p.Variants {
		out.Variants = append(out.Variants, variantPayload{
			ID:        v.ID,
			SKU:       v.SKU,
			Title:     v.Title,
			Price:     v.Price.Decimal(),
			Inventory: v.Inventory,
		})
	}
	return out
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
