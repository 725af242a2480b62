package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/httpx"
	"github.com/agentcommerce/gateway/internal/services"
)

type orderLineRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	MerchantID string             `json:"merchant_id"`
	Lines      []orderLineRequest `json:"lines"`
}

type orderLinePayload struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	MerchantID       string             `json:"merchant_id"`
	AgentID          string             `json:"agent_id"`
	Lines            []orderLinePayload `json:"lines"`
	Total            string             `json:"total"`
	TotalMinor       int64              `json:"total_minor"`
	Currency         string             `json:"currency"`
	Status           string             `json:"status"`
	PaymentReference string             `json:"payment_reference,omitempty"`
	CreatedAt        string             `json:"created_at"`
}

// OrderHandlers exposes order creation for agents.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs OrderHandlers.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/create", h.createOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order service unavailable", http.StatusServiceUnavailable))
		return
	}
	agent, ok := agentFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	merchantID := strings.TrimSpace(req.MerchantID)
	annotateUsage(ctx, func(n *usageNote) { n.merchantID = merchantID })

	cmd := services.CreateOrderCommand{MerchantID: merchantID}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.OrderLineCommand{
			ProductID: strings.TrimSpace(line.ProductID),
			VariantID: strings.TrimSpace(line.VariantID),
			Quantity:  line.Quantity,
		})
	}
	order, err := h.orders.CreateOrder(ctx, agent, cmd)
	if err != nil {
		writeGatewayError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toOrderPayload(order))
}

func toOrderPayload(order domain.Order) orderPayload {
	out := orderPayload{
		ID:               order.ID,
		MerchantID:       order.MerchantID,
		AgentID:          order.AgentID,
		Lines:            make([]orderLinePayload, 0, len(order.Lines)),
		Total:            order.Total.Decimal(),
		TotalMinor:       order.Total.Amount,
		Currency:         order.Total.Currency,
		Status:           string(order.Status),
		PaymentReference: order.PaymentReference,
		CreatedAt:        formatTime(order.CreatedAt),
	}
	for _, line := range order.Lines {
		out.Lines = append(out.Lines, orderLinePayload{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Title:     line.Title,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice.Decimal(),
		})
	}
	return out
}
