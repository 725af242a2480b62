package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/httpx"
	"github.com/agentcommerce/gateway/internal/services"
)

// IdempotencyKeyHeader scopes a payment request for safe retries.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 255

type amountFields struct {
	Amount      decimalAmount `json:"amount"`
	AmountMinor *int64        `json:"amount_minor"`
	Currency    string        `json:"currency"`
}

// money resolves the request amount; required controls whether an absent amount is an error.
func (a amountFields) money(required bool) (domain.Money, bool, string) {
	switch {
	case a.AmountMinor != nil:
		if *a.AmountMinor <= 0 {
			return domain.Money{}, false, "amount_minor must be positive"
		}
		currency, err := domain.NormalizeCurrency(a.Currency)
		if err != nil {
			return domain.Money{}, false, "currency must be an ISO 4217 code"
		}
		return domain.Money{Amount: *a.AmountMinor, Currency: currency}, true, ""
	case a.Amount != "":
		money, err := domain.ParseMoney(string(a.Amount), a.Currency)
		if err != nil {
			return domain.Money{}, false, "amount and currency must describe a valid decimal amount"
		}
		if money.Amount <= 0 {
			return domain.Money{}, false, "amount must be positive"
		}
		return money, true, ""
	case required:
		return domain.Money{}, false, "amount and currency are required"
	default:
		return domain.Money{}, true, ""
	}
}

type executePaymentRequest struct {
	amountFields
	MerchantID    string `json:"merchant_id"`
	OrderID       string `json:"order_id"`
	PaymentMethod string `json:"payment_method"`
	Description   string `json:"description"`
}

type modifyPaymentRequest struct {
	amountFields
	MerchantID string `json:"merchant_id"`
	Reason     string `json:"reason"`
}

type paymentAttemptPayload struct {
	PSPType   string `json:"psp_type"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type paymentPayload struct {
	ID                string                  `json:"id"`
	MerchantID        string                  `json:"merchant_id"`
	OrderID           string                  `json:"order_id"`
	Amount            string                  `json:"amount"`
	AmountMinor       int64                   `json:"amount_minor"`
	Currency          string                  `json:"currency"`
	Status            string                  `json:"status"`
	PSPType           string                  `json:"psp_type,omitempty"`
	ProviderReference string                  `json:"provider_reference,omitempty"`
	ProviderStatus    string                  `json:"provider_status,omitempty"`
	Error             string                  `json:"error,omitempty"`
	DeclineCode       string                  `json:"decline_code,omitempty"`
	RefundedMinor     int64                   `json:"refunded_minor,omitempty"`
	Attempts          []paymentAttemptPayload `json:"attempts"`
	CreatedAt         string                  `json:"created_at"`
	UpdatedAt         string                  `json:"updated_at,omitempty"`
}

// PaymentHandlers exposes payment execution for agents.
type PaymentHandlers struct {
	payments services.PaymentService
}

// NewPaymentHandlers constructs PaymentHandlers.
func NewPaymentHandlers(payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{payments: payments}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.executePayment)
	r.Post("/payments/{payment_id}/capture", h.capturePayment)
	r.Post("/payments/{payment_id}/refund", h.refundPayment)
}

func (h *PaymentHandlers) executePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent, ok := h.prepare(w, r)
	if !ok {
		return
	}
	key, ok := idempotencyKey(w, r, true)
	if !ok {
		return
	}

	var req executePaymentRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	merchantID := strings.TrimSpace(req.MerchantID)
	orderID := strings.TrimSpace(req.OrderID)
	if merchantID == "" || orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("merchant_id and order_id are required", http.StatusBadRequest))
		return
	}
	amount, valid, detail := req.money(true)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError(detail, http.StatusBadRequest))
		return
	}
	annotateUsage(ctx, func(n *usageNote) { n.merchantID = merchantID })

	result, err := h.payments.ExecutePayment(ctx, agent, services.ExecutePaymentCommand{
		MerchantID:     merchantID,
		OrderID:        orderID,
		Amount:         amount,
		PaymentMethod:  strings.TrimSpace(req.PaymentMethod),
		Description:    strings.TrimSpace(req.Description),
		IdempotencyKey: key,
	})
	h.respond(w, r, result, err, http.StatusOK)
}

func (h *PaymentHandlers) capturePayment(w http.ResponseWriter, r *http.Request) {
	h.modifyPayment(w, r, false)
}

func (h *PaymentHandlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	h.modifyPayment(w, r, true)
}

func (h *PaymentHandlers) modifyPayment(w http.ResponseWriter, r *http.Request, refund bool) {
	ctx := r.Context()
	agent, ok := h.prepare(w, r)
	if !ok {
		return
	}
	key, ok := idempotencyKey(w, r, false)
	if !ok {
		return
	}
	var req modifyPaymentRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	merchantID := strings.TrimSpace(req.MerchantID)
	paymentID := strings.TrimSpace(chi.URLParam(r, "payment_id"))
	if merchantID == "" || paymentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("merchant_id and payment_id are required", http.StatusBadRequest))
		return
	}
	amount, valid, detail := req.money(false)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError(detail, http.StatusBadRequest))
		return
	}
	annotateUsage(ctx, func(n *usageNote) { n.merchantID = merchantID })

	var (
		result domain.PaymentResult
		err    error
	)
	if refund {
		result, err = h.payments.RefundPayment(ctx, agent, services.RefundPaymentCommand{
			MerchantID:     merchantID,
			PaymentID:      paymentID,
			Amount:         amount,
			Reason:         strings.TrimSpace(req.Reason),
			IdempotencyKey: key,
		})
	} else {
		result, err = h.payments.CapturePayment(ctx, agent, services.CapturePaymentCommand{
			MerchantID:     merchantID,
			PaymentID:      paymentID,
			Amount:         amount,
			IdempotencyKey: key,
		})
	}
	h.respond(w, r, result, err, http.StatusOK)
}

func (h *PaymentHandlers) prepare(w http.ResponseWriter, r *http.Request) (domain.AgentIdentity, bool) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment service unavailable", http.StatusServiceUnavailable))
		return domain.AgentIdentity{}, false
	}
	agent, ok := agentFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return domain.AgentIdentity{}, false
	}
	return agent, true
}

func (h *PaymentHandlers) respond(w http.ResponseWriter, r *http.Request, result domain.PaymentResult, err error, status int) {
	ctx := r.Context()
	if result.PSPType != "" {
		annotateUsage(ctx, func(n *usageNote) { n.psp = result.PSPType })
	}
	if err != nil {
		writeGatewayError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, status, toPaymentPayload(result))
}

func idempotencyKey(w http.ResponseWriter, r *http.Request, required bool) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	switch {
	case key == "" && required:
		httpx.WriteError(r.Context(), w, httpx.NewError(IdempotencyKeyHeader+" header is required", http.StatusBadRequest))
		return "", false
	case len(key) > maxIdempotencyKeyLength:
		httpx.WriteError(r.Context(), w, httpx.NewError(IdempotencyKeyHeader+" header is too long", http.StatusBadRequest))
		return "", false
	}
	return key, true
}

func toPaymentPayload(result domain.PaymentResult) paymentPayload {
	out := paymentPayload{
		ID:                result.ID,
		MerchantID:        result.MerchantID,
		OrderID:           result.OrderID,
		Amount:            result.Amount.Decimal(),
		AmountMinor:       result.Amount.Amount,
		Currency:          result.Amount.Currency,
		Status:            string(result.Status),
		PSPType:           string(result.PSPType),
		ProviderReference: result.ProviderReference,
		ProviderStatus:    result.ProviderStatus,
		Error:             result.Error,
		DeclineCode:       result.DeclineCode,
		RefundedMinor:     result.RefundedMinor,
		Attempts:          make([]paymentAttemptPayload, 0, len(result.Attempts)),
		CreatedAt:         formatTime(result.CreatedAt),
		UpdatedAt:         formatTime(result.UpdatedAt),
	}
	for _, attempt := range result.Attempts {
		out.Attempts = append(out.Attempts, paymentAttemptPayload{
			PSPType:   string(attempt.PSPType),
			Status:    string(attempt.Status),
			Reference: attempt.Reference,
			Error:     attempt.Error,
			LatencyMS: attempt.LatencyMS,
		})
	}
	return out
}
