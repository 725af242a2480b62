package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/agentcommerce/gateway/internal/access"
	"github.com/agentcommerce/gateway/internal/cache"
	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/payments"
	"github.com/agentcommerce/gateway/internal/platform/httpx"
	"github.com/agentcommerce/gateway/internal/platform/requestctx"
	"github.com/agentcommerce/gateway/internal/services"
)

// writeGatewayError maps the error taxonomy onto HTTP status codes and the error envelope.
// Fallbacks such as stale catalog reads and PSP fail-over never reach this point.
func writeGatewayError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	status, detail := classifyError(err)
	if status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Sugar().Warnw("request failed", "status", status, "error", err.Error())
	}
	httpx.WriteError(ctx, w, httpx.NewError(detail, status))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusUnauthorized, "invalid or missing API key"
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, access.ErrUnknownMerchant):
		return http.StatusNotFound, "merchant not found"
	case errors.Is(err, services.ErrGatewayInvalidInput),
		errors.Is(err, services.ErrOnboardingInvalidInput),
		errors.Is(err, payments.ErrInvalidRequest),
		errors.Is(err, payments.ErrUnsupportedProvider),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidCurrency):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, cache.ErrProductNotFound):
		return http.StatusNotFound, "product not found"
	case errors.Is(err, cache.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "merchant catalog is temporarily unavailable"
	case errors.Is(err, services.ErrOutOfStock),
		errors.Is(err, services.ErrOrderMismatch):
		return http.StatusConflict, err.Error()
	case errors.Is(err, payments.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency key was already used with a different request"
	case errors.Is(err, payments.ErrPaymentInProgress):
		return http.StatusConflict, "a payment with this idempotency key is in progress"
	case errors.Is(err, payments.ErrInvalidPaymentState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, payments.ErrPaymentNotFound):
		return http.StatusNotFound, "payment not found"
	case errors.Is(err, payments.ErrNoActiveBinding):
		return http.StatusUnprocessableEntity, "merchant has no active payment provider"
	case errors.Is(err, payments.ErrInvalidCredentials):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, payments.ErrDeclined):
		return http.StatusPaymentRequired, err.Error()
	case errors.Is(err, payments.ErrAllPSPsExhausted):
		return http.StatusBadGateway, "all payment providers failed"
	case errors.Is(err, payments.ErrTerminal):
		return http.StatusBadGateway, "payment provider rejected the request"
	case errors.Is(err, payments.ErrTransient):
		return http.StatusServiceUnavailable, "payment provider is temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "failed to process request"
	}
}
