package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	stripeSecretKey = "secret_key"
	stripeAccountID = "account_id"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeBalanceAPI interface {
	Get(params *stripe.BalanceParams) (*stripe.Balance, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
	balance stripeBalanceAPI
}

// StripeAdapterConfig configures the StripeAdapter.
type StripeAdapterConfig struct {
	Backends *stripe.Backends
	Logger   func(ctx context.Context, event string, fields map[string]any)
	Clients  func(secretKey string) stripeClients
}

// StripeAdapter authorises payments through manual-capture PaymentIntents.
type StripeAdapter struct {
	clients func(secretKey string) stripeClients
	logger  func(ctx context.Context, event string, fields map[string]any)
}

var _ Adapter = (*StripeAdapter)(nil)

// NewStripeAdapter constructs the Stripe adapter. Credentials arrive per call from the merchant binding.
func NewStripeAdapter(cfg StripeAdapterConfig) *StripeAdapter {
	factory := cfg.Clients
	if factory == nil {
		backends := cfg.Backends
		factory = func(secretKey string) stripeClients {
			sc := client.New(secretKey, backends)
			return stripeClients{
				intents: sc.PaymentIntents,
				refunds: sc.Refunds,
				balance: sc.Balance,
			}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeAdapter{clients: factory, logger: logger}
}

// PSP implements Adapter.
func (a *StripeAdapter) PSP() domain.PSPType { return domain.PSPStripe }

func (a *StripeAdapter) api(creds domain.Credentials) (stripeClients, string, error) {
	key := strings.TrimSpace(creds.Value(stripeSecretKey))
	if key == "" {
		return stripeClients{}, "", &AdapterError{
			PSP:     domain.PSPStripe,
			Class:   ClassTerminal,
			Message: "secret_key is required",
			Err:     ErrInvalidCredentials,
		}
	}
	return a.clients(key), strings.TrimSpace(creds.Value(stripeAccountID)), nil
}

// Authorize creates a manual-capture PaymentIntent, confirming it when a payment method is supplied.
func (a *StripeAdapter) Authorize(ctx context.Context, req AuthorizeRequest) (AdapterResult, error) {
	api, account, err := a.api(req.Credentials)
	if err != nil {
		return AdapterResult{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount.Amount),
		Currency:           stripe.String(strings.ToLower(req.Amount.Currency)),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: []*string{stripe.String("card")},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if account != "" {
		params.SetStripeAccount(account)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	confirm := strings.TrimSpace(req.PaymentMethod) != ""
	if confirm {
		params.PaymentMethod = stripe.String(strings.TrimSpace(req.PaymentMethod))
		params.Confirm = stripe.Bool(true)
	}
	metadata := cloneMetadata(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, 2)
	}
	metadata["merchant_id"] = req.MerchantID
	metadata["order_id"] = req.OrderID
	params.Metadata = metadata

	intent, err := api.intents.New(params)
	if err != nil {
		return AdapterResult{}, classifyStripeError("authorize", err)
	}

	result := AdapterResult{
		Status:         domain.PaymentStatusSucceeded,
		Reference:      intent.ID,
		ProviderStatus: string(intent.Status),
	}
	switch {
	case intent.Status == stripe.PaymentIntentStatusCanceled,
		confirm && intent.Status == stripe.PaymentIntentStatusRequiresPaymentMethod:
		result.Status = domain.PaymentStatusDeclined
		if intent.LastPaymentError != nil {
			result.DeclineCode = string(intent.LastPaymentError.DeclineCode)
			result.Message = intent.LastPaymentError.Msg
		}
		return result, &AdapterError{PSP: domain.PSPStripe, Class: ClassDeclined, Code: result.DeclineCode, Message: result.Message}
	}

	a.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
		"orderId":       req.OrderID,
	})
	return result, nil
}

// Capture captures a PaymentIntent authorised earlier.
func (a *StripeAdapter) Capture(ctx context.Context, req CaptureRequest) (AdapterResult, error) {
	api, account, err := a.api(req.Credentials)
	if err != nil {
		return AdapterResult{}, err
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if account != "" {
		params.SetStripeAccount(account)
	}
	if req.Amount.Amount > 0 {
		params.AmountToCapture = stripe.Int64(req.Amount.Amount)
	}
	intent, err := api.intents.Capture(req.Reference, params)
	if err != nil {
		return AdapterResult{}, classifyStripeError("capture", err)
	}
	a.logger(ctx, "payments.stripe.intent.captured", map[string]any{
		"paymentIntent":  intent.ID,
		"amountReceived": intent.AmountReceived,
	})
	return AdapterResult{
		Status:         domain.PaymentStatusCaptured,
		Reference:      intent.ID,
		ProviderStatus: string(intent.Status),
	}, nil
}

// Refund refunds a captured PaymentIntent.
func (a *StripeAdapter) Refund(ctx context.Context, req RefundRequest) (AdapterResult, error) {
	api, account, err := a.api(req.Credentials)
	if err != nil {
		return AdapterResult{}, err
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.Reference),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if account != "" {
		params.SetStripeAccount(account)
	}
	if req.Amount.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	refund, err := api.refunds.New(params)
	if err != nil {
		return AdapterResult{}, classifyStripeError("refund", err)
	}
	a.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.Reference,
		"refund":        refund.ID,
		"status":        refund.Status,
	})
	return AdapterResult{
		Status:         domain.PaymentStatusRefunded,
		Reference:      req.Reference,
		ProviderStatus: string(refund.Status),
	}, nil
}

// ValidateCredentials performs a cheap authenticated read of the account balance.
func (a *StripeAdapter) ValidateCredentials(ctx context.Context, creds domain.Credentials) error {
	api, account, err := a.api(creds)
	if err != nil {
		return err
	}
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if account != "" {
		params.SetStripeAccount(account)
	}
	if _, err := api.balance.Get(params); err != nil {
		return classifyStripeError("validate", err)
	}
	return nil
}

func classifyStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &AdapterError{PSP: domain.PSPStripe, Class: ClassTransient, Message: op + " timed out", Err: err}
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &AdapterError{PSP: domain.PSPStripe, Class: ClassTransient, Message: fmt.Sprintf("%s: %v", op, err), Err: err}
	}

	out := &AdapterError{
		PSP:        domain.PSPStripe,
		StatusCode: stripeErr.HTTPStatusCode,
		Code:       string(stripeErr.Code),
		Message:    stripeErr.Msg,
		Err:        err,
	}
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard, stripeErr.HTTPStatusCode == http.StatusPaymentRequired:
		out.Class = ClassDeclined
		if stripeErr.DeclineCode != "" {
			out.Code = string(stripeErr.DeclineCode)
		}
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized:
		out.Class = ClassTerminal
		out.Err = errors.Join(ErrInvalidCredentials, err)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		out.Class = ClassTransient
	default:
		out.Class = ClassTerminal
	}
	return out
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
