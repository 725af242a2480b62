package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	adyenAPIKey          = "api_key"
	adyenMerchantAccount = "merchant_account"
	adyenLivePrefix      = "live_prefix"

	adyenTestBaseURL = "https://checkout-test.adyen.com/v71"
	adyenAPIVersion  = "v71"
)

// AdyenAdapterConfig configures the AdyenAdapter.
type AdyenAdapterConfig struct {
	HTTPClient *http.Client
	// Environment is "test" or "live". Live endpoints need the merchant's live_prefix.
	Environment string
	// BaseURL overrides the endpoint entirely.
	BaseURL string
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

// AdyenAdapter talks to the Adyen Checkout API.
type AdyenAdapter struct {
	client      *http.Client
	environment string
	baseURL     string
	logger      func(ctx context.Context, event string, fields map[string]any)
}

var _ Adapter = (*AdyenAdapter)(nil)

// NewAdyenAdapter constructs the Adyen adapter.
func NewAdyenAdapter(cfg AdyenAdapterConfig) *AdyenAdapter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	env := strings.ToLower(strings.TrimSpace(cfg.Environment))
	if env == "" {
		env = "test"
	}
	return &AdyenAdapter{
		client:      httpClient,
		environment: env,
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		logger:      logger,
	}
}

// PSP implements Adapter.
func (a *AdyenAdapter) PSP() domain.PSPType { return domain.PSPAdyen }

type adyenAmount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

type adyenPaymentRequest struct {
	Amount           adyenAmount       `json:"amount"`
	Reference        string            `json:"reference"`
	MerchantAccount  string            `json:"merchantAccount"`
	PaymentMethod    map[string]string `json:"paymentMethod,omitempty"`
	ShopperStatement string            `json:"shopperStatement,omitempty"`
	AdditionalData   map[string]string `json:"additionalData,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type adyenPaymentResponse struct {
	PSPReference  string `json:"pspReference"`
	ResultCode    string `json:"resultCode"`
	RefusalReason string `json:"refusalReason"`
	RefusalCode   string `json:"refusalReasonCode"`
	Status        string `json:"status"`
}

type adyenModificationRequest struct {
	MerchantAccount string      `json:"merchantAccount"`
	Amount          adyenAmount `json:"amount"`
	Reference       string      `json:"reference,omitempty"`
}

type adyenErrorResponse struct {
	Status    int    `json:"status"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
}

// Authorize posts a payment with manual capture.
func (a *AdyenAdapter) Authorize(ctx context.Context, req AuthorizeRequest) (AdapterResult, error) {
	creds, err := a.credentials(req.Credentials)
	if err != nil {
		return AdapterResult{}, err
	}
	body := adyenPaymentRequest{
		Amount:          adyenAmount{Currency: strings.ToUpper(req.Amount.Currency), Value: req.Amount.Amount},
		Reference:       req.OrderID,
		MerchantAccount: creds.merchantAccount,
		AdditionalData:  map[string]string{"manualCapture": "true"},
		Metadata:        cloneMetadata(req.Metadata),
	}
	if method := strings.TrimSpace(req.PaymentMethod); method != "" {
		body.PaymentMethod = map[string]string{"type": "scheme", "storedPaymentMethodId": method}
	}
	if req.Description != "" {
		body.ShopperStatement = req.Description
	}

	var resp adyenPaymentResponse
	if err := a.post(ctx, creds, "/payments", req.IdempotencyKey, body, &resp); err != nil {
		return AdapterResult{}, err
	}

	result := AdapterResult{
		Reference:      resp.PSPReference,
		ProviderStatus: resp.ResultCode,
	}
	switch resp.ResultCode {
	case "Authorised", "Pending", "Received":
		result.Status = domain.PaymentStatusSucceeded
	case "Refused", "Cancelled":
		result.Status = domain.PaymentStatusDeclined
		result.DeclineCode = resp.RefusalCode
		result.Message = resp.RefusalReason
		return result, &AdapterError{PSP: domain.PSPAdyen, Class: ClassDeclined, Code: resp.RefusalCode, Message: resp.RefusalReason}
	case "Error":
		return AdapterResult{}, &AdapterError{PSP: domain.PSPAdyen, Class: ClassTransient, Code: resp.RefusalCode, Message: resp.RefusalReason}
	default:
		return AdapterResult{}, &AdapterError{PSP: domain.PSPAdyen, Class: ClassTerminal, Message: "unsupported result code " + resp.ResultCode}
	}

	a.logger(ctx, "payments.adyen.payment.authorised", map[string]any{
		"pspReference": resp.PSPReference,
		"resultCode":   resp.ResultCode,
		"orderId":      req.OrderID,
	})
	return result, nil
}

// Capture requests capture of an authorised payment.
func (a *AdyenAdapter) Capture(ctx context.Context, req CaptureRequest) (AdapterResult, error) {
	creds, err := a.credentials(req.Credentials)
	if err != nil {
		return AdapterResult{}, err
	}
	body := adyenModificationRequest{
		MerchantAccount: creds.merchantAccount,
		Amount:          adyenAmount{Currency: strings.ToUpper(req.Amount.Currency), Value: req.Amount.Amount},
	}
	var resp adyenPaymentResponse
	if err := a.post(ctx, creds, "/payments/"+req.Reference+"/captures", req.IdempotencyKey, body, &resp); err != nil {
		return AdapterResult{}, err
	}
	a.logger(ctx, "payments.adyen.payment.captured", map[string]any{
		"pspReference": req.Reference,
		"status":       resp.Status,
	})
	return AdapterResult{Status: domain.PaymentStatusCaptured, Reference: req.Reference, ProviderStatus: resp.Status}, nil
}

// Refund requests a refund of a captured payment.
func (a *AdyenAdapter) Refund(ctx context.Context, req RefundRequest) (AdapterResult, error) {
	creds, err := a.credentials(req.Credentials)
	if err != nil {
		return AdapterResult{}, err
	}
	body := adyenModificationRequest{
		MerchantAccount: creds.merchantAccount,
		Amount:          adyenAmount{Currency: strings.ToUpper(req.Amount.Currency), Value: req.Amount.Amount},
		Reference:       req.Reason,
	}
	var resp adyenPaymentResponse
	if err := a.post(ctx, creds, "/payments/"+req.Reference+"/refunds", req.IdempotencyKey, body, &resp); err != nil {
		return AdapterResult{}, err
	}
	a.logger(ctx, "payments.adyen.payment.refunded", map[string]any{
		"pspReference": req.Reference,
		"status":       resp.Status,
	})
	return AdapterResult{Status: domain.PaymentStatusRefunded, Reference: req.Reference, ProviderStatus: resp.Status}, nil
}

// ValidateCredentials lists payment methods for the merchant account, which requires a working API key.
func (a *AdyenAdapter) ValidateCredentials(ctx context.Context, creds domain.Credentials) error {
	resolved, err := a.credentials(creds)
	if err != nil {
		return err
	}
	body := map[string]string{"merchantAccount": resolved.merchantAccount}
	var resp json.RawMessage
	return a.post(ctx, resolved, "/paymentMethods", "", body, &resp)
}

type adyenCredentials struct {
	apiKey          string
	merchantAccount string
	livePrefix      string
}

func (a *AdyenAdapter) credentials(creds domain.Credentials) (adyenCredentials, error) {
	out := adyenCredentials{
		apiKey:          strings.TrimSpace(creds.Value(adyenAPIKey)),
		merchantAccount: strings.TrimSpace(creds.Value(adyenMerchantAccount)),
		livePrefix:      strings.TrimSpace(creds.Value(adyenLivePrefix)),
	}
	var missing []string
	if out.apiKey == "" {
		missing = append(missing, adyenAPIKey)
	}
	if out.merchantAccount == "" {
		missing = append(missing, adyenMerchantAccount)
	}
	if a.baseURL == "" && a.environment == "live" && out.livePrefix == "" {
		missing = append(missing, adyenLivePrefix)
	}
	if len(missing) > 0 {
		return adyenCredentials{}, &AdapterError{
			PSP:     domain.PSPAdyen,
			Class:   ClassTerminal,
			Message: "missing " + strings.Join(missing, ", "),
			Err:     ErrInvalidCredentials,
		}
	}
	return out, nil
}

func (a *AdyenAdapter) endpoint(creds adyenCredentials, path string) string {
	switch {
	case a.baseURL != "":
		return a.baseURL + path
	case a.environment == "live":
		return fmt.Sprintf("https://%s-checkout-live.adyenpayments.com/checkout/%s%s", creds.livePrefix, adyenAPIVersion, path)
	default:
		return adyenTestBaseURL + path
	}
}

func (a *AdyenAdapter) post(ctx context.Context, creds adyenCredentials, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &AdapterError{PSP: domain.PSPAdyen, Class: ClassTerminal, Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(creds, path), bytes.NewReader(payload))
	if err != nil {
		return &AdapterError{PSP: domain.PSPAdyen, Class: ClassTerminal, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", creds.apiKey)
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &AdapterError{PSP: domain.PSPAdyen, Class: ClassTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &AdapterError{PSP: domain.PSPAdyen, Class: ClassTransient, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return classifyAdyenStatus(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &AdapterError{PSP: domain.PSPAdyen, Class: ClassTransient, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func classifyAdyenStatus(status int, body []byte) error {
	var payload adyenErrorResponse
	_ = json.Unmarshal(body, &payload)
	out := &AdapterError{
		PSP:        domain.PSPAdyen,
		StatusCode: status,
		Code:       payload.ErrorCode,
		Message:    payload.Message,
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		out.Class = ClassTerminal
		out.Err = ErrInvalidCredentials
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		out.Class = ClassTransient
	default:
		out.Class = ClassTerminal
	}
	return out
}
