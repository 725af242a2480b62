package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	userAgent        = "agentcommerce-gateway/1.0"
	maxResponseBytes = 8 << 20
)

var (
	// ErrProductNotFound is returned when the platform reports no such product.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrCredentialsRejected is returned when the platform refuses the store credentials.
	ErrCredentialsRejected = errors.New("catalog: platform rejected credentials")
	// ErrPlatformUnavailable marks network failures, timeouts, throttling and 5xx responses.
	ErrPlatformUnavailable = errors.New("catalog: platform unavailable")
	// ErrUnsupportedPlatform is returned when no client is registered for a platform.
	ErrUnsupportedPlatform = errors.New("catalog: unsupported platform")
)

// RawProduct is a platform-native product payload awaiting normalisation.
type RawProduct struct {
	Platform domain.Platform
	Body     json.RawMessage
}

// Page is one page of a product listing.
type Page struct {
	Products   []RawProduct
	NextCursor string
}

// PlatformClient reads products from one storefront platform.
type PlatformClient interface {
	Platform() domain.Platform
	ListProducts(ctx context.Context, creds domain.StoreCredentials, cursor string) (Page, error)
	GetProduct(ctx context.Context, creds domain.StoreCredentials, productID string) (RawProduct, error)
}

// UpstreamError describes a failed platform call.
type UpstreamError struct {
	Platform domain.Platform
	Status   int
	Message  string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("catalog: %s responded %d: %s", e.Platform, e.Status, e.Message)
	}
	return fmt.Sprintf("catalog: %s request failed: %s", e.Platform, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// restTransport performs JSON requests and classifies platform failures.
type restTransport struct {
	platform domain.Platform
	client   *http.Client
}

func newRESTTransport(platform domain.Platform, client *http.Client) restTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return restTransport{platform: platform, client: client}
}

func (t restTransport) do(ctx context.Context, method, url string, body any, decorate func(*http.Request)) ([]byte, http.Header, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("catalog: marshal %s request: %w", t.platform, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: build %s request: %w", t.platform, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, &UpstreamError{Platform: t.platform, Message: err.Error(), Err: ErrPlatformUnavailable}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, &UpstreamError{Platform: t.platform, Status: resp.StatusCode, Message: err.Error(), Err: ErrPlatformUnavailable}
	}
	if resp.StatusCode >= 400 {
		return nil, nil, t.classify(resp.StatusCode, payload)
	}
	return payload, resp.Header, nil
}

func (t restTransport) classify(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	if len(message) > 256 {
		message = message[:256]
	}
	err := &UpstreamError{Platform: t.platform, Status: status, Message: message}
	switch {
	case status == http.StatusNotFound:
		err.Err = ErrProductNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err.Err = ErrCredentialsRejected
	case status == http.StatusTooManyRequests || status >= 500:
		err.Err = ErrPlatformUnavailable
	default:
		err.Err = fmt.Errorf("catalog: unexpected status %d", status)
	}
	return err
}

func decodeList(platform domain.Platform, payload []byte, field string) ([]RawProduct, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("catalog: decode %s listing: %w", platform, err)
	}
	var items []json.RawMessage
	if raw, ok := envelope[field]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("catalog: decode %s %s: %w", platform, field, err)
		}
	}
	return wrapRaw(platform, items), nil
}

func decodeSingle(platform domain.Platform, payload []byte, field string) (RawProduct, error) {
	body := json.RawMessage(payload)
	if field != "" {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return RawProduct{}, fmt.Errorf("catalog: decode %s product: %w", platform, err)
		}
		raw, ok := envelope[field]
		if !ok || string(raw) == "null" {
			return RawProduct{}, &UpstreamError{Platform: platform, Status: http.StatusNotFound, Message: "empty product", Err: ErrProductNotFound}
		}
		body = raw
	}
	return RawProduct{Platform: platform, Body: body}, nil
}

func wrapRaw(platform domain.Platform, items []json.RawMessage) []RawProduct {
	out := make([]RawProduct, 0, len(items))
	for _, item := range items {
		out = append(out, RawProduct{Platform: platform, Body: item})
	}
	return out
}

func trimBase(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
