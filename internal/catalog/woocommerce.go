package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	wooRESTPath = "/wp-json/wc/v3"
	wooPageSize = "100"
)

// WooCommerceClient reads products from the WooCommerce REST API v3.
type WooCommerceClient struct {
	transport restTransport
}

// NewWooCommerceClient constructs a WooCommerce client using the provided HTTP client.
func NewWooCommerceClient(client *http.Client) *WooCommerceClient {
	return &WooCommerceClient{transport: newRESTTransport(domain.PlatformWooCommerce, client)}
}

func (c *WooCommerceClient) Platform() domain.Platform { return domain.PlatformWooCommerce }

func (c *WooCommerceClient) ListProducts(ctx context.Context, creds domain.StoreCredentials, cursor string) (Page, error) {
	base, err := wooBase(creds)
	if err != nil {
		return Page{}, err
	}
	page := 1
	if cursor != "" {
		page, err = strconv.Atoi(cursor)
		if err != nil || page < 1 {
			return Page{}, fmt.Errorf("catalog: invalid woocommerce cursor %q", cursor)
		}
	}
	query := url.Values{"per_page": {wooPageSize}, "page": {strconv.Itoa(page)}, "status": {"publish"}}
	payload, header, err := c.transport.do(ctx, http.MethodGet, base+"/products?"+query.Encode(), nil, wooAuth(creds))
	if err != nil {
		return Page{}, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return Page{}, fmt.Errorf("catalog: decode woocommerce listing: %w", err)
	}
	out := Page{Products: wrapRaw(domain.PlatformWooCommerce, items)}
	if total, err := strconv.Atoi(header.Get("X-WP-TotalPages")); err == nil && page < total {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	return out, nil
}

func (c *WooCommerceClient) GetProduct(ctx context.Context, creds domain.StoreCredentials, productID string) (RawProduct, error) {
	base, err := wooBase(creds)
	if err != nil {
		return RawProduct{}, err
	}
	payload, _, err := c.transport.do(ctx, http.MethodGet, base+"/products/"+url.PathEscape(productID), nil, wooAuth(creds))
	if err != nil {
		return RawProduct{}, err
	}
	return decodeSingle(domain.PlatformWooCommerce, payload, "")
}

func wooBase(creds domain.StoreCredentials) (string, error) {
	base := trimBase(creds.BaseURL)
	if base == "" && creds.ShopDomain != "" {
		base = "https://" + creds.ShopDomain
	}
	if base == "" {
		return "", errors.New("catalog: woocommerce store url is required")
	}
	return base + wooRESTPath, nil
}

func wooAuth(creds domain.StoreCredentials) func(*http.Request) {
	return func(req *http.Request) {
		req.SetBasicAuth(creds.APIKey, creds.APISecret)
	}
}
