package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	shopifyAPIVersion = "2024-01"
	shopifyPageSize   = "250"
)

var shopifyNextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// ShopifyClient reads products from the Shopify Admin REST API.
type ShopifyClient struct {
	transport restTransport
}

// NewShopifyClient constructs a Shopify client using the provided HTTP client.
func NewShopifyClient(client *http.Client) *ShopifyClient {
	return &ShopifyClient{transport: newRESTTransport(domain.PlatformShopify, client)}
}

func (c *ShopifyClient) Platform() domain.Platform { return domain.PlatformShopify }

func (c *ShopifyClient) ListProducts(ctx context.Context, creds domain.StoreCredentials, cursor string) (Page, error) {
	base, err := shopifyBase(creds)
	if err != nil {
		return Page{}, err
	}
	query := url.Values{"limit": {shopifyPageSize}}
	if cursor != "" {
		query.Set("page_info", cursor)
	} else {
		query.Set("status", "active")
	}
	payload, header, err := c.transport.do(ctx, http.MethodGet, base+"/products.json?"+query.Encode(), nil, shopifyAuth(creds))
	if err != nil {
		return Page{}, err
	}
	products, err := decodeList(domain.PlatformShopify, payload, "products")
	if err != nil {
		return Page{}, err
	}
	return Page{Products: products, NextCursor: shopifyNextCursor(header.Get("Link"))}, nil
}

func (c *ShopifyClient) GetProduct(ctx context.Context, creds domain.StoreCredentials, productID string) (RawProduct, error) {
	base, err := shopifyBase(creds)
	if err != nil {
		return RawProduct{}, err
	}
	payload, _, err := c.transport.do(ctx, http.MethodGet, base+"/products/"+url.PathEscape(productID)+".json", nil, shopifyAuth(creds))
	if err != nil {
		return RawProduct{}, err
	}
	return decodeSingle(domain.PlatformShopify, payload, "product")
}

func shopifyBase(creds domain.StoreCredentials) (string, error) {
	if base := trimBase(creds.BaseURL); base != "" {
		return base + "/admin/api/" + shopifyAPIVersion, nil
	}
	domainName := strings.TrimSpace(creds.ShopDomain)
	if domainName == "" {
		return "", errors.New("catalog: shopify shop domain is required")
	}
	return "https://" + strings.TrimPrefix(domainName, "https://") + "/admin/api/" + shopifyAPIVersion, nil
}

func shopifyAuth(creds domain.StoreCredentials) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("X-Shopify-Access-Token", creds.AccessToken)
	}
}

func shopifyNextCursor(link string) string {
	match := shopifyNextLink.FindStringSubmatch(link)
	if len(match) != 2 {
		return ""
	}
	next, err := url.Parse(match[1])
	if err != nil {
		return ""
	}
	return next.Query().Get("page_info")
}
