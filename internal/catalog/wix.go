package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	wixDefaultBase = "https://www.wixapis.com"
	wixPageSize    = 100
)

// WixClient reads products from the Wix Stores catalog API.
type WixClient struct {
	transport restTransport
}

// NewWixClient constructs a Wix client using the provided HTTP client.
func NewWixClient(client *http.Client) *WixClient {
	return &WixClient{transport: newRESTTransport(domain.PlatformWix, client)}
}

func (c *WixClient) Platform() domain.Platform { return domain.PlatformWix }

type wixQueryRequest struct {
	Query struct {
		Paging struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		} `json:"paging"`
	} `json:"query"`
	IncludeVariants bool `json:"includeVariants"`
}

func (c *WixClient) ListProducts(ctx context.Context, creds domain.StoreCredentials, cursor string) (Page, error) {
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return Page{}, fmt.Errorf("catalog: invalid wix cursor %q", cursor)
		}
		offset = parsed
	}

	var body wixQueryRequest
	body.Query.Paging.Limit = wixPageSize
	body.Query.Paging.Offset = offset
	body.IncludeVariants = true

	payload, _, err := c.transport.do(ctx, http.MethodPost, wixBase(creds)+"/stores/v1/products/query", body, wixAuth(creds))
	if err != nil {
		return Page{}, err
	}
	products, err := decodeList(domain.PlatformWix, payload, "products")
	if err != nil {
		return Page{}, err
	}

	var meta struct {
		TotalResults int `json:"totalResults"`
	}
	_ = json.Unmarshal(payload, &meta)

	page := Page{Products: products}
	if next := offset + len(products); len(products) == wixPageSize && next < meta.TotalResults {
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}

func (c *WixClient) GetProduct(ctx context.Context, creds domain.StoreCredentials, productID string) (RawProduct, error) {
	payload, _, err := c.transport.do(ctx, http.MethodGet, wixBase(creds)+"/stores/v1/products/"+url.PathEscape(productID), nil, wixAuth(creds))
	if err != nil {
		return RawProduct{}, err
	}
	return decodeSingle(domain.PlatformWix, payload, "product")
}

func wixBase(creds domain.StoreCredentials) string {
	if base := trimBase(creds.BaseURL); base != "" {
		return base
	}
	return wixDefaultBase
}

func wixAuth(creds domain.StoreCredentials) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", creds.APIKey)
		if creds.SiteID != "" {
			req.Header.Set("wix-site-id", creds.SiteID)
		}
	}
}
