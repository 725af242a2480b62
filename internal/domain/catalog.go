package domain

import (
	"strings"
	"time"
)

// Platform identifies the storefront system a merchant catalog is hosted on.
type Platform string

const (
	PlatformShopify     Platform = "shopify"
	PlatformWix         Platform = "wix"
	PlatformWooCommerce Platform = "woocommerce"
)

// ParsePlatform normalises a platform identifier, reporting whether it is supported.
func ParsePlatform(value string) (Platform, bool) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(value))); p {
	case PlatformShopify, PlatformWix, PlatformWooCommerce:
		return p, true
	default:
		return "", false
	}
}

// Money is an amount in the currency's minor units.
type Money struct {
	Amount   int64
	Currency string
}

// Variant is a purchasable option of a product.
type Variant struct {
	ID        string
	SKU       string
	Title     string
	Price     Money
	Inventory int
}

// StandardProduct is the canonical product shape produced from every platform payload.
// Values are treated as immutable once handed to the cache; refreshes replace them.
type StandardProduct struct {
	ID                string
	Platform          Platform
	MerchantID        string
	Title             string
	Description       string
	Price             Money
	InventoryQuantity int
	InventoryTracked  bool
	InStock           bool
	Variants          []Variant
	Images            []string
	PlatformMetadata  map[string]any
	UpdatedAt         time.Time
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (p StandardProduct) Clone() StandardProduct {
	out := p
	if p.Variants != nil {
		out.Variants = append([]Variant(nil), p.Variants...)
	}
	if p.Images != nil {
		out.Images = append([]string(nil), p.Images...)
	}
	if p.PlatformMetadata != nil {
		out.PlatformMetadata = make(map[string]any, len(p.PlatformMetadata))
		for k, v := range p.PlatformMetadata {
			out.PlatformMetadata[k] = v
		}
	}
	return out
}

// StoreCredentials are the opaque platform credentials handed over by onboarding.
type StoreCredentials struct {
	Platform    Platform
	ShopDomain  string
	BaseURL     string
	AccessToken string
	APIKey      string
	APISecret   string
	SiteID      string
	// Currency is the store default used when a platform payload omits one.
	Currency string
}
