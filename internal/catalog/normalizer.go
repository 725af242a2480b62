package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const defaultCurrency = "USD"

// ErrMalformedPayload is returned when a platform payload cannot be normalised.
var ErrMalformedPayload = errors.New("catalog: malformed product payload")

// Normalizer converts platform payloads into StandardProduct values.
type Normalizer struct {
	policy *bluemonday.Policy
	clock  func() time.Time
}

// NormalizerOption customises a Normalizer.
type NormalizerOption func(*Normalizer)

// WithNormalizerClock overrides the timestamp used when a payload carries none.
func WithNormalizerClock(clock func() time.Time) NormalizerOption {
	return func(n *Normalizer) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// NewNormalizer constructs a normalizer that strips markup from descriptions.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{policy: bluemonday.StrictPolicy(), clock: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one raw payload. creds supplies the store default currency.
func (n *Normalizer) Normalize(merchantID string, creds domain.StoreCredentials, raw RawProduct) (domain.StandardProduct, error) {
	var (
		product domain.StandardProduct
		err     error
	)
	switch raw.Platform {
	case domain.PlatformShopify:
		product, err = n.shopify(raw.Body, storeCurrency(creds))
	case domain.PlatformWix:
		product, err = n.wix(raw.Body, storeCurrency(creds))
	case domain.PlatformWooCommerce:
		product, err = n.woo(raw.Body, storeCurrency(creds))
	default:
		return domain.StandardProduct{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, raw.Platform)
	}
	if err != nil {
		return domain.StandardProduct{}, err
	}
	if product.ID == "" {
		return domain.StandardProduct{}, fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	product.Platform = raw.Platform
	product.MerchantID = merchantID
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = n.clock().UTC()
	}
	return product, nil
}

// NormalizeAll converts a listing, skipping payloads that fail to normalise.
func (n *Normalizer) NormalizeAll(merchantID string, creds domain.StoreCredentials, raws []RawProduct) ([]domain.StandardProduct, []error) {
	products := make([]domain.StandardProduct, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		product, err := n.Normalize(merchantID, creds, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		products = append(products, product)
	}
	return products, errs
}

// flexID accepts numeric or string identifiers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*f = flexID(num.String())
	return nil
}

type shopifyProduct struct {
	ID          flexID `json:"id"`
	Title       string `json:"title"`
	BodyHTML    string `json:"body_html"`
	Vendor      string `json:"vendor"`
	ProductType string `json:"product_type"`
	Handle      string `json:"handle"`
	Tags        string `json:"tags"`
	Status      string `json:"status"`
	UpdatedAt   string `json:"updated_at"`
	Variants    []struct {
		ID                  flexID  `json:"id"`
		SKU                 string  `json:"sku"`
		Title               string  `json:"title"`
		Price               string  `json:"price"`
		InventoryQuantity   int     `json:"inventory_quantity"`
		InventoryManagement *string `json:"inventory_management"`
	} `json:"variants"`
	Images []struct {
		Src string `json:"src"`
	} `json:"images"`
}

func (n *Normalizer) shopify(body []byte, currency string) (domain.StandardProduct, error) {
	var p shopifyProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.StandardProduct{}, fmt.Errorf("%w: shopify: %v", ErrMalformedPayload, err)
	}
	out := domain.StandardProduct{
		ID:          string(p.ID),
		Title:       strings.TrimSpace(p.Title),
		Description: n.plainText(p.BodyHTML),
		UpdatedAt:   parseTimestamp(p.UpdatedAt),
		PlatformMetadata: compactMetadata(map[string]any{
			"vendor":       p.Vendor,
			"product_type": p.ProductType,
			"handle":       p.Handle,
			"tags":         p.Tags,
			"status":       p.Status,
		}),
	}
	tracked := false
	for _, v := range p.Variants {
		price, err := domain.ParseMoney(v.Price, currency)
		if err != nil {
			return domain.StandardProduct{}, fmt.Errorf("%w: shopify variant %s: %v", ErrMalformedPayload, v.ID, err)
		}
		variantTracked := v.InventoryManagement != nil && *v.InventoryManagement != ""
		if variantTracked {
			tracked = true
			out.InventoryQuantity += clampInventory(v.InventoryQuantity)
		}
		out.Variants = append(out.Variants, domain.Variant{
			ID:        string(v.ID),
			SKU:       v.SKU,
			Title:     v.Title,
			Price:     price,
			Inventory: clampInventory(v.InventoryQuantity),
		})
	}
	for _, img := range p.Images {
		if img.Src != "" {
			out.Images = append(out.Images, img.Src)
		}
	}
	out.Price = lowestPrice(out.Variants, currency)
	out.InventoryTracked = tracked
	out.InStock = deriveInStock(tracked, out.InventoryQuantity, p.Status == "" || p.Status == "active")
	return out, nil
}

type wixStock struct {
	TrackInventory *bool `json:"trackInventory"`
	TrackQuantity  *bool `json:"trackQuantity"`
	Quantity       *int  `json:"quantity"`
	InStock        bool  `json:"inStock"`
}

func (s wixStock) tracked() bool {
	if s.TrackInventory != nil {
		return *s.TrackInventory
	}
	return s.TrackQuantity != nil && *s.TrackQuantity
}

type wixProduct struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SKU         string `json:"sku"`
	Slug        string `json:"slug"`
	ProductType string `json:"productType"`
	Visible     *bool  `json:"visible"`
	LastUpdated string `json:"lastUpdated"`
	Price       struct {
		Currency string  `json:"currency"`
		Price    float64 `json:"price"`
	} `json:"price"`
	Stock wixStock `json:"stock"`
	Media struct {
		Items []struct {
			Image struct {
				URL string `json:"url"`
			} `json:"image"`
		} `json:"items"`
	} `json:"media"`
	Variants []struct {
		ID      string            `json:"id"`
		Choices map[string]string `json:"choices"`
		Variant struct {
			SKU       string `json:"sku"`
			PriceData struct {
				Price float64 `json:"price"`
			} `json:"priceData"`
		} `json:"variant"`
		Stock wixStock `json:"stock"`
	} `json:"variants"`
}

func (n *Normalizer) wix(body []byte, fallbackCurrency string) (domain.StandardProduct, error) {
	var p wixProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.StandardProduct{}, fmt.Errorf("%w: wix: %v", ErrMalformedPayload, err)
	}
	currency := p.Price.Currency
	if currency == "" {
		currency = fallbackCurrency
	}
	price, err := domain.MoneyFromFloat(p.Price.Price, currency)
	if err != nil {
		return domain.StandardProduct{}, fmt.Errorf("%w: wix price: %v", ErrMalformedPayload, err)
	}
	out := domain.StandardProduct{
		ID:          p.ID,
		Title:       strings.TrimSpace(p.Name),
		Description: n.plainText(p.Description),
		Price:       price,
		UpdatedAt:   parseTimestamp(p.LastUpdated),
		PlatformMetadata: compactMetadata(map[string]any{
			"sku":          p.SKU,
			"slug":         p.Slug,
			"product_type": p.ProductType,
		}),
	}
	if p.Stock.Quantity != nil {
		out.InventoryQuantity = clampInventory(*p.Stock.Quantity)
	}
	for _, v := range p.Variants {
		variantPrice, err := domain.MoneyFromFloat(v.Variant.PriceData.Price, currency)
		if err != nil {
			return domain.StandardProduct{}, fmt.Errorf("%w: wix variant %s: %v", ErrMalformedPayload, v.ID, err)
		}
		inventory := 0
		if v.Stock.Quantity != nil {
			inventory = clampInventory(*v.Stock.Quantity)
		}
		out.Variants = append(out.Variants, domain.Variant{
			ID:        v.ID,
			SKU:       v.Variant.SKU,
			Title:     choiceTitle(v.Choices),
			Price:     variantPrice,
			Inventory: inventory,
		})
	}
	for _, item := range p.Media.Items {
		if item.Image.URL != "" {
			out.Images = append(out.Images, item.Image.URL)
		}
	}
	visible := p.Visible == nil || *p.Visible
	out.InventoryTracked = p.Stock.tracked()
	out.InStock = deriveInStock(out.InventoryTracked, out.InventoryQuantity, p.Stock.InStock && visible)
	return out, nil
}

type wooProduct struct {
	ID               flexID   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	ShortDescription string   `json:"short_description"`
	SKU              string   `json:"sku"`
	Price            string   `json:"price"`
	RegularPrice     string   `json:"regular_price"`
	ManageStock      bool     `json:"manage_stock"`
	StockQuantity    *int     `json:"stock_quantity"`
	StockStatus      string   `json:"stock_status"`
	Permalink        string   `json:"permalink"`
	Type             string   `json:"type"`
	Variations       []flexID `json:"variations"`
	DateModifiedGMT  string   `json:"date_modified_gmt"`
	Images           []struct {
		Src string `json:"src"`
	} `json:"images"`
}

func (n *Normalizer) woo(body []byte, currency string) (domain.StandardProduct, error) {
	var p wooProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.StandardProduct{}, fmt.Errorf("%w: woocommerce: %v", ErrMalformedPayload, err)
	}
	rawPrice := p.Price
	if rawPrice == "" {
		rawPrice = p.RegularPrice
	}
	if rawPrice == "" {
		rawPrice = "0"
	}
	price, err := domain.ParseMoney(rawPrice, currency)
	if err != nil {
		return domain.StandardProduct{}, fmt.Errorf("%w: woocommerce price: %v", ErrMalformedPayload, err)
	}
	description := p.Description
	if strings.TrimSpace(description) == "" {
		description = p.ShortDescription
	}
	variations := make([]string, 0, len(p.Variations))
	for _, id := range p.Variations {
		variations = append(variations, string(id))
	}
	out := domain.StandardProduct{
		ID:          string(p.ID),
		Title:       strings.TrimSpace(p.Name),
		Description: n.plainText(description),
		Price:       price,
		UpdatedAt:   parseTimestamp(p.DateModifiedGMT),
		PlatformMetadata: compactMetadata(map[string]any{
			"sku":          p.SKU,
			"permalink":    p.Permalink,
			"type":         p.Type,
			"stock_status": p.StockStatus,
			"variations":   variations,
		}),
	}
	if p.StockQuantity != nil {
		out.InventoryQuantity = clampInventory(*p.StockQuantity)
	}
	for _, img := range p.Images {
		if img.Src != "" {
			out.Images = append(out.Images, img.Src)
		}
	}
	out.InventoryTracked = p.ManageStock
	out.InStock = deriveInStock(p.ManageStock, out.InventoryQuantity, p.StockStatus == "instock")
	return out, nil
}

// deriveInStock applies the stock rule: tracked inventory decides by quantity,
// untracked inventory trusts the platform flag.
func deriveInStock(tracked bool, quantity int, platformFlag bool) bool {
	if tracked {
		return quantity > 0
	}
	return platformFlag
}

func (n *Normalizer) plainText(markup string) string {
	if markup == "" {
		return ""
	}
	text := html.UnescapeString(n.policy.Sanitize(markup))
	return strings.Join(strings.Fields(text), " ")
}

func lowestPrice(variants []domain.Variant, currency string) domain.Money {
	if len(variants) == 0 {
		return domain.Money{Currency: currency}
	}
	lowest := domain.Money{Amount: math.MaxInt64}
	for _, v := range variants {
		if v.Price.Amount < lowest.Amount {
			lowest = v.Price
		}
	}
	return lowest
}

func clampInventory(quantity int) int {
	if quantity < 0 {
		return 0
	}
	return quantity
}

func choiceTitle(choices map[string]string) string {
	if len(choices) == 0 {
		return ""
	}
	parts := make([]string, 0, len(choices))
	for _, value := range choices {
		parts = append(parts, value)
	}
	sort.Strings(parts)
	return strings.Join(parts, " / ")
}

func storeCurrency(creds domain.StoreCredentials) string {
	if code, err := domain.NormalizeCurrency(creds.Currency); err == nil {
		return code
	}
	return defaultCurrency
}

func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	return time.Time{}
}

func compactMetadata(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		switch typed := v.(type) {
		case string:
			if typed == "" {
				continue
			}
		case []string:
			if len(typed) == 0 {
				continue
			}
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
