package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

var fixedNow = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(WithNormalizerClock(func() time.Time { return fixedNow }))
}

func TestNormalizeShopifyTrackedInventory(t *testing.T) {
	raw := RawProduct{Platform: domain.PlatformShopify, Body: []byte(`{
		"id": 42,
		"title": " Trail Joggers ",
		"body_html": "<p>Lightweight <strong>joggers</strong> &amp; more</p>",
		"vendor": "Acme",
		"status": "active",
		"updated_at": "2023-12-30T10:00:00-05:00",
		"variants": [
			{"id": 1, "sku": "J-S", "title": "S", "price": "52.00", "inventory_quantity": 4, "inventory_management": "shopify"},
			{"id": 2, "sku": "J-M", "title": "M", "price": "48.00", "inventory_quantity": 6, "inventory_management": "shopify"},
			{"id": 3, "sku": "J-L", "title": "L", "price": "48.00", "inventory_quantity": -2, "inventory_management": "shopify"}
		],
		"images": [{"src": "https://cdn.example/j.png"}]
	}`)}

	product, err := newTestNormalizer().Normalize("merch_1", domain.StoreCredentials{Currency: "usd"}, raw)
	require.NoError(t, err)

	assert.Equal(t, "42", product.ID)
	assert.Equal(t, "merch_1", product.MerchantID)
	assert.Equal(t, domain.PlatformShopify, product.Platform)
	assert.Equal(t, "Trail Joggers", product.Title)
	assert.Equal(t, "Lightweight joggers & more", product.Description)
	assert.Equal(t, domain.Money{Amount: 4800, Currency: "USD"}, product.Price)
	assert.Equal(t, 10, product.InventoryQuantity)
	assert.True(t, product.InventoryTracked)
	assert.True(t, product.InStock)
	require.Len(t, product.Variants, 3)
	assert.Equal(t, 0, product.Variants[2].Inventory)
	assert.Equal(t, []string{"https://cdn.example/j.png"}, product.Images)
	assert.Equal(t, "Acme", product.PlatformMetadata["vendor"])
	assert.Equal(t, time.Date(2023, time.December, 30, 15, 0, 0, 0, time.UTC), product.UpdatedAt)
}

func TestNormalizeShopifyUntrackedTrustsPlatform(t *testing.T) {
	raw := RawProduct{Platform: domain.PlatformShopify, Body: []byte(`{
		"id": "7", "title": "Gift card", "status": "active",
		"variants": [{"id": 9, "price": "25.00", "inventory_quantity": 0, "inventory_management": null}]
	}`)}

	product, err := newTestNormalizer().Normalize("merch_1", domain.StoreCredentials{}, raw)
	require.NoError(t, err)
	assert.False(t, product.InventoryTracked)
	assert.Equal(t, 0, product.InventoryQuantity)
	assert.True(t, product.InStock)
	assert.Equal(t, fixedNow, product.UpdatedAt)
}

func TestNormalizeWix(t *testing.T) {
	raw := RawProduct{Platform: domain.PlatformWix, Body: []byte(`{
		"id": "wix-1",
		"name": "Canvas Tote",
		"description": "<p>Sturdy</p>",
		"price": {"currency": "EUR", "price": 19.5},
		"stock": {"trackInventory": false, "inStock": false},
		"media": {"items": [{"image": {"url": "https://static.wix/1.jpg"}}]},
		"variants": [{"id": "v1", "choices": {"Color": "Red"}, "variant": {"sku": "T-R", "priceData": {"price": 19.5}}, "stock": {"trackQuantity": true, "quantity": 3, "inStock": true}}]
	}`)}

	product, err := newTestNormalizer().Normalize("merch_2", domain.StoreCredentials{}, raw)
	require.NoError(t, err)
	assert.Equal(t, domain.Money{Amount: 1950, Currency: "EUR"}, product.Price)
	assert.False(t, product.InventoryTracked)
	assert.False(t, product.InStock, "untracked inventory must follow the platform flag")
	require.Len(t, product.Variants, 1)
	assert.Equal(t, "Red", product.Variants[0].Title)
	assert.Equal(t, 3, product.Variants[0].Inventory)
	assert.Equal(t, []string{"https://static.wix/1.jpg"}, product.Images)
}

func TestNormalizeWooCommerce(t *testing.T) {
	raw := RawProduct{Platform: domain.PlatformWooCommerce, Body: []byte(`{
		"id": 101,
		"name": "Beanie",
		"description": "",
		"short_description": "<em>Warm</em>",
		"price": "",
		"regular_price": "15.00",
		"manage_stock": true,
		"stock_quantity": 0,
		"stock_status": "instock",
		"variations": [201, 202]
	}`)}

	product, err := newTestNormalizer().Normalize("merch_3", domain.StoreCredentials{Currency: "GBP"}, raw)
	require.NoError(t, err)
	assert.Equal(t, "101", product.ID)
	assert.Equal(t, "Warm", product.Description)
	assert.Equal(t, domain.Money{Amount: 1500, Currency: "GBP"}, product.Price)
	assert.True(t, product.InventoryTracked)
	assert.False(t, product.InStock, "tracked inventory of zero is out of stock")
	assert.Equal(t, []string{"201", "202"}, product.PlatformMetadata["variations"])
}

func TestNormalizeRejectsMalformedPayloads(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize("m", domain.StoreCredentials{}, RawProduct{Platform: domain.PlatformShopify, Body: []byte(`{"title":"no id"}`)})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = n.Normalize("m", domain.StoreCredentials{}, RawProduct{Platform: domain.PlatformShopify, Body: []byte(`{"id":1,"variants":[{"id":2,"price":"-1.00"}]}`)})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = n.Normalize("m", domain.StoreCredentials{}, RawProduct{Platform: "magento", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestNormalizeAllSkipsFailures(t *testing.T) {
	raws := []RawProduct{
		{Platform: domain.PlatformWooCommerce, Body: []byte(`{"id":1,"name":"A","price":"1.00"}`)},
		{Platform: domain.PlatformWooCommerce, Body: []byte(`not json`)},
	}
	products, errs := newTestNormalizer().NormalizeAll("m", domain.StoreCredentials{}, raws)
	assert.Len(t, products, 1)
	assert.Len(t, errs, 1)
}
