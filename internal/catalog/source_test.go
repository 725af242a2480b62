package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

type stubCredentials struct {
	creds domain.StoreCredentials
	err   error
}

func (s stubCredentials) GetStoreCredentials(context.Context, string, domain.Platform) (domain.StoreCredentials, error) {
	return s.creds, s.err
}

type stubPlatformClient struct {
	platform domain.Platform
	pages    map[string]Page
	product  RawProduct
	err      error
	block    bool
}

func (s *stubPlatformClient) Platform() domain.Platform { return s.platform }

func (s *stubPlatformClient) ListProducts(ctx context.Context, _ domain.StoreCredentials, cursor string) (Page, error) {
	if s.block {
		<-ctx.Done()
		return Page{}, ctx.Err()
	}
	if s.err != nil {
		return Page{}, s.err
	}
	return s.pages[cursor], nil
}

func (s *stubPlatformClient) GetProduct(ctx context.Context, _ domain.StoreCredentials, _ string) (RawProduct, error) {
	if s.err != nil {
		return RawProduct{}, s.err
	}
	return s.product, nil
}

func wooRaw(body string) RawProduct {
	return RawProduct{Platform: domain.PlatformWooCommerce, Body: json.RawMessage(body)}
}

func TestSourceProductsFollowsCursors(t *testing.T) {
	client := &stubPlatformClient{platform: domain.PlatformWooCommerce, pages: map[string]Page{
		"":  {Products: []RawProduct{wooRaw(`{"id":1,"name":"A","price":"1.00"}`), wooRaw(`broken`)}, NextCursor: "2"},
		"2": {Products: []RawProduct{wooRaw(`{"id":2,"name":"B","price":"2.00"}`)}},
	}}
	var skipped int
	source, err := NewSource(SourceDeps{
		Credentials: stubCredentials{},
		Clients:     []PlatformClient{client},
		Logger: func(_ context.Context, event string, _ map[string]any) {
			if event == "catalog.normalize.skipped" {
				skipped++
			}
		},
	})
	require.NoError(t, err)

	products, err := source.Products(context.Background(), "merch_1", domain.PlatformWooCommerce)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "1", products[0].ID)
	assert.Equal(t, "2", products[1].ID)
	assert.Equal(t, 1, skipped)
}

func TestSourceMapsTimeoutToUnavailable(t *testing.T) {
	client := &stubPlatformClient{platform: domain.PlatformWooCommerce, block: true}
	source, err := NewSource(SourceDeps{
		Credentials: stubCredentials{},
		Clients:     []PlatformClient{client},
		Timeout:     10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = source.Products(context.Background(), "merch_1", domain.PlatformWooCommerce)
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
}

func TestSourceRejectsUnknownPlatformAndCredentialFailures(t *testing.T) {
	client := &stubPlatformClient{platform: domain.PlatformShopify}
	source, err := NewSource(SourceDeps{Credentials: stubCredentials{err: errors.New("missing")}, Clients: []PlatformClient{client}})
	require.NoError(t, err)

	_, err = source.Product(context.Background(), "merch_1", domain.PlatformWix, "1")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)

	_, err = source.Product(context.Background(), "merch_1", domain.PlatformShopify, "1")
	assert.Error(t, err)
}

func TestThrottleIsPerMerchant(t *testing.T) {
	throttle := NewThrottle(0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, throttle.Wait(ctx, "a"))
	require.NoError(t, throttle.Wait(ctx, "b"))
	assert.Error(t, throttle.Wait(ctx, "a"), "second call for the same merchant must wait beyond the deadline")
}
