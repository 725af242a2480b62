// Package cache implements the read-through product cache in front of the storefront platforms.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentcommerce/gateway/internal/catalog"
	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	// DefaultTTL is how long an entry is served without contacting the platform.
	DefaultTTL = time.Hour
	// DefaultGracePeriod is how long an expired entry is retained for stale fallback.
	DefaultGracePeriod = 10 * time.Minute

	allProducts   = "*"
	defaultShards = 64
)

var (
	// ErrUpstreamUnavailable is returned when the platform failed and no prior entry exists.
	ErrUpstreamUnavailable = errors.New("cache: upstream unavailable")
	// ErrProductNotFound is returned when the platform reports the product does not exist.
	ErrProductNotFound = errors.New("cache: product not found")
)

// Loader fetches normalised products from the storefront platform.
type Loader interface {
	Products(ctx context.Context, merchantID string, platform domain.Platform) ([]domain.StandardProduct, error)
	Product(ctx context.Context, merchantID string, platform domain.Platform, productID string) (domain.StandardProduct, error)
}

// UsageRecorder receives one event per cache call.
type UsageRecorder interface {
	Record(ctx context.Context, event domain.UsageEvent)
}

// Metrics receives lookup outcomes.
type Metrics interface {
	CacheLookup(ctx context.Context, platform, outcome string)
}

// Key identifies a cache entry. ProductID is "*" for a merchant's full listing.
type Key struct {
	Platform   domain.Platform
	MerchantID string
	ProductID  string
}

func (k Key) String() string {
	return string(k.Platform) + "/" + k.MerchantID + "/" + k.ProductID
}

// flightKey is the single-flight identity. NUL cannot appear in platform ids, so distinct keys never share it.
func (k Key) flightKey() string {
	return string(k.Platform) + "\x00" + k.MerchantID + "\x00" + k.ProductID
}

// Entry is an immutable snapshot of upstream data. Refreshes replace entries, never mutate them.
type Entry struct {
	Key           Key
	Products      []domain.StandardProduct
	CachedAt      time.Time
	ExpiresAt     time.Time
	SourceLatency time.Duration
}

// Request describes one cache lookup.
type Request struct {
	MerchantID   string
	Platform     domain.Platform
	ProductID    string
	ForceRefresh bool
	AgentID      string
}

func (r Request) key() Key {
	productID := r.ProductID
	if productID == "" {
		productID = allProducts
	}
	return Key{Platform: r.Platform, MerchantID: r.MerchantID, ProductID: productID}
}

// Result is what callers receive; products are copies owned by the caller.
type Result struct {
	Products  []domain.StandardProduct
	CacheHit  bool
	Stale     bool
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Product returns the first product of a single-product lookup.
func (r Result) Product() (domain.StandardProduct, bool) {
	if len(r.Products) == 0 {
		return domain.StandardProduct{}, false
	}
	return r.Products[0], true
}

// Deps bundles collaborators required to construct a ProductCache.
type Deps struct {
	Loader      Loader
	Clock       func() time.Time
	TTL         time.Duration
	GracePeriod time.Duration
	Shards      int
	Usage       UsageRecorder
	Metrics     Metrics
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// ProductCache is a sharded read-through cache with single-flight refreshes.
type ProductCache struct {
	loader  Loader
	clock   func() time.Time
	ttl     time.Duration
	grace   time.Duration
	usage   UsageRecorder
	metrics Metrics
	logger  func(ctx context.Context, event string, fields map[string]any)

	shards []*shard
	flight singleflight.Group

	epochMu sync.Mutex
	epochs  map[string]uint64
}

type shard struct {
	mu         sync.RWMutex
	entries    map[Key]*Entry
	refreshing map[Key]int
}

// New constructs a ProductCache.
func New(deps Deps) (*ProductCache, error) {
	if deps.Loader == nil {
		return nil, errors.New("cache: loader is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	grace := deps.GracePeriod
	if grace < 0 {
		grace = 0
	}
	shardCount := deps.Shards
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[Key]*Entry), refreshing: make(map[Key]int)}
	}
	return &ProductCache{
		loader: deps.Loader,
		clock: func() time.Time {
			return clock().UTC()
		},
		ttl:     ttl,
		grace:   grace,
		usage:   deps.Usage,
		metrics: deps.Metrics,
		logger:  logger,
		shards:  shards,
		epochs:  make(map[string]uint64),
	}, nil
}

// Fetch serves a listing (empty ProductID) or a single product through the cache.
func (c *ProductCache) Fetch(ctx context.Context, req Request) (Result, error) {
	if req.MerchantID == "" {
		return Result{}, errors.New("cache: merchant id is required")
	}
	start := c.clock()
	key := req.key()

	result, err := c.fetch(ctx, key, req.ForceRefresh, start)

	status := http.StatusOK
	switch {
	case errors.Is(err, ErrProductNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
	case err != nil:
		status = http.StatusInternalServerError
	}
	outcome := "miss"
	switch {
	case result.CacheHit:
		outcome = "hit"
	case result.Stale:
		outcome = "stale"
	case err != nil:
		outcome = "error"
	}
	if c.metrics != nil {
		c.metrics.CacheLookup(ctx, string(key.Platform), outcome)
	}
	if c.usage != nil {
		c.usage.Record(ctx, domain.UsageEvent{
			AgentID:    req.AgentID,
			MerchantID: req.MerchantID,
			Endpoint:   endpointFor(key),
			CacheHit:   result.CacheHit,
			Stale:      result.Stale,
			LatencyMS:  c.clock().Sub(start).Milliseconds(),
			StatusCode: status,
			Outcome:    outcome,
			Timestamp:  start,
		})
	}
	return result, err
}

func (c *ProductCache) fetch(ctx context.Context, key Key, force bool, now time.Time) (Result, error) {
	if !force {
		if entry := c.lookup(key); entry != nil && now.Before(entry.ExpiresAt) {
			return resultFrom(entry, true, false), nil
		}
		if listing, ok := c.fromListing(key); ok && now.Before(listing.ExpiresAt) {
			listing.CacheHit = true
			return listing, nil
		}
	}

	ch := c.flight.DoChan(key.flightKey(), func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), key)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res = <-ch:
	}

	if res.Err == nil {
		return resultFrom(res.Val.(*Entry), false, false), nil
	}
	if errors.Is(res.Err, catalog.ErrProductNotFound) {
		c.remove(key)
		return Result{}, fmt.Errorf("%w: %s", ErrProductNotFound, key.ProductID)
	}
	if stale, ok := c.staleFor(key); ok {
		c.logger(ctx, "cache.stale", map[string]any{
			"key":       key.String(),
			"expiresAt": stale.ExpiresAt,
			"error":     res.Err.Error(),
		})
		return stale, nil
	}
	c.logger(ctx, "cache.upstream_failed", map[string]any{
		"key":   key.String(),
		"error": res.Err.Error(),
	})
	return Result{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, res.Err)
}

// refresh performs the single upstream fetch for key. The entry is marked mid-refresh so cleanup skips it.
func (c *ProductCache) refresh(ctx context.Context, key Key) (*Entry, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.refreshing[key]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.refreshing[key]--; s.refreshing[key] <= 0 {
			delete(s.refreshing, key)
		}
		s.mu.Unlock()
	}()

	epoch := c.epoch(key.MerchantID)
	started := c.clock()

	var (
		products []domain.StandardProduct
		err      error
	)
	if key.ProductID == allProducts {
		products, err = c.loader.Products(ctx, key.MerchantID, key.Platform)
	} else {
		var product domain.StandardProduct
		product, err = c.loader.Product(ctx, key.MerchantID, key.Platform, key.ProductID)
		products = []domain.StandardProduct{product}
	}
	if err != nil {
		return nil, err
	}

	now := c.clock()
	entry := &Entry{
		Key:           key,
		Products:      freeze(products),
		CachedAt:      now,
		ExpiresAt:     now.Add(c.ttl),
		SourceLatency: now.Sub(started),
	}

	s.mu.Lock()
	if c.epoch(key.MerchantID) == epoch {
		s.entries[key] = entry
	}
	s.mu.Unlock()
	return entry, nil
}

// Invalidate removes entries for a merchant. An empty productID removes every entry of the merchant;
// otherwise the product entry and the merchant listings that embed it are removed.
// In-flight refreshes started before the call do not repopulate the cache.
func (c *ProductCache) Invalidate(merchantID, productID string) int {
	c.epochMu.Lock()
	c.epochs[merchantID]++
	c.epochMu.Unlock()

	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.entries {
			if key.MerchantID != merchantID {
				continue
			}
			if productID == "" || key.ProductID == productID || key.ProductID == allProducts {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// CleanupExpired removes entries past their expiry plus the grace period, skipping keys mid-refresh.
func (c *ProductCache) CleanupExpired(ctx context.Context) int {
	cutoff := c.clock().Add(-c.grace)
	removed := 0
	for _, s := range c.shards {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		for key, entry := range s.entries {
			if s.refreshing[key] > 0 {
				continue
			}
			if !entry.ExpiresAt.After(cutoff) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		c.logger(ctx, "cache.cleanup", map[string]any{"removed": removed})
	}
	return removed
}

// Len reports the number of cached entries.
func (c *ProductCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// RunCleanup calls CleanupExpired on every tick until ctx is done.
func (c *ProductCache) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupExpired(ctx)
		}
	}
}

func (c *ProductCache) lookup(key Key) *Entry {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

// staleFor returns the retained entry for key, or the product from a retained listing.
func (c *ProductCache) staleFor(key Key) (Result, bool) {
	if entry := c.lookup(key); entry != nil {
		return resultFrom(entry, false, true), true
	}
	if listing, ok := c.fromListing(key); ok {
		listing.Stale = true
		return listing, true
	}
	return Result{}, false
}

// fromListing extracts a single product from the merchant listing entry, if one is cached.
func (c *ProductCache) fromListing(key Key) (Result, bool) {
	if key.ProductID == allProducts {
		return Result{}, false
	}
	listing := c.lookup(Key{Platform: key.Platform, MerchantID: key.MerchantID, ProductID: allProducts})
	if listing == nil {
		return Result{}, false
	}
	for _, product := range listing.Products {
		if product.ID == key.ProductID {
			return Result{
				Products:  []domain.StandardProduct{product.Clone()},
				CachedAt:  listing.CachedAt,
				ExpiresAt: listing.ExpiresAt,
			}, true
		}
	}
	return Result{}, false
}

func (c *ProductCache) remove(key Key) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (c *ProductCache) epoch(merchantID string) uint64 {
	c.epochMu.Lock()
	defer c.epochMu.Unlock()
	return c.epochs[merchantID]
}

func (c *ProductCache) shardFor(key Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.MerchantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.ProductID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func resultFrom(entry *Entry, hit, stale bool) Result {
	products := make([]domain.StandardProduct, len(entry.Products))
	for i, product := range entry.Products {
		products[i] = product.Clone()
	}
	return Result{
		Products:  products,
		CacheHit:  hit,
		Stale:     stale,
		CachedAt:  entry.CachedAt,
		ExpiresAt: entry.ExpiresAt,
	}
}

func freeze(products []domain.StandardProduct) []domain.StandardProduct {
	out := make([]domain.StandardProduct, len(products))
	for i, product := range products {
		out[i] = product.Clone()
	}
	return out
}

func endpointFor(key Key) string {
	if key.ProductID == allProducts {
		return "catalog.products"
	}
	return "catalog.product"
}
