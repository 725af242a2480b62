package catalog

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle bounds the request rate sent to each merchant's storefront.
type Throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle constructs a per-merchant throttle. A non-positive rps disables throttling.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Throttle{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the merchant may issue another upstream request.
func (t *Throttle) Wait(ctx context.Context, merchantID string) error {
	if t == nil {
		return nil
	}
	return t.limiter(merchantID).Wait(ctx)
}

func (t *Throttle) limiter(merchantID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	limiter, ok := t.limiters[merchantID]
	if !ok {
		limiter = rate.NewLimiter(t.limit, t.burst)
		t.limiters[merchantID] = limiter
	}
	return limiter
}
