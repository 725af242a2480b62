// Package access is the first gate on every agent request: API-key authentication, per-agent quotas,
// and merchant reachability checks.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/repositories"
)

var (
	// ErrUnauthorized is returned for missing or unknown API keys.
	ErrUnauthorized = errors.New("access: invalid api key")
	// ErrForbidden is returned for disabled or deleted agents and merchants.
	ErrForbidden = errors.New("access: access denied")
	// ErrUnknownMerchant is returned when the requested merchant does not exist.
	ErrUnknownMerchant = errors.New("access: unknown merchant")
	// ErrRateLimited is matched by every RateLimitedError.
	ErrRateLimited = errors.New("access: rate limit exceeded")
)

// RateLimitedError carries the decision so callers can render Retry-After and quota headers.
type RateLimitedError struct {
	Decision Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("access: %s quota exhausted, retry after %s", e.Decision.Window, e.RetryAfter())
}

// Is matches ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter rounds the wait up to whole seconds, never below one.
func (e *RateLimitedError) RetryAfter() time.Duration {
	wait := e.Decision.RetryAfter.Round(time.Second)
	if wait < e.Decision.RetryAfter {
		wait += time.Second
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// KeyHasher hashes raw API keys into lookup keys.
type KeyHasher interface {
	Hash(apiKey string) string
}

// AgentLookup resolves agents by key hash.
type AgentLookup interface {
	FindByKeyHash(ctx context.Context, keyHash string) (domain.AgentIdentity, error)
}

// MerchantLookup resolves merchants by id.
type MerchantLookup interface {
	FindByID(ctx context.Context, merchantID string) (domain.Merchant, error)
}

// Metrics records rejections.
type Metrics interface {
	RateLimited(ctx context.Context, window string)
}

// ControllerDeps wires the Controller.
type ControllerDeps struct {
	Agents      AgentLookup
	Merchants   MerchantLookup
	Quotas      QuotaStore
	Hasher      KeyHasher
	Tiers       []domain.QuotaTier
	DefaultTier string
	Metrics     Metrics
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// Controller authenticates agents and enforces their quotas.
type Controller struct {
	agents      AgentLookup
	merchants   MerchantLookup
	quotas      QuotaStore
	hasher      KeyHasher
	tiers       map[string]domain.QuotaTier
	defaultTier string
	metrics     Metrics
	clock       func() time.Time
	logger      func(ctx context.Context, event string, fields map[string]any)
}

// NewController validates dependencies and constructs a Controller.
func NewController(deps ControllerDeps) (*Controller, error) {
	if deps.Agents == nil {
		return nil, errors.New("access: agent lookup is required")
	}
	if deps.Merchants == nil {
		return nil, errors.New("access: merchant lookup is required")
	}
	if deps.Quotas == nil {
		return nil, errors.New("access: quota store is required")
	}
	if deps.Hasher == nil {
		return nil, errors.New("access: key hasher is required")
	}
	tiers := make(map[string]domain.QuotaTier, len(deps.Tiers))
	for _, tier := range deps.Tiers {
		name := strings.ToLower(strings.TrimSpace(tier.Name))
		if name == "" || tier.RequestsPerMinute <= 0 || tier.RequestsPerDay <= 0 {
			return nil, fmt.Errorf("access: invalid tier %+v", tier)
		}
		tier.Name = name
		tiers[name] = tier
	}
	defaultTier := strings.ToLower(strings.TrimSpace(deps.DefaultTier))
	if _, ok := tiers[defaultTier]; !ok {
		return nil, fmt.Errorf("access: default tier %q is not configured", deps.DefaultTier)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Controller{
		agents:      deps.Agents,
		merchants:   deps.Merchants,
		quotas:      deps.Quotas,
		hasher:      deps.Hasher,
		tiers:       tiers,
		defaultTier: defaultTier,
		metrics:     deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Authenticate resolves the agent for apiKey with a single keyed lookup of its hash.
func (c *Controller) Authenticate(ctx context.Context, apiKey string) (domain.AgentIdentity, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return domain.AgentIdentity{}, ErrUnauthorized
	}
	agent, err := c.agents.FindByKeyHash(ctx, c.hasher.Hash(apiKey))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return domain.AgentIdentity{}, ErrUnauthorized
		}
		return domain.AgentIdentity{}, fmt.Errorf("access: lookup agent: %w", err)
	}
	if !agent.Active() {
		c.logger(ctx, "access.agent.rejected", map[string]any{
			"agentId": agent.ID,
			"status":  agent.Status,
		})
		return domain.AgentIdentity{}, fmt.Errorf("%w: agent is %s", ErrForbidden, agent.Status)
	}
	agent.Tier = c.resolveTier(agent.Tier)
	return agent, nil
}

// CheckAndConsume atomically admits one request for the agent across the minute and day windows.
// A rejection returns *RateLimitedError alongside the decision.
func (c *Controller) CheckAndConsume(ctx context.Context, agent domain.AgentIdentity, now time.Time) (Decision, error) {
	if now.IsZero() {
		now = c.clock()
	}
	tier := c.resolveTier(agent.Tier)
	decision, err := c.quotas.Consume(ctx, agent.ID, Limits{PerMinute: tier.RequestsPerMinute, PerDay: tier.RequestsPerDay}, now)
	if err != nil {
		return Decision{}, fmt.Errorf("access: consume quota: %w", err)
	}
	if !decision.Allowed {
		if c.metrics != nil {
			c.metrics.RateLimited(ctx, decision.Window)
		}
		c.logger(ctx, "access.rate_limited", map[string]any{
			"agentId": agent.ID,
			"window":  decision.Window,
			"reset":   decision.Reset,
		})
		return decision, &RateLimitedError{Decision: decision}
	}
	return decision, nil
}

// Admit authenticates apiKey and consumes one request from the agent's quota.
func (c *Controller) Admit(ctx context.Context, apiKey string) (domain.AgentIdentity, Decision, error) {
	agent, err := c.Authenticate(ctx, apiKey)
	if err != nil {
		return domain.AgentIdentity{}, Decision{}, err
	}
	decision, err := c.CheckAndConsume(ctx, agent, c.clock())
	return agent, decision, err
}

// AuthorizeMerchant rejects unknown, disabled, or deleted merchants and agents scoped to another merchant.
// It runs before any cache or router work so cached data for a deleted merchant is never served.
func (c *Controller) AuthorizeMerchant(ctx context.Context, agent domain.AgentIdentity, merchantID string) (domain.Merchant, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return domain.Merchant{}, ErrUnknownMerchant
	}
	if agent.MerchantID != "" && agent.MerchantID != merchantID {
		return domain.Merchant{}, fmt.Errorf("%w: agent is not scoped to merchant %s", ErrForbidden, merchantID)
	}
	merchant, err := c.merchants.FindByID(ctx, merchantID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return domain.Merchant{}, ErrUnknownMerchant
		}
		return domain.Merchant{}, fmt.Errorf("access: lookup merchant: %w", err)
	}
	if !merchant.Active() {
		c.logger(ctx, "access.merchant.rejected", map[string]any{
			"agentId":    agent.ID,
			"merchantId": merchantID,
			"status":     merchant.Status,
		})
		return domain.Merchant{}, fmt.Errorf("%w: merchant is %s", ErrForbidden, merchant.Status)
	}
	return merchant, nil
}

// resolveTier fills missing limits from the configured tier of the same name or the default tier.
func (c *Controller) resolveTier(tier domain.QuotaTier) domain.QuotaTier {
	if tier.RequestsPerMinute > 0 && tier.RequestsPerDay > 0 {
		return tier
	}
	if configured, ok := c.tiers[strings.ToLower(strings.TrimSpace(tier.Name))]; ok {
		return configured
	}
	return c.tiers[c.defaultTier]
}
