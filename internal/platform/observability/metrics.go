package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/agentcommerce/gateway"

// Metrics records gateway counters through the global OpenTelemetry meter provider.
type Metrics struct {
	cacheLookups metric.Int64Counter
	failovers    metric.Int64Counter
	rateLimited  metric.Int64Counter
	payments     metric.Int64Counter
}

// NewMetrics registers the gateway instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	cacheLookups, err := meter.Int64Counter("gateway.catalog.cache.lookups",
		metric.WithDescription("Product cache lookups by outcome"))
	if err != nil {
		return nil, err
	}
	failovers, err := meter.Int64Counter("gateway.payments.failovers",
		metric.WithDescription("PSP fail-overs after transient failures"))
	if err != nil {
		return nil, err
	}
	rateLimited, err := meter.Int64Counter("gateway.access.rate_limited",
		metric.WithDescription("Requests rejected by the quota check"))
	if err != nil {
		return nil, err
	}
	payments, err := meter.Int64Counter("gateway.payments.results",
		metric.WithDescription("Payment results by status and provider"))
	if err != nil {
		return nil, err
	}
	return &Metrics{cacheLookups: cacheLookups, failovers: failovers, rateLimited: rateLimited, payments: payments}, nil
}

// CacheLookup counts a cache read; outcome is hit, miss, or stale.
func (m *Metrics) CacheLookup(ctx context.Context, platform, outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("outcome", outcome),
	))
}

// Failover counts a switch from one provider to the next.
func (m *Metrics) Failover(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.failovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RateLimited counts a quota rejection.
func (m *Metrics) RateLimited(ctx context.Context, window string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("window", window)))
}

// PaymentResult counts a terminal payment outcome.
func (m *Metrics) PaymentResult(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	m.payments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}
