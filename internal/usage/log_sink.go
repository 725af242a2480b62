package usage

import (
	"context"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

// LogSink writes each event as one structured log entry.
type LogSink struct {
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewLogSink wraps a structured logger hook.
func NewLogSink(logger func(ctx context.Context, event string, fields map[string]any)) *LogSink {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// WriteBatch implements Sink.
func (s *LogSink) WriteBatch(ctx context.Context, events []domain.UsageEvent) error {
	for _, event := range events {
		fields := map[string]any{
			"endpoint":   event.Endpoint,
			"statusCode": event.StatusCode,
			"cacheHit":   event.CacheHit,
			"latencyMs":  event.LatencyMS,
			"timestamp":  event.Timestamp,
		}
		if event.AgentID != "" {
			fields["agentId"] = event.AgentID
		}
		if event.MerchantID != "" {
			fields["merchantId"] = event.MerchantID
		}
		if event.PSPType != "" {
			fields["psp"] = event.PSPType
		}
		if event.Outcome != "" {
			fields["outcome"] = event.Outcome
		}
		if event.Stale {
			fields["stale"] = true
		}
		s.logger(ctx, "usage.event", fields)
	}
	return nil
}
