package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/agentcommerce/gateway/internal/domain"
)

// UsagePublisher publishes usage events to a Pub/Sub topic for the analytics pipeline.
type UsagePublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewUsagePublisher constructs a Pub/Sub backed usage event publisher.
func NewUsagePublisher(topic *pubsub.Topic) (*UsagePublisher, error) {
	if topic == nil {
		return nil, errors.New("usage publisher: topic is required")
	}
	return &UsagePublisher{topic: topic, marshal: json.Marshal}, nil
}

// Name identifies the sink in logs.
func (p *UsagePublisher) Name() string { return "pubsub" }

// WriteBatch publishes every event and waits for all acknowledgements.
func (p *UsagePublisher) WriteBatch(ctx context.Context, events []domain.UsageEvent) error {
	results := make([]*pubsub.PublishResult, 0, len(events))
	for _, event := range events {
		data, err := p.marshal(event)
		if err != nil {
			return fmt.Errorf("marshal usage event: %w", err)
		}
		attrs := map[string]string{
			"endpoint":   event.Endpoint,
			"statusCode": strconv.Itoa(event.StatusCode),
			"cacheHit":   strconv.FormatBool(event.CacheHit),
		}
		setAttr(attrs, "merchantId", event.MerchantID)
		setAttr(attrs, "agentId", event.AgentID)
		setAttr(attrs, "psp", string(event.PSPType))
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}))
	}

	var errs []error
	for _, result := range results {
		if _, err := result.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish usage events: %d of %d failed: %w", len(errs), len(events), errors.Join(errs...))
	}
	return nil
}

func setAttr(attrs map[string]string, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}
