package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentcommerce/gateway/internal/domain"
)

func TestUsagePublisherPublishesBatch(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "gateway-usage")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewUsagePublisher(topic)
	if err != nil {
		t.Fatalf("NewUsagePublisher: %v", err)
	}

	ts := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	events := []domain.UsageEvent{
		{AgentID: "agent_1", MerchantID: "merch_1", Endpoint: "catalog.fetch", CacheHit: true, LatencyMS: 3, StatusCode: 200, Timestamp: ts},
		{MerchantID: "merch_1", Endpoint: "payments.execute", PSPType: domain.PSPAdyen, StatusCode: 200, Outcome: "succeeded", Timestamp: ts},
	}
	if err := publisher.WriteBatch(ctx, events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}

	var payload domain.UsageEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Endpoint != "catalog.fetch" || !payload.CacheHit {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if messages[0].Attributes["agentId"] != "agent_1" {
		t.Fatalf("expected agent attribute, got %v", messages[0].Attributes)
	}
	if _, ok := messages[1].Attributes["agentId"]; ok {
		t.Fatalf("empty agent id should not be set as attribute")
	}
	if messages[1].Attributes["psp"] != "adyen" {
		t.Fatalf("expected psp attribute, got %v", messages[1].Attributes)
	}
}
