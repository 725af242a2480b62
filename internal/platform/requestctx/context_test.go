package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger without injection")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatalf("expected injected logger")
	}
}

func TestAgentAndTraceRoundTrip(t *testing.T) {
	outer := WithAgentSlot(context.Background())
	ctx := WithTrace(outer, TraceInfo{TraceID: "abc", SpanID: "def"})
	SetAgentID(ctx, "agent_1")
	if AgentID(outer) != "agent_1" {
		t.Fatalf("expected agent id visible through reserved slot")
	}
	if AgentID(ctx) != "agent_1" {
		t.Fatalf("unexpected agent id %q", AgentID(ctx))
	}
	if TraceID(ctx) != "abc" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
	if AgentID(context.Background()) != "" {
		t.Fatalf("expected empty agent id")
	}
}
