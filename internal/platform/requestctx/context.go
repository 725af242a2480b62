package requestctx

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/agentcommerce/gateway/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/agentcommerce/gateway/internal/platform/requestctx/trace"
	agentContextKey  contextKey = "github.com/agentcommerce/gateway/internal/platform/requestctx/agent"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithAgentSlot reserves a slot for the agent id that later middleware fills via SetAgentID.
func WithAgentSlot(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, agentContextKey, new(atomic.Pointer[string]))
}

// SetAgentID records the authenticated agent, creating the slot when none was reserved.
func SetAgentID(ctx context.Context, agentID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	slot, ok := ctx.Value(agentContextKey).(*atomic.Pointer[string])
	if !ok {
		ctx = WithAgentSlot(ctx)
		slot = ctx.Value(agentContextKey).(*atomic.Pointer[string])
	}
	slot.Store(&agentID)
	return ctx
}

// AgentID returns the authenticated agent id, if any.
func AgentID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	slot, ok := ctx.Value(agentContextKey).(*atomic.Pointer[string])
	if !ok {
		return ""
	}
	if id := slot.Load(); id != nil {
		return *id
	}
	return ""
}
