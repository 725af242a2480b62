package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentcommerce/gateway/internal/access"
	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/httpx"
	"github.com/agentcommerce/gateway/internal/platform/requestctx"
)

const (
	// APIKeyHeader carries the agent credential on every agent request.
	APIKeyHeader = "X-API-Key"

	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"

	defaultAuthFailureLimit  = 20
	defaultAuthFailureWindow = time.Minute
)

// Admitter authenticates an API key and consumes one request of the agent's quota.
type Admitter interface {
	Admit(ctx context.Context, apiKey string) (domain.AgentIdentity, access.Decision, error)
}

// UsageRecorder receives one event per agent request.
type UsageRecorder interface {
	Record(ctx context.Context, event domain.UsageEvent)
}

// AccessDeps wires the agent access middleware.
type AccessDeps struct {
	Admitter      Admitter
	Usage         UsageRecorder
	Clock         func() time.Time
	FailureLimit  int
	FailureWindow time.Duration
}

type agentContextKey struct{}

type usageContextKey struct{}

// usageNote lets handlers annotate the request's usage event.
type usageNote struct {
	merchantID string
	psp        domain.PSPType
	cacheHit   bool
	stale      bool
	outcome    string
}

// NewAccessMiddleware authenticates agents, enforces quotas, sets rate-limit headers and
// records one usage event per admitted request.
func NewAccessMiddleware(deps AccessDeps) func(http.Handler) http.Handler {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	failureLimit := deps.FailureLimit
	if failureLimit <= 0 {
		failureLimit = defaultAuthFailureLimit
	}
	failureWindow := deps.FailureWindow
	if failureWindow <= 0 {
		failureWindow = defaultAuthFailureWindow
	}
	failures := newFailureLimiter(failureLimit, failureWindow, clock)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if deps.Admitter == nil {
				httpx.WriteError(ctx, w, httpx.NewError("access control unavailable", http.StatusServiceUnavailable))
				return
			}
			start := clock()
			client := clientIP(r)
			if blocked, retryAfter := failures.Blocked(client); blocked {
				httpx.WriteError(ctx, w, httpx.NewError("too many failed authentication attempts", http.StatusTooManyRequests).
					WithHeader("Retry-After", retryAfterSeconds(retryAfter)))
				return
			}

			apiKey := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if apiKey == "" {
				failures.RecordFailure(client)
				httpx.WriteError(ctx, w, httpx.NewError("missing "+APIKeyHeader+" header", http.StatusUnauthorized))
				return
			}

			agent, decision, err := deps.Admitter.Admit(ctx, apiKey)
			if err != nil {
				var limited *access.RateLimitedError
				switch {
				case errors.As(err, &limited):
					setRateLimitHeaders(w, limited.Decision)
					requestctx.SetAgentID(ctx, agent.ID)
					httpx.WriteError(ctx, w, httpx.NewError("rate limit exceeded for the "+limited.Decision.Window+" window", http.StatusTooManyRequests).
						WithHeader("Retry-After", retryAfterSeconds(limited.RetryAfter())))
					recordUsage(ctx, deps.Usage, agent.ID, r, &usageNote{outcome: "rate_limited"}, http.StatusTooManyRequests, start, clock())
				case errors.Is(err, access.ErrUnauthorized):
					failures.RecordFailure(client)
					writeGatewayError(ctx, w, err)
				default:
					writeGatewayError(ctx, w, err)
				}
				return
			}

			setRateLimitHeaders(w, decision)
			ctx = requestctx.SetAgentID(ctx, agent.ID)
			ctx = context.WithValue(ctx, agentContextKey{}, agent)
			note := &usageNote{}
			ctx = context.WithValue(ctx, usageContextKey{}, note)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			recordUsage(ctx, deps.Usage, agent.ID, r, note, status, start, clock())
		})
	}
}

func agentFromContext(ctx context.Context) (domain.AgentIdentity, bool) {
	agent, ok := ctx.Value(agentContextKey{}).(domain.AgentIdentity)
	return agent, ok && agent.ID != ""
}

func annotateUsage(ctx context.Context, fn func(*usageNote)) {
	if note, ok := ctx.Value(usageContextKey{}).(*usageNote); ok && note != nil {
		fn(note)
	}
}

func recordUsage(ctx context.Context, usage UsageRecorder, agentID string, r *http.Request, note *usageNote, status int, start, end time.Time) {
	if usage == nil {
		return
	}
	merchantID := note.merchantID
	if merchantID == "" {
		merchantID = strings.TrimSpace(r.URL.Query().Get("merchant_id"))
	}
	outcome := note.outcome
	if outcome == "" {
		outcome = outcomeFor(status)
	}
	usage.Record(ctx, domain.UsageEvent{
		AgentID:    agentID,
		MerchantID: merchantID,
		Endpoint:   r.Method + " " + routeFor(r),
		CacheHit:   note.cacheHit,
		Stale:      note.stale,
		LatencyMS:  end.Sub(start).Milliseconds(),
		StatusCode: status,
		PSPType:    note.psp,
		Outcome:    outcome,
		Timestamp:  start.UTC(),
	})
}

func setRateLimitHeaders(w http.ResponseWriter, decision access.Decision) {
	if decision.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set(headerRateLimitLimit, strconv.Itoa(decision.Limit))
	h.Set(headerRateLimitRemaining, strconv.Itoa(max(decision.Remaining, 0)))
	if !decision.Reset.IsZero() {
		h.Set(headerRateLimitReset, strconv.FormatInt(decision.Reset.Unix(), 10))
	}
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

func routeFor(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func outcomeFor(status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return "error"
	case status >= http.StatusBadRequest:
		return "rejected"
	default:
		return "ok"
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
