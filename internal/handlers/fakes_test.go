package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentcommerce/gateway/internal/access"
	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/services"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)

const testAPIKey = "ak_live_agent"

var testAgent = domain.AgentIdentity{
	ID:     "agent_1",
	Status: domain.AgentStatusActive,
	Tier:   domain.QuotaTier{Name: "standard", RequestsPerMinute: 100, RequestsPerDay: 10000},
}

type stubAdmitter struct {
	mu      sync.Mutex
	calls   int
	limited bool
}

func (a *stubAdmitter) Admit(_ context.Context, apiKey string) (domain.AgentIdentity, access.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if apiKey != testAPIKey {
		return domain.AgentIdentity{}, access.Decision{}, access.ErrUnauthorized
	}
	reset := time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)
	if a.limited {
		decision := access.Decision{Limit: 100, Remaining: 0, Reset: reset, RetryAfter: 30 * time.Second, Window: access.WindowMinute}
		return testAgent, decision, &access.RateLimitedError{Decision: decision}
	}
	return testAgent, access.Decision{Allowed: true, Limit: 100, Remaining: 99, Reset: reset, Window: access.WindowMinute}, nil
}

type usageSink struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func (s *usageSink) Record(_ context.Context, event domain.UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *usageSink) all() []domain.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.UsageEvent(nil), s.events...)
}

type stubGateway struct {
	search    func(services.ProductSearchQuery) (services.ProductSearchResult, error)
	product   func(services.ProductLookupQuery) (services.ProductLookupResult, error)
	order     func(services.CreateOrderCommand) (domain.Order, error)
	execute   func(services.ExecutePaymentCommand) (domain.PaymentResult, error)
	capture   func(services.CapturePaymentCommand) (domain.PaymentResult, error)
	refund    func(services.RefundPaymentCommand) (domain.PaymentResult, error)
	lastAgent domain.AgentIdentity
}

var _ services.GatewayService = (*stubGateway)(nil)

func (g *stubGateway) SearchProducts(_ context.Context, agent domain.AgentIdentity, q services.ProductSearchQuery) (services.ProductSearchResult, error) {
	g.lastAgent = agent
	return g.search(q)
}

func (g *stubGateway) GetProduct(_ context.Context, agent domain.AgentIdentity, q services.ProductLookupQuery) (services.ProductLookupResult, error) {
	g.lastAgent = agent
	return g.product(q)
}

func (g *stubGateway) CreateOrder(_ context.Context, agent domain.AgentIdentity, cmd services.CreateOrderCommand) (domain.Order, error) {
	g.lastAgent = agent
	return g.order(cmd)
}

func (g *stubGateway) ExecutePayment(_ context.Context, agent domain.AgentIdentity, cmd services.ExecutePaymentCommand) (domain.PaymentResult, error) {
	g.lastAgent = agent
	return g.execute(cmd)
}

func (g *stubGateway) CapturePayment(_ context.Context, agent domain.AgentIdentity, cmd services.CapturePaymentCommand) (domain.PaymentResult, error) {
	g.lastAgent = agent
	return g.capture(cmd)
}

func (g *stubGateway) RefundPayment(_ context.Context, agent domain.AgentIdentity, cmd services.RefundPaymentCommand) (domain.PaymentResult, error) {
	g.lastAgent = agent
	return g.refund(cmd)
}

// newAgentServer mounts the agent routes behind the access middleware the way the gateway binary does.
func newAgentServer(gw *stubGateway, admitter *stubAdmitter, usage *usageSink) http.Handler {
	accessMW := NewAccessMiddleware(AccessDeps{
		Admitter: admitter,
		Usage:    usage,
		Clock:    func() time.Time { return testNow },
	})
	return NewRouter(
		WithAgentMiddlewares(accessMW),
		WithAgentRoutes(Compose(
			NewProductHandlers(gw).Routes,
			NewOrderHandlers(gw).Routes,
			NewPaymentHandlers(gw).Routes,
		)),
	)
}

func agentRequest(method, target string, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(APIKeyHeader, testAPIKey)
	return req
}

type envelope struct {
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code"`
	Timestamp  string `json:"timestamp"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v body=%s", err, rr.Body.String())
	}
	if env.StatusCode != rr.Code || env.Detail == "" || env.Timestamp == "" {
		t.Fatalf("malformed envelope %+v for status %d", env, rr.Code)
	}
	return env
}
