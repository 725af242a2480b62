package payments

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/idempotency"
	"github.com/agentcommerce/gateway/internal/repositories/memory"
)

type scriptedAdapter struct {
	psp        domain.PSPType
	calls      atomic.Int32
	authorize  func(req AuthorizeRequest) (AdapterResult, error)
	validate   error
	captureErr error
	mu         sync.Mutex
	lastKey    string
	refunds    []RefundRequest
}

func (a *scriptedAdapter) PSP() domain.PSPType { return a.psp }

func (a *scriptedAdapter) Authorize(_ context.Context, req AuthorizeRequest) (AdapterResult, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.lastKey = req.IdempotencyKey
	a.mu.Unlock()
	if a.authorize == nil {
		return AdapterResult{Status: domain.PaymentStatusSucceeded, Reference: string(a.psp) + "_ref"}, nil
	}
	return a.authorize(req)
}

func (a *scriptedAdapter) Capture(_ context.Context, req CaptureRequest) (AdapterResult, error) {
	if a.captureErr != nil {
		return AdapterResult{}, a.captureErr
	}
	return AdapterResult{Status: domain.PaymentStatusCaptured, Reference: req.Reference}, nil
}

func (a *scriptedAdapter) Refund(_ context.Context, req RefundRequest) (AdapterResult, error) {
	a.mu.Lock()
	a.refunds = append(a.refunds, req)
	a.mu.Unlock()
	return AdapterResult{Status: domain.PaymentStatusRefunded, Reference: req.Reference}, nil
}

func (a *scriptedAdapter) ValidateCredentials(context.Context, domain.Credentials) error {
	return a.validate
}

func transientFailure(psp domain.PSPType) func(AuthorizeRequest) (AdapterResult, error) {
	return func(AuthorizeRequest) (AdapterResult, error) {
		return AdapterResult{}, &AdapterError{PSP: psp, Class: ClassTransient, StatusCode: 503, Message: "service unavailable"}
	}
}

type recordingMetrics struct {
	mu        sync.Mutex
	failovers []string
	results   []string
}

func (m *recordingMetrics) Failover(_ context.Context, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failovers = append(m.failovers, from+"->"+to)
}

func (m *recordingMetrics) PaymentResult(_ context.Context, provider, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, provider+":"+status)
}

type recordingUsage struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func (u *recordingUsage) Record(_ context.Context, event domain.UsageEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, event)
}

func (u *recordingUsage) snapshot() []domain.UsageEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]domain.UsageEvent(nil), u.events...)
}

type routerFixture struct {
	router   *Router
	bindings *memory.CredentialStore
	payments *memory.PaymentRepository
	stripe   *scriptedAdapter
	adyen    *scriptedAdapter
	metrics  *recordingMetrics
	usage    *recordingUsage
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

	fx := &routerFixture{
		bindings: memory.NewCredentialStore(),
		payments: memory.NewPaymentRepository(),
		stripe:   &scriptedAdapter{psp: domain.PSPStripe},
		adyen:    &scriptedAdapter{psp: domain.PSPAdyen},
		metrics:  &recordingMetrics{},
		usage:    &recordingUsage{},
	}
	for i, psp := range []domain.PSPType{domain.PSPStripe, domain.PSPAdyen} {
		if err := fx.bindings.SaveBinding(ctx, domain.MerchantPSPBinding{
			MerchantID:      "merch_1",
			PSPType:         psp,
			Credentials:     domain.Credentials{PSPType: psp, Payload: map[string]string{"api_key": "k"}},
			Status:          domain.BindingStatusActive,
			RoutingPriority: i + 1,
		}); err != nil {
			t.Fatalf("save binding: %v", err)
		}
	}
	registry, err := NewRegistry(fx.stripe, fx.adyen)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	var seq atomic.Int32
	fx.router, err = NewRouter(RouterDeps{
		Bindings:    fx.bindings,
		Adapters:    registry,
		Idempotency: idempotency.NewMemoryStore(),
		Payments:    fx.payments,
		Usage:       fx.usage,
		Metrics:     fx.metrics,
		Clock:       func() time.Time { return now },
		IDGenerator: func() string { return fmt.Sprintf("pay_%d", seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return fx
}

func paymentRequest(key string) PaymentRequest {
	return PaymentRequest{
		MerchantID:     "merch_1",
		AgentID:        "agent_1",
		OrderID:        "o1",
		Amount:         domain.Money{Amount: 4800, Currency: "USD"},
		IdempotencyKey: key,
	}
}

func TestRouterFailsOverOnTransientFailure(t *testing.T) {
	fx := newRouterFixture(t)
	fx.stripe.authorize = transientFailure(domain.PSPStripe)

	result, err := fx.router.ExecutePayment(context.Background(), paymentRequest("k1"))
	if err != nil {
		t.Fatalf("execute payment: %v", err)
	}
	if result.Status != domain.PaymentStatusSucceeded || result.PSPType != domain.PSPAdyen {
		t.Fatalf("expected success via adyen, got %s via %s", result.Status, result.PSPType)
	}
	if result.ProviderReference != "adyen_ref" {
		t.Fatalf("unexpected reference %q", result.ProviderReference)
	}
	if len(result.Attempts) != 2 || result.Attempts[0].Status != domain.PaymentStatusFailedRetryable {
		t.Fatalf("unexpected attempts %+v", result.Attempts)
	}
	if got := fx.metrics.failovers; len(got) != 1 || got[0] != "stripe->adyen" {
		t.Fatalf("expected one failover, got %v", got)
	}
	events := fx.usage.snapshot()
	if len(events) != 1 || events[0].Endpoint != "payments.execute" || events[0].PSPType != domain.PSPAdyen {
		t.Fatalf("unexpected usage events %+v", events)
	}
	stored, err := fx.payments.GetPayment(context.Background(), "merch_1", result.ID)
	if err != nil || stored.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("expected stored payment, got %+v (%v)", stored, err)
	}
}

func TestRouterDoesNotFailOverOnDecline(t *testing.T) {
	fx := newRouterFixture(t)
	fx.stripe.authorize = func(AuthorizeRequest) (AdapterResult, error) {
		return AdapterResult{Status: domain.PaymentStatusDeclined, Reference: "pi_1", DeclineCode: "insufficient_funds"},
			&AdapterError{PSP: domain.PSPStripe, Class: ClassDeclined, Code: "insufficient_funds"}
	}

	result, err := fx.router.ExecutePayment(context.Background(), paymentRequest("k1"))
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if result.Status != domain.PaymentStatusDeclined || result.DeclineCode != "insufficient_funds" {
		t.Fatalf("unexpected result %+v", result)
	}
	if fx.adyen.calls.Load() != 0 {
		t.Fatalf("decline must not fail over")
	}
	if len(fx.metrics.failovers) != 0 {
		t.Fatalf("unexpected failovers %v", fx.metrics.failovers)
	}
}

func TestRouterReplaysStoredResult(t *testing.T) {
	fx := newRouterFixture(t)
	fx.stripe.authorize = transientFailure(domain.PSPStripe)
	ctx := context.Background()

	first, err := fx.router.ExecutePayment(ctx, paymentRequest("k1"))
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	second, err := fx.router.ExecutePayment(ctx, paymentRequest("k1"))
	if err != nil {
		t.Fatalf("replayed payment: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay differs:\nfirst=%+v\nsecond=%+v", first, second)
	}
	if fx.stripe.calls.Load() != 1 || fx.adyen.calls.Load() != 1 {
		t.Fatalf("replay contacted a psp: stripe=%d adyen=%d", fx.stripe.calls.Load(), fx.adyen.calls.Load())
	}
	events := fx.usage.snapshot()
	if len(events) != 2 || events[1].Outcome != "replay" {
		t.Fatalf("expected replay usage event, got %+v", events)
	}
}

func TestRouterStoredResultReadsWithoutReserving(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()

	if _, ok, err := fx.router.StoredResult(ctx, "merch_1", "k1"); err != nil || ok {
		t.Fatalf("expected no stored result, ok=%v err=%v", ok, err)
	}
	first, err := fx.router.ExecutePayment(ctx, paymentRequest("k1"))
	if err != nil {
		t.Fatalf("payment after lookup: %v", err)
	}
	stored, ok, err := fx.router.StoredResult(ctx, "merch_1", "k1")
	if err != nil || !ok {
		t.Fatalf("expected stored result, ok=%v err=%v", ok, err)
	}
	if stored.ID != first.ID || stored.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("unexpected stored result %+v", stored)
	}
	if _, ok, _ := fx.router.StoredResult(ctx, "merch_2", "k1"); ok {
		t.Fatalf("stored results must be scoped per merchant")
	}
	if fx.stripe.calls.Load() != 1 {
		t.Fatalf("lookups must not contact a psp, stripe=%d", fx.stripe.calls.Load())
	}
}

func TestRouterSerialisesConcurrentCallsWithSameKey(t *testing.T) {
	fx := newRouterFixture(t)
	release := make(chan struct{})
	fx.stripe.authorize = func(AuthorizeRequest) (AdapterResult, error) {
		<-release
		return AdapterResult{Status: domain.PaymentStatusSucceeded, Reference: "pi_once"}, nil
	}

	const callers = 20
	results := make([]domain.PaymentResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.router.ExecutePayment(context.Background(), paymentRequest("k1"))
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := fx.stripe.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !reflect.DeepEqual(results[i], results[0]) {
			t.Fatalf("caller %d received a different result", i)
		}
	}
}

func TestRouterReportsExhaustion(t *testing.T) {
	fx := newRouterFixture(t)
	fx.stripe.authorize = transientFailure(domain.PSPStripe)
	fx.adyen.authorize = transientFailure(domain.PSPAdyen)

	result, err := fx.router.ExecutePayment(context.Background(), paymentRequest("k1"))
	if !errors.Is(err, ErrAllPSPsExhausted) {
		t.Fatalf("expected ErrAllPSPsExhausted, got %v", err)
	}
	if result.Status != domain.PaymentStatusFailedTerminal || len(result.Attempts) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := fx.router.ExecutePayment(context.Background(), paymentRequest("k1")); !errors.Is(err, ErrAllPSPsExhausted) {
		t.Fatalf("expected replayed exhaustion, got %v", err)
	}
	if fx.stripe.calls.Load() != 1 {
		t.Fatalf("exhausted result must be replayed, not retried")
	}
}

func TestRouterInvalidatesBindingOnRejectedCredentials(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()
	fx.stripe.authorize = func(AuthorizeRequest) (AdapterResult, error) {
		return AdapterResult{}, &AdapterError{PSP: domain.PSPStripe, Class: ClassTerminal, StatusCode: 401, Err: ErrInvalidCredentials}
	}

	_, err := fx.router.ExecutePayment(ctx, paymentRequest("k1"))
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if fx.adyen.calls.Load() != 0 {
		t.Fatalf("terminal failure must not fail over")
	}
	bindings, _ := fx.bindings.GetPSPBindings(ctx, "merch_1")
	if bindings[0].PSPType != domain.PSPStripe || bindings[0].Status != domain.BindingStatusInvalid {
		t.Fatalf("expected stripe binding invalid, got %+v", bindings[0])
	}

	result, err := fx.router.ExecutePayment(ctx, paymentRequest("k2"))
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if result.PSPType != domain.PSPAdyen || fx.stripe.calls.Load() != 1 {
		t.Fatalf("invalid binding must be excluded from routing")
	}
}

func TestRouterWithoutBindingsReleasesKey(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()
	req := paymentRequest("k1")
	req.MerchantID = "merch_2"

	if _, err := fx.router.ExecutePayment(ctx, req); !errors.Is(err, ErrNoActiveBinding) {
		t.Fatalf("expected ErrNoActiveBinding, got %v", err)
	}
	if err := fx.bindings.SaveBinding(ctx, domain.MerchantPSPBinding{
		MerchantID: "merch_2",
		PSPType:    domain.PSPAdyen,
		Status:     domain.BindingStatusActive,
	}); err != nil {
		t.Fatalf("save binding: %v", err)
	}
	result, err := fx.router.ExecutePayment(ctx, req)
	if err != nil || result.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("expected retry with released key to succeed, got %+v (%v)", result, err)
	}
}

func TestRouterRejectsKeyReuseForDifferentPayment(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()
	if _, err := fx.router.ExecutePayment(ctx, paymentRequest("k1")); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	other := paymentRequest("k1")
	other.Amount.Amount = 100
	if _, err := fx.router.ExecutePayment(ctx, other); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestRouterScopesKeysPerPSP(t *testing.T) {
	fx := newRouterFixture(t)
	fx.stripe.authorize = transientFailure(domain.PSPStripe)
	if _, err := fx.router.ExecutePayment(context.Background(), paymentRequest("k1")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fx.stripe.lastKey == fx.adyen.lastKey || fx.stripe.lastKey == "" {
		t.Fatalf("expected distinct provider idempotency keys, got %q and %q", fx.stripe.lastKey, fx.adyen.lastKey)
	}
}

func TestRouterValidatesRequest(t *testing.T) {
	fx := newRouterFixture(t)
	cases := map[string]func(*PaymentRequest){
		"missing key":      func(r *PaymentRequest) { r.IdempotencyKey = "" },
		"missing merchant": func(r *PaymentRequest) { r.MerchantID = "" },
		"zero amount":      func(r *PaymentRequest) { r.Amount.Amount = 0 },
		"missing currency": func(r *PaymentRequest) { r.Amount.Currency = "" },
	}
	for name, mutate := range cases {
		req := paymentRequest("k1")
		mutate(&req)
		if _, err := fx.router.ExecutePayment(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
}

func TestRouterCaptureAndRefund(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()

	authorised, err := fx.router.ExecutePayment(ctx, paymentRequest("k1"))
	if err != nil {
		t.Fatalf("authorise: %v", err)
	}
	if _, err := fx.router.Refund(ctx, RefundInput{MerchantID: "merch_1", PaymentID: authorised.ID}); !errors.Is(err, ErrInvalidPaymentState) {
		t.Fatalf("expected refund before capture to fail, got %v", err)
	}

	captured, err := fx.router.Capture(ctx, CaptureInput{MerchantID: "merch_1", PaymentID: authorised.ID})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if captured.Status != domain.PaymentStatusCaptured {
		t.Fatalf("expected captured, got %s", captured.Status)
	}
	refunded, err := fx.router.Refund(ctx, RefundInput{MerchantID: "merch_1", PaymentID: authorised.ID, Reason: "requested_by_customer"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	if _, err := fx.router.Capture(ctx, CaptureInput{MerchantID: "merch_1", PaymentID: "missing"}); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestRouterPartialRefundsUntilFullyRefunded(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()

	authorised, err := fx.router.ExecutePayment(ctx, paymentRequest("k1"))
	if err != nil {
		t.Fatalf("authorise: %v", err)
	}
	if _, err := fx.router.Capture(ctx, CaptureInput{MerchantID: "merch_1", PaymentID: authorised.ID}); err != nil {
		t.Fatalf("capture: %v", err)
	}

	partial, err := fx.router.Refund(ctx, RefundInput{MerchantID: "merch_1", PaymentID: authorised.ID, Amount: domain.Money{Amount: 1000, Currency: "USD"}})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if partial.Status != domain.PaymentStatusCaptured || partial.RefundedMinor != 1000 {
		t.Fatalf("expected captured with 1000 refunded, got %s/%d", partial.Status, partial.RefundedMinor)
	}

	if _, err := fx.router.Refund(ctx, RefundInput{MerchantID: "merch_1", PaymentID: authorised.ID, Amount: domain.Money{Amount: 3801, Currency: "USD"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected refund above the remainder to fail, got %v", err)
	}
	if _, err := fx.router.Refund(ctx, RefundInput{MerchantID: "merch_1", PaymentID: authorised.ID, Amount: domain.Money{Amount: 100, Currency: "EUR"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected currency mismatch to fail, got %v", err)
	}

	rest, err := fx.router.Refund(ctx, RefundInput{MerchantID: "merch_1", PaymentID: authorised.ID})
	if err != nil {
		t.Fatalf("refund remainder: %v", err)
	}
	if rest.Status != domain.PaymentStatusRefunded || rest.RefundedMinor != 4800 {
		t.Fatalf("expected fully refunded, got %s/%d", rest.Status, rest.RefundedMinor)
	}

	fx.stripe.mu.Lock()
	refunds := append([]RefundRequest(nil), fx.stripe.refunds...)
	fx.stripe.mu.Unlock()
	if len(refunds) != 2 {
		t.Fatalf("expected two provider refunds, got %d", len(refunds))
	}
	if refunds[1].Amount.Amount != 3800 {
		t.Fatalf("expected remainder of 3800, got %d", refunds[1].Amount.Amount)
	}
	if refunds[0].IdempotencyKey == refunds[1].IdempotencyKey {
		t.Fatalf("partial refunds must use distinct provider keys, both %q", refunds[0].IdempotencyKey)
	}

	if _, err := fx.router.Refund(ctx, RefundInput{MerchantID: "merch_1", PaymentID: authorised.ID}); !errors.Is(err, ErrInvalidPaymentState) {
		t.Fatalf("expected refund of a refunded payment to fail, got %v", err)
	}
}

func TestRouterCapturePropagatesAdapterErrors(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()
	authorised, err := fx.router.ExecutePayment(ctx, paymentRequest("k1"))
	if err != nil {
		t.Fatalf("authorise: %v", err)
	}
	fx.stripe.captureErr = &AdapterError{PSP: domain.PSPStripe, Class: ClassTransient, StatusCode: 502}
	if _, err := fx.router.Capture(ctx, CaptureInput{MerchantID: "merch_1", PaymentID: authorised.ID}); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient capture failure, got %v", err)
	}
	stored, _ := fx.payments.GetPayment(ctx, "merch_1", authorised.ID)
	if stored.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("failed capture must not change status, got %s", stored.Status)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{&AdapterError{Class: ClassDeclined}, ClassDeclined},
		{fmt.Errorf("wrapped: %w", &AdapterError{Class: ClassTransient}), ClassTransient},
		{context.DeadlineExceeded, ClassTransient},
		{errors.New("boom"), ClassTerminal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	invalid := &AdapterError{Class: ClassTerminal, Err: ErrInvalidCredentials}
	if !errors.Is(invalid, ErrTerminal) || !errors.Is(invalid, ErrInvalidCredentials) {
		t.Fatalf("expected adapter error to unwrap to class and cause")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(&scriptedAdapter{psp: domain.PSPStripe}, &scriptedAdapter{psp: "STRIPE"}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	reg, err := NewRegistry(&scriptedAdapter{psp: domain.PSPStripe})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := reg.Adapter("paypal"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}
