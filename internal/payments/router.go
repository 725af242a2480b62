package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/idempotency"
	"github.com/agentcommerce/gateway/internal/repositories"
)

// DefaultTimeout bounds every adapter call.
const DefaultTimeout = 30 * time.Second

var (
	// ErrInvalidRequest is returned for malformed payment input.
	ErrInvalidRequest = errors.New("payments: invalid request")
	// ErrNoActiveBinding is returned when the merchant has no routable PSP binding.
	ErrNoActiveBinding = errors.New("payments: merchant has no active psp binding")
	// ErrAllPSPsExhausted is returned when every bound PSP failed transiently.
	ErrAllPSPsExhausted = errors.New("payments: all payment providers exhausted")
	// ErrIdempotencyConflict is returned when a key is reused for a different payment.
	ErrIdempotencyConflict = errors.New("payments: idempotency key reused with different parameters")
	// ErrPaymentInProgress is returned when another attempt holds the key without a stored result.
	ErrPaymentInProgress = errors.New("payments: payment with this idempotency key is in progress")
	// ErrPaymentNotFound is returned when capture or refund references an unknown payment.
	ErrPaymentNotFound = errors.New("payments: payment not found")
	// ErrInvalidPaymentState is returned when a payment cannot move to the requested state.
	ErrInvalidPaymentState = errors.New("payments: invalid payment state")
)

// BindingStore is the slice of the credential store the payments package needs.
type BindingStore interface {
	GetPSPBindings(ctx context.Context, merchantID string) ([]domain.MerchantPSPBinding, error)
	SaveBinding(ctx context.Context, binding domain.MerchantPSPBinding) error
	UpdateBindingStatus(ctx context.Context, merchantID string, psp domain.PSPType, status domain.BindingStatus, reason string, at time.Time) error
}

// PaymentStore persists payment outcomes for capture and refund lookups.
type PaymentStore interface {
	SavePayment(ctx context.Context, payment domain.PaymentResult) error
	GetPayment(ctx context.Context, merchantID, paymentID string) (domain.PaymentResult, error)
}

// UsageRecorder receives one event per router call.
type UsageRecorder interface {
	Record(ctx context.Context, event domain.UsageEvent)
}

// Metrics records fail-overs and outcomes.
type Metrics interface {
	Failover(ctx context.Context, from, to string)
	PaymentResult(ctx context.Context, provider, status string)
}

// RouterDeps wires the router.
type RouterDeps struct {
	Bindings       BindingStore
	Adapters       *Registry
	Idempotency    idempotency.Store
	Payments       PaymentStore
	Locker         *idempotency.KeyedLocker
	Usage          UsageRecorder
	Metrics        Metrics
	Clock          func() time.Time
	Timeout        time.Duration
	IdempotencyTTL time.Duration
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

// Router executes payments over a merchant's PSP bindings in priority order.
type Router struct {
	bindings BindingStore
	adapters *Registry
	store    idempotency.Store
	payments PaymentStore
	locker   *idempotency.KeyedLocker
	usage    UsageRecorder
	metrics  Metrics
	clock    func() time.Time
	timeout  time.Duration
	ttl      time.Duration
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewRouter validates dependencies and constructs a Router.
func NewRouter(deps RouterDeps) (*Router, error) {
	if deps.Bindings == nil {
		return nil, errors.New("payments: binding store is required")
	}
	if deps.Adapters == nil {
		return nil, errors.New("payments: adapter registry is required")
	}
	if deps.Idempotency == nil {
		return nil, errors.New("payments: idempotency store is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payments: payment store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	locker := deps.Locker
	if locker == nil {
		locker = idempotency.NewKeyedLocker()
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	r := &Router{
		bindings: deps.Bindings,
		adapters: deps.Adapters,
		store:    deps.Idempotency,
		payments: deps.Payments,
		locker:   locker,
		usage:    deps.Usage,
		metrics:  deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		timeout: timeout,
		ttl:     ttl,
		newID:   deps.IDGenerator,
		logger:  logger,
	}
	if r.newID == nil {
		r.newID = func() string {
			return "pay_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(r.clock()), ulid.DefaultEntropy()).String())
		}
	}
	return r, nil
}

// PaymentRequest is one logical payment.
type PaymentRequest struct {
	MerchantID     string
	AgentID        string
	OrderID        string
	Amount         domain.Money
	PaymentMethod  string
	Description    string
	IdempotencyKey string
}

// ExecutePayment authorises req exactly once per (merchant, idempotency key).
// Concurrent calls with the same key serialise; later callers receive the stored result without contacting any PSP.
// The returned error reflects the result status: ErrDeclined, ErrAllPSPsExhausted or ErrTerminal.
func (r *Router) ExecutePayment(ctx context.Context, req PaymentRequest) (domain.PaymentResult, error) {
	start := r.clock()
	if err := validatePaymentRequest(req); err != nil {
		return domain.PaymentResult{}, err
	}

	key := idempotency.Key{MerchantID: req.MerchantID, Value: req.IdempotencyKey}
	unlock, err := r.locker.Lock(ctx, key.ID())
	if err != nil {
		return domain.PaymentResult{}, err
	}
	defer unlock()

	fingerprint := idempotency.Fingerprint(req.OrderID, strconv.FormatInt(req.Amount.Amount, 10), req.Amount.Currency)
	reservation, err := r.store.Reserve(ctx, key, fingerprint, start, r.ttl)
	if err != nil {
		if errors.Is(err, idempotency.ErrFingerprintMismatch) {
			return domain.PaymentResult{}, ErrIdempotencyConflict
		}
		return domain.PaymentResult{}, fmt.Errorf("payments: reserve idempotency key: %w", err)
	}

	switch reservation.State {
	case idempotency.ReservationStateCompleted:
		var stored domain.PaymentResult
		if err := json.Unmarshal(reservation.Record.Result, &stored); err != nil {
			return domain.PaymentResult{}, fmt.Errorf("payments: decode stored result: %w", err)
		}
		r.logger(ctx, "payments.router.replay", map[string]any{
			"merchantId": req.MerchantID,
			"paymentId":  stored.ID,
			"status":     stored.Status,
		})
		r.record(ctx, req, stored, start, "replay")
		return stored, outcomeError(stored)
	case idempotency.ReservationStatePending:
		return domain.PaymentResult{}, ErrPaymentInProgress
	}

	// Dispatch survives caller cancellation so the reservation always ends completed or released.
	dispatchCtx := context.WithoutCancel(ctx)
	result, dispatched, err := r.dispatch(dispatchCtx, req, key, start)
	if err != nil || !dispatched {
		if releaseErr := r.store.Release(dispatchCtx, key, fingerprint); releaseErr != nil {
			r.logger(ctx, "payments.router.release_failed", map[string]any{
				"merchantId": req.MerchantID,
				"error":      releaseErr.Error(),
			})
		}
		if err == nil {
			err = ErrNoActiveBinding
		}
		return domain.PaymentResult{}, err
	}

	if err := r.payments.SavePayment(dispatchCtx, result); err != nil {
		r.logger(ctx, "payments.router.persist_failed", map[string]any{
			"merchantId": req.MerchantID,
			"paymentId":  result.ID,
			"error":      err.Error(),
		})
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("payments: encode result: %w", err)
	}
	if err := r.store.Complete(dispatchCtx, key, fingerprint, encoded, r.clock(), r.ttl); err != nil {
		r.logger(ctx, "payments.router.complete_failed", map[string]any{
			"merchantId": req.MerchantID,
			"paymentId":  result.ID,
			"error":      err.Error(),
		})
	}

	if r.metrics != nil {
		r.metrics.PaymentResult(ctx, string(result.PSPType), string(result.Status))
	}
	r.record(ctx, req, result, start, string(result.Status))
	return result, outcomeError(result)
}

// StoredResult returns the completed result recorded under a merchant's idempotency key, if any.
// It never reserves the key, so a miss does not block a later ExecutePayment.
func (r *Router) StoredResult(ctx context.Context, merchantID, idempotencyKey string) (domain.PaymentResult, bool, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return domain.PaymentResult{}, false, nil
	}
	key := idempotency.Key{MerchantID: merchantID, Value: idempotencyKey}
	record, ok, err := r.store.Lookup(ctx, key, r.clock())
	if err != nil {
		return domain.PaymentResult{}, false, fmt.Errorf("payments: lookup idempotency key: %w", err)
	}
	if !ok || record.Status != idempotency.StatusCompleted {
		return domain.PaymentResult{}, false, nil
	}
	var stored domain.PaymentResult
	if err := json.Unmarshal(record.Result, &stored); err != nil {
		return domain.PaymentResult{}, false, fmt.Errorf("payments: decode stored result: %w", err)
	}
	return stored, true, nil
}

func (r *Router) dispatch(ctx context.Context, req PaymentRequest, key idempotency.Key, now time.Time) (domain.PaymentResult, bool, error) {
	bindings, err := r.bindings.GetPSPBindings(ctx, req.MerchantID)
	if err != nil {
		return domain.PaymentResult{}, false, fmt.Errorf("payments: load bindings: %w", err)
	}
	active := activeBindings(bindings)

	result := domain.PaymentResult{
		ID:         r.newID(),
		MerchantID: req.MerchantID,
		OrderID:    req.OrderID,
		AgentID:    req.AgentID,
		Amount:     req.Amount,
		Status:     domain.PaymentStatusPending,
		CreatedAt:  now,
	}

	dispatched := false
	for i, binding := range active {
		adapter, err := r.adapters.Adapter(binding.PSPType)
		if err != nil {
			r.logger(ctx, "payments.router.binding_skipped", map[string]any{
				"merchantId": req.MerchantID,
				"psp":        binding.PSPType,
				"error":      err.Error(),
			})
			continue
		}
		dispatched = true
		result.Status = advance(result.Status, domain.PaymentStatusDispatched)
		result.PSPType = binding.PSPType

		callStart := r.clock()
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		outcome, callErr := adapter.Authorize(callCtx, AuthorizeRequest{
			Credentials:    binding.Credentials,
			MerchantID:     req.MerchantID,
			OrderID:        req.OrderID,
			Amount:         req.Amount,
			PaymentMethod:  req.PaymentMethod,
			Description:    req.Description,
			IdempotencyKey: key.ID() + "-" + string(binding.PSPType),
			Metadata:       map[string]string{"payment_id": result.ID},
		})
		cancel()

		attempt := domain.PaymentAttempt{
			PSPType:   binding.PSPType,
			Reference: outcome.Reference,
			LatencyMS: r.clock().Sub(callStart).Milliseconds(),
		}

		if callErr == nil {
			attempt.Status = domain.PaymentStatusSucceeded
			result.Attempts = append(result.Attempts, attempt)
			result.Status = advance(result.Status, domain.PaymentStatusSucceeded)
			result.ProviderReference = outcome.Reference
			result.ProviderStatus = outcome.ProviderStatus
			result.Error = ""
			break
		}

		attempt.Error = callErr.Error()
		switch Classify(callErr) {
		case ClassTransient:
			attempt.Status = domain.PaymentStatusFailedRetryable
			result.Attempts = append(result.Attempts, attempt)
			result.Status = advance(result.Status, domain.PaymentStatusFailedRetryable)
			result.Error = callErr.Error()
			if next := nextRoutable(r.adapters, active[i+1:]); next != "" {
				if r.metrics != nil {
					r.metrics.Failover(ctx, string(binding.PSPType), string(next))
				}
				r.logger(ctx, "payments.router.failover", map[string]any{
					"merchantId": req.MerchantID,
					"paymentId":  result.ID,
					"from":       binding.PSPType,
					"to":         next,
					"error":      callErr.Error(),
				})
			}
			continue
		case ClassDeclined:
			attempt.Status = domain.PaymentStatusDeclined
			result.Attempts = append(result.Attempts, attempt)
			result.Status = advance(result.Status, domain.PaymentStatusDeclined)
			result.ProviderReference = outcome.Reference
			result.ProviderStatus = outcome.ProviderStatus
			result.DeclineCode = declineCode(outcome, callErr)
			result.Error = callErr.Error()
		default:
			attempt.Status = domain.PaymentStatusFailedTerminal
			result.Attempts = append(result.Attempts, attempt)
			result.Status = advance(result.Status, domain.PaymentStatusFailedTerminal)
			result.Error = callErr.Error()
			r.logger(ctx, "payments.router.terminal", map[string]any{
				"merchantId": req.MerchantID,
				"paymentId":  result.ID,
				"psp":        binding.PSPType,
				"error":      callErr.Error(),
			})
			if errors.Is(callErr, ErrInvalidCredentials) {
				r.invalidate(ctx, binding, callErr)
			}
		}
		break
	}

	if !dispatched {
		return domain.PaymentResult{}, false, nil
	}
	if result.Status == domain.PaymentStatusFailedRetryable {
		result.Status = advance(result.Status, domain.PaymentStatusFailedTerminal)
		r.logger(ctx, "payments.router.exhausted", map[string]any{
			"merchantId": req.MerchantID,
			"paymentId":  result.ID,
			"attempts":   len(result.Attempts),
		})
	}
	result.UpdatedAt = r.clock()
	return result, true, nil
}

func (r *Router) invalidate(ctx context.Context, binding domain.MerchantPSPBinding, cause error) {
	if err := r.bindings.UpdateBindingStatus(ctx, binding.MerchantID, binding.PSPType, domain.BindingStatusInvalid, cause.Error(), r.clock()); err != nil {
		r.logger(ctx, "payments.router.invalidate_failed", map[string]any{
			"merchantId": binding.MerchantID,
			"psp":        binding.PSPType,
			"error":      err.Error(),
		})
	}
}

// CaptureInput captures a stored payment. A zero Amount captures the authorised amount.
type CaptureInput struct {
	MerchantID     string
	AgentID        string
	PaymentID      string
	Amount         domain.Money
	IdempotencyKey string
}

// Capture captures a succeeded authorisation through the PSP that produced it.
func (r *Router) Capture(ctx context.Context, in CaptureInput) (domain.PaymentResult, error) {
	start := r.clock()
	payment, binding, adapter, err := r.resolvePayment(ctx, in.MerchantID, in.PaymentID)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		return domain.PaymentResult{}, fmt.Errorf("%w: cannot capture %s payment", ErrInvalidPaymentState, payment.Status)
	}
	amount := in.Amount
	if amount.Amount <= 0 {
		amount = payment.Amount
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	_, err = adapter.Capture(callCtx, CaptureRequest{
		Credentials:    binding.Credentials,
		Reference:      payment.ProviderReference,
		Amount:         amount,
		IdempotencyKey: modificationKey(in.IdempotencyKey, payment.ID, "capture"),
	})
	if err != nil {
		r.recordModification(ctx, "payments.capture", in.AgentID, payment, start, err)
		return domain.PaymentResult{}, err
	}
	return r.transition(ctx, "payments.capture", in.AgentID, payment, domain.PaymentStatusCaptured, start)
}

// RefundInput refunds a captured payment. A zero Amount refunds whatever has not been refunded yet.
type RefundInput struct {
	MerchantID     string
	AgentID        string
	PaymentID      string
	Amount         domain.Money
	Reason         string
	IdempotencyKey string
}

// Refund returns money through the PSP that produced the payment. Partial refunds keep the payment
// captured until the full amount has been returned.
func (r *Router) Refund(ctx context.Context, in RefundInput) (domain.PaymentResult, error) {
	start := r.clock()
	payment, binding, adapter, err := r.resolvePayment(ctx, in.MerchantID, in.PaymentID)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	if payment.Status != domain.PaymentStatusCaptured {
		return domain.PaymentResult{}, fmt.Errorf("%w: cannot refund %s payment", ErrInvalidPaymentState, payment.Status)
	}
	remaining := payment.Amount.Amount - payment.RefundedMinor
	amount := domain.Money{Amount: remaining, Currency: payment.Amount.Currency}
	if in.Amount.Amount > 0 {
		if in.Amount.Currency != "" && in.Amount.Currency != payment.Amount.Currency {
			return domain.PaymentResult{}, fmt.Errorf("%w: refund currency %s differs from payment currency %s", ErrInvalidRequest, in.Amount.Currency, payment.Amount.Currency)
		}
		if in.Amount.Amount > remaining {
			return domain.PaymentResult{}, fmt.Errorf("%w: refund of %d exceeds refundable %d", ErrInvalidRequest, in.Amount.Amount, remaining)
		}
		amount.Amount = in.Amount.Amount
	}

	// Without a caller key each partial refund gets its own provider key.
	key := modificationKey(in.IdempotencyKey, payment.ID, "refund-"+strconv.FormatInt(payment.RefundedMinor, 10))
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	_, err = adapter.Refund(callCtx, RefundRequest{
		Credentials:    binding.Credentials,
		Reference:      payment.ProviderReference,
		Amount:         amount,
		Reason:         in.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		r.recordModification(ctx, "payments.refund", in.AgentID, payment, start, err)
		return domain.PaymentResult{}, err
	}
	payment.RefundedMinor += amount.Amount
	if payment.RefundedMinor < payment.Amount.Amount {
		return r.transition(ctx, "payments.refund", in.AgentID, payment, domain.PaymentStatusCaptured, start)
	}
	return r.transition(ctx, "payments.refund", in.AgentID, payment, domain.PaymentStatusRefunded, start)
}

func (r *Router) resolvePayment(ctx context.Context, merchantID, paymentID string) (domain.PaymentResult, domain.MerchantPSPBinding, Adapter, error) {
	if strings.TrimSpace(merchantID) == "" || strings.TrimSpace(paymentID) == "" {
		return domain.PaymentResult{}, domain.MerchantPSPBinding{}, nil, fmt.Errorf("%w: merchant and payment id are required", ErrInvalidRequest)
	}
	payment, err := r.payments.GetPayment(ctx, merchantID, paymentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return domain.PaymentResult{}, domain.MerchantPSPBinding{}, nil, ErrPaymentNotFound
		}
		return domain.PaymentResult{}, domain.MerchantPSPBinding{}, nil, fmt.Errorf("payments: load payment: %w", err)
	}
	bindings, err := r.bindings.GetPSPBindings(ctx, merchantID)
	if err != nil {
		return domain.PaymentResult{}, domain.MerchantPSPBinding{}, nil, fmt.Errorf("payments: load bindings: %w", err)
	}
	for _, binding := range bindings {
		if binding.PSPType != payment.PSPType || binding.Status == domain.BindingStatusDisabled {
			continue
		}
		adapter, err := r.adapters.Adapter(binding.PSPType)
		if err != nil {
			return domain.PaymentResult{}, domain.MerchantPSPBinding{}, nil, err
		}
		return payment, binding, adapter, nil
	}
	return domain.PaymentResult{}, domain.MerchantPSPBinding{}, nil, fmt.Errorf("%w: %s", ErrNoActiveBinding, payment.PSPType)
}

func (r *Router) transition(ctx context.Context, endpoint, agentID string, payment domain.PaymentResult, to domain.PaymentStatus, start time.Time) (domain.PaymentResult, error) {
	payment.Status = advance(payment.Status, to)
	payment.UpdatedAt = r.clock()
	if err := r.payments.SavePayment(ctx, payment); err != nil {
		return domain.PaymentResult{}, fmt.Errorf("payments: persist %s: %w", to, err)
	}
	if r.metrics != nil {
		r.metrics.PaymentResult(ctx, string(payment.PSPType), string(to))
	}
	r.recordModification(ctx, endpoint, agentID, payment, start, nil)
	return payment, nil
}

func (r *Router) record(ctx context.Context, req PaymentRequest, result domain.PaymentResult, start time.Time, outcome string) {
	if r.usage == nil {
		return
	}
	r.usage.Record(ctx, domain.UsageEvent{
		AgentID:    req.AgentID,
		MerchantID: req.MerchantID,
		Endpoint:   "payments.execute",
		LatencyMS:  r.clock().Sub(start).Milliseconds(),
		StatusCode: statusCodeFor(result),
		PSPType:    result.PSPType,
		Outcome:    outcome,
		Timestamp:  r.clock(),
	})
}

func (r *Router) recordModification(ctx context.Context, endpoint, agentID string, payment domain.PaymentResult, start time.Time, err error) {
	if r.usage == nil {
		return
	}
	status, outcome := http.StatusOK, string(payment.Status)
	if err != nil {
		outcome = string(Classify(err))
		status = http.StatusBadGateway
		if Classify(err) == ClassDeclined {
			status = http.StatusPaymentRequired
		}
	}
	r.usage.Record(ctx, domain.UsageEvent{
		AgentID:    agentID,
		MerchantID: payment.MerchantID,
		Endpoint:   endpoint,
		LatencyMS:  r.clock().Sub(start).Milliseconds(),
		StatusCode: status,
		PSPType:    payment.PSPType,
		Outcome:    outcome,
		Timestamp:  r.clock(),
	})
}

func validatePaymentRequest(req PaymentRequest) error {
	switch {
	case strings.TrimSpace(req.MerchantID) == "":
		return fmt.Errorf("%w: merchant_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	case req.Amount.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case strings.TrimSpace(req.Amount.Currency) == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	return nil
}

// activeBindings returns routable bindings ordered by priority; ties keep a stable PSP order.
func activeBindings(bindings []domain.MerchantPSPBinding) []domain.MerchantPSPBinding {
	out := make([]domain.MerchantPSPBinding, 0, len(bindings))
	for _, binding := range bindings {
		if binding.Status == domain.BindingStatusActive {
			out = append(out, binding)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RoutingPriority != out[j].RoutingPriority {
			return out[i].RoutingPriority < out[j].RoutingPriority
		}
		return out[i].PSPType < out[j].PSPType
	})
	return out
}

func nextRoutable(reg *Registry, remaining []domain.MerchantPSPBinding) domain.PSPType {
	for _, binding := range remaining {
		if _, err := reg.Adapter(binding.PSPType); err == nil {
			return binding.PSPType
		}
	}
	return ""
}

// transitions lists the legal status edges. Captured loops to itself for partial refunds.
var transitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending:         {domain.PaymentStatusDispatched},
	domain.PaymentStatusDispatched:      {domain.PaymentStatusSucceeded, domain.PaymentStatusDeclined, domain.PaymentStatusFailedRetryable, domain.PaymentStatusFailedTerminal},
	domain.PaymentStatusFailedRetryable: {domain.PaymentStatusDispatched, domain.PaymentStatusFailedTerminal},
	domain.PaymentStatusSucceeded:       {domain.PaymentStatusCaptured},
	domain.PaymentStatusCaptured:        {domain.PaymentStatusCaptured, domain.PaymentStatusRefunded},
}

// advance moves a payment along the state machine and panics on an illegal edge.
func advance(from, to domain.PaymentStatus) domain.PaymentStatus {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return to
		}
	}
	panic(fmt.Sprintf("payments: illegal transition %s -> %s", from, to))
}

// outcomeError maps a terminal result onto the error taxonomy.
func outcomeError(result domain.PaymentResult) error {
	switch result.Status {
	case domain.PaymentStatusSucceeded, domain.PaymentStatusCaptured, domain.PaymentStatusRefunded:
		return nil
	case domain.PaymentStatusDeclined:
		return fmt.Errorf("%w: %s", ErrDeclined, result.Error)
	}
	if exhausted(result) {
		return fmt.Errorf("%w: %s", ErrAllPSPsExhausted, result.Error)
	}
	return fmt.Errorf("%w: %s", ErrTerminal, result.Error)
}

func exhausted(result domain.PaymentResult) bool {
	if len(result.Attempts) == 0 {
		return false
	}
	for _, attempt := range result.Attempts {
		if attempt.Status != domain.PaymentStatusFailedRetryable {
			return false
		}
	}
	return true
}

func statusCodeFor(result domain.PaymentResult) int {
	switch result.Status {
	case domain.PaymentStatusSucceeded:
		return http.StatusOK
	case domain.PaymentStatusDeclined:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadGateway
	}
}

func declineCode(outcome AdapterResult, err error) string {
	if outcome.DeclineCode != "" {
		return outcome.DeclineCode
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Code
	}
	return ""
}

func modificationKey(supplied, paymentID, op string) string {
	if key := strings.TrimSpace(supplied); key != "" {
		return key
	}
	return paymentID + "-" + op
}
