package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/textutil"
)

// BinderDeps wires the Binder.
type BinderDeps struct {
	Bindings BindingStore
	Adapters *Registry
	Clock    func() time.Time
	Timeout  time.Duration
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Binder validates PSP credentials at bind time and records the binding.
type Binder struct {
	bindings BindingStore
	adapters *Registry
	clock    func() time.Time
	timeout  time.Duration
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewBinder constructs a Binder.
func NewBinder(deps BinderDeps) (*Binder, error) {
	if deps.Bindings == nil {
		return nil, errors.New("payments: binding store is required")
	}
	if deps.Adapters == nil {
		return nil, errors.New("payments: adapter registry is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Binder{
		bindings: deps.Bindings,
		adapters: deps.Adapters,
		clock: func() time.Time {
			return clock().UTC()
		},
		timeout: timeout,
		logger:  logger,
	}, nil
}

// BindRequest carries onboarding input for one merchant PSP account.
type BindRequest struct {
	MerchantID      string
	PSPType         domain.PSPType
	Credentials     map[string]string
	RoutingPriority int
}

// Bind validates the credentials against the provider. Rejected credentials are stored as an invalid
// binding, excluded from routing, and reported with ErrInvalidCredentials. A transient validation failure
// stores nothing and returns ErrTransient so onboarding can retry.
func (b *Binder) Bind(ctx context.Context, req BindRequest) (domain.MerchantPSPBinding, error) {
	merchantID := strings.TrimSpace(req.MerchantID)
	if merchantID == "" {
		return domain.MerchantPSPBinding{}, fmt.Errorf("%w: merchant_id is required", ErrInvalidRequest)
	}
	payload := textutil.NormalizeStringMap(req.Credentials)
	if len(payload) == 0 {
		return domain.MerchantPSPBinding{}, fmt.Errorf("%w: credentials are required", ErrInvalidRequest)
	}
	if req.RoutingPriority < 0 {
		return domain.MerchantPSPBinding{}, fmt.Errorf("%w: routing_priority must not be negative", ErrInvalidRequest)
	}
	psp := normalizePSP(req.PSPType)
	adapter, err := b.adapters.Adapter(psp)
	if err != nil {
		return domain.MerchantPSPBinding{}, err
	}

	now := b.clock()
	binding := domain.MerchantPSPBinding{
		MerchantID:      merchantID,
		PSPType:         psp,
		Credentials:     domain.Credentials{PSPType: psp, Payload: payload},
		Status:          domain.BindingStatusActive,
		RoutingPriority: req.RoutingPriority,
		BoundAt:         now,
		UpdatedAt:       now,
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	validateErr := adapter.ValidateCredentials(callCtx, binding.Credentials)
	cancel()

	if validateErr != nil {
		if Classify(validateErr) == ClassTransient {
			b.logger(ctx, "payments.binder.validation_unavailable", map[string]any{
				"merchantId": merchantID,
				"psp":        psp,
				"error":      validateErr.Error(),
			})
			return domain.MerchantPSPBinding{}, fmt.Errorf("payments: validate %s credentials: %w", psp, validateErr)
		}
		binding.Status = domain.BindingStatusInvalid
		binding.InvalidReason = validateErr.Error()
	}

	if err := b.bindings.SaveBinding(ctx, binding); err != nil {
		return domain.MerchantPSPBinding{}, fmt.Errorf("payments: save binding: %w", err)
	}
	b.logger(ctx, "payments.binder.bound", map[string]any{
		"merchantId": merchantID,
		"psp":        psp,
		"status":     binding.Status,
		"priority":   binding.RoutingPriority,
	})
	if binding.Status == domain.BindingStatusInvalid {
		return binding, fmt.Errorf("%w: %s", ErrInvalidCredentials, binding.InvalidReason)
	}
	return binding, nil
}
