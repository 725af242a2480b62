package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

// Class is the router-facing classification of an adapter failure.
type Class string

const (
	// ClassTransient covers network failures, timeouts and provider 5xx/429 responses. Eligible for fail-over.
	ClassTransient Class = "transient"
	// ClassDeclined is a business rejection such as an insufficient-funds card decline. Never retried.
	ClassDeclined Class = "declined"
	// ClassTerminal covers request or configuration errors that no other provider attempt can fix.
	ClassTerminal Class = "terminal"
)

var (
	// ErrTransient marks failures eligible for fail-over.
	ErrTransient = errors.New("payments: transient provider failure")
	// ErrDeclined marks a business decline from the provider.
	ErrDeclined = errors.New("payments: payment declined")
	// ErrTerminal marks a non-retryable provider failure.
	ErrTerminal = errors.New("payments: terminal provider failure")
	// ErrInvalidCredentials marks credentials rejected by the provider.
	ErrInvalidCredentials = errors.New("payments: invalid provider credentials")
	// ErrUnsupportedProvider is returned when no adapter is registered for a PSP type.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
)

// AdapterError carries a provider failure together with its classification.
type AdapterError struct {
	PSP        domain.PSPType
	Class      Class
	Code       string
	StatusCode int
	Message    string
	Err        error
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.PSP))
	b.WriteString(": ")
	b.WriteString(string(e.Class))
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the class sentinel and the underlying cause.
func (e *AdapterError) Unwrap() []error {
	out := []error{classSentinel(e.Class)}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func classSentinel(class Class) error {
	switch class {
	case ClassTransient:
		return ErrTransient
	case ClassDeclined:
		return ErrDeclined
	default:
		return ErrTerminal
	}
}

// Classify returns the class of an adapter error. Deadlines count as transient; anything unrecognised is terminal.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Class
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrDeclined):
		return ClassDeclined
	default:
		return ClassTerminal
	}
}

// AuthorizeRequest asks a provider to authorise an amount for an order.
type AuthorizeRequest struct {
	Credentials    domain.Credentials
	MerchantID     string
	OrderID        string
	Amount         domain.Money
	PaymentMethod  string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// CaptureRequest captures a previous authorisation. A zero Amount captures the full authorisation.
type CaptureRequest struct {
	Credentials    domain.Credentials
	Reference      string
	Amount         domain.Money
	IdempotencyKey string
}

// RefundRequest refunds a captured payment. A zero Amount refunds in full.
type RefundRequest struct {
	Credentials    domain.Credentials
	Reference      string
	Amount         domain.Money
	Reason         string
	IdempotencyKey string
}

// AdapterResult is the normalised provider response.
type AdapterResult struct {
	Status         domain.PaymentStatus
	Reference      string
	ProviderStatus string
	DeclineCode    string
	Message        string
}

// Adapter is implemented once per PSP. The router never sees provider specifics.
// Declines are reported as an AdapterError with ClassDeclined alongside a populated result.
type Adapter interface {
	PSP() domain.PSPType
	Authorize(ctx context.Context, req AuthorizeRequest) (AdapterResult, error)
	Capture(ctx context.Context, req CaptureRequest) (AdapterResult, error)
	Refund(ctx context.Context, req RefundRequest) (AdapterResult, error)
	ValidateCredentials(ctx context.Context, creds domain.Credentials) error
}

// Registry resolves adapters by PSP type.
type Registry struct {
	adapters map[domain.PSPType]Adapter
}

// NewRegistry registers the supplied adapters; duplicates are rejected.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	if len(adapters) == 0 {
		return nil, errors.New("payments: at least one adapter is required")
	}
	reg := &Registry{adapters: make(map[domain.PSPType]Adapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter == nil {
			return nil, errors.New("payments: nil adapter registration")
		}
		psp := normalizePSP(adapter.PSP())
		if psp == "" {
			return nil, errors.New("payments: adapter reported empty psp type")
		}
		if _, exists := reg.adapters[psp]; exists {
			return nil, fmt.Errorf("payments: duplicate adapter for %q", psp)
		}
		reg.adapters[psp] = adapter
	}
	return reg, nil
}

// Adapter returns the adapter for psp or ErrUnsupportedProvider.
func (r *Registry) Adapter(psp domain.PSPType) (Adapter, error) {
	if r == nil {
		return nil, ErrUnsupportedProvider
	}
	adapter, ok := r.adapters[normalizePSP(psp)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, psp)
	}
	return adapter, nil
}

// Types lists the registered PSP types in sorted order.
func (r *Registry) Types() []domain.PSPType {
	if r == nil {
		return nil
	}
	out := make([]domain.PSPType, 0, len(r.adapters))
	for psp := range r.adapters {
		out = append(out, psp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalizePSP(psp domain.PSPType) domain.PSPType {
	return domain.PSPType(strings.ToLower(strings.TrimSpace(string(psp))))
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
