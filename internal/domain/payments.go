package domain

import "time"

// PSPType identifies a payment service provider.
type PSPType string

const (
	PSPStripe PSPType = "stripe"
	PSPAdyen  PSPType = "adyen"
)

// BindingStatus captures whether a merchant PSP binding may be used for routing.
type BindingStatus string

const (
	BindingStatusActive   BindingStatus = "active"
	BindingStatusInvalid  BindingStatus = "invalid"
	BindingStatusDisabled BindingStatus = "disabled"
)

// Credentials is a tagged credential payload; Payload is interpreted only by the adapter for PSPType.
type Credentials struct {
	PSPType PSPType
	Payload map[string]string
}

// Value returns a payload entry or an empty string.
func (c Credentials) Value(key string) string {
	if c.Payload == nil {
		return ""
	}
	return c.Payload[key]
}

// MerchantPSPBinding links a merchant to a PSP account.
type MerchantPSPBinding struct {
	MerchantID      string
	PSPType         PSPType
	Credentials     Credentials
	Status          BindingStatus
	RoutingPriority int
	BoundAt         time.Time
	InvalidReason   string
	UpdatedAt       time.Time
}

// PaymentStatus is the state of a single payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending         PaymentStatus = "pending"
	PaymentStatusDispatched      PaymentStatus = "dispatched"
	PaymentStatusSucceeded       PaymentStatus = "succeeded"
	PaymentStatusDeclined        PaymentStatus = "declined"
	PaymentStatusFailedRetryable PaymentStatus = "failed_retryable"
	PaymentStatusFailedTerminal  PaymentStatus = "failed_terminal"
	PaymentStatusCaptured        PaymentStatus = "captured"
	PaymentStatusRefunded        PaymentStatus = "refunded"
)

// Terminal reports whether no further dispatch can change the outcome.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusDeclined, PaymentStatusFailedTerminal,
		PaymentStatusCaptured, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentAttempt records one dispatch to one provider.
type PaymentAttempt struct {
	PSPType   PSPType
	Status    PaymentStatus
	Reference string
	Error     string
	LatencyMS int64
}

// PaymentResult is the outcome returned to the caller for one logical payment.
type PaymentResult struct {
	ID                string
	MerchantID        string
	OrderID           string
	AgentID           string
	Amount            Money
	Status            PaymentStatus
	PSPType           PSPType
	ProviderReference string
	ProviderStatus    string
	Error             string
	DeclineCode       string
	// RefundedMinor is the amount returned so far, in Amount's currency.
	RefundedMinor     int64
	Attempts          []PaymentAttempt
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
