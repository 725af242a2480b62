package domain

import "time"

// OrderStatus is the lifecycle state of a gateway order.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// OrderLine is one product line in an order.
type OrderLine struct {
	ProductID string
	VariantID string
	Title     string
	Quantity  int
	UnitPrice Money
}

// Order is a record created by an agent ahead of payment.
type Order struct {
	ID               string
	MerchantID       string
	AgentID          string
	Lines            []OrderLine
	Total            Money
	Status           OrderStatus
	PaymentReference string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
