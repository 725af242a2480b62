package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
	pfirestore "github.com/agentcommerce/gateway/internal/platform/firestore"
	"github.com/agentcommerce/gateway/internal/repositories"
)

const paymentsCollection = "payments"

// PaymentRepository persists payment outcomes under merchants/{id}/payments.
type PaymentRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{provider: provider}, nil
}

// paymentDocument keeps queryable fields flat and the full result as JSON.
type paymentDocument struct {
	OrderID           string    `firestore:"orderId"`
	Status            string    `firestore:"status"`
	PSPType           string    `firestore:"pspType,omitempty"`
	ProviderReference string    `firestore:"providerReference,omitempty"`
	AmountMinor       int64     `firestore:"amountMinor"`
	Currency          string    `firestore:"currency"`
	Result            string    `firestore:"result"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (r *PaymentRepository) SavePayment(ctx context.Context, payment domain.PaymentResult) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("payments.encode: %w", err)
	}
	doc := paymentDocument{
		OrderID:           payment.OrderID,
		Status:            string(payment.Status),
		PSPType:           string(payment.PSPType),
		ProviderReference: payment.ProviderReference,
		AmountMinor:       payment.Amount.Amount,
		Currency:          payment.Amount.Currency,
		Result:            string(encoded),
		CreatedAt:         payment.CreatedAt.UTC(),
		UpdatedAt:         payment.UpdatedAt.UTC(),
	}
	ref := client.Collection(merchantsCollection).Doc(payment.MerchantID).Collection(paymentsCollection).Doc(payment.ID)
	if _, err := ref.Set(ctx, doc); err != nil {
		return translate("payments.save", err)
	}
	return nil
}

func (r *PaymentRepository) GetPayment(ctx context.Context, merchantID, paymentID string) (domain.PaymentResult, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	snap, err := client.Collection(merchantsCollection).Doc(merchantID).Collection(paymentsCollection).Doc(paymentID).Get(ctx)
	if err != nil {
		return domain.PaymentResult{}, translate("payments.get", err)
	}
	var doc paymentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.PaymentResult{}, fmt.Errorf("payments.decode: %w", err)
	}
	var payment domain.PaymentResult
	if err := json.Unmarshal([]byte(doc.Result), &payment); err != nil {
		return domain.PaymentResult{}, fmt.Errorf("payments.decode result: %w", err)
	}
	return payment, nil
}
