// Package memory provides in-process repositories for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/repositories"
)

type storeCredentialKey struct {
	merchantID string
	platform   domain.Platform
}

// CredentialStore keeps store credentials and PSP bindings in memory.
type CredentialStore struct {
	mu       sync.RWMutex
	stores   map[storeCredentialKey]domain.StoreCredentials
	bindings map[string]map[domain.PSPType]domain.MerchantPSPBinding
}

var _ repositories.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore constructs an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		stores:   make(map[storeCredentialKey]domain.StoreCredentials),
		bindings: make(map[string]map[domain.PSPType]domain.MerchantPSPBinding),
	}
}

func (s *CredentialStore) GetStoreCredentials(_ context.Context, merchantID string, platform domain.Platform) (domain.StoreCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.stores[storeCredentialKey{merchantID, platform}]
	if !ok {
		return domain.StoreCredentials{}, fmt.Errorf("store credentials %s/%s: %w", merchantID, platform, repositories.ErrNotFound)
	}
	return creds, nil
}

func (s *CredentialStore) PutStoreCredentials(_ context.Context, merchantID string, creds domain.StoreCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[storeCredentialKey{merchantID, creds.Platform}] = creds
	return nil
}

// GetPSPBindings returns every binding for the merchant ordered by routing priority.
func (s *CredentialStore) GetPSPBindings(_ context.Context, merchantID string) ([]domain.MerchantPSPBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MerchantPSPBinding, 0, len(s.bindings[merchantID]))
	for _, binding := range s.bindings[merchantID] {
		out = append(out, cloneBinding(binding))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RoutingPriority != out[j].RoutingPriority {
			return out[i].RoutingPriority < out[j].RoutingPriority
		}
		return out[i].PSPType < out[j].PSPType
	})
	return out, nil
}

// SaveBinding upserts the binding for (merchant, psp); one row per pair keeps a single active binding.
func (s *CredentialStore) SaveBinding(_ context.Context, binding domain.MerchantPSPBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.bindings[binding.MerchantID]
	if !ok {
		byType = make(map[domain.PSPType]domain.MerchantPSPBinding)
		s.bindings[binding.MerchantID] = byType
	}
	byType[binding.PSPType] = cloneBinding(binding)
	return nil
}

func (s *CredentialStore) UpdateBindingStatus(_ context.Context, merchantID string, psp domain.PSPType, status domain.BindingStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	binding, ok := s.bindings[merchantID][psp]
	if !ok {
		return fmt.Errorf("binding %s/%s: %w", merchantID, psp, repositories.ErrNotFound)
	}
	binding.Status = status
	binding.InvalidReason = reason
	binding.UpdatedAt = at
	s.bindings[merchantID][psp] = binding
	return nil
}

func cloneBinding(binding domain.MerchantPSPBinding) domain.MerchantPSPBinding {
	if binding.Credentials.Payload != nil {
		payload := make(map[string]string, len(binding.Credentials.Payload))
		for k, v := range binding.Credentials.Payload {
			payload[k] = v
		}
		binding.Credentials.Payload = payload
	}
	return binding
}

// AgentRepository indexes agents by API key hash.
type AgentRepository struct {
	mu     sync.RWMutex
	byHash map[string]domain.AgentIdentity
}

var _ repositories.AgentRepository = (*AgentRepository)(nil)

// NewAgentRepository constructs an empty agent directory.
func NewAgentRepository() *AgentRepository {
	return &AgentRepository{byHash: make(map[string]domain.AgentIdentity)}
}

func (r *AgentRepository) FindByKeyHash(_ context.Context, keyHash string) (domain.AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.byHash[keyHash]
	if !ok {
		return domain.AgentIdentity{}, repositories.ErrNotFound
	}
	return agent, nil
}

func (r *AgentRepository) Save(_ context.Context, agent domain.AgentIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash[agent.KeyHash] = agent
	return nil
}

// MerchantRepository keeps merchants in memory.
type MerchantRepository struct {
	mu        sync.RWMutex
	merchants map[string]domain.Merchant
}

var _ repositories.MerchantRepository = (*MerchantRepository)(nil)

// NewMerchantRepository constructs an empty merchant directory.
func NewMerchantRepository() *MerchantRepository {
	return &MerchantRepository{merchants: make(map[string]domain.Merchant)}
}

func (r *MerchantRepository) FindByID(_ context.Context, merchantID string) (domain.Merchant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merchant, ok := r.merchants[merchantID]
	if !ok {
		return domain.Merchant{}, repositories.ErrNotFound
	}
	return merchant, nil
}

func (r *MerchantRepository) Save(_ context.Context, merchant domain.Merchant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merchants[merchant.ID] = merchant
	return nil
}

type scopedKey struct {
	merchantID string
	id         string
}

// OrderRepository keeps orders in memory.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[scopedKey]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an empty order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[scopedKey]domain.Order)}
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := scopedKey{order.MerchantID, order.ID}
	if _, exists := r.orders[key]; exists {
		return repositories.ErrConflict
	}
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	r.orders[key] = order
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, merchantID, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[scopedKey{merchantID, orderID}]
	if !ok {
		return domain.Order{}, repositories.ErrNotFound
	}
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	return order, nil
}

func (r *OrderRepository) UpdateStatus(_ context.Context, merchantID, orderID string, status domain.OrderStatus, paymentReference string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := scopedKey{merchantID, orderID}
	order, ok := r.orders[key]
	if !ok {
		return repositories.ErrNotFound
	}
	order.Status = status
	order.PaymentReference = paymentReference
	order.UpdatedAt = at
	r.orders[key] = order
	return nil
}

// PaymentRepository keeps payment outcomes in memory.
type PaymentRepository struct {
	mu       sync.RWMutex
	payments map[scopedKey]domain.PaymentResult
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs an empty payment store.
func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{payments: make(map[scopedKey]domain.PaymentResult)}
}

func (r *PaymentRepository) SavePayment(_ context.Context, payment domain.PaymentResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment.Attempts = append([]domain.PaymentAttempt(nil), payment.Attempts...)
	r.payments[scopedKey{payment.MerchantID, payment.ID}] = payment
	return nil
}

func (r *PaymentRepository) GetPayment(_ context.Context, merchantID, paymentID string) (domain.PaymentResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	payment, ok := r.payments[scopedKey{merchantID, paymentID}]
	if !ok {
		return domain.PaymentResult{}, repositories.ErrNotFound
	}
	payment.Attempts = append([]domain.PaymentAttempt(nil), payment.Attempts...)
	return payment, nil
}
