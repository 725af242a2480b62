package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
	pfirestore "github.com/agentcommerce/gateway/internal/platform/firestore"
	"github.com/agentcommerce/gateway/internal/repositories"
)

const agentsCollection = "agents"

// AgentRepository stores agents keyed by API key hash so authentication is a single document read.
type AgentRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.AgentRepository = (*AgentRepository)(nil)

// NewAgentRepository constructs a Firestore-backed agent directory.
func NewAgentRepository(provider *pfirestore.Provider) (*AgentRepository, error) {
	if provider == nil {
		return nil, errors.New("agent repository requires firestore provider")
	}
	return &AgentRepository{provider: provider}, nil
}

type agentDocument struct {
	AgentID    string    `firestore:"agentId"`
	Name       string    `firestore:"name"`
	Status     string    `firestore:"status"`
	Tier       string    `firestore:"tier"`
	PerMinute  int       `firestore:"requestsPerMinute,omitempty"`
	PerDay     int       `firestore:"requestsPerDay,omitempty"`
	MerchantID string    `firestore:"merchantId,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

func (r *AgentRepository) FindByKeyHash(ctx context.Context, keyHash string) (domain.AgentIdentity, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.AgentIdentity{}, err
	}
	snap, err := client.Collection(agentsCollection).Doc(keyHash).Get(ctx)
	if err != nil {
		return domain.AgentIdentity{}, translate("agents.get", err)
	}
	var doc agentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.AgentIdentity{}, fmt.Errorf("agents.decode: %w", err)
	}
	return domain.AgentIdentity{
		ID:         doc.AgentID,
		Name:       doc.Name,
		KeyHash:    keyHash,
		Status:     domain.AgentStatus(doc.Status),
		Tier:       domain.QuotaTier{Name: doc.Tier, RequestsPerMinute: doc.PerMinute, RequestsPerDay: doc.PerDay},
		MerchantID: doc.MerchantID,
		CreatedAt:  doc.CreatedAt.UTC(),
	}, nil
}

func (r *AgentRepository) Save(ctx context.Context, agent domain.AgentIdentity) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	doc := agentDocument{
		AgentID:    agent.ID,
		Name:       agent.Name,
		Status:     string(agent.Status),
		Tier:       agent.Tier.Name,
		PerMinute:  agent.Tier.RequestsPerMinute,
		PerDay:     agent.Tier.RequestsPerDay,
		MerchantID: agent.MerchantID,
		CreatedAt:  agent.CreatedAt.UTC(),
	}
	if _, err := client.Collection(agentsCollection).Doc(agent.KeyHash).Set(ctx, doc); err != nil {
		return translate("agents.save", err)
	}
	return nil
}

// MerchantRepository reads merchant status documents.
type MerchantRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.MerchantRepository = (*MerchantRepository)(nil)

// NewMerchantRepository constructs a Firestore-backed merchant directory.
func NewMerchantRepository(provider *pfirestore.Provider) (*MerchantRepository, error) {
	if provider == nil {
		return nil, errors.New("merchant repository requires firestore provider")
	}
	return &MerchantRepository{provider: provider}, nil
}

type merchantDocument struct {
	Name      string    `firestore:"name"`
	Platform  string    `firestore:"platform"`
	Status    string    `firestore:"status"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (r *MerchantRepository) FindByID(ctx context.Context, merchantID string) (domain.Merchant, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Merchant{}, err
	}
	snap, err := client.Collection(merchantsCollection).Doc(merchantID).Get(ctx)
	if err != nil {
		return domain.Merchant{}, translate("merchants.get", err)
	}
	var doc merchantDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Merchant{}, fmt.Errorf("merchants.decode: %w", err)
	}
	return domain.Merchant{
		ID:       merchantID,
		Name:     doc.Name,
		Platform: domain.Platform(doc.Platform),
		Status:   domain.MerchantStatus(doc.Status),
	}, nil
}

func (r *MerchantRepository) Save(ctx context.Context, merchant domain.Merchant) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	doc := merchantDocument{
		Name:      merchant.Name,
		Platform:  string(merchant.Platform),
		Status:    string(merchant.Status),
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := client.Collection(merchantsCollection).Doc(merchant.ID).Set(ctx, doc); err != nil {
		return translate("merchants.save", err)
	}
	return nil
}
