package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/platform/config"
	pfirestore "github.com/agentcommerce/gateway/internal/platform/firestore"
	"github.com/agentcommerce/gateway/internal/repositories"
)

const (
	merchantsCollection = "merchants"
	storesCollection    = "stores"
	bindingsCollection  = "pspBindings"
)

// CredentialStore reads onboarding credentials from Firestore. Payload values written as
// secret references are resolved through Secret Manager on read and never cached here.
type CredentialStore struct {
	provider *pfirestore.Provider
	secrets  config.SecretResolver
}

var _ repositories.CredentialStore = (*CredentialStore)(nil)

// CredentialStoreOption customises the credential store.
type CredentialStoreOption func(*CredentialStore)

// WithSecretResolver resolves secret:// and sm:// references stored in credential payloads.
func WithSecretResolver(resolver config.SecretResolver) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.secrets = resolver
	}
}

// NewCredentialStore constructs a Firestore-backed credential store.
func NewCredentialStore(provider *pfirestore.Provider, opts ...CredentialStoreOption) (*CredentialStore, error) {
	if provider == nil {
		return nil, errors.New("credential store requires firestore provider")
	}
	store := &CredentialStore{provider: provider}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

type storeCredentialsDocument struct {
	Platform    string    `firestore:"platform"`
	ShopDomain  string    `firestore:"shopDomain,omitempty"`
	BaseURL     string    `firestore:"baseUrl,omitempty"`
	AccessToken string    `firestore:"accessToken,omitempty"`
	APIKey      string    `firestore:"apiKey,omitempty"`
	APISecret   string    `firestore:"apiSecret,omitempty"`
	SiteID      string    `firestore:"siteId,omitempty"`
	Currency    string    `firestore:"currency,omitempty"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

type bindingDocument struct {
	PSPType         string            `firestore:"pspType"`
	Credentials     map[string]string `firestore:"credentials"`
	Status          string            `firestore:"status"`
	RoutingPriority int               `firestore:"routingPriority"`
	BoundAt         time.Time         `firestore:"boundAt"`
	InvalidReason   string            `firestore:"invalidReason,omitempty"`
	UpdatedAt       time.Time         `firestore:"updatedAt"`
}

func (s *CredentialStore) GetStoreCredentials(ctx context.Context, merchantID string, platform domain.Platform) (domain.StoreCredentials, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return domain.StoreCredentials{}, err
	}
	snap, err := client.Collection(merchantsCollection).Doc(merchantID).Collection(storesCollection).Doc(string(platform)).Get(ctx)
	if err != nil {
		return domain.StoreCredentials{}, translate("store_credentials.get", err)
	}
	var doc storeCredentialsDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.StoreCredentials{}, fmt.Errorf("store_credentials.decode: %w", err)
	}

	creds := domain.StoreCredentials{
		Platform:   platform,
		ShopDomain: doc.ShopDomain,
		BaseURL:    doc.BaseURL,
		SiteID:     doc.SiteID,
		Currency:   doc.Currency,
	}
	for _, field := range []struct {
		dst *string
		src string
	}{
		{&creds.AccessToken, doc.AccessToken},
		{&creds.APIKey, doc.APIKey},
		{&creds.APISecret, doc.APISecret},
	} {
		value, err := s.resolve(ctx, field.src)
		if err != nil {
			return domain.StoreCredentials{}, err
		}
		*field.dst = value
	}
	return creds, nil
}

func (s *CredentialStore) PutStoreCredentials(ctx context.Context, merchantID string, creds domain.StoreCredentials) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	doc := storeCredentialsDocument{
		Platform:    string(creds.Platform),
		ShopDomain:  creds.ShopDomain,
		BaseURL:     creds.BaseURL,
		AccessToken: creds.AccessToken,
		APIKey:      creds.APIKey,
		APISecret:   creds.APISecret,
		SiteID:      creds.SiteID,
		Currency:    creds.Currency,
		UpdatedAt:   time.Now().UTC(),
	}
	ref := client.Collection(merchantsCollection).Doc(merchantID).Collection(storesCollection).Doc(string(creds.Platform))
	if _, err := ref.Set(ctx, doc); err != nil {
		return translate("store_credentials.put", err)
	}
	return nil
}

// GetPSPBindings returns the merchant's bindings ordered by routing priority.
func (s *CredentialStore) GetPSPBindings(ctx context.Context, merchantID string) ([]domain.MerchantPSPBinding, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	iter := client.Collection(merchantsCollection).Doc(merchantID).Collection(bindingsCollection).
		OrderBy("routingPriority", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var bindings []domain.MerchantPSPBinding
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, translate("psp_bindings.list", err)
		}
		var doc bindingDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("psp_bindings.decode %s: %w", snap.Ref.ID, err)
		}
		payload := make(map[string]string, len(doc.Credentials))
		for k, v := range doc.Credentials {
			resolved, err := s.resolve(ctx, v)
			if err != nil {
				return nil, err
			}
			payload[k] = resolved
		}
		pspType := domain.PSPType(doc.PSPType)
		bindings = append(bindings, domain.MerchantPSPBinding{
			MerchantID:      merchantID,
			PSPType:         pspType,
			Credentials:     domain.Credentials{PSPType: pspType, Payload: payload},
			Status:          domain.BindingStatus(doc.Status),
			RoutingPriority: doc.RoutingPriority,
			BoundAt:         doc.BoundAt.UTC(),
			InvalidReason:   doc.InvalidReason,
			UpdatedAt:       doc.UpdatedAt.UTC(),
		})
	}
	return bindings, nil
}

// SaveBinding upserts the document for (merchant, psp); the document id enforces one binding per pair.
func (s *CredentialStore) SaveBinding(ctx context.Context, binding domain.MerchantPSPBinding) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	doc := bindingDocument{
		PSPType:         string(binding.PSPType),
		Credentials:     binding.Credentials.Payload,
		Status:          string(binding.Status),
		RoutingPriority: binding.RoutingPriority,
		BoundAt:         binding.BoundAt.UTC(),
		InvalidReason:   binding.InvalidReason,
		UpdatedAt:       binding.UpdatedAt.UTC(),
	}
	ref := client.Collection(merchantsCollection).Doc(binding.MerchantID).Collection(bindingsCollection).Doc(string(binding.PSPType))
	if _, err := ref.Set(ctx, doc); err != nil {
		return translate("psp_bindings.save", err)
	}
	return nil
}

func (s *CredentialStore) UpdateBindingStatus(ctx context.Context, merchantID string, psp domain.PSPType, status domain.BindingStatus, reason string, at time.Time) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(merchantsCollection).Doc(merchantID).Collection(bindingsCollection).Doc(string(psp))
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "invalidReason", Value: reason},
		{Path: "updatedAt", Value: at.UTC()},
	})
	if err != nil {
		return translate("psp_bindings.update_status", err)
	}
	return nil
}

func (s *CredentialStore) resolve(ctx context.Context, value string) (string, error) {
	if !config.IsSecretReference(value) {
		return value, nil
	}
	if s.secrets == nil {
		return "", fmt.Errorf("credential store: secret reference %q present but no resolver configured", value)
	}
	resolved, err := s.secrets.ResolveSecret(ctx, config.NormalizeSecretReference(value))
	if err != nil {
		return "", fmt.Errorf("credential store: resolve secret: %w", err)
	}
	return strings.TrimSpace(resolved), nil
}
