package domain

import "time"

// AgentStatus represents the lifecycle state of an agent API key.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusDisabled AgentStatus = "disabled"
	AgentStatusDeleted  AgentStatus = "deleted"
)

// MerchantStatus represents whether a merchant may be reached through the gateway.
type MerchantStatus string

const (
	MerchantStatusActive   MerchantStatus = "active"
	MerchantStatusDisabled MerchantStatus = "disabled"
	MerchantStatusDeleted  MerchantStatus = "deleted"
)

// QuotaTier describes the request allowance for a class of agents.
type QuotaTier struct {
	Name              string
	RequestsPerMinute int
	RequestsPerDay    int
}

// AgentIdentity is the authenticated caller resolved from an API key.
type AgentIdentity struct {
	ID         string
	Name       string
	KeyHash    string
	Status     AgentStatus
	Tier       QuotaTier
	MerchantID string
	CreatedAt  time.Time
}

// Active reports whether the agent may issue requests.
func (a AgentIdentity) Active() bool {
	return a.Status == AgentStatusActive
}

// Merchant is the gateway's view of a connected storefront.
type Merchant struct {
	ID       string
	Name     string
	Platform Platform
	Status   MerchantStatus
}

// Active reports whether the merchant is reachable.
func (m Merchant) Active() bool {
	return m.Status == MerchantStatusActive
}

// AgentQuota is a snapshot of an agent's consumption after a check.
type AgentQuota struct {
	RequestsPerMinute int
	RequestsPerDay    int
	WindowStart       time.Time
	CountInWindow     int
	DayStart          time.Time
	CountInDay        int
}
