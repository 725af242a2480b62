package domain

import "time"

// UsageEvent is an append-only observability record; the gateway never reads it back.
// It is serialised as-is by the usage sinks.
type UsageEvent struct {
	AgentID    string    `json:"agent_id,omitempty"`
	MerchantID string    `json:"merchant_id,omitempty"`
	Endpoint   string    `json:"endpoint"`
	CacheHit   bool      `json:"cache_hit"`
	Stale      bool      `json:"stale,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	StatusCode int       `json:"status_code"`
	PSPType    PSPType   `json:"psp_type,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
