package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const apiKeyPrefix = "agk_"

// APIKeyHasher derives the lookup hash for agent API keys. Raw keys are never stored.
type APIKeyHasher struct {
	pepper []byte
}

// NewAPIKeyHasher constructs a hasher; an empty pepper degrades to plain SHA-256.
func NewAPIKeyHasher(pepper string) APIKeyHasher {
	return APIKeyHasher{pepper: []byte(pepper)}
}

// Hash returns the hex digest used as the agent directory key.
func (h APIKeyHasher) Hash(apiKey string) string {
	apiKey = strings.TrimSpace(apiKey)
	if len(h.pepper) == 0 {
		sum := sha256.Sum256([]byte(apiKey))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateAPIKey returns a new random agent key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
