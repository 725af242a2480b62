package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	// DefaultTTL is the default retention for idempotency records.
	DefaultTTL = 24 * time.Hour
	// StatusPending indicates an attempt has reserved the key but not yet stored its result.
	StatusPending Status = "pending"
	// StatusCompleted indicates the result is stored and must be replayed.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve a key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and may dispatch.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored result must be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another attempt is in flight.
	ReservationStatePending
)

// Key scopes a caller-supplied idempotency key to a merchant.
type Key struct {
	MerchantID string
	Value      string
}

// ID returns the storage identifier for the scoped key.
func (k Key) ID() string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(k.MerchantID) + "\x00" + strings.TrimSpace(k.Value)))
	return hex.EncodeToString(sum[:])
}

// Reservation encapsulates the result of reserving a key.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state of one scoped key.
type Record struct {
	MerchantID  string
	Key         string
	Fingerprint string
	Status      Status
	Result      []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists idempotency reservations and results.
type Store interface {
	Reserve(ctx context.Context, key Key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key Key, fingerprint string, result []byte, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key Key, fingerprint string) error
	// Lookup returns the live record for key without reserving it.
	Lookup(ctx context.Context, key Key, now time.Time) (Record, bool, error)
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// Fingerprint hashes the request fields that must match for a replay.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func newPendingRecord(key Key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		MerchantID:  key.MerchantID,
		Key:         key.Value,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func reservationFor(record Record) Reservation {
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}
	}
	return Reservation{State: ReservationStatePending, Record: record}
}
