package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

// MemoryStore is a sharded in-process Store; unrelated keys never contend on the same lock.
type MemoryStore struct {
	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]Record)
	}
	return s
}

func (s *MemoryStore) shard(id string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%memoryShards]
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key Key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := key.ID()
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	record, ok := sh.records[id]
	if ok && !now.Before(record.ExpiresAt) {
		ok = false
	}
	if !ok {
		record = newPendingRecord(key, fingerprint, now, ttl)
		sh.records[id] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	return reservationFor(cloneRecord(record)), nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key Key, fingerprint string, result []byte, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := key.ID()
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	record, ok := sh.records[id]
	if !ok {
		record = newPendingRecord(key, fingerprint, now, ttl)
	} else if record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	record.Status = StatusCompleted
	record.Result = append([]byte(nil), result...)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	sh.records[id] = record
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key Key, fingerprint string) error {
	id := key.ID()
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if record, ok := sh.records[id]; ok && record.Fingerprint == fingerprint && record.Status == StatusPending {
		delete(sh.records, id)
	}
	return nil
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, key Key, now time.Time) (Record, bool, error) {
	id := key.ID()
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	record, ok := sh.records[id]
	if !ok || !now.UTC().Before(record.ExpiresAt) {
		return Record{}, false, nil
	}
	return cloneRecord(record), true, nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, record := range sh.records {
			if removed >= limit {
				break
			}
			if !now.Before(record.ExpiresAt) {
				delete(sh.records, id)
				removed++
			}
		}
		sh.mu.Unlock()
		if removed >= limit {
			break
		}
	}
	return removed, nil
}

func cloneRecord(record Record) Record {
	if record.Result != nil {
		record.Result = append([]byte(nil), record.Result...)
	}
	return record
}
