package handlers

import (
	"strings"
	"sync"
	"time"
)

// failureLimiter blocks a client after too many failed authentications within a fixed window.
// It guards the API key lookup against enumeration; admitted agents are metered by their quota instead.
type failureLimiter interface {
	Blocked(key string) (bool, time.Duration)
	RecordFailure(key string)
}

type windowFailureLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]failureEntry
}

type failureEntry struct {
	count int
	reset time.Time
}

func newFailureLimiter(limit int, window time.Duration, clock func() time.Time) failureLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowFailureLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]failureEntry),
	}
}

func (l *windowFailureLimiter) Blocked(key string) (bool, time.Duration) {
	key = normalizeLimiterKey(key)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || !now.Before(entry.reset) {
		return false, 0
	}
	if entry.count < l.limit {
		return false, 0
	}
	return true, entry.reset.Sub(now)
}

func (l *windowFailureLimiter) RecordFailure(key string) {
	key = normalizeLimiterKey(key)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || !now.Before(entry.reset) {
		l.store[key] = failureEntry{count: 1, reset: now.Add(l.window)}
		l.pruneExpiredLocked(now)
		return
	}
	entry.count++
	l.store[key] = entry
}

func (l *windowFailureLimiter) pruneExpiredLocked(now time.Time) {
	for key, entry := range l.store {
		if !now.Before(entry.reset) {
			delete(l.store, key)
		}
	}
}

func normalizeLimiterKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "anonymous"
	}
	return key
}
