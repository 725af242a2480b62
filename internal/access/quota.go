package access

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Window names used in decisions and metrics.
const (
	WindowMinute = "minute"
	WindowDay    = "day"
)

// Limits is the per-agent allowance for each window.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Decision is the outcome of one check-and-consume. Remaining and Reset describe the tightest window.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	Window     string
}

// QuotaStore atomically checks both windows and consumes one request only when both allow it.
type QuotaStore interface {
	Consume(ctx context.Context, agentID string, limits Limits, now time.Time) (Decision, error)
}

// windowBounds returns the fixed minute and UTC-day windows containing now.
func windowBounds(now time.Time) (minuteStart, dayStart time.Time) {
	now = now.UTC()
	return now.Truncate(time.Minute), time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

type windowState struct {
	name  string
	limit int
	used  int
	reset time.Time
}

func (w windowState) remaining() int {
	if left := w.limit - w.used; left > 0 {
		return left
	}
	return 0
}

// decide builds a Decision from post-check counters, reporting the window that binds first.
func decide(allowed bool, limits Limits, minuteCount, dayCount int, now time.Time) Decision {
	now = now.UTC()
	minuteStart, dayStart := windowBounds(now)
	minute := windowState{name: WindowMinute, limit: limits.PerMinute, used: minuteCount, reset: minuteStart.Add(time.Minute)}
	day := windowState{name: WindowDay, limit: limits.PerDay, used: dayCount, reset: dayStart.Add(24 * time.Hour)}

	binding := minute
	switch {
	case minute.limit <= 0:
		binding = day
	case day.limit > 0 && day.remaining() < minute.remaining():
		binding = day
	case !allowed && day.limit > 0 && day.used >= day.limit:
		binding = day
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     binding.limit,
		Remaining: binding.remaining(),
		Reset:     binding.reset,
		Window:    binding.name,
	}
	if !allowed {
		d.Remaining = 0
		d.RetryAfter = d.Reset.Sub(now)
	}
	return d
}

const memoryQuotaShards = 64

// MemoryQuotaStore keeps fixed-window counters in process. Agents are spread over sharded locks.
type MemoryQuotaStore struct {
	shards [memoryQuotaShards]quotaShard
}

type quotaShard struct {
	mu       sync.Mutex
	counters map[string]*agentCounters
}

type agentCounters struct {
	minuteStart time.Time
	minuteCount int
	dayStart    time.Time
	dayCount    int
}

var _ QuotaStore = (*MemoryQuotaStore)(nil)

// NewMemoryQuotaStore constructs an empty store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	s := &MemoryQuotaStore{}
	for i := range s.shards {
		s.shards[i].counters = make(map[string]*agentCounters)
	}
	return s
}

func (s *MemoryQuotaStore) shard(agentID string) *quotaShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return &s.shards[h.Sum32()%memoryQuotaShards]
}

// Consume implements QuotaStore.
func (s *MemoryQuotaStore) Consume(_ context.Context, agentID string, limits Limits, now time.Time) (Decision, error) {
	minuteStart, dayStart := windowBounds(now)
	sh := s.shard(agentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[agentID]
	if !ok {
		c = &agentCounters{minuteStart: minuteStart, dayStart: dayStart}
		sh.counters[agentID] = c
	}
	if !c.minuteStart.Equal(minuteStart) {
		c.minuteStart, c.minuteCount = minuteStart, 0
	}
	if !c.dayStart.Equal(dayStart) {
		c.dayStart, c.dayCount = dayStart, 0
	}

	minuteFull := limits.PerMinute > 0 && c.minuteCount >= limits.PerMinute
	dayFull := limits.PerDay > 0 && c.dayCount >= limits.PerDay
	if minuteFull || dayFull {
		return decide(false, limits, c.minuteCount, c.dayCount, now), nil
	}
	c.minuteCount++
	c.dayCount++
	return decide(true, limits, c.minuteCount, c.dayCount, now), nil
}

// Prune drops counters whose day window has ended. It returns the number removed.
func (s *MemoryQuotaStore) Prune(now time.Time) int {
	_, dayStart := windowBounds(now)
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, c := range sh.counters {
			if c.dayStart.Before(dayStart) {
				delete(sh.counters, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
