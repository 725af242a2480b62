package access

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisQuotaScript checks and consumes both windows atomically.
// KEYS[1] = minute counter, KEYS[2] = day counter
// ARGV[1] = per-minute limit, ARGV[2] = per-day limit (0 disables a window)
// ARGV[3] = minute ttl seconds, ARGV[4] = day ttl seconds
var redisQuotaScript = redis.NewScript(`
local minute = tonumber(redis.call("GET", KEYS[1]) or "0")
local day = tonumber(redis.call("GET", KEYS[2]) or "0")
local minuteLimit = tonumber(ARGV[1])
local dayLimit = tonumber(ARGV[2])

if (minuteLimit > 0 and minute >= minuteLimit) or (dayLimit > 0 and day >= dayLimit) then
    return {0, minute, day}
end

minute = redis.call("INCR", KEYS[1])
if minute == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[3])
end
day = redis.call("INCR", KEYS[2])
if day == 1 then
    redis.call("EXPIRE", KEYS[2], ARGV[4])
end
return {1, minute, day}
`)

// RedisQuotaStore shares fixed-window counters across gateway instances.
type RedisQuotaStore struct {
	client redis.UniversalClient
	prefix string
}

var _ QuotaStore = (*RedisQuotaStore)(nil)

// NewRedisQuotaStore creates a store backed by a new Redis client.
func NewRedisQuotaStore(addr, password string, db int) *RedisQuotaStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisQuotaStoreWithClient(rdb)
}

// NewRedisQuotaStoreWithClient wraps an existing client.
func NewRedisQuotaStoreWithClient(client redis.UniversalClient) *RedisQuotaStore {
	return &RedisQuotaStore{client: client, prefix: "quota"}
}

// Ping reports whether Redis is reachable; used by readiness checks.
func (s *RedisQuotaStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisQuotaStore) Close() error {
	return s.client.Close()
}

// Consume implements QuotaStore.
func (s *RedisQuotaStore) Consume(ctx context.Context, agentID string, limits Limits, now time.Time) (Decision, error) {
	minuteStart, dayStart := windowBounds(now)
	// The hash tag keeps both counters in one cluster slot so the script stays atomic.
	minuteKey := fmt.Sprintf("%s:{%s}:m:%d", s.prefix, agentID, minuteStart.Unix())
	dayKey := fmt.Sprintf("%s:{%s}:d:%d", s.prefix, agentID, dayStart.Unix())

	res, err := redisQuotaScript.Run(ctx, s.client, []string{minuteKey, dayKey},
		limits.PerMinute, limits.PerDay, 120, 48*60*60).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("access: redis quota: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("access: unexpected quota script response %T", res)
	}
	allowed, _ := values[0].(int64)
	minuteCount, _ := values[1].(int64)
	dayCount, _ := values[2].(int64)
	return decide(allowed == 1, limits, int(minuteCount), int(dayCount), now), nil
}
