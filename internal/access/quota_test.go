package access

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQuotaStorePrune(t *testing.T) {
	store := NewMemoryQuotaStore()
	day1 := time.Date(2024, time.January, 1, 23, 59, 0, 0, time.UTC)
	_, err := store.Consume(context.Background(), "agent_1", Limits{PerMinute: 5, PerDay: 5}, day1)
	require.NoError(t, err)

	assert.Equal(t, 0, store.Prune(day1))
	assert.Equal(t, 1, store.Prune(day1.Add(2*time.Minute)))
}

func TestDecideReportsTightestWindow(t *testing.T) {
	now := time.Date(2024, time.January, 1, 12, 0, 45, 0, time.UTC)
	d := decide(true, Limits{PerMinute: 10, PerDay: 100}, 3, 98, now)
	assert.Equal(t, WindowDay, d.Window)
	assert.Equal(t, 2, d.Remaining)

	d = decide(true, Limits{PerMinute: 10, PerDay: 100}, 3, 5, now)
	assert.Equal(t, WindowMinute, d.Window)
	assert.Equal(t, 7, d.Remaining)

	d = decide(false, Limits{PerMinute: 10, PerDay: 100}, 10, 50, now)
	assert.Equal(t, 15*time.Second, d.RetryAfter)
}

// TestRedisQuotaStore_Integration requires a running Redis and is skipped otherwise.
func TestRedisQuotaStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	store := NewRedisQuotaStoreWithClient(client)
	defer store.Close()

	agent := "test-quota-" + time.Now().Format("150405.000000")
	now := time.Now().UTC()
	limits := Limits{PerMinute: 1, PerDay: 10}

	first, err := store.Consume(ctx, agent, limits, now)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := store.Consume(ctx, agent, limits, now)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, WindowMinute, second.Window)
}
