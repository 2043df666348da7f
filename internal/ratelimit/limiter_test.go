package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestLimiter connects to a local Redis on DB 15. Tests are skipped if
// Redis is unavailable.
func setupTestLimiter(t *testing.T) (*Limiter, *redis.Client, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), rdb, ctx
}

func TestAllow_DeniesOverLimit(t *testing.T) {
	l, rdb, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "conn-1", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	ttl, err := rdb.TTL(ctx, "rl:test:conn-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "key must carry an expiry")

	// Other identifiers are unaffected.
	d, err = l.Allow(ctx, "conn-2", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestReset(t *testing.T) {
	l, _, ctx := setupTestLimiter(t)

	for range RuleSearch.Limit {
		d, err := l.Allow(ctx, "conn-1", RuleSearch)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "conn-1", RuleSearch)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "conn-1", RuleSearch, RuleMessage))
	d, err = l.Allow(ctx, "conn-1", RuleSearch)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_FailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "localhost:1", // nothing listens here
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	d, err := NewLimiter(rdb).Allow(context.Background(), "conn-1", RuleMessage)
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}
