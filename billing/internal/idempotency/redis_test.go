package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisLocks connects to REDIS_TEST_URL (default redis://localhost:6379/15) and
// skips the test when no server answers.
func newTestRedisLocks(t *testing.T) *RedisLocks {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	client, err := NewRedisClient(url)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", url, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocks(client, "billing-test:"+uuid.NewString()+":")
}

func TestRedisGuardLifecycle(t *testing.T) {
	locks := newTestRedisLocks(t)
	g := New(locks, 2*time.Second)
	ctx := context.Background()

	res, err := g.Acquire(ctx, "checkout", "u1", "abc")
	require.NoError(t, err)
	require.Equal(t, Acquired, res.State)

	dup, err := g.Acquire(ctx, "checkout", "u1", "abc")
	require.NoError(t, err)
	assert.Equal(t, InFlight, dup.State)

	require.NoError(t, g.Complete(ctx, res.Lease, []byte(`{"url":"u"}`)))

	cached, err := g.Acquire(ctx, "checkout", "u1", "abc")
	require.NoError(t, err)
	assert.Equal(t, Cached, cached.State)
	assert.Equal(t, `{"url":"u"}`, string(cached.Response))
}

func TestRedisReleaseRequiresOwner(t *testing.T) {
	locks := newTestRedisLocks(t)
	g := New(locks, time.Minute)
	ctx := context.Background()

	res, err := g.Acquire(ctx, "portal", "u1", "k")
	require.NoError(t, err)

	ok, err := locks.ReleaseMutationLock(ctx, "portal", "u1", "k", "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, res.Lease))
	again, err := g.Acquire(ctx, "portal", "u1", "k")
	require.NoError(t, err)
	assert.Equal(t, Acquired, again.State)
}
