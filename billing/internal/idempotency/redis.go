package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
)

// redisClaimScript creates the lock hash unless a live one exists.
// KEYS[1] = lock key
// ARGV[1] = owner, ARGV[2] = expires_at (unix ms), ARGV[3] = created_at (unix ms), ARGV[4] = ttl (ms)
var redisClaimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "owner", ARGV[1], "state", "in_flight", "expires_at", ARGV[2], "created_at", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

// redisCompleteScript stores the response if the caller still owns an in-flight lock.
// The key's remaining TTL is kept.
var redisCompleteScript = redis.NewScript(`
local state = redis.call("HMGET", KEYS[1], "owner", "state")
if state[1] ~= ARGV[1] or state[2] ~= "in_flight" then
    return 0
end
redis.call("HSET", KEYS[1], "state", "completed", "response", ARGV[2])
return 1
`)

// redisReleaseScript deletes the lock if the caller still owns it and it is in flight.
var redisReleaseScript = redis.NewScript(`
local state = redis.call("HMGET", KEYS[1], "owner", "state")
if state[1] ~= ARGV[1] or state[2] ~= "in_flight" then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisLocks implements LockStore in Redis. Expiry is enforced by key TTL, so the
// sweeper has nothing to purge for this backend.
type RedisLocks struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocks creates a Redis-backed lock store.
func NewRedisLocks(client redis.UniversalClient, prefix string) *RedisLocks {
	if prefix == "" {
		prefix = "billing:idem:"
	}
	return &RedisLocks{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *RedisLocks) key(scope, userID, clientKey string) string {
	return r.prefix + Key(scope, userID, clientKey)
}

func (r *RedisLocks) ClaimMutationLock(ctx context.Context, lock *store.MutationLock, now time.Time) (bool, error) {
	ttl := lock.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return false, fmt.Errorf("redis claim: lock already expired")
	}
	res, err := redisClaimScript.Run(ctx, r.client,
		[]string{r.key(lock.Scope, lock.UserID, lock.ClientKey)},
		lock.Owner, lock.ExpiresAt.UnixMilli(), now.UnixMilli(), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return res == 1, nil
}

func (r *RedisLocks) GetMutationLock(ctx context.Context, scope, userID, clientKey string) (*store.MutationLock, error) {
	fields, err := r.client.HGetAll(ctx, r.key(scope, userID, clientKey)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(fields) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	l := &store.MutationLock{
		Scope:     scope,
		UserID:    userID,
		ClientKey: clientKey,
		Owner:     fields["owner"],
		State:     fields["state"],
	}
	if resp, ok := fields["response"]; ok {
		l.Response = []byte(resp)
	}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		l.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		l.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return l, nil
}

func (r *RedisLocks) CompleteMutationLock(ctx context.Context, scope, userID, clientKey, owner string, response []byte) (bool, error) {
	res, err := redisCompleteScript.Run(ctx, r.client,
		[]string{r.key(scope, userID, clientKey)}, owner, response,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis complete: %w", err)
	}
	return res == 1, nil
}

func (r *RedisLocks) ReleaseMutationLock(ctx context.Context, scope, userID, clientKey, owner string) (bool, error) {
	res, err := redisReleaseScript.Run(ctx, r.client,
		[]string{r.key(scope, userID, clientKey)}, owner,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release: %w", err)
	}
	return res == 1, nil
}
