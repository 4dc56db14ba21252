// Package idempotency ensures a client-keyed mutation runs at most once per TTL window.
//
// A Guard claims a lock row keyed by (scope, user, client key) with a single
// insert-if-absent statement. The caller that wins runs the operation and completes the
// lock with its response; callers arriving while it runs get InFlight, callers arriving
// afterwards get the cached response until the TTL elapses.
//
// If the process crashes between Acquire and Complete the lock stays in flight until
// its TTL expires, after which the same key can execute again.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/telemetry"
)

// DefaultTTL is how long a lock or its cached response lives.
const DefaultTTL = 5 * time.Minute

// MaxKeyLength bounds client-supplied idempotency keys.
const MaxKeyLength = 255

var (
	// ErrInFlight is returned by Do when another request with the same key is running.
	ErrInFlight = apperr.Conflict("a request with this Idempotency-Key is already in progress, please try again shortly")
	// ErrLeaseLost is returned by Complete when the lock expired and was claimed by someone else.
	ErrLeaseLost = errors.New("idempotency: lease lost")
)

// LockStore is the persisted lock table. store.Store and RedisLocks implement it.
type LockStore interface {
	ClaimMutationLock(ctx context.Context, lock *store.MutationLock, now time.Time) (bool, error)
	GetMutationLock(ctx context.Context, scope, userID, clientKey string) (*store.MutationLock, error)
	CompleteMutationLock(ctx context.Context, scope, userID, clientKey, owner string, response []byte) (bool, error)
	ReleaseMutationLock(ctx context.Context, scope, userID, clientKey, owner string) (bool, error)
}

// State is the outcome of Acquire.
type State int

const (
	Acquired State = iota
	InFlight
	Cached
)

func (s State) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case InFlight:
		return "in_flight"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// Lease identifies a won acquisition. Only its holder can complete or release the lock.
type Lease struct {
	Scope     string
	UserID    string
	ClientKey string
	owner     string
}

// Result is returned by Acquire. Response is set for Cached, Lease for Acquired.
type Result struct {
	State    State
	Response []byte
	Lease    *Lease
}

// Guard coordinates idempotent mutations over a LockStore.
type Guard struct {
	locks   LockStore
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

// WithMetrics records acquisition results.
func WithMetrics(m *telemetry.Metrics) Option { return func(g *Guard) { g.metrics = m } }

// New creates a Guard. A non-positive ttl uses DefaultTTL.
func New(locks LockStore, ttl time.Duration, opts ...Option) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Guard{
		locks:  locks,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ValidateKey rejects empty, oversized or non-printable client keys.
func ValidateKey(key string) error {
	if key == "" {
		return apperr.Validation("missing Idempotency-Key header")
	}
	if len(key) > MaxKeyLength {
		return apperr.Validation("Idempotency-Key is too long")
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return apperr.Validation("Idempotency-Key must be printable ASCII")
		}
	}
	return nil
}

// claimAttempts bounds the retries when a row disappears or expires between the
// claim and the follow-up read.
const claimAttempts = 3

// Acquire claims the lock for (scope, userID, clientKey).
func (g *Guard) Acquire(ctx context.Context, scope, userID, clientKey string) (Result, error) {
	if err := ValidateKey(clientKey); err != nil {
		return Result{}, err
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := g.now()
		owner := uuid.NewString()
		claimed, err := g.locks.ClaimMutationLock(ctx, &store.MutationLock{
			Scope:     scope,
			UserID:    userID,
			ClientKey: clientKey,
			Owner:     owner,
			State:     store.LockInFlight,
			ExpiresAt: now.Add(g.ttl),
			CreatedAt: now,
		}, now)
		if err != nil {
			return Result{}, apperr.Transient("claim idempotency lock", err)
		}
		if claimed {
			g.metrics.IdempotencyResult(ctx, scope, Acquired.String())
			return Result{
				State: Acquired,
				Lease: &Lease{Scope: scope, UserID: userID, ClientKey: clientKey, owner: owner},
			}, nil
		}

		existing, err := g.locks.GetMutationLock(ctx, scope, userID, clientKey)
		if err != nil {
			return Result{}, apperr.Transient("read idempotency lock", err)
		}
		if existing == nil || !now.Before(existing.ExpiresAt) {
			continue
		}
		if existing.State == store.LockCompleted {
			g.metrics.IdempotencyResult(ctx, scope, Cached.String())
			return Result{State: Cached, Response: existing.Response}, nil
		}
		g.metrics.IdempotencyResult(ctx, scope, InFlight.String())
		return Result{State: InFlight}, nil
	}

	g.metrics.IdempotencyResult(ctx, scope, InFlight.String())
	return Result{State: InFlight}, nil
}

// Complete stores response as the cached result of the lease's operation.
func (g *Guard) Complete(ctx context.Context, lease *Lease, response []byte) error {
	ok, err := g.locks.CompleteMutationLock(ctx, lease.Scope, lease.UserID, lease.ClientKey, lease.owner, response)
	if err != nil {
		return apperr.Transient("complete idempotency lock", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Release drops an in-flight lock after the operation failed, so a retry with the same
// key can run instead of waiting out the TTL.
func (g *Guard) Release(ctx context.Context, lease *Lease) error {
	if _, err := g.locks.ReleaseMutationLock(ctx, lease.Scope, lease.UserID, lease.ClientKey, lease.owner); err != nil {
		return apperr.Transient("release idempotency lock", err)
	}
	return nil
}

// Do runs fn at most once per (scope, userID, clientKey) within the TTL. Replays return
// the cached response; concurrent duplicates get ErrInFlight. When fn fails the lock is
// released and fn's error returned.
func (g *Guard) Do(ctx context.Context, scope, userID, clientKey string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	res, err := g.Acquire(ctx, scope, userID, clientKey)
	if err != nil {
		return nil, err
	}
	switch res.State {
	case Cached:
		return res.Response, nil
	case InFlight:
		return nil, ErrInFlight
	}

	out, err := fn(ctx)
	if err != nil {
		if rerr := g.Release(context.WithoutCancel(ctx), res.Lease); rerr != nil {
			g.logger.Warn("release idempotency lock failed", "scope", scope, "user_id", userID, "error", rerr)
		}
		return nil, err
	}

	if err := g.Complete(context.WithoutCancel(ctx), res.Lease, out); err != nil {
		// The operation already ran; the caller still gets its result.
		g.logger.Warn("complete idempotency lock failed", "scope", scope, "user_id", userID, "error", err)
	}
	return out, nil
}

// Key formats the lock identity for logs and Redis keys. Each part is query-escaped so
// a ":" inside a part cannot make two identities share a key.
func Key(scope, userID, clientKey string) string {
	return url.QueryEscape(scope) + ":" + url.QueryEscape(userID) + ":" + url.QueryEscape(clientKey)
}
