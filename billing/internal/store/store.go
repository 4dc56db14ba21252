// Package store defines the storage interface for the billing service and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by operations that require an existing row.
	ErrNotFound = errors.New("store: not found")
	// ErrHandoffExpired is returned when a handoff code exists but its TTL has elapsed.
	ErrHandoffExpired = errors.New("store: handoff code expired")
	// ErrHandoffConsumed is returned when a handoff code was already exchanged.
	ErrHandoffConsumed = errors.New("store: handoff code already consumed")
)

// Store is the persistence interface for the billing service.
//
// Every method that guards a concurrent race is a single conditional statement:
// callers never read-then-write to decide ownership.
type Store interface {
	// Profiles
	EnsureProfile(ctx context.Context, userID, email string, now time.Time) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error)
	LinkGatewayCustomer(ctx context.Context, userID, customerID string, now time.Time) (bool, error)
	ApplySubscription(ctx context.Context, ref ProfileRef, upd SubscriptionUpdate, now time.Time) (bool, error)
	CancelSubscription(ctx context.Context, customerID string, now time.Time) (bool, error)
	SetSubscriptionStatus(ctx context.Context, customerID, status string, now time.Time) (bool, error)

	// Mutation locks
	ClaimMutationLock(ctx context.Context, lock *MutationLock, now time.Time) (bool, error)
	GetMutationLock(ctx context.Context, scope, userID, clientKey string) (*MutationLock, error)
	CompleteMutationLock(ctx context.Context, scope, userID, clientKey, owner string, response []byte) (bool, error)
	ReleaseMutationLock(ctx context.Context, scope, userID, clientKey, owner string) (bool, error)
	DeleteExpiredMutationLocks(ctx context.Context, now time.Time) (int64, error)

	// Webhook events
	InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error)
	TransitionWebhookEvent(ctx context.Context, t EventTransition) (bool, error)
	DeleteProcessedWebhookEvents(ctx context.Context, before time.Time) (int64, error)

	// Handoff codes
	InsertHandoffCode(ctx context.Context, code *HandoffCode) error
	ConsumeHandoffCode(ctx context.Context, codeHash string, now time.Time) (*HandoffCode, error)
	DeleteExpiredHandoffCodes(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Subscription statuses recorded on a profile.
const (
	StatusNone     = "none"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// Profile is a user's billing state.
type Profile struct {
	UserID                string     `json:"user_id"`
	Email                 string     `json:"email,omitempty"`
	Tier                  string     `json:"tier"`
	SubscriptionStatus    string     `json:"subscription_status"`
	GatewayCustomerID     string     `json:"gateway_customer_id,omitempty"`
	GatewaySubscriptionID string     `json:"gateway_subscription_id,omitempty"`
	PeriodStart           *time.Time `json:"period_start,omitempty"`
	PeriodEnd             *time.Time `json:"period_end,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end"`
	BuildsUsedThisPeriod  int        `json:"builds_used_this_period"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ProfileRef selects a profile by user id or, when UserID is empty, by gateway customer id.
type ProfileRef struct {
	UserID     string
	CustomerID string
}

// SubscriptionUpdate carries the subscription state to apply to a profile.
//
// Empty Tier or SubscriptionID leave the stored value untouched. A nil PeriodStart leaves
// the period and usage untouched. A PeriodStart earlier than the stored one never
// overwrites it; a strictly later one resets usage to zero.
type SubscriptionUpdate struct {
	Tier              string
	Status            string
	SubscriptionID    string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// Mutation lock states.
const (
	LockInFlight  = "in_flight"
	LockCompleted = "completed"
)

// MutationLock is an idempotency record for one (scope, user, client key).
type MutationLock struct {
	Scope     string
	UserID    string
	ClientKey string
	Owner     string // random token identifying the acquisition
	State     string
	Response  []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// EventStatus is the processing status of a webhook event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
)

// WebhookEvent is a ledger row for one gateway event id. Rows are never deleted by
// processing; only the sweeper purges processed rows past retention.
type WebhookEvent struct {
	EventID     string
	EventType   string
	Status      EventStatus
	Version     int64 // incremented on every transition; the compare-and-swap column
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// EventTransition moves an event from From to To, provided the row still carries
// Version. A mismatch means another worker moved it first.
type EventTransition struct {
	EventID   string
	From      EventStatus
	To        EventStatus
	Version   int64
	LastError string
	At        time.Time
}

// HandoffCode is a stored handoff record. The plaintext code is never stored.
type HandoffCode struct {
	CodeHash   string
	UserID     string
	Ciphertext []byte
	Nonce      []byte
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}
