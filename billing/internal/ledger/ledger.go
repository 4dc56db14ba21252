// Package ledger processes signed payment gateway webhooks exactly once.
//
// Every event id owns one row in the webhook_events table. A delivery first claims the
// row (insert-if-absent, or a compare-and-swap reclaim of a failed or abandoned row),
// then applies the event to the subscription profile, then finalizes the row as
// processed or failed. Rows are never deleted while processing.
package ledger

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/gateway"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/plans"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/telemetry"
)

// DefaultStaleAfter is how long a pending row may sit untouched before another
// delivery may reclaim it.
const DefaultStaleAfter = 5 * time.Minute

// Outcome is the result of one delivery.
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Duplicate Outcome = "duplicate"
	Conflict  Outcome = "conflict"
	Rejected  Outcome = "rejected"
	Failed    Outcome = "failed"
)

// ErrBusy is returned with Conflict: the event is being processed elsewhere, or another
// delivery won the reclaim.
var ErrBusy = apperr.Conflict("event is being processed")

// Store is the persistence the ledger needs.
type Store interface {
	InsertWebhookEvent(ctx context.Context, ev *store.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, eventID string) (*store.WebhookEvent, error)
	TransitionWebhookEvent(ctx context.Context, t store.EventTransition) (bool, error)

	EnsureProfile(ctx context.Context, userID, email string, now time.Time) error
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
	LinkGatewayCustomer(ctx context.Context, userID, customerID string, now time.Time) (bool, error)
	ApplySubscription(ctx context.Context, ref store.ProfileRef, upd store.SubscriptionUpdate, now time.Time) (bool, error)
	CancelSubscription(ctx context.Context, customerID string, now time.Time) (bool, error)
	SetSubscriptionStatus(ctx context.Context, customerID, status string, now time.Time) (bool, error)
}

// Gateway is the part of the payment gateway the ledger calls.
type Gateway interface {
	gateway.EventVerifier
	gateway.SubscriptionFetcher
	gateway.CustomerFetcher
}

type handlerFunc func(ctx context.Context, ev *gateway.Event) error

// Ledger verifies, claims, dispatches and finalizes webhook events.
type Ledger struct {
	store      Store
	gw         Gateway
	catalog    *plans.Catalog
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	handlers   map[string]handlerFunc
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithMetrics records delivery outcomes.
func WithMetrics(m *telemetry.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// New creates a Ledger.
func New(st Store, gw Gateway, catalog *plans.Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		store:      st,
		gw:         gw,
		catalog:    catalog,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.handlers = l.dispatchTable()
	return l
}

// ProcessEvent handles one webhook delivery.
//
// Accepted and Duplicate return a nil error. Rejected carries a signature error,
// Conflict carries ErrBusy and Failed carries a transient error; the gateway redelivers
// on all three non-success statuses.
func (l *Ledger) ProcessEvent(ctx context.Context, body []byte, signatureHeader string) (Outcome, error) {
	ev, err := l.gw.VerifyEvent(body, signatureHeader)
	if err != nil {
		l.logger.Warn("webhook rejected", "error", err)
		l.metrics.WebhookOutcome(ctx, string(Rejected), "")
		return Rejected, err
	}

	outcome, err := l.process(ctx, ev)
	l.metrics.WebhookOutcome(ctx, string(outcome), ev.Type)
	return outcome, err
}

func (l *Ledger) process(ctx context.Context, ev *gateway.Event) (Outcome, error) {
	logger := l.logger.With("event_id", ev.ID, "event_type", ev.Type)

	version, outcome, err := l.claim(ctx, ev)
	if err != nil {
		logger.Error("claim webhook event", "error", err)
		return Failed, apperr.Transient("claim webhook event", err)
	}
	switch outcome {
	case Duplicate:
		logger.Debug("webhook already processed")
		return Duplicate, nil
	case Conflict:
		logger.Info("webhook busy or reclaimed elsewhere")
		return Conflict, ErrBusy
	}

	// The row is ours; finalization must not be skipped because the caller went away.
	ctx = context.WithoutCancel(ctx)

	if herr := l.dispatch(ctx, ev); herr != nil {
		logger.Error("webhook handler failed", "error", herr)
		if _, ferr := l.finalize(ctx, ev.ID, version, TriggerFail, herr.Error()); ferr != nil {
			logger.Error("mark webhook failed", "error", ferr)
		}
		return Failed, apperr.Transient("webhook processing failed", herr)
	}

	won, err := l.finalize(ctx, ev.ID, version, TriggerSucceed, "")
	if err != nil {
		logger.Error("mark webhook processed", "error", err)
		return Failed, apperr.Transient("finalize webhook event", err)
	}
	if !won {
		// Another delivery reclaimed the row while this one was still running.
		logger.Warn("webhook row reclaimed before finalize", "version", version)
		return Conflict, ErrBusy
	}
	logger.Info("webhook processed")
	return Accepted, nil
}

// claim returns the version of the row this delivery now owns, or an outcome when it
// must not process the event.
func (l *Ledger) claim(ctx context.Context, ev *gateway.Event) (int64, Outcome, error) {
	now := l.now()
	inserted, err := l.store.InsertWebhookEvent(ctx, &store.WebhookEvent{
		EventID:   ev.ID,
		EventType: ev.Type,
		Status:    store.EventPending,
		Version:   1,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return 0, "", err
	}
	if inserted {
		return 1, "", nil
	}

	existing, err := l.store.GetWebhookEvent(ctx, ev.ID)
	if err != nil {
		return 0, "", err
	}
	if existing == nil {
		// Purged between insert and read.
		return 0, Conflict, nil
	}

	state := Observe(existing, now, l.staleAfter)
	switch state {
	case StateProcessed:
		return 0, Duplicate, nil
	case StatePending:
		return 0, Conflict, nil
	}

	to, err := Next(state, TriggerReclaim)
	if err != nil {
		return 0, "", err
	}
	won, err := l.store.TransitionWebhookEvent(ctx, store.EventTransition{
		EventID:   ev.ID,
		From:      existing.Status,
		To:        to,
		Version:   existing.Version,
		LastError: existing.LastError,
		At:        now,
	})
	if err != nil {
		return 0, "", err
	}
	if !won {
		return 0, Conflict, nil
	}
	l.logger.Info("webhook event reclaimed", "event_id", ev.ID, "from", state, "attempt", existing.Attempts+1)
	return existing.Version + 1, "", nil
}

// finalize moves the owned pending row to processed or failed. It reports false when the
// row no longer carries version.
func (l *Ledger) finalize(ctx context.Context, eventID string, version int64, tr Trigger, lastErr string) (bool, error) {
	to, err := Next(StatePending, tr)
	if err != nil {
		return false, err
	}
	return l.store.TransitionWebhookEvent(ctx, store.EventTransition{
		EventID:   eventID,
		From:      store.EventPending,
		To:        to,
		Version:   version,
		LastError: truncate(lastErr, 500),
		At:        l.now(),
	})
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
