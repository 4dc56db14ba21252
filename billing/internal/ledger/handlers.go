package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/gateway"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/plans"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
)

// Gateway event types the ledger acts on.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventInvoicePaid          = "invoice.paid"
)

var (
	// ErrUnresolvedUser means a completed checkout carried no user id in its own or its
	// customer's metadata. The event is marked failed rather than attributed to anyone.
	ErrUnresolvedUser = errors.New("ledger: checkout has no resolvable user id")
	// ErrUnknownCustomer means no profile is linked to the event's customer yet.
	ErrUnknownCustomer = errors.New("ledger: no profile linked to customer")
	// ErrCustomerMismatch means a completed checkout names a customer other than the one
	// already linked to the user's profile. Nothing is applied.
	ErrCustomerMismatch = errors.New("ledger: profile is linked to a different customer")
)

func (l *Ledger) dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventCheckoutCompleted:    l.handleCheckoutCompleted,
		EventSubscriptionCreated:  l.handleSubscriptionChanged,
		EventSubscriptionUpdated:  l.handleSubscriptionChanged,
		EventSubscriptionDeleted:  l.handleSubscriptionDeleted,
		EventInvoicePaymentFailed: l.handleInvoicePaymentFailed,
		EventInvoicePaid:          l.handleInvoicePaid,
	}
}

func (l *Ledger) dispatch(ctx context.Context, ev *gateway.Event) error {
	h, ok := l.handlers[ev.Type]
	if !ok {
		l.logger.Debug("webhook event type ignored", "event_id", ev.ID, "event_type", ev.Type)
		return nil
	}
	return h(ctx, ev)
}

func (l *Ledger) handleCheckoutCompleted(ctx context.Context, ev *gateway.Event) error {
	cs, err := gateway.DecodeCheckoutSession(ev.Object)
	if err != nil {
		return err
	}
	if cs.SubscriptionID == "" {
		return fmt.Errorf("checkout session %s has no subscription", cs.ID)
	}
	sub, err := l.gw.GetSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		return err
	}
	customerID := cs.CustomerID
	if customerID == "" {
		customerID = sub.CustomerID
	}

	userID, err := l.resolveUser(ctx, cs, customerID)
	if err != nil {
		return err
	}

	now := l.now()
	if err := l.store.EnsureProfile(ctx, userID, "", now); err != nil {
		return err
	}
	if customerID != "" {
		linked, err := l.store.LinkGatewayCustomer(ctx, userID, customerID, now)
		if err != nil {
			return fmt.Errorf("link customer %s: %w", customerID, err)
		}
		if !linked {
			// The profile belongs to another customer; apply nothing.
			return fmt.Errorf("user %s, customer %s: %w", userID, customerID, ErrCustomerMismatch)
		}
	}

	ok, err := l.store.ApplySubscription(ctx, store.ProfileRef{UserID: userID}, l.subscriptionUpdate(sub, true), now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("profile %s vanished during checkout", userID)
	}
	return nil
}

// resolveUser reads the user id from the session metadata, then the client reference,
// then the customer's metadata. It never guesses.
func (l *Ledger) resolveUser(ctx context.Context, cs *gateway.CheckoutSession, customerID string) (string, error) {
	if id := cs.Metadata[gateway.MetadataUserID]; id != "" {
		return id, nil
	}
	if cs.ClientReferenceID != "" {
		return cs.ClientReferenceID, nil
	}
	if customerID == "" {
		return "", ErrUnresolvedUser
	}
	cust, err := l.gw.GetCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	if cust.Deleted || cust.Metadata[gateway.MetadataUserID] == "" {
		return "", fmt.Errorf("session %s: %w", cs.ID, ErrUnresolvedUser)
	}
	return cust.Metadata[gateway.MetadataUserID], nil
}

func (l *Ledger) handleSubscriptionChanged(ctx context.Context, ev *gateway.Event) error {
	sub, err := gateway.DecodeSubscription(ev.Object)
	if err != nil {
		return err
	}
	return l.applyByCustomer(ctx, sub.CustomerID, l.subscriptionUpdate(sub, true))
}

func (l *Ledger) handleSubscriptionDeleted(ctx context.Context, ev *gateway.Event) error {
	sub, err := gateway.DecodeSubscription(ev.Object)
	if err != nil {
		return err
	}
	ok, err := l.store.CancelSubscription(ctx, sub.CustomerID, l.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCustomer, sub.CustomerID)
	}
	return nil
}

func (l *Ledger) handleInvoicePaymentFailed(ctx context.Context, ev *gateway.Event) error {
	inv, err := gateway.DecodeInvoice(ev.Object)
	if err != nil {
		return err
	}
	ok, err := l.store.SetSubscriptionStatus(ctx, inv.CustomerID, store.StatusPastDue, l.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCustomer, inv.CustomerID)
	}
	return nil
}

// handleInvoicePaid refreshes status and period from the live subscription. The tier
// is left alone; price changes arrive as subscription updates.
func (l *Ledger) handleInvoicePaid(ctx context.Context, ev *gateway.Event) error {
	inv, err := gateway.DecodeInvoice(ev.Object)
	if err != nil {
		return err
	}
	if inv.SubscriptionID == "" {
		return nil
	}
	sub, err := l.gw.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return err
	}
	return l.applyByCustomer(ctx, inv.CustomerID, l.subscriptionUpdate(sub, false))
}

func (l *Ledger) applyByCustomer(ctx context.Context, customerID string, upd store.SubscriptionUpdate) error {
	if customerID == "" {
		return fmt.Errorf("%w: empty customer id", ErrUnknownCustomer)
	}
	ok, err := l.store.ApplySubscription(ctx, store.ProfileRef{CustomerID: customerID}, upd, l.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCustomer, customerID)
	}
	return nil
}

func (l *Ledger) subscriptionUpdate(sub *gateway.Subscription, withTier bool) store.SubscriptionUpdate {
	upd := store.SubscriptionUpdate{
		Status:            sub.Status,
		PeriodStart:       sub.PeriodStart,
		PeriodEnd:         sub.PeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if withTier {
		upd.SubscriptionID = sub.ID
		upd.Tier = string(l.tierFor(sub.PriceID))
	}
	return upd
}

func (l *Ledger) tierFor(priceID string) plans.Tier {
	tier, ok := l.catalog.TierForPrice(priceID)
	if !ok {
		l.logger.Warn("unknown price id, treating as free", "price_id", priceID)
		return plans.Free
	}
	return tier
}
