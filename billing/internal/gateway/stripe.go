package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
)

// DefaultTolerance is the accepted age of a webhook signature timestamp.
const DefaultTolerance = 300 * time.Second

// Stripe implements Gateway with the Stripe API.
type Stripe struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

// NewStripe creates a Stripe gateway. A non-positive tolerance uses DefaultTolerance.
func NewStripe(secretKey, webhookSecret string, tolerance time.Duration) *Stripe {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{api: api, webhookSecret: webhookSecret, tolerance: tolerance}
}

// NewStripeVerifier returns a gateway that can only verify webhook events. Useful for
// tooling that never calls the API.
func NewStripeVerifier(webhookSecret string, tolerance time.Duration) *Stripe {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Stripe{webhookSecret: webhookSecret, tolerance: tolerance}
}

// VerifyEvent checks the Stripe-Signature header, including the timestamp tolerance,
// and decodes the event envelope. Any failure is a signature error.
func (s *Stripe) VerifyEvent(payload []byte, signatureHeader string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                s.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, apperr.Signature(err)
	}
	if ev.ID == "" || ev.Data == nil {
		return nil, apperr.Signature(errors.New("event missing id or data"))
	}
	return &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
		Object:  ev.Data.Raw,
	}, nil
}

func (s *Stripe) CreateCustomer(ctx context.Context, email, userID, idempotencyKey string) (string, error) {
	params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(MetadataUserID, userID)
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	c, err := s.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (s *Stripe) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	c, err := s.api.Customers.Get(id, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, fmt.Errorf("stripe get customer %s: %w", id, err)
	}
	return &Customer{ID: c.ID, Email: c.Email, Deleted: c.Deleted, Metadata: c.Metadata}, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*RedirectSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserID: req.UserID},
		},
	}
	params.AddMetadata(MetadataUserID, req.UserID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create checkout session: %w", err)
	}
	return &RedirectSession{ID: cs.ID, URL: cs.URL}, nil
}

func (s *Stripe) CreatePortalSession(ctx context.Context, customerID, returnURL, idempotencyKey string) (*RedirectSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	ps, err := s.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create portal session: %w", err)
	}
	return &RedirectSession{ID: ps.ID, URL: ps.URL}, nil
}

// GetSubscription retrieves a subscription. The raw response body is decoded with
// DecodeSubscription so billing periods are read the same way as webhook payloads.
func (s *Stripe) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription %s: %w", id, err)
	}
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		return DecodeSubscription(sub.LastResponse.RawJSON)
	}

	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	return out, nil
}
