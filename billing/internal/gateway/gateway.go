// Package gateway abstracts the payment gateway used for customers, checkout, the
// billing portal, subscriptions and signed webhook events.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// MetadataUserID is the metadata key carrying the internal user id on gateway objects.
const MetadataUserID = "userId"

// Gateway is the subset of the payment provider the billing service uses.
type Gateway interface {
	EventVerifier
	CreateCustomer(ctx context.Context, email, userID, idempotencyKey string) (string, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*RedirectSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL, idempotencyKey string) (*RedirectSession, error)
	SubscriptionFetcher
}

// EventVerifier authenticates a raw webhook body against its signature header.
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (*Event, error)
}

// SubscriptionFetcher retrieves the current state of a subscription.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
}

// CustomerFetcher retrieves a customer.
type CustomerFetcher interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}

// Event is a verified webhook event.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage // data.object
}

// Customer is a gateway customer.
type Customer struct {
	ID       string
	Email    string
	Deleted  bool
	Metadata map[string]string
}

// Subscription is the gateway's view of a subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// CheckoutSession is a completed checkout as delivered in webhook payloads.
type CheckoutSession struct {
	ID                string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// Invoice is an invoice as delivered in webhook payloads.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

// CheckoutRequest describes a subscription checkout session to create.
type CheckoutRequest struct {
	CustomerID     string
	PriceID        string
	UserID         string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// RedirectSession is a hosted page the user is redirected to.
type RedirectSession struct {
	ID  string
	URL string
}
