package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// expandableID decodes a field that is either an id string or an expanded object with an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type subscriptionItemWire struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// subscriptionWire accepts both the older shape (period on the subscription) and the
// newer one (period on each item).
type subscriptionWire struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItemWire `json:"data"`
	} `json:"items"`
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// DecodeSubscription parses a subscription object.
func DecodeSubscription(raw []byte) (*Subscription, error) {
	var w subscriptionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("decode subscription: missing id")
	}

	sub := &Subscription{
		ID:                w.ID,
		CustomerID:        string(w.Customer),
		Status:            w.Status,
		CancelAtPeriodEnd: w.CancelAtPeriodEnd,
		PeriodStart:       unixPtr(w.CurrentPeriodStart),
		PeriodEnd:         unixPtr(w.CurrentPeriodEnd),
	}
	if len(w.Items.Data) > 0 {
		item := w.Items.Data[0]
		sub.PriceID = item.Price.ID
		if sub.PeriodStart == nil {
			sub.PeriodStart = unixPtr(item.CurrentPeriodStart)
		}
		if sub.PeriodEnd == nil {
			sub.PeriodEnd = unixPtr(item.CurrentPeriodEnd)
		}
	}
	return sub, nil
}

// DecodeCheckoutSession parses a checkout session object.
func DecodeCheckoutSession(raw []byte) (*CheckoutSession, error) {
	var w struct {
		ID                string            `json:"id"`
		Customer          expandableID      `json:"customer"`
		Subscription      expandableID      `json:"subscription"`
		ClientReferenceID string            `json:"client_reference_id"`
		Metadata          map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &CheckoutSession{
		ID:                w.ID,
		CustomerID:        string(w.Customer),
		SubscriptionID:    string(w.Subscription),
		ClientReferenceID: w.ClientReferenceID,
		Metadata:          w.Metadata,
	}, nil
}

// DecodeInvoice parses an invoice object. The subscription id is read from the top level
// or, on newer API versions, from parent.subscription_details.
func DecodeInvoice(raw []byte) (*Invoice, error) {
	var w struct {
		ID           string       `json:"id"`
		Customer     expandableID `json:"customer"`
		Subscription expandableID `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription expandableID `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	inv := &Invoice{ID: w.ID, CustomerID: string(w.Customer), SubscriptionID: string(w.Subscription)}
	if inv.SubscriptionID == "" && w.Parent != nil && w.Parent.SubscriptionDetails != nil {
		inv.SubscriptionID = string(w.Parent.SubscriptionDetails.Subscription)
	}
	return inv, nil
}
