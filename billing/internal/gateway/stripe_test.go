package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
)

const testWebhookSecret = "whsec_test_secret"

func signedEvent(t *testing.T, body string, ts time.Time) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testWebhookSecret,
		Timestamp: ts,
	})
	return signed.Header
}

func eventBody(id, typ string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1772366400,`+
		`"data":{"object":{"id":"cs_1","customer":"cus_1","client_reference_id":"user-1"}}}`, id, typ)
}

func TestVerifyEvent(t *testing.T) {
	s := NewStripeVerifier(testWebhookSecret, 5*time.Minute)
	body := eventBody("evt_1", "checkout.session.completed")

	ev, err := s.VerifyEvent([]byte(body), signedEvent(t, body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "checkout.session.completed", ev.Type)
	assert.Equal(t, int64(1772366400), ev.Created.Unix())

	cs, err := DecodeCheckoutSession(ev.Object)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", cs.CustomerID)
	assert.Equal(t, "user-1", cs.ClientReferenceID)
}

func TestVerifyEventRejects(t *testing.T) {
	s := NewStripeVerifier(testWebhookSecret, 5*time.Minute)
	body := eventBody("evt_1", "invoice.paid")

	tests := []struct {
		name   string
		body   string
		header string
	}{
		{"tampered body", eventBody("evt_2", "invoice.paid"), signedEvent(t, body, time.Now())},
		{"stale timestamp", body, signedEvent(t, body, time.Now().Add(-10*time.Minute))},
		{"missing header", body, ""},
		{"garbage header", body, "t=abc,v1=zzz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.VerifyEvent([]byte(tt.body), tt.header)
			require.Error(t, err)
			assert.Equal(t, apperr.KindSignature, apperr.KindOf(err))
		})
	}
}

func TestVerifyEventWrongSecret(t *testing.T) {
	s := NewStripeVerifier("whsec_other", 0)
	body := eventBody("evt_1", "invoice.paid")
	_, err := s.VerifyEvent([]byte(body), signedEvent(t, body, time.Now()))
	assert.Equal(t, apperr.KindSignature, apperr.KindOf(err))
}
