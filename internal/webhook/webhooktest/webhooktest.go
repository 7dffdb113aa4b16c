// Package webhooktest builds signed deliveries and verified events for tests.
package webhooktest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rcourtman/checkout-provisioner/internal/webhook"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/require"
)

// Secret is the signing secret used by Event.
const Secret = "whsec_test_secret"

type staticSecret string

func (s staticSecret) WebhookSecret(context.Context) (string, error) { return string(s), nil }

// Sign returns a signature header for payload, timestamped now.
func Sign(secret string, payload []byte) string {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header
}

// Payload builds an event body of eventType with data as data.object.
func Payload(tb testing.TB, eventID, eventType string, data map[string]any) []byte {
	tb.Helper()
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": data},
	})
	require.NoError(tb, err)
	return payload
}

// CheckoutPayload builds a checkout.session.completed body around session.
// A missing session id defaults to cs_test_1.
func CheckoutPayload(tb testing.TB, eventID string, session map[string]any) []byte {
	tb.Helper()
	session["object"] = "checkout.session"
	if _, ok := session["id"]; !ok {
		session["id"] = "cs_test_1"
	}
	return Payload(tb, eventID, string(webhook.EventCheckoutSessionCompleted), session)
}

// Event signs payload, verifies it and decodes the result.
func Event(tb testing.TB, payload []byte) webhook.VerifiedEvent {
	tb.Helper()
	raw, err := webhook.NewVerifier(staticSecret(Secret), 0).Verify(context.Background(), payload, Sign(Secret, payload))
	require.NoError(tb, err)
	ev, err := webhook.Decode(raw)
	require.NoError(tb, err)
	return ev
}
