package webhook

import (
	"errors"
	"testing"
	"time"
)

func decodeString(t *testing.T, payload string) (VerifiedEvent, error) {
	t.Helper()
	return Decode(VerifiedRaw{payload: []byte(payload)})
}

func TestDecodeCheckoutSession(t *testing.T) {
	ev, err := decodeString(t, `{
		"id": "evt_123",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 1700000000,
		"livemode": true,
		"data": {"object": {
			"id": "cs_test_1",
			"mode": "subscription",
			"customer": "cus_1",
			"subscription": "sub_1",
			"customer_email": " A@Example.com "
		}}
	}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.ID() != "evt_123" || ev.Type() != EventCheckoutSessionCompleted {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
	if !ev.Handled() {
		t.Fatal("checkout.session.completed should be handled")
	}
	if !ev.OccurredAt().Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("OccurredAt = %s", ev.OccurredAt())
	}
	if !ev.Livemode() {
		t.Fatal("expected livemode")
	}
	session, ok := ev.Checkout()
	if !ok {
		t.Fatal("expected checkout resource")
	}
	if session.SessionID != "cs_test_1" || session.SubscriptionID != "sub_1" || session.CustomerID != "cus_1" {
		t.Fatalf("unexpected checkout: %+v", session)
	}
	email, ok := session.ResolveEmail()
	if !ok || email != "a@example.com" {
		t.Fatalf("ResolveEmail = %q, %v", email, ok)
	}
}

func TestDecodeEmailFallbackToCustomerDetails(t *testing.T) {
	ev, err := decodeString(t, `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","subscription":"sub_1","customer_email":null,
		"customer_details":{"email":"nested@example.com"}}}}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	session, _ := ev.Checkout()
	email, ok := session.ResolveEmail()
	if !ok || email != "nested@example.com" {
		t.Fatalf("ResolveEmail = %q, %v; want nested@example.com", email, ok)
	}
}

func TestDecodeMissingEmailStillDecodes(t *testing.T) {
	ev, err := decodeString(t, `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	session, _ := ev.Checkout()
	if _, ok := session.ResolveEmail(); ok {
		t.Fatal("expected absent email")
	}
}

func TestDecodeExpandedReferences(t *testing.T) {
	ev, err := decodeString(t, `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","customer":{"id":"cus_obj","object":"customer"},"subscription":{"id":"sub_obj"}}}}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	session, _ := ev.Checkout()
	if session.CustomerID != "cus_obj" || session.SubscriptionID != "sub_obj" {
		t.Fatalf("unexpected ids: %+v", session)
	}
}

func TestDecodeUnhandledType(t *testing.T) {
	ev, err := decodeString(t, `{"id":"evt_9","type":"invoice.created","data":{"object":{"id":"in_1"}}}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Handled() {
		t.Fatal("invoice.created must not be handled")
	}
	if _, ok := ev.Checkout(); ok {
		t.Fatal("unhandled events carry no checkout resource")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":              ``,
		"not json":           `not json`,
		"array":              `[1,2,3]`,
		"null":               `null`,
		"missing type":       `{"id":"evt_1"}`,
		"missing id":         `{"type":"invoice.created"}`,
		"checkout no data":   `{"id":"evt_1","type":"checkout.session.completed"}`,
		"checkout bad email": `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"customer_email":42}}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeString(t, payload)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestResolveEmailPrecedence(t *testing.T) {
	c := CheckoutResource{
		CustomerEmail:   "direct@example.com",
		CustomerDetails: &CustomerDetails{Email: "nested@example.com"},
	}
	if email, _ := c.ResolveEmail(); email != "direct@example.com" {
		t.Fatalf("ResolveEmail = %q, want direct email", email)
	}

	c.CustomerEmail = "   "
	if email, _ := c.ResolveEmail(); email != "nested@example.com" {
		t.Fatalf("ResolveEmail = %q, want nested email", email)
	}
}
