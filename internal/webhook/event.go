package webhook

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// EventType is the processor-assigned event kind.
type EventType string

// EventCheckoutSessionCompleted is the only event that triggers provisioning.
const EventCheckoutSessionCompleted EventType = "checkout.session.completed"

// VerifiedEvent is a decoded event whose signature was verified. Only Decode
// produces a populated value; the zero value is an unhandled event without an id.
type VerifiedEvent struct {
	id         string
	eventType  EventType
	occurredAt time.Time
	livemode   bool

	// checkout is set for checkout.session.completed events only.
	checkout *CheckoutResource
}

// ID returns the processor-assigned event id.
func (e VerifiedEvent) ID() string { return e.id }

// Type returns the event kind.
func (e VerifiedEvent) Type() EventType { return e.eventType }

// OccurredAt returns the processor's creation time, or zero when absent.
func (e VerifiedEvent) OccurredAt() time.Time { return e.occurredAt }

// Livemode reports whether the event came from live (not test) mode.
func (e VerifiedEvent) Livemode() bool { return e.livemode }

// Checkout returns a copy of the checkout session carried by the event.
func (e VerifiedEvent) Checkout() (CheckoutResource, bool) {
	if e.checkout == nil {
		return CheckoutResource{}, false
	}
	return *e.checkout, true
}

// Handled reports whether the event carries work for the provisioning pipeline.
func (e VerifiedEvent) Handled() bool {
	return e.eventType == EventCheckoutSessionCompleted && e.checkout != nil
}

// CheckoutResource is the subset of a checkout session the provisioner needs.
type CheckoutResource struct {
	SessionID       string           `json:"id"`
	Mode            string           `json:"mode"`
	CustomerID      ExpandableID     `json:"customer"`
	SubscriptionID  ExpandableID     `json:"subscription"`
	CustomerEmail   string           `json:"customer_email"`
	CustomerDetails *CustomerDetails `json:"customer_details"`
}

// CustomerDetails holds the customer information collected during checkout.
type CustomerDetails struct {
	Email string `json:"email"`
}

// ResolveEmail returns the customer's email, preferring the session's
// customer_email and falling back to customer_details.email. The boolean is
// false when neither is present.
func (c CheckoutResource) ResolveEmail() (string, bool) {
	if email := normalizeEmail(c.CustomerEmail); email != "" {
		return email, true
	}
	if c.CustomerDetails != nil {
		if email := normalizeEmail(c.CustomerDetails.Email); email != "" {
			return email, true
		}
	}
	return "", false
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ExpandableID decodes a Stripe reference that is either an ID string or an
// expanded object with an "id" field.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(strings.TrimSpace(obj.ID))
	return nil
}

func (e ExpandableID) String() string {
	return string(e)
}
