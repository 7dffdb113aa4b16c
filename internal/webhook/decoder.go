package webhook

import (
	"encoding/json"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
)

// Decode parses a verified payload into a VerifiedEvent. Checkout sessions
// without an email still decode; email presence is checked at provisioning time.
func Decode(raw VerifiedRaw) (VerifiedEvent, error) {
	if len(raw.payload) == 0 {
		return VerifiedEvent{}, malformed("empty body")
	}

	var event stripelib.Event
	if err := json.Unmarshal(raw.payload, &event); err != nil {
		return VerifiedEvent{}, malformed("decode event: %v", err)
	}

	eventType := strings.TrimSpace(string(event.Type))
	if eventType == "" {
		return VerifiedEvent{}, malformed("missing event type")
	}
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		return VerifiedEvent{}, malformed("missing event id")
	}

	out := VerifiedEvent{
		id:        eventID,
		eventType: EventType(eventType),
		livemode:  event.Livemode,
	}
	if event.Created > 0 {
		out.occurredAt = time.Unix(event.Created, 0).UTC()
	}

	if out.eventType != EventCheckoutSessionCompleted {
		return out, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return VerifiedEvent{}, malformed("checkout session event without data.object")
	}
	var session CheckoutResource
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return VerifiedEvent{}, malformed("decode checkout.session: %v", err)
	}
	out.checkout = &session
	return out, nil
}
