package provisioning

import "net/http"

// State is a provisioning state. Failed outcomes also carry the stage that failed.
type State string

const (
	StateReceived              State = "received"
	StateValidated             State = "validated"
	StateAccountEnsured        State = "account_ensured"
	StateSubscriptionPersisted State = "subscription_persisted"
	StateAcknowledged          State = "acknowledged"
	StateFailed                State = "failed"
)

// Reason explains a failed outcome.
type Reason string

const (
	ReasonMissingEmail                 Reason = "missing_email"
	ReasonDuplicateAccount             Reason = "duplicate_account"
	ReasonAccountStoreUnavailable      Reason = "account_store_unavailable"
	ReasonAccountStoreRejected         Reason = "account_store_rejected"
	ReasonSubscriptionStoreUnavailable Reason = "subscription_store_unavailable"
	ReasonSubscriptionStoreRejected    Reason = "subscription_store_rejected"
)

// Outcome is the single consolidated result of processing one event.
type Outcome struct {
	State     State  `json:"state"`
	Stage     State  `json:"stage,omitempty"`
	Reason    Reason `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// Ignored marks events that need no provisioning work.
	Ignored bool `json:"ignored,omitempty"`

	EventID        string       `json:"event_id"`
	EventType      string       `json:"event_type"`
	Email          string       `json:"email,omitempty"`
	AccountID      string       `json:"account_id,omitempty"`
	SubscriptionID string       `json:"subscription_id,omitempty"`
	RecordID       string       `json:"record_id,omitempty"`
	RecordStatus   RecordStatus `json:"record_status,omitempty"`
}

// Succeeded reports whether provisioning (or an ignorable event) completed.
func (o Outcome) Succeeded() bool {
	return o.State == StateAcknowledged
}

// Final reports whether the outcome should be recorded so redeliveries replay
// it instead of reprocessing.
func (o Outcome) Final() bool {
	return !(o.State == StateFailed && o.Retryable)
}

// HTTPStatus maps the outcome to the status returned to the processor.
// Transient failures ask for redelivery; invalid events are rejected; logical
// failures that redelivery cannot fix are acknowledged.
func (o Outcome) HTTPStatus() int {
	switch {
	case o.State == StateAcknowledged:
		return http.StatusOK
	case o.Retryable:
		return http.StatusInternalServerError
	case o.Reason == ReasonMissingEmail:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// Label is used for metrics.
func (o Outcome) Label() string {
	switch {
	case o.Ignored:
		return "ignored"
	case o.State == StateAcknowledged:
		return "success"
	case o.Retryable:
		return "retryable_" + string(o.Reason)
	default:
		return "failed_" + string(o.Reason)
	}
}
