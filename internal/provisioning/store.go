package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies store failures for redelivery decisions.
type ErrorKind int

const (
	// KindTransient failures may succeed on redelivery (network, 5xx, timeouts).
	KindTransient ErrorKind = iota
	// KindConflict means the resource already exists.
	KindConflict
	// KindPermanent failures will not be fixed by redelivery.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StoreError is returned by store adapters.
type StoreError struct {
	Store string
	Op    string
	Kind  ErrorKind

	// AccountID identifies the existing account on conflicts, when known.
	AccountID string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s failure", e.Store, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s failure: %v", e.Store, e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError builds a StoreError.
func NewStoreError(store, op string, kind ErrorKind, err error) *StoreError {
	return &StoreError{Store: store, Op: op, Kind: kind, Err: err}
}

// KindOf classifies err. Errors that are not StoreErrors (network failures,
// context deadlines) are treated as transient.
func KindOf(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsConflict reports whether err is a store conflict.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsTransient reports whether err is worth redelivering.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// Account is the result of ensuring an account exists for an email.
type Account struct {
	// ID is empty when the store does not report one (e.g. invitation flows).
	ID string

	// Pending is true when the user still has to activate the account, for
	// example after a password-reset invitation.
	Pending bool
}

// AccountStore ensures an identity-store account exists for an email.
type AccountStore interface {
	EnsureAccount(ctx context.Context, email string) (Account, error)
}

// RecordStatus is the lifecycle state of a provisioning record.
type RecordStatus string

const (
	RecordStatusPending RecordStatus = "pending"
	RecordStatusActive  RecordStatus = "active"
	RecordStatusFailed  RecordStatus = "failed"
)

// Record links an account to a subscription. It is the durable side effect of
// processing one event.
type Record struct {
	ID             string       `json:"id"`
	EventID        string       `json:"event_id"`
	Email          string       `json:"email"`
	SubscriptionID string       `json:"subscription_id"`
	CustomerID     string       `json:"customer_id,omitempty"`
	SessionID      string       `json:"session_id,omitempty"`
	AccountID      string       `json:"account_id,omitempty"`
	Status         RecordStatus `json:"status"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// SubscriptionStore persists provisioning records. Writing a record for an
// event that already has one must succeed without creating a second row.
type SubscriptionStore interface {
	WriteSubscriptionRecord(ctx context.Context, rec Record) error
}
