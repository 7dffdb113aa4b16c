package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Ledger.Get when no entry exists for an event id.
var ErrNotFound = errors.New("idempotency entry not found")

// Entry is one ledger row. Outcome and Checkpoint are opaque JSON written
// at most once; the lease fields are reservation bookkeeping.
type Entry struct {
	EventID     string
	EventType   string
	FirstSeenAt time.Time
	ReservedAt  *time.Time
	Attempts    int
	Checkpoint  []byte
	Outcome     []byte
	CompletedAt *time.Time
	LastError   string
}

// Completed reports whether an outcome has been recorded.
func (e *Entry) Completed() bool {
	return e != nil && len(e.Outcome) > 0
}

// Leased reports whether the entry is reserved and the lease started after cutoff.
func (e *Entry) Leased(cutoff time.Time) bool {
	return e != nil && e.ReservedAt != nil && e.ReservedAt.After(cutoff)
}

// Ledger is the durable storage the guard is built on. Every method must be
// atomic at the storage level; the guard holds no locks of its own.
type Ledger interface {
	// Insert creates a reserved entry. It reports false when the event id
	// already exists.
	Insert(ctx context.Context, eventID, eventType string, now time.Time) (bool, error)
	Get(ctx context.Context, eventID string) (*Entry, error)
	// TakeOver re-reserves an entry that has no outcome and whose lease is
	// released or started at or before cutoff. It reports whether it won.
	TakeOver(ctx context.Context, eventID string, now, cutoff time.Time) (bool, error)
	// SetCheckpoint stores a checkpoint if none is stored yet.
	SetCheckpoint(ctx context.Context, eventID string, checkpoint []byte) error
	// SetOutcome stores the outcome if none is stored yet and clears the
	// lease. It reports false when an outcome was already present.
	SetOutcome(ctx context.Context, eventID string, outcome []byte, now time.Time) (bool, error)
	// ReleaseLease clears the lease of an entry without an outcome.
	ReleaseLease(ctx context.Context, eventID, lastError string) error
	// CountPending counts entries without an outcome.
	CountPending(ctx context.Context) (int, error)
}
