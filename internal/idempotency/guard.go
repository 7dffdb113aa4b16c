// Package idempotency guarantees that a payment event's side effects run at
// most once, even when the processor redelivers it or delivers it to several
// instances at the same time.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/checkout-provisioner/internal/logging"
	"github.com/rcourtman/checkout-provisioner/internal/metrics"
	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
)

// DefaultLease is how long a reservation blocks other deliveries of the same
// event before it is considered abandoned.
const DefaultLease = 10 * time.Minute

// maxTakeOverRounds bounds the insert/read/take-over loop when racing other
// instances for an abandoned entry.
const maxTakeOverRounds = 3

// Decision is the guard's verdict for one delivery.
type Decision string

const (
	Proceed          Decision = "proceed"
	AlreadyProcessed Decision = "already_processed"
	InFlight         Decision = "in_flight"
)

// Reservation is the result of CheckAndReserve.
type Reservation struct {
	Decision Decision
	// Prior is the recorded outcome when Decision is AlreadyProcessed.
	Prior *provisioning.Outcome
	// Resume carries progress from an earlier attempt when Decision is Proceed.
	Resume  *provisioning.Resume
	Attempt int
}

// Guard reserves event ids in a Ledger.
type Guard struct {
	ledger Ledger
	lease  time.Duration
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithLease sets the reservation lease. Non-positive values are ignored.
func WithLease(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lease = d
		}
	}
}

// WithClock overrides the guard's clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Guard over ledger.
func New(ledger Ledger, opts ...Option) *Guard {
	g := &Guard{
		ledger: ledger,
		lease:  DefaultLease,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAndReserve decides whether the caller may process eventID. For
// concurrent calls with the same id exactly one receives Proceed.
func (g *Guard) CheckAndReserve(ctx context.Context, eventID, eventType string) (Reservation, error) {
	res, err := g.checkAndReserve(ctx, eventID, eventType)
	if err != nil {
		return Reservation{}, err
	}
	metrics.IdempotencyDecisions.WithLabelValues(string(res.Decision)).Inc()
	return res, nil
}

func (g *Guard) checkAndReserve(ctx context.Context, eventID, eventType string) (Reservation, error) {
	if eventID == "" {
		return Reservation{}, fmt.Errorf("reserve: event id is required")
	}
	now := g.now().UTC()
	inserted, err := g.ledger.Insert(ctx, eventID, eventType, now)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve %s: %w", eventID, err)
	}
	if inserted {
		return Reservation{Decision: Proceed, Attempt: 1}, nil
	}

	for round := 0; round < maxTakeOverRounds; round++ {
		entry, err := g.ledger.Get(ctx, eventID)
		if err != nil {
			return Reservation{}, fmt.Errorf("load %s: %w", eventID, err)
		}
		if entry.Completed() {
			var prior provisioning.Outcome
			if err := json.Unmarshal(entry.Outcome, &prior); err != nil {
				return Reservation{}, fmt.Errorf("decode outcome for %s: %w", eventID, err)
			}
			return Reservation{Decision: AlreadyProcessed, Prior: &prior, Attempt: entry.Attempts}, nil
		}

		cutoff := now.Add(-g.lease)
		if entry.Leased(cutoff) {
			return Reservation{Decision: InFlight, Attempt: entry.Attempts}, nil
		}

		won, err := g.ledger.TakeOver(ctx, eventID, now, cutoff)
		if err != nil {
			return Reservation{}, fmt.Errorf("take over %s: %w", eventID, err)
		}
		if !won {
			// Another delivery changed the entry between the read and the
			// update; re-read and decide again.
			continue
		}

		logger := logging.FromContext(ctx)
		res := Reservation{Decision: Proceed, Attempt: entry.Attempts + 1}
		if len(entry.Checkpoint) > 0 {
			var resume provisioning.Resume
			if err := json.Unmarshal(entry.Checkpoint, &resume); err != nil {
				logger.Warn().Err(err).Str("event_id", eventID).Msg("Ignoring unreadable checkpoint")
			} else {
				res.Resume = &resume
			}
		}
		if entry.ReservedAt != nil {
			logger.Warn().
				Str("event_id", eventID).
				Time("reserved_at", *entry.ReservedAt).
				Msg("Taking over abandoned reservation")
		}
		return res, nil
	}
	return Reservation{Decision: InFlight}, nil
}

// Checkpoint records progress for eventID. Only the first checkpoint is kept.
func (g *Guard) Checkpoint(ctx context.Context, eventID string, r provisioning.Resume) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := g.ledger.SetCheckpoint(ctx, eventID, data); err != nil {
		return fmt.Errorf("checkpoint %s: %w", eventID, err)
	}
	return nil
}

// Complete records the final outcome for eventID. A second call for the same
// event leaves the first outcome in place.
func (g *Guard) Complete(ctx context.Context, eventID string, out provisioning.Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	written, err := g.ledger.SetOutcome(ctx, eventID, data, g.now().UTC())
	if err != nil {
		return fmt.Errorf("complete %s: %w", eventID, err)
	}
	if !written {
		logger := logging.FromContext(ctx)
		logger.Warn().Str("event_id", eventID).Msg("Outcome already recorded; keeping the original")
	}
	return nil
}

// Release drops the reservation for eventID without recording an outcome so a
// redelivery can proceed at once. cause is kept for inspection.
func (g *Guard) Release(ctx context.Context, eventID string, cause string) error {
	if err := g.ledger.ReleaseLease(ctx, eventID, cause); err != nil {
		return fmt.Errorf("release %s: %w", eventID, err)
	}
	return nil
}

// Pending returns the number of entries without an outcome.
func (g *Guard) Pending(ctx context.Context) (int, error) {
	return g.ledger.CountPending(ctx)
}
