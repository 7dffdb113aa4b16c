package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/checkout-provisioner/internal/idempotency"
)

// Ledger is the SQL idempotency ledger. Each method is a single statement so
// the unique event_id key is the only serialization point between instances.
type Ledger struct {
	db *DB
}

// Ledger returns the idempotency ledger backed by d.
func (d *DB) Ledger() *Ledger {
	return &Ledger{db: d}
}

var _ idempotency.Ledger = (*Ledger)(nil)

func (l *Ledger) Insert(ctx context.Context, eventID, eventType string, now time.Time) (bool, error) {
	res, err := l.db.exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, first_seen_at, reserved_at, attempts)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	return affected(res)
}

func (l *Ledger) Get(ctx context.Context, eventID string) (*idempotency.Entry, error) {
	row := l.db.queryRow(ctx, `SELECT
		event_id, event_type, first_seen_at, reserved_at, attempts,
		checkpoint, outcome, completed_at, last_error
		FROM webhook_events WHERE event_id = ?`, eventID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return entry, nil
}

func (l *Ledger) TakeOver(ctx context.Context, eventID string, now, cutoff time.Time) (bool, error) {
	res, err := l.db.exec(ctx, `
		UPDATE webhook_events SET reserved_at = ?, attempts = attempts + 1
		WHERE event_id = ? AND outcome IS NULL
		AND (reserved_at IS NULL OR reserved_at <= ?)`,
		now.UnixMilli(), eventID, cutoff.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("take over ledger entry: %w", err)
	}
	return affected(res)
}

func (l *Ledger) SetCheckpoint(ctx context.Context, eventID string, checkpoint []byte) error {
	_, err := l.db.exec(ctx, `
		UPDATE webhook_events SET checkpoint = ?
		WHERE event_id = ? AND checkpoint IS NULL`,
		string(checkpoint), eventID,
	)
	if err != nil {
		return fmt.Errorf("set ledger checkpoint: %w", err)
	}
	return nil
}

func (l *Ledger) SetOutcome(ctx context.Context, eventID string, outcome []byte, now time.Time) (bool, error) {
	res, err := l.db.exec(ctx, `
		UPDATE webhook_events SET outcome = ?, completed_at = ?, reserved_at = NULL
		WHERE event_id = ? AND outcome IS NULL`,
		string(outcome), now.UnixMilli(), eventID,
	)
	if err != nil {
		return false, fmt.Errorf("set ledger outcome: %w", err)
	}
	return affected(res)
}

func (l *Ledger) ReleaseLease(ctx context.Context, eventID, lastError string) error {
	_, err := l.db.exec(ctx, `
		UPDATE webhook_events SET reserved_at = NULL, last_error = ?
		WHERE event_id = ? AND outcome IS NULL`,
		lastError, eventID,
	)
	if err != nil {
		return fmt.Errorf("release ledger lease: %w", err)
	}
	return nil
}

func (l *Ledger) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := l.db.queryRow(ctx, `SELECT COUNT(*) FROM webhook_events WHERE outcome IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending ledger entries: %w", err)
	}
	return n, nil
}

func scanEntry(s scanner) (*idempotency.Entry, error) {
	var (
		e           idempotency.Entry
		firstSeen   int64
		reservedAt  sql.NullInt64
		checkpoint  sql.NullString
		outcome     sql.NullString
		completedAt sql.NullInt64
	)
	if err := s.Scan(
		&e.EventID, &e.EventType, &firstSeen, &reservedAt, &e.Attempts,
		&checkpoint, &outcome, &completedAt, &e.LastError,
	); err != nil {
		return nil, err
	}
	e.FirstSeenAt = time.UnixMilli(firstSeen).UTC()
	e.ReservedAt = millisPtr(reservedAt)
	e.CompletedAt = millisPtr(completedAt)
	if checkpoint.Valid {
		e.Checkpoint = []byte(checkpoint.String)
	}
	if outcome.Valid {
		e.Outcome = []byte(outcome.String)
	}
	return &e, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
