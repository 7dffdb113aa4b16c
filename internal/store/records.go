package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
)

const recordsStore = "subscriptions"

// Records persists provisioning records. Records are unique per event, so a
// repeated write for the same event succeeds without changing the row.
type Records struct {
	db *DB
}

// Records returns the record store backed by d.
func (d *DB) Records() *Records {
	return &Records{db: d}
}

var _ provisioning.SubscriptionStore = (*Records)(nil)

func (r *Records) WriteSubscriptionRecord(ctx context.Context, rec provisioning.Record) error {
	if rec.ID == "" || rec.EventID == "" {
		return provisioning.NewStoreError(recordsStore, "write", provisioning.KindPermanent, fmt.Errorf("record id and event id are required"))
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.exec(ctx, `
		INSERT INTO provisioning_records (
			id, event_id, email, subscription_id, customer_id, session_id,
			account_id, status, failure_reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.ID, rec.EventID, rec.Email, rec.SubscriptionID, rec.CustomerID, rec.SessionID,
		nullableString(rec.AccountID), string(rec.Status), rec.FailureReason, rec.CreatedAt.UnixMilli(),
	)
	return classify(recordsStore, "write", err)
}

// GetByEventID returns the record written for eventID, or nil if none exists.
func (r *Records) GetByEventID(ctx context.Context, eventID string) (*provisioning.Record, error) {
	row := r.db.queryRow(ctx, `SELECT
		id, event_id, email, subscription_id, customer_id, session_id,
		account_id, status, failure_reason, created_at
		FROM provisioning_records WHERE event_id = ?`, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Count returns the number of records.
func (r *Records) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.queryRow(ctx, `SELECT COUNT(*) FROM provisioning_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func scanRecord(s scanner) (*provisioning.Record, error) {
	var (
		rec       provisioning.Record
		accountID sql.NullString
		status    string
		createdAt int64
	)
	if err := s.Scan(
		&rec.ID, &rec.EventID, &rec.Email, &rec.SubscriptionID, &rec.CustomerID, &rec.SessionID,
		&accountID, &status, &rec.FailureReason, &createdAt,
	); err != nil {
		return nil, err
	}
	rec.AccountID = accountID.String
	rec.Status = provisioning.RecordStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
