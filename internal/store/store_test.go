package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/checkout-provisioner/internal/idempotency"
	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Options{Driver: DriverSQLite, Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.Close())

	db, err = Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Close())
}

func TestMigrateIndexesUnsettledEntries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var def string
	require.NoError(t, db.db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'index' AND name = 'idx_webhook_events_unsettled'`).Scan(&def))
	assert.Contains(t, def, "WHERE outcome IS NULL")

	var stale int
	require.NoError(t, db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_webhook_events_pending'`).Scan(&stale))
	assert.Zero(t, stale)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "mysql"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{Driver: DriverPostgres})
	assert.Error(t, err, "postgres needs a DSN")
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c <= $3", pg.rebind("UPDATE t SET a = ? WHERE b = ? AND c <= ?"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "SELECT ? ", lite.rebind("SELECT ? "))
}

func TestAccountsEnsureAccount(t *testing.T) {
	ctx := context.Background()
	accounts := openTestDB(t).Accounts()

	first, err := accounts.EnsureAccount(ctx, "Buyer@Example.com")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.False(t, first.Pending)

	_, err = accounts.EnsureAccount(ctx, "buyer@example.com ")
	require.Error(t, err)
	assert.True(t, provisioning.IsConflict(err))

	var se *provisioning.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, first.ID, se.AccountID)

	n, err := accounts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = accounts.EnsureAccount(ctx, "  ")
	assert.Equal(t, provisioning.KindPermanent, provisioning.KindOf(err))
}

func TestRecordsWriteIsIdempotentPerEvent(t *testing.T) {
	ctx := context.Background()
	records := openTestDB(t).Records()

	rec := provisioning.Record{
		ID:             "rec_1",
		EventID:        "evt_1",
		Email:          "a@example.com",
		SubscriptionID: "sub_1",
		CustomerID:     "cus_1",
		SessionID:      "cs_1",
		AccountID:      "acct_1",
		Status:         provisioning.RecordStatusActive,
		CreatedAt:      time.UnixMilli(1700000000000).UTC(),
	}
	require.NoError(t, records.WriteSubscriptionRecord(ctx, rec))

	dup := rec
	dup.ID = "rec_2"
	dup.Status = provisioning.RecordStatusFailed
	require.NoError(t, records.WriteSubscriptionRecord(ctx, dup))

	got, err := records.GetByEventID(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	n, err := records.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missing, err := records.GetByEventID(ctx, "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecordsWithoutAccountID(t *testing.T) {
	ctx := context.Background()
	records := openTestDB(t).Records()

	require.NoError(t, records.WriteSubscriptionRecord(ctx, provisioning.Record{
		ID:            "rec_1",
		EventID:       "evt_1",
		Email:         "a@example.com",
		Status:        provisioning.RecordStatusFailed,
		FailureReason: "duplicate_account",
	}))
	got, err := records.GetByEventID(ctx, "evt_1")
	require.NoError(t, err)
	assert.Empty(t, got.AccountID)
	assert.Equal(t, "duplicate_account", got.FailureReason)

	err = records.WriteSubscriptionRecord(ctx, provisioning.Record{EventID: "evt_2"})
	assert.Equal(t, provisioning.KindPermanent, provisioning.KindOf(err))
}

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := openTestDB(t).Ledger()
	now := time.UnixMilli(1700000000000).UTC()

	_, err := ledger.Get(ctx, "evt_1")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)

	inserted, err := ledger.Insert(ctx, "evt_1", "checkout.session.completed", now)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = ledger.Insert(ctx, "evt_1", "checkout.session.completed", now)
	require.NoError(t, err)
	assert.False(t, inserted)

	won, err := ledger.TakeOver(ctx, "evt_1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, won, "live lease cannot be taken over")

	require.NoError(t, ledger.SetCheckpoint(ctx, "evt_1", []byte(`{"a":1}`)))
	require.NoError(t, ledger.SetCheckpoint(ctx, "evt_1", []byte(`{"a":2}`)))
	require.NoError(t, ledger.ReleaseLease(ctx, "evt_1", "store down"))

	entry, err := ledger.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Nil(t, entry.ReservedAt)
	assert.Equal(t, `{"a":1}`, string(entry.Checkpoint))
	assert.Equal(t, "store down", entry.LastError)
	assert.Equal(t, now, entry.FirstSeenAt)

	won, err = ledger.TakeOver(ctx, "evt_1", now.Add(time.Second), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	pending, err := ledger.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	written, err := ledger.SetOutcome(ctx, "evt_1", []byte(`{"state":"acknowledged"}`), now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, written)
	written, err = ledger.SetOutcome(ctx, "evt_1", []byte(`{"state":"failed"}`), now.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, written)

	entry, err = ledger.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, `{"state":"acknowledged"}`, string(entry.Outcome))
	require.NotNil(t, entry.CompletedAt)
	assert.Nil(t, entry.ReservedAt)

	pending, err = ledger.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestGuardOverSQLiteProceedsOnce(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.New(openTestDB(t).Ledger())

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		proceeds int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := guard.CheckAndReserve(ctx, "evt_race", "checkout.session.completed")
			if !assert.NoError(t, err) {
				return
			}
			if res.Decision == idempotency.Proceed {
				mu.Lock()
				proceeds++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, proceeds)
}

func TestUniqueViolationIsConflict(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.exec(ctx, `INSERT INTO accounts (id, email, created_at) VALUES (?, ?, ?)`, "a1", "x@example.com", 1)
	require.NoError(t, err)
	_, err = db.exec(ctx, `INSERT INTO accounts (id, email, created_at) VALUES (?, ?, ?)`, "a2", "x@example.com", 1)
	require.Error(t, err)
	assert.Equal(t, provisioning.KindConflict, errorKind(err))
	assert.Equal(t, provisioning.KindTransient, errorKind(context.DeadlineExceeded))
}
