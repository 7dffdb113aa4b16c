package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
)

const accountsStore = "accounts"

// Accounts is a local account store keyed by unique email. It stands in for
// the identity service in development and tests.
type Accounts struct {
	db  *DB
	now func() time.Time
}

// Accounts returns the local account store backed by d.
func (d *DB) Accounts() *Accounts {
	return &Accounts{db: d, now: time.Now}
}

var _ provisioning.AccountStore = (*Accounts)(nil)

// EnsureAccount creates an account for email. An existing account yields a
// conflict error carrying its id.
func (a *Accounts) EnsureAccount(ctx context.Context, email string) (provisioning.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return provisioning.Account{}, provisioning.NewStoreError(accountsStore, "create", provisioning.KindPermanent, fmt.Errorf("email is required"))
	}

	id := "acct_" + strings.ToLower(ulid.Make().String())
	res, err := a.db.exec(ctx, `
		INSERT INTO accounts (id, email, created_at) VALUES (?, ?, ?)
		ON CONFLICT (email) DO NOTHING`,
		id, email, a.now().UTC().UnixMilli(),
	)
	if err != nil {
		return provisioning.Account{}, classify(accountsStore, "create", err)
	}
	inserted, err := affected(res)
	if err != nil {
		return provisioning.Account{}, classify(accountsStore, "create", err)
	}
	if inserted {
		return provisioning.Account{ID: id}, nil
	}

	existing, err := a.IDByEmail(ctx, email)
	if err != nil {
		return provisioning.Account{}, classify(accountsStore, "lookup", err)
	}
	return provisioning.Account{}, &provisioning.StoreError{
		Store:     accountsStore,
		Op:        "create",
		Kind:      provisioning.KindConflict,
		AccountID: existing,
		Err:       fmt.Errorf("account for %s already exists", email),
	}
}

// IDByEmail returns the id of the account registered for email, or "" if none.
func (a *Accounts) IDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := a.db.queryRow(ctx, `SELECT id FROM accounts WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Count returns the number of accounts.
func (a *Accounts) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.queryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}
