package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// classify wraps a database error as a provisioning.StoreError.
func classify(storeName, op string, err error) error {
	if err == nil {
		return nil
	}
	return provisioning.NewStoreError(storeName, op, errorKind(err), err)
}

func errorKind(err error) provisioning.ErrorKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provisioning.KindTransient
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return provisioning.KindConflict
		}
		switch code & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_READONLY:
			return provisioning.KindPermanent
		}
		return provisioning.KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return provisioning.KindConflict
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "42"):
			// integrity, data and syntax/permission classes
			return provisioning.KindPermanent
		}
		return provisioning.KindTransient
	}

	// Connection failures and anything unrecognized are retried.
	return provisioning.KindTransient
}
