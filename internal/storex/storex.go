// Package storex holds small transaction-scope helpers shared by every
// domain package's Postgres store, so each package doesn't re-derive the
// begin/rollback/commit idiom on its own.
package storex

import (
	"context"
	"database/sql"
	"fmt"
)

// WithTx runs fn inside a transaction, rolling back on error or panic and
// committing otherwise. opts is handed to BeginTx; nil selects the
// default isolation level, which is what every caller in this module
// passes.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// NoRows reports whether err is sql.ErrNoRows, the shape every Store.Get*
// method needs to translate into a domain-specific not-found error.
func NoRows(err error) bool {
	return err == sql.ErrNoRows
}
