package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx, letting
// the typed accessors in this package run both inside and outside a
// transaction.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Tx is a transactional handle. All accessors invoked on it run inside the
// transaction opened by WithTx.
type Tx struct {
	Queries
}

// WithTx executes fn inside a transaction: commit on success, rollback on
// error or panic. Panics are re-raised after rollback.
func (c *Client) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := c.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{Queries{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
