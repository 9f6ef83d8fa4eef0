package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is what repositories hold: *pgxpool.Pool in production, a pgxmock
// pool in tests.
type Pool interface {
	Querier
	TxBeginner
}

type contextKey string

const txKey contextKey = "db_tx"

// WithQuerier returns a context that routes repository calls through q.
func WithQuerier(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, txKey, q)
}

// QuerierFromContext returns the transaction bound to ctx, or nil.
func QuerierFromContext(ctx context.Context) Querier {
	q, _ := ctx.Value(txKey).(Querier)
	return q
}

// Conn returns the transaction bound to ctx, falling back to fallback.
func Conn(ctx context.Context, fallback Querier) Querier {
	if q := QuerierFromContext(ctx); q != nil {
		return q
	}
	return fallback
}

// RunInTx executes fn inside a transaction. The transaction is bound to the
// context handed to fn, so repositories called from fn join it. A transaction
// already present on ctx is reused instead of nesting.
func RunInTx(ctx context.Context, b TxBeginner, fn func(ctx context.Context) error) error {
	if QuerierFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(WithQuerier(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AdvisoryXactLock takes a transaction-scoped advisory lock on key. It blocks
// until the lock is granted and is released on commit or rollback.
func AdvisoryXactLock(ctx context.Context, q Querier, key string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}
