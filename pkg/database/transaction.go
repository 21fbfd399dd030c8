package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey struct{}

type Tx interface {
	Executor
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// Transaction wraps sqlx.Tx and tracks whether it has been closed.
type Transaction struct {
	*sqlx.Tx
	logger   ectologger.Logger
	isClosed bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) Tx {
	return &Transaction{
		Tx:     tx,
		logger: logger,
	}
}

// GetTx reuses the transaction already open on ctx or begins a new one and stores it on the returned context.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if tx := TxFromContext(ctx); tx != nil {
		return ctx, tx, nil
	}

	sqlxTx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("failed to begin transaction")
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}

	tx := NewTx(sqlxTx, logger)
	return context.WithValue(ctx, txContextKey{}, tx), tx, nil
}

// TxFromContext returns the transaction on ctx while it is still open.
func TxFromContext(ctx context.Context) Tx {
	tx, ok := ctx.Value(txContextKey{}).(Tx)
	if !ok || !tx.IsOpen() {
		return nil
	}
	return tx
}

func (t *Transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	t.isClosed = true
	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("failed to roll back transaction")
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	t.isClosed = true
	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("failed to commit transaction")
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Savepoint names must be plain identifiers; they are interpolated into the statement.
func (t *Transaction) Savepoint(ctx context.Context, name string) error {
	return t.exec(ctx, "SAVEPOINT "+name)
}

func (t *Transaction) RollbackTo(ctx context.Context, name string) error {
	return t.exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
}

func (t *Transaction) Release(ctx context.Context, name string) error {
	return t.exec(ctx, "RELEASE SAVEPOINT "+name)
}

func (t *Transaction) exec(ctx context.Context, stmt string) error {
	if _, err := t.Tx.ExecContext(ctx, stmt); err != nil {
		t.logger.WithContext(ctx).WithError(err).WithField("statement", stmt).Error("savepoint statement failed")
		return err
	}
	return nil
}
