package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

type txKey struct{}

// Executor runs statements against either the pool or an open transaction
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetExecutor returns the transaction carried by ctx, or the pool
func GetExecutor(ctx context.Context, db *DB) Executor {
	if tx := txFrom(ctx); tx != nil {
		return tx.tx
	}
	return db.DB
}

func txFrom(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(txKey{}).(*Transaction)
	return tx
}

// TransactionManager opens transactions and carries them through the context
// so repositories called inside InTransaction share one unit of work.
type TransactionManager struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionManager creates a new transaction manager
func NewTransactionManager(db *DB, logger *zap.Logger) *TransactionManager {
	return &TransactionManager{db: db, logger: logger}
}

// Begin starts a transaction that is not attached to ctx
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return tm.begin(ctx)
}

func (tm *TransactionManager) begin(ctx context.Context) (*Transaction, error) {
	sqlTx, err := tm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: sqlTx, ctx: ctx}, nil
}

// InTransaction runs fn inside a transaction, committing when fn returns nil.
// A call nested in another InTransaction joins the outer transaction.
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	if outer := txFrom(ctx); outer != nil {
		return fn(ctx, outer)
	}

	tx, err := tm.begin(ctx)
	if err != nil {
		return err
	}
	tx.ctx = context.WithValue(ctx, txKey{}, tx)

	if err := fn(tx.ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.logger.Error("failed to rollback transaction",
				zap.Error(rbErr),
				zap.NamedError("cause", err),
			)
		}
		return err
	}

	return tx.Commit()
}

// Transaction wraps *sql.Tx
type Transaction struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *Transaction) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback is a no-op on a transaction that already finished
func (t *Transaction) Rollback() error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return fmt.Errorf("failed to rollback transaction: %w", err)
}

// Context returns the context the transaction is bound to
func (t *Transaction) Context() context.Context {
	return t.ctx
}
