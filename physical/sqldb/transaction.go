package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/stephnangue/turnstile/physical"
)

// Transaction is a physical.Transaction on a *sql.Tx. It is meant for use
// by one goroutine. Query results inside a transaction are read fully
// before they are returned so the connection is free for the next
// statement.
type Transaction struct {
	b        *Backend
	tx       *sql.Tx
	readOnly bool

	mu       sync.Mutex
	finished bool
}

func (b *Backend) BeginTx(ctx context.Context, opts physical.TxOptions) (physical.Transaction, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	b.txnPermitPool.Acquire()

	txOpts := &sql.TxOptions{
		Isolation: b.dialect.Isolation(opts.Isolation),
		ReadOnly:  opts.ReadOnly && b.dialect.ReadOnlyTx,
	}
	tx, err := b.client.BeginTx(ctx, txOpts)
	if err != nil {
		b.txnPermitPool.Release()
		return nil, b.wrap("begin", err)
	}
	return &Transaction{b: b, tx: tx, readOnly: opts.ReadOnly}, nil
}

func (t *Transaction) check(write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return physical.ErrTransactionAlreadyCommitted
	}
	if write && t.readOnly {
		return physical.ErrTransactionReadOnly
	}
	return nil
}

func (t *Transaction) Put(ctx context.Context, rec *physical.Record) error {
	if err := t.check(true); err != nil {
		return err
	}
	return t.b.put(ctx, t.tx, rec)
}

// Get reads the ticket row, locking it for the rest of the transaction when
// pessimistic locking is configured.
func (t *Transaction) Get(ctx context.Context, id string) (*physical.Record, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	query := t.b.getQuery
	if t.b.forUpdate && !t.readOnly {
		query = t.b.getForUpdateQuery
	}
	return t.b.get(ctx, t.tx, query, id)
}

func (t *Transaction) Delete(ctx context.Context, id string) (bool, error) {
	if err := t.check(true); err != nil {
		return false, err
	}
	return t.b.delete(ctx, t.tx, id)
}

func (t *Transaction) Query(ctx context.Context, p physical.Predicate) (physical.Cursor, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	query, args := selectQuery(t.b.dialect, p)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.b.wrap("query", err)
	}
	records, err := physical.Collect(ctx, newRowsCursor(rows, nil))
	if err != nil {
		return nil, t.b.wrap("query", err)
	}
	return physical.NewSliceCursor(records), nil
}

func (t *Transaction) finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return physical.ErrTransactionAlreadyCommitted
	}
	t.finished = true
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	defer t.b.txnPermitPool.Release()

	if err := t.tx.Commit(); err != nil {
		if t.b.dialect.IsConflict != nil && t.b.dialect.IsConflict(err) {
			return fmt.Errorf("commit: %w: %w", physical.ErrTransactionCommitFailure, err)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	defer t.b.txnPermitPool.Release()

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
