// Package sqldb implements the ticket backend on database/sql. Dialect
// packages supply the driver, placeholders and migrations.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	sdkphysical "github.com/openbao/openbao/sdk/v2/physical"
	"github.com/stephnangue/turnstile/helper"
	log "github.com/stephnangue/turnstile/logger"
	"github.com/stephnangue/turnstile/physical"
)

var (
	_ physical.Backend       = (*Backend)(nil)
	_ physical.Transactional = (*Backend)(nil)
	_ physical.Transaction   = (*Transaction)(nil)
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options tunes a Backend.
type Options struct {
	// MaxParallel caps concurrent statements outside transactions and
	// concurrently open transactions.
	MaxParallel int

	// PessimisticLock reads tickets with SELECT ... FOR UPDATE inside
	// transactions, when the dialect supports it.
	PessimisticLock bool
}

// Backend is a physical.Backend on a SQL database.
type Backend struct {
	queries

	client        *sql.DB
	dialect       Dialect
	logger        log.Logger
	permitPool    *sdkphysical.PermitPool
	txnPermitPool *sdkphysical.PermitPool
	forUpdate     bool
	closed        atomic.Bool
}

// New wraps an open database. The schema must already exist; see Migrate.
func New(db *sql.DB, dialect Dialect, opts Options, logger log.Logger) (*Backend, error) {
	if db == nil {
		return nil, errors.New("sqldb: nil database")
	}
	if err := dialect.validate(); err != nil {
		return nil, err
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = sdkphysical.DefaultParallelOperations
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.PessimisticLock && !dialect.RowLocks {
		logger.Warn("pessimistic ticket locks are not supported by this database, ignoring",
			log.String("dialect", dialect.Name))
	}

	return &Backend{
		queries:       buildQueries(dialect),
		client:        db,
		dialect:       dialect,
		logger:        logger,
		permitPool:    sdkphysical.NewPermitPool(opts.MaxParallel),
		txnPermitPool: sdkphysical.NewPermitPool(opts.MaxParallel),
		forUpdate:     opts.PessimisticLock && dialect.RowLocks,
	}, nil
}

// DB exposes the underlying pool.
func (b *Backend) DB() *sql.DB { return b.client }

func (b *Backend) Dialect() Dialect { return b.dialect }

func (b *Backend) checkOpen() error {
	if b.closed.Load() {
		return physical.ErrBackendClosed
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, rec *physical.Record) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	b.permitPool.Acquire()
	defer b.permitPool.Release()

	return b.put(ctx, b.client, rec)
}

func (b *Backend) put(ctx context.Context, q queryer, rec *physical.Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	if _, err := q.ExecContext(ctx, b.putQuery, recordArgs(rec)...); err != nil {
		return b.wrap("put", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (*physical.Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	b.permitPool.Acquire()
	defer b.permitPool.Release()

	return b.get(ctx, b.client, b.getQuery, id)
}

func (b *Backend) get(ctx context.Context, q queryer, query, id string) (*physical.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrap("get", err)
	}
	return rec, nil
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	b.permitPool.Acquire()
	defer b.permitPool.Release()

	return b.delete(ctx, b.client, id)
}

func (b *Backend) delete(ctx context.Context, q queryer, id string) (bool, error) {
	res, err := q.ExecContext(ctx, b.deleteQuery, id)
	if err != nil {
		return false, b.wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, b.wrap("delete", err)
	}
	return n > 0, nil
}

// Query streams matching records. The cursor holds a permit and a pooled
// connection until it is closed.
func (b *Backend) Query(ctx context.Context, p physical.Predicate) (physical.Cursor, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	b.permitPool.Acquire()

	query, args := selectQuery(b.dialect, p)
	rows, err := b.client.QueryContext(ctx, query, args...)
	if err != nil {
		b.permitPool.Release()
		return nil, b.wrap("query", err)
	}
	return newRowsCursor(rows, b.permitPool.Release), nil
}

func (b *Backend) AcquireLock(ctx context.Context, rec physical.LockRecord) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	res, err := b.client.ExecContext(ctx, b.lockAcquireExec,
		rec.LockID, rec.Owner, helper.UnixMilli(rec.AcquiredAt), helper.UnixMilli(rec.ExpiresAt))
	if err != nil {
		return false, b.wrap("acquire lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, b.wrap("acquire lock", err)
	}
	return n == 1, nil
}

func (b *Backend) ReleaseLock(ctx context.Context, lockID, owner string) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	res, err := b.client.ExecContext(ctx, b.lockReleaseExec, lockID, owner)
	if err != nil {
		return false, b.wrap("release lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, b.wrap("release lock", err)
	}
	return n > 0, nil
}

func (b *Backend) GetLock(ctx context.Context, lockID string) (*physical.LockRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var (
		rec               physical.LockRecord
		acquired, expires int64
	)
	err := b.client.QueryRowContext(ctx, b.lockGetQuery, lockID).Scan(&rec.LockID, &rec.Owner, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrap("get lock", err)
	}
	rec.AcquiredAt = helper.FromUnixMilli(acquired)
	rec.ExpiresAt = helper.FromUnixMilli(expires)
	return &rec, nil
}

// Close closes the pool. Further calls fail with physical.ErrBackendClosed.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}

// wrap annotates err with the operation, and marks serialization failures
// with physical.ErrTransactionCommitFailure.
func (b *Backend) wrap(op string, err error) error {
	if b.dialect.IsConflict != nil && b.dialect.IsConflict(err) {
		return fmt.Errorf("%s: %w: %w", op, physical.ErrTransactionCommitFailure, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
