package inmem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/armon/go-radix"
	sdkphysical "github.com/openbao/openbao/sdk/v2/physical"
	"github.com/stephnangue/turnstile/helper"
	log "github.com/stephnangue/turnstile/logger"
	"github.com/stephnangue/turnstile/physical"
)

var (
	_ physical.Backend       = (*InmemBackend)(nil)
	_ physical.Transactional = (*InmemBackend)(nil)
	_ physical.Transaction   = (*InmemTransaction)(nil)
)

var (
	ErrPutDisabled    = errors.New("put operations disabled in inmem storage")
	ErrGetDisabled    = errors.New("get operations disabled in inmem storage")
	ErrDeleteDisabled = errors.New("delete operations disabled in inmem storage")
	ErrQueryDisabled  = errors.New("query operations disabled in inmem storage")
	ErrLockDisabled   = errors.New("lock operations disabled in inmem storage")
	ErrCommitDisabled = errors.New("commit disabled in inmem storage")
)

type options struct {
	MaxValueSize        int  `mapstructure:"max_value_size"`
	MaxParallel         int  `mapstructure:"max_parallel"`
	DisableTransactions bool `mapstructure:"disable_transactions"`
}

// faults holds the fault injection switches. Transactions share the
// switches of the backend they were started from.
type faults struct {
	put, get, del, query, lock, commit atomic.Bool
}

// InmemStorage is an in-memory ticket store on a radix tree keyed by id. It
// is meant for tests and single-node development setups.
type InmemStorage struct {
	sync.RWMutex
	root         *radix.Tree
	permitPool   *sdkphysical.PermitPool
	logger       log.Logger
	faults       *faults
	logOps       bool
	maxValueSize int
}

// InmemBackend adds the lock table and transactions to InmemStorage.
type InmemBackend struct {
	InmemStorage

	txnPermitPool *sdkphysical.PermitPool

	lockMu sync.Mutex
	locks  map[string]physical.LockRecord
}

// directBackend hides BeginTx so that callers run without transactions.
type directBackend struct {
	physical.Storage
	physical.LockBackend
	io.Closer
}

// NewInmem constructs a new in-memory backend. With disable_transactions
// set the returned backend does not implement physical.Transactional.
func NewInmem(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	var opts options
	if err := physical.DecodeOptions(conf, &opts); err != nil {
		return nil, err
	}
	b, err := New(conf, logger)
	if err != nil {
		return nil, err
	}
	if opts.DisableTransactions {
		return directBackend{Storage: b, LockBackend: b, Closer: b}, nil
	}
	return b, nil
}

// New is NewInmem returning the concrete type, for tests that need the
// fault injection switches.
func New(conf map[string]string, logger log.Logger) (*InmemBackend, error) {
	var opts options
	if err := physical.DecodeOptions(conf, &opts); err != nil {
		return nil, err
	}
	if opts.MaxValueSize < 0 {
		return nil, fmt.Errorf("max_value_size must not be negative")
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = sdkphysical.DefaultParallelOperations
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &InmemBackend{
		InmemStorage: InmemStorage{
			root:         radix.New(),
			permitPool:   sdkphysical.NewPermitPool(opts.MaxParallel),
			logger:       logger,
			faults:       new(faults),
			logOps:       helper.ReadEnv("TURNSTILE_INMEM_LOG_ALL_OPS") != "",
			maxValueSize: opts.MaxValueSize,
		},
		txnPermitPool: sdkphysical.NewPermitPool(opts.MaxParallel),
		locks:         make(map[string]physical.LockRecord),
	}, nil
}

func (i *InmemStorage) FailPut(fail bool)    { i.faults.put.Store(fail) }
func (i *InmemStorage) FailGet(fail bool)    { i.faults.get.Store(fail) }
func (i *InmemStorage) FailDelete(fail bool) { i.faults.del.Store(fail) }
func (i *InmemStorage) FailQuery(fail bool)  { i.faults.query.Store(fail) }
func (i *InmemStorage) FailLock(fail bool)   { i.faults.lock.Store(fail) }
func (i *InmemStorage) FailCommit(fail bool) { i.faults.commit.Store(fail) }

func (i *InmemStorage) trace(op, id string) {
	if i.logOps {
		i.logger.Trace(op, log.String("id", id))
	}
}

// Put is used to insert or update a record
func (i *InmemStorage) Put(ctx context.Context, rec *physical.Record) error {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	return i.putInternal(ctx, rec)
}

func (i *InmemStorage) putInternal(ctx context.Context, rec *physical.Record) error {
	if err := i.checkPut(ctx, rec); err != nil {
		return err
	}
	i.root.Insert(rec.ID, rec.Clone())
	return nil
}

func (i *InmemStorage) checkPut(ctx context.Context, rec *physical.Record) error {
	i.trace("put", rec.ID)
	if i.faults.put.Load() {
		return ErrPutDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	if i.maxValueSize > 0 && len(rec.Body) > i.maxValueSize {
		return physical.ErrValueTooLarge
	}
	return nil
}

// Get is used to fetch a record
func (i *InmemStorage) Get(ctx context.Context, id string) (*physical.Record, error) {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.RLock()
	defer i.RUnlock()

	return i.getInternal(ctx, id)
}

func (i *InmemStorage) getInternal(ctx context.Context, id string) (*physical.Record, error) {
	if err := i.checkGet(ctx, id); err != nil {
		return nil, err
	}
	return i.lookup(id), nil
}

func (i *InmemStorage) checkGet(ctx context.Context, id string) error {
	i.trace("get", id)
	if i.faults.get.Load() {
		return ErrGetDisabled
	}
	return ctx.Err()
}

func (i *InmemStorage) lookup(id string) *physical.Record {
	if raw, ok := i.root.Get(id); ok {
		return raw.(*physical.Record).Clone()
	}
	return nil
}

// Delete is used to permanently delete a record
func (i *InmemStorage) Delete(ctx context.Context, id string) (bool, error) {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	return i.deleteInternal(ctx, id)
}

func (i *InmemStorage) deleteInternal(ctx context.Context, id string) (bool, error) {
	if err := i.checkDelete(ctx, id); err != nil {
		return false, err
	}
	_, existed := i.root.Delete(id)
	return existed, nil
}

func (i *InmemStorage) checkDelete(ctx context.Context, id string) error {
	i.trace("delete", id)
	if i.faults.del.Load() {
		return ErrDeleteDisabled
	}
	return ctx.Err()
}

// Query returns the matching records in id order. The result is
// materialized under the read lock, so the cursor never blocks writers.
func (i *InmemStorage) Query(ctx context.Context, p physical.Predicate) (physical.Cursor, error) {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.RLock()
	defer i.RUnlock()

	records, err := i.queryInternal(ctx, p)
	if err != nil {
		return nil, err
	}
	return physical.NewSliceCursor(records), nil
}

func (i *InmemStorage) queryInternal(ctx context.Context, p physical.Predicate) ([]*physical.Record, error) {
	if err := i.checkQuery(p); err != nil {
		return nil, err
	}
	out := i.match(p, nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *InmemStorage) checkQuery(p physical.Predicate) error {
	i.trace("query", p.Kind)
	if i.faults.query.Load() {
		return ErrQueryDisabled
	}
	return nil
}

// match walks the tree in id order, leaving out the ids in skip.
func (i *InmemStorage) match(p physical.Predicate, skip map[string]*physical.Record) []*physical.Record {
	var out []*physical.Record
	i.root.Walk(func(id string, v any) bool {
		if _, ok := skip[id]; ok {
			return false
		}
		rec := v.(*physical.Record)
		if p.Matches(rec) {
			out = append(out, rec.Clone())
		}
		return p.Limit > 0 && len(out) >= p.Limit
	})
	return out
}

// Len returns the number of stored records.
func (i *InmemStorage) Len() int {
	i.RLock()
	defer i.RUnlock()
	return i.root.Len()
}

// AcquireLock is a compare-and-swap on the lock table.
func (b *InmemBackend) AcquireLock(ctx context.Context, rec physical.LockRecord) (bool, error) {
	if b.faults.lock.Load() {
		return false, ErrLockDisabled
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.lockMu.Lock()
	defer b.lockMu.Unlock()

	if cur, ok := b.locks[rec.LockID]; ok {
		if cur.Owner != rec.Owner && cur.ExpiresAt.After(rec.AcquiredAt) {
			return false, nil
		}
	}
	b.locks[rec.LockID] = rec
	return true, nil
}

func (b *InmemBackend) ReleaseLock(ctx context.Context, lockID, owner string) (bool, error) {
	if b.faults.lock.Load() {
		return false, ErrLockDisabled
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.lockMu.Lock()
	defer b.lockMu.Unlock()

	cur, ok := b.locks[lockID]
	if !ok || cur.Owner != owner {
		return false, nil
	}
	delete(b.locks, lockID)
	return true, nil
}

func (b *InmemBackend) GetLock(ctx context.Context, lockID string) (*physical.LockRecord, error) {
	if b.faults.lock.Load() {
		return nil, ErrLockDisabled
	}
	b.lockMu.Lock()
	defer b.lockMu.Unlock()

	cur, ok := b.locks[lockID]
	if !ok {
		return nil, nil
	}
	return &cur, nil
}

func (b *InmemBackend) Close() error { return nil }
