package inmem

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/stephnangue/turnstile/physical"
)

type opType int

const (
	opGet opType = iota
	opPut
	opDelete
	opQuery
)

func (o opType) String() string {
	switch o {
	case opGet:
		return "get"
	case opPut:
		return "put"
	case opDelete:
		return "delete"
	case opQuery:
		return "query"
	}
	return "unknown"
}

// txOp is one recorded transaction operation. prev is the record the
// transaction observed before the operation; commit replays the operation
// only if the parent still holds exactly that record.
type txOp struct {
	kind      opType
	id        string
	rec       *physical.Record
	prev      *physical.Record
	predicate physical.Predicate
	ids       []string
}

// view reads the parent tree through a set of pending writes. A nil entry
// in writes marks a delete.
type view struct {
	parent *InmemStorage
	writes map[string]*physical.Record
}

func (v view) lookup(id string) *physical.Record {
	if rec, ok := v.writes[id]; ok {
		return rec.Clone()
	}
	return v.parent.lookup(id)
}

func (v view) query(p physical.Predicate) []*physical.Record {
	out := v.parent.match(p, v.writes)
	for _, rec := range v.writes {
		if rec != nil && p.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *physical.Record) int { return strings.Compare(a.ID, b.ID) })
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out
}

// InmemTransaction buffers its writes and reads the parent through them, so
// starting one costs nothing regardless of the store size. Commit verifies
// every observation against the parent and only then applies the writes, so
// a transaction that raced with another writer fails with
// physical.ErrTransactionCommitFailure and leaves the parent untouched.
type InmemTransaction struct {
	txLock     sync.Mutex
	view       view
	writable   bool
	finishedTx bool
	operations []txOp
	parent     *InmemBackend
}

func (b *InmemBackend) BeginTx(ctx context.Context, opts physical.TxOptions) (physical.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.txnPermitPool.Acquire()

	return &InmemTransaction{
		view: view{
			parent: &b.InmemStorage,
			writes: make(map[string]*physical.Record),
		},
		writable: !opts.ReadOnly,
		parent:   b,
	}, nil
}

func (t *InmemTransaction) lookup(id string) *physical.Record {
	t.parent.RLock()
	defer t.parent.RUnlock()
	return t.view.lookup(id)
}

func (t *InmemTransaction) Put(ctx context.Context, rec *physical.Record) error {
	t.txLock.Lock()
	defer t.txLock.Unlock()

	if t.finishedTx {
		return physical.ErrTransactionAlreadyCommitted
	}
	if !t.writable {
		return physical.ErrTransactionReadOnly
	}

	t.parent.permitPool.Acquire()
	defer t.parent.permitPool.Release()

	if err := t.parent.checkPut(ctx, rec); err != nil {
		return err
	}
	prev := t.lookup(rec.ID)
	t.view.writes[rec.ID] = rec.Clone()
	t.operations = append(t.operations, txOp{kind: opPut, id: rec.ID, rec: rec.Clone(), prev: prev})
	return nil
}

func (t *InmemTransaction) Delete(ctx context.Context, id string) (bool, error) {
	t.txLock.Lock()
	defer t.txLock.Unlock()

	if t.finishedTx {
		return false, physical.ErrTransactionAlreadyCommitted
	}
	if !t.writable {
		return false, physical.ErrTransactionReadOnly
	}

	t.parent.permitPool.Acquire()
	defer t.parent.permitPool.Release()

	if err := t.parent.checkDelete(ctx, id); err != nil {
		return false, err
	}
	prev := t.lookup(id)
	t.view.writes[id] = nil
	t.operations = append(t.operations, txOp{kind: opDelete, id: id, prev: prev})
	return prev != nil, nil
}

func (t *InmemTransaction) Get(ctx context.Context, id string) (*physical.Record, error) {
	t.txLock.Lock()
	defer t.txLock.Unlock()

	if t.finishedTx {
		return nil, physical.ErrTransactionAlreadyCommitted
	}

	t.parent.permitPool.Acquire()
	defer t.parent.permitPool.Release()

	if err := t.parent.checkGet(ctx, id); err != nil {
		return nil, err
	}
	rec := t.lookup(id)
	t.operations = append(t.operations, txOp{kind: opGet, id: id, prev: rec.Clone()})
	return rec, nil
}

func (t *InmemTransaction) Query(ctx context.Context, p physical.Predicate) (physical.Cursor, error) {
	t.txLock.Lock()
	defer t.txLock.Unlock()

	if t.finishedTx {
		return nil, physical.ErrTransactionAlreadyCommitted
	}

	t.parent.permitPool.Acquire()
	defer t.parent.permitPool.Release()

	if err := t.parent.checkQuery(p); err != nil {
		return nil, err
	}
	t.parent.RLock()
	records := t.view.query(p)
	t.parent.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.operations = append(t.operations, txOp{kind: opQuery, predicate: p, ids: recordIDs(records)})
	return physical.NewSliceCursor(records), nil
}

func recordIDs(records []*physical.Record) []string {
	ids := make([]string, len(records))
	for n, r := range records {
		ids[n] = r.ID
	}
	return ids
}

func (t *InmemTransaction) Commit(ctx context.Context) error {
	t.txLock.Lock()
	defer t.txLock.Unlock()

	if t.finishedTx {
		return physical.ErrTransactionAlreadyCommitted
	}
	t.finishedTx = true
	defer t.parent.txnPermitPool.Release()

	if t.faults().commit.Load() {
		return ErrCommitDisabled
	}
	if !t.writable || len(t.view.writes) == 0 {
		return nil
	}
	p := t.parent
	p.Lock()
	defer p.Unlock()

	// Replay in order against the parent plus the writes replayed so far,
	// so reads made after the transaction's own writes verify too.
	staged := view{parent: &p.InmemStorage, writes: make(map[string]*physical.Record, len(t.view.writes))}
	for index, op := range t.operations {
		switch op.kind {
		case opQuery:
			if !slices.Equal(recordIDs(staged.query(op.predicate)), op.ids) {
				return fmt.Errorf("[%d] query results changed: %w", index, physical.ErrTransactionCommitFailure)
			}
			continue
		case opGet, opPut, opDelete:
		default:
			return fmt.Errorf("unknown operation: %v", op.kind)
		}

		if cur := staged.lookup(op.id); !cur.Equal(op.prev) {
			return fmt.Errorf("[%d] %s %s: record changed concurrently: %w", index, op.kind, op.id, physical.ErrTransactionCommitFailure)
		}
		switch op.kind {
		case opPut:
			staged.writes[op.id] = op.rec
		case opDelete:
			staged.writes[op.id] = nil
		}
	}

	for id, rec := range staged.writes {
		if rec == nil {
			p.root.Delete(id)
			continue
		}
		p.root.Insert(id, rec.Clone())
	}
	return nil
}

func (t *InmemTransaction) faults() *faults { return t.parent.faults }

func (t *InmemTransaction) Rollback(ctx context.Context) error {
	t.txLock.Lock()
	defer t.txLock.Unlock()

	if t.finishedTx {
		return physical.ErrTransactionAlreadyCommitted
	}
	t.finishedTx = true
	t.parent.txnPermitPool.Release()
	return nil
}
