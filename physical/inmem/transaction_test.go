package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stephnangue/turnstile/physical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInmemTransaction_CommitAndIsolation(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, testRecord("ST-1", "ServiceTicket", "alice", epoch)))

	tx, err := b.BeginTx(ctx, physical.TxOptions{})
	require.NoError(t, err)

	require.NoError(t, tx.Put(ctx, testRecord("ST-2", "ServiceTicket", "alice", epoch)))
	existed, err := tx.Delete(ctx, "ST-1")
	require.NoError(t, err)
	assert.True(t, existed)

	// not visible outside before commit
	got, err := b.Get(ctx, "ST-2")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = b.Get(ctx, "ST-1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	require.NoError(t, tx.Commit(ctx))

	got, _ = b.Get(ctx, "ST-2")
	assert.NotNil(t, got)
	got, _ = b.Get(ctx, "ST-1")
	assert.Nil(t, got)
}

func TestInmemTransaction_Rollback(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	tx, err := b.BeginTx(ctx, physical.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, testRecord("ST-1", "ServiceTicket", "", epoch)))
	require.NoError(t, tx.Rollback(ctx))

	assert.Zero(t, b.Len())
	assert.ErrorIs(t, tx.Commit(ctx), physical.ErrTransactionAlreadyCommitted)
	assert.ErrorIs(t, tx.Put(ctx, testRecord("ST-2", "ServiceTicket", "", epoch)), physical.ErrTransactionAlreadyCommitted)
}

func TestInmemTransaction_ReadOnly(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, testRecord("ST-1", "ServiceTicket", "", epoch)))

	tx, err := b.BeginTx(ctx, physical.TxOptions{ReadOnly: true})
	require.NoError(t, err)

	got, err := tx.Get(ctx, "ST-1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.ErrorIs(t, tx.Put(ctx, testRecord("ST-2", "ServiceTicket", "", epoch)), physical.ErrTransactionReadOnly)
	_, err = tx.Delete(ctx, "ST-1")
	assert.ErrorIs(t, err, physical.ErrTransactionReadOnly)
	require.NoError(t, tx.Commit(ctx))
}

func TestInmemTransaction_ConflictDetection(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, testRecord("TGT-1", "TicketGrantingTicket", "alice", epoch.Add(time.Hour))))

	tx, err := b.BeginTx(ctx, physical.TxOptions{Isolation: physical.Serializable})
	require.NoError(t, err)

	rec, err := tx.Get(ctx, "TGT-1")
	require.NoError(t, err)
	rec.LastUsedAt = epoch.Add(time.Minute)
	require.NoError(t, tx.Put(ctx, rec))

	// a concurrent writer changes the same record
	other := testRecord("TGT-1", "TicketGrantingTicket", "alice", epoch.Add(2*time.Hour))
	require.NoError(t, b.Put(ctx, other))

	err = tx.Commit(ctx)
	require.ErrorIs(t, err, physical.ErrTransactionCommitFailure)

	got, err := b.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.True(t, got.Equal(other), "parent must keep the concurrent write")
}

func TestInmemTransaction_QueryConflict(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, testRecord("ST-1", "ServiceTicket", "alice", epoch)))

	tx, err := b.BeginTx(ctx, physical.TxOptions{})
	require.NoError(t, err)

	cur, err := tx.Query(ctx, physical.Predicate{Principal: "alice"})
	require.NoError(t, err)
	records, err := physical.Collect(ctx, cur)
	require.NoError(t, err)
	for _, r := range records {
		_, err := tx.Delete(ctx, r.ID)
		require.NoError(t, err)
	}

	require.NoError(t, b.Put(ctx, testRecord("ST-2", "ServiceTicket", "alice", epoch)))
	assert.ErrorIs(t, tx.Commit(ctx), physical.ErrTransactionCommitFailure)

	// the failed commit left the parent untouched
	assert.Equal(t, 2, b.Len())
}

func TestInmemTransaction_ReadsThroughPendingWrites(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for _, id := range []string{"ST-1", "ST-3", "ST-5"} {
		require.NoError(t, b.Put(ctx, testRecord(id, "ServiceTicket", "alice", epoch)))
	}

	tx, err := b.BeginTx(ctx, physical.TxOptions{})
	require.NoError(t, err)

	// written by another node after the transaction started
	require.NoError(t, b.Put(ctx, testRecord("ST-4", "ServiceTicket", "alice", epoch)))

	require.NoError(t, tx.Put(ctx, testRecord("ST-2", "ServiceTicket", "alice", epoch)))
	_, err = tx.Delete(ctx, "ST-3")
	require.NoError(t, err)

	got, err := tx.Get(ctx, "ST-3")
	require.NoError(t, err)
	assert.Nil(t, got)

	cur, err := tx.Query(ctx, physical.Predicate{Principal: "alice", After: "ST-1", Limit: 3})
	require.NoError(t, err)
	records, err := physical.Collect(ctx, cur)
	require.NoError(t, err)
	ids := make([]string, len(records))
	for n, r := range records {
		ids[n] = r.ID
	}
	assert.Equal(t, []string{"ST-2", "ST-4", "ST-5"}, ids)

	require.NoError(t, tx.Commit(ctx))

	cur, err = b.Query(ctx, physical.Predicate{})
	require.NoError(t, err)
	records, err = physical.Collect(ctx, cur)
	require.NoError(t, err)
	assert.Len(t, records, 4)
	got, _ = b.Get(ctx, "ST-3")
	assert.Nil(t, got)
}

func TestInmemTransaction_FailCommit(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	tx, err := b.BeginTx(ctx, physical.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, testRecord("ST-1", "ServiceTicket", "", epoch)))

	b.FailCommit(true)
	assert.ErrorIs(t, tx.Commit(ctx), ErrCommitDisabled)
	assert.Zero(t, b.Len())
}

func TestRunInTx_Inmem(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	err := physical.RunInTx(ctx, b, physical.TxOptions{}, func(ctx context.Context, s physical.Storage) error {
		if _, ok := s.(physical.Transaction); !ok {
			t.Fatalf("expected a transaction, got %T", s)
		}
		if err := s.Put(ctx, testRecord("TGT-1", "TicketGrantingTicket", "", epoch)); err != nil {
			return err
		}

		// Required joins the bound transaction
		return physical.RunInTx(ctx, b, physical.TxOptions{}, func(ctx context.Context, inner physical.Storage) error {
			assert.Same(t, s, inner)
			rec, err := inner.Get(ctx, "TGT-1")
			require.NotNil(t, rec)
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}
