package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stephnangue/turnstile/catalog"
	"github.com/stephnangue/turnstile/cipher"
	"github.com/stephnangue/turnstile/helper"
	"github.com/stephnangue/turnstile/physical"
	"github.com/stephnangue/turnstile/physical/inmem"
	"github.com/stephnangue/turnstile/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type testRegistry struct {
	*TicketRegistry
	backend *inmem.InmemBackend
	clock   *helper.FakeClock
	sink    *metrics.InmemSink
}

func createTestRegistry(t *testing.T, mods ...func(*RegistryConfig)) *testRegistry {
	t.Helper()

	backend, err := inmem.New(nil, nil)
	require.NoError(t, err)

	key, err := cipher.GenerateKey()
	require.NoError(t, err)
	signingKey, err := cipher.GenerateKey()
	require.NoError(t, err)
	c, err := cipher.NewAEAD(key, signingKey, "test-key")
	require.NoError(t, err)

	clock := helper.NewFakeClock(epoch)
	sink := metrics.NewInmemSink(time.Minute, time.Minute)

	conf := RegistryConfig{
		Backend: backend,
		Catalog: catalog.NewDefaultBuilder().Build(),
		Cipher:  c,
		Clock:   clock,
		Metrics: sink,
	}
	for _, mod := range mods {
		mod(&conf)
	}

	r, err := NewTicketRegistry(conf)
	require.NoError(t, err)
	return &testRegistry{TicketRegistry: r, backend: backend, clock: clock, sink: sink}
}

func newTGT(id, principal string) *ticket.Ticket {
	return &ticket.Ticket{
		ID:        id,
		Kind:      catalog.TicketGrantingTicket,
		Principal: principal,
		Payload:   []byte(`{"authentication":"` + principal + `"}`),
	}
}

func newST(id, principal, parent string) *ticket.Ticket {
	return &ticket.Ticket{
		ID:        id,
		Kind:      catalog.ServiceTicket,
		Principal: principal,
		ParentID:  parent,
		Payload:   []byte("service=https://app.example.com"),
	}
}

func collect(t *testing.T, r *testRegistry, p Predicate) []string {
	t.Helper()
	var ids []string
	for tk, err := range r.Query(context.Background(), p) {
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}
	return ids
}

func TestNewTicketRegistry_Validation(t *testing.T) {
	_, err := NewTicketRegistry(RegistryConfig{Catalog: catalog.NewDefaultBuilder().Build()})
	assert.Error(t, err)

	backend, _ := inmem.New(nil, nil)
	_, err = NewTicketRegistry(RegistryConfig{Backend: backend})
	assert.Error(t, err)

	r, err := NewTicketRegistry(RegistryConfig{Backend: backend, Catalog: catalog.NewDefaultBuilder().Build()})
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepBatchSize, r.batchSize)
	assert.IsType(t, cipher.NoOp{}, r.cipher)
}

func TestTicketRegistry_RoundTrip(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	in := newTGT("TGT-1", "alice")
	require.NoError(t, r.Add(ctx, in))

	got, err := r.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, in.Kind, got.Kind)
	assert.Equal(t, in.Principal, got.Principal)
	assert.Equal(t, in.Payload, got.Payload)
	assert.Equal(t, epoch, got.IssuedAt)
	assert.Equal(t, epoch.Add(2*time.Hour), got.ExpiresAt)

	// the caller's value is not modified
	assert.True(t, in.IssuedAt.IsZero())

	// payload never reaches the store in plaintext
	rec, err := r.backend.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(rec.Body, []byte("alice")), "body stored in plaintext")
	assert.NotEmpty(t, rec.Signature)
}

func TestTicketRegistry_RoundTripWithoutCipher(t *testing.T) {
	r := createTestRegistry(t, func(c *RegistryConfig) { c.Cipher = nil })
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))
	got, err := r.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, `{"authentication":"alice"}`, string(got.Payload))
}

func TestTicketRegistry_AddValidation(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tk   *ticket.Ticket
	}{
		{"nil ticket", nil},
		{"missing id", &ticket.Ticket{Kind: catalog.ServiceTicket}},
		{"unknown kind", &ticket.Ticket{ID: "X-1", Kind: "BogusTicket"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Add(ctx, tt.tk)
			assert.ErrorIs(t, err, ticket.ErrValidation)
			assert.False(t, ticket.IsRetryable(err))
		})
	}
}

func TestTicketRegistry_AddExistingID(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))

	err := r.Add(ctx, newST("TGT-1", "bob", ""))
	assert.ErrorIs(t, err, ticket.ErrValidation)
	assert.False(t, ticket.IsRetryable(err))

	got, err := r.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TicketGrantingTicket, got.Kind)
	assert.Equal(t, "alice", got.Principal)

	t.Run("expired ticket is replaced", func(t *testing.T) {
		require.NoError(t, r.Add(ctx, newST("ST-1", "alice", "")))
		r.clock.Advance(11 * time.Second)

		require.NoError(t, r.Add(ctx, newST("ST-1", "carol", "")))
		got, err := r.Get(ctx, "ST-1")
		require.NoError(t, err)
		assert.Equal(t, "carol", got.Principal)
	})

	t.Run("unreadable ticket is replaced", func(t *testing.T) {
		require.NoError(t, r.Add(ctx, newTGT("TGT-2", "alice")))
		rec, err := r.backend.Get(ctx, "TGT-2")
		require.NoError(t, err)
		rec.Body[0] ^= 0xff
		require.NoError(t, r.backend.Put(ctx, rec))

		require.NoError(t, r.Add(ctx, newTGT("TGT-2", "dave")))
		got, err := r.Get(ctx, "TGT-2")
		require.NoError(t, err)
		assert.Equal(t, "dave", got.Principal)
	})
}

func TestTicketRegistry_ExpiredTicketNotFound(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newST("ST-1", "alice", "")))
	r.clock.Advance(10 * time.Second)

	_, err := r.Get(ctx, "ST-1")
	assert.ErrorIs(t, err, ticket.ErrNotFound)

	// still physically present until swept
	rec, err := r.backend.Get(ctx, "ST-1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestTicketRegistry_GetMissing(t *testing.T) {
	r := createTestRegistry(t)
	_, err := r.Get(context.Background(), "TGT-missing")
	assert.ErrorIs(t, err, ticket.ErrNotFound)
}

func TestTicketRegistry_TGTLifecycle(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))

	got, err := r.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, "TGT-1", got.ID)

	r.clock.Advance(7201 * time.Second)

	_, err = r.Get(ctx, "TGT-1")
	assert.ErrorIs(t, err, ticket.ErrNotFound)

	n, err := r.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTicketRegistry_SlidingRefresh(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))

	r.clock.Advance(time.Hour)
	got, err := r.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), got.LastUsedAt)
	assert.Equal(t, epoch.Add(3*time.Hour), got.ExpiresAt)

	// the refresh is persisted
	rec, err := r.backend.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(3*time.Hour), rec.ExpiresAt)

	// past the original idle window but inside the refreshed one
	r.clock.Advance(90 * time.Minute)
	_, err = r.Get(ctx, "TGT-1")
	require.NoError(t, err)

	// max lifetime caps the sliding window
	for i := 0; i < 6; i++ {
		r.clock.Advance(time.Hour)
		if _, err := r.Get(ctx, "TGT-1"); err != nil {
			assert.ErrorIs(t, err, ticket.ErrNotFound)
			assert.False(t, r.clock.Now().Before(epoch.Add(8*time.Hour)))
			return
		}
	}
	t.Fatalf("ticket outlived its max lifetime")
}

func TestTicketRegistry_HardTimeoutNotRefreshed(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newST("ST-1", "alice", "")))
	r.clock.Advance(5 * time.Second)

	got, err := r.Get(ctx, "ST-1")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(10*time.Second), got.ExpiresAt)
	assert.Equal(t, epoch, got.LastUsedAt)
}

func TestTicketRegistry_Update(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))

	upd := newTGT("TGT-1", "alice")
	upd.Payload = []byte("updated")
	require.NoError(t, r.Update(ctx, upd))

	got, err := r.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", string(got.Payload))
	assert.Equal(t, epoch, got.IssuedAt)

	t.Run("kind is immutable", func(t *testing.T) {
		bad := newTGT("TGT-1", "alice")
		bad.Kind = catalog.ProxyGrantingTicket
		assert.ErrorIs(t, r.Update(ctx, bad), ticket.ErrValidation)
	})

	t.Run("principal is immutable", func(t *testing.T) {
		assert.ErrorIs(t, r.Update(ctx, newTGT("TGT-1", "mallory")), ticket.ErrValidation)
	})

	t.Run("absent ticket", func(t *testing.T) {
		assert.ErrorIs(t, r.Update(ctx, newTGT("TGT-404", "alice")), ticket.ErrNotFound)
	})

	t.Run("expired ticket", func(t *testing.T) {
		require.NoError(t, r.Add(ctx, newST("ST-9", "alice", "")))
		r.clock.Advance(time.Minute)
		assert.ErrorIs(t, r.Update(ctx, newST("ST-9", "alice", "")), ticket.ErrNotFound)
	})
}

func TestTicketRegistry_DeleteIdempotent(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))

	n, err := r.Delete(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.Delete(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTicketRegistry_DeleteCascades(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))
	require.NoError(t, r.Add(ctx, newST("ST-1", "alice", "TGT-1")))
	require.NoError(t, r.Add(ctx, newST("ST-2", "alice", "TGT-1")))
	require.NoError(t, r.Add(ctx, &ticket.Ticket{ID: "PGT-1", Kind: catalog.ProxyGrantingTicket, Principal: "alice", ParentID: "ST-2"}))
	require.NoError(t, r.Add(ctx, &ticket.Ticket{ID: "PT-1", Kind: catalog.ProxyTicket, Principal: "alice", ParentID: "PGT-1"}))
	require.NoError(t, r.Add(ctx, newTGT("TGT-2", "alice")))

	n, err := r.Delete(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, []string{"TGT-2"}, collect(t, r, Predicate{Principal: "alice"}))
}

func TestTicketRegistry_QueryByKindAndPrincipal(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, r.Add(ctx, newST(fmt.Sprintf("ST-a%d", i), "alice", "")))
	}
	require.NoError(t, r.Add(ctx, newST("ST-b1", "bob", "")))
	require.NoError(t, r.Add(ctx, newTGT("TGT-a", "alice")))

	ids := collect(t, r, Predicate{Kind: catalog.ServiceTicket, Principal: "alice"})
	assert.Equal(t, []string{"ST-a1", "ST-a2", "ST-a3"}, ids)

	n, err := r.Count(ctx, Predicate{Principal: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestTicketRegistry_QuerySkipsExpiredAndUnreadable(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newST("ST-1", "alice", "")))
	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))
	require.NoError(t, r.Add(ctx, newTGT("TGT-2", "alice")))

	rec, err := r.backend.Get(ctx, "TGT-2")
	require.NoError(t, err)
	rec.Body[len(rec.Body)-1] ^= 0xff
	require.NoError(t, r.backend.Put(ctx, rec))

	r.clock.Advance(time.Minute)
	assert.Equal(t, []string{"TGT-1"}, collect(t, r, Predicate{Principal: "alice"}))
}

func TestTicketRegistry_QuerySingleUse(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))

	// nothing is read before iteration
	r.backend.FailQuery(true)
	seq := r.Query(ctx, Predicate{})
	r.backend.FailQuery(false)

	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)

	var second error
	for _, err := range seq {
		second = err
	}
	assert.ErrorIs(t, second, ticket.ErrSequenceConsumed)
}

func TestTicketRegistry_QueryEarlyBreak(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Add(ctx, newTGT(fmt.Sprintf("TGT-%d", i), "alice")))
	}

	for tk, err := range r.Query(ctx, Predicate{}) {
		require.NoError(t, err)
		assert.Equal(t, "TGT-0", tk.ID)
		break
	}
}

func TestTicketRegistry_QueryStorageError(t *testing.T) {
	r := createTestRegistry(t)
	r.backend.FailQuery(true)

	var got error
	for _, err := range r.Query(context.Background(), Predicate{}) {
		got = err
	}
	assert.ErrorIs(t, got, ticket.ErrStorage)
	assert.ErrorIs(t, got, inmem.ErrQueryDisabled)
	assert.True(t, ticket.IsRetryable(got))
}

func TestTicketRegistry_DeleteMatching(t *testing.T) {
	r := createTestRegistry(t, func(c *RegistryConfig) { c.SweepBatchSize = 2 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("TGT-a%d", i)
		require.NoError(t, r.Add(ctx, newTGT(id, "alice")))
		require.NoError(t, r.Add(ctx, newST("ST-a"+fmt.Sprint(i), "alice", id)))
	}
	require.NoError(t, r.Add(ctx, newTGT("TGT-b", "bob")))

	_, err := r.DeleteMatching(ctx, Predicate{})
	assert.ErrorIs(t, err, ticket.ErrValidation)

	n, err := r.DeleteMatching(ctx, Predicate{Kind: catalog.TicketGrantingTicket, Principal: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	assert.Equal(t, []string{"TGT-b"}, collect(t, r, Predicate{}))
}

func TestTicketRegistry_CorruptedPayload(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))

	rec, err := r.backend.Get(ctx, "TGT-1")
	require.NoError(t, err)
	rec.Body[0] ^= 0xff
	require.NoError(t, r.backend.Put(ctx, rec))

	_, err = r.Get(ctx, "TGT-1")
	assert.ErrorIs(t, err, ticket.ErrNotFound)
	assert.NotErrorIs(t, err, ticket.ErrCrypto)

	data := r.sink.Data()
	require.NotEmpty(t, data)
	_, ok := data[0].Counters["turnstile.registry.crypto_failure"]
	assert.True(t, ok, "crypto failure not counted")
}

func TestTicketRegistry_SwappedRecordRejected(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))
	require.NoError(t, r.Add(ctx, newTGT("TGT-2", "mallory")))

	alice, err := r.backend.Get(ctx, "TGT-1")
	require.NoError(t, err)
	mallory, err := r.backend.Get(ctx, "TGT-2")
	require.NoError(t, err)

	// mallory's session content under alice's id
	alice.Body, alice.Signature = mallory.Body, mallory.Signature
	require.NoError(t, r.backend.Put(ctx, alice))

	_, err = r.Get(ctx, "TGT-1")
	assert.ErrorIs(t, err, ticket.ErrNotFound)
}

func TestTicketRegistry_StorageErrorsSurface(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	r.backend.FailPut(true)
	err := r.Add(ctx, newTGT("TGT-1", "alice"))
	assert.ErrorIs(t, err, ticket.ErrStorage)
	r.backend.FailPut(false)

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))

	r.backend.FailGet(true)
	_, err = r.Get(ctx, "TGT-1")
	assert.ErrorIs(t, err, ticket.ErrStorage)
	assert.NotErrorIs(t, err, ticket.ErrNotFound)
	r.backend.FailGet(false)

	r.backend.FailCommit(true)
	_, err = r.Delete(ctx, "TGT-1")
	assert.ErrorIs(t, err, ticket.ErrStorage)
	r.backend.FailCommit(false)

	// the failed delete rolled back
	_, err = r.Get(ctx, "TGT-1")
	require.NoError(t, err)
}

func TestTicketRegistry_JoinsCallerTransaction(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := physical.RunInTx(ctx, r.backend, physical.TxOptions{}, func(ctx context.Context, _ physical.Storage) error {
		if err := r.Add(ctx, newTGT("TGT-1", "alice")); err != nil {
			return err
		}
		if err := r.Add(ctx, newST("ST-1", "alice", "TGT-1")); err != nil {
			return err
		}
		n, err := r.Count(ctx, Predicate{Principal: "alice"})
		if err != nil {
			return err
		}
		assert.Equal(t, 2, n)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := r.Count(ctx, Predicate{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTicketRegistry_RemoveExpiredBatches(t *testing.T) {
	r := createTestRegistry(t, func(c *RegistryConfig) { c.SweepBatchSize = 3 })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Add(ctx, newST(fmt.Sprintf("ST-%02d", i), "alice", "")))
	}
	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))
	r.clock.Advance(time.Minute)

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Removed)
	assert.Equal(t, 4, res.Batches)
	assert.Zero(t, res.Failed)

	assert.Equal(t, []string{"TGT-1"}, collect(t, r, Predicate{}))

	data := r.sink.Data()
	require.NotEmpty(t, data)
	assert.Equal(t, float64(10), data[0].Counters["turnstile.sweep.removed"].Sum)
}

func TestTicketRegistry_RemoveExpiredUnreadableWaitsForExpiry(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newST("ST-1", "alice", "")))
	rec, err := r.backend.Get(ctx, "ST-1")
	require.NoError(t, err)
	rec.Signature[0] ^= 0xff
	require.NoError(t, r.backend.Put(ctx, rec))

	_, err = r.Get(ctx, "ST-1")
	assert.ErrorIs(t, err, ticket.ErrNotFound)

	n, err := r.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, r.backend.Len())

	r.clock.Advance(10 * time.Second)
	n, err = r.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, r.backend.Len())
}

func TestTicketRegistry_RemoveExpiredKeepsRefreshed(t *testing.T) {
	r := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, newTGT("TGT-1", "alice")))
	r.clock.Advance(3 * time.Hour)

	// refreshed by another node between the candidate scan and the batch
	rec, err := r.backend.Get(ctx, "TGT-1")
	require.NoError(t, err)
	rec.ExpiresAt = r.clock.Now().Add(time.Hour)
	require.NoError(t, r.backend.Put(ctx, rec))

	n, err := r.sweepBatch(ctx, r.clock.Now(), []string{"TGT-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := r.backend.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// failingBackend fails deletes of one id inside transactions.
type failingBackend struct {
	*inmem.InmemBackend
	failID string
}

func (f *failingBackend) BeginTx(ctx context.Context, opts physical.TxOptions) (physical.Transaction, error) {
	tx, err := f.InmemBackend.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &failingTx{Transaction: tx, failID: f.failID}, nil
}

type failingTx struct {
	physical.Transaction
	failID string
}

func (f *failingTx) Delete(ctx context.Context, id string) (bool, error) {
	if id == f.failID {
		return false, fmt.Errorf("delete %s: disk on fire", id)
	}
	return f.Transaction.Delete(ctx, id)
}

func TestTicketRegistry_RemoveExpiredFailedBatch(t *testing.T) {
	backend, err := inmem.New(nil, nil)
	require.NoError(t, err)
	clock := helper.NewFakeClock(epoch)

	r, err := NewTicketRegistry(RegistryConfig{
		Backend:        &failingBackend{InmemBackend: backend, failID: "ST-04"},
		Catalog:        catalog.NewDefaultBuilder().Build(),
		Clock:          clock,
		SweepBatchSize: 3,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, r.Add(ctx, newST(fmt.Sprintf("ST-%02d", i), "alice", "")))
	}
	clock.Advance(time.Minute)

	res, err := r.Sweep(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.ErrorIs(t, err, ticket.ErrStorage)
	assert.Equal(t, 6, res.Removed)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 1, res.Failed)

	// the whole failed batch rolled back
	for _, id := range []string{"ST-03", "ST-04", "ST-05"} {
		rec, err := backend.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, rec, id)
	}
}

func TestTicketRegistry_RemoveExpiredConcurrentSweeps(t *testing.T) {
	r := createTestRegistry(t, func(c *RegistryConfig) { c.SweepBatchSize = 4 })
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		require.NoError(t, r.Add(ctx, newST(fmt.Sprintf("ST-%02d", i), "alice", "")))
	}
	r.clock.Advance(time.Minute)

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// conflicting batches roll back and are reported, never double counted
			n, _ := r.RemoveExpired(ctx)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	n, err := r.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, total+n)
}

func TestTicketRegistry_RemoveExpiredCanceled(t *testing.T) {
	r := createTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RemoveExpired(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
