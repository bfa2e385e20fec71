package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/openbao/openbao/sdk/v2/helper/jsonutil"
	"github.com/stephnangue/turnstile/catalog"
	"github.com/stephnangue/turnstile/cipher"
	"github.com/stephnangue/turnstile/helper"
	log "github.com/stephnangue/turnstile/logger"
	"github.com/stephnangue/turnstile/physical"
	"github.com/stephnangue/turnstile/ticket"
	"golang.org/x/time/rate"
)

// DefaultSweepBatchSize is the number of expired tickets removed per
// transaction by RemoveExpired.
const DefaultSweepBatchSize = 500

// RegistryConfig holds everything a TicketRegistry is built from.
type RegistryConfig struct {
	Backend physical.Storage
	Catalog *catalog.Catalog

	// Cipher seals ticket payloads. Nil means cipher.NoOp.
	Cipher cipher.Cipher

	Clock   helper.Clock
	Logger  log.Logger
	Metrics metrics.MetricSink

	// TxOptions is used for every unit of work. The sweep always runs its
	// batches with RequiresNew.
	TxOptions physical.TxOptions

	SweepBatchSize int

	// SweepLimiter paces sweep batches. Nil means no pacing.
	SweepLimiter *rate.Limiter
}

// Predicate selects tickets for Query, Count and DeleteMatching. Empty
// fields match everything.
type Predicate struct {
	Kind      string
	Principal string
	ParentID  string
}

func (p Predicate) empty() bool {
	return p.Kind == "" && p.Principal == "" && p.ParentID == ""
}

func (p Predicate) physical() physical.Predicate {
	return physical.Predicate{Kind: p.Kind, Principal: p.Principal, ParentID: p.ParentID}
}

// TicketRegistry stores tickets in a backing store. It keeps no mutable
// state of its own: every consistency guarantee comes from the store's
// transactions, so one registry value is safe for concurrent use and any
// number of nodes may share a store.
type TicketRegistry struct {
	store     physical.Storage
	catalog   *catalog.Catalog
	cipher    cipher.Cipher
	clock     helper.Clock
	log       log.Logger
	sink      metrics.MetricSink
	txOpts    physical.TxOptions
	batchSize int
	limiter   *rate.Limiter
}

func NewTicketRegistry(c RegistryConfig) (*TicketRegistry, error) {
	if c.Backend == nil {
		return nil, errors.New("registry: backend is required")
	}
	if c.Catalog == nil || c.Catalog.Len() == 0 {
		return nil, errors.New("registry: catalog is empty")
	}
	if c.Cipher == nil {
		c.Cipher = cipher.NoOp{}
	}
	if c.Clock == nil {
		c.Clock = helper.SystemClock()
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = &metrics.BlackholeSink{}
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = DefaultSweepBatchSize
	}

	return &TicketRegistry{
		store:     c.Backend,
		catalog:   c.Catalog,
		cipher:    c.Cipher,
		clock:     c.Clock,
		log:       c.Logger,
		sink:      c.Metrics,
		txOpts:    c.TxOptions,
		batchSize: c.SweepBatchSize,
		limiter:   c.SweepLimiter,
	}, nil
}

func (r *TicketRegistry) Catalog() *catalog.Catalog { return r.catalog }

// ============================================================================
// Sealing
// ============================================================================

// sealedBody is the plaintext of a record body. The immutable metadata is
// repeated inside the ciphertext so that a record whose columns were
// swapped with another ticket's is rejected on read.
type sealedBody struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Principal string    `json:"principal,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	Payload   []byte    `json:"payload,omitempty"`
}

func signedBytes(id string, body []byte) []byte {
	data := make([]byte, 0, len(id)+1+len(body))
	data = append(data, id...)
	data = append(data, 0)
	return append(data, body...)
}

func (r *TicketRegistry) seal(ctx context.Context, t *ticket.Ticket, def catalog.Definition) (*physical.Record, error) {
	plain, err := jsonutil.EncodeJSON(sealedBody{
		ID:        t.ID,
		Kind:      t.Kind,
		Principal: t.Principal,
		ParentID:  t.ParentID,
		IssuedAt:  t.IssuedAt,
		Payload:   t.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding ticket %s: %w", t.ID, err)
	}
	body, err := r.cipher.Encrypt(ctx, plain)
	if err != nil {
		return nil, err
	}
	return &physical.Record{
		ID:           t.ID,
		Kind:         t.Kind,
		Principal:    t.Principal,
		ParentID:     t.ParentID,
		StorageClass: def.StorageClass,
		IssuedAt:     t.IssuedAt,
		LastUsedAt:   t.LastUsedAt,
		ExpiresAt:    t.ExpiresAt,
		Body:         body,
		Signature:    r.cipher.Sign(signedBytes(t.ID, body)),
	}, nil
}

// open verifies and decrypts a record. Every failure wraps ticket.ErrCrypto.
func (r *TicketRegistry) open(ctx context.Context, rec *physical.Record) (*ticket.Ticket, error) {
	if !r.cipher.Verify(signedBytes(rec.ID, rec.Body), rec.Signature) {
		return nil, fmt.Errorf("%w: signature mismatch", ticket.ErrCrypto)
	}
	plain, err := r.cipher.Decrypt(ctx, rec.Body)
	if err != nil {
		return nil, err
	}
	var body sealedBody
	if err := jsonutil.DecodeJSON(plain, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ticket.ErrCrypto, err)
	}
	if body.ID != rec.ID || body.Kind != rec.Kind || body.Principal != rec.Principal || body.ParentID != rec.ParentID {
		return nil, fmt.Errorf("%w: record metadata does not match sealed body", ticket.ErrCrypto)
	}
	return &ticket.Ticket{
		ID:         rec.ID,
		Kind:       rec.Kind,
		Principal:  rec.Principal,
		ParentID:   rec.ParentID,
		IssuedAt:   rec.IssuedAt,
		LastUsedAt: rec.LastUsedAt,
		ExpiresAt:  rec.ExpiresAt,
		Payload:    body.Payload,
	}, nil
}

// readable opens rec, logging and counting records that cannot be read.
// Unreadable tickets are treated as expired.
func (r *TicketRegistry) readable(ctx context.Context, rec *physical.Record) (*ticket.Ticket, bool) {
	t, err := r.open(ctx, rec)
	if err != nil {
		r.sink.IncrCounter([]string{"turnstile", "registry", "crypto_failure"}, 1)
		r.log.Warn("ticket is unreadable, treating it as expired",
			log.String("id", rec.ID),
			log.String("kind", rec.Kind),
			log.Err(err))
		return nil, false
	}
	return t, true
}

// ============================================================================
// Operations
// ============================================================================

func (r *TicketRegistry) run(ctx context.Context, fn func(ctx context.Context, s physical.Storage) error) error {
	return physical.RunInTx(ctx, r.store, r.txOpts, fn)
}

// storage returns the transaction bound to ctx, if any, else the backend.
func (r *TicketRegistry) storage(ctx context.Context) physical.Storage {
	if tx, ok := physical.TxFromContext(ctx, r.store); ok {
		return tx
	}
	return r.store
}

func (r *TicketRegistry) validate(t *ticket.Ticket) (catalog.Definition, error) {
	if t == nil {
		return catalog.Definition{}, ticket.ValidationError("ticket is nil")
	}
	if t.ID == "" {
		return catalog.Definition{}, ticket.ValidationError("ticket id is required")
	}
	return r.catalog.Lookup(t.Kind)
}

// Add persists a new ticket. IssuedAt and LastUsedAt default to now and
// ExpiresAt is always derived from the kind's policy. A live ticket with the
// same id is never replaced; an expired or unreadable one is.
func (r *TicketRegistry) Add(ctx context.Context, t *ticket.Ticket) error {
	defer metrics.MeasureSince([]string{"turnstile", "registry", "add"}, time.Now())

	def, err := r.validate(t)
	if err != nil {
		return err
	}
	t = t.Clone()
	if t.IssuedAt.IsZero() {
		t.IssuedAt = r.clock.Now()
	}
	if t.LastUsedAt.IsZero() {
		t.LastUsedAt = t.IssuedAt
	}
	t.ExpiresAt = def.Policy.ExpiresAt(t.IssuedAt, t.LastUsedAt)

	rec, err := r.seal(ctx, t, def)
	if err != nil {
		return err
	}
	err = r.run(ctx, func(ctx context.Context, s physical.Storage) error {
		existing, err := s.Get(ctx, t.ID)
		if err != nil {
			return ticket.StorageError("add", err)
		}
		if existing != nil {
			if prev, ok := r.readable(ctx, existing); ok && !prev.Expired(r.clock.Now()) {
				return ticket.ValidationError("ticket %s already exists", t.ID)
			}
		}
		if err := s.Put(ctx, rec); err != nil {
			return ticket.StorageError("add", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ticket.ErrValidation) {
			err = ticket.StorageError("add", err)
		}
		return err
	}

	r.sink.IncrCounter([]string{"turnstile", "registry", "add"}, 1)
	r.log.Debug("ticket added",
		log.String("id", t.ID),
		log.String("kind", t.Kind),
		log.Time("expires_at", t.ExpiresAt))
	return nil
}

// Get returns the live ticket for id. Absent, expired and unreadable
// tickets all yield ticket.ErrNotFound. For kinds with a sliding policy the
// read refreshes LastUsedAt and ExpiresAt in the same transaction.
func (r *TicketRegistry) Get(ctx context.Context, id string) (*ticket.Ticket, error) {
	defer metrics.MeasureSince([]string{"turnstile", "registry", "get"}, time.Now())

	var found *ticket.Ticket
	err := r.run(ctx, func(ctx context.Context, s physical.Storage) error {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return ticket.StorageError("get", err)
		}
		if rec == nil {
			return ticket.NotFoundError(id)
		}

		now := r.clock.Now()
		t, ok := r.readable(ctx, rec)
		if !ok || t.Expired(now) {
			return ticket.NotFoundError(id)
		}

		def, err := r.catalog.Lookup(t.Kind)
		if err != nil {
			r.log.Warn("stored ticket has a kind unknown to the catalog",
				log.String("id", id), log.String("kind", t.Kind))
			return ticket.NotFoundError(id)
		}
		if def.Policy.Sliding() {
			t.LastUsedAt = now
			t.ExpiresAt = def.Policy.ExpiresAt(t.IssuedAt, now)
			rec.LastUsedAt, rec.ExpiresAt = t.LastUsedAt, t.ExpiresAt
			if err := s.Put(ctx, rec); err != nil {
				return ticket.StorageError("refresh", err)
			}
		}
		found = t
		return nil
	})
	if err != nil {
		if !errors.Is(err, ticket.ErrNotFound) {
			err = ticket.StorageError("get", err)
		}
		return nil, err
	}

	r.sink.IncrCounter([]string{"turnstile", "registry", "get"}, 1)
	return found, nil
}

// Update replaces the payload and timestamps of a live ticket. The kind,
// principal and parent of a ticket cannot change.
func (r *TicketRegistry) Update(ctx context.Context, t *ticket.Ticket) error {
	defer metrics.MeasureSince([]string{"turnstile", "registry", "update"}, time.Now())

	def, err := r.validate(t)
	if err != nil {
		return err
	}
	t = t.Clone()

	err = r.run(ctx, func(ctx context.Context, s physical.Storage) error {
		rec, err := s.Get(ctx, t.ID)
		if err != nil {
			return ticket.StorageError("update", err)
		}
		if rec == nil {
			return ticket.NotFoundError(t.ID)
		}
		existing, ok := r.readable(ctx, rec)
		if !ok || existing.Expired(r.clock.Now()) {
			return ticket.NotFoundError(t.ID)
		}
		if existing.Kind != t.Kind || existing.Principal != t.Principal || existing.ParentID != t.ParentID {
			return ticket.ValidationError("ticket %s: kind, principal and parent are immutable", t.ID)
		}

		if t.IssuedAt.IsZero() {
			t.IssuedAt = existing.IssuedAt
		}
		if t.LastUsedAt.IsZero() {
			t.LastUsedAt = existing.LastUsedAt
		}
		t.ExpiresAt = def.Policy.ExpiresAt(t.IssuedAt, t.LastUsedAt)

		sealed, err := r.seal(ctx, t, def)
		if err != nil {
			return err
		}
		if err := s.Put(ctx, sealed); err != nil {
			return ticket.StorageError("update", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ticket.ErrNotFound) && !errors.Is(err, ticket.ErrValidation) && !errors.Is(err, ticket.ErrCrypto) {
			err = ticket.StorageError("update", err)
		}
		return err
	}

	r.sink.IncrCounter([]string{"turnstile", "registry", "update"}, 1)
	return nil
}

// Delete removes the ticket and, transitively, every ticket issued from it.
// It returns the number of records removed; deleting an absent id is not an
// error and returns zero.
func (r *TicketRegistry) Delete(ctx context.Context, id string) (int, error) {
	defer metrics.MeasureSince([]string{"turnstile", "registry", "delete"}, time.Now())

	var count int
	err := r.run(ctx, func(ctx context.Context, s physical.Storage) error {
		n, err := r.deleteTree(ctx, s, id)
		count = n
		return err
	})
	if err != nil {
		return 0, ticket.StorageError("delete", err)
	}

	r.sink.IncrCounter([]string{"turnstile", "registry", "delete"}, float32(count))
	if count > 0 {
		r.log.Debug("ticket deleted", log.String("id", id), log.Int("count", count))
	}
	return count, nil
}

func (r *TicketRegistry) deleteTree(ctx context.Context, s physical.Storage, root string) (int, error) {
	count := 0
	queue := []string{root}
	seen := map[string]bool{root: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		existed, err := s.Delete(ctx, id)
		if err != nil {
			return count, err
		}
		if existed {
			count++
		}

		children, err := r.collectIDs(ctx, s, physical.Predicate{ParentID: id})
		if err != nil {
			return count, err
		}
		for _, child := range children {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	return count, nil
}

// collectIDs drains a query into a list of ids so that no cursor stays
// open while the caller issues further statements.
func (r *TicketRegistry) collectIDs(ctx context.Context, s physical.Storage, p physical.Predicate) ([]string, error) {
	cur, err := s.Query(ctx, p)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var ids []string
	for cur.Next(ctx) {
		ids = append(ids, cur.Record().ID)
	}
	return ids, cur.Err()
}

// Query returns the live, readable tickets matching p in id order. The
// sequence is lazy: nothing is read until iteration starts, and it may be
// iterated only once. A second iteration yields ticket.ErrSequenceConsumed.
func (r *TicketRegistry) Query(ctx context.Context, p Predicate) iter.Seq2[*ticket.Ticket, error] {
	var consumed atomic.Bool
	return func(yield func(*ticket.Ticket, error) bool) {
		if consumed.Swap(true) {
			yield(nil, ticket.ErrSequenceConsumed)
			return
		}

		cur, err := r.storage(ctx).Query(ctx, p.physical())
		if err != nil {
			yield(nil, ticket.StorageError("query", err))
			return
		}
		defer cur.Close()

		now := r.clock.Now()
		for cur.Next(ctx) {
			t, ok := r.readable(ctx, cur.Record())
			if !ok || t.Expired(now) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, ticket.StorageError("query", err))
		}
	}
}

// Count returns the number of live, readable tickets matching p.
func (r *TicketRegistry) Count(ctx context.Context, p Predicate) (int, error) {
	n := 0
	for _, err := range r.Query(ctx, p) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DeleteMatching deletes every ticket matching p, with their descendants,
// and returns the number of records removed. An empty predicate is
// rejected.
func (r *TicketRegistry) DeleteMatching(ctx context.Context, p Predicate) (int, error) {
	if p.empty() {
		return 0, ticket.ValidationError("refusing to delete with an empty predicate")
	}

	total := 0
	var after string
	for {
		pred := p.physical()
		pred.After, pred.Limit = after, r.batchSize

		ids, err := r.collectIDs(ctx, r.storage(ctx), pred)
		if err != nil {
			return total, ticket.StorageError("delete matching", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		after = ids[len(ids)-1]

		err = r.run(ctx, func(ctx context.Context, s physical.Storage) error {
			for _, id := range ids {
				n, err := r.deleteTree(ctx, s, id)
				if err != nil {
					return err
				}
				total += n
			}
			return nil
		})
		if err != nil {
			return total, ticket.StorageError("delete matching", err)
		}
	}
}

// ============================================================================
// Sweep
// ============================================================================

// SweepResult summarizes one RemoveExpired run.
type SweepResult struct {
	Removed  int
	Batches  int
	Failed   int
	Duration time.Duration
}

// RemoveExpired deletes tickets whose expiration has passed and returns how
// many it removed.
//
// Candidates are read in id order in batches. Each batch runs in its own
// transaction that re-reads every candidate and deletes it only if it is
// still expired, so a ticket refreshed concurrently survives. A failed
// batch is rolled back and reported in the returned error, and the sweep
// moves on to the next batch. Running several sweeps at once is safe;
// each deletion is counted once.
//
// Expiry is judged by the stored expiration column alone. A ticket that can
// no longer be decrypted or verified, for example after a key rotation, is
// already hidden from Get and Query but stays in the store until its
// expiration time passes.
func (r *TicketRegistry) RemoveExpired(ctx context.Context) (int, error) {
	res, err := r.Sweep(ctx)
	return res.Removed, err
}

// Sweep is RemoveExpired with the full summary.
func (r *TicketRegistry) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := r.clock.Now()

	var (
		res    SweepResult
		result *multierror.Error
		after  string
	)
	for {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if r.limiter != nil && res.Batches > 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				result = multierror.Append(result, err)
				break
			}
		}

		ids, err := r.collectIDs(ctx, r.store, physical.Predicate{ExpiredAt: now, After: after, Limit: r.batchSize})
		if err != nil {
			result = multierror.Append(result, ticket.StorageError("query expired", err))
			break
		}
		if len(ids) == 0 {
			break
		}
		res.Batches++
		after = ids[len(ids)-1]

		n, err := r.sweepBatch(ctx, now, ids)
		if err != nil {
			res.Failed++
			result = multierror.Append(result, fmt.Errorf("batch %d (%s..%s): %w", res.Batches, ids[0], after, ticket.StorageError("sweep", err)))
			r.log.Warn("sweep batch rolled back",
				log.Int("batch", res.Batches),
				log.Int("size", len(ids)),
				log.Err(err))
			continue
		}
		res.Removed += n
	}
	res.Duration = time.Since(start)

	r.sink.IncrCounter([]string{"turnstile", "sweep", "removed"}, float32(res.Removed))
	r.sink.AddSample([]string{"turnstile", "sweep", "duration"}, float32(res.Duration.Milliseconds()))
	r.log.Info("expired tickets removed",
		log.Int("removed", res.Removed),
		log.Int("batches", res.Batches),
		log.Int("failed_batches", res.Failed),
		log.Duration("duration", res.Duration))

	return res, result.ErrorOrNil()
}

func (r *TicketRegistry) sweepBatch(ctx context.Context, now time.Time, ids []string) (int, error) {
	opts := r.txOpts
	opts.Propagation = physical.RequiresNew
	opts.ReadOnly = false

	removed := 0
	err := physical.RunInTx(ctx, r.store, opts, func(ctx context.Context, s physical.Storage) error {
		removed = 0
		for _, id := range ids {
			rec, err := s.Get(ctx, id)
			if err != nil {
				return err
			}
			if rec == nil || rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(now) {
				continue
			}
			existed, err := s.Delete(ctx, id)
			if err != nil {
				return err
			}
			if existed {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
