// Package physical defines the contract between the ticket registry and a
// durable backing store, and the transaction runner used on top of it.
package physical

import (
	"context"
	"errors"
	"time"

	"github.com/stephnangue/turnstile/logger"
)

var (
	ErrValueTooLarge = errors.New("ticket body exceeds the configured maximum size")
	ErrBackendClosed = errors.New("backend is closed")
)

// Storage is the record-level CRUD and query contract.
type Storage interface {
	// Put inserts or replaces the record with rec.ID.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for id, or nil without error when absent.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes the record for id and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Query returns a cursor over the records matching p, ordered by id.
	Query(ctx context.Context, p Predicate) (Cursor, error)
}

// LockRecord is the row that represents a held cluster-wide lock.
type LockRecord struct {
	LockID     string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Lease returns the lease duration of the record.
func (l LockRecord) Lease() time.Duration { return l.ExpiresAt.Sub(l.AcquiredAt) }

// Stale reports whether the lease has elapsed at now.
func (l LockRecord) Stale(now time.Time) bool { return !l.ExpiresAt.After(now) }

// LockBackend stores lock records with an atomic conditional put.
type LockBackend interface {
	// AcquireLock writes rec if no record exists for rec.LockID, if the
	// existing record expired at or before rec.AcquiredAt, or if it is
	// already held by rec.Owner (renewal). It reports whether rec was
	// written.
	AcquireLock(ctx context.Context, rec LockRecord) (bool, error)

	// ReleaseLock deletes the record for lockID only when owner still holds
	// it, and reports whether a record was deleted.
	ReleaseLock(ctx context.Context, lockID, owner string) (bool, error)

	// GetLock returns the current record for lockID, or nil when absent.
	GetLock(ctx context.Context, lockID string) (*LockRecord, error)
}

// Backend is a complete backing store.
type Backend interface {
	Storage
	LockBackend
	Close() error
}

// Factory is the factory function to create a backend from its option map.
type Factory func(conf map[string]string, log logger.Logger) (Backend, error)
