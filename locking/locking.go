// Package locking serializes cluster-wide background work through a lease
// record held in the backing store.
package locking

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"
	"github.com/stephnangue/turnstile/helper"
	log "github.com/stephnangue/turnstile/logger"
	"github.com/stephnangue/turnstile/physical"
)

// DefaultLockName is the lock guarding the expiration sweep.
const DefaultLockName = "cas-ticket-registry-cleaner"

// Strategy decides whether this node may run a piece of cluster-wide work
// now. Acquire never blocks waiting for another holder and never returns an
// error: any doubt means false.
type Strategy interface {
	Acquire(ctx context.Context) bool
	Release(ctx context.Context)
}

var (
	_ Strategy = (*Locker)(nil)
	_ Strategy = NoOp{}
)

// NoOp always acquires. For single-node deployments.
type NoOp struct{}

func (NoOp) Acquire(context.Context) bool { return true }
func (NoOp) Release(context.Context)      {}

// Config configures a Locker.
type Config struct {
	Backend physical.LockBackend
	LockID  string
	Owner   string
	Lease   time.Duration
	Clock   helper.Clock
	Logger  log.Logger
	Metrics metrics.MetricSink
}

// Locker is a lease lock on a row of the lock table. A holder that dies
// without releasing blocks others only until its lease elapses.
type Locker struct {
	backend physical.LockBackend
	lockID  string
	owner   string
	lease   time.Duration
	clock   helper.Clock
	logger  log.Logger
	sink    metrics.MetricSink
}

func NewLocker(c Config) (*Locker, error) {
	if c.Backend == nil {
		return nil, errors.New("locking: backend is required")
	}
	if c.Owner == "" {
		return nil, errors.New("locking: owner is required")
	}
	if c.Lease <= 0 {
		return nil, errors.New("locking: lease must be positive")
	}
	if c.LockID == "" {
		c.LockID = DefaultLockName
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
	return &Locker{
		backend: c.Backend,
		lockID:  c.LockID,
		owner:   c.Owner,
		lease:   c.Lease,
		clock:   c.Clock,
		logger:  c.Logger.WithFields(log.String("lock", c.LockID), log.String("owner", c.Owner)),
		sink:    c.Metrics,
	}, nil
}

func (l *Locker) LockID() string { return l.lockID }
func (l *Locker) Owner() string  { return l.owner }

// Acquire attempts to take or renew the lease.
func (l *Locker) Acquire(ctx context.Context) bool {
	now := l.clock.Now()
	ok, err := l.backend.AcquireLock(ctx, physical.LockRecord{
		LockID:     l.lockID,
		Owner:      l.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.lease),
	})
	switch {
	case err != nil:
		l.sink.IncrCounter([]string{"turnstile", "lock", "error"}, 1)
		l.logger.Warn("could not acquire lock", log.Err(err))
		return false
	case !ok:
		l.sink.IncrCounter([]string{"turnstile", "lock", "contended"}, 1)
		l.logger.Debug("lock is held by another node")
		return false
	}
	l.sink.IncrCounter([]string{"turnstile", "lock", "acquired"}, 1)
	l.logger.Debug("lock acquired", log.Time("expires_at", now.Add(l.lease)))
	return true
}

// Release gives the lease up if this owner still holds it.
func (l *Locker) Release(ctx context.Context) {
	released, err := l.backend.ReleaseLock(ctx, l.lockID, l.owner)
	if err != nil {
		l.logger.Warn("could not release lock, it will lapse with its lease", log.Err(err))
		return
	}
	if !released {
		l.logger.Debug("lock was not held at release")
	}
}

// NodeIdentity resolves the lock owner name: the configured name, then
// TURNSTILE_NODE_NAME, then the host name, then a random UUID.
func NodeIdentity(configured string) string {
	if configured != "" {
		return configured
	}
	if name := helper.ReadEnv(helper.EnvNodeName); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "turnstile-" + time.Now().UTC().Format("20060102150405.000000000")
	}
	return id
}
