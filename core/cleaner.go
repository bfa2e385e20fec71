package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stephnangue/turnstile/locking"
	log "github.com/stephnangue/turnstile/logger"
)

// Sweeper removes expired tickets. TicketRegistry implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

var _ Sweeper = (*TicketRegistry)(nil)

// CleanerConfig configures a Cleaner.
type CleanerConfig struct {
	Registry Sweeper

	// Strategy guards the sweep across nodes. Nil means locking.NoOp.
	Strategy locking.Strategy

	// Schedule is a robfig/cron expression such as "@every 2m".
	Schedule string

	Logger log.Logger
}

// Cleaner drives periodic expiration sweeps.
type Cleaner struct {
	registry Sweeper
	strategy locking.Strategy
	schedule string
	log      log.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewCleaner(c CleanerConfig) (*Cleaner, error) {
	if c.Registry == nil {
		return nil, errors.New("cleaner: registry is required")
	}
	if c.Strategy == nil {
		c.Strategy = locking.NoOp{}
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return nil, fmt.Errorf("cleaner: invalid schedule %q: %w", c.Schedule, err)
		}
	}
	return &Cleaner{
		registry: c.Registry,
		strategy: c.Strategy,
		schedule: c.Schedule,
		log:      c.Logger,
	}, nil
}

// Clean runs one sweep if this node wins the lock and returns the number of
// tickets removed. It never fails: a held lock or a failed sweep is logged
// and the next run tries again.
func (c *Cleaner) Clean(ctx context.Context) int {
	if !c.strategy.Acquire(ctx) {
		c.log.Debug("another node holds the cleaner lock, skipping sweep")
		return 0
	}
	defer c.strategy.Release(context.WithoutCancel(ctx))

	res, err := c.registry.Sweep(ctx)
	if err != nil {
		c.log.Error("expiration sweep finished with errors",
			log.Int("removed", res.Removed),
			log.Int("failed_batches", res.Failed),
			log.Err(err))
	}
	return res.Removed
}

// Start schedules Clean. A sweep still running when the next tick fires is
// not overlapped.
func (c *Cleaner) Start(ctx context.Context) error {
	if c.schedule == "" {
		return errors.New("cleaner: no schedule configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return errors.New("cleaner: already started")
	}

	cronLog := log.NewCronLogger(c.log)
	sched := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	runCtx := context.WithoutCancel(ctx)
	if _, err := sched.AddFunc(c.schedule, func() { c.Clean(runCtx) }); err != nil {
		return fmt.Errorf("cleaner: invalid schedule %q: %w", c.schedule, err)
	}
	sched.Start()
	c.cron = sched

	c.log.Info("ticket cleaner started", log.String("schedule", c.schedule))
	return nil
}

// Stop unschedules the cleaner and waits for a running sweep to finish, or
// for ctx to end.
func (c *Cleaner) Stop(ctx context.Context) error {
	c.mu.Lock()
	sched := c.cron
	c.cron = nil
	c.mu.Unlock()

	if sched == nil {
		return nil
	}

	start := time.Now()
	select {
	case <-sched.Stop().Done():
		c.log.Info("ticket cleaner stopped", log.Duration("wait", time.Since(start)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cleaner: stop interrupted: %w", ctx.Err())
	}
}
