package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	log "github.com/stephnangue/turnstile/logger"
)

// ConnOptions configures the connection pool and the initial handshake.
type ConnOptions struct {
	MaxOpen           int
	MaxIdle           int
	ConnMaxLifetime   time.Duration
	ConnectTimeout    time.Duration
	MaxConnectRetries int
}

// Open opens a pool and waits until the database answers a ping, retrying
// with exponential backoff.
func Open(ctx context.Context, driver, dsn string, opts ConnOptions, logger log.Logger) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if opts.MaxOpen > 0 {
		db.SetMaxOpenConns(opts.MaxOpen)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxConnectRetries < 0 {
		opts.MaxConnectRetries = 0
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(opts.MaxConnectRetries), retry.NewExponential(250*time.Millisecond))
	err = retry.Do(ctx, retry.WithCappedDuration(10*time.Second, backoff), func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("database not reachable",
				log.String("driver", driver), log.Int("attempt", attempt), log.Err(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}
