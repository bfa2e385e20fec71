// Package postgres provides the PostgreSQL ticket backend.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stephnangue/turnstile/helper"
	log "github.com/stephnangue/turnstile/logger"
	"github.com/stephnangue/turnstile/physical"
	"github.com/stephnangue/turnstile/physical/sqldb"
)

//go:embed migrations/*.sql
var migrations embed.FS

// EnvConnectionURL is read when connection_url is not configured.
const EnvConnectionURL = "TURNSTILE_PG_CONNECTION_URL"

// SQLSTATE codes that mean the transaction lost a race and may be retried.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// Dialect is the PostgreSQL dialect.
var Dialect = sqldb.Dialect{
	Name:         "postgres",
	GooseDialect: "postgres",
	Migrations:   mustSub(migrations, "migrations"),
	Placeholder:  sqldb.DollarPlaceholder,
	Isolation:    sqldb.StandardIsolation,
	ReadOnlyTx:   true,
	RowLocks:     true,
	IsConflict:   isConflict,
}

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

type options struct {
	ConnectionURL      string        `mapstructure:"connection_url"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	MaxConnectRetries  int           `mapstructure:"max_connect_retries"`
	TicketLockType     string        `mapstructure:"ticket_lock_type"`
	SkipMigrations     bool          `mapstructure:"skip_migrations"`
}

func parseOptions(conf map[string]string) (options, error) {
	opts := options{MaxConnectRetries: 3}
	if err := physical.DecodeOptions(conf, &opts); err != nil {
		return opts, err
	}
	if opts.ConnectionURL == "" {
		opts.ConnectionURL = helper.ReadEnv(EnvConnectionURL)
	}
	if opts.ConnectionURL == "" {
		return opts, errors.New("missing connection_url")
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 128
	}
	if opts.MaxIdleConnections <= 0 || opts.MaxIdleConnections > opts.MaxParallel {
		opts.MaxIdleConnections = opts.MaxParallel
	}
	return opts, nil
}

// NewPostgreSQLBackend constructs a backend on a PostgreSQL database and,
// unless skip_migrations is set, migrates the schema.
func NewPostgreSQLBackend(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	return open(context.Background(), conf, logger)
}

func open(ctx context.Context, conf map[string]string, logger log.Logger) (*sqldb.Backend, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts, err := parseOptions(conf)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	pessimistic, err := sqldb.ParseLockType(opts.TicketLockType)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	db, err := sqldb.Open(ctx, "pgx", opts.ConnectionURL, sqldb.ConnOptions{
		MaxOpen:           opts.MaxParallel,
		MaxIdle:           opts.MaxIdleConnections,
		ConnMaxLifetime:   time.Hour,
		ConnectTimeout:    opts.ConnectTimeout,
		MaxConnectRetries: opts.MaxConnectRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	if !opts.SkipMigrations {
		if err := sqldb.Migrate(ctx, db, Dialect, logger); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
	}

	b, err := sqldb.New(db, Dialect, sqldb.Options{MaxParallel: opts.MaxParallel, PessimisticLock: pessimistic}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("postgres backend ready",
		log.Int("max_parallel", opts.MaxParallel),
		log.Bool("pessimistic_lock", pessimistic))
	return b, nil
}
