// Package sqlite provides the SQLite ticket backend, for single-node
// deployments and tests that need a real database.
package sqlite

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	log "github.com/stephnangue/turnstile/logger"
	"github.com/stephnangue/turnstile/physical"
	"github.com/stephnangue/turnstile/physical/sqldb"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DSN parameters for production hardening.
const (
	defaultBusyTimeout = "5000" // 5 seconds
	defaultSynchronous = "NORMAL"
	defaultJournalMode = "WAL"
	defaultMaxOpen     = 4
)

// Dialect is the SQLite dialect. SQLite transactions are always
// serializable, so every isolation level maps to the driver default.
var Dialect = sqldb.Dialect{
	Name:         "sqlite",
	GooseDialect: "sqlite3",
	Migrations:   mustSub(migrations, "migrations"),
	Placeholder:  sqldb.QuestionPlaceholder,
	Isolation:    sqldb.DefaultIsolation,
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
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

type options struct {
	Path           string        `mapstructure:"path"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TicketLockType string        `mapstructure:"ticket_lock_type"`
	SkipMigrations bool          `mapstructure:"skip_migrations"`
}

// buildDSN constructs a SQLite DSN with hardened parameters. Writers take
// the database lock at BEGIN so that concurrent transactions queue on the
// busy timeout instead of failing at their first write.
func buildDSN(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeout)
	params.Set("_synchronous", defaultSynchronous)
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")

	return path + "?" + params.Encode()
}

// NewSQLiteBackend opens (creating if needed) the database file at path
// and migrates the schema.
func NewSQLiteBackend(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	return open(context.Background(), conf, logger)
}

func open(ctx context.Context, conf map[string]string, logger log.Logger) (*sqldb.Backend, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var opts options
	if err := physical.DecodeOptions(conf, &opts); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if opts.Path == "" {
		return nil, errors.New("sqlite: missing path")
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxOpen
	}
	// Every connection to :memory: is a separate database.
	if opts.Path == ":memory:" {
		opts.MaxParallel = 1
	}
	pessimistic, err := sqldb.ParseLockType(opts.TicketLockType)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	db, err := sqldb.Open(ctx, "sqlite3", buildDSN(opts.Path), sqldb.ConnOptions{
		MaxOpen:         opts.MaxParallel,
		MaxIdle:         opts.MaxParallel,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  opts.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	if !opts.SkipMigrations {
		if err := sqldb.Migrate(ctx, db, Dialect, logger); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %w", err)
		}
	}

	b, err := sqldb.New(db, Dialect, sqldb.Options{MaxParallel: opts.MaxParallel, PessimisticLock: pessimistic}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("sqlite backend ready", log.String("path", opts.Path))
	return b, nil
}
