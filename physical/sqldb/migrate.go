package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	log "github.com/stephnangue/turnstile/logger"
)

// goose keeps its base filesystem, dialect and logger in package state.
var gooseMu sync.Mutex

// Migrate brings the schema up to date with the dialect's embedded
// migrations.
func Migrate(ctx context.Context, db *sql.DB, d Dialect, logger log.Logger) error {
	if d.Migrations == nil {
		return fmt.Errorf("sqldb: dialect %q has no migrations", d.Name)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(d.Migrations)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(log.NewGooseLogger(logger))

	if err := goose.SetDialect(d.GooseDialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("goose version: %w", err)
	}
	logger.Debug("schema is up to date", log.Int64("version", version))
	return nil
}
