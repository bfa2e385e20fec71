package sqldb

import (
	"context"
	"database/sql"
	"sync"

	"github.com/stephnangue/turnstile/physical"
)

// rowsCursor adapts *sql.Rows to physical.Cursor.
type rowsCursor struct {
	rows    *sql.Rows
	rec     *physical.Record
	err     error
	release func()
	once    sync.Once
}

func newRowsCursor(rows *sql.Rows, release func()) *rowsCursor {
	return &rowsCursor{rows: rows, release: release}
}

func (c *rowsCursor) Next(ctx context.Context) bool {
	c.rec = nil
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	rec, err := scanRecord(c.rows)
	if err != nil {
		c.err = err
		return false
	}
	c.rec = rec
	return true
}

func (c *rowsCursor) Record() *physical.Record { return c.rec }

func (c *rowsCursor) Err() error { return c.err }

func (c *rowsCursor) Close() error {
	var err error
	c.once.Do(func() {
		err = c.rows.Close()
		if c.release != nil {
			c.release()
		}
	})
	return err
}
