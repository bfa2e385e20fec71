package sqldb

import (
	"database/sql"
	"fmt"
	"io/fs"
	"strings"

	"github.com/stephnangue/turnstile/physical"
)

// Fixed table names. Every node of a cluster shares the same schema.
const (
	TicketTable = "tickets"
	LockTable   = "ticket_locks"
)

// Dialect captures what differs between the SQL databases the backend runs
// on.
type Dialect struct {
	// Name is the backend type, as used in the storage block label.
	Name string

	// GooseDialect is the dialect name understood by goose.
	GooseDialect string

	// Migrations holds the goose migration files at its root.
	Migrations fs.FS

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// Isolation maps a requested isolation level to the driver's level.
	Isolation func(physical.Isolation) sql.IsolationLevel

	// ReadOnlyTx reports whether the driver accepts sql.TxOptions.ReadOnly.
	ReadOnlyTx bool

	// RowLocks reports whether SELECT ... FOR UPDATE is supported.
	RowLocks bool

	// IsConflict reports whether err is a serialization failure or lock
	// timeout that the caller may retry.
	IsConflict func(error) bool
}

// DollarPlaceholder renders $1, $2, ...
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// QuestionPlaceholder renders ? regardless of position.
func QuestionPlaceholder(int) string { return "?" }

// StandardIsolation maps isolation levels one to one.
func StandardIsolation(i physical.Isolation) sql.IsolationLevel {
	switch i {
	case physical.RepeatableRead:
		return sql.LevelRepeatableRead
	case physical.Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

// DefaultIsolation ignores the requested level.
func DefaultIsolation(physical.Isolation) sql.IsolationLevel { return sql.LevelDefault }

func (d Dialect) validate() error {
	if d.Name == "" || d.Placeholder == nil || d.Isolation == nil {
		return fmt.Errorf("sqldb: incomplete dialect %q", d.Name)
	}
	return nil
}

// ParseLockType parses ticket_lock_type: "none" or "pessimistic_write".
func ParseLockType(s string) (pessimistic bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return false, nil
	case "pessimistic_write", "pessimistic-write":
		return true, nil
	}
	return false, fmt.Errorf("unknown ticket_lock_type %q", s)
}
