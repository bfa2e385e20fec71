package physical

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransactionReadOnly         = errors.New("transaction is read-only")
	ErrTransactionCommitFailure    = errors.New("transaction commit failed")
	ErrTransactionAlreadyCommitted = errors.New("transaction has been committed or rolled back")
)

// Isolation is the isolation level requested for a transaction.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return "read_committed"
	}
}

// ParseIsolation accepts "read_committed", "repeatable_read" and
// "serializable" in any case, with dashes, underscores or the ISOLATION_
// prefix used by other SSO servers' configuration.
func ParseIsolation(s string) (Isolation, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s)))
	norm = strings.TrimPrefix(norm, "isolation_")
	switch norm {
	case "", "read_committed", "default":
		return ReadCommitted, nil
	case "repeatable_read":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	}
	return ReadCommitted, fmt.Errorf("unknown isolation level %q", s)
}

// Propagation decides whether a unit of work joins a transaction already in
// progress on the context.
type Propagation int

const (
	// Required joins the enclosing transaction, or starts one.
	Required Propagation = iota
	// RequiresNew always starts an independent transaction.
	RequiresNew
)

func (p Propagation) String() string {
	if p == RequiresNew {
		return "requires_new"
	}
	return "required"
}

func ParsePropagation(s string) (Propagation, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s)))
	norm = strings.TrimPrefix(norm, "propagation_")
	switch norm {
	case "", "required":
		return Required, nil
	case "requires_new":
		return RequiresNew, nil
	}
	return Required, fmt.Errorf("unknown propagation %q", s)
}

// TxOptions configures a transaction.
type TxOptions struct {
	Isolation   Isolation
	Propagation Propagation
	ReadOnly    bool
}

// Transactional is implemented by backends that support interactive
// transactions.
type Transactional interface {
	BeginTx(ctx context.Context, opts TxOptions) (Transaction, error)
}

// Transaction is an interactive transaction: storage operations run against
// it, then Commit or Rollback must be called exactly once. Writes on a
// read-only transaction fail with ErrTransactionReadOnly.
type Transaction interface {
	Storage
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type txKey struct{}

type boundTx struct {
	owner Transactional
	tx    Transaction
}

// TxFromContext returns the transaction RunInTx bound to ctx for s, if any.
func TxFromContext(ctx context.Context, s Storage) (Transaction, bool) {
	bound, ok := ctx.Value(txKey{}).(boundTx)
	if !ok {
		return nil, false
	}
	owner, ok := s.(Transactional)
	if !ok || owner != bound.owner {
		return nil, false
	}
	return bound.tx, true
}

// RunInTx runs fn as one unit of work against s.
//
// Under Required, fn joins a transaction already bound to ctx for the same
// backend. Otherwise a transaction is started, bound to the context handed to
// fn, committed when fn returns nil and rolled back when fn fails or panics.
// Backends without transaction support run fn directly.
func RunInTx(ctx context.Context, s Storage, opts TxOptions, fn func(ctx context.Context, s Storage) error) (err error) {
	if opts.Propagation == Required {
		if tx, ok := TxFromContext(ctx, s); ok {
			return fn(ctx, tx)
		}
	}

	owner, ok := s.(Transactional)
	if !ok {
		return fn(ctx, s)
	}

	tx, err := owner.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			err = fmt.Errorf("transaction aborted by panic: %v", r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, boundTx{owner: owner, tx: tx}), tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, ErrTransactionAlreadyCommitted) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}
