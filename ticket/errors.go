package ticket

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for bad input such as an unknown ticket kind.
	// It is never retried.
	ErrValidation = errors.New("invalid ticket")

	// ErrNotFound is returned when a ticket is absent, expired or unreadable.
	ErrNotFound = errors.New("ticket not found")

	// ErrCrypto is returned when a stored payload cannot be verified or
	// decrypted. The registry downgrades it to ErrNotFound.
	ErrCrypto = errors.New("ticket payload could not be decrypted")

	// ErrStorage is returned when the backing store fails.
	ErrStorage = errors.New("ticket storage failure")

	// ErrSequenceConsumed is returned when a query result is iterated twice.
	ErrSequenceConsumed = errors.New("ticket sequence already consumed")
)

// ValidationError wraps ErrValidation with a reason.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundError wraps ErrNotFound with the ticket id.
func NotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// StorageError wraps a backing store failure for the given operation.
// A nil err yields nil.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// IsRetryable reports whether a failed read may be retried by the caller.
// Only storage failures qualify; validation and not-found results are final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
