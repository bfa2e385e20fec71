// Package cipher protects ticket payloads on their way to and from the
// backing store.
package cipher

import (
	"context"
	"fmt"

	"github.com/stephnangue/turnstile/ticket"
)

// ErrCrypto is returned when a payload cannot be decrypted or verified.
var ErrCrypto = ticket.ErrCrypto

// Cipher encrypts and signs ticket payloads. Implementations must be safe
// for concurrent use.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)

	// Sign returns a signature over data, or nil when signing is disabled.
	Sign(data []byte) []byte
	Verify(data, signature []byte) bool

	Enabled() bool
}

func cryptoError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCrypto, op, err)
}

// NoOp is the identity cipher used when ticket encryption is disabled.
type NoOp struct{}

var _ Cipher = NoOp{}

func (NoOp) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (NoOp) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

func (NoOp) Sign([]byte) []byte { return nil }

// Verify accepts only the empty signature NoOp produces.
func (NoOp) Verify(_, signature []byte) bool { return len(signature) == 0 }

func (NoOp) Enabled() bool { return false }
