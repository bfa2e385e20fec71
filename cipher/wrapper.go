package cipher

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"google.golang.org/protobuf/proto"
)

const (
	// KeySize is the AES-256 key length used by NewAEAD and GenerateKey.
	KeySize = 32

	// SigningKeySize matches the HMAC-SHA512 block size.
	SigningKeySize = 64
)

// WrapperCipher encrypts through a go-kms-wrapping Wrapper and signs with
// HMAC-SHA512. The stored form of a payload is the protobuf encoding of the
// wrapper's BlobInfo, so any KMS supported by the wrapper library can be
// used without changing the row format.
type WrapperCipher struct {
	wrapper    wrapping.Wrapper
	signingKey []byte
}

var _ Cipher = (*WrapperCipher)(nil)

// NewWrapperCipher returns a cipher over w. An empty signingKey disables
// signatures.
func NewWrapperCipher(w wrapping.Wrapper, signingKey []byte) (*WrapperCipher, error) {
	if w == nil {
		return nil, errors.New("wrapper is required")
	}
	return &WrapperCipher{
		wrapper:    w,
		signingKey: append([]byte(nil), signingKey...),
	}, nil
}

// NewAEADWrapper builds an AES-GCM wrapper from raw key bytes.
func NewAEADWrapper(ctx context.Context, key []byte, keyID string) (*aead.Wrapper, error) {
	w := aead.NewWrapper()
	if keyID != "" {
		if _, err := w.SetConfig(ctx, wrapping.WithKeyId(keyID)); err != nil {
			return nil, fmt.Errorf("configuring aead wrapper: %w", err)
		}
	}
	if err := w.SetAesGcmKeyBytes(key); err != nil {
		return nil, fmt.Errorf("setting aead key: %w", err)
	}
	return w, nil
}

// NewAEAD returns a cipher using a local AES-GCM key.
func NewAEAD(key, signingKey []byte, keyID string) (*WrapperCipher, error) {
	w, err := NewAEADWrapper(context.Background(), key, keyID)
	if err != nil {
		return nil, err
	}
	return NewWrapperCipher(w, signingKey)
}

// GenerateKey returns KeySize random bytes suitable for NewAEAD.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// GenerateSigningKey returns SigningKeySize random bytes for signing.
func GenerateSigningKey() ([]byte, error) {
	key := make([]byte, SigningKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return key, nil
}

func (c *WrapperCipher) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	blob, err := c.wrapper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	out, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encoding ciphertext: %w", err)
	}
	return out, nil
}

func (c *WrapperCipher) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, cryptoError("decrypt", errors.New("empty ciphertext"))
	}
	blob := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(ciphertext, blob); err != nil {
		return nil, cryptoError("decode", err)
	}
	if len(blob.Ciphertext) == 0 {
		return nil, cryptoError("decode", errors.New("no ciphertext in envelope"))
	}
	pt, err := c.wrapper.Decrypt(ctx, blob)
	if err != nil {
		return nil, cryptoError("decrypt", err)
	}
	return pt, nil
}

func (c *WrapperCipher) Sign(data []byte) []byte {
	if len(c.signingKey) == 0 {
		return nil
	}
	mac := hmac.New(sha512.New, c.signingKey)
	mac.Write(data)
	return mac.Sum(nil)
}

func (c *WrapperCipher) Verify(data, signature []byte) bool {
	if len(c.signingKey) == 0 {
		return len(signature) == 0
	}
	return hmac.Equal(c.Sign(data), signature)
}

func (c *WrapperCipher) Enabled() bool { return true }

// KeyID reports the wrapper's current key id.
func (c *WrapperCipher) KeyID(ctx context.Context) (string, error) {
	return c.wrapper.KeyId(ctx)
}
