// Key wrapping for persisted state. Channel keys and session tokens are
// never written to storage in the clear; they are wrapped under a key
// derived from the certificate identity, so rotating the certificate
// implicitly invalidates everything persisted under the old one.
//
// Passphrase sealing (argon2id + ChaCha20-Poly1305) protects the
// certificate private key at rest.

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const stateWrapInfo = "rnode-client/state-wrap/v1"

// Argon2id parameters for passphrase sealing.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonSaltLen = 16
)

// KeyWrapper wraps and unwraps secrets under a key derived from the
// certificate identity. The wrap key is HKDF(seed, thumbprint), so state
// wrapped under one certificate cannot be unwrapped after rotation.
type KeyWrapper struct {
	key [KeySize]byte
}

// NewKeyWrapper derives a wrap key from the certificate's Ed25519 seed and
// its thumbprint.
func NewKeyWrapper(seed, thumbprint []byte) (*KeyWrapper, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: wrap seed must be %d bytes, got %d", ErrInvalidKeyMaterial, SeedSize, len(seed))
	}
	if len(thumbprint) == 0 {
		return nil, fmt.Errorf("%w: empty thumbprint", ErrInvalidKeyMaterial)
	}

	w := &KeyWrapper{}
	kdf := hkdf.New(sha256.New, seed, thumbprint, []byte(stateWrapInfo))
	if _, err := io.ReadFull(kdf, w.key[:]); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return w, nil
}

// Wrap seals secret into a self-contained blob (nonce || ciphertext || tag).
func (w *KeyWrapper) Wrap(secret []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(w.key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, secret, nil), nil
}

// Unwrap opens a blob produced by Wrap. A failure means the blob was
// tampered with or was wrapped under a different certificate; callers treat
// the persisted state as stale either way.
func (w *KeyWrapper) Unwrap(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(w.key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(blob) < aead.NonceSize()+TagSize {
		return nil, ErrDecryptionFailed
	}

	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	secret, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return secret, nil
}

// Zero erases the wrap key.
func (w *KeyWrapper) Zero() {
	ZeroKey(&w.key)
}

// SealWithPassphrase encrypts data under a key stretched from passphrase
// with argon2id. The output embeds the salt and nonce, so OpenWithPassphrase
// needs only the passphrase.
func SealWithPassphrase(passphrase string, data []byte) ([]byte, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 0, argonSaltLen+aead.NonceSize()+len(data)+TagSize)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return aead.Seal(blob, nonce, data, nil), nil
}

// OpenWithPassphrase decrypts a blob produced by SealWithPassphrase.
func OpenWithPassphrase(passphrase string, blob []byte) ([]byte, error) {
	if len(blob) < argonSaltLen+chacha20poly1305.NonceSize+TagSize {
		return nil, ErrDecryptionFailed
	}

	salt := blob[:argonSaltLen]
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := blob[argonSaltLen : argonSaltLen+aead.NonceSize()]
	ct := blob[argonSaltLen+aead.NonceSize():]
	data, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return data, nil
}
