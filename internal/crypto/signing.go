// Ed25519 signing for the channel challenge-response. The certificate's
// private key is held by a Signer and never serialized back out; challenge
// handlers get signatures, not keys.

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

const (
	// SignatureSize is the size of Ed25519 signatures in bytes.
	SignatureSize = ed25519.SignatureSize

	// SeedSize is the size of an Ed25519 private key seed in bytes.
	SeedSize = ed25519.SeedSize
)

// Signer holds the certificate's Ed25519 private key for challenge signing.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSignerFromSeed builds a Signer from a 32-byte Ed25519 seed. The seed
// slice is not retained; callers should zeroize their copy.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed must be %d bytes, got %d", ErrInvalidKeyMaterial, SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// GenerateSigner creates a Signer with a fresh random key. Used when
// generating a new certificate identity.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// Sign produces an Ed25519 signature over data (the raw challenge nonce
// during channel establishment).
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// Public returns the signer's public key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Seed returns a copy of the private key seed. It exists solely so the
// certificate layer can seal the key at rest; callers must zeroize the copy.
func (s *Signer) Seed() []byte {
	seed := make([]byte, SeedSize)
	copy(seed, s.priv.Seed())
	return seed
}

// Zero erases the private key material.
func (s *Signer) Zero() {
	ZeroBytes(s.priv)
	s.priv = nil
}

// Verify checks an Ed25519 signature. The client uses this in tests and the
// development node uses it to validate challenge responses.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
