// Package crypto provides the cryptographic primitives for the secure channel:
// X25519 key agreement, HKDF-SHA256 key derivation, and ChaCha20-Poly1305
// authenticated encryption. Certificate-bound signing lives in signing.go and
// at-rest key protection in wrap.go.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// IVSize is the size of ChaCha20-Poly1305 nonces in bytes. A fresh random
	// IV is generated for every encryption; IV reuse under the same key is
	// forbidden.
	IVSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// NonceSize is the size of protocol nonces (identify and challenge) in bytes.
	NonceSize = 32

	// channelKeyInfo is the context string for channel key derivation.
	channelKeyInfo = "rnode-client/channel-key/v1"
)

var (
	// ErrCryptoUnavailable is returned when the underlying cipher cannot be
	// constructed from otherwise well-formed inputs.
	ErrCryptoUnavailable = errors.New("crypto primitives unavailable")

	// ErrInvalidKeyMaterial is returned for malformed keys, certificates,
	// or key-agreement inputs.
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrDecryptionFailed is returned when authentication fails during
	// decryption. The failure is atomic: no partial plaintext is ever
	// returned alongside it.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyExchange holds an ephemeral X25519 keypair for a single handshake.
// The private half never leaves the struct; call Close to zeroize it once
// the channel key has been derived.
type KeyExchange struct {
	mu      sync.Mutex
	private [KeySize]byte
	public  [KeySize]byte
	closed  bool
}

// NewKeyExchange generates a new ephemeral X25519 keypair.
func NewKeyExchange() (*KeyExchange, error) {
	kx := &KeyExchange{}
	if _, err := io.ReadFull(rand.Reader, kx.private[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	pub, err := curve25519.X25519(kx.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive public key: %v", ErrInvalidKeyMaterial, err)
	}
	copy(kx.public[:], pub)

	return kx, nil
}

// PublicKey returns the ephemeral public key.
func (kx *KeyExchange) PublicKey() [KeySize]byte {
	return kx.public
}

// DeriveChannelKey computes the X25519 shared secret against the server's
// ephemeral public key and derives the channel's symmetric key with
// HKDF-SHA256. The verified challenge nonce and both ephemeral public keys
// are mixed into the salt, and the channel ID into the info string, so a key
// is bound to exactly one handshake.
func (kx *KeyExchange) DeriveChannelKey(serverPublic [KeySize]byte, serverNonce []byte, channelID string) (*ChannelKey, error) {
	kx.mu.Lock()
	defer kx.mu.Unlock()

	if kx.closed {
		return nil, fmt.Errorf("%w: key exchange already closed", ErrInvalidKeyMaterial)
	}

	var zero [KeySize]byte
	if serverPublic == zero {
		return nil, fmt.Errorf("%w: zero server public key", ErrInvalidKeyMaterial)
	}

	shared, err := curve25519.X25519(kx.private[:], serverPublic[:])
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrInvalidKeyMaterial, err)
	}
	defer ZeroBytes(shared)

	return deriveKey(shared, serverNonce, kx.public, serverPublic, channelID)
}

// DeriveChannelKeyResponder derives the same channel key from the node's
// side of the handshake, with the roles of the two public keys swapped.
// The development node uses it to mirror the client's derivation.
func (kx *KeyExchange) DeriveChannelKeyResponder(clientPublic [KeySize]byte, serverNonce []byte, channelID string) (*ChannelKey, error) {
	kx.mu.Lock()
	defer kx.mu.Unlock()

	if kx.closed {
		return nil, fmt.Errorf("%w: key exchange already closed", ErrInvalidKeyMaterial)
	}

	var zero [KeySize]byte
	if clientPublic == zero {
		return nil, fmt.Errorf("%w: zero client public key", ErrInvalidKeyMaterial)
	}

	shared, err := curve25519.X25519(kx.private[:], clientPublic[:])
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrInvalidKeyMaterial, err)
	}
	defer ZeroBytes(shared)

	return deriveKey(shared, serverNonce, clientPublic, kx.public, channelID)
}

// deriveKey runs the HKDF expansion shared by both handshake roles.
// Salt layout: serverNonce || clientPub || serverPub.
func deriveKey(shared, serverNonce []byte, clientPub, serverPub [KeySize]byte, channelID string) (*ChannelKey, error) {
	salt := make([]byte, 0, len(serverNonce)+2*KeySize)
	salt = append(salt, serverNonce...)
	salt = append(salt, clientPub[:]...)
	salt = append(salt, serverPub[:]...)

	info := append([]byte(channelKeyInfo), []byte(channelID)...)

	ck := &ChannelKey{}
	reader := hkdf.New(sha256.New, shared, salt, info)
	if _, err := io.ReadFull(reader, ck.key[:]); err != nil {
		return nil, fmt.Errorf("derive channel key: %w", err)
	}

	return ck, nil
}

// Close zeroizes the ephemeral private key. Subsequent DeriveChannelKey
// calls fail.
func (kx *KeyExchange) Close() {
	kx.mu.Lock()
	defer kx.mu.Unlock()
	ZeroKey(&kx.private)
	kx.closed = true
}

// ChannelKey is the symmetric key protecting all traffic on an established
// channel. It is safe for concurrent use.
type ChannelKey struct {
	key [KeySize]byte
}

// ChannelKeyFromBytes reconstructs a channel key, typically after unwrapping
// persisted state. The input slice is not retained.
func ChannelKeyFromBytes(b []byte) (*ChannelKey, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: channel key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(b))
	}
	ck := &ChannelKey{}
	copy(ck.key[:], b)
	return ck, nil
}

// Bytes returns a copy of the key material for wrapping before persistence.
// Callers must zeroize the copy once wrapped.
func (k *ChannelKey) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k.key[:])
	return out
}

// Seal encrypts plaintext with a fresh random IV and returns the IV,
// ciphertext, and authentication tag as separate values matching the wire
// envelope layout.
func (k *ChannelKey) Seal(plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := chacha20poly1305.New(k.key[:])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-TagSize]
	tag = sealed[len(sealed)-TagSize:]

	return iv, ciphertext, tag, nil
}

// Open decrypts and authenticates a sealed payload. Any modification of the
// IV, ciphertext, or tag yields ErrDecryptionFailed and no plaintext.
func (k *ChannelKey) Open(iv, ciphertext, tag []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrDecryptionFailed, len(iv))
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: bad tag length %d", ErrDecryptionFailed, len(tag))
	}

	aead, err := chacha20poly1305.New(k.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Zero securely erases the key material. Call when the channel is reset.
func (k *ChannelKey) Zero() {
	ZeroKey(&k.key)
}

// NewNonce returns a fresh random protocol nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

// ZeroBytes zeroes out a byte slice to keep secret material from lingering
// in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
