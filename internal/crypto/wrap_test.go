package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testWrapper(t *testing.T) *KeyWrapper {
	t.Helper()

	seed := make([]byte, SeedSize)
	if err := RandomBytes(seed); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	thumb := make([]byte, 32)
	if err := RandomBytes(thumb); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	w, err := NewKeyWrapper(seed, thumb)
	if err != nil {
		t.Fatalf("NewKeyWrapper() error = %v", err)
	}
	return w
}

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	w := testWrapper(t)

	secret := make([]byte, KeySize)
	if err := RandomBytes(secret); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	blob, err := w.Wrap(secret)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	if bytes.Contains(blob, secret) {
		t.Error("wrapped blob contains the secret in the clear")
	}

	got, err := w.Unwrap(blob)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("unwrapped secret does not match")
	}
}

func TestWrap_DeterministicDerivation(t *testing.T) {
	seed := make([]byte, SeedSize)
	thumb := []byte("thumbprint")
	if err := RandomBytes(seed); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	w1, err := NewKeyWrapper(seed, thumb)
	if err != nil {
		t.Fatalf("NewKeyWrapper() error = %v", err)
	}
	w2, err := NewKeyWrapper(seed, thumb)
	if err != nil {
		t.Fatalf("NewKeyWrapper() second call error = %v", err)
	}

	// A wrapper rebuilt from the same identity must unwrap the first one's blobs.
	blob, err := w1.Wrap([]byte("persisted state"))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	got, err := w2.Unwrap(blob)
	if err != nil {
		t.Fatalf("Unwrap() with rebuilt wrapper error = %v", err)
	}
	if !bytes.Equal(got, []byte("persisted state")) {
		t.Error("unwrapped secret does not match")
	}
}

func TestUnwrap_DifferentIdentity(t *testing.T) {
	w1 := testWrapper(t)
	w2 := testWrapper(t)

	blob, err := w1.Wrap([]byte("state under old certificate"))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	// Rotating the certificate changes the wrap key; old state must not open.
	if _, err := w2.Unwrap(blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Unwrap under different identity: error = %v, want ErrDecryptionFailed", err)
	}
}

func TestUnwrap_Tampered(t *testing.T) {
	w := testWrapper(t)

	blob, err := w.Wrap([]byte("state"))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	blob[len(blob)-1] ^= 0xFF
	if _, err := w.Unwrap(blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Unwrap tampered blob: error = %v, want ErrDecryptionFailed", err)
	}
}

func TestUnwrap_TooShort(t *testing.T) {
	w := testWrapper(t)

	if _, err := w.Unwrap(make([]byte, 5)); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Unwrap short blob: error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := w.Unwrap(nil); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Unwrap nil blob: error = %v, want ErrDecryptionFailed", err)
	}
}

func TestNewKeyWrapper_BadInputs(t *testing.T) {
	seed := make([]byte, SeedSize)

	if _, err := NewKeyWrapper(seed[:SeedSize-1], []byte("t")); err == nil {
		t.Error("NewKeyWrapper with short seed should fail")
	}
	if _, err := NewKeyWrapper(seed, nil); err == nil {
		t.Error("NewKeyWrapper with empty thumbprint should fail")
	}
}

func TestSealOpenWithPassphrase(t *testing.T) {
	data := []byte("ed25519 private key seed goes here")

	blob, err := SealWithPassphrase("correct horse", data)
	if err != nil {
		t.Fatalf("SealWithPassphrase() error = %v", err)
	}
	if bytes.Contains(blob, data) {
		t.Error("sealed blob contains plaintext")
	}

	got, err := OpenWithPassphrase("correct horse", blob)
	if err != nil {
		t.Fatalf("OpenWithPassphrase() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("opened data does not match")
	}
}

func TestOpenWithPassphrase_WrongPassphrase(t *testing.T) {
	blob, err := SealWithPassphrase("right", []byte("secret"))
	if err != nil {
		t.Fatalf("SealWithPassphrase() error = %v", err)
	}

	if _, err := OpenWithPassphrase("wrong", blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("OpenWithPassphrase wrong passphrase: error = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenWithPassphrase_Tampered(t *testing.T) {
	blob, err := SealWithPassphrase("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("SealWithPassphrase() error = %v", err)
	}

	blob[len(blob)-1] ^= 0xFF
	if _, err := OpenWithPassphrase("pass", blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("OpenWithPassphrase tampered blob: error = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenWithPassphrase_TooShort(t *testing.T) {
	if _, err := OpenWithPassphrase("pass", make([]byte, 10)); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("OpenWithPassphrase short blob: error = %v, want ErrDecryptionFailed", err)
	}
}

func TestSealWithPassphrase_UniqueSalt(t *testing.T) {
	b1, err := SealWithPassphrase("pass", []byte("data"))
	if err != nil {
		t.Fatalf("SealWithPassphrase() error = %v", err)
	}
	b2, err := SealWithPassphrase("pass", []byte("data"))
	if err != nil {
		t.Fatalf("SealWithPassphrase() second call error = %v", err)
	}

	if bytes.Equal(b1, b2) {
		t.Error("two seals of the same data are identical (salt reuse)")
	}
}
