// Package storage provides the persisted key/value store backing channel and
// session state. Backends implement a small Store interface; the records that
// go through it are CBOR-encoded and any secret fields inside them arrive
// already wrapped, so no backend ever sees raw key material.
package storage

import (
	"errors"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// Store is the persisted key/value contract. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) ([]byte, bool, error)

	// Set stores value under key, replacing any existing value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases backend resources.
	Close() error
}

// Prefixed scopes every key of an underlying Store beneath a fixed prefix,
// so multiple identities can share one backend file.
type Prefixed struct {
	store  Store
	prefix string
}

// NewPrefixed wraps store with a key prefix. An empty prefix passes keys
// through unchanged.
func NewPrefixed(store Store, prefix string) *Prefixed {
	return &Prefixed{store: store, prefix: prefix}
}

func (p *Prefixed) key(key string) string {
	if p.prefix == "" {
		return key
	}
	return p.prefix + "/" + key
}

// Get returns the value for the prefixed key.
func (p *Prefixed) Get(key string) ([]byte, bool, error) {
	return p.store.Get(p.key(key))
}

// Set stores the value under the prefixed key.
func (p *Prefixed) Set(key string, value []byte) error {
	return p.store.Set(p.key(key), value)
}

// Delete removes the prefixed key.
func (p *Prefixed) Delete(key string) error {
	return p.store.Delete(p.key(key))
}

// Close closes the underlying store.
func (p *Prefixed) Close() error {
	return p.store.Close()
}
