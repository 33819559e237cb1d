package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltBucket is the single bucket holding all records.
const boltBucket = "rnode_state"

// boltOpenTimeout bounds the wait for the file lock when another process
// holds the database open.
const boltOpenTimeout = 5 * time.Second

// Bolt is a bbolt-backed Store persisting records to a single file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database file at path with 0600
// permissions.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage at %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize storage bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Get returns the value for key and whether it exists.
func (b *Bolt) Get(key string) ([]byte, bool, error) {
	var out []byte
	var found bool

	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if value == nil {
			return nil
		}
		// Bucket memory is only valid inside the transaction.
		out = make([]byte, len(value))
		copy(out, value)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage get %s: %w", key, err)
	}
	return out, found, nil
}

// Set stores value under key.
func (b *Bolt) Set(key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("storage set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (b *Bolt) Delete(key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("storage delete %s: %w", key, err)
	}
	return nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}
