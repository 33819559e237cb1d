package storage

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Record format versions. A version mismatch makes the record stale.
const (
	channelStateVersion = 1
	sessionStateVersion = 1
)

// Well-known keys, relative to the configured prefix.
const (
	KeyChannelState = "channel/state"
	KeySessionState = "session/state"
)

// ErrBadRecord is returned for records that fail to decode or carry an
// unknown version. Callers treat the persisted state as stale.
var ErrBadRecord = fmt.Errorf("storage: bad state record")

// PersistedChannelState is the at-rest channel record. WrappedKey is the
// channel key sealed under the certificate-derived wrap key; storage never
// holds the raw key.
type PersistedChannelState struct {
	Version    int       `cbor:"v"`
	ChannelID  string    `cbor:"channelId"`
	ExpiresAt  time.Time `cbor:"expiresAt"`
	WrappedKey []byte    `cbor:"wrappedKey"`
}

// PersistedSessionState is the at-rest session record. WrappedToken is the
// session token sealed the same way as the channel key; the username is
// not a secret and stays readable for status display.
type PersistedSessionState struct {
	Version      int       `cbor:"v"`
	SessionID    string    `cbor:"sessionId"`
	ChannelID    string    `cbor:"channelId"`
	Username     string    `cbor:"username,omitempty"`
	ExpiresAt    time.Time `cbor:"expiresAt"`
	WrappedToken []byte    `cbor:"wrappedToken"`
}

// SaveChannelState encodes and stores the channel record.
func SaveChannelState(store Store, state *PersistedChannelState) error {
	state.Version = channelStateVersion
	data, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode channel state: %w", err)
	}
	return store.Set(KeyChannelState, data)
}

// LoadChannelState loads and decodes the channel record. The second return
// is false when no record exists.
func LoadChannelState(store Store) (*PersistedChannelState, bool, error) {
	data, ok, err := store.Get(KeyChannelState)
	if err != nil || !ok {
		return nil, false, err
	}

	var state PersistedChannelState
	if err := cbor.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if state.Version != channelStateVersion {
		return nil, false, fmt.Errorf("%w: channel state version %d", ErrBadRecord, state.Version)
	}
	return &state, true, nil
}

// DeleteChannelState removes the channel record.
func DeleteChannelState(store Store) error {
	return store.Delete(KeyChannelState)
}

// SaveSessionState encodes and stores the session record.
func SaveSessionState(store Store, state *PersistedSessionState) error {
	state.Version = sessionStateVersion
	data, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	return store.Set(KeySessionState, data)
}

// LoadSessionState loads and decodes the session record. The second return
// is false when no record exists.
func LoadSessionState(store Store) (*PersistedSessionState, bool, error) {
	data, ok, err := store.Get(KeySessionState)
	if err != nil || !ok {
		return nil, false, err
	}

	var state PersistedSessionState
	if err := cbor.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if state.Version != sessionStateVersion {
		return nil, false, fmt.Errorf("%w: session state version %d", ErrBadRecord, state.Version)
	}
	return &state, true, nil
}

// DeleteSessionState removes the session record.
func DeleteSessionState(store Store) error {
	return store.Delete(KeySessionState)
}
