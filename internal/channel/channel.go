// Package channel implements the secure channel state machine between
// the client and a Research Node: certificate-based identify, challenge
// signing, channel key derivation, persistence of wrapped key material,
// and expiry tracking. All state mutation happens inside the Manager;
// callers act through its methods and observe snapshots.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clinsight/rnode-client/internal/certs"
	"github.com/clinsight/rnode-client/internal/crypto"
	"github.com/clinsight/rnode-client/internal/logging"
	"github.com/clinsight/rnode-client/internal/metrics"
	"github.com/clinsight/rnode-client/internal/protocol"
	"github.com/clinsight/rnode-client/internal/recovery"
	"github.com/clinsight/rnode-client/internal/storage"
	"github.com/clinsight/rnode-client/internal/transport"
)

var (
	// ErrNotEstablished is returned when key material or identifiers are
	// requested from a channel that is not established.
	ErrNotEstablished = errors.New("channel not established")

	// ErrEstablishFailed wraps the terminal cause once establishment
	// retries are exhausted.
	ErrEstablishFailed = errors.New("channel establishment failed")

	// ErrExpired marks a channel past its expiry or invalidated by the
	// node.
	ErrExpired = errors.New("channel expired")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel manager closed")
)

// Status is the channel state.
type Status int

const (
	StatusIdle Status = iota
	StatusIdentifying
	StatusChallenging
	StatusEstablished
	StatusExpired
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusIdentifying:
		return "identifying"
	case StatusChallenging:
		return "challenging"
	case StatusEstablished:
		return "established"
	case StatusExpired:
		return "expired"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the string form.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "idle":
		*s = StatusIdle
	case "identifying":
		*s = StatusIdentifying
	case "challenging":
		*s = StatusChallenging
	case "established":
		*s = StatusEstablished
	case "expired":
		*s = StatusExpired
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown channel status %q", str)
	}
	return nil
}

// Snapshot is a read-only view of the channel state.
type Snapshot struct {
	Status        Status    `json:"status"`
	ChannelID     string    `json:"channelId,omitempty"`
	EstablishedAt time.Time `json:"establishedAt,omitzero"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// Config wires a Manager.
type Config struct {
	// Identity is the certificate identity presented to the node.
	Identity *certs.Identity

	// Transport performs the HTTP exchanges.
	Transport transport.Client

	// Store persists wrapped channel state, already scoped to this
	// client's prefix.
	Store storage.Store

	// BaseURL is the node root, e.g. "https://node.example.org".
	BaseURL string

	// HandshakeTimeout bounds one identify+challenge round trip.
	HandshakeTimeout time.Duration

	// Retry bounds establishment retries. Zero value means defaults.
	Retry RetryConfig

	// Metrics records handshake and hydration outcomes. Nil means an
	// unregistered instance.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

const defaultHandshakeTimeout = 15 * time.Second

// Manager owns the channel state machine.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	baseURL string

	group singleflight.Group

	mu            sync.RWMutex
	status        Status
	channelID     string
	key           *crypto.ChannelKey
	establishedAt time.Time
	expiresAt     time.Time
	lastErr       error
	expiryTimer   *time.Timer
	callbacks     []func(Snapshot)
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a channel manager in the Idle state. No network traffic
// happens until Establish or Hydrate.
func New(cfg Config) (*Manager, error) {
	if cfg.Identity == nil {
		return nil, errors.New("channel: identity required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("channel: transport required")
	}
	if cfg.Store == nil {
		return nil, errors.New("channel: store required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("channel: base URL required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "channel"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		status:  StatusIdle,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Snapshot returns a read-only view of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:        m.status,
		ChannelID:     m.channelID,
		EstablishedAt: m.establishedAt,
		ExpiresAt:     m.expiresAt,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

// Key returns a caller-owned copy of the channel key. The caller must
// Zero it when done.
func (m *Manager) Key() (*crypto.ChannelKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusEstablished || m.key == nil {
		return nil, ErrNotEstablished
	}
	b := m.key.Bytes()
	defer crypto.ZeroBytes(b)
	return crypto.ChannelKeyFromBytes(b)
}

// OnChange registers an observer called after every status transition.
// Callbacks run synchronously on the transitioning goroutine and must
// not call back into the manager's mutating methods.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Establish ensures the channel is established, running the identify and
// challenge exchange when needed. Concurrent callers share a single
// attempt; a caller whose ctx ends stops waiting without cancelling the
// attempt others depend on.
func (m *Manager) Establish(ctx context.Context) error {
	m.mu.RLock()
	ready := m.status == StatusEstablished && time.Now().Before(m.expiresAt)
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ready {
		return nil
	}

	ch := m.group.DoChan("establish", func() (any, error) {
		return nil, m.establish()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// establish runs the shared establishment attempt with bounded retries.
// It runs under the manager lifetime, not any single caller's ctx.
func (m *Manager) establish() error {
	m.mu.RLock()
	ready := m.status == StatusEstablished && time.Now().Before(m.expiresAt)
	m.mu.RUnlock()
	if ready {
		return nil
	}

	backoff := NewBackoffCalculator(m.cfg.Retry)
	var lastErr error
	for attempt := 0; attempt < m.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.Delay(attempt - 1)
			m.cfg.Metrics.RecordHandshakeRetry()
			m.logger.Debug("establish retry",
				logging.KeyAttempt, attempt,
				logging.KeyDuration, delay)
			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				m.setStatus(StatusFailed, m.ctx.Err())
				return fmt.Errorf("%w: %w", ErrEstablishFailed, m.ctx.Err())
			}
		}

		retry, err := m.attempt()
		if err == nil {
			return nil
		}
		lastErr = err
		if retry {
			m.cfg.Metrics.RecordHandshakeError("transient")
		} else {
			m.cfg.Metrics.RecordHandshakeError("rejected")
		}
		m.logger.Warn("establish attempt failed",
			logging.KeyAttempt, attempt+1,
			logging.KeyError, err)
		if !retry {
			break
		}
	}

	m.setStatus(StatusFailed, lastErr)
	return fmt.Errorf("%w: %w", ErrEstablishFailed, lastErr)
}

// attempt performs one identify+challenge round trip. The bool reports
// whether the failure is worth retrying.
func (m *Manager) attempt() (bool, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	m.setStatus(StatusIdentifying, nil)

	kx, err := crypto.NewKeyExchange()
	if err != nil {
		return false, err
	}
	defer kx.Close()

	nonce, err := crypto.NewNonce()
	if err != nil {
		return false, err
	}
	clientPub := kx.PublicKey()

	var ident protocol.NodeIdentifyResult
	retry, err := m.post(ctx, protocol.IdentifyPath, &protocol.NodeIdentifyPayload{
		SubjectName:  m.cfg.Identity.SubjectName(),
		Thumbprint:   m.cfg.Identity.Thumbprint(),
		SerialNumber: m.cfg.Identity.SerialNumber(),
		PublicKey:    clientPub[:],
		Nonce:        nonce,
		Timestamp:    time.Now().UTC(),
	}, &ident)
	if err != nil {
		return retry, fmt.Errorf("identify: %w", err)
	}
	if ident.ChannelID == "" {
		return false, errors.New("identify: node granted no channel id")
	}
	if len(ident.ServerPublicKey) != crypto.KeySize {
		return false, fmt.Errorf("identify: server public key length %d, want %d",
			len(ident.ServerPublicKey), crypto.KeySize)
	}

	var serverPub [crypto.KeySize]byte
	copy(serverPub[:], ident.ServerPublicKey)

	// Without a challenge the client nonce seeds the derivation; the
	// node mixes in the same value.
	serverNonce := nonce
	expiresAt := ident.ExpiresAt
	if ident.ChallengeRequired {
		if ident.Challenge == nil {
			return false, errors.New("identify: challenge required but absent")
		}
		m.setStatus(StatusChallenging, nil)
		serverNonce = ident.Challenge.Nonce

		var result protocol.ChallengeResponseResult
		retry, err = m.post(ctx, protocol.ChallengePath, &protocol.ChallengeResponsePayload{
			ChannelID: ident.ChannelID,
			Nonce:     serverNonce,
			Signature: m.cfg.Identity.Signer().Sign(serverNonce),
		}, &result)
		if err != nil {
			return retry, fmt.Errorf("challenge: %w", err)
		}
		if !result.Verified {
			return false, errors.New("challenge: node rejected the signature")
		}
		expiresAt = result.ExpiresAt
	}
	if expiresAt.IsZero() {
		return false, errors.New("handshake: node granted no expiry")
	}

	key, err := kx.DeriveChannelKey(serverPub, serverNonce, ident.ChannelID)
	if err != nil {
		return false, err
	}

	m.persist(ident.ChannelID, key, expiresAt)
	m.storeEstablished(ident.ChannelID, key, time.Now().UTC(), expiresAt)
	m.cfg.Metrics.RecordHandshake(time.Since(start).Seconds())
	m.logger.Info("channel established",
		logging.KeyChannelID, ident.ChannelID,
		logging.KeyExpiresAt, expiresAt)
	return false, nil
}

// post sends one JSON exchange and decodes the reply. The bool reports
// whether a failure is transient.
func (m *Manager) post(ctx context.Context, path string, payload, out protocol.Payload) (bool, error) {
	body, err := protocol.Encode(payload)
	if err != nil {
		return false, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	resp, err := m.cfg.Transport.Send(ctx, &transport.Request{
		Method:  http.MethodPost,
		URL:     m.baseURL + path,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return transport.IsRetryable(err), err
	}
	if resp.Status != http.StatusOK {
		return transport.IsRetryableStatus(resp.Status), nodeError(resp)
	}
	if err := protocol.Decode(resp.Body, out); err != nil {
		return false, err
	}
	return false, nil
}

// nodeError extracts the node's reject body when present.
func nodeError(resp *transport.Response) error {
	var reply protocol.ErrorReply
	if err := json.Unmarshal(resp.Body, &reply); err == nil && reply.Error != nil {
		return fmt.Errorf("node status %d: %w", resp.Status, reply.Error)
	}
	return fmt.Errorf("node status %d", resp.Status)
}

// persist writes the wrapped channel key. Persistence failure is not
// fatal; the channel still works for this process lifetime.
func (m *Manager) persist(channelID string, key *crypto.ChannelKey, expiresAt time.Time) {
	wrapper, err := m.cfg.Identity.KeyWrapper()
	if err != nil {
		m.logger.Warn("wrap key derivation failed", logging.KeyError, err)
		return
	}
	defer wrapper.Zero()

	keyBytes := key.Bytes()
	defer crypto.ZeroBytes(keyBytes)
	wrapped, err := wrapper.Wrap(keyBytes)
	if err != nil {
		m.logger.Warn("channel key wrap failed", logging.KeyError, err)
		return
	}

	err = storage.SaveChannelState(m.cfg.Store, &storage.PersistedChannelState{
		ChannelID:  channelID,
		ExpiresAt:  expiresAt,
		WrappedKey: wrapped,
	})
	if err != nil {
		m.cfg.Metrics.RecordStorageError("save_channel")
		m.logger.Warn("channel state persist failed", logging.KeyError, err)
	}
}

// Hydrate restores a persisted channel without network traffic. It
// reports whether the channel came back Established. Stale, expired, or
// unreadable records are cleared and the channel stays Idle; that is not
// an error.
func (m *Manager) Hydrate(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	state, ok, err := storage.LoadChannelState(m.cfg.Store)
	if err != nil {
		if errors.Is(err, storage.ErrBadRecord) {
			m.logger.Warn("discarding undecodable channel state", logging.KeyError, err)
			m.cfg.Metrics.RecordHydration("channel", "bad_record")
			_ = storage.DeleteChannelState(m.cfg.Store)
			return false, nil
		}
		m.cfg.Metrics.RecordHydration("channel", "error")
		return false, err
	}
	if !ok {
		m.cfg.Metrics.RecordHydration("channel", "none")
		return false, nil
	}
	if !time.Now().Before(state.ExpiresAt) {
		m.logger.Info("persisted channel expired",
			logging.KeyChannelID, state.ChannelID,
			logging.KeyExpiresAt, state.ExpiresAt)
		m.cfg.Metrics.RecordHydration("channel", "stale")
		_ = storage.DeleteChannelState(m.cfg.Store)
		return false, nil
	}

	wrapper, err := m.cfg.Identity.KeyWrapper()
	if err != nil {
		m.cfg.Metrics.RecordHydration("channel", "error")
		return false, err
	}
	defer wrapper.Zero()

	keyBytes, err := wrapper.Unwrap(state.WrappedKey)
	if err != nil {
		// A rotated certificate cannot unwrap the old key.
		m.logger.Info("persisted channel key does not match the current certificate, clearing",
			logging.KeyChannelID, state.ChannelID)
		m.cfg.Metrics.RecordHydration("channel", "mismatch")
		_ = storage.DeleteChannelState(m.cfg.Store)
		return false, nil
	}
	defer crypto.ZeroBytes(keyBytes)

	key, err := crypto.ChannelKeyFromBytes(keyBytes)
	if err != nil {
		m.cfg.Metrics.RecordHydration("channel", "error")
		return false, err
	}

	m.storeEstablished(state.ChannelID, key, time.Time{}, state.ExpiresAt)
	m.cfg.Metrics.RecordHydration("channel", "restored")
	m.logger.Info("channel hydrated",
		logging.KeyChannelID, state.ChannelID,
		logging.KeyExpiresAt, state.ExpiresAt)
	return true, nil
}

// Reset clears runtime and persisted channel state and returns to Idle.
// Used on certificate rotation, logout, and operator-triggered resets.
func (m *Manager) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.clearLocked()
	m.status = StatusIdle
	m.lastErr = nil
	m.mu.Unlock()

	err := storage.DeleteChannelState(m.cfg.Store)
	m.notify()
	return err
}

// Invalidate reacts to a node-side invalidation signal. The channel
// moves to Expired, key material is destroyed, and persisted state is
// cleared. A later Establish starts a fresh handshake.
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	if m.status == StatusIdle || m.status == StatusExpired {
		m.mu.Unlock()
		return
	}
	channelID := m.channelID
	m.clearLocked()
	m.status = StatusExpired
	m.lastErr = fmt.Errorf("%w: %s", ErrExpired, reason)
	m.mu.Unlock()

	_ = storage.DeleteChannelState(m.cfg.Store)
	m.logger.Info("channel invalidated",
		logging.KeyChannelID, channelID,
		"reason", reason)
	m.notify()
}

// Close releases the manager. Any in-flight establishment is cancelled.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.clearLocked()
	m.mu.Unlock()
	return nil
}

// clearLocked destroys runtime key material and stops the expiry timer.
// Callers hold m.mu and set the follow-up status themselves.
func (m *Manager) clearLocked() {
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
	if m.key != nil {
		m.key.Zero()
		m.key = nil
	}
	m.channelID = ""
	m.establishedAt = time.Time{}
	m.expiresAt = time.Time{}
}

// storeEstablished installs fresh channel state and arms the expiry
// timer.
func (m *Manager) storeEstablished(channelID string, key *crypto.ChannelKey, establishedAt, expiresAt time.Time) {
	m.mu.Lock()
	if m.key != nil {
		m.key.Zero()
	}
	m.channelID = channelID
	m.key = key
	m.establishedAt = establishedAt
	m.expiresAt = expiresAt
	m.status = StatusEstablished
	m.lastErr = nil
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
	}
	d := time.Until(expiresAt)
	if d < 0 {
		d = 0
	}
	m.expiryTimer = time.AfterFunc(d, m.expire)
	m.mu.Unlock()
	m.notify()
}

// expire fires when the channel reaches its expiry. Any nested session
// is invalidated through the OnChange observers.
func (m *Manager) expire() {
	defer recovery.RecoverWithLog(m.logger, "channel.expire")

	m.mu.Lock()
	if m.status != StatusEstablished || time.Now().Before(m.expiresAt) {
		m.mu.Unlock()
		return
	}
	channelID := m.channelID
	m.clearLocked()
	m.status = StatusExpired
	m.lastErr = ErrExpired
	m.mu.Unlock()

	_ = storage.DeleteChannelState(m.cfg.Store)
	m.logger.Info("channel expired", logging.KeyChannelID, channelID)
	m.notify()
}

func (m *Manager) setStatus(status Status, cause error) {
	m.mu.Lock()
	m.status = status
	m.lastErr = cause
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	snap := m.snapshotLocked()
	callbacks := make([]func(Snapshot), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	m.cfg.Metrics.SetChannelState(snap.Status.String())
	for _, fn := range callbacks {
		fn(snap)
	}
}
