// Package session implements the user session state machine nested
// inside an established channel: authentication, token renewal ahead of
// expiry, logout, and persistence of the wrapped token so a session can
// resume across restarts. A session never outlives its channel; any
// channel departure from Established invalidates it immediately.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clinsight/rnode-client/internal/certs"
	"github.com/clinsight/rnode-client/internal/channel"
	"github.com/clinsight/rnode-client/internal/logging"
	"github.com/clinsight/rnode-client/internal/metrics"
	"github.com/clinsight/rnode-client/internal/protocol"
	"github.com/clinsight/rnode-client/internal/recovery"
	"github.com/clinsight/rnode-client/internal/securehttp"
	"github.com/clinsight/rnode-client/internal/storage"
)

var (
	// ErrChannelRequired is returned when a session operation needs an
	// established channel and none is available. No network traffic
	// happens in that case.
	ErrChannelRequired = errors.New("session requires an established channel")

	// ErrEstablishFailed wraps the cause when authentication or renewal
	// fails.
	ErrEstablishFailed = errors.New("session establishment failed")

	// ErrNotActive is returned when session credentials are requested
	// and no session is active.
	ErrNotActive = errors.New("no active session")

	// ErrExpired marks a session past its expiry or rejected by the
	// node.
	ErrExpired = errors.New("session expired")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session manager closed")
)

// Status is the session state.
type Status int

const (
	StatusIdle Status = iota
	StatusAuthenticating
	StatusActive
	StatusRenewing
	StatusExpired
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAuthenticating:
		return "authenticating"
	case StatusActive:
		return "active"
	case StatusRenewing:
		return "renewing"
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
	case "authenticating":
		*s = StatusAuthenticating
	case "active":
		*s = StatusActive
	case "renewing":
		*s = StatusRenewing
	case "expired":
		*s = StatusExpired
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown session status %q", str)
	}
	return nil
}

// Snapshot is a read-only view of the session state.
type Snapshot struct {
	Status      Status    `json:"status"`
	SessionID   string    `json:"sessionId,omitempty"`
	ChannelID   string    `json:"channelId,omitempty"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
}

// Credentials authenticate a user against the node.
type Credentials struct {
	Username string
	Password string
}

// Config wires a Manager.
type Config struct {
	// Channel is the channel manager the session nests inside.
	Channel *channel.Manager

	// Client performs the encrypted session operations.
	Client *securehttp.Client

	// Identity provides the wrap key for the persisted token.
	Identity *certs.Identity

	// Store persists the wrapped session state, already scoped to this
	// client's prefix.
	Store storage.Store

	// RenewAhead is how long before expiry the renewal timer fires.
	RenewAhead time.Duration

	// CallTimeout bounds one session operation round trip.
	CallTimeout time.Duration

	// Metrics records login, renewal, and hydration outcomes. Nil means
	// an unregistered instance.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

const (
	defaultRenewAhead  = 2 * time.Minute
	defaultCallTimeout = 15 * time.Second
)

// Manager owns the session state machine.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	status      Status
	sessionID   string
	token       string
	channelID   string
	username    string
	displayName string
	roles       []string
	expiresAt   time.Time
	lastErr     error
	renewTimer  *time.Timer
	expiryTimer *time.Timer
	callbacks   []func(Snapshot)
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session manager in the Idle state and hooks it to the
// channel manager's transitions. No network traffic happens until
// Authenticate or Hydrate.
func New(cfg Config) (*Manager, error) {
	if cfg.Channel == nil {
		return nil, errors.New("session: channel manager required")
	}
	if cfg.Client == nil {
		return nil, errors.New("session: client required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("session: identity required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: store required")
	}
	if cfg.RenewAhead <= 0 {
		cfg.RenewAhead = defaultRenewAhead
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		logger: logger.With(logging.KeyComponent, "session"),
		status: StatusIdle,
		ctx:    ctx,
		cancel: cancel,
	}
	cfg.Channel.OnChange(m.channelChanged)
	return m, nil
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
		Status:      m.status,
		SessionID:   m.sessionID,
		ChannelID:   m.channelID,
		Username:    m.username,
		DisplayName: m.displayName,
		Roles:       append([]string(nil), m.roles...),
		ExpiresAt:   m.expiresAt,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

// Token returns the current session credentials. When the session is
// inside its renewal window a background renewal is kicked so the token
// stays fresh even if the renewal timer was missed.
func (m *Manager) Token() (sessionID, token string, err error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return "", "", ErrClosed
	}
	if m.status == StatusExpired {
		m.mu.RUnlock()
		return "", "", ErrExpired
	}
	if m.status != StatusActive && m.status != StatusRenewing {
		m.mu.RUnlock()
		return "", "", ErrNotActive
	}
	if !time.Now().Before(m.expiresAt) {
		m.mu.RUnlock()
		return "", "", ErrExpired
	}
	sessionID, token = m.sessionID, m.token
	kick := m.status == StatusActive && !time.Now().Before(m.expiresAt.Add(-m.cfg.RenewAhead))
	m.mu.RUnlock()

	if kick {
		go func() {
			defer recovery.RecoverWithLog(m.logger, "session.renew")
			if err := m.Renew(m.ctx); err != nil {
				m.logger.Warn("just-in-time session renewal failed", logging.KeyError, err)
			}
		}()
	}
	return sessionID, token, nil
}

// OnChange registers an observer called after every status transition.
// Callbacks run synchronously on the transitioning goroutine and must
// not call back into the manager's mutating methods.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Authenticate logs the user in over the established channel. Concurrent
// callers share a single attempt; a caller whose ctx ends stops waiting
// without cancelling the attempt others depend on.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	ch := m.group.DoChan("authenticate", func() (any, error) {
		return nil, m.authenticate(creds)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authenticate runs the shared login attempt under the manager lifetime.
func (m *Manager) authenticate(creds Credentials) error {
	if m.cfg.Channel.Status() != channel.StatusEstablished {
		return ErrChannelRequired
	}

	m.setStatus(StatusAuthenticating, nil)

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()

	raw, err := m.cfg.Client.Send(ctx, protocol.OpAuthenticate, &protocol.AuthenticationPayload{
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return m.authFailed(err)
	}

	var result protocol.AuthenticationResult
	if err := protocol.Decode(raw, &result); err != nil {
		return m.authFailed(err)
	}
	if result.SessionID == "" || result.Token == "" {
		return m.authFailed(errors.New("node granted no session"))
	}
	if result.ExpiresAt.IsZero() {
		return m.authFailed(errors.New("node granted no session expiry"))
	}

	channelID := m.cfg.Channel.Snapshot().ChannelID
	m.storeActive(activeSession{
		sessionID:   result.SessionID,
		token:       result.Token,
		channelID:   channelID,
		username:    creds.Username,
		displayName: result.DisplayName,
		roles:       result.Roles,
		expiresAt:   result.ExpiresAt,
	})
	m.persist(result.SessionID, channelID, creds.Username, result.Token, result.ExpiresAt)
	m.cfg.Metrics.RecordLogin()
	m.logger.Info("session established",
		logging.KeySessionID, result.SessionID,
		logging.KeySubject, creds.Username,
		logging.KeyExpiresAt, result.ExpiresAt)
	return nil
}

func (m *Manager) authFailed(cause error) error {
	if errors.Is(cause, securehttp.ErrChannelNotReady) {
		m.setStatus(StatusIdle, nil)
		return fmt.Errorf("%w: %w", ErrChannelRequired, cause)
	}
	m.cfg.Metrics.RecordAuthFailure()
	m.setStatus(StatusFailed, cause)
	return fmt.Errorf("%w: %w", ErrEstablishFailed, cause)
}

// Renew rotates the session token before it expires. Concurrent callers
// share a single attempt. The node invalidates the old token on success.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	ch := m.group.DoChan("renew", func() (any, error) {
		return nil, m.renew()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) renew() error {
	m.mu.RLock()
	sessionID, token := m.sessionID, m.token
	st := m.status
	m.mu.RUnlock()
	if st != StatusActive && st != StatusRenewing {
		return ErrNotActive
	}
	if m.cfg.Channel.Status() != channel.StatusEstablished {
		return ErrChannelRequired
	}

	m.setStatus(StatusRenewing, nil)

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()

	raw, err := m.cfg.Client.Send(ctx, protocol.OpRenew, nil, securehttp.WithSession(sessionID, token))
	if err != nil {
		return m.renewFailed(err)
	}

	var result protocol.SessionRenewResult
	if err := protocol.Decode(raw, &result); err != nil {
		return m.renewFailed(err)
	}
	if result.Token == "" || result.ExpiresAt.IsZero() {
		return m.renewFailed(errors.New("node granted no renewed token"))
	}

	m.mu.RLock()
	channelID, username := m.channelID, m.username
	displayName, roles := m.displayName, m.roles
	m.mu.RUnlock()

	m.storeActive(activeSession{
		sessionID:   result.SessionID,
		token:       result.Token,
		channelID:   channelID,
		username:    username,
		displayName: displayName,
		roles:       roles,
		expiresAt:   result.ExpiresAt,
	})
	m.persist(result.SessionID, channelID, username, result.Token, result.ExpiresAt)
	m.cfg.Metrics.RecordRenewal()
	m.logger.Info("session renewed",
		logging.KeySessionID, result.SessionID,
		logging.KeyExpiresAt, result.ExpiresAt)
	return nil
}

// renewFailed classifies a renewal failure. A node-side rejection ends
// the session; a transient failure leaves it Active so calls keep
// working until the real expiry.
func (m *Manager) renewFailed(cause error) error {
	var callErr *protocol.CallError
	rejected := errors.Is(cause, securehttp.ErrSessionExpired) ||
		(errors.As(cause, &callErr) && callErr.Code == protocol.CodeSessionInvalid)
	if rejected {
		m.invalidate(fmt.Errorf("%w: %w", ErrExpired, cause))
		return fmt.Errorf("%w: %w", ErrEstablishFailed, cause)
	}

	m.mu.Lock()
	if m.status == StatusRenewing {
		m.status = StatusActive
		m.lastErr = cause
		// The timer already fired; try again at half the remaining
		// lifetime unless expiry is imminent.
		if remaining := time.Until(m.expiresAt); remaining > 2*time.Second {
			m.armRenewLocked(remaining / 2)
		}
	}
	m.mu.Unlock()
	m.notify()
	return fmt.Errorf("%w: %w", ErrEstablishFailed, cause)
}

// WhoAmI asks the node who the session belongs to and refreshes the
// locally cached identity fields.
func (m *Manager) WhoAmI(ctx context.Context) (*protocol.SessionWhoAmIResult, error) {
	sessionID, token, err := m.Token()
	if err != nil {
		return nil, err
	}

	raw, err := m.cfg.Client.Send(ctx, protocol.OpWhoAmI, nil, securehttp.WithSession(sessionID, token))
	if err != nil {
		if errors.Is(err, securehttp.ErrSessionExpired) {
			m.invalidate(fmt.Errorf("%w: %w", ErrExpired, err))
			return nil, fmt.Errorf("%w: %w", ErrExpired, err)
		}
		return nil, err
	}

	var result protocol.SessionWhoAmIResult
	if err := protocol.Decode(raw, &result); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.sessionID == result.SessionID {
		m.username = result.Username
		m.displayName = result.DisplayName
		m.roles = append([]string(nil), result.Roles...)
	}
	m.mu.Unlock()
	return &result, nil
}

// Logout ends the session. The node is notified best-effort; local state
// and the persisted record are always cleared.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.RLock()
	sessionID, token := m.sessionID, m.token
	active := m.status == StatusActive || m.status == StatusRenewing
	m.mu.RUnlock()

	if active && m.cfg.Channel.Status() == channel.StatusEstablished {
		_, err := m.cfg.Client.Send(ctx, protocol.OpLogout, nil, securehttp.WithSession(sessionID, token))
		if err != nil {
			m.logger.Warn("logout notify failed", logging.KeyError, err)
		}
	}

	m.mu.Lock()
	m.clearLocked()
	m.status = StatusIdle
	m.lastErr = nil
	m.mu.Unlock()

	err := storage.DeleteSessionState(m.cfg.Store)
	if sessionID != "" {
		m.logger.Info("session ended", logging.KeySessionID, sessionID)
	}
	m.notify()
	return err
}

// Hydrate restores a persisted session without network traffic. It
// reports whether the session came back Active. The record must match
// the currently established channel; stale, expired, or unreadable
// records are cleared and the session stays Idle.
func (m *Manager) Hydrate(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	state, ok, err := storage.LoadSessionState(m.cfg.Store)
	if err != nil {
		if errors.Is(err, storage.ErrBadRecord) {
			m.logger.Warn("discarding undecodable session state", logging.KeyError, err)
			m.cfg.Metrics.RecordHydration("session", "bad_record")
			_ = storage.DeleteSessionState(m.cfg.Store)
			return false, nil
		}
		m.cfg.Metrics.RecordHydration("session", "error")
		return false, err
	}
	if !ok {
		m.cfg.Metrics.RecordHydration("session", "none")
		return false, nil
	}
	if !time.Now().Before(state.ExpiresAt) {
		m.logger.Info("persisted session expired",
			logging.KeySessionID, state.SessionID,
			logging.KeyExpiresAt, state.ExpiresAt)
		m.cfg.Metrics.RecordHydration("session", "stale")
		_ = storage.DeleteSessionState(m.cfg.Store)
		return false, nil
	}

	chSnap := m.cfg.Channel.Snapshot()
	if chSnap.Status != channel.StatusEstablished || chSnap.ChannelID != state.ChannelID {
		m.logger.Info("persisted session does not match the current channel, clearing",
			logging.KeySessionID, state.SessionID,
			logging.KeyChannelID, state.ChannelID)
		m.cfg.Metrics.RecordHydration("session", "mismatch")
		_ = storage.DeleteSessionState(m.cfg.Store)
		return false, nil
	}

	wrapper, err := m.cfg.Identity.KeyWrapper()
	if err != nil {
		m.cfg.Metrics.RecordHydration("session", "error")
		return false, err
	}
	defer wrapper.Zero()

	tokenBytes, err := wrapper.Unwrap(state.WrappedToken)
	if err != nil {
		// A rotated certificate cannot unwrap the old token.
		m.logger.Info("persisted session token does not match the current certificate, clearing",
			logging.KeySessionID, state.SessionID)
		m.cfg.Metrics.RecordHydration("session", "mismatch")
		_ = storage.DeleteSessionState(m.cfg.Store)
		return false, nil
	}

	m.storeActive(activeSession{
		sessionID: state.SessionID,
		token:     string(tokenBytes),
		channelID: state.ChannelID,
		username:  state.Username,
		expiresAt: state.ExpiresAt,
	})
	m.cfg.Metrics.RecordHydration("session", "restored")
	m.logger.Info("session hydrated",
		logging.KeySessionID, state.SessionID,
		logging.KeyExpiresAt, state.ExpiresAt)
	return true, nil
}

// Close releases the manager. Any in-flight operation is cancelled.
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

// activeSession carries everything storeActive installs in one piece.
type activeSession struct {
	sessionID   string
	token       string
	channelID   string
	username    string
	displayName string
	roles       []string
	expiresAt   time.Time
}

// storeActive installs fresh session state and arms the renewal and
// expiry timers.
func (m *Manager) storeActive(s activeSession) {
	m.mu.Lock()
	m.sessionID = s.sessionID
	m.token = s.token
	m.channelID = s.channelID
	m.username = s.username
	m.displayName = s.displayName
	m.roles = append([]string(nil), s.roles...)
	m.expiresAt = s.expiresAt
	m.status = StatusActive
	m.lastErr = nil

	remaining := time.Until(s.expiresAt)
	renewIn := remaining - m.cfg.RenewAhead
	if renewIn <= 0 {
		// Lifetime shorter than the lead time; renew at half-life.
		renewIn = remaining / 2
	}
	m.armRenewLocked(renewIn)
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
	}
	if remaining < 0 {
		remaining = 0
	}
	m.expiryTimer = time.AfterFunc(remaining, m.expire)
	m.mu.Unlock()
	m.notify()
}

// armRenewLocked schedules the next renewal. Callers hold m.mu.
func (m *Manager) armRenewLocked(d time.Duration) {
	if m.renewTimer != nil {
		m.renewTimer.Stop()
	}
	if d < 0 {
		d = 0
	}
	m.renewTimer = time.AfterFunc(d, m.renewTick)
}

// renewTick runs the scheduled proactive renewal.
func (m *Manager) renewTick() {
	defer recovery.RecoverWithLog(m.logger, "session.renew")

	m.mu.RLock()
	st := m.status
	m.mu.RUnlock()
	if st != StatusActive {
		return
	}
	if err := m.Renew(m.ctx); err != nil {
		m.logger.Warn("scheduled session renewal failed", logging.KeyError, err)
	}
}

// expire fires when the session reaches its expiry without renewal.
func (m *Manager) expire() {
	defer recovery.RecoverWithLog(m.logger, "session.expire")

	m.mu.Lock()
	if m.status != StatusActive && m.status != StatusRenewing {
		m.mu.Unlock()
		return
	}
	if time.Now().Before(m.expiresAt) {
		m.mu.Unlock()
		return
	}
	sessionID := m.sessionID
	m.clearLocked()
	m.status = StatusExpired
	m.lastErr = ErrExpired
	m.mu.Unlock()

	_ = storage.DeleteSessionState(m.cfg.Store)
	m.logger.Info("session expired", logging.KeySessionID, sessionID)
	m.notify()
}

// invalidate reacts to a node-side session rejection.
func (m *Manager) invalidate(cause error) {
	m.mu.Lock()
	if m.status == StatusIdle || m.status == StatusExpired {
		m.mu.Unlock()
		return
	}
	sessionID := m.sessionID
	m.clearLocked()
	m.status = StatusExpired
	m.lastErr = cause
	m.mu.Unlock()

	_ = storage.DeleteSessionState(m.cfg.Store)
	m.logger.Info("session invalidated",
		logging.KeySessionID, sessionID,
		logging.KeyError, cause)
	m.notify()
}

// channelChanged invalidates the session whenever its channel stops
// being the established one. A session is bound to one channel ID and
// cannot move to a re-established channel.
func (m *Manager) channelChanged(snap channel.Snapshot) {
	m.mu.Lock()
	if m.closed || (m.status != StatusActive && m.status != StatusRenewing) {
		m.mu.Unlock()
		return
	}
	if snap.Status == channel.StatusEstablished && snap.ChannelID == m.channelID {
		m.mu.Unlock()
		return
	}
	sessionID := m.sessionID
	m.clearLocked()
	m.status = StatusExpired
	m.lastErr = fmt.Errorf("%w: channel %s", ErrExpired, snap.Status)
	m.mu.Unlock()

	_ = storage.DeleteSessionState(m.cfg.Store)
	m.logger.Info("session invalidated with its channel",
		logging.KeySessionID, sessionID,
		logging.KeyStatus, snap.Status.String())
	m.notify()
}

// persist writes the wrapped session token. Persistence failure is not
// fatal; the session still works for this process lifetime.
func (m *Manager) persist(sessionID, channelID, username, token string, expiresAt time.Time) {
	wrapper, err := m.cfg.Identity.KeyWrapper()
	if err != nil {
		m.logger.Warn("wrap key derivation failed", logging.KeyError, err)
		return
	}
	defer wrapper.Zero()

	wrapped, err := wrapper.Wrap([]byte(token))
	if err != nil {
		m.logger.Warn("session token wrap failed", logging.KeyError, err)
		return
	}

	err = storage.SaveSessionState(m.cfg.Store, &storage.PersistedSessionState{
		SessionID:    sessionID,
		ChannelID:    channelID,
		Username:     username,
		ExpiresAt:    expiresAt,
		WrappedToken: wrapped,
	})
	if err != nil {
		m.cfg.Metrics.RecordStorageError("save_session")
		m.logger.Warn("session state persist failed", logging.KeyError, err)
	}
}

// clearLocked wipes session state and stops both timers. Callers hold
// m.mu and set the follow-up status themselves.
func (m *Manager) clearLocked() {
	if m.renewTimer != nil {
		m.renewTimer.Stop()
		m.renewTimer = nil
	}
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
	m.sessionID = ""
	m.token = ""
	m.channelID = ""
	m.username = ""
	m.displayName = ""
	m.roles = nil
	m.expiresAt = time.Time{}
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

	m.cfg.Metrics.SetSessionState(snap.Status.String())
	for _, fn := range callbacks {
		fn(snap)
	}
}
