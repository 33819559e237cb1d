// Package middleware assembles the client stack and orchestrates calls
// against a Research Node. It owns the channel manager, the session
// manager, and the encrypted call client, and presents a single Invoke
// entry point that re-establishes the channel, renews or re-authenticates
// the session, and retries transient transport failures so callers never
// handle handshake mechanics themselves.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clinsight/rnode-client/internal/certs"
	"github.com/clinsight/rnode-client/internal/channel"
	"github.com/clinsight/rnode-client/internal/crypto"
	"github.com/clinsight/rnode-client/internal/logging"
	"github.com/clinsight/rnode-client/internal/metrics"
	"github.com/clinsight/rnode-client/internal/protocol"
	"github.com/clinsight/rnode-client/internal/securehttp"
	"github.com/clinsight/rnode-client/internal/session"
	"github.com/clinsight/rnode-client/internal/storage"
	"github.com/clinsight/rnode-client/internal/transport"
)

// ErrClosed is returned after Cleanup.
var ErrClosed = errors.New("middleware closed")

// CredentialsProvider supplies login credentials when Invoke needs a
// session and none is active. It may prompt, read an agent socket, or
// return stored credentials. Returning an error aborts the call.
type CredentialsProvider func(ctx context.Context) (session.Credentials, error)

// StaticCredentials returns a provider that always hands out the same
// credentials.
func StaticCredentials(creds session.Credentials) CredentialsProvider {
	return func(context.Context) (session.Credentials, error) {
		return creds, nil
	}
}

// Config wires a Middleware.
type Config struct {
	// Identity is the certificate identity presented to the node.
	Identity *certs.Identity

	// Transport performs the HTTP exchanges. The middleware takes
	// ownership and closes it on Cleanup.
	Transport transport.Client

	// Store persists wrapped channel and session state, already scoped
	// to this client's prefix. The middleware takes ownership and closes
	// it on Cleanup.
	Store storage.Store

	// BaseURL is the node root, e.g. "https://node.example.org".
	BaseURL string

	// HandshakeTimeout bounds one identify+challenge round trip.
	HandshakeTimeout time.Duration

	// Retry bounds both channel establishment and invoke retries.
	// Zero value means defaults.
	Retry channel.RetryConfig

	// RenewAhead is how long before expiry the session renewal timer
	// fires.
	RenewAhead time.Duration

	// CallTimeout bounds one session operation round trip.
	CallTimeout time.Duration

	// Credentials supplies login credentials for transparent
	// re-authentication. Nil means calls proceed without a session when
	// none is active and the node decides whether that is acceptable.
	Credentials CredentialsProvider

	// InvokeRatePerSecond caps outgoing calls. Zero or negative disables
	// rate limiting.
	InvokeRatePerSecond float64

	// Metrics records call, handshake, and session outcomes. Nil means
	// an unregistered instance.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Status aggregates the full client state for display and the daemon
// status endpoints.
type Status struct {
	Channel   channel.Snapshot `json:"channel"`
	Session   session.Snapshot `json:"session"`
	Identity  certs.Info       `json:"identity"`
	NodeURL   string           `json:"nodeUrl"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Middleware is the orchestrating facade over channel, session, and
// encrypted call client.
type Middleware struct {
	cfg     Config
	logger  *slog.Logger
	retry   channel.RetryConfig
	limiter *rate.Limiter
	info    certs.Info

	channel *channel.Manager
	client  *securehttp.Client
	session *session.Manager

	mu      sync.Mutex
	subs    map[int]chan Status
	nextSub int
	closed  bool
}

// New assembles the client stack. No network traffic happens until Init,
// Invoke, or an explicit Login/EnsureChannel.
func New(cfg Config) (*Middleware, error) {
	if cfg.Identity == nil {
		return nil, errors.New("middleware: identity required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("middleware: transport required")
	}
	if cfg.Store == nil {
		return nil, errors.New("middleware: store required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("middleware: base URL required")
	}
	if cfg.Retry == (channel.RetryConfig{}) {
		cfg.Retry = channel.DefaultRetryConfig()
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

	ch, err := channel.New(channel.Config{
		Identity:         cfg.Identity,
		Transport:        cfg.Transport,
		Store:            cfg.Store,
		BaseURL:          cfg.BaseURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Retry:            cfg.Retry,
		Metrics:          cfg.Metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	client, err := securehttp.New(securehttp.Config{
		Channel:   ch,
		Transport: cfg.Transport,
		BaseURL:   cfg.BaseURL,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	sess, err := session.New(session.Config{
		Channel:     ch,
		Client:      client,
		Identity:    cfg.Identity,
		Store:       cfg.Store,
		RenewAhead:  cfg.RenewAhead,
		CallTimeout: cfg.CallTimeout,
		Metrics:     cfg.Metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	mw := &Middleware{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "middleware"),
		retry:   cfg.Retry,
		info:    cfg.Identity.Info(),
		channel: ch,
		client:  client,
		session: sess,
		subs:    make(map[int]chan Status),
	}
	if cfg.InvokeRatePerSecond > 0 {
		burst := int(cfg.InvokeRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		mw.limiter = rate.NewLimiter(rate.Limit(cfg.InvokeRatePerSecond), burst)
	}

	ch.OnChange(func(channel.Snapshot) { mw.publish() })
	sess.OnChange(func(session.Snapshot) { mw.publish() })
	return mw, nil
}

// Init restores persisted channel and session state from local storage.
// It never touches the network; an expired or unusable record simply
// leaves the corresponding manager Idle. Hydration order matters: the
// session record is validated against the live channel.
func (mw *Middleware) Init(ctx context.Context) error {
	if err := mw.guard(); err != nil {
		return err
	}
	restored, err := mw.channel.Hydrate(ctx)
	if err != nil {
		return fmt.Errorf("hydrate channel: %w", err)
	}
	if restored {
		if _, err := mw.session.Hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate session: %w", err)
		}
	}
	return nil
}

// invokeOptions collects per-call options.
type invokeOptions struct {
	withoutSession bool
	timeout        time.Duration
}

// InvokeOption customizes one Invoke call.
type InvokeOption func(*invokeOptions)

// WithoutSession sends the call without a user session even when one is
// active. Channel-level operations and anonymous endpoints use this.
func WithoutSession() InvokeOption {
	return func(o *invokeOptions) { o.withoutSession = true }
}

// WithTimeout bounds the whole call including establishment, renewal,
// and retries.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Invoke performs one operation call against the node. The channel is
// established on demand, an expired session is renewed exactly once and
// the call resent, and transient transport failures are retried with
// backoff. Payload encryption is invisible to the caller: payload goes
// in as clear JSON-marshalable data, the decrypted result comes back.
func (mw *Middleware) Invoke(ctx context.Context, operation string, payload any, opts ...InvokeOption) (json.RawMessage, error) {
	if operation == "" {
		return nil, errors.New("middleware: operation required")
	}
	if err := mw.guard(); err != nil {
		return nil, err
	}

	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if mw.limiter != nil {
		if err := mw.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result, err := mw.invoke(ctx, operation, payload, !o.withoutSession)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	mw.cfg.Metrics.RecordInvoke(operation, outcome, time.Since(start).Seconds())
	return result, err
}

// invoke runs the classified retry loop around single call attempts.
func (mw *Middleware) invoke(ctx context.Context, operation string, payload any, useSession bool) (json.RawMessage, error) {
	backoff := channel.NewBackoffCalculator(mw.retry)
	renewed := false
	var lastErr error

	for attempt := 0; attempt < mw.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			mw.cfg.Metrics.RecordInvokeRetry()
			delay := backoff.Delay(attempt - 1)
			mw.logger.Debug("retrying call",
				logging.KeyOperation, operation,
				logging.KeyAttempt, attempt+1,
				logging.KeyDuration, delay,
				logging.KeyError, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := mw.attempt(ctx, operation, payload, useSession)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, crypto.ErrDecryptionFailed):
			// Tampering or key desynchronization. Resending the same
			// call over the same key cannot succeed.
			mw.cfg.Metrics.RecordDecryptFailure()
			return nil, err

		case errors.Is(err, securehttp.ErrSessionExpired):
			if !useSession || renewed {
				return nil, err
			}
			renewed = true
			if rerr := mw.session.Renew(ctx); rerr != nil {
				return nil, rerr
			}
			// The resend with the rotated token does not consume a
			// retry attempt.
			attempt--
			continue

		case isChannelFatal(err):
			// The node no longer accepts this channel; the client has
			// already invalidated it. The next attempt performs a fresh
			// handshake and, with a credentials provider, a fresh login.
			continue

		case errors.Is(err, securehttp.ErrChannelNotReady),
			errors.Is(err, session.ErrChannelRequired):
			// The channel lapsed between establishment and the call.
			continue

		case errors.Is(err, channel.ErrEstablishFailed),
			errors.Is(err, session.ErrEstablishFailed):
			// Establishment already retried internally.
			return nil, err

		case transport.IsRetryable(err):
			continue

		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs one establishment+call round. Session attachment is
// transparent: an active session rides along, a missing one is created
// through the credentials provider when configured.
func (mw *Middleware) attempt(ctx context.Context, operation string, payload any, useSession bool) (json.RawMessage, error) {
	if err := mw.channel.Establish(ctx); err != nil {
		return nil, err
	}

	var opts []securehttp.SendOption
	if useSession {
		sessionID, token, err := mw.session.Token()
		switch {
		case err == nil:
			opts = append(opts, securehttp.WithSession(sessionID, token))
		case errors.Is(err, session.ErrNotActive) || errors.Is(err, session.ErrExpired):
			if mw.cfg.Credentials == nil {
				// No way to log in; the node decides whether the
				// operation works without a session.
				break
			}
			creds, cerr := mw.cfg.Credentials(ctx)
			if cerr != nil {
				return nil, fmt.Errorf("credentials provider: %w", cerr)
			}
			if aerr := mw.session.Authenticate(ctx, creds); aerr != nil {
				return nil, aerr
			}
			sessionID, token, err = mw.session.Token()
			if err != nil {
				return nil, err
			}
			opts = append(opts, securehttp.WithSession(sessionID, token))
		default:
			return nil, err
		}
	}

	return mw.client.Send(ctx, operation, payload, opts...)
}

func isChannelFatal(err error) bool {
	var callErr *protocol.CallError
	return errors.As(err, &callErr) && callErr.ChannelFatal()
}

// EnsureChannel establishes the secure channel if it is not already
// Established. Concurrent callers share one handshake.
func (mw *Middleware) EnsureChannel(ctx context.Context) error {
	if err := mw.guard(); err != nil {
		return err
	}
	return mw.channel.Establish(ctx)
}

// Login establishes the channel and authenticates the user session.
func (mw *Middleware) Login(ctx context.Context, creds session.Credentials) error {
	if err := mw.guard(); err != nil {
		return err
	}
	if err := mw.channel.Establish(ctx); err != nil {
		return err
	}
	return mw.session.Authenticate(ctx, creds)
}

// Logout ends the session. Local state is cleared even when the node
// cannot be notified.
func (mw *Middleware) Logout(ctx context.Context) error {
	if err := mw.guard(); err != nil {
		return err
	}
	return mw.session.Logout(ctx)
}

// WhoAmI asks the node who the active session belongs to.
func (mw *Middleware) WhoAmI(ctx context.Context) (*protocol.SessionWhoAmIResult, error) {
	if err := mw.guard(); err != nil {
		return nil, err
	}
	if err := mw.channel.Establish(ctx); err != nil {
		return nil, err
	}
	return mw.session.WhoAmI(ctx)
}

// RenewSession rotates the session token immediately instead of waiting
// for the renewal timer.
func (mw *Middleware) RenewSession(ctx context.Context) error {
	if err := mw.guard(); err != nil {
		return err
	}
	if err := mw.channel.Establish(ctx); err != nil {
		return err
	}
	return mw.session.Renew(ctx)
}

// Status returns the aggregated client state.
func (mw *Middleware) Status() Status {
	return Status{
		Channel:   mw.channel.Snapshot(),
		Session:   mw.session.Snapshot(),
		Identity:  mw.info,
		NodeURL:   mw.cfg.BaseURL,
		UpdatedAt: time.Now().UTC(),
	}
}

// Subscribe returns a channel receiving a Status after every channel or
// session transition, and a cancel function. A slow consumer loses
// intermediate updates, never the subscription; the latest state is
// always retrievable via Status.
func (mw *Middleware) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Status, buffer)

	mw.mu.Lock()
	if mw.closed {
		mw.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := mw.nextSub
	mw.nextSub++
	mw.subs[id] = ch
	mw.mu.Unlock()

	cancel := func() {
		mw.mu.Lock()
		defer mw.mu.Unlock()
		if c, ok := mw.subs[id]; ok {
			delete(mw.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish fans the current status out to subscribers. Sends never block;
// a full buffer drops the update.
func (mw *Middleware) publish() {
	status := mw.Status()

	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.closed {
		return
	}
	for _, ch := range mw.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

func (mw *Middleware) guard() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.closed {
		return ErrClosed
	}
	return nil
}

// Cleanup releases every owned resource in reverse construction order:
// the session and channel managers stop their timers and destroy key
// material, then storage and transport close. Persisted state stays on
// disk for the next start. Idempotent.
func (mw *Middleware) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mw.mu.Lock()
	if mw.closed {
		mw.mu.Unlock()
		return nil
	}
	mw.closed = true
	subs := mw.subs
	mw.subs = nil
	mw.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}

	var firstErr error
	keep := func(what string, err error) {
		if err == nil {
			return
		}
		mw.logger.Warn("cleanup failure", "target", what, logging.KeyError, err)
		if firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", what, err)
		}
	}
	keep("session", mw.session.Close())
	keep("channel", mw.channel.Close())
	keep("store", mw.cfg.Store.Close())
	keep("transport", mw.cfg.Transport.Close())

	mw.logger.Debug("cleanup complete")
	return firstErr
}
