// Package nodetest runs an in-memory Research Node for tests and local
// development. It implements the node side of the channel and session
// protocol with real cryptography, so the client stack can be exercised
// end to end without a deployed node. Fault injection knobs reproduce the
// failure modes a real node exhibits.
package nodetest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clinsight/rnode-client/internal/certs"
	"github.com/clinsight/rnode-client/internal/crypto"
	"github.com/clinsight/rnode-client/internal/logging"
	"github.com/clinsight/rnode-client/internal/protocol"
)

const (
	challengeTTL    = 2 * time.Minute
	maxRequestBytes = 4 << 20
)

// Config controls node behavior.
type Config struct {
	// RequireChallenge makes identify answer with a signing challenge.
	// This is the normal node behavior; disabling it establishes the
	// channel directly from the identify exchange.
	RequireChallenge bool

	// ChannelTTL is the lifetime granted to established channels.
	ChannelTTL time.Duration

	// SessionTTL is the lifetime granted to sessions (and renewals).
	SessionTTL time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the standard node behavior.
func DefaultConfig() Config {
	return Config{
		RequireChallenge: true,
		ChannelTTL:       time.Hour,
		SessionTTL:       30 * time.Minute,
	}
}

// User is a login account known to the node.
type User struct {
	Password    string
	DisplayName string
	Roles       []string
}

// SessionInfo describes the session a call runs under. It is nil for
// calls without a session token.
type SessionInfo struct {
	SessionID   string
	Username    string
	DisplayName string
	Roles       []string
	ExpiresAt   time.Time
}

// OperationHandler serves one invoke operation.
type OperationHandler func(sess *SessionInfo, body json.RawMessage) (any, *protocol.CallError)

// RequireSession wraps a handler so calls without a session fail.
func RequireSession(fn OperationHandler) OperationHandler {
	return func(sess *SessionInfo, body json.RawMessage) (any, *protocol.CallError) {
		if sess == nil {
			return nil, &protocol.CallError{Code: protocol.CodeSessionInvalid, Message: "session required"}
		}
		return fn(sess, body)
	}
}

type nodeChannel struct {
	id         string
	thumbprint string
	clientPub  [crypto.KeySize]byte
	kx         *crypto.KeyExchange // held until the challenge completes
	nonce      []byte              // pending challenge nonce
	key        *crypto.ChannelKey
	verified   bool
	expiresAt  time.Time
}

type nodeSession struct {
	id        string
	token     string
	username  string
	channelID string
	expiresAt time.Time
}

// Node is an in-memory Research Node.
type Node struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	allowed  map[string]ed25519.PublicKey // thumbprint -> cert signing key
	users    map[string]User
	channels map[string]*nodeChannel
	sessions map[string]*nodeSession // keyed by token
	handlers map[string]OperationHandler

	faults   faultState
	counters counters
}

// New creates a node with default behavior and the built-in operations
// registered.
func New() *Node {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a node with explicit behavior.
func NewWithConfig(cfg Config) *Node {
	if cfg.ChannelTTL <= 0 {
		cfg.ChannelTTL = time.Hour
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		allowed:  make(map[string]ed25519.PublicKey),
		users:    make(map[string]User),
		channels: make(map[string]*nodeChannel),
		sessions: make(map[string]*nodeSession),
		handlers: make(map[string]OperationHandler),
	}
	n.registerBuiltins()
	return n
}

// AllowCertificate registers a client certificate so its holder can
// establish channels. The certificate must carry an Ed25519 public key.
func (n *Node) AllowCertificate(cert *x509.Certificate) error {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("certificate public key is %T, want ed25519", cert.PublicKey)
	}
	thumb := certs.ThumbprintFor(cert)

	n.mu.Lock()
	n.allowed[thumb] = pub
	n.mu.Unlock()
	return nil
}

// AllowIdentity registers a client identity.
func (n *Node) AllowIdentity(id *certs.Identity) error {
	return n.AllowCertificate(id.Certificate)
}

// AddUser registers a login account.
func (n *Node) AddUser(username string, u User) {
	n.mu.Lock()
	n.users[username] = u
	n.mu.Unlock()
}

// Handle registers (or replaces) an operation handler.
func (n *Node) Handle(operation string, fn OperationHandler) {
	n.mu.Lock()
	n.handlers[operation] = fn
	n.mu.Unlock()
}

// Handler returns the node's HTTP handler, mountable on httptest or a
// local listener.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.IdentifyPath, n.handleIdentify)
	mux.HandleFunc(protocol.ChallengePath, n.handleChallenge)
	mux.HandleFunc(protocol.InvokePath(""), n.handleInvoke)
	return mux
}

// ChannelCount returns the number of live (verified) channels.
func (n *Node) ChannelCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ch := range n.channels {
		if ch.verified {
			count++
		}
	}
	return count
}

// SessionCount returns the number of live sessions.
func (n *Node) SessionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// SessionTokens returns the bearer tokens of live sessions. Tests scan
// persisted client state for them to prove tokens are never stored in
// the clear.
func (n *Node) SessionTokens() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	tokens := make([]string, 0, len(n.sessions))
	for token := range n.sessions {
		tokens = append(tokens, token)
	}
	return tokens
}

// ChannelKeyBytes returns copies of the raw keys of live channels, for
// the same persisted-state scans as SessionTokens.
func (n *Node) ChannelKeyBytes() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([][]byte, 0, len(n.channels))
	for _, ch := range n.channels {
		if ch.key != nil {
			keys = append(keys, ch.key.Bytes())
		}
	}
	return keys
}

func (n *Node) handleIdentify(w http.ResponseWriter, r *http.Request) {
	if n.injectTransportFault(w, r) {
		return
	}
	n.counters.add("identify")

	var payload protocol.NodeIdentifyPayload
	if !n.readPayload(w, r, &payload) {
		return
	}
	if len(payload.PublicKey) != crypto.KeySize {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "bad public key length")
		return
	}
	if len(payload.Nonce) != crypto.NonceSize {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "bad nonce length")
		return
	}

	n.mu.Lock()
	_, known := n.allowed[payload.Thumbprint]
	n.mu.Unlock()
	if !known {
		n.logger.Info("identify rejected", "thumbprint", payload.Thumbprint)
		n.writeError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "unknown certificate thumbprint")
		return
	}

	kx, err := crypto.NewKeyExchange()
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "key generation failed")
		return
	}
	serverPub := kx.PublicKey()

	channelID, err := randomID("ch-", 8)
	if err != nil {
		kx.Close()
		n.writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "id generation failed")
		return
	}

	ch := &nodeChannel{
		id:         channelID,
		thumbprint: payload.Thumbprint,
	}
	copy(ch.clientPub[:], payload.PublicKey)

	result := &protocol.NodeIdentifyResult{
		ChannelID:         channelID,
		ServerPublicKey:   serverPub[:],
		ChallengeRequired: n.cfg.RequireChallenge,
	}

	if n.cfg.RequireChallenge {
		nonce, err := crypto.NewNonce()
		if err != nil {
			kx.Close()
			n.writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "nonce generation failed")
			return
		}
		ch.kx = kx
		ch.nonce = nonce
		result.Challenge = &protocol.ChallengeRequestPayload{
			ChannelID: channelID,
			Nonce:     nonce,
			ExpiresAt: time.Now().Add(challengeTTL),
		}
	} else {
		// Without a challenge both sides mix the client nonce into the
		// derivation instead of a server one.
		key, err := kx.DeriveChannelKeyResponder(ch.clientPub, payload.Nonce, channelID)
		kx.Close()
		if err != nil {
			n.writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "key derivation failed")
			return
		}
		ch.key = key
		ch.verified = true
		ch.expiresAt = time.Now().Add(n.cfg.ChannelTTL)
		result.ExpiresAt = ch.expiresAt
	}

	n.mu.Lock()
	n.channels[channelID] = ch
	n.mu.Unlock()

	n.logger.Debug("channel identified",
		logging.KeyChannelID, channelID,
		"challenge", n.cfg.RequireChallenge)
	n.writeResult(w, result)
}

func (n *Node) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if n.injectTransportFault(w, r) {
		return
	}
	n.counters.add("challenge")

	var payload protocol.ChallengeResponsePayload
	if !n.readPayload(w, r, &payload) {
		return
	}

	n.mu.Lock()
	ch := n.channels[payload.ChannelID]
	n.mu.Unlock()
	if ch == nil {
		n.writeError(w, http.StatusBadRequest, protocol.CodeChannelInvalid, "unknown channel")
		return
	}
	if ch.verified || ch.kx == nil {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "challenge already completed")
		return
	}
	if !bytes.Equal(payload.Nonce, ch.nonce) {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "nonce mismatch")
		return
	}

	n.mu.Lock()
	pub := n.allowed[ch.thumbprint]
	n.mu.Unlock()

	if !crypto.Verify(pub, ch.nonce, payload.Signature) {
		n.logger.Info("challenge signature rejected", logging.KeyChannelID, ch.id)
		n.writeResult(w, &protocol.ChallengeResponseResult{Verified: false})
		return
	}

	key, err := ch.kx.DeriveChannelKeyResponder(ch.clientPub, ch.nonce, ch.id)
	ch.kx.Close()
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "key derivation failed")
		return
	}

	n.mu.Lock()
	ch.kx = nil
	ch.key = key
	ch.verified = true
	ch.expiresAt = time.Now().Add(n.cfg.ChannelTTL)
	expiresAt := ch.expiresAt
	n.mu.Unlock()

	n.logger.Debug("channel established", logging.KeyChannelID, ch.id)
	n.writeResult(w, &protocol.ChallengeResponseResult{Verified: true, ExpiresAt: expiresAt})
}

func (n *Node) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if n.injectTransportFault(w, r) {
		return
	}

	operation := strings.TrimPrefix(r.URL.Path, protocol.InvokePath(""))
	if operation == "" {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "missing operation")
		return
	}
	n.counters.add("invoke")
	n.counters.add("op:" + operation)

	var envelope protocol.EncryptedEnvelope
	if !n.readPayload(w, r, &envelope) {
		return
	}
	if err := envelope.Validate(); err != nil {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return
	}

	now := time.Now()
	n.mu.Lock()
	ch := n.channels[envelope.ChannelID]
	if ch != nil && (!ch.verified || now.After(ch.expiresAt)) {
		if ch.verified {
			// Expired channels are forgotten entirely.
			delete(n.channels, envelope.ChannelID)
			ch.key.Zero()
			n.mu.Unlock()
			n.writeError(w, http.StatusBadRequest, protocol.CodeChannelExpired, "channel expired")
			return
		}
		ch = nil
	}
	n.mu.Unlock()
	if ch == nil {
		n.writeError(w, http.StatusBadRequest, protocol.CodeChannelInvalid, "unknown channel")
		return
	}

	plaintext, err := ch.key.Open(envelope.IV, envelope.Ciphertext, envelope.Tag)
	if err != nil {
		n.writeError(w, http.StatusBadRequest, protocol.CodeChannelInvalid, "cannot decrypt request")
		return
	}

	var req protocol.CallRequest
	if err := protocol.Decode(plaintext, &req); err != nil {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "malformed call request")
		return
	}
	if req.Operation != operation {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "operation mismatch")
		return
	}

	result := n.dispatch(ch, &req)
	n.writeEncrypted(w, ch, result)
}

// dispatch resolves the session, applies injected call failures, and runs
// the operation handler.
func (n *Node) dispatch(ch *nodeChannel, req *protocol.CallRequest) *protocol.CallResult {
	if code, ok := n.faults.takeCallFailure(); ok {
		return callFailure(code, "injected failure")
	}

	sess, callErr := n.resolveSession(ch, req.SessionToken)
	if callErr != nil {
		return &protocol.CallResult{Error: callErr}
	}

	if strings.HasPrefix(req.Operation, "session/") {
		return n.dispatchSession(ch, req, sess)
	}

	n.mu.Lock()
	fn := n.handlers[req.Operation]
	n.mu.Unlock()
	if fn == nil {
		return callFailure(protocol.CodeBadRequest, fmt.Sprintf("unknown operation %q", req.Operation))
	}

	value, opErr := fn(sess, req.Body)
	if opErr != nil {
		return &protocol.CallResult{Error: opErr}
	}
	return callOK(value)
}

// resolveSession validates a presented token. Absent tokens resolve to
// (nil, nil); present but unknown, expired, or foreign-channel tokens
// fail the call.
func (n *Node) resolveSession(ch *nodeChannel, token string) (*SessionInfo, *protocol.CallError) {
	if token == "" {
		return nil, nil
	}

	n.mu.Lock()
	sess := n.sessions[token]
	n.mu.Unlock()
	if sess == nil {
		return nil, &protocol.CallError{Code: protocol.CodeSessionInvalid, Message: "unknown session token"}
	}
	if sess.channelID != ch.id {
		return nil, &protocol.CallError{Code: protocol.CodeSessionInvalid, Message: "session bound to another channel"}
	}
	if time.Now().After(sess.expiresAt) {
		return nil, &protocol.CallError{Code: protocol.CodeSessionExpired, Message: "session expired"}
	}

	n.mu.Lock()
	u := n.users[sess.username]
	n.mu.Unlock()
	return &SessionInfo{
		SessionID:   sess.id,
		Username:    sess.username,
		DisplayName: u.DisplayName,
		Roles:       u.Roles,
		ExpiresAt:   sess.expiresAt,
	}, nil
}

func marshalResult(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	if p, ok := value.(protocol.Payload); ok {
		return protocol.Encode(p)
	}
	return json.Marshal(value)
}

// readPayload decodes a kind-tagged request body, writing a bad_request
// reject on failure.
func (n *Node) readPayload(w http.ResponseWriter, r *http.Request, p protocol.Payload) bool {
	if r.Method != http.MethodPost {
		n.writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "POST required")
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "unreadable body")
		return false
	}
	if err := protocol.Decode(body, p); err != nil {
		n.writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return false
	}
	return true
}

func (n *Node) writeResult(w http.ResponseWriter, p protocol.Payload) {
	data, err := protocol.Encode(p)
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "response encoding failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// writeEncrypted seals a call result under the channel key, applying the
// tamper fault when armed.
func (n *Node) writeEncrypted(w http.ResponseWriter, ch *nodeChannel, result *protocol.CallResult) {
	plaintext, err := protocol.Encode(result)
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "result encoding failed")
		return
	}
	iv, ciphertext, tag, err := ch.key.Seal(plaintext)
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "encryption failed")
		return
	}

	if n.faults.takeTamper() && len(ciphertext) > 0 {
		ciphertext[0] ^= 0x01
	}

	n.writeResult(w, &protocol.EncryptedEnvelope{
		ChannelID:  ch.id,
		IV:         iv,
		Ciphertext: ciphertext,
		Tag:        tag,
	})
}

func (n *Node) writeError(w http.ResponseWriter, status int, code protocol.ErrorCode, message string) {
	body, _ := json.Marshal(&protocol.ErrorReply{Error: &protocol.CallError{Code: code, Message: message}})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func randomID(prefix string, size int) (string, error) {
	b := make([]byte, size)
	if err := crypto.RandomBytes(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
