// Package protocol defines the wire messages exchanged with a Research Node.
// Bodies are JSON; binary fields (keys, nonces, signatures, IVs, ciphertexts,
// tags) travel as standard base64 via encoding/json's []byte handling; times
// are RFC 3339 UTC. Every message carries a kind tag so a handler for one
// protocol step refuses another step's payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// API paths under the node base URL.
const (
	APIPrefix     = "/api/v1"
	IdentifyPath  = APIPrefix + "/channel/identify"
	ChallengePath = APIPrefix + "/channel/challenge"
	invokePrefix  = APIPrefix + "/invoke/"
)

// Headers attached to encrypted calls.
const (
	HeaderChannel = "X-RNode-Channel"
	HeaderSession = "X-RNode-Session"
)

// InvokePath returns the path for an operation, e.g. "profile/get".
func InvokePath(operation string) string {
	return invokePrefix + operation
}

// Session operations every node serves.
const (
	OpAuthenticate = "session/authenticate"
	OpWhoAmI       = "session/whoami"
	OpRenew        = "session/renew"
	OpLogout       = "session/logout"
)

// ErrKindMismatch is returned when a payload's kind tag does not match the
// message type it is being decoded into.
var ErrKindMismatch = errors.New("protocol message kind mismatch")

// Kind tags a protocol message variant.
type Kind string

const (
	KindNodeIdentify        Kind = "node_identify"
	KindNodeIdentifyResult  Kind = "node_identify_result"
	KindChallengeRequest    Kind = "challenge_request"
	KindChallengeResponse   Kind = "challenge_response"
	KindChallengeResult     Kind = "challenge_result"
	KindAuthenticate        Kind = "session_authenticate"
	KindAuthenticateResult  Kind = "session_authenticate_result"
	KindSessionWhoAmIResult Kind = "session_whoami_result"
	KindSessionRenewResult  Kind = "session_renew_result"
	KindEncryptedEnvelope   Kind = "encrypted_envelope"
	KindCallRequest         Kind = "call_request"
	KindCallResult          Kind = "call_result"
)

// Payload is implemented by every protocol message.
type Payload interface {
	ProtocolKind() Kind
}

// Encode marshals a payload with its kind tag injected.
func Encode(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.ProtocolKind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.ProtocolKind(), err)
	}
	kind, _ := json.Marshal(p.ProtocolKind())
	fields["kind"] = kind

	return json.Marshal(fields)
}

// Decode unmarshals data into p after verifying the embedded kind tag.
func Decode(data []byte, p Payload) error {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("decode %s: %w", p.ProtocolKind(), err)
	}
	if probe.Kind != p.ProtocolKind() {
		return fmt.Errorf("%w: got %q, want %q", ErrKindMismatch, probe.Kind, p.ProtocolKind())
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("decode %s: %w", p.ProtocolKind(), err)
	}
	return nil
}

// NodeIdentifyPayload opens channel establishment. It names the client by
// its certificate identity and carries a fresh ephemeral public key.
type NodeIdentifyPayload struct {
	SubjectName  string    `json:"subjectName"`  // Certificate CN
	Thumbprint   string    `json:"thumbprint"`   // Hex SHA-256 of cert DER
	SerialNumber string    `json:"serialNumber"` // Decimal serial
	PublicKey    []byte    `json:"publicKey"`    // X25519 ephemeral public key
	Nonce        []byte    `json:"nonce"`        // Client nonce, 32 bytes
	Timestamp    time.Time `json:"timestamp"`
}

func (*NodeIdentifyPayload) ProtocolKind() Kind { return KindNodeIdentify }

// NodeIdentifyResult is the node's answer to an identify payload. When
// ChallengeRequired is set the embedded challenge must be answered before
// the channel exists; otherwise ExpiresAt is already authoritative.
type NodeIdentifyResult struct {
	ChannelID         string                   `json:"channelId"`
	ServerPublicKey   []byte                   `json:"serverPublicKey"` // X25519 ephemeral public key
	ChallengeRequired bool                     `json:"challengeRequired"`
	Challenge         *ChallengeRequestPayload `json:"challenge,omitempty"`
	ExpiresAt         time.Time                `json:"expiresAt,omitempty"`
}

func (*NodeIdentifyResult) ProtocolKind() Kind { return KindNodeIdentifyResult }

// ChallengeRequestPayload is the node-issued liveness challenge.
type ChallengeRequestPayload struct {
	ChannelID string    `json:"channelId"`
	Nonce     []byte    `json:"nonce"` // Server nonce to sign, 32 bytes
	ExpiresAt time.Time `json:"expiresAt"`
}

func (*ChallengeRequestPayload) ProtocolKind() Kind { return KindChallengeRequest }

// ChallengeResponsePayload answers a challenge with an Ed25519 signature
// over the raw server nonce, made with the certificate's private key.
type ChallengeResponsePayload struct {
	ChannelID string `json:"channelId"`
	Nonce     []byte `json:"nonce"` // Echo of the server nonce
	Signature []byte `json:"signature"`
}

func (*ChallengeResponsePayload) ProtocolKind() Kind { return KindChallengeResponse }

// ChallengeResponseResult reports signature verification. Verified=false is
// terminal for the handshake attempt.
type ChallengeResponseResult struct {
	Verified  bool      `json:"verified"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (*ChallengeResponseResult) ProtocolKind() Kind { return KindChallengeResult }

// AuthenticationPayload carries the user login inside an encrypted call.
type AuthenticationPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (*AuthenticationPayload) ProtocolKind() Kind { return KindAuthenticate }

// AuthenticationResult is the successful login response.
type AuthenticationResult struct {
	SessionID   string    `json:"sessionId"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	DisplayName string    `json:"displayName,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
}

func (*AuthenticationResult) ProtocolKind() Kind { return KindAuthenticateResult }

// SessionWhoAmIResult answers a session identity query.
type SessionWhoAmIResult struct {
	SessionID   string    `json:"sessionId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (*SessionWhoAmIResult) ProtocolKind() Kind { return KindSessionWhoAmIResult }

// SessionRenewResult carries the rotated token after a renewal.
type SessionRenewResult struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (*SessionRenewResult) ProtocolKind() Kind { return KindSessionRenewResult }

// EncryptedEnvelope is the outer body of every encrypted call in both
// directions. IV, ciphertext, and tag are carried separately; decryption
// rejoins them and fails atomically on any modification.
type EncryptedEnvelope struct {
	ChannelID  string `json:"channelId"`
	SessionID  string `json:"sessionId,omitempty"`
	IV         []byte `json:"iv"`         // 12 bytes
	Ciphertext []byte `json:"ciphertext"` // May be empty for empty plaintext
	Tag        []byte `json:"tag"`        // 16 bytes
}

func (*EncryptedEnvelope) ProtocolKind() Kind { return KindEncryptedEnvelope }

// Validate checks structural envelope requirements before decryption.
func (e *EncryptedEnvelope) Validate() error {
	if e.ChannelID == "" {
		return errors.New("envelope missing channelId")
	}
	if len(e.IV) != 12 {
		return fmt.Errorf("envelope iv length %d, want 12", len(e.IV))
	}
	if len(e.Tag) != 16 {
		return fmt.Errorf("envelope tag length %d, want 16", len(e.Tag))
	}
	return nil
}

// CallRequest is the plaintext inside an encrypted invoke. SessionToken is
// present when the operation runs under a user session.
type CallRequest struct {
	Operation    string          `json:"operation"`
	Body         json.RawMessage `json:"body,omitempty"`
	SessionToken string          `json:"sessionToken,omitempty"`
}

func (*CallRequest) ProtocolKind() Kind { return KindCallRequest }

// CallResult is the plaintext inside an encrypted response.
type CallResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CallError      `json:"error,omitempty"`
}

func (*CallResult) ProtocolKind() Kind { return KindCallResult }

// ErrorCode classifies node-side failures.
type ErrorCode string

const (
	CodeSessionExpired ErrorCode = "session_expired"
	CodeSessionInvalid ErrorCode = "session_invalid"
	CodeChannelInvalid ErrorCode = "channel_invalid"
	CodeChannelExpired ErrorCode = "channel_expired"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeBadRequest     ErrorCode = "bad_request"
	CodeInternal       ErrorCode = "internal"
)

// CallError is a node-reported failure, either inside a CallResult or as an
// unencrypted reject body for channel-level errors.
type CallError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ChannelFatal reports whether the code invalidates the whole channel (and
// with it any nested session).
func (e *CallError) ChannelFatal() bool {
	return e.Code == CodeChannelInvalid || e.Code == CodeChannelExpired
}

// ErrorReply is the unencrypted reject body for channel-level errors.
type ErrorReply struct {
	Error *CallError `json:"error"`
}
