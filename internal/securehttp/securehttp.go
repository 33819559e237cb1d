// Package securehttp performs encrypted calls against a Research Node. Every
// request body is sealed under the current channel key into an encrypted
// envelope, and every response is opened with the same key; callers above
// this layer never see ciphertext, callers below it never see plaintext.
package securehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clinsight/rnode-client/internal/channel"
	"github.com/clinsight/rnode-client/internal/logging"
	"github.com/clinsight/rnode-client/internal/protocol"
	"github.com/clinsight/rnode-client/internal/transport"
)

var (
	// ErrSessionExpired is returned when the node reports the presented
	// session token as expired. The orchestrator reacts with exactly one
	// renew+retry.
	ErrSessionExpired = errors.New("session expired")

	// ErrChannelNotReady is returned when a call is attempted without an
	// established channel. It aliases the channel package's sentinel so
	// either can be matched.
	ErrChannelNotReady = channel.ErrNotEstablished

	// ErrNodeRejected wraps call failures reported by the node that have
	// no more specific classification.
	ErrNodeRejected = errors.New("node rejected the call")
)

// Config wires a Client.
type Config struct {
	// Channel supplies the key material and is notified of node-side
	// channel invalidation.
	Channel *channel.Manager

	// Transport performs the HTTP exchanges.
	Transport transport.Client

	// BaseURL is the node root, e.g. "https://node.example.org".
	BaseURL string

	Logger *slog.Logger
}

// Client sends encrypted calls over an established channel.
type Client struct {
	channel   *channel.Manager
	transport transport.Client
	baseURL   string
	logger    *slog.Logger
}

// New creates an encrypted call client.
func New(cfg Config) (*Client, error) {
	if cfg.Channel == nil {
		return nil, errors.New("securehttp: channel manager required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("securehttp: transport required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("securehttp: base URL required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Client{
		channel:   cfg.Channel,
		transport: cfg.Transport,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		logger:    logger.With(logging.KeyComponent, "securehttp"),
	}, nil
}

// sendOptions collects per-call options.
type sendOptions struct {
	sessionID    string
	sessionToken string
}

// SendOption customizes one Send call.
type SendOption func(*sendOptions)

// WithSession attaches the user session to the call: the session ID rides
// on the envelope and the token inside the encrypted request.
func WithSession(sessionID, token string) SendOption {
	return func(o *sendOptions) {
		o.sessionID = sessionID
		o.sessionToken = token
	}
}

// Send performs one encrypted operation call and returns the decrypted
// result payload. The channel must be established; a decryption failure is
// terminal for the call and must not be retried, since it means tampering
// or key desynchronization.
func (c *Client) Send(ctx context.Context, operation string, body any, opts ...SendOption) (json.RawMessage, error) {
	if operation == "" {
		return nil, errors.New("securehttp: operation required")
	}
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	key, err := c.channel.Key()
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	channelID := c.channel.Snapshot().ChannelID

	rawBody, err := marshalBody(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", operation, err)
	}
	plaintext, err := protocol.Encode(&protocol.CallRequest{
		Operation:    operation,
		Body:         rawBody,
		SessionToken: o.sessionToken,
	})
	if err != nil {
		return nil, err
	}

	iv, ciphertext, tag, err := key.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	envelope, err := protocol.Encode(&protocol.EncryptedEnvelope{
		ChannelID:  channelID,
		SessionID:  o.sessionID,
		IV:         iv,
		Ciphertext: ciphertext,
		Tag:        tag,
	})
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(protocol.HeaderChannel, channelID)
	if o.sessionID != "" {
		headers.Set(protocol.HeaderSession, o.sessionID)
	}

	resp, err := c.transport.Send(ctx, &transport.Request{
		Method:  http.MethodPost,
		URL:     c.baseURL + protocol.InvokePath(operation),
		Headers: headers,
		Body:    envelope,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	if resp.Status != http.StatusOK {
		return nil, c.rejectError(operation, resp)
	}

	var reply protocol.EncryptedEnvelope
	if err := protocol.Decode(resp.Body, &reply); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	if err := reply.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}

	replyPlain, err := key.Open(reply.IV, reply.Ciphertext, reply.Tag)
	if err != nil {
		c.logger.Warn("response failed authentication",
			logging.KeyOperation, operation,
			logging.KeyChannelID, channelID)
		return nil, fmt.Errorf("%s: %w", operation, err)
	}

	var result protocol.CallResult
	if err := protocol.Decode(replyPlain, &result); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	if !result.OK {
		return nil, c.callError(operation, result.Error)
	}
	return result.Result, nil
}

// rejectError maps an unencrypted node reject onto the error taxonomy.
// Channel-level rejects invalidate the local channel state; transient
// statuses are marked retryable regardless of the body.
func (c *Client) rejectError(operation string, resp *transport.Response) error {
	nodeErr := fmt.Errorf("node status %d", resp.Status)
	var reply protocol.ErrorReply
	if err := json.Unmarshal(resp.Body, &reply); err == nil && reply.Error != nil {
		if reply.Error.ChannelFatal() {
			c.channel.Invalidate(string(reply.Error.Code))
			return fmt.Errorf("%s: node status %d: %w", operation, resp.Status, reply.Error)
		}
		nodeErr = fmt.Errorf("node status %d: %w", resp.Status, reply.Error)
	}
	if transport.IsRetryableStatus(resp.Status) {
		return fmt.Errorf("%s: %w: %w", operation, transport.ErrUnavailable, nodeErr)
	}
	return fmt.Errorf("%s: %w", operation, nodeErr)
}

// callError maps a failure inside a decrypted call result onto the error
// taxonomy.
func (c *Client) callError(operation string, callErr *protocol.CallError) error {
	if callErr == nil {
		return fmt.Errorf("%s: %w", operation, ErrNodeRejected)
	}
	if callErr.ChannelFatal() {
		c.channel.Invalidate(string(callErr.Code))
		return fmt.Errorf("%s: %w", operation, callErr)
	}
	if callErr.Code == protocol.CodeSessionExpired {
		return fmt.Errorf("%s: %w: %w", operation, ErrSessionExpired, callErr)
	}
	return fmt.Errorf("%s: %w", operation, callErr)
}

// marshalBody turns a call body into raw JSON. Kind-tagged protocol
// payloads keep their tag; nil stays absent.
func marshalBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case protocol.Payload:
		return protocol.Encode(b)
	default:
		return json.Marshal(body)
	}
}
