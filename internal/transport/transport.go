// Package transport provides the raw HTTP request/response transport the
// protocol layer runs over: a small Client interface with an HTTP/1.1+HTTP/2
// implementation and an HTTP/3 implementation, TLS certificate pinning, and
// classification of transient failures for the retry policy.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// TransportType selects the wire transport.
type TransportType string

const (
	// TransportH2 uses net/http with HTTP/2 ALPN upgrade (default).
	TransportH2 TransportType = "h2"
	// TransportH3 uses HTTP/3 over QUIC.
	TransportH3 TransportType = "h3"
)

// ErrTimeout is returned when a request exceeds its deadline. Timeouts are
// transient and retryable.
var ErrTimeout = errors.New("transport: request timed out")

// ErrUnavailable marks a response whose status signals a transient
// server-side condition (503 and friends). Wrapping it makes the failure
// retryable without the caller inspecting status codes.
var ErrUnavailable = errors.New("transport: service unavailable")

// Request is a raw outbound HTTP request.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Response is a raw HTTP response. Any status code is returned as data, not
// as an error; callers interpret it.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Client is the transport contract consumed by the protocol layer.
type Client interface {
	// Send dispatches the request and reads the full response body. The
	// context carries the only deadline; there is no hidden client timeout.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Close releases idle connections.
	Close() error
}

// Config configures transport construction.
type Config struct {
	// Type selects h2 (net/http) or h3 (QUIC).
	Type TransportType

	// TLS configures server verification.
	TLS TLSOptions

	// MaxResponseBytes caps response body size. Zero means the default.
	MaxResponseBytes int64
}

// DefaultMaxResponseBytes caps response bodies at 16 MiB.
const DefaultMaxResponseBytes = 16 * 1024 * 1024

// New builds a Client for the configured transport type.
func New(cfg Config) (Client, error) {
	switch cfg.Type {
	case TransportH2, "":
		return NewNetClient(cfg)
	case TransportH3:
		return NewH3Client(cfg)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

// IsRetryable reports whether err is a transient transport failure worth
// retrying under the bounded backoff policy. Context cancellation is not
// retryable: the caller asked to stop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status indicates a transient
// server-side condition.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// doSend runs a request through an http.Client and reads the bounded body.
// Shared by the h2 and h3 clients.
func doSend(ctx context.Context, client *http.Client, maxBytes int64, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, wrapSendErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, wrapSendErr(err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxBytes)
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    body,
	}, nil
}

// wrapSendErr maps deadline errors onto ErrTimeout so callers can classify
// them without knowing transport internals.
func wrapSendErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Connection setup timeouts, independent of request deadlines.
const (
	dialTimeout         = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
)
