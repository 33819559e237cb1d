package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// QUIC tuning for the h3 client.
const (
	h3MaxIdleTimeout  = 60 * time.Second
	h3KeepAlivePeriod = 30 * time.Second
)

// H3Client is the HTTP/3 transport over QUIC.
type H3Client struct {
	rt       *http3.RoundTripper
	client   *http.Client
	maxBytes int64
}

// NewH3Client builds an H3Client from the config.
func NewH3Client(cfg Config) (*H3Client, error) {
	tlsCfg, err := ClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	rt := &http3.RoundTripper{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			MaxIdleTimeout:       h3MaxIdleTimeout,
			KeepAlivePeriod:      h3KeepAlivePeriod,
			HandshakeIdleTimeout: dialTimeout,
		},
	}

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	return &H3Client{
		rt:       rt,
		client:   &http.Client{Transport: rt},
		maxBytes: maxBytes,
	}, nil
}

// Send dispatches the request and reads the full response body.
func (c *H3Client) Send(ctx context.Context, req *Request) (*Response, error) {
	return doSend(ctx, c.client, c.maxBytes, req)
}

// Close closes all QUIC connections.
func (c *H3Client) Close() error {
	return c.rt.Close()
}
