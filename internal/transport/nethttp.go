package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/http2"
)

// NetClient is the default transport: net/http with HTTP/2 negotiated over
// ALPN, falling back to HTTP/1.1.
type NetClient struct {
	client   *http.Client
	maxBytes int64
}

// NewNetClient builds a NetClient from the config.
func NewNetClient(cfg Config) (*NetClient, error) {
	tlsCfg, err := ClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		IdleConnTimeout:     idleConnTimeout,
		MaxIdleConns:        10,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
	}

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	return &NetClient{
		client:   &http.Client{Transport: t},
		maxBytes: maxBytes,
	}, nil
}

// Send dispatches the request and reads the full response body.
func (c *NetClient) Send(ctx context.Context, req *Request) (*Response, error) {
	return doSend(ctx, c.client, c.maxBytes, req)
}

// Close releases idle connections.
func (c *NetClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
