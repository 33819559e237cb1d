// Package control provides a client for the daemon HTTP API exposed by
// a running rnode-client. It speaks to the same address the daemon's
// health server listens on, over TCP or a Unix socket.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/clinsight/rnode-client/internal/middleware"
)

// Subprotocol must match the daemon's status stream subprotocol.
const Subprotocol = "rnode-status"

// HealthzResponse is the daemon's health summary.
type HealthzResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Session string `json:"session"`
}

// Client talks to the daemon API.
type Client struct {
	address    string
	baseURL    string
	transport  *http.Transport
	httpClient *http.Client
}

// NewClient creates a client for the given daemon address. Addresses
// with a "unix:" prefix dial a Unix socket, anything else TCP.
func NewClient(address string) *Client {
	var transport *http.Transport
	baseURL := "http://" + address

	if strings.HasPrefix(address, "unix:") {
		socketPath := strings.TrimPrefix(address, "unix:")
		transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		}
		// Dummy host, the dialer ignores it
		baseURL = "http://localhost"
	} else {
		transport = &http.Transport{}
	}

	return &Client{
		address:   address,
		baseURL:   baseURL,
		transport: transport,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Healthz retrieves the daemon's health summary.
func (c *Client) Healthz(ctx context.Context) (*HealthzResponse, error) {
	resp, err := c.get(ctx, "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &health, nil
}

// Status retrieves the full client state.
func (c *Client) Status(ctx context.Context) (*middleware.Status, error) {
	resp, err := c.get(ctx, "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status middleware.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &status, nil
}

// Watch streams state updates from the daemon, invoking fn for each
// one. The first call carries the state at connect time. Watch blocks
// until ctx is done, the daemon closes the stream (returns nil), or the
// connection fails.
func (c *Client) Watch(ctx context.Context, fn func(middleware.Status)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/status/ws"

	// The watch connection is long-lived, so no client timeout; the
	// caller bounds it through ctx.
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: c.transport},
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("dial status stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read status stream: %w", err)
		}

		var status middleware.Status
		if err := json.Unmarshal(data, &status); err != nil {
			return fmt.Errorf("decode status update: %w", err)
		}

		fn(status)
	}
}

// get performs a GET request against the daemon.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp, nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
