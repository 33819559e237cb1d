package health

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/clinsight/rnode-client/internal/channel"
	"github.com/clinsight/rnode-client/internal/middleware"
	"github.com/clinsight/rnode-client/internal/session"
)

// mockProvider implements StatusProvider for testing.
type mockProvider struct {
	mu     sync.Mutex
	status middleware.Status
	subs   []chan middleware.Status
}

func (m *mockProvider) Status() middleware.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockProvider) Subscribe(buffer int) (<-chan middleware.Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan middleware.Status, buffer)
	m.subs = append(m.subs, ch)
	return ch, func() {}
}

// set updates the status and pushes it to all subscribers.
func (m *mockProvider) set(st middleware.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = st
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func establishedStatus() middleware.Status {
	return middleware.Status{
		Channel: channel.Snapshot{
			Status:    channel.StatusEstablished,
			ChannelID: "ch_01HTEST",
		},
		Session: session.Snapshot{
			Status:    session.StatusActive,
			SessionID: "sess_01HTEST",
			Username:  "alice",
		},
		NodeURL:   "https://node.example.org",
		UpdatedAt: time.Now(),
	}
}

func TestNewServer(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockProvider{}

	s := NewServer(cfg, provider)
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	body := rec.Body.String()
	if body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_handleHealth_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockProvider{})

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_handleHealthz(t *testing.T) {
	provider := &mockProvider{}
	provider.set(establishedStatus())
	s := NewServer(DefaultServerConfig(), provider)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", response["status"])
	}
	if response["channel"] != "established" {
		t.Errorf("expected channel 'established', got %v", response["channel"])
	}
	if response["session"] != "active" {
		t.Errorf("expected session 'active', got %v", response["session"])
	}
}

func TestServer_handleHealthz_NilProvider(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "unavailable" {
		t.Errorf("expected status 'unavailable', got %v", response["status"])
	}
}

func TestServer_handleReady_Ready(t *testing.T) {
	provider := &mockProvider{}
	provider.set(establishedStatus())
	s := NewServer(DefaultServerConfig(), provider)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	body := rec.Body.String()
	if body != "READY\n" {
		t.Errorf("expected body 'READY\\n', got %q", body)
	}
}

func TestServer_handleReady_NotReady(t *testing.T) {
	// Zero status, channel idle
	s := NewServer(DefaultServerConfig(), &mockProvider{})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	body := rec.Body.String()
	if body != "NOT READY\n" {
		t.Errorf("expected body 'NOT READY\\n', got %q", body)
	}
}

func TestServer_handleStatus(t *testing.T) {
	provider := &mockProvider{}
	provider.set(establishedStatus())
	s := NewServer(DefaultServerConfig(), provider)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var st middleware.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if st.Channel.ChannelID != "ch_01HTEST" {
		t.Errorf("expected channel ID ch_01HTEST, got %q", st.Channel.ChannelID)
	}
	if st.Session.Username != "alice" {
		t.Errorf("expected username alice, got %q", st.Session.Username)
	}
	if st.NodeURL != "https://node.example.org" {
		t.Errorf("expected node URL, got %q", st.NodeURL)
	}
}

func TestServer_handleStatus_NilProvider(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, &mockProvider{})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	// Give the server time to start accepting connections
	// Use retry loop to handle race between Start() and Serve()
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_DoubleStop(t *testing.T) {
	cfg := ServerConfig{
		Address: "127.0.0.1:0",
	}
	s := NewServer(cfg, &mockProvider{})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_UnixSocket(t *testing.T) {
	socketPath := t.TempDir() + "/daemon.sock"
	cfg := ServerConfig{
		Address: "unix:" + socketPath,
	}
	provider := &mockProvider{}
	provider.set(establishedStatus())
	s := NewServer(cfg, provider)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer s.Stop()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = client.Get("http://localhost/healthz")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}

func TestServer_UnixSocket_RemovesStaleFile(t *testing.T) {
	socketPath := t.TempDir() + "/daemon.sock"

	// First server leaves a socket file behind if killed hard; simulate
	// by starting and stopping twice on the same path.
	for i := 0; i < 2; i++ {
		s := NewServer(ServerConfig{Address: "unix:" + socketPath}, &mockProvider{})
		if err := s.Start(); err != nil {
			t.Fatalf("start %d failed: %v", i, err)
		}
		if err := s.Stop(); err != nil {
			t.Fatalf("stop %d failed: %v", i, err)
		}
	}
}

func TestServer_StatusWebSocket(t *testing.T) {
	provider := &mockProvider{}
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"}, provider)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conn *websocket.Conn
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		conn, _, err = websocket.Dial(ctx, "ws://"+s.Address().String()+"/status/ws", &websocket.DialOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("dial failed after retries: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// First message carries the state at connect time.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read initial status: %v", err)
	}
	var first middleware.Status
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal initial status: %v", err)
	}
	if first.Channel.Status != channel.StatusIdle {
		t.Errorf("expected idle channel, got %v", first.Channel.Status)
	}

	// A transition pushes an update. The initial read proves the
	// handler already subscribed.
	provider.set(establishedStatus())

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read pushed status: %v", err)
	}
	var second middleware.Status
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal pushed status: %v", err)
	}
	if second.Channel.Status != channel.StatusEstablished {
		t.Errorf("expected established channel, got %v", second.Channel.Status)
	}
	if second.Session.Username != "alice" {
		t.Errorf("expected username alice, got %q", second.Session.Username)
	}
}

func TestServer_PprofDisabled(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockProvider{})

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestServer_PprofEnabled(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Pprof = true
	s := NewServer(cfg, &mockProvider{})

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("expected non-empty body for pprof index")
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockProvider{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}
