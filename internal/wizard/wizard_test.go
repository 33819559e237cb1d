package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clinsight/rnode-client/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestBuildConfig(t *testing.T) {
	w := New()

	tests := []struct {
		name          string
		dataDir       string
		nodeURL       string
		transport     string
		tlsConfig     config.TLSConfig
		identityCfg   config.IdentityConfig
		healthEnabled bool
		healthAddr    string
		pprofEnabled  bool
		logLevel      string
		validate      func(*testing.T, *config.Config)
	}{
		{
			name:      "basic h2 config",
			dataDir:   "/data",
			nodeURL:   "https://node.example.org",
			transport: "h2",
			identityCfg: config.IdentityConfig{
				Cert: "/data/identity.crt",
				Key:  "/data/identity.key",
			},
			healthEnabled: true,
			healthAddr:    "127.0.0.1:8931",
			logLevel:      "info",
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Client.DataDir != "/data" {
					t.Errorf("DataDir = %q, want %q", cfg.Client.DataDir, "/data")
				}
				if cfg.Client.LogLevel != "info" {
					t.Errorf("LogLevel = %q, want %q", cfg.Client.LogLevel, "info")
				}
				if cfg.Node.URL != "https://node.example.org" {
					t.Errorf("Node.URL = %q, want %q", cfg.Node.URL, "https://node.example.org")
				}
				if cfg.Node.Transport != "h2" {
					t.Errorf("Node.Transport = %q, want %q", cfg.Node.Transport, "h2")
				}
				if !cfg.Health.Enabled {
					t.Error("Health.Enabled = false, want true")
				}
				if cfg.Health.Address != "127.0.0.1:8931" {
					t.Errorf("Health.Address = %q, want %q", cfg.Health.Address, "127.0.0.1:8931")
				}
				if cfg.Storage.Path != "/data/state.db" {
					t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, "/data/state.db")
				}
			},
		},
		{
			name:      "h3 with fingerprint pin",
			dataDir:   "./mydata",
			nodeURL:   "https://node.internal:8443",
			transport: "h3",
			tlsConfig: config.TLSConfig{
				Fingerprint: strings.Repeat("ab", 32),
			},
			identityCfg: config.IdentityConfig{
				Cert: "./mydata/identity.crt",
				Key:  "./mydata/identity.key",
			},
			healthEnabled: false,
			logLevel:      "debug",
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Node.Transport != "h3" {
					t.Errorf("Node.Transport = %q, want %q", cfg.Node.Transport, "h3")
				}
				if cfg.Node.TLS.Fingerprint != strings.Repeat("ab", 32) {
					t.Errorf("TLS.Fingerprint = %q, want pin", cfg.Node.TLS.Fingerprint)
				}
				if cfg.Client.LogLevel != "debug" {
					t.Errorf("LogLevel = %q, want %q", cfg.Client.LogLevel, "debug")
				}
				if cfg.Health.Enabled {
					t.Error("Health.Enabled = true, want false")
				}
			},
		},
		{
			name:      "unix daemon address with pprof",
			dataDir:   "/opt/rnode",
			nodeURL:   "https://node.example.org",
			transport: "h2",
			identityCfg: config.IdentityConfig{
				Cert: "/opt/rnode/identity.crt",
				Key:  "/opt/rnode/identity.key",
			},
			healthEnabled: true,
			healthAddr:    "unix:/opt/rnode/daemon.sock",
			pprofEnabled:  true,
			logLevel:      "warn",
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Health.Address != "unix:/opt/rnode/daemon.sock" {
					t.Errorf("Health.Address = %q, want unix socket", cfg.Health.Address)
				}
				if !cfg.Health.Pprof {
					t.Error("Health.Pprof = false, want true")
				}
				if cfg.Storage.Path != "/opt/rnode/state.db" {
					t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, "/opt/rnode/state.db")
				}
			},
		},
		{
			name:      "custom CA and key password",
			dataDir:   "/data",
			nodeURL:   "https://node.example.org",
			transport: "h2",
			tlsConfig: config.TLSConfig{
				CA: "/etc/pki/node-ca.crt",
			},
			identityCfg: config.IdentityConfig{
				Cert:     "/data/identity.crt",
				Key:      "/data/identity.key",
				Password: "hunter2",
			},
			healthEnabled: false,
			logLevel:      "info",
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Node.TLS.CA != "/etc/pki/node-ca.crt" {
					t.Errorf("TLS.CA = %q, want %q", cfg.Node.TLS.CA, "/etc/pki/node-ca.crt")
				}
				if cfg.Identity.Password != "hunter2" {
					t.Errorf("Identity.Password = %q, want %q", cfg.Identity.Password, "hunter2")
				}
				if !cfg.HasSensitiveData() {
					t.Error("HasSensitiveData() = false, want true")
				}
			},
		},
		{
			name:      "disabled daemon keeps default address",
			dataDir:   "/data",
			nodeURL:   "https://node.example.org",
			transport: "h2",
			identityCfg: config.IdentityConfig{
				Cert: "/data/identity.crt",
				Key:  "/data/identity.key",
			},
			healthEnabled: false,
			healthAddr:    "should-not-be-used",
			logLevel:      "info",
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Health.Enabled {
					t.Error("Health.Enabled = true, want false")
				}
				if cfg.Health.Address != config.Default().Health.Address {
					t.Errorf("Health.Address = %q, want default", cfg.Health.Address)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := w.buildConfig(
				tc.dataDir, tc.nodeURL, tc.transport,
				tc.tlsConfig, tc.identityCfg,
				tc.healthEnabled, tc.healthAddr, tc.pprofEnabled,
				tc.logLevel,
			)

			if cfg == nil {
				t.Fatal("buildConfig returned nil")
			}

			tc.validate(t, cfg)
		})
	}
}

func TestBuildConfigValidates(t *testing.T) {
	w := New()

	cfg := w.buildConfig(
		"/data", "https://node.example.org", "h2",
		config.TLSConfig{},
		config.IdentityConfig{
			Cert: "/data/identity.crt",
			Key:  "/data/identity.key",
		},
		true, "127.0.0.1:8931", false,
		"info",
	)

	if err := cfg.Validate(); err != nil {
		t.Errorf("wizard output failed validation: %v", err)
	}
}

func TestBuildConfigLogFormat(t *testing.T) {
	w := New()

	cfg := w.buildConfig(
		"/data", "https://node.example.org", "h2",
		config.TLSConfig{},
		config.IdentityConfig{Cert: "c", Key: "k"},
		false, "", false,
		"info",
	)

	// Wizard-written configs always use text logs
	if cfg.Client.LogFormat != "text" {
		t.Errorf("Client.LogFormat = %q, want %q", cfg.Client.LogFormat, "text")
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	w := New()

	cfg := w.buildConfig(
		"/data", "https://node.example.org", "h2",
		config.TLSConfig{},
		config.IdentityConfig{Cert: "c", Key: "k"},
		false, "", false,
		"info",
	)

	// Verify default values from config.Default() are preserved
	if cfg.Retry.MaxAttempts == 0 {
		t.Error("Retry.MaxAttempts should have default value")
	}
	if cfg.Session.RenewAhead == 0 {
		t.Error("Session.RenewAhead should have default value")
	}
	if cfg.Node.HandshakeTimeout == 0 {
		t.Error("Node.HandshakeTimeout should have default value")
	}
	if cfg.Storage.Backend != "bbolt" {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, "bbolt")
	}
}

func TestWriteConfig(t *testing.T) {
	w := New()

	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Client.DataDir = "/data"
	cfg.Client.LogLevel = "debug"
	cfg.Node.URL = "https://node.example.org"

	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := w.writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	// Verify file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	// Read and verify content
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	content := string(data)

	// Check header comment
	if !strings.HasPrefix(content, "# Research Node Client Configuration") {
		t.Error("Config file missing header comment")
	}

	// Check key values are present
	if !strings.Contains(content, "data_dir: /data") {
		t.Error("Config file missing data_dir value")
	}
	if !strings.Contains(content, "log_level: debug") {
		t.Error("Config file missing log_level value")
	}
	if !strings.Contains(content, "url: https://node.example.org") {
		t.Error("Config file missing node url value")
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	w := New()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := w.buildConfig(
		"/data", "https://node.example.org", "h3",
		config.TLSConfig{InsecureSkipVerify: true},
		config.IdentityConfig{
			Cert: "/data/identity.crt",
			Key:  "/data/identity.key",
		},
		true, "unix:/data/daemon.sock", false,
		"debug",
	)

	if err := w.writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("written config failed to load: %v", err)
	}

	if loaded.Node.URL != "https://node.example.org" {
		t.Errorf("Node.URL = %q, want %q", loaded.Node.URL, "https://node.example.org")
	}
	if loaded.Node.Transport != "h3" {
		t.Errorf("Node.Transport = %q, want %q", loaded.Node.Transport, "h3")
	}
	if !loaded.Node.TLS.InsecureSkipVerify {
		t.Error("TLS.InsecureSkipVerify = false, want true")
	}
	if loaded.Health.Address != "unix:/data/daemon.sock" {
		t.Errorf("Health.Address = %q, want unix socket", loaded.Health.Address)
	}
	if loaded.Identity.Cert != "/data/identity.crt" {
		t.Errorf("Identity.Cert = %q, want %q", loaded.Identity.Cert, "/data/identity.crt")
	}
}

func TestWriteConfigCreatesDirectory(t *testing.T) {
	w := New()

	tmpDir := t.TempDir()

	// Path with non-existent subdirectory
	configPath := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")

	cfg := config.Default()

	if err := w.writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	// Verify directory was created
	dir := filepath.Dir(configPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Error("writeConfig did not create parent directories")
	}

	// Verify file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}
}

func TestWriteConfigTightensModeForPasswords(t *testing.T) {
	w := New()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := config.Default()
	cfg.Identity.Password = "supersecret"

	if err := w.writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}

	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config with password has mode %o, want 0600", perm)
	}
}

func TestNormalizeFingerprint(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain hex", "abcd1234", "abcd1234"},
		{"uppercase", "ABCD1234", "abcd1234"},
		{"colons", "ab:cd:12:34", "abcd1234"},
		{"spaces", "ab cd 12 34", "abcd1234"},
		{"sha256 prefix", "sha256:abcd1234", "abcd1234"},
		{"prefix and colons", "SHA256:AB:CD:12:34", "abcd1234"},
		{"surrounding whitespace", "  abcd1234  ", "abcd1234"},
		{"empty string", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := normalizeFingerprint(tc.input)
			if result != tc.expected {
				t.Errorf("normalizeFingerprint(%q) = %q, want %q", tc.input, result, tc.expected)
			}
		})
	}
}

func TestDefaultSubjectName(t *testing.T) {
	name := defaultSubjectName()
	if name == "" {
		t.Error("defaultSubjectName returned empty string")
	}
}

func TestResultStruct(t *testing.T) {
	result := &Result{
		Config:     config.Default(),
		ConfigPath: "/path/to/config.yaml",
		DataDir:    "/data",
		Thumbprint: "deadbeef",
	}

	if result.Config == nil {
		t.Error("Result.Config is nil")
	}
	if result.ConfigPath != "/path/to/config.yaml" {
		t.Errorf("Result.ConfigPath = %q, want %q", result.ConfigPath, "/path/to/config.yaml")
	}
	if result.DataDir != "/data" {
		t.Errorf("Result.DataDir = %q, want %q", result.DataDir, "/data")
	}
	if result.Thumbprint != "deadbeef" {
		t.Errorf("Result.Thumbprint = %q, want %q", result.Thumbprint, "deadbeef")
	}
}
