package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Check essential defaults
	if cfg.Client.DataDir != "./data" {
		t.Errorf("Client.DataDir = %s, want ./data", cfg.Client.DataDir)
	}
	if cfg.Client.LogLevel != "info" {
		t.Errorf("Client.LogLevel = %s, want info", cfg.Client.LogLevel)
	}
	if cfg.Node.Transport != "h2" {
		t.Errorf("Node.Transport = %s, want h2", cfg.Node.Transport)
	}
	if cfg.Node.HandshakeTimeout != 15*time.Second {
		t.Errorf("Node.HandshakeTimeout = %v, want 15s", cfg.Node.HandshakeTimeout)
	}
	if cfg.Storage.Backend != "bbolt" {
		t.Errorf("Storage.Backend = %s, want bbolt", cfg.Storage.Backend)
	}
	if cfg.Storage.Prefix != "rnode" {
		t.Errorf("Storage.Prefix = %s, want rnode", cfg.Storage.Prefix)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("Retry.MaxAttempts = %d, want 4", cfg.Retry.MaxAttempts)
	}
	if cfg.Session.RenewAhead != 2*time.Minute {
		t.Errorf("Session.RenewAhead = %v, want 2m", cfg.Session.RenewAhead)
	}
	if cfg.Health.Enabled {
		t.Error("Health.Enabled = true, want false")
	}
	if cfg.Health.Pprof {
		t.Error("Health.Pprof = true, want false")
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
client:
  data_dir: "./data"
  log_level: "debug"
  log_format: "json"

node:
  url: "https://node.example.org"
  transport: h3
  handshake_timeout: 20s
  invoke_rate: 5
  tls:
    ca: "./certs/node-ca.pem"
    fingerprint: "ab12cd34"

identity:
  cert: "./certs/site.crt"
  key: "./certs/site.key"
  password_env: "RNODE_KEY_PASSWORD"

storage:
  backend: bbolt
  path: "./data/client.db"
  prefix: "site42"

retry:
  initial_delay: 250ms
  max_delay: 5s
  multiplier: 1.5
  max_attempts: 6

session:
  renew_ahead: 5m
  call_timeout: 30s

health:
  enabled: true
  address: "127.0.0.1:9000"
  pprof: true
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Verify parsed values
	if cfg.Client.LogLevel != "debug" {
		t.Errorf("Client.LogLevel = %s, want debug", cfg.Client.LogLevel)
	}
	if cfg.Client.LogFormat != "json" {
		t.Errorf("Client.LogFormat = %s, want json", cfg.Client.LogFormat)
	}
	if cfg.Node.URL != "https://node.example.org" {
		t.Errorf("Node.URL = %s, want https://node.example.org", cfg.Node.URL)
	}
	if cfg.Node.Transport != "h3" {
		t.Errorf("Node.Transport = %s, want h3", cfg.Node.Transport)
	}
	if cfg.Node.HandshakeTimeout != 20*time.Second {
		t.Errorf("Node.HandshakeTimeout = %v, want 20s", cfg.Node.HandshakeTimeout)
	}
	if cfg.Node.InvokeRate != 5 {
		t.Errorf("Node.InvokeRate = %v, want 5", cfg.Node.InvokeRate)
	}
	if cfg.Node.TLS.Fingerprint != "ab12cd34" {
		t.Errorf("Node.TLS.Fingerprint = %s, want ab12cd34", cfg.Node.TLS.Fingerprint)
	}
	if cfg.Identity.PasswordEnv != "RNODE_KEY_PASSWORD" {
		t.Errorf("Identity.PasswordEnv = %s, want RNODE_KEY_PASSWORD", cfg.Identity.PasswordEnv)
	}
	if cfg.Storage.Prefix != "site42" {
		t.Errorf("Storage.Prefix = %s, want site42", cfg.Storage.Prefix)
	}
	if cfg.Retry.InitialDelay != 250*time.Millisecond {
		t.Errorf("Retry.InitialDelay = %v, want 250ms", cfg.Retry.InitialDelay)
	}
	if cfg.Retry.MaxAttempts != 6 {
		t.Errorf("Retry.MaxAttempts = %d, want 6", cfg.Retry.MaxAttempts)
	}
	if cfg.Session.RenewAhead != 5*time.Minute {
		t.Errorf("Session.RenewAhead = %v, want 5m", cfg.Session.RenewAhead)
	}
	if !cfg.Health.Enabled || !cfg.Health.Pprof {
		t.Errorf("Health = %+v, want enabled with pprof", cfg.Health)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
node:
  url: "https://node.example.org"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should use defaults for unspecified fields
	if cfg.Client.LogLevel != "info" {
		t.Errorf("Client.LogLevel = %s, want info (default)", cfg.Client.LogLevel)
	}
	if cfg.Node.Transport != "h2" {
		t.Errorf("Node.Transport = %s, want h2 (default)", cfg.Node.Transport)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("Retry.MaxAttempts = %d, want 4 (default)", cfg.Retry.MaxAttempts)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
node:
  url: "https://node.example.org"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "missing node url",
			yaml:      ``,
			wantError: "node.url is required",
		},
		{
			name: "node url without scheme",
			yaml: `
node:
  url: "node.example.org"
`,
			wantError: "node.url",
		},
		{
			name: "invalid transport",
			yaml: `
node:
  url: "https://node.example.org"
  transport: quic
`,
			wantError: "invalid node.transport",
		},
		{
			name: "invalid log level",
			yaml: `
client:
  log_level: "invalid"
node:
  url: "https://node.example.org"
`,
			wantError: "invalid log_level",
		},
		{
			name: "invalid log format",
			yaml: `
client:
  log_format: "invalid"
node:
  url: "https://node.example.org"
`,
			wantError: "invalid log_format",
		},
		{
			name: "two password sources",
			yaml: `
node:
  url: "https://node.example.org"
identity:
  cert: "c.pem"
  key: "k.pem"
  password: "secret"
  password_env: "RNODE_KEY_PASSWORD"
`,
			wantError: "set only one of",
		},
		{
			name: "unknown storage backend",
			yaml: `
node:
  url: "https://node.example.org"
storage:
  backend: redis
`,
			wantError: "invalid storage.backend",
		},
		{
			name: "bbolt without path",
			yaml: `
node:
  url: "https://node.example.org"
storage:
  backend: bbolt
  path: ""
`,
			wantError: "storage.path is required",
		},
		{
			name: "retry multiplier below one",
			yaml: `
node:
  url: "https://node.example.org"
retry:
  multiplier: 0.5
`,
			wantError: "retry.multiplier",
		},
		{
			name: "max_delay below initial_delay",
			yaml: `
node:
  url: "https://node.example.org"
retry:
  initial_delay: 5s
  max_delay: 1s
`,
			wantError: "retry.max_delay",
		},
		{
			name: "zero max_attempts",
			yaml: `
node:
  url: "https://node.example.org"
retry:
  max_attempts: 0
`,
			wantError: "retry.max_attempts",
		},
		{
			name: "negative invoke rate",
			yaml: `
node:
  url: "https://node.example.org"
  invoke_rate: -1
`,
			wantError: "node.invoke_rate",
		},
		{
			name: "health enabled without address",
			yaml: `
node:
  url: "https://node.example.org"
health:
  enabled: true
  address: ""
`,
			wantError: "health.address is required",
		},
		{
			name: "empty unix socket path",
			yaml: `
node:
  url: "https://node.example.org"
health:
  enabled: true
  address: "unix:"
`,
			wantError: "unix socket path is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	// Set test environment variables
	os.Setenv("TEST_NODE_URL", "https://node.internal:8443")
	os.Setenv("TEST_DATA_DIR", "/custom/data")
	defer func() {
		os.Unsetenv("TEST_NODE_URL")
		os.Unsetenv("TEST_DATA_DIR")
	}()

	yamlConfig := `
client:
  data_dir: "${TEST_DATA_DIR}"
node:
  url: "$TEST_NODE_URL"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Client.DataDir != "/custom/data" {
		t.Errorf("Client.DataDir = %s, want /custom/data", cfg.Client.DataDir)
	}
	if cfg.Node.URL != "https://node.internal:8443" {
		t.Errorf("Node.URL = %s, want https://node.internal:8443", cfg.Node.URL)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	// Ensure the variable is NOT set
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
client:
  data_dir: "${NONEXISTENT_VAR:-/default/path}"
node:
  url: "https://node.example.org"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Client.DataDir != "/default/path" {
		t.Errorf("Client.DataDir = %s, want /default/path", cfg.Client.DataDir)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
client:
  data_dir: "${NONEXISTENT_VAR}"
node:
  url: "https://node.example.org"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should keep the original placeholder if not found
	if cfg.Client.DataDir != "${NONEXISTENT_VAR}" {
		t.Errorf("Client.DataDir = %s, want ${NONEXISTENT_VAR}", cfg.Client.DataDir)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
client:
  log_level: "debug"
node:
  url: "https://node.example.org"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Client.LogLevel != "debug" {
		t.Errorf("Client.LogLevel = %s, want debug", cfg.Client.LogLevel)
	}
}

func TestDurationParsing(t *testing.T) {
	yamlConfig := `
node:
  url: "https://node.example.org"
  handshake_timeout: 90s
retry:
  initial_delay: 100ms
  max_delay: 1m30s
session:
  renew_ahead: 120s
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Node.HandshakeTimeout != 90*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 90s", cfg.Node.HandshakeTimeout)
	}
	if cfg.Retry.InitialDelay != 100*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 100ms", cfg.Retry.InitialDelay)
	}
	if cfg.Retry.MaxDelay != 90*time.Second {
		t.Errorf("MaxDelay = %v, want 1m30s", cfg.Retry.MaxDelay)
	}
	if cfg.Session.RenewAhead != 2*time.Minute {
		t.Errorf("RenewAhead = %v, want 2m", cfg.Session.RenewAhead)
	}
}

func TestResolveKeyPassword_Inline(t *testing.T) {
	ident := IdentityConfig{Password: "hunter2"}

	pw, err := ident.ResolveKeyPassword()
	if err != nil {
		t.Fatalf("ResolveKeyPassword() error = %v", err)
	}
	if pw != "hunter2" {
		t.Errorf("password = %q, want hunter2", pw)
	}
}

func TestResolveKeyPassword_Env(t *testing.T) {
	os.Setenv("TEST_KEY_PASSWORD", "from-env")
	defer os.Unsetenv("TEST_KEY_PASSWORD")

	ident := IdentityConfig{PasswordEnv: "TEST_KEY_PASSWORD"}

	pw, err := ident.ResolveKeyPassword()
	if err != nil {
		t.Fatalf("ResolveKeyPassword() error = %v", err)
	}
	if pw != "from-env" {
		t.Errorf("password = %q, want from-env", pw)
	}
}

func TestResolveKeyPassword_EnvNotSet(t *testing.T) {
	os.Unsetenv("TEST_KEY_PASSWORD_MISSING")

	ident := IdentityConfig{PasswordEnv: "TEST_KEY_PASSWORD_MISSING"}

	if _, err := ident.ResolveKeyPassword(); err == nil {
		t.Error("ResolveKeyPassword() should fail for unset variable")
	}
}

func TestResolveKeyPassword_File(t *testing.T) {
	tmpDir := t.TempDir()
	pwFile := filepath.Join(tmpDir, "password")
	if err := os.WriteFile(pwFile, []byte("from-file\n"), 0600); err != nil {
		t.Fatalf("Failed to write password file: %v", err)
	}

	ident := IdentityConfig{PasswordFile: pwFile}

	pw, err := ident.ResolveKeyPassword()
	if err != nil {
		t.Fatalf("ResolveKeyPassword() error = %v", err)
	}
	// Trailing newline from the file is stripped
	if pw != "from-file" {
		t.Errorf("password = %q, want from-file", pw)
	}
}

func TestResolveKeyPassword_None(t *testing.T) {
	pw, err := IdentityConfig{}.ResolveKeyPassword()
	if err != nil {
		t.Fatalf("ResolveKeyPassword() error = %v", err)
	}
	if pw != "" {
		t.Errorf("password = %q, want empty", pw)
	}
}

func TestConfig_String(t *testing.T) {
	cfg := Default()
	cfg.Node.URL = "https://node.example.org"
	cfg.Identity.Password = "supersecret"

	s := cfg.String()

	// Should contain key sections
	if !strings.Contains(s, "node") {
		t.Error("String() should contain 'node'")
	}
	if !strings.Contains(s, "storage") {
		t.Error("String() should contain 'storage'")
	}
	// Must never leak the password
	if strings.Contains(s, "supersecret") {
		t.Error("String() leaked the key password")
	}
	if !strings.Contains(s, redactedValue) {
		t.Error("String() should contain the redaction placeholder")
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Node.URL = "https://node.example.org"
	cfg.Identity.Password = "supersecret"

	redacted := cfg.Redacted()

	if redacted.Identity.Password != redactedValue {
		t.Errorf("Identity.Password = %q, want redacted", redacted.Identity.Password)
	}
	if redacted.Identity.Key != redactedValue {
		t.Errorf("Identity.Key = %q, want redacted", redacted.Identity.Key)
	}
	// The original is untouched
	if cfg.Identity.Password != "supersecret" {
		t.Error("Redacted() modified the original config")
	}
}

func TestConfig_HasSensitiveData(t *testing.T) {
	cfg := Default()
	if cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = true for default config")
	}

	cfg.Identity.Password = "secret"
	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false with inline password")
	}
}
