// Package config provides configuration parsing and validation for the
// Research Node client.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Client   ClientConfig   `yaml:"client"`
	Node     NodeConfig     `yaml:"node"`
	Identity IdentityConfig `yaml:"identity"`
	Storage  StorageConfig  `yaml:"storage"`
	Retry    RetryConfig    `yaml:"retry"`
	Session  SessionConfig  `yaml:"session"`
	Health   HealthConfig   `yaml:"health"`
}

// ClientConfig contains local runtime settings.
type ClientConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// NodeConfig describes the Research Node to talk to.
type NodeConfig struct {
	URL              string        `yaml:"url"`               // e.g. https://node.example.org
	Transport        string        `yaml:"transport"`         // h2, h3
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // one identify+challenge round trip
	InvokeRate       float64       `yaml:"invoke_rate"`       // calls per second, 0 = unlimited
	TLS              TLSConfig     `yaml:"tls"`
}

// TLSConfig defines server verification settings.
type TLSConfig struct {
	CA                 string `yaml:"ca"`          // CA certificate file path
	Fingerprint        string `yaml:"fingerprint"` // SHA-256 certificate pin, hex
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // Skip verification (dev only)
}

// IdentityConfig locates the client certificate.
type IdentityConfig struct {
	Cert         string `yaml:"cert"`          // Certificate file path
	Key          string `yaml:"key"`           // Private key file path
	Password     string `yaml:"password"`      // Key password inline (discouraged)
	PasswordEnv  string `yaml:"password_env"`  // Environment variable holding the password
	PasswordFile string `yaml:"password_file"` // File holding the password
}

// StorageConfig defines the persistent state backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // bbolt, memory
	Path    string `yaml:"path"`    // bbolt database file
	Prefix  string `yaml:"prefix"`  // key prefix inside the store
}

// RetryConfig bounds establishment and call retries.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// SessionConfig tunes session renewal.
type SessionConfig struct {
	RenewAhead  time.Duration `yaml:"renew_ahead"`  // renewal lead time before expiry
	CallTimeout time.Duration `yaml:"call_timeout"` // one session operation round trip
}

// HealthConfig defines the daemon HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"` // host:port or unix:/path
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Pprof        bool          `yaml:"pprof"`
}

// Default returns a Config with default values. The node URL is the only
// field without a usable default.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Node: NodeConfig{
			Transport:        "h2",
			HandshakeTimeout: 15 * time.Second,
			InvokeRate:       0,
		},
		Identity: IdentityConfig{
			Cert: "./data/identity.crt",
			Key:  "./data/identity.key",
		},
		Storage: StorageConfig{
			Backend: "bbolt",
			Path:    "./data/state.db",
			Prefix:  "rnode",
		},
		Retry: RetryConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxAttempts:  4,
		},
		Session: SessionConfig{
			RenewAhead:  2 * time.Minute,
			CallTimeout: 15 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8931",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Pprof:        false,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Client.DataDir == "" {
		errs = append(errs, "client.data_dir is required")
	}
	if !isValidLogLevel(c.Client.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Client.LogLevel))
	}
	if !isValidLogFormat(c.Client.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Client.LogFormat))
	}

	if c.Node.URL == "" {
		errs = append(errs, "node.url is required")
	} else if err := validateNodeURL(c.Node.URL); err != nil {
		errs = append(errs, fmt.Sprintf("node.url: %v", err))
	}
	if !isValidTransport(c.Node.Transport) {
		errs = append(errs, fmt.Sprintf("invalid node.transport: %s (must be h2 or h3)", c.Node.Transport))
	}
	if c.Node.HandshakeTimeout <= 0 {
		errs = append(errs, "node.handshake_timeout must be positive")
	}
	if c.Node.InvokeRate < 0 {
		errs = append(errs, "node.invoke_rate must not be negative")
	}

	if c.Identity.Cert == "" {
		errs = append(errs, "identity.cert is required")
	}
	if c.Identity.Key == "" {
		errs = append(errs, "identity.key is required")
	}
	if sources := countPasswordSources(c.Identity); sources > 1 {
		errs = append(errs, "identity: set only one of password, password_env, password_file")
	}

	switch c.Storage.Backend {
	case "bbolt":
		if c.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the bbolt backend")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("invalid storage.backend: %s (must be bbolt or memory)", c.Storage.Backend))
	}
	if c.Storage.Prefix == "" {
		errs = append(errs, "storage.prefix is required")
	}

	if c.Retry.InitialDelay <= 0 {
		errs = append(errs, "retry.initial_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, "retry.max_delay must be >= retry.initial_delay")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, "retry.jitter must be between 0 and 1")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be positive")
	}

	if c.Session.RenewAhead <= 0 {
		errs = append(errs, "session.renew_ahead must be positive")
	}
	if c.Session.CallTimeout <= 0 {
		errs = append(errs, "session.call_timeout must be positive")
	}

	if c.Health.Enabled {
		if c.Health.Address == "" {
			errs = append(errs, "health.address is required when enabled")
		} else if strings.HasPrefix(c.Health.Address, "unix:") && strings.TrimPrefix(c.Health.Address, "unix:") == "" {
			errs = append(errs, "health.address: unix socket path is empty")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ResolveKeyPassword returns the private key password from whichever
// source is configured: inline value, environment variable, or file. An
// empty result means the key is stored unencrypted.
func (c IdentityConfig) ResolveKeyPassword() (string, error) {
	switch {
	case c.Password != "":
		return c.Password, nil
	case c.PasswordEnv != "":
		val, ok := os.LookupEnv(c.PasswordEnv)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", c.PasswordEnv)
		}
		return val, nil
	case c.PasswordFile != "":
		data, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return "", nil
	}
}

func countPasswordSources(c IdentityConfig) int {
	n := 0
	if c.Password != "" {
		n++
	}
	if c.PasswordEnv != "" {
		n++
	}
	if c.PasswordFile != "" {
		n++
	}
	return n
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "h2", "h3":
		return true
	default:
		return false
	}
}

func validateNodeURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Identity.Password != "" {
		redacted.Identity.Password = redactedValue
	}
	if redacted.Identity.Key != "" {
		redacted.Identity.Key = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Identity.Password != ""
}
