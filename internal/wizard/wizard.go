// Package wizard provides an interactive setup wizard for the Research
// Node client.
package wizard

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/clinsight/rnode-client/internal/certs"
	"github.com/clinsight/rnode-client/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
	Thumbprint string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Basic setup
	dataDir, configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	// Step 2: Node connection
	nodeURL, transport, tlsConfig, err := w.askNodeConfig()
	if err != nil {
		return nil, err
	}

	// Step 3: Client identity
	identityCfg, thumbprint, err := w.askIdentitySetup(dataDir)
	if err != nil {
		return nil, err
	}

	// Step 4: Daemon options
	healthEnabled, healthAddr, pprofEnabled, logLevel, err := w.askDaemonOptions()
	if err != nil {
		return nil, err
	}

	// Build configuration
	cfg := w.buildConfig(
		dataDir, nodeURL, transport, tlsConfig, identityCfg,
		healthEnabled, healthAddr, pprofEnabled, logLevel,
	)

	// Write configuration file
	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	// Print summary
	w.printSummary(thumbprint, configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		DataDir:    dataDir,
		Thumbprint: thumbprint,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n" +
			"  ____  _   _           _         ____ _ _            _\n" +
			" |  _ \\| \\ | | ___   __| | ___   / ___| (_) ___ _ __ | |_\n" +
			" | |_) |  \\| |/ _ \\ / _` |/ _ \\ | |   | | |/ _ \\ '_ \\| __|\n" +
			" |  _ <| |\\  | (_) | (_| |  __/ | |___| | |  __/ | | | |_\n" +
			" |_| \\_\\_| \\_|\\___/ \\__,_|\\___|  \\____|_|_|\\___|_| |_|\\__|\n")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Research Node Client Middleware - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (dataDir, configPath string, err error) {
	dataDir = "./data"
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for your client."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store the identity and persisted state").
				Placeholder("./data").
				Value(&dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askNodeConfig() (nodeURL, transport string, tlsConfig config.TLSConfig, err error) {
	transport = "h2"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Research Node").
				Description("Configure the node this client connects to."),

			huh.NewInput().
				Title("Node URL").
				Description("Base URL of the Research Node").
				Placeholder("https://node.example.org").
				Value(&nodeURL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("node URL is required")
					}
					u, err := url.Parse(s)
					if err != nil || u.Host == "" {
						return fmt.Errorf("invalid URL (use https://host[:port])")
					}
					if u.Scheme != "http" && u.Scheme != "https" {
						return fmt.Errorf("URL scheme must be http or https")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Description("HTTP/2 unless the node offers HTTP/3").
				Options(
					huh.NewOption("HTTP/2 (TCP, firewall-friendly)", "h2"),
					huh.NewOption("HTTP/3 (QUIC, lower latency)", "h3"),
				).
				Value(&transport),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	tlsConfig, err = w.askServerTrust()
	return
}

func (w *Wizard) askServerTrust() (config.TLSConfig, error) {
	var tlsConfig config.TLSConfig
	trustChoice := "system"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server Trust").
				Description("How to verify the node's TLS certificate."),

			huh.NewSelect[string]().
				Title("Verification").
				Options(
					huh.NewOption("System CA store (public certificates)", "system"),
					huh.NewOption("Custom CA file (private PKI)", "ca"),
					huh.NewOption("Certificate fingerprint pin", "pin"),
					huh.NewOption("Skip verification (testing only)", "insecure"),
				).
				Value(&trustChoice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return tlsConfig, err
	}

	switch trustChoice {
	case "ca":
		var caPath string
		caForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("CA Certificate File").
					Description("PEM file with the CA that signed the node certificate").
					Placeholder("./ca.crt").
					Value(&caPath).
					Validate(func(s string) error {
						if _, err := os.Stat(s); os.IsNotExist(err) {
							return fmt.Errorf("file not found: %s", s)
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := caForm.Run(); err != nil {
			return tlsConfig, err
		}
		tlsConfig.CA = caPath

	case "pin":
		var pin string
		pinForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Certificate Fingerprint").
					Description("SHA-256 digest of the node certificate, hex").
					Placeholder("ab:cd:12:...").
					Value(&pin).
					Validate(func(s string) error {
						cleaned := normalizeFingerprint(s)
						if len(cleaned) != 64 {
							return fmt.Errorf("expected 64 hex characters (SHA-256)")
						}
						if _, err := hex.DecodeString(cleaned); err != nil {
							return fmt.Errorf("fingerprint must be hex")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := pinForm.Run(); err != nil {
			return tlsConfig, err
		}
		tlsConfig.Fingerprint = normalizeFingerprint(pin)

	case "insecure":
		tlsConfig.InsecureSkipVerify = true
	}

	return tlsConfig, nil
}

func (w *Wizard) askIdentitySetup(dataDir string) (config.IdentityConfig, string, error) {
	identityCfg := config.IdentityConfig{
		Cert: filepath.Join(dataDir, "identity.crt"),
		Key:  filepath.Join(dataDir, "identity.key"),
	}
	var choice string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client Identity").
				Description("The certificate that identifies this site to the node.\nIts thumbprint must be registered with the node operator."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate a new identity certificate", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
					huh.NewOption("Paste certificate and key content", "paste"),
				).
				Value(&choice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return identityCfg, "", err
	}

	switch choice {
	case "generate":
		return w.generateIdentity(dataDir, identityCfg)
	case "existing":
		return w.useExistingIdentity(identityCfg)
	case "paste":
		return w.pasteIdentity(dataDir, identityCfg)
	}

	return identityCfg, "", nil
}

func (w *Wizard) generateIdentity(dataDir string, identityCfg config.IdentityConfig) (config.IdentityConfig, string, error) {
	subject := defaultSubjectName()
	var organization string = "ClinSight Research"
	var validDays int = 365
	var password string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Identity").
				Description("A self-signed Ed25519 certificate will be generated."),

			huh.NewInput().
				Title("Subject Name").
				Description("Name identifying this site (certificate CN)").
				Placeholder("site-oslo-01").
				Value(&subject).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("subject name is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Organization").
				Value(&organization),

			huh.NewInput().
				Title("Validity (days)").
				Description("How long the certificate should be valid").
				Placeholder("365").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					validDays = d
					return nil
				}),

			huh.NewInput().
				Title("Key Password (optional)").
				Description("Encrypts the private key file at rest").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return identityCfg, "", err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return identityCfg, "", fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := certs.DefaultOptions(subject)
	opts.Organization = organization
	opts.ValidFor = time.Duration(validDays) * 24 * time.Hour

	id, err := certs.Generate(opts)
	if err != nil {
		return identityCfg, "", fmt.Errorf("failed to generate identity: %w", err)
	}
	defer id.Close()

	if err := id.Save(identityCfg.Cert, identityCfg.Key, password); err != nil {
		return identityCfg, "", fmt.Errorf("failed to save identity: %w", err)
	}
	identityCfg.Password = password

	fmt.Printf("\n✓ Generated identity certificate: %s\n", identityCfg.Cert)
	fmt.Printf("  Thumbprint: %s\n\n", id.Thumbprint())

	return identityCfg, id.Thumbprint(), nil
}

func (w *Wizard) useExistingIdentity(identityCfg config.IdentityConfig) (config.IdentityConfig, string, error) {
	certPath := identityCfg.Cert
	keyPath := identityCfg.Key
	var password string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Existing Identity").
				Description("Specify paths to your existing certificate files."),

			huh.NewInput().
				Title("Certificate File").
				Placeholder(certPath).
				Value(&certPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),

			huh.NewInput().
				Title("Private Key File").
				Placeholder(keyPath).
				Value(&keyPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),

			huh.NewInput().
				Title("Key Password (if encrypted)").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return identityCfg, "", err
	}

	id, err := certs.Load(certPath, keyPath, password)
	if err != nil {
		return identityCfg, "", fmt.Errorf("failed to load identity: %w", err)
	}
	defer id.Close()

	identityCfg.Cert = certPath
	identityCfg.Key = keyPath
	identityCfg.Password = password

	fmt.Printf("\n✓ Loaded identity: %s\n", id.SubjectName())
	fmt.Printf("  Thumbprint: %s\n\n", id.Thumbprint())

	return identityCfg, id.Thumbprint(), nil
}

func (w *Wizard) pasteIdentity(dataDir string, identityCfg config.IdentityConfig) (config.IdentityConfig, string, error) {
	var certContent, keyContent, password string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Paste Identity").
				Description("Paste your PEM-encoded certificate and key.\nInclude the BEGIN/END markers."),

			huh.NewText().
				Title("Certificate (PEM)").
				CharLimit(10000).
				Value(&certContent).
				Validate(func(s string) error {
					if !strings.Contains(s, "-----BEGIN CERTIFICATE-----") {
						return fmt.Errorf("invalid certificate format")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Private Key (PEM)").
				CharLimit(10000).
				Value(&keyContent).
				Validate(func(s string) error {
					if !strings.Contains(s, "-----BEGIN") || !strings.Contains(s, "PRIVATE KEY-----") {
						return fmt.Errorf("invalid private key format")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Key Password (if encrypted)").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return identityCfg, "", err
	}

	id, err := certs.Parse([]byte(certContent), []byte(keyContent), password)
	if err != nil {
		return identityCfg, "", fmt.Errorf("failed to parse identity: %w", err)
	}
	defer id.Close()

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return identityCfg, "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(identityCfg.Cert, []byte(certContent), 0644); err != nil {
		return identityCfg, "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(identityCfg.Key, []byte(keyContent), 0600); err != nil {
		return identityCfg, "", fmt.Errorf("failed to write key: %w", err)
	}
	identityCfg.Password = password

	fmt.Printf("\n✓ Saved certificate to: %s\n", identityCfg.Cert)
	fmt.Printf("✓ Saved private key to: %s\n", identityCfg.Key)
	fmt.Printf("  Thumbprint: %s\n\n", id.Thumbprint())

	return identityCfg, id.Thumbprint(), nil
}

func (w *Wizard) askDaemonOptions() (healthEnabled bool, healthAddr string, pprofEnabled bool, logLevel string, err error) {
	healthEnabled = true
	healthAddr = "127.0.0.1:8931"
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Daemon Options").
				Description("Configure monitoring and logging for daemon mode."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable daemon API?").
				Description("HTTP endpoint for status, health checks, and metrics").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	if healthEnabled {
		addrForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Daemon API Address").
					Description("host:port or unix:/path/to.sock").
					Placeholder("127.0.0.1:8931").
					Value(&healthAddr).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("address is required")
						}
						if strings.HasPrefix(s, "unix:") {
							if strings.TrimPrefix(s, "unix:") == "" {
								return fmt.Errorf("unix socket path is required")
							}
							return nil
						}
						if _, _, err := net.SplitHostPort(s); err != nil {
							return fmt.Errorf("invalid address format (use host:port)")
						}
						return nil
					}),

				huh.NewConfirm().
					Title("Enable pprof endpoints?").
					Description("Profiling under /debug/pprof").
					Value(&pprofEnabled),
			),
		).WithTheme(w.theme)

		if err = addrForm.Run(); err != nil {
			return
		}
	}

	return
}

func (w *Wizard) buildConfig(
	dataDir, nodeURL, transport string,
	tlsConfig config.TLSConfig,
	identityCfg config.IdentityConfig,
	healthEnabled bool,
	healthAddr string,
	pprofEnabled bool,
	logLevel string,
) *config.Config {
	cfg := config.Default()

	cfg.Client.DataDir = dataDir
	cfg.Client.LogLevel = logLevel
	cfg.Client.LogFormat = "text"

	// Node
	cfg.Node.URL = nodeURL
	cfg.Node.Transport = transport
	cfg.Node.TLS = tlsConfig

	// Identity
	cfg.Identity = identityCfg

	// State lives alongside the identity
	cfg.Storage.Path = filepath.Join(dataDir, "state.db")

	// Daemon API
	cfg.Health.Enabled = healthEnabled
	if healthEnabled {
		cfg.Health.Address = healthAddr
		cfg.Health.Pprof = pprofEnabled
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# Research Node Client Configuration
# Generated by setup wizard
# See https://github.com/clinsight/rnode-client for documentation

`

	// Tighten the mode when the file carries a key password
	mode := os.FileMode(0644)
	if cfg.HasSensitiveData() {
		mode = 0600
	}

	if err := os.WriteFile(path, []byte(header+string(data)), mode); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(thumbprint, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	if thumbprint != "" {
		fmt.Printf("  Thumbprint:   %s\n", thumbprint)
	}
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Client.DataDir)
	fmt.Printf("  Node:         %s (%s)\n", cfg.Node.URL, cfg.Node.Transport)

	if cfg.Health.Enabled {
		fmt.Printf("  Daemon API:   %s\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  Register the thumbprint with your node operator, then start")
	fmt.Println("  the client:")
	fmt.Printf("    rnode-client run -c %s\n", configPath)
	fmt.Println()
}

// normalizeFingerprint strips separators and an optional sha256: prefix
// from a hex fingerprint.
func normalizeFingerprint(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "sha256:")
	s = strings.ReplaceAll(s, ":", "")
	return strings.ReplaceAll(s, " ", "")
}

func defaultSubjectName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "rnode-client"
	}
	return host
}
