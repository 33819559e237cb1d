// Package main provides the CLI entry point for the Research Node client.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/clinsight/rnode-client/internal/certs"
	"github.com/clinsight/rnode-client/internal/channel"
	"github.com/clinsight/rnode-client/internal/config"
	"github.com/clinsight/rnode-client/internal/control"
	"github.com/clinsight/rnode-client/internal/health"
	"github.com/clinsight/rnode-client/internal/logging"
	"github.com/clinsight/rnode-client/internal/metrics"
	"github.com/clinsight/rnode-client/internal/middleware"
	"github.com/clinsight/rnode-client/internal/session"
	"github.com/clinsight/rnode-client/internal/storage"
	"github.com/clinsight/rnode-client/internal/transport"
	"github.com/clinsight/rnode-client/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

// passwordEnvVar supplies the login password non-interactively.
const passwordEnvVar = "RNODE_PASSWORD"

func main() {
	rootCmd := &cobra.Command{
		Use:   "rnode-client",
		Short: "Research Node client middleware",
		Long: `rnode-client maintains a certificate-authenticated secure channel to a
Research Node and runs user sessions and encrypted operation calls
over it.

Handshakes, session renewal, payload encryption, and transient-failure
retries happen transparently; commands and the daemon API only ever
see decrypted results.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(wizardCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(renewCmd())
	rootCmd.AddCommand(certCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string
	var configPath string
	var subject string
	var nodeURL string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a client identity",
		Long: `Initialize the client by creating the data directory, generating an
identity certificate, and writing a starter configuration. The private
key is stored unencrypted; use the wizard for a password-protected
identity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			certPath := filepath.Join(dataDir, "identity.crt")
			keyPath := filepath.Join(dataDir, "identity.key")

			// Check if already initialized
			if _, err := os.Stat(certPath); err == nil {
				info, err := certs.LoadCertInfo(certPath)
				if err != nil {
					return fmt.Errorf("failed to read existing identity: %w", err)
				}
				fmt.Printf("Client already initialized in %s\n", dataDir)
				fmt.Printf("Subject:    %s\n", info.Subject)
				fmt.Printf("Thumbprint: %s\n", info.Thumbprint)
				return nil
			}

			if subject == "" {
				subject = defaultSubject()
			}

			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			id, err := certs.Generate(certs.DefaultOptions(subject))
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}
			defer id.Close()
			if err := id.Save(certPath, keyPath, ""); err != nil {
				return fmt.Errorf("failed to save identity: %w", err)
			}

			fmt.Printf("Client initialized in %s\n", dataDir)
			fmt.Printf("Subject:    %s\n", id.SubjectName())
			fmt.Printf("Thumbprint: %s\n", id.Thumbprint())
			fmt.Println("Register this thumbprint with your node operator.")

			if nodeURL == "" {
				fmt.Println("No node URL given; run 'rnode-client wizard' to create a configuration.")
				return nil
			}
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("Config already exists at %s, left unchanged.\n", configPath)
				return nil
			}
			if err := writeStarterConfig(configPath, dataDir, nodeURL, certPath, keyPath); err != nil {
				return err
			}
			fmt.Printf("Config written to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path for the starter configuration file")
	cmd.Flags().StringVar(&subject, "subject", "", "Certificate subject name (default: hostname)")
	cmd.Flags().StringVar(&nodeURL, "node-url", "", "Research Node URL for the starter configuration")

	return cmd
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup",
		Long:  "Walk through node, identity, and daemon settings interactively and write the resulting configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client daemon",
		Long: `Start the client middleware, keep the secure channel established, and
serve the daemon HTTP API when enabled. Persisted channel and session
state is restored on start and survives restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Client.LogLevel, cfg.Client.LogFormat)

			mw, err := buildMiddleware(cfg, logger, metrics.Default(), nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Stale or unreadable persisted state is disposable; the
			// daemon starts Idle and handshakes fresh.
			if err := mw.Init(ctx); err != nil {
				logger.Warn("failed to restore persisted state", logging.KeyError, err)
			}

			status := mw.Status()
			fmt.Printf("Starting Research Node client...\n")
			fmt.Printf("Identity: %s (%s)\n", status.Identity.Subject, status.Identity.Thumbprint)
			fmt.Printf("Node: %s (%s)\n", cfg.Node.URL, cfg.Node.Transport)

			var healthSrv *health.Server
			if cfg.Health.Enabled {
				healthSrv = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
					Pprof:        cfg.Health.Pprof,
				}, mw)
				if err := healthSrv.Start(); err != nil {
					mw.Cleanup(context.Background())
					return fmt.Errorf("failed to start daemon API: %w", err)
				}
				fmt.Printf("Daemon API: %s\n", healthSrv.Address())
			}

			go func() {
				err := mw.KeepEstablished(ctx)
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, middleware.ErrClosed) {
					logger.Error("keep-established loop ended", logging.KeyError, err)
				}
			}()

			fmt.Printf("Status: running\n")

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			cancel()

			// Graceful shutdown with timeout
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if healthSrv != nil {
				if err := healthSrv.Stop(); err != nil {
					fmt.Printf("Daemon API shutdown error: %v\n", err)
				}
			}
			if err := mw.Cleanup(shutdownCtx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Client stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var configPath string
	var remote bool
	var watch bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show client status",
		Long: `Display channel, session, and identity state. By default the persisted
state is read directly; --remote asks a running daemon instead, and
--watch streams its transitions until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if remote || watch {
				return remoteStatus(cfg, watch, jsonOut)
			}
			return localStatus(cfg, jsonOut)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&remote, "remote", false, "Query the running daemon instead of local state")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream status updates from the running daemon")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print status as JSON")

	return cmd
}

func localStatus(cfg *config.Config, jsonOut bool) error {
	mw, err := buildMiddleware(cfg, logging.NopLogger(), nil, nil)
	if err != nil {
		return err
	}
	defer mw.Cleanup(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mw.Init(ctx); err != nil {
		return fmt.Errorf("failed to restore persisted state: %w", err)
	}
	return printStatus(mw.Status(), jsonOut)
}

func remoteStatus(cfg *config.Config, watch, jsonOut bool) error {
	if !cfg.Health.Enabled {
		return errors.New("daemon API is not enabled (set health.enabled in the configuration)")
	}
	client := control.NewClient(cfg.Health.Address)
	defer client.Close()

	if !watch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := client.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to reach daemon at %s: %w", cfg.Health.Address, err)
		}
		return printStatus(*st, jsonOut)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := client.Watch(ctx, func(st middleware.Status) {
		printStatusLine(st, jsonOut)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to watch daemon at %s: %w", cfg.Health.Address, err)
	}
	return nil
}

func invokeCmd() *cobra.Command {
	var configPath string
	var data string
	var noSession bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "invoke <operation>",
		Short: "Invoke an operation on the node",
		Long: `Call a node operation through the secure channel and print the decrypted
result. The JSON payload comes from --data, or from stdin when --data
is "-". Missing channel or session state is established on demand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			payload, err := readPayload(data)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Client.LogLevel, cfg.Client.LogFormat)
			mw, err := buildMiddleware(cfg, logger, nil, terminalCredentials(""))
			if err != nil {
				return err
			}
			defer mw.Cleanup(context.Background())

			ctx := context.Background()
			if err := mw.Init(ctx); err != nil {
				return fmt.Errorf("failed to restore persisted state: %w", err)
			}

			var opts []middleware.InvokeOption
			if noSession {
				opts = append(opts, middleware.WithoutSession())
			}
			if timeout > 0 {
				opts = append(opts, middleware.WithTimeout(timeout))
			}

			result, err := mw.Invoke(ctx, args[0], payload, opts...)
			if err != nil {
				return fmt.Errorf("invoke %s: %w", args[0], err)
			}

			var buf bytes.Buffer
			if json.Indent(&buf, result, "", "  ") == nil {
				fmt.Println(buf.String())
			} else {
				fmt.Println(string(result))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload (\"-\" reads stdin)")
	cmd.Flags().BoolVar(&noSession, "no-session", false, "Send the call without a user session")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Overall call timeout including retries")

	return cmd
}

func loginCmd() *cobra.Command {
	var configPath string
	var username string
	var password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate a user session",
		Long: `Establish the secure channel and log in. The session is persisted and
rides along on subsequent calls until it expires or is logged out. The
password is prompted when neither --password nor ` + passwordEnvVar + ` is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			creds, err := promptCredentials(username, password)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Client.LogLevel, cfg.Client.LogFormat)
			mw, err := buildMiddleware(cfg, logger, nil, nil)
			if err != nil {
				return err
			}
			defer mw.Cleanup(context.Background())

			ctx := context.Background()
			if err := mw.Init(ctx); err != nil {
				return fmt.Errorf("failed to restore persisted state: %w", err)
			}
			if err := mw.Login(ctx, creds); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			st := mw.Status().Session
			fmt.Printf("Logged in as %s", st.Username)
			if st.DisplayName != "" && st.DisplayName != st.Username {
				fmt.Printf(" (%s)", st.DisplayName)
			}
			fmt.Println()
			if !st.ExpiresAt.IsZero() {
				fmt.Printf("Session expires %s\n", humanize.Time(st.ExpiresAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted when omitted)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when omitted)")

	return cmd
}

func logoutCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the user session",
		Long:  "Notify the node and clear the persisted session. Local state is cleared even when the node is unreachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			mw, err := buildMiddleware(cfg, logging.NopLogger(), nil, nil)
			if err != nil {
				return err
			}
			defer mw.Cleanup(context.Background())

			ctx := context.Background()
			if err := mw.Init(ctx); err != nil {
				return fmt.Errorf("failed to restore persisted state: %w", err)
			}

			had := mw.Status().Session.SessionID != ""
			if err := mw.Logout(ctx); err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}
			if had {
				fmt.Println("Logged out.")
			} else {
				fmt.Println("No active session.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func whoamiCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the active session's user",
		Long:  "Ask the node who the active session belongs to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			mw, err := buildMiddleware(cfg, logging.NopLogger(), nil, nil)
			if err != nil {
				return err
			}
			defer mw.Cleanup(context.Background())

			ctx := context.Background()
			if err := mw.Init(ctx); err != nil {
				return fmt.Errorf("failed to restore persisted state: %w", err)
			}

			who, err := mw.WhoAmI(ctx)
			if errors.Is(err, session.ErrNotActive) {
				return errors.New("not logged in")
			}
			if err != nil {
				return fmt.Errorf("whoami failed: %w", err)
			}

			fmt.Printf("Username: %s\n", who.Username)
			if who.DisplayName != "" {
				fmt.Printf("Name:     %s\n", who.DisplayName)
			}
			if len(who.Roles) > 0 {
				fmt.Printf("Roles:    %s\n", strings.Join(who.Roles, ", "))
			}
			fmt.Printf("Session:  %s\n", who.SessionID)
			fmt.Printf("Expires:  %s (%s)\n", who.ExpiresAt.Format(time.RFC3339), humanize.Time(who.ExpiresAt))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func renewCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the user session",
		Long:  "Rotate the session token immediately instead of waiting for the renewal timer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			mw, err := buildMiddleware(cfg, logging.NopLogger(), nil, nil)
			if err != nil {
				return err
			}
			defer mw.Cleanup(context.Background())

			ctx := context.Background()
			if err := mw.Init(ctx); err != nil {
				return fmt.Errorf("failed to restore persisted state: %w", err)
			}

			if err := mw.RenewSession(ctx); err != nil {
				if errors.Is(err, session.ErrNotActive) {
					return errors.New("not logged in")
				}
				return fmt.Errorf("renew failed: %w", err)
			}

			st := mw.Status().Session
			fmt.Printf("Session renewed, expires %s\n", humanize.Time(st.ExpiresAt))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Inspect the identity certificate",
	}
	cmd.AddCommand(certInfoCmd())
	cmd.AddCommand(certThumbprintCmd())
	return cmd
}

func certInfoCmd() *cobra.Command {
	var configPath string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show identity certificate details",
		Long:  "Display the identity certificate. No private key or password is needed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			info, err := certs.LoadCertInfo(cfg.Identity.Cert)
			if err != nil {
				return err
			}

			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Subject:      %s\n", info.Subject)
			if info.Organization != "" {
				fmt.Printf("Organization: %s\n", info.Organization)
			}
			fmt.Printf("Serial:       %s\n", info.SerialNumber)
			fmt.Printf("Thumbprint:   %s\n", info.Thumbprint)
			fmt.Printf("Valid from:   %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Printf("Valid until:  %s (%s)\n", info.NotAfter.Format(time.RFC3339), humanize.Time(info.NotAfter))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print details as JSON")

	return cmd
}

func certThumbprintCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "thumbprint",
		Short: "Print the certificate thumbprint",
		Long:  "Print the bare thumbprint, the identifier a node operator registers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			info, err := certs.LoadCertInfo(cfg.Identity.Cert)
			if err != nil {
				return err
			}
			fmt.Println(info.Thumbprint)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// buildMiddleware assembles the client stack from configuration. The
// returned middleware owns the transport and store and closes them on
// Cleanup.
func buildMiddleware(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, creds middleware.CredentialsProvider) (*middleware.Middleware, error) {
	password, err := cfg.Identity.ResolveKeyPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key password: %w", err)
	}
	id, err := certs.Load(cfg.Identity.Cert, cfg.Identity.Key, password)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	tc, err := transport.New(transport.Config{
		Type: transport.TransportType(cfg.Node.Transport),
		TLS: transport.TLSOptions{
			CAFile:             cfg.Node.TLS.CA,
			PinSHA256:          cfg.Node.TLS.Fingerprint,
			InsecureSkipVerify: cfg.Node.TLS.InsecureSkipVerify,
		},
	})
	if err != nil {
		id.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	var backend storage.Store
	switch cfg.Storage.Backend {
	case "memory":
		backend = storage.NewMemory()
	default:
		backend, err = storage.OpenBolt(cfg.Storage.Path)
		if err != nil {
			tc.Close()
			id.Close()
			return nil, err
		}
	}

	mw, err := middleware.New(middleware.Config{
		Identity:         id,
		Transport:        tc,
		Store:            storage.NewPrefixed(backend, cfg.Storage.Prefix),
		BaseURL:          cfg.Node.URL,
		HandshakeTimeout: cfg.Node.HandshakeTimeout,
		Retry: channel.RetryConfig{
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
			MaxAttempts:  cfg.Retry.MaxAttempts,
		},
		RenewAhead:          cfg.Session.RenewAhead,
		CallTimeout:         cfg.Session.CallTimeout,
		Credentials:         creds,
		InvokeRatePerSecond: cfg.Node.InvokeRate,
		Metrics:             m,
		Logger:              logger,
	})
	if err != nil {
		backend.Close()
		tc.Close()
		id.Close()
		return nil, fmt.Errorf("failed to assemble client: %w", err)
	}
	return mw, nil
}

// writeStarterConfig writes a validated default configuration pointing at
// the generated identity.
func writeStarterConfig(path, dataDir, nodeURL, certPath, keyPath string) error {
	cfg := config.Default()
	cfg.Client.DataDir = dataDir
	cfg.Node.URL = nodeURL
	cfg.Identity.Cert = certPath
	cfg.Identity.Key = keyPath
	cfg.Storage.Path = filepath.Join(dataDir, "state.db")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("starter config invalid: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	header := "# Research Node Client Configuration\n" +
		"# Generated by rnode-client init\n" +
		"# See https://github.com/clinsight/rnode-client for documentation\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// readPayload parses the call payload from the flag value or stdin.
func readPayload(data string) (any, error) {
	if data == "" {
		return nil, nil
	}

	raw := []byte(data)
	if data == "-" {
		var err error
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// terminalCredentials supplies login credentials by prompting, for calls
// that need a session when none is active.
func terminalCredentials(username string) middleware.CredentialsProvider {
	return func(ctx context.Context) (session.Credentials, error) {
		return promptCredentials(username, "")
	}
}

// promptCredentials fills in whatever the flags and environment left
// empty. The password prompt never echoes on a terminal.
func promptCredentials(username, password string) (session.Credentials, error) {
	reader := bufio.NewReader(os.Stdin)

	if username == "" {
		fmt.Fprint(os.Stderr, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return session.Credentials{}, fmt.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return session.Credentials{}, errors.New("username required")
	}

	if password == "" {
		password = os.Getenv(passwordEnvVar)
	}
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		if term.IsTerminal(int(os.Stdin.Fd())) {
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return session.Credentials{}, fmt.Errorf("failed to read password: %w", err)
			}
			password = string(raw)
		} else {
			line, err := reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return session.Credentials{}, fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
	}

	return session.Credentials{Username: username, Password: password}, nil
}

// printStatus renders one full status block.
func printStatus(st middleware.Status, jsonOut bool) error {
	if jsonOut {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Identity:    %s (%s)\n", st.Identity.Subject, st.Identity.Thumbprint)
	fmt.Printf("Node:        %s\n", st.NodeURL)

	fmt.Printf("Channel:     %s", st.Channel.Status)
	if st.Channel.ChannelID != "" {
		fmt.Printf(" (%s)", st.Channel.ChannelID)
	}
	if !st.Channel.ExpiresAt.IsZero() {
		fmt.Printf(", expires %s", humanize.Time(st.Channel.ExpiresAt))
	}
	if st.Channel.LastError != "" {
		fmt.Printf(", last error: %s", st.Channel.LastError)
	}
	fmt.Println()

	fmt.Printf("Session:     %s", st.Session.Status)
	if st.Session.Username != "" {
		fmt.Printf(" (%s)", st.Session.Username)
	}
	if !st.Session.ExpiresAt.IsZero() {
		fmt.Printf(", expires %s", humanize.Time(st.Session.ExpiresAt))
	}
	if st.Session.LastError != "" {
		fmt.Printf(", last error: %s", st.Session.LastError)
	}
	fmt.Println()

	fmt.Printf("Certificate: valid until %s (%s)\n",
		st.Identity.NotAfter.Format("2006-01-02"), humanize.Time(st.Identity.NotAfter))
	return nil
}

// printStatusLine renders one compact line per watch update.
func printStatusLine(st middleware.Status, jsonOut bool) {
	if jsonOut {
		data, err := json.Marshal(st)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}

	fmt.Printf("%s  channel=%s", st.UpdatedAt.Format(time.RFC3339), st.Channel.Status)
	if st.Channel.ChannelID != "" {
		fmt.Printf(" (%s)", st.Channel.ChannelID)
	}
	fmt.Printf("  session=%s", st.Session.Status)
	if st.Session.Username != "" {
		fmt.Printf(" (%s)", st.Session.Username)
	}
	fmt.Println()
}

// defaultSubject picks the certificate subject for unattended init.
func defaultSubject() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "rnode-client"
}
