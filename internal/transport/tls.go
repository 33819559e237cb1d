package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// TLSOptions configures how the node's server certificate is verified.
type TLSOptions struct {
	// CAFile is a PEM bundle of trusted roots. Empty uses the system pool.
	CAFile string

	// PinSHA256 pins the server leaf certificate by SHA-256 of its DER,
	// written as hex with an optional "sha256:" prefix. When set without a
	// CAFile, the pin replaces chain verification entirely.
	PinSHA256 string

	// InsecureSkipVerify disables all verification. Development only.
	InsecureSkipVerify bool

	// ServerName overrides SNI and hostname verification.
	ServerName string
}

// ClientTLSConfig builds the tls.Config for the configured verification
// policy.
func ClientTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: opts.ServerName,
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	if opts.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}

	if opts.PinSHA256 != "" {
		pin, err := parsePin(opts.PinSHA256)
		if err != nil {
			return nil, err
		}
		if opts.CAFile == "" {
			// Pin-only mode: the pin replaces chain verification.
			cfg.InsecureSkipVerify = true
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if sum != pin {
				return fmt.Errorf("server certificate fingerprint sha256:%s does not match pin",
					hex.EncodeToString(sum[:]))
			}
			return nil
		}
	}

	return cfg, nil
}

// parsePin decodes a hex pin, tolerating a "sha256:" prefix and mixed case.
func parsePin(pin string) ([32]byte, error) {
	var out [32]byte

	pin = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(pin)), "sha256:")
	raw, err := hex.DecodeString(pin)
	if err != nil {
		return out, fmt.Errorf("invalid certificate pin: %w", err)
	}
	if len(raw) != sha256.Size {
		return out, fmt.Errorf("invalid certificate pin: got %d bytes, want %d", len(raw), sha256.Size)
	}
	copy(out[:], raw)
	return out, nil
}

// FingerprintCert returns the displayable pin of a certificate, the form
// accepted back by TLSOptions.PinSHA256.
func FingerprintCert(der []byte) string {
	sum := sha256.Sum256(der)
	return "sha256:" + hex.EncodeToString(sum[:])
}
