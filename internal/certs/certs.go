// Package certs manages the client's certificate identity: a self-signed
// X.509 Ed25519 certificate whose private key is kept sealed at rest and
// whose thumbprint names the client to the Research Node.
package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/clinsight/rnode-client/internal/crypto"
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeSealedKey   = "RNODE ENCRYPTED PRIVATE KEY"
	pemTypePlainKey    = "PRIVATE KEY"
)

var (
	// ErrPasswordRequired is returned when the private key is sealed and no
	// password was supplied.
	ErrPasswordRequired = errors.New("private key is encrypted: password required")

	// ErrNotFound is returned when identity files do not exist.
	ErrNotFound = errors.New("identity not found")
)

// Options configures certificate generation.
type Options struct {
	// SubjectName is the CN field (required).
	SubjectName string

	// Organization for the certificate subject.
	Organization string

	// ValidFor is the certificate validity duration.
	ValidFor time.Duration
}

// DefaultOptions returns default options for a client identity certificate.
func DefaultOptions(subjectName string) Options {
	return Options{
		SubjectName:  subjectName,
		Organization: "ClinSight Research",
		ValidFor:     365 * 24 * time.Hour, // 1 year
	}
}

// Identity is the client's certificate identity. The private key is held by
// a crypto.Signer and never exposed; callers sign through it and derive the
// state wrap key from it.
type Identity struct {
	// Certificate is the parsed X.509 certificate.
	Certificate *x509.Certificate

	// CertPEM is the PEM-encoded certificate.
	CertPEM []byte

	signer *crypto.Signer
}

// Generate creates a new self-signed Ed25519 identity certificate.
func Generate(opts Options) (*Identity, error) {
	if opts.SubjectName == "" {
		return nil, fmt.Errorf("%w: empty subject name", crypto.ErrInvalidKeyMaterial)
	}
	if opts.ValidFor <= 0 {
		opts.ValidFor = DefaultOptions(opts.SubjectName).ValidFor
	}

	signer, err := crypto.GenerateSigner()
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.SubjectName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             now,
		NotAfter:              now.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	seed := signer.Seed()
	defer crypto.ZeroBytes(seed)
	priv := ed25519.NewKeyFromSeed(seed)
	defer crypto.ZeroBytes(priv)

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, signer.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeCertificate,
		Bytes: certDER,
	})

	return &Identity{
		Certificate: cert,
		CertPEM:     certPEM,
		signer:      signer,
	}, nil
}

// Load reads an identity from certificate and key files. The password opens
// a sealed key and is ignored for plaintext PKCS#8 keys.
func Load(certPath, keyPath, password string) (*Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, certPath)
		}
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, keyPath)
		}
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	return Parse(certPEM, keyPEM, password)
}

// Parse parses a PEM-encoded certificate and private key. Expired
// certificates parse successfully; validity is enforced at handshake time.
func Parse(certPEM, keyPEM []byte, password string) (*Identity, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("%w: failed to decode certificate PEM", crypto.ErrInvalidKeyMaterial)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", crypto.ErrInvalidKeyMaterial, err)
	}
	if cert.PublicKeyAlgorithm != x509.Ed25519 {
		return nil, fmt.Errorf("%w: certificate algorithm %v, want Ed25519", crypto.ErrInvalidKeyMaterial, cert.PublicKeyAlgorithm)
	}

	seed, err := decodeKeyPEM(keyPEM, password)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(seed)

	signer, err := crypto.NewSignerFromSeed(seed)
	if err != nil {
		return nil, err
	}

	certPub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || !signer.Public().Equal(certPub) {
		return nil, fmt.Errorf("%w: private key does not match certificate", crypto.ErrInvalidKeyMaterial)
	}

	return &Identity{
		Certificate: cert,
		CertPEM:     certPEM,
		signer:      signer,
	}, nil
}

// decodeKeyPEM extracts the Ed25519 seed from a sealed or PKCS#8 key block.
func decodeKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode private key PEM", crypto.ErrInvalidKeyMaterial)
	}

	switch block.Type {
	case pemTypeSealedKey:
		if password == "" {
			return nil, ErrPasswordRequired
		}
		seed, err := crypto.OpenWithPassphrase(password, block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: unseal private key (wrong password?)", crypto.ErrInvalidKeyMaterial)
		}
		return seed, nil

	case pemTypePlainKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", crypto.ErrInvalidKeyMaterial, err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not Ed25519", crypto.ErrInvalidKeyMaterial)
		}
		return priv.Seed(), nil

	default:
		return nil, fmt.Errorf("%w: unsupported private key type %q", crypto.ErrInvalidKeyMaterial, block.Type)
	}
}

// Save writes the certificate and private key to files. With a password the
// key is sealed; without one it is written as plaintext PKCS#8 (development
// only).
func (id *Identity) Save(certPath, keyPath, password string) error {
	for _, p := range []string{certPath, keyPath} {
		if dir := filepath.Dir(p); dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		}
	}

	keyPEM, err := id.keyPEM(password)
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, id.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func (id *Identity) keyPEM(password string) ([]byte, error) {
	seed := id.signer.Seed()
	defer crypto.ZeroBytes(seed)

	if password == "" {
		priv := ed25519.NewKeyFromSeed(seed)
		defer crypto.ZeroBytes(priv)
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: pemTypePlainKey, Bytes: der}), nil
	}

	sealed, err := crypto.SealWithPassphrase(password, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeSealedKey, Bytes: sealed}), nil
}

// Signer returns the certificate's signing key holder.
func (id *Identity) Signer() *crypto.Signer {
	return id.signer
}

// KeyWrapper derives the wrap key protecting persisted channel and session
// state. It is bound to this exact certificate; rotation yields a different
// wrap key.
func (id *Identity) KeyWrapper() (*crypto.KeyWrapper, error) {
	seed := id.signer.Seed()
	defer crypto.ZeroBytes(seed)
	return crypto.NewKeyWrapper(seed, id.ThumbprintBytes())
}

// Thumbprint returns the lowercase hex SHA-256 of the certificate DER. This
// is the identifier sent in identify payloads.
func (id *Identity) Thumbprint() string {
	return hex.EncodeToString(id.ThumbprintBytes())
}

// ThumbprintFor computes the thumbprint of an arbitrary certificate.
func ThumbprintFor(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ThumbprintBytes returns the raw SHA-256 of the certificate DER.
func (id *Identity) ThumbprintBytes() []byte {
	sum := sha256.Sum256(id.Certificate.Raw)
	return sum[:]
}

// SubjectName returns the certificate's common name.
func (id *Identity) SubjectName() string {
	return id.Certificate.Subject.CommonName
}

// SerialNumber returns the certificate serial as a decimal string.
func (id *Identity) SerialNumber() string {
	return id.Certificate.SerialNumber.String()
}

// ValidAt reports whether the certificate's validity window covers t.
func (id *Identity) ValidAt(t time.Time) bool {
	return !t.Before(id.Certificate.NotBefore) && !t.After(id.Certificate.NotAfter)
}

// ExpiresWithin reports whether the certificate expires within d.
func (id *Identity) ExpiresWithin(d time.Duration) bool {
	return time.Now().Add(d).After(id.Certificate.NotAfter)
}

// Close zeroizes the private key material.
func (id *Identity) Close() {
	id.signer.Zero()
}

// Info contains certificate details for display.
type Info struct {
	Subject      string    `json:"subject"`
	Organization string    `json:"organization,omitempty"`
	SerialNumber string    `json:"serialNumber"`
	Thumbprint   string    `json:"thumbprint"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
}

// Info extracts display details from the identity.
func (id *Identity) Info() Info {
	info := Info{
		Subject:      id.SubjectName(),
		SerialNumber: id.SerialNumber(),
		Thumbprint:   id.Thumbprint(),
		NotBefore:    id.Certificate.NotBefore,
		NotAfter:     id.Certificate.NotAfter,
	}
	if orgs := id.Certificate.Subject.Organization; len(orgs) > 0 {
		info.Organization = orgs[0]
	}
	return info
}

// LoadCertInfo reads certificate details from the certificate file alone.
// No private key or password is needed; info displays use this.
func LoadCertInfo(certPath string) (Info, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, certPath)
		}
		return Info{}, fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != pemTypeCertificate {
		return Info{}, fmt.Errorf("%w: failed to decode certificate PEM", crypto.ErrInvalidKeyMaterial)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Info{}, fmt.Errorf("%w: parse certificate: %v", crypto.ErrInvalidKeyMaterial, err)
	}

	info := Info{
		Subject:      cert.Subject.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		Thumbprint:   ThumbprintFor(cert),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
	if orgs := cert.Subject.Organization; len(orgs) > 0 {
		info.Organization = orgs[0]
	}
	return info, nil
}

// Slug converts a subject name into a filesystem- and key-prefix-safe
// identifier. Unicode is NFC-normalized first to keep equivalent subjects
// from producing distinct slugs.
func Slug(subject string) string {
	normalized := norm.NFC.String(subject)

	var b strings.Builder
	lastDash := true // Strip leading dashes
	for _, r := range normalized {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "identity"
	}
	return slug
}
