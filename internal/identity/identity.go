// Package identity owns the agent's long-lived key material: an RSA-2048
// key pair and a self-signed certificate that binds it to a stable device
// name. The same material is used as the TLS client identity for pairing
// and for authenticated daemon sessions, so the three persisted artifacts
// must always describe one key.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	agentErrors "github.com/adbauto/agent/internal/errors"
)

// Artifact file names inside the key directory.
const (
	PrivateKeyFile  = "adb_key"
	PublicKeyFile   = "adb_key.pub"
	CertificateFile = "adb_cert"
)

// DefaultDeviceName is the certificate subject and the name presented to
// the daemon when no name is configured.
const DefaultDeviceName = "ADBAutoEnable"

// DefaultKeyBits is the RSA modulus size. The daemon's public key format
// only carries 2048-bit moduli.
const DefaultKeyBits = 2048

// Validity window around generation time. The backdated start tolerates
// clock skew between this device and the daemon.
const (
	validBefore = 24 * time.Hour
	validAfter  = 365 * 24 * time.Hour
)

// KeyMaterial is one consistent identity: the certificate's public key
// always matches PrivateKey.
type KeyMaterial struct {
	PrivateKey  *rsa.PrivateKey
	PublicKey   *rsa.PublicKey
	Certificate *x509.Certificate
	DeviceName  string

	// IsGenerated reports whether this material was created by the call
	// that returned it rather than loaded from disk.
	IsGenerated bool
}

// TLSCertificate returns the material as a tls.Certificate suitable for
// presenting as a client identity.
func (km *KeyMaterial) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{km.Certificate.Raw},
		PrivateKey:  km.PrivateKey,
		Leaf:        km.Certificate,
	}
}

// Fingerprint returns the SHA-256 fingerprint of the certificate as
// colon-separated uppercase hex bytes.
func (km *KeyMaterial) Fingerprint() string {
	return ComputeFingerprint(km.Certificate)
}

// Config holds Store settings.
type Config struct {
	// Dir is the directory holding the three artifacts. Required.
	Dir string

	// DeviceName is bound into the certificate subject.
	// Default: DefaultDeviceName.
	DeviceName string

	// KeyBits is the RSA modulus size. Default: DefaultKeyBits.
	KeyBits int

	// TimeNow returns the current time. Default: time.Now.
	TimeNow func() time.Time
}

// Store loads or generates key material under a single directory.
// It is safe for concurrent use; LoadOrCreate and Reset are serialised
// so a reset never interleaves with generation.
type Store struct {
	mu     sync.Mutex
	config Config
	cached *KeyMaterial
}

// NewStore creates a Store. Nothing touches the disk until LoadOrCreate.
func NewStore(cfg Config) *Store {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.TimeNow == nil {
		cfg.TimeNow = time.Now
	}
	return &Store{config: cfg}
}

// Dir returns the artifact directory.
func (s *Store) Dir() string {
	return s.config.Dir
}

// DeviceName returns the configured device name.
func (s *Store) DeviceName() string {
	return s.config.DeviceName
}

// LoadOrCreate returns the persisted key material, generating and
// persisting a fresh triple when any artifact is missing or unparseable.
// Once loaded, the same material is returned until Reset.
func (s *Store) LoadOrCreate() (*KeyMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}

	km, err := s.load()
	if err == nil {
		log.Printf("identity: loaded key material from %s (%s)", s.config.Dir, km.Fingerprint())
		s.cached = km
		return km, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("identity: no key material in %s, generating", s.config.Dir)
	} else {
		// Never repair a partial triple: a key/cert mismatch would make
		// every later handshake fail without a clear error.
		log.Printf("identity: discarding unusable key material: %v", err)
	}

	km, err = s.generate()
	if err != nil {
		return nil, err
	}
	if err := s.persist(km); err != nil {
		return nil, err
	}
	log.Printf("identity: generated key material (%s)", km.Fingerprint())
	s.cached = km
	return km, nil
}

// Reset deletes all persisted artifacts. The next LoadOrCreate generates
// a new identity. Resetting a store with nothing on disk is a no-op.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	if err := os.RemoveAll(s.config.Dir); err != nil {
		return agentErrors.Wrap(agentErrors.CodeIdentityResetFailed, "remove key material", err)
	}
	log.Printf("identity: key material reset (%s)", s.config.Dir)
	return nil
}

// load reads and cross-checks the three artifacts. A missing artifact
// yields an os.ErrNotExist error; anything unusable is identity.load_failed.
func (s *Store) load() (*KeyMaterial, error) {
	keyPEM, err := os.ReadFile(filepath.Join(s.config.Dir, PrivateKeyFile))
	if err != nil {
		return nil, err
	}
	pubPEM, err := os.ReadFile(filepath.Join(s.config.Dir, PublicKeyFile))
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(filepath.Join(s.config.Dir, CertificateFile))
	if err != nil {
		return nil, err
	}

	priv, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodeIdentityLoadFailed, "parse private key", err)
	}
	pub, err := parsePublicKey(pubPEM)
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodeIdentityLoadFailed, "parse public key", err)
	}
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodeIdentityLoadFailed, "parse certificate", err)
	}

	if !priv.PublicKey.Equal(pub) {
		return nil, agentErrors.New(agentErrors.CodeIdentityLoadFailed, "public key does not match private key")
	}
	if !pub.Equal(cert.PublicKey) {
		return nil, agentErrors.New(agentErrors.CodeIdentityLoadFailed, "certificate does not match private key")
	}

	return &KeyMaterial{
		PrivateKey:  priv,
		PublicKey:   pub,
		Certificate: cert,
		DeviceName:  s.config.DeviceName,
	}, nil
}

// generate creates a new key pair and self-signed certificate.
func (s *Store) generate() (*KeyMaterial, error) {
	priv, err := rsa.GenerateKey(rand.Reader, s.config.KeyBits)
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodeIdentityGenerateFailed, "generate RSA key", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodeIdentityGenerateFailed, "generate serial number", err)
	}

	now := s.config.TimeNow()
	subject := pkix.Name{CommonName: s.config.DeviceName}
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now.Add(-validBefore),
		NotAfter:              now.Add(validAfter),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodeIdentityGenerateFailed, "create certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodeIdentityGenerateFailed, "parse generated certificate", err)
	}

	return &KeyMaterial{
		PrivateKey:  priv,
		PublicKey:   &priv.PublicKey,
		Certificate: cert,
		DeviceName:  s.config.DeviceName,
		IsGenerated: true,
	}, nil
}

// persist writes the triple into a staging directory next to Dir and
// renames it into place, so a concurrent or later load sees either the
// old directory, no directory, or the complete new one.
func (s *Store) persist(km *KeyMaterial) error {
	parent := filepath.Dir(s.config.Dir)
	if err := os.MkdirAll(parent, 0700); err != nil {
		return agentErrors.Wrap(agentErrors.CodeIdentityPersistFailed, "create data directory", err)
	}

	staging, err := os.MkdirTemp(parent, "."+filepath.Base(s.config.Dir)+"-*")
	if err != nil {
		return agentErrors.Wrap(agentErrors.CodeIdentityPersistFailed, "create staging directory", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	keyDER, err := x509.MarshalPKCS8PrivateKey(km.PrivateKey)
	if err != nil {
		return agentErrors.Wrap(agentErrors.CodeIdentityPersistFailed, "marshal private key", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(km.PublicKey)
	if err != nil {
		return agentErrors.Wrap(agentErrors.CodeIdentityPersistFailed, "marshal public key", err)
	}

	artifacts := []struct {
		name  string
		block *pem.Block
		perm  os.FileMode
	}{
		{PrivateKeyFile, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}, 0600},
		{PublicKeyFile, &pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}, 0644},
		{CertificateFile, &pem.Block{Type: "CERTIFICATE", Bytes: km.Certificate.Raw}, 0644},
	}
	for _, a := range artifacts {
		if err := writeSynced(filepath.Join(staging, a.name), pem.EncodeToMemory(a.block), a.perm); err != nil {
			return agentErrors.Wrap(agentErrors.CodeIdentityPersistFailed, "write "+a.name, err)
		}
	}

	if err := os.RemoveAll(s.config.Dir); err != nil {
		return agentErrors.Wrap(agentErrors.CodeIdentityPersistFailed, "remove previous key material", err)
	}
	if err := os.Rename(staging, s.config.Dir); err != nil {
		return agentErrors.Wrap(agentErrors.CodeIdentityPersistFailed, "commit key material", err)
	}
	committed = true
	return nil
}

func writeSynced(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", key)
	}
	return rsaKey, nil
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", key)
	}
	return rsaKey, nil
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// ComputeFingerprint computes the SHA-256 fingerprint of a certificate.
// Returns the fingerprint as colon-separated uppercase hex bytes.
// Example: "AA:BB:CC:DD:EE:FF:..."
func ComputeFingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	hexStr := hex.EncodeToString(hash[:])

	var parts []string
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, strings.ToUpper(hexStr[i:i+2]))
	}
	return strings.Join(parts, ":")
}
