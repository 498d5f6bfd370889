package identity

import (
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	agentErrors "github.com/adbauto/agent/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(Config{Dir: filepath.Join(t.TempDir(), "keys")})
}

func TestLoadOrCreate_GeneratesTriple(t *testing.T) {
	store := newTestStore(t)

	km, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !km.IsGenerated {
		t.Error("IsGenerated should be true on first call")
	}
	if km.PrivateKey.N.BitLen() != 2048 {
		t.Errorf("modulus = %d bits, want 2048", km.PrivateKey.N.BitLen())
	}
	if km.Certificate.Subject.CommonName != DefaultDeviceName {
		t.Errorf("CN = %q, want %q", km.Certificate.Subject.CommonName, DefaultDeviceName)
	}
	if !km.PublicKey.Equal(km.Certificate.PublicKey) {
		t.Error("certificate public key should match key pair")
	}

	for _, name := range []string{PrivateKeyFile, PublicKeyFile, CertificateFile} {
		if _, err := os.Stat(filepath.Join(store.Dir(), name)); err != nil {
			t.Errorf("%s not persisted: %v", name, err)
		}
	}

	info, err := os.Stat(filepath.Join(store.Dir(), PrivateKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestLoadOrCreate_ValidityWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(Config{
		Dir:     filepath.Join(t.TempDir(), "keys"),
		TimeNow: func() time.Time { return now },
	})

	km, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !km.Certificate.NotBefore.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("NotBefore = %v", km.Certificate.NotBefore)
	}
	if !km.Certificate.NotAfter.Equal(now.Add(365 * 24 * time.Hour)) {
		t.Errorf("NotAfter = %v", km.Certificate.NotAfter)
	}
}

func TestLoadOrCreate_Stable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := NewStore(Config{Dir: dir}).LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}

	// Fresh store simulates a process restart.
	second, err := NewStore(Config{Dir: dir}).LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if second.IsGenerated {
		t.Error("IsGenerated should be false when loading existing material")
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("certificate should be stable across loads")
	}
	if !first.PrivateKey.Equal(second.PrivateKey) {
		t.Error("private key should be stable across loads")
	}
}

func TestLoadOrCreate_Cached(t *testing.T) {
	store := newTestStore(t)

	a, err := store.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same store should return cached material")
	}
}

func TestLoadOrCreate_Concurrent(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	results := make([]*KeyMaterial, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			km, err := store.LoadOrCreate()
			if err != nil {
				t.Errorf("LoadOrCreate failed: %v", err)
				return
			}
			results[i] = km
		}(i)
	}
	wg.Wait()

	for i, km := range results {
		if km != results[0] {
			t.Errorf("result %d differs from result 0", i)
		}
	}
}

func TestLoadOrCreate_RegeneratesPartialTriple(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(dir string) error
	}{
		{
			name: "missing certificate",
			mutate: func(dir string) error {
				return os.Remove(filepath.Join(dir, CertificateFile))
			},
		},
		{
			name: "missing public key",
			mutate: func(dir string) error {
				return os.Remove(filepath.Join(dir, PublicKeyFile))
			},
		},
		{
			name: "corrupt private key",
			mutate: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte("garbage"), 0600)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "keys")
			first, err := NewStore(Config{Dir: dir}).LoadOrCreate()
			if err != nil {
				t.Fatal(err)
			}
			if err := tt.mutate(dir); err != nil {
				t.Fatal(err)
			}

			second, err := NewStore(Config{Dir: dir}).LoadOrCreate()
			if err != nil {
				t.Fatalf("LoadOrCreate failed: %v", err)
			}
			if !second.IsGenerated {
				t.Error("partial triple should be regenerated")
			}
			if first.PrivateKey.Equal(second.PrivateKey) {
				t.Error("regenerated key should differ from the discarded one")
			}

			third, err := NewStore(Config{Dir: dir}).LoadOrCreate()
			if err != nil {
				t.Fatal(err)
			}
			if third.IsGenerated || !third.PrivateKey.Equal(second.PrivateKey) {
				t.Error("regenerated triple should load cleanly afterwards")
			}
		})
	}
}

func TestLoadOrCreate_RegeneratesMismatchedCertificate(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")
	a, err := NewStore(Config{Dir: dirA}).LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(Config{Dir: dirB}).LoadOrCreate(); err != nil {
		t.Fatal(err)
	}

	// Certificate from another identity.
	certB, err := os.ReadFile(filepath.Join(dirB, CertificateFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirA, CertificateFile), certB, 0644); err != nil {
		t.Fatal(err)
	}

	km, err := NewStore(Config{Dir: dirA}).LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if !km.IsGenerated {
		t.Error("mismatched triple should be regenerated")
	}
	if km.PrivateKey.Equal(a.PrivateKey) {
		t.Error("regeneration should replace the private key too")
	}
	if !km.PublicKey.Equal(km.Certificate.PublicKey) {
		t.Error("regenerated certificate should match the key")
	}
}

func TestLoad_ErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(dir string) error
		missing  bool
		wantCode string
	}{
		{
			name: "missing certificate",
			mutate: func(dir string) error {
				return os.Remove(filepath.Join(dir, CertificateFile))
			},
			missing: true,
		},
		{
			name: "corrupt private key",
			mutate: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte("garbage"), 0600)
			},
			wantCode: agentErrors.CodeIdentityLoadFailed,
		},
		{
			name: "corrupt certificate",
			mutate: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, CertificateFile), []byte("garbage"), 0600)
			},
			wantCode: agentErrors.CodeIdentityLoadFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "keys")
			if _, err := NewStore(Config{Dir: dir}).LoadOrCreate(); err != nil {
				t.Fatal(err)
			}
			if err := tt.mutate(dir); err != nil {
				t.Fatal(err)
			}

			_, err := NewStore(Config{Dir: dir}).load()
			if err == nil {
				t.Fatal("load should fail")
			}
			if got := errors.Is(err, os.ErrNotExist); got != tt.missing {
				t.Errorf("errors.Is(err, os.ErrNotExist) = %v, want %v (%v)", got, tt.missing, err)
			}
			if tt.wantCode != "" && !agentErrors.IsCode(err, tt.wantCode) {
				t.Errorf("code = %q, want %q", agentErrors.GetCode(err), tt.wantCode)
			}
		})
	}
}

func TestLoad_MismatchIsLoadFailed(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")
	for _, dir := range []string{dirA, dirB} {
		if _, err := NewStore(Config{Dir: dir}).LoadOrCreate(); err != nil {
			t.Fatal(err)
		}
	}
	pubB, err := os.ReadFile(filepath.Join(dirB, PublicKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirA, PublicKeyFile), pubB, 0644); err != nil {
		t.Fatal(err)
	}

	_, err = NewStore(Config{Dir: dirA}).load()
	if !agentErrors.IsCode(err, agentErrors.CodeIdentityLoadFailed) {
		t.Errorf("code = %q (%v), want %q", agentErrors.GetCode(err), err, agentErrors.CodeIdentityLoadFailed)
	}
}

func TestReset(t *testing.T) {
	store := newTestStore(t)

	first, err := store.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	for _, name := range []string{PrivateKeyFile, PublicKeyFile, CertificateFile} {
		if _, err := os.Stat(filepath.Join(store.Dir(), name)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed after reset", name)
		}
	}

	second, err := store.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if first.PrivateKey.Equal(second.PrivateKey) {
		t.Error("reset should produce a new identity")
	}
}

func TestReset_NothingOnDisk(t *testing.T) {
	store := newTestStore(t)
	if err := store.Reset(); err != nil {
		t.Errorf("Reset on empty store should succeed: %v", err)
	}
	if err := store.Reset(); err != nil {
		t.Errorf("second Reset should succeed: %v", err)
	}
}

func TestTLSCertificate(t *testing.T) {
	store := newTestStore(t)
	km, err := store.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}

	cert := km.TLSCertificate()
	if len(cert.Certificate) != 1 {
		t.Fatalf("chain length = %d, want 1", len(cert.Certificate))
	}
	if cert.Leaf != km.Certificate {
		t.Error("Leaf should be set")
	}

	// Usable in a tls.Config.
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if len(cfg.Certificates) != 1 {
		t.Error("certificate should be usable in tls.Config")
	}
}

func TestFingerprint(t *testing.T) {
	km, err := newTestStore(t).LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(km.Fingerprint(), ":")
	if len(parts) != 32 {
		t.Errorf("fingerprint should have 32 parts, got %d", len(parts))
	}
	for _, part := range parts {
		if len(part) != 2 || strings.ToUpper(part) != part {
			t.Errorf("invalid fingerprint part %q", part)
		}
	}
}

func TestAndroidPublicKey(t *testing.T) {
	store := NewStore(Config{Dir: filepath.Join(t.TempDir(), "keys"), DeviceName: "bench-phone"})
	km, err := store.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}

	line, err := km.AndroidPublicKey()
	if err != nil {
		t.Fatalf("AndroidPublicKey failed: %v", err)
	}
	encoded, name, ok := strings.Cut(line, " ")
	if !ok || name != "bench-phone" {
		t.Fatalf("key line = %q, want base64 followed by device name", line)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	if len(raw) != AndroidKeySize {
		t.Fatalf("encoded size = %d, want %d", len(raw), AndroidKeySize)
	}
	if words := binary.LittleEndian.Uint32(raw[0:4]); words != 64 {
		t.Errorf("word count = %d, want 64", words)
	}

	// n[0] * n0inv == -1 mod 2^32
	n0 := new(big.Int).Mod(km.PublicKey.N, new(big.Int).Lsh(big.NewInt(1), 32)).Uint64()
	n0inv := uint64(binary.LittleEndian.Uint32(raw[4:8]))
	if uint32(n0*n0inv) != 0xffffffff {
		t.Errorf("n0inv check failed: n0*n0inv mod 2^32 = %#x", uint32(n0*n0inv))
	}

	rr := new(big.Int).SetBytes(reversed(raw[264:520]))
	want := new(big.Int).Exp(big.NewInt(2), big.NewInt(4096), km.PublicKey.N)
	if rr.Cmp(want) != 0 {
		t.Error("rr should equal 2^4096 mod n")
	}

	decoded, err := DecodeAndroidPublicKey(raw)
	if err != nil {
		t.Fatalf("DecodeAndroidPublicKey failed: %v", err)
	}
	if !decoded.Equal(km.PublicKey) {
		t.Error("decoded key should match original")
	}
}

func TestDecodeAndroidPublicKey_Invalid(t *testing.T) {
	if _, err := DecodeAndroidPublicKey(make([]byte, 10)); err == nil {
		t.Error("short input should fail")
	}
	bad := make([]byte, AndroidKeySize)
	binary.LittleEndian.PutUint32(bad[0:4], 32)
	if _, err := DecodeAndroidPublicKey(bad); err == nil {
		t.Error("wrong word count should fail")
	}
}
