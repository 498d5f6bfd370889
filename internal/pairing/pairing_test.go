package pairing

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	agentErrors "github.com/adbauto/agent/internal/errors"
	"github.com/adbauto/agent/internal/identity"
)

type failingIdentity struct{}

func (failingIdentity) LoadOrCreate() (*identity.KeyMaterial, error) {
	return nil, errors.New("disk unavailable")
}

// testDaemon runs a pairing Server on a loopback port and records the
// keys it has been asked to trust.
type testDaemon struct {
	ln   net.Listener
	port int

	mu      sync.Mutex
	trusted []string
}

func startDaemon(t *testing.T, code string) *testDaemon {
	t.Helper()

	km, err := identity.NewStore(identity.Config{
		Dir:        filepath.Join(t.TempDir(), "daemon"),
		DeviceName: "daemon",
	}).LoadOrCreate()
	if err != nil {
		t.Fatalf("daemon identity: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &testDaemon{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}

	srv := &Server{
		Code:        code,
		Certificate: km.TLSCertificate(),
		GUID:        "adb-test-guid",
		OnPaired: func(p PeerInfo) {
			d.mu.Lock()
			d.trusted = append(d.trusted, string(p.Data))
			d.mu.Unlock()
		},
		Timeout: 10 * time.Second,
	}
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *testDaemon) trustedKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.trusted...)
}

func newTestClient(t *testing.T) (*Client, *identity.Store) {
	t.Helper()
	store := identity.NewStore(identity.Config{Dir: filepath.Join(t.TempDir(), "keys")})
	return NewClient(Config{Identity: store, Timeout: 10 * time.Second}), store
}

func TestPair_CorrectCode(t *testing.T) {
	daemon := startDaemon(t, "123456")
	client, store := newTestClient(t)

	ok := client.Pair(context.Background(), Request{Host: "127.0.0.1", Port: daemon.port, Code: "123456"})
	if !ok {
		t.Fatal("Pair should succeed with the correct code")
	}

	km, err := store.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	want, err := km.AndroidPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	trusted := daemon.trustedKeys()
	if len(trusted) != 1 || trusted[0] != want {
		t.Errorf("daemon trusted %q, want our key", trusted)
	}
}

func TestPair_WrongCode(t *testing.T) {
	daemon := startDaemon(t, "123456")
	client, _ := newTestClient(t)

	if !client.Pair(context.Background(), Request{Host: "127.0.0.1", Port: daemon.port, Code: "123456"}) {
		t.Fatal("first pairing should succeed")
	}
	before := daemon.trustedKeys()

	err := client.Attempt(context.Background(), Request{Host: "127.0.0.1", Port: daemon.port, Code: "654321"})
	if err == nil {
		t.Fatal("Attempt should fail with the wrong code")
	}
	if !agentErrors.IsCode(err, agentErrors.CodePairingRejected) {
		t.Errorf("error code = %q, want %q", agentErrors.GetCode(err), agentErrors.CodePairingRejected)
	}

	after := daemon.trustedKeys()
	if len(after) != len(before) {
		t.Errorf("trust state changed after wrong code: %d keys, want %d", len(after), len(before))
	}
}

func TestPair_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	client, _ := newTestClient(t)
	err = client.Attempt(context.Background(), Request{Host: "127.0.0.1", Port: port, Code: "123456"})
	if !agentErrors.IsCode(err, agentErrors.CodePairingUnreachable) {
		t.Errorf("error code = %q, want %q", agentErrors.GetCode(err), agentErrors.CodePairingUnreachable)
	}
	if client.Pair(context.Background(), Request{Host: "127.0.0.1", Port: port, Code: "123456"}) {
		t.Error("Pair should return false for an unreachable peer")
	}
}

func TestPair_IdentityUnavailable(t *testing.T) {
	client := NewClient(Config{Identity: failingIdentity{}})

	err := client.Attempt(context.Background(), Request{Host: "127.0.0.1", Port: 5555, Code: "123456"})
	if !agentErrors.IsCode(err, agentErrors.CodePairingIdentityUnavailable) {
		t.Errorf("error code = %q, want %q", agentErrors.GetCode(err), agentErrors.CodePairingIdentityUnavailable)
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		port    string
		code    string
		wantErr bool
	}{
		{name: "valid", host: "127.0.0.1", port: "37831", code: "123456"},
		{name: "trims whitespace", host: " 127.0.0.1 ", port: " 37831 ", code: " 123456 "},
		{name: "empty host", host: "", port: "37831", code: "123456", wantErr: true},
		{name: "empty code", host: "127.0.0.1", port: "37831", code: "", wantErr: true},
		{name: "non-numeric port", host: "127.0.0.1", port: "abc", code: "123456", wantErr: true},
		{name: "port zero", host: "127.0.0.1", port: "0", code: "123456", wantErr: true},
		{name: "port too large", host: "127.0.0.1", port: "70000", code: "123456", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest(tt.host, tt.port, tt.code)
			if tt.wantErr {
				if !agentErrors.IsCode(err, agentErrors.CodePairingInvalidRequest) {
					t.Errorf("error = %v, want %s", err, agentErrors.CodePairingInvalidRequest)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Host != "127.0.0.1" || req.Port != 37831 || req.Code != "123456" {
				t.Errorf("request = %+v", req)
			}
			if req.Addr() != "127.0.0.1:"+strconv.Itoa(37831) {
				t.Errorf("Addr() = %q", req.Addr())
			}
		})
	}
}

func TestPair_InvalidRequestNeverDials(t *testing.T) {
	dialed := false
	client := NewClient(Config{
		Identity: failingIdentity{},
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialed = true
			return nil, errors.New("unexpected dial")
		},
	})
	if client.Pair(context.Background(), Request{Host: "127.0.0.1", Port: 0, Code: "1"}) {
		t.Error("Pair should fail for an invalid port")
	}
	if dialed {
		t.Error("invalid request should not dial")
	}
}

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePacket(&buf, PacketSpake2Msg, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := buf.Bytes()[:6]; !bytes.Equal(got, []byte{1, 0, 0, 0, 0, 5}) {
		t.Errorf("header = %v", got)
	}
	payload, err := ReadPacket(&buf, PacketSpake2Msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q", payload)
	}
}

func TestReadPacket_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "bad version", data: []byte{2, 0, 0, 0, 0, 1, 'x'}},
		{name: "wrong type", data: []byte{1, 1, 0, 0, 0, 1, 'x'}},
		{name: "empty payload", data: []byte{1, 0, 0, 0, 0, 0}},
		{name: "oversized", data: []byte{1, 0, 0, 0, 0x40, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadPacket(bytes.NewReader(tt.data), PacketSpake2Msg); !errors.Is(err, ErrBadPacket) {
				t.Errorf("err = %v, want ErrBadPacket", err)
			}
		})
	}

	if err := WritePacket(&bytes.Buffer{}, PacketPeerInfo, make([]byte, MaxPayloadSize+1)); !errors.Is(err, ErrBadPacket) {
		t.Errorf("oversized write err = %v, want ErrBadPacket", err)
	}
}

func TestCipher_SequencedNonces(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 64)
	sender, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	first := sender.Encrypt([]byte("one"))
	second := sender.Encrypt([]byte("two"))

	// Out of order fails: the receiver expects sequence 0 first.
	if _, err := receiver.Decrypt(second); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("out-of-order decrypt err = %v, want ErrDecryptFailed", err)
	}
	for i, ct := range [][]byte{first, second} {
		pt, err := receiver.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if want := []string{"one", "two"}[i]; string(pt) != want {
			t.Errorf("plaintext %d = %q, want %q", i, pt, want)
		}
	}

	other, err := NewCipher(bytes.Repeat([]byte{8}, 64))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Decrypt(sender.Encrypt([]byte("x"))); !errors.Is(err, ErrDecryptFailed) {
		t.Error("different key should fail to decrypt")
	}
}

func TestPeerInfo(t *testing.T) {
	raw, err := PeerInfo{Type: PeerRSAPublicKey, Data: []byte("QUFB name")}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != PeerInfoSize {
		t.Fatalf("size = %d, want %d", len(raw), PeerInfoSize)
	}
	p, err := UnmarshalPeerInfo(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != PeerRSAPublicKey || string(p.Data) != "QUFB name" {
		t.Errorf("peer info = %+v", p)
	}

	if _, err := (PeerInfo{Data: []byte(strings.Repeat("x", PeerInfoSize))}).Marshal(); err == nil {
		t.Error("oversized data should fail")
	}
}
