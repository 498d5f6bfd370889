// Package pairing implements the one-time pairing handshake with the
// debugging daemon: a TLS 1.3 connection whose exported keying material is
// mixed with the user-visible code into a SPAKE2 exchange, followed by an
// encrypted swap of peer identities. On success the daemon trusts this
// device's public key for later authenticated sessions.
package pairing

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	agentErrors "github.com/adbauto/agent/internal/errors"
	"github.com/adbauto/agent/internal/identity"
	"github.com/adbauto/agent/internal/spake2"
)

// IdentitySource supplies the key material presented to the daemon.
type IdentitySource interface {
	LoadOrCreate() (*identity.KeyMaterial, error)
}

// Request is one pairing attempt.
type Request struct {
	Host string
	Port int
	Code string
}

// ParseRequest validates raw caller input. Host and code must be
// non-empty and port must parse as 1..65535.
func ParseRequest(host, port, code string) (Request, error) {
	host = strings.TrimSpace(host)
	code = strings.TrimSpace(code)
	if host == "" {
		return Request{}, agentErrors.New(agentErrors.CodePairingInvalidRequest, "host is required")
	}
	if code == "" {
		return Request{}, agentErrors.New(agentErrors.CodePairingInvalidRequest, "pairing code is required")
	}
	p, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil || p < 1 || p > 65535 {
		return Request{}, agentErrors.New(agentErrors.CodePairingInvalidRequest, fmt.Sprintf("invalid port %q", port))
	}
	return Request{Host: host, Port: p, Code: code}, nil
}

// Validate checks an already-typed request.
func (r Request) Validate() error {
	_, err := ParseRequest(r.Host, strconv.Itoa(r.Port), r.Code)
	return err
}

// Addr returns host:port.
func (r Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Config holds Client settings.
type Config struct {
	// Identity supplies the client certificate. Required.
	Identity IdentitySource

	// Timeout bounds the whole exchange, dial included.
	// Default: 30 seconds.
	Timeout time.Duration

	// Dial opens the TCP connection. Default: net.Dialer.DialContext.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client performs pairing handshakes. It never retries; one call is one
// attempt.
type Client struct {
	config Config
}

// NewClient creates a Client with defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	return &Client{config: cfg}
}

// Pair runs one handshake and reports whether the daemon accepted the code.
// Every failure, including an unavailable identity, is logged and reported
// as false.
func (c *Client) Pair(ctx context.Context, req Request) bool {
	if err := c.Attempt(ctx, req); err != nil {
		log.Printf("pairing: %s failed: %v", req.Addr(), err)
		return false
	}
	log.Printf("pairing: paired with %s", req.Addr())
	return true
}

// Attempt runs one handshake and returns a coded error describing why it
// failed: pairing.invalid_request, pairing.identity_unavailable,
// pairing.unreachable or pairing.rejected.
func (c *Client) Attempt(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	km, err := c.config.Identity.LoadOrCreate()
	if err != nil {
		return agentErrors.Wrap(agentErrors.CodePairingIdentityUnavailable, "load key material", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	raw, err := c.config.Dial(ctx, "tcp", req.Addr())
	if err != nil {
		return agentErrors.Wrap(agentErrors.CodePairingUnreachable, "connect to "+req.Addr(), err)
	}
	defer raw.Close()
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	cert := km.TLSCertificate()
	conn := tls.Client(raw, &tls.Config{
		// The daemon's certificate is self-signed and unknown to us; the
		// SPAKE2 exchange below is what authenticates it.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &cert, nil
		},
	})
	if err := conn.HandshakeContext(ctx); err != nil {
		return agentErrors.Wrap(agentErrors.CodePairingUnreachable, "TLS handshake", err)
	}

	state := conn.ConnectionState()
	exported, err := state.ExportKeyingMaterial(ExportLabel, nil, ExportedKeySize)
	if err != nil {
		return agentErrors.Internal("export keying material", err)
	}

	cipher, err := exchangeKeys(conn, spake2.New(spake2.RoleAlice, ClientName, ServerName), password(req.Code, exported), true)
	if err != nil {
		return err
	}

	pubKey, err := km.AndroidPublicKey()
	if err != nil {
		return agentErrors.Internal("encode public key", err)
	}
	ours, err := PeerInfo{Type: PeerRSAPublicKey, Data: []byte(pubKey)}.Marshal()
	if err != nil {
		return agentErrors.Internal("encode peer info", err)
	}
	if err := WritePacket(conn, PacketPeerInfo, cipher.Encrypt(ours)); err != nil {
		return agentErrors.Wrap(agentErrors.CodePairingRejected, "send peer info", err)
	}

	// A daemon that could not decrypt our record drops the connection, so a
	// wrong code surfaces here as EOF or as our own decrypt failure.
	sealed, err := ReadPacket(conn, PacketPeerInfo)
	if err != nil {
		return agentErrors.Wrap(agentErrors.CodePairingRejected, "pairing code rejected", err)
	}
	plain, err := cipher.Decrypt(sealed)
	if err != nil {
		return agentErrors.Wrap(agentErrors.CodePairingRejected, "pairing code rejected", err)
	}
	theirs, err := UnmarshalPeerInfo(plain)
	if err != nil {
		return agentErrors.Wrap(agentErrors.CodePairingRejected, "decode peer info", err)
	}
	if theirs.Type == PeerDeviceGUID {
		log.Printf("pairing: daemon guid %s", theirs.Data)
	}
	return nil
}

// exchangeKeys runs the SPAKE2 message swap over conn and returns the
// derived channel cipher. The client sends first; the server reads first.
func exchangeKeys(conn net.Conn, ctx *spake2.Context, pw []byte, sendFirst bool) (*Cipher, error) {
	ourMsg, err := ctx.GenerateMessage(pw)
	if err != nil {
		return nil, agentErrors.Internal("generate key exchange message", err)
	}

	var theirMsg []byte
	if sendFirst {
		if err := WritePacket(conn, PacketSpake2Msg, ourMsg); err != nil {
			return nil, agentErrors.Wrap(agentErrors.CodePairingRejected, "send key exchange message", err)
		}
	}
	theirMsg, err = ReadPacket(conn, PacketSpake2Msg)
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodePairingRejected, "read key exchange message", err)
	}
	if !sendFirst {
		if err := WritePacket(conn, PacketSpake2Msg, ourMsg); err != nil {
			return nil, agentErrors.Wrap(agentErrors.CodePairingRejected, "send key exchange message", err)
		}
	}

	key, err := ctx.ProcessMessage(theirMsg)
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodePairingRejected, "process key exchange message", err)
	}
	cipher, err := NewCipher(key)
	if err != nil {
		return nil, agentErrors.Internal("derive channel key", err)
	}
	return cipher, nil
}
