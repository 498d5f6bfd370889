// Package adb is a minimal client for the debugging daemon's wire protocol:
// enough to establish an authenticated connection with the agent's identity
// and run one named service at a time over it.
package adb

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	agentErrors "github.com/adbauto/agent/internal/errors"
	"github.com/adbauto/agent/internal/identity"
)

// IdentitySource supplies the key material used to authenticate.
type IdentitySource interface {
	LoadOrCreate() (*identity.KeyMaterial, error)
}

// Config holds Dialer settings.
type Config struct {
	// Identity supplies the client key. Required.
	Identity IdentitySource

	// IOTimeout bounds each protocol step (connect, open, read).
	// Default: 10 seconds.
	IOTimeout time.Duration

	// AuthTimeout bounds the wait for the daemon to accept an offered
	// public key. Default: 10 seconds.
	AuthTimeout time.Duration

	// Dial opens the TCP connection. Default: net.Dialer.DialContext.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dialer opens authenticated sessions.
type Dialer struct {
	config Config
}

// NewDialer creates a Dialer with defaults applied.
func NewDialer(cfg Config) *Dialer {
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	return &Dialer{config: cfg}
}

// Session is one authenticated connection. It is owned by the caller that
// opened it and must be closed on every path; Close is idempotent.
type Session struct {
	config Config
	addr   string

	conn       net.Conn
	banner     string
	maxPayload uint32

	mu      sync.Mutex
	closed  bool
	localID uint32
}

// Connect establishes an authenticated session with the daemon at
// host:port. It succeeds only if the daemon already trusts our key or
// accepts the offered key within AuthTimeout.
func (d *Dialer) Connect(ctx context.Context, host string, port int) (*Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	km, err := d.config.Identity.LoadOrCreate()
	if err != nil {
		return nil, agentErrors.Wrap(agentErrors.CodeSessionConnectFailed, "load key material", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.config.IOTimeout)
	defer cancel()
	conn, err := d.config.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, agentErrors.SessionConnectFailed(addr, err)
	}

	s := &Session{config: d.config, addr: addr, conn: conn}
	if err := s.handshake(ctx, km); err != nil {
		s.conn.Close()
		return nil, err
	}
	log.Printf("adb: connected to %s (%s)", addr, s.banner)
	return s, nil
}

// handshake runs CNXN, upgrading to TLS or answering AUTH challenges as
// the daemon requests.
func (s *Session) handshake(ctx context.Context, km *identity.KeyMaterial) error {
	s.conn.SetDeadline(time.Now().Add(s.config.IOTimeout))
	err := WriteMessage(s.conn, Message{
		Command: CmdCNXN,
		Arg0:    ProtocolVersion,
		Arg1:    MaxPayload,
		Payload: []byte("host::\x00"),
	})
	if err != nil {
		return agentErrors.SessionConnectFailed(s.addr, err)
	}

	upgraded := false
	sentSignature := false
	sentPublicKey := false

	for {
		msg, err := ReadMessage(s.conn)
		if err != nil {
			if upgraded {
				// After TLS 1.3 the client's handshake completes before the
				// daemon checks our certificate; a rejection arrives here.
				return agentErrors.Wrap(agentErrors.CodeSessionAuthRejected, "daemon closed the TLS session", err)
			}
			if sentPublicKey {
				return agentErrors.Wrap(agentErrors.CodeSessionAuthRejected, "offered key was not accepted", err)
			}
			return agentErrors.SessionConnectFailed(s.addr, err)
		}

		switch msg.Command {
		case CmdCNXN:
			s.banner = string(trimNUL(msg.Payload))
			s.maxPayload = msg.Arg1
			s.conn.SetDeadline(time.Time{})
			return nil

		case CmdSTLS:
			if upgraded {
				return agentErrors.SessionConnectFailed(s.addr, fmt.Errorf("unexpected %s", msg))
			}
			if err := WriteMessage(s.conn, Message{Command: CmdSTLS, Arg0: STLSVersion}); err != nil {
				return agentErrors.SessionConnectFailed(s.addr, err)
			}
			cert := km.TLSCertificate()
			tlsConn := tls.Client(s.conn, &tls.Config{
				// The daemon presents a self-signed certificate; trust runs the
				// other way, from the daemon to our paired key.
				InsecureSkipVerify: true,
				MinVersion:         tls.VersionTLS13,
				GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
					return &cert, nil
				},
			})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return agentErrors.Wrap(agentErrors.CodeSessionAuthRejected, "TLS handshake", err)
			}
			s.conn = tlsConn
			upgraded = true

		case CmdAUTH:
			if msg.Arg0 != AuthToken {
				return agentErrors.SessionConnectFailed(s.addr, fmt.Errorf("unexpected AUTH type %d", msg.Arg0))
			}
			switch {
			case !sentSignature:
				sig, err := signToken(km.PrivateKey, msg.Payload)
				if err != nil {
					return agentErrors.SessionConnectFailed(s.addr, err)
				}
				if err := WriteMessage(s.conn, Message{Command: CmdAUTH, Arg0: AuthSignature, Payload: sig}); err != nil {
					return agentErrors.SessionConnectFailed(s.addr, err)
				}
				sentSignature = true
			case !sentPublicKey:
				line, err := km.AndroidPublicKey()
				if err != nil {
					return agentErrors.SessionConnectFailed(s.addr, err)
				}
				if err := WriteMessage(s.conn, Message{Command: CmdAUTH, Arg0: AuthRSAPublicKey, Payload: append([]byte(line), 0)}); err != nil {
					return agentErrors.SessionConnectFailed(s.addr, err)
				}
				sentPublicKey = true
				log.Printf("adb: %s does not trust our key yet, offered public key", s.addr)
				s.conn.SetDeadline(time.Now().Add(s.config.AuthTimeout))
			default:
				return agentErrors.New(agentErrors.CodeSessionAuthRejected, "daemon rejected our key")
			}

		default:
			return agentErrors.SessionConnectFailed(s.addr, fmt.Errorf("unexpected %s", msg))
		}
	}
}

// signToken signs an AUTH challenge. The token is treated as an
// already-computed SHA-1 digest.
func signToken(key *rsa.PrivateKey, token []byte) ([]byte, error) {
	if len(token) != TokenSize {
		return nil, fmt.Errorf("AUTH token is %d bytes, want %d", len(token), TokenSize)
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, token)
}

// Banner returns the daemon's CNXN identity string.
func (s *Session) Banner() string {
	return s.banner
}

// OpenService opens a named service such as "shell:id" or "tcpip:5555".
func (s *Session) OpenService(service string) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, agentErrors.New(agentErrors.CodeSessionClosed, "session is closed")
	}
	s.localID++
	localID := s.localID
	s.mu.Unlock()

	s.conn.SetDeadline(time.Now().Add(s.config.IOTimeout))
	defer s.conn.SetDeadline(time.Time{})

	err := WriteMessage(s.conn, Message{Command: CmdOPEN, Arg0: localID, Payload: append([]byte(service), 0)})
	if err != nil {
		return nil, agentErrors.SessionOpenFailed(service, err)
	}

	for {
		msg, err := ReadMessage(s.conn)
		if err != nil {
			return nil, agentErrors.SessionOpenFailed(service, err)
		}
		if msg.Arg1 != localID {
			continue
		}
		switch msg.Command {
		case CmdOKAY:
			return &Stream{session: s, localID: localID, remoteID: msg.Arg0}, nil
		case CmdCLSE:
			return nil, agentErrors.SessionOpenFailed(service, fmt.Errorf("daemon refused service"))
		}
	}
}

// Close releases the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func trimNUL(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
