package pairing

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/adbauto/agent/internal/spake2"
)

// Server is the daemon side of the handshake. It accepts exactly one code
// and reports each successfully paired client through OnPaired.
type Server struct {
	// Code is the pairing code the daemon displays.
	Code string

	// Certificate is the daemon's TLS identity.
	Certificate tls.Certificate

	// GUID is returned to clients as the daemon's peer info.
	GUID string

	// OnPaired receives the client's peer info after a successful exchange.
	OnPaired func(PeerInfo)

	// Timeout bounds one exchange. Default: 30 seconds.
	Timeout time.Duration
}

// Serve accepts connections until ln is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.ServeConn(conn)
	}
}

// ServeConn runs one exchange and closes conn. A wrong code shows up as a
// decrypt failure, after which the connection is dropped without reply.
func (s *Server) ServeConn(raw net.Conn) error {
	defer raw.Close()

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	raw.SetDeadline(time.Now().Add(timeout))

	conn := tls.Server(raw, &tls.Config{
		Certificates: []tls.Certificate{s.Certificate},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	})
	if err := conn.HandshakeContext(context.Background()); err != nil {
		return err
	}

	state := conn.ConnectionState()
	exported, err := state.ExportKeyingMaterial(ExportLabel, nil, ExportedKeySize)
	if err != nil {
		return err
	}

	cipher, err := exchangeKeys(conn, spake2.New(spake2.RoleBob, ServerName, ClientName), password(s.Code, exported), false)
	if err != nil {
		return err
	}

	sealed, err := ReadPacket(conn, PacketPeerInfo)
	if err != nil {
		return err
	}
	plain, err := cipher.Decrypt(sealed)
	if err != nil {
		return err
	}
	peer, err := UnmarshalPeerInfo(plain)
	if err != nil {
		return err
	}

	if s.OnPaired != nil {
		s.OnPaired(peer)
	}

	ours, err := PeerInfo{Type: PeerDeviceGUID, Data: []byte(s.GUID)}.Marshal()
	if err != nil {
		return err
	}
	return WritePacket(conn, PacketPeerInfo, cipher.Encrypt(ours))
}
