// Package adbtest provides an in-process debugging daemon for tests. It
// speaks the real pairing and wire protocols, trusts keys that completed
// pairing, and simulates the fixed-port restart and package permission
// commands.
package adbtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adbauto/agent/internal/adb"
	"github.com/adbauto/agent/internal/identity"
	"github.com/adbauto/agent/internal/pairing"
)

// Config holds Daemon settings.
type Config struct {
	// Dir holds the daemon's own TLS identity. Required.
	Dir string

	// Host to listen on. Default: 127.0.0.1.
	Host string

	// PairingCode is the code the daemon accepts.
	PairingCode string

	// Legacy selects the AUTH token challenge instead of the STLS upgrade.
	Legacy bool

	// TrustOnOffer accepts a public key offered during AUTH, as if the
	// user tapped "allow".
	TrustOnOffer bool

	// HoldShellOpen keeps shell streams open after their output is written,
	// like a dumpsys that is still running.
	HoldShellOpen bool

	// RestartDelay is how long the daemon is unreachable between closing
	// its old port and listening on the fixed one. Default: 50ms.
	RestartDelay time.Duration
}

// Daemon is a fake debugging daemon. Create with Start; stop with Close.
type Daemon struct {
	config Config
	km     *identity.KeyMaterial

	pairLn net.Listener

	mu       sync.Mutex
	adbLn    net.Listener
	trusted  map[string]bool
	granted  map[string]bool
	conns    map[net.Conn]struct{}
	services []string
	sessions int
	closed   bool
	wg       sync.WaitGroup
}

// Start launches the pairing and wire listeners on ephemeral ports.
func Start(cfg Config) (*Daemon, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 50 * time.Millisecond
	}

	km, err := identity.NewStore(identity.Config{Dir: cfg.Dir, DeviceName: "adbtest"}).LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("daemon identity: %w", err)
	}

	d := &Daemon{
		config:  cfg,
		km:      km,
		trusted: make(map[string]bool),
		granted: make(map[string]bool),
		conns:   make(map[net.Conn]struct{}),
	}

	d.pairLn, err = net.Listen("tcp", net.JoinHostPort(cfg.Host, "0"))
	if err != nil {
		return nil, err
	}
	srv := &pairing.Server{
		Code:        cfg.PairingCode,
		Certificate: km.TLSCertificate(),
		GUID:        "adb-adbtest",
		OnPaired: func(p pairing.PeerInfo) {
			if p.Type != pairing.PeerRSAPublicKey {
				return
			}
			encoded, _, _ := strings.Cut(string(p.Data), " ")
			d.mu.Lock()
			d.trusted[encoded] = true
			d.mu.Unlock()
		},
		Timeout: 10 * time.Second,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		srv.Serve(d.pairLn)
	}()

	adbLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, "0"))
	if err != nil {
		d.pairLn.Close()
		return nil, err
	}
	d.adbLn = adbLn
	d.wg.Add(1)
	go d.acceptLoop(adbLn)
	return d, nil
}

// Host returns the listen host.
func (d *Daemon) Host() string {
	return d.config.Host
}

// PairingPort returns the pairing listener's port.
func (d *Daemon) PairingPort() int {
	return d.pairLn.Addr().(*net.TCPAddr).Port
}

// Port returns the wire listener's current port, or 0 while restarting.
func (d *Daemon) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.adbLn == nil {
		return 0
	}
	return d.adbLn.Addr().(*net.TCPAddr).Port
}

// TrustedKeys returns the number of keys the daemon trusts.
func (d *Daemon) TrustedKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.trusted)
}

// Trust marks a key as paired without running the pairing exchange.
func (d *Daemon) Trust(km *identity.KeyMaterial) error {
	raw, err := identity.EncodeAndroidPublicKey(km.PublicKey)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.trusted[base64.StdEncoding.EncodeToString(raw)] = true
	d.mu.Unlock()
	return nil
}

// Services returns every service name opened so far, in order.
func (d *Daemon) Services() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.services...)
}

// Sessions returns the number of authenticated sessions established.
func (d *Daemon) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// Granted reports whether perm has been granted to pkg.
func (d *Daemon) Granted(pkg, perm string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.granted[pkg+" "+perm]
}

// Close stops all listeners, drops open connections and waits for their
// goroutines.
func (d *Daemon) Close() {
	d.mu.Lock()
	d.closed = true
	if d.adbLn != nil {
		d.adbLn.Close()
	}
	for conn := range d.conns {
		conn.Close()
	}
	d.mu.Unlock()
	d.pairLn.Close()
	d.wg.Wait()
}

func (d *Daemon) acceptLoop(ln net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			conn.Close()
			return
		}
		d.conns[conn] = struct{}{}
		d.wg.Add(1)
		d.mu.Unlock()

		go func() {
			defer d.wg.Done()
			defer func() {
				d.mu.Lock()
				delete(d.conns, conn)
				d.mu.Unlock()
				conn.Close()
			}()
			if err := d.handle(conn); err != nil {
				log.Printf("adbtest: connection ended: %v", err)
			}
		}()
	}
}

// restart closes the current wire listener and reopens on port.
func (d *Daemon) restart(port int) {
	defer d.wg.Done()

	d.mu.Lock()
	old := d.adbLn
	d.adbLn = nil
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}

	time.Sleep(d.config.RestartDelay)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(d.config.Host, strconv.Itoa(port)))
	if err != nil {
		log.Printf("adbtest: restart on port %d failed: %v", port, err)
		return
	}
	d.adbLn = ln
	d.wg.Add(1)
	go d.acceptLoop(ln)
}

func (d *Daemon) isTrusted(pub *rsa.PublicKey) bool {
	raw, err := identity.EncodeAndroidPublicKey(pub)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trusted[base64.StdEncoding.EncodeToString(raw)]
}

func (d *Daemon) trustedKeyList() []*rsa.PublicKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	var keys []*rsa.PublicKey
	for encoded := range d.trusted {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if pub, err := identity.DecodeAndroidPublicKey(raw); err == nil {
			keys = append(keys, pub)
		}
	}
	return keys
}

// handle runs one client connection: authentication, then services.
func (d *Daemon) handle(conn net.Conn) error {
	msg, err := adb.ReadMessage(conn)
	if err != nil {
		return err
	}
	if msg.Command != adb.CmdCNXN {
		return fmt.Errorf("expected CNXN, got %s", msg)
	}

	if d.config.Legacy {
		if err := d.authenticateLegacy(conn); err != nil {
			return err
		}
	} else {
		conn, err = d.authenticateTLS(conn)
		if err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.sessions++
	d.mu.Unlock()

	err = adb.WriteMessage(conn, adb.Message{
		Command: adb.CmdCNXN,
		Arg0:    adb.ProtocolVersion,
		Arg1:    adb.MaxPayload,
		Payload: []byte("device::ro.product.name=adbtest;\x00"),
	})
	if err != nil {
		return err
	}
	return d.serveServices(conn)
}

func (d *Daemon) authenticateTLS(conn net.Conn) (net.Conn, error) {
	if err := adb.WriteMessage(conn, adb.Message{Command: adb.CmdSTLS, Arg0: adb.STLSVersion}); err != nil {
		return nil, err
	}
	msg, err := adb.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if msg.Command != adb.CmdSTLS {
		return nil, fmt.Errorf("expected STLS, got %s", msg)
	}

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{d.km.TLSCertificate()},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no client certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			pub, ok := cert.PublicKey.(*rsa.PublicKey)
			if !ok || !d.isTrusted(pub) {
				return errors.New("client key not trusted")
			}
			return nil
		},
	})
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func (d *Daemon) authenticateLegacy(conn net.Conn) error {
	for {
		token := make([]byte, adb.TokenSize)
		if _, err := rand.Read(token); err != nil {
			return err
		}
		if err := adb.WriteMessage(conn, adb.Message{Command: adb.CmdAUTH, Arg0: adb.AuthToken, Payload: token}); err != nil {
			return err
		}

		msg, err := adb.ReadMessage(conn)
		if err != nil {
			return err
		}
		if msg.Command != adb.CmdAUTH {
			return fmt.Errorf("expected AUTH, got %s", msg)
		}

		switch msg.Arg0 {
		case adb.AuthSignature:
			for _, pub := range d.trustedKeyList() {
				if rsa.VerifyPKCS1v15(pub, crypto.SHA1, token, msg.Payload) == nil {
					return nil
				}
			}
		case adb.AuthRSAPublicKey:
			if !d.config.TrustOnOffer {
				// Leave the client waiting for a prompt nobody answers.
				_, err := adb.ReadMessage(conn)
				return err
			}
			encoded, _, _ := strings.Cut(strings.TrimRight(string(msg.Payload), "\x00"), " ")
			d.mu.Lock()
			d.trusted[encoded] = true
			d.mu.Unlock()
			return nil
		default:
			return fmt.Errorf("unexpected AUTH type %d", msg.Arg0)
		}
	}
}

func (d *Daemon) serveServices(conn net.Conn) error {
	var remoteID uint32
	for {
		msg, err := adb.ReadMessage(conn)
		if err != nil {
			return err
		}
		if msg.Command != adb.CmdOPEN {
			continue
		}

		service := strings.TrimRight(string(msg.Payload), "\x00")
		d.mu.Lock()
		d.services = append(d.services, service)
		d.mu.Unlock()

		remoteID++
		output, restartPort, ok := d.run(service)
		if !ok {
			if err := adb.WriteMessage(conn, adb.Message{Command: adb.CmdCLSE, Arg1: msg.Arg0}); err != nil {
				return err
			}
			continue
		}

		replies := []adb.Message{{Command: adb.CmdOKAY, Arg0: remoteID, Arg1: msg.Arg0}}
		if output != "" {
			replies = append(replies, adb.Message{Command: adb.CmdWRTE, Arg0: remoteID, Arg1: msg.Arg0, Payload: []byte(output)})
		}
		if !(d.config.HoldShellOpen && strings.HasPrefix(service, "shell:")) {
			replies = append(replies, adb.Message{Command: adb.CmdCLSE, Arg0: remoteID, Arg1: msg.Arg0})
		}
		for _, m := range replies {
			if err := adb.WriteMessage(conn, m); err != nil {
				return err
			}
		}

		if restartPort > 0 {
			// The real daemon drops every connection when it restarts.
			d.wg.Add(1)
			go d.restart(restartPort)
			return nil
		}
	}
}

// run executes a service and returns its output. ok is false for services
// the daemon refuses.
func (d *Daemon) run(service string) (output string, restartPort int, ok bool) {
	switch {
	case strings.HasPrefix(service, "tcpip:"):
		port, err := strconv.Atoi(strings.TrimPrefix(service, "tcpip:"))
		if err != nil || port < 1 || port > 65535 {
			return "", 0, false
		}
		return fmt.Sprintf("restarting in TCP mode port: %d\n", port), port, true

	case strings.HasPrefix(service, "shell:"):
		return d.shell(strings.TrimPrefix(service, "shell:")), 0, true
	}
	return "", 0, false
}

// shell understands the two package-manager commands the agent issues.
func (d *Daemon) shell(cmd string) string {
	fields := strings.Fields(cmd)
	switch {
	case len(fields) == 4 && fields[0] == "pm" && fields[1] == "grant":
		d.mu.Lock()
		d.granted[fields[2]+" "+fields[3]] = true
		d.mu.Unlock()
		return ""

	case len(fields) == 6 && fields[0] == "dumpsys" && fields[1] == "package" && fields[3] == "|" && fields[4] == "grep":
		pkg, perm := fields[2], fields[5]
		return fmt.Sprintf("      %s: granted=%t\n", perm, d.Granted(pkg, perm))
	}
	return ""
}
