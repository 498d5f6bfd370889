// Package switcher composes discovery and authenticated sessions into the
// agent's end-to-end operations: moving the daemon to its fixed port,
// granting the agent a package permission, and the boot-time self-test.
//
// Steps run strictly in order and are never retried; the first failing
// step aborts the run. Every run produces one Outcome.
package switcher

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/adbauto/agent/internal/adb"
	"github.com/adbauto/agent/internal/discovery"
)

// Defaults.
const (
	DefaultFixedPort       = 5555
	DefaultSettleDelay     = 200 * time.Millisecond
	DefaultRestartDelay    = 3 * time.Second
	DefaultSelfGrantDelay  = 2 * time.Second
	DefaultGrantPackage    = "com.tpn.adbautoenable"
	DefaultGrantPermission = "android.permission.WRITE_SECURE_SETTINGS"

	responseBufferSize = 1024
	probeTimeout       = time.Second
)

// responseTimeout bounds each read of service output.
var responseTimeout = 2 * time.Second

// PortFinder locates the daemon's current port.
type PortFinder interface {
	FindSelfPort(ctx context.Context, self net.IP, timeout time.Duration) (discovery.Result, error)
}

// SessionDialer opens authenticated sessions.
type SessionDialer interface {
	Connect(ctx context.Context, host string, port int) (*adb.Session, error)
}

// StatusRecorder persists the most recent outcome for later polling.
type StatusRecorder interface {
	RecordSwitch(status string, port int) error
	RecordPermission(granted bool) error
}

// Outcome is the result of one run.
type Outcome struct {
	Success bool
	Port    int // discovered daemon port, or -1
	Status  string
	Err     error
}

func failed(port int, status string, err error) Outcome {
	return Outcome{Port: port, Status: status, Err: err}
}

// Config holds Orchestrator settings.
type Config struct {
	// Discovery finds the daemon port. Required.
	Discovery PortFinder

	// Sessions opens daemon sessions. Required.
	Sessions SessionDialer

	// Recorder receives outcomes. Optional.
	Recorder StatusRecorder

	// SelfAddress resolves this device's address.
	// Default: discovery.OutboundIP.
	SelfAddress func() (net.IP, error)

	FixedPort        int
	DiscoveryTimeout time.Duration
	SettleDelay      time.Duration
	RestartDelay     time.Duration
	SelfGrantDelay   time.Duration
	GrantPackage     string
	GrantPermission  string

	// Sleep waits d or until ctx ends. Default: a timer select.
	Sleep func(ctx context.Context, d time.Duration) error

	// Dial is used for the fixed-port reachability probe.
	// Default: net.Dialer.DialContext.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Orchestrator runs the multi-step operations.
type Orchestrator struct {
	config Config
}

// New creates an Orchestrator with defaults applied.
func New(cfg Config) *Orchestrator {
	if cfg.SelfAddress == nil {
		cfg.SelfAddress = discovery.OutboundIP
	}
	if cfg.FixedPort == 0 {
		cfg.FixedPort = DefaultFixedPort
	}
	if cfg.DiscoveryTimeout == 0 {
		cfg.DiscoveryTimeout = discovery.DefaultTimeout
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.SelfGrantDelay == 0 {
		cfg.SelfGrantDelay = DefaultSelfGrantDelay
	}
	if cfg.GrantPackage == "" {
		cfg.GrantPackage = DefaultGrantPackage
	}
	if cfg.GrantPermission == "" {
		cfg.GrantPermission = DefaultGrantPermission
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	return &Orchestrator{config: cfg}
}

// FixedPort returns the configured fixed port.
func (o *Orchestrator) FixedPort() int {
	return o.config.FixedPort
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SwitchToFixedPort discovers the daemon's current port, asks it to
// restart on the fixed port and waits for the restart. It reports success
// once every step completed and the restart delay elapsed; it does not
// poll the new port.
func (o *Orchestrator) SwitchToFixedPort(ctx context.Context) Outcome {
	out := o.switchToFixedPort(ctx)
	o.recordSwitch(out)
	return out
}

func (o *Orchestrator) switchToFixedPort(ctx context.Context) Outcome {
	self, err := o.config.SelfAddress()
	if err != nil {
		log.Printf("switch: own address unavailable: %v", err)
		return failed(-1, "Failed: device address unknown", err)
	}

	log.Printf("switch: discovering daemon port for %s", self)
	found, err := o.config.Discovery.FindSelfPort(ctx, self, o.config.DiscoveryTimeout)
	if err != nil {
		log.Printf("switch: %v", err)
		return failed(-1, "Failed: wireless debugging port not found", err)
	}
	port := found.Port
	log.Printf("switch: daemon on port %d, switching to %d", port, o.config.FixedPort)

	sess, err := o.config.Sessions.Connect(ctx, self.String(), port)
	if err != nil {
		log.Printf("switch: %v", err)
		return failed(port, fmt.Sprintf("Failed: could not connect on port %d", port), err)
	}
	defer sess.Close()

	if err := o.config.Sleep(ctx, o.config.SettleDelay); err != nil {
		return failed(port, "Failed: cancelled", err)
	}

	service := "tcpip:" + strconv.Itoa(o.config.FixedPort)
	stream, err := sess.OpenService(service)
	if err != nil {
		log.Printf("switch: %v", err)
		return failed(port, "Failed: daemon refused "+service, err)
	}
	resp, err := stream.ReadOnce(responseBufferSize, responseTimeout)
	if err != nil {
		log.Printf("switch: reading response: %v", err)
	} else if len(resp) > 0 {
		log.Printf("switch: daemon replied %q", strings.TrimSpace(string(resp)))
	}
	stream.Close()
	sess.Close()

	if err := o.config.Sleep(ctx, o.config.RestartDelay); err != nil {
		return failed(port, "Failed: cancelled", err)
	}

	log.Printf("switch: daemon restarting on port %d", o.config.FixedPort)
	return Outcome{
		Success: true,
		Port:    port,
		Status:  fmt.Sprintf("Success: switched from port %d to %d", port, o.config.FixedPort),
	}
}

// SelfTest is the boot-equivalent routine: if the fixed port already
// answers it records that and stops, otherwise it runs the switch.
func (o *Orchestrator) SelfTest(ctx context.Context) Outcome {
	if o.FixedPortAvailable(ctx) {
		out := Outcome{
			Success: true,
			Port:    o.config.FixedPort,
			Status:  fmt.Sprintf("Already listening on port %d", o.config.FixedPort),
		}
		log.Printf("switch: %s", out.Status)
		o.recordSwitch(out)
		return out
	}
	return o.SwitchToFixedPort(ctx)
}

// Reachable probes the fixed port on host with a plain TCP connect.
func (o *Orchestrator) Reachable(ctx context.Context, host string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	conn, err := o.config.Dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(o.config.FixedPort)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FixedPortAvailable resolves this device's address and probes the fixed
// port on it.
func (o *Orchestrator) FixedPortAvailable(ctx context.Context) bool {
	self, err := o.config.SelfAddress()
	if err != nil {
		return false
	}
	return o.Reachable(ctx, self.String())
}

// GrantPermission waits for the daemon to settle after pairing, then uses
// an authenticated session to grant the configured permission to the
// configured package. An already-granted permission is success.
func (o *Orchestrator) GrantPermission(ctx context.Context) Outcome {
	out := o.grantPermission(ctx)
	if o.config.Recorder != nil {
		if err := o.config.Recorder.RecordPermission(out.Success); err != nil {
			log.Printf("switch: record permission: %v", err)
		}
	}
	return out
}

func (o *Orchestrator) grantPermission(ctx context.Context) Outcome {
	if err := o.config.Sleep(ctx, o.config.SelfGrantDelay); err != nil {
		return failed(-1, "Failed: cancelled", err)
	}

	pkg, perm := o.config.GrantPackage, o.config.GrantPermission
	log.Printf("grant: attempting to grant %s to %s", perm, pkg)

	self, err := o.config.SelfAddress()
	if err != nil {
		return failed(-1, "Failed: device address unknown", err)
	}
	found, err := o.config.Discovery.FindSelfPort(ctx, self, o.config.DiscoveryTimeout)
	if err != nil {
		log.Printf("grant: could not discover daemon port, skipping: %v", err)
		return failed(-1, "Failed: wireless debugging port not found", err)
	}

	sess, err := o.config.Sessions.Connect(ctx, self.String(), found.Port)
	if err != nil {
		log.Printf("grant: %v", err)
		return failed(found.Port, "Failed: could not connect", err)
	}
	defer sess.Close()

	granted, err := o.checkGranted(sess, pkg, perm)
	if err != nil {
		return failed(found.Port, "Failed: permission check failed", err)
	}
	if granted {
		log.Printf("grant: %s already granted", perm)
		return Outcome{Success: true, Port: found.Port, Status: "Permission already granted"}
	}

	if _, err := o.runShell(sess, fmt.Sprintf("pm grant %s %s", pkg, perm)); err != nil {
		log.Printf("grant: %v", err)
		return failed(found.Port, "Failed: grant command failed", err)
	}

	granted, err = o.checkGranted(sess, pkg, perm)
	if err != nil {
		return failed(found.Port, "Failed: permission check failed", err)
	}
	if !granted {
		log.Printf("grant: %s still not granted, grant it manually", perm)
		return failed(found.Port, "Failed: permission not granted", fmt.Errorf("%s still not granted to %s", perm, pkg))
	}
	log.Printf("grant: granted %s to %s", perm, pkg)
	return Outcome{Success: true, Port: found.Port, Status: "Permission granted"}
}

func (o *Orchestrator) checkGranted(sess *adb.Session, pkg, perm string) (bool, error) {
	out, err := o.runShell(sess, fmt.Sprintf("dumpsys package %s | grep %s", pkg, perm))
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "granted=true"), nil
}

func (o *Orchestrator) runShell(sess *adb.Session, cmd string) (string, error) {
	stream, err := sess.OpenService("shell:" + cmd)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	out, err := stream.ReadAll(responseTimeout)
	return string(out), err
}

func (o *Orchestrator) recordSwitch(out Outcome) {
	if o.config.Recorder == nil {
		return
	}
	if err := o.config.Recorder.RecordSwitch(out.Status, out.Port); err != nil {
		log.Printf("switch: record status: %v", err)
	}
}
