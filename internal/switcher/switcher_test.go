package switcher

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adbauto/agent/internal/adb"
	"github.com/adbauto/agent/internal/adbtest"
	"github.com/adbauto/agent/internal/discovery"
	agentErrors "github.com/adbauto/agent/internal/errors"
	"github.com/adbauto/agent/internal/identity"
)

var loopback = net.ParseIP("127.0.0.1")

// fakeFinder returns the daemon's live port, as discovery would.
type fakeFinder struct {
	daemon *adbtest.Daemon
	err    error
	calls  int
}

func (f *fakeFinder) FindSelfPort(ctx context.Context, self net.IP, timeout time.Duration) (discovery.Result, error) {
	f.calls++
	if f.err != nil {
		return discovery.Result{}, f.err
	}
	return discovery.Result{Instance: "adb-test", Host: self.String(), Port: f.daemon.Port()}, nil
}

type recorder struct {
	mu         sync.Mutex
	status     string
	port       int
	permission *bool
}

func (r *recorder) RecordSwitch(status string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status, r.port = status, port
	return nil
}

func (r *recorder) RecordPermission(granted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permission = &granted
	return nil
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return sleep(ctx, d)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type harness struct {
	daemon *adbtest.Daemon
	finder *fakeFinder
	rec    *recorder
	sleeps *sleepLog
	orch   *Orchestrator
	fixed  int
}

func newHarness(t *testing.T, paired bool) *harness {
	t.Helper()
	return newHarnessWith(t, paired, adbtest.Config{})
}

func newHarnessWith(t *testing.T, paired bool, cfg adbtest.Config) *harness {
	t.Helper()

	cfg.Dir = filepath.Join(t.TempDir(), "daemon")
	daemon, err := adbtest.Start(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(daemon.Close)

	store := identity.NewStore(identity.Config{Dir: filepath.Join(t.TempDir(), "keys")})
	if paired {
		km, err := store.LoadOrCreate()
		if err != nil {
			t.Fatal(err)
		}
		if err := daemon.Trust(km); err != nil {
			t.Fatal(err)
		}
	}

	h := &harness{
		daemon: daemon,
		finder: &fakeFinder{daemon: daemon},
		rec:    &recorder{},
		sleeps: &sleepLog{},
		fixed:  freePort(t),
	}
	h.orch = New(Config{
		Discovery:      h.finder,
		Sessions:       adb.NewDialer(adb.Config{Identity: store, IOTimeout: 5 * time.Second, AuthTimeout: 200 * time.Millisecond}),
		Recorder:       h.rec,
		SelfAddress:    func() (net.IP, error) { return loopback, nil },
		FixedPort:      h.fixed,
		SettleDelay:    10 * time.Millisecond,
		RestartDelay:   300 * time.Millisecond,
		SelfGrantDelay: 10 * time.Millisecond,
		GrantPackage:   "com.example.agent",
		Sleep:          h.sleeps.sleep,
	})
	return h
}

func TestSwitchToFixedPort_EndToEnd(t *testing.T) {
	h := newHarness(t, true)
	ephemeral := h.daemon.Port()

	if h.orch.FixedPortAvailable(context.Background()) {
		t.Fatal("fixed port should not answer before the switch")
	}

	out := h.orch.SwitchToFixedPort(context.Background())
	if !out.Success {
		t.Fatalf("switch failed: %s (%v)", out.Status, out.Err)
	}
	if out.Port != ephemeral {
		t.Errorf("outcome port = %d, want discovered %d", out.Port, ephemeral)
	}

	services := h.daemon.Services()
	want := "tcpip:" + strconv.Itoa(h.fixed)
	if len(services) != 1 || services[0] != want {
		t.Errorf("services = %v, want [%s]", services, want)
	}

	if !h.orch.FixedPortAvailable(context.Background()) {
		t.Error("fixed port should answer after the restart delay")
	}

	h.sleeps.mu.Lock()
	delays := append([]time.Duration(nil), h.sleeps.delays...)
	h.sleeps.mu.Unlock()
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 300*time.Millisecond {
		t.Errorf("delays = %v, want settle then restart", delays)
	}

	if h.rec.status != out.Status || h.rec.port != ephemeral {
		t.Errorf("recorded (%q, %d), want (%q, %d)", h.rec.status, h.rec.port, out.Status, ephemeral)
	}
}

func TestSwitchToFixedPort_DiscoveryNotFound(t *testing.T) {
	h := newHarness(t, true)
	h.finder.err = agentErrors.DiscoveryNotFound(discovery.ServiceType, "127.0.0.1")

	out := h.orch.SwitchToFixedPort(context.Background())
	if out.Success {
		t.Fatal("switch should fail when discovery finds nothing")
	}
	if out.Port != -1 {
		t.Errorf("port = %d, want -1", out.Port)
	}
	if !agentErrors.IsCode(out.Err, agentErrors.CodeDiscoveryNotFound) {
		t.Errorf("error code = %q", agentErrors.GetCode(out.Err))
	}
	if h.daemon.Sessions() != 0 {
		t.Error("no session should be opened")
	}
	if h.rec.port != -1 || !strings.HasPrefix(h.rec.status, "Failed") {
		t.Errorf("recorded (%q, %d)", h.rec.status, h.rec.port)
	}
}

func TestSwitchToFixedPort_NotPaired(t *testing.T) {
	h := newHarness(t, false)

	out := h.orch.SwitchToFixedPort(context.Background())
	if out.Success {
		t.Fatal("switch should fail when the daemon does not trust us")
	}
	if !agentErrors.IsCode(out.Err, agentErrors.CodeSessionAuthRejected) {
		t.Errorf("error code = %q (%v)", agentErrors.GetCode(out.Err), out.Err)
	}
	if len(h.daemon.Services()) != 0 {
		t.Error("no service should be opened")
	}
	if len(h.sleeps.delays) != 0 {
		t.Errorf("no delay should run after a failed connect, got %v", h.sleeps.delays)
	}
}

func TestSwitchToFixedPort_OwnAddressUnknown(t *testing.T) {
	h := newHarness(t, true)
	h.orch.config.SelfAddress = func() (net.IP, error) { return nil, errors.New("no route") }

	out := h.orch.SwitchToFixedPort(context.Background())
	if out.Success {
		t.Fatal("switch should fail without an own address")
	}
	if h.finder.calls != 0 {
		t.Error("discovery should not run without an own address")
	}
}

func TestSwitchToFixedPort_Cancelled(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	h.orch.config.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	out := h.orch.SwitchToFixedPort(ctx)
	if out.Success {
		t.Fatal("cancelled run should fail")
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", out.Err)
	}
}

func TestSelfTest(t *testing.T) {
	h := newHarness(t, true)

	first := h.orch.SelfTest(context.Background())
	if !first.Success || !strings.HasPrefix(first.Status, "Success") {
		t.Fatalf("first self-test = %+v", first)
	}

	second := h.orch.SelfTest(context.Background())
	if !second.Success {
		t.Fatalf("second self-test = %+v", second)
	}
	if !strings.HasPrefix(second.Status, "Already listening") {
		t.Errorf("status = %q, want already-listening", second.Status)
	}
	if second.Port != h.fixed {
		t.Errorf("port = %d, want %d", second.Port, h.fixed)
	}
	if len(h.daemon.Services()) != 1 {
		t.Errorf("second self-test should not issue another switch, services = %v", h.daemon.Services())
	}
}

func TestGrantPermission(t *testing.T) {
	h := newHarness(t, true)

	out := h.orch.GrantPermission(context.Background())
	if !out.Success || out.Status != "Permission granted" {
		t.Fatalf("grant = %+v", out)
	}
	if !h.daemon.Granted("com.example.agent", DefaultGrantPermission) {
		t.Error("daemon should record the grant")
	}
	if h.rec.permission == nil || !*h.rec.permission {
		t.Error("permission should be recorded as granted")
	}
	if len(h.sleeps.delays) == 0 || h.sleeps.delays[0] != 10*time.Millisecond {
		t.Errorf("self-grant delay should run first, delays = %v", h.sleeps.delays)
	}

	again := h.orch.GrantPermission(context.Background())
	if !again.Success || again.Status != "Permission already granted" {
		t.Errorf("second grant = %+v", again)
	}
	for _, svc := range h.daemon.Services()[3:] {
		if strings.Contains(svc, "pm grant") {
			t.Errorf("already-granted run should not issue pm grant, saw %q", svc)
		}
	}
}

func TestGrantPermission_SlowShell(t *testing.T) {
	orig := responseTimeout
	responseTimeout = 150 * time.Millisecond
	t.Cleanup(func() { responseTimeout = orig })

	h := newHarnessWith(t, true, adbtest.Config{HoldShellOpen: true})

	out := h.orch.GrantPermission(context.Background())
	if !out.Success || out.Status != "Permission granted" {
		t.Fatalf("grant = %+v", out)
	}

	again := h.orch.GrantPermission(context.Background())
	if !again.Success || again.Status != "Permission already granted" {
		t.Errorf("second grant = %+v", again)
	}
}

func TestGrantPermission_DiscoveryFails(t *testing.T) {
	h := newHarness(t, true)
	h.finder.err = agentErrors.DiscoveryNotFound(discovery.ServiceType, "127.0.0.1")

	out := h.orch.GrantPermission(context.Background())
	if out.Success {
		t.Fatal("grant should fail without a daemon port")
	}
	if h.rec.permission == nil || *h.rec.permission {
		t.Error("permission should be recorded as not granted")
	}
}

func TestNew_Defaults(t *testing.T) {
	o := New(Config{})
	if o.FixedPort() != 5555 {
		t.Errorf("FixedPort = %d, want 5555", o.FixedPort())
	}
	if o.config.SettleDelay != 200*time.Millisecond || o.config.RestartDelay != 3*time.Second {
		t.Errorf("delays = %v, %v", o.config.SettleDelay, o.config.RestartDelay)
	}
	if o.config.DiscoveryTimeout != 10*time.Second {
		t.Errorf("DiscoveryTimeout = %v", o.config.DiscoveryTimeout)
	}
	if o.config.GrantPermission != DefaultGrantPermission {
		t.Errorf("GrantPermission = %q", o.config.GrantPermission)
	}
}
