package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	agentErrors "github.com/adbauto/agent/internal/errors"
)

var selfIP = net.ParseIP("192.168.1.50")

func testServiceEntry(instance string, port int, ip string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, ServiceType, Domain)
	entry.Port = port
	entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	return entry
}

func TestFindSelfPort_MatchesOwnAddress(t *testing.T) {
	var browseCtx context.Context
	engine := NewEngine(Config{
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			browseCtx = ctx
			if service != ServiceType || domain != Domain {
				t.Errorf("browse(%q, %q)", service, domain)
			}
			go func() {
				entries <- testServiceEntry("adb-other-1", 37000, "192.168.1.20")
				entries <- testServiceEntry("adb-other-2", 38000, "192.168.1.21")
				entries <- testServiceEntry("adb-self", 41000, "192.168.1.50")
				entries <- testServiceEntry("adb-late", 42000, "192.168.1.50")
			}()
			return nil
		},
	})

	start := time.Now()
	res, err := engine.FindSelfPort(context.Background(), selfIP, 5*time.Second)
	if err != nil {
		t.Fatalf("FindSelfPort failed: %v", err)
	}
	if res.Port != 41000 || res.Instance != "adb-self" || res.Host != "192.168.1.50" {
		t.Errorf("result = %+v, want adb-self on 41000", res)
	}
	if time.Since(start) > time.Second {
		t.Error("match should end the run well before the timeout")
	}
	if browseCtx.Err() == nil {
		t.Error("browse subscription should be cancelled after a match")
	}
}

func TestFindSelfPort_BlockingBrowse(t *testing.T) {
	// Same shape as zeroconf's own loop: send, then block until cancelled.
	engine := NewEngine(Config{
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("adb-self", 41000, "192.168.1.50")
			<-ctx.Done()
			return nil
		},
	})

	res, err := engine.FindSelfPort(context.Background(), selfIP, 5*time.Second)
	if err != nil {
		t.Fatalf("FindSelfPort failed: %v", err)
	}
	if res.Port != 41000 {
		t.Errorf("port = %d, want 41000", res.Port)
	}
}

func TestFindSelfPort_MatchesIPv6(t *testing.T) {
	self := net.ParseIP("fe80::1")
	engine := NewEngine(Config{
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entry := zeroconf.NewServiceEntry("adb-v6", ServiceType, Domain)
			entry.Port = 40123
			entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
			entries <- entry
			return nil
		},
	})

	res, err := engine.FindSelfPort(context.Background(), self, time.Second)
	if err != nil {
		t.Fatalf("FindSelfPort failed: %v", err)
	}
	if res.Port != 40123 {
		t.Errorf("port = %d, want 40123", res.Port)
	}
}

func TestFindSelfPort_TimeoutNotFound(t *testing.T) {
	var browseCtx context.Context
	engine := NewEngine(Config{
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			browseCtx = ctx
			entries <- testServiceEntry("adb-other", 37000, "192.168.1.20")
			<-ctx.Done()
			return nil
		},
	})

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err := engine.FindSelfPort(context.Background(), selfIP, timeout)
	elapsed := time.Since(start)

	if !agentErrors.IsCode(err, agentErrors.CodeDiscoveryNotFound) {
		t.Fatalf("error code = %q, want %q", agentErrors.GetCode(err), agentErrors.CodeDiscoveryNotFound)
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("returned after %v, well past the %v timeout", elapsed, timeout)
	}
	if browseCtx.Err() == nil {
		t.Error("browse subscription should be cancelled after a timeout")
	}
}

func TestFindSelfPort_BrowseFailure(t *testing.T) {
	engine := NewEngine(Config{
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return errors.New("no multicast interface")
		},
	})

	start := time.Now()
	_, err := engine.FindSelfPort(context.Background(), selfIP, 5*time.Second)
	if !agentErrors.IsCode(err, agentErrors.CodeDiscoveryUnavailable) {
		t.Errorf("error code = %q, want %q", agentErrors.GetCode(err), agentErrors.CodeDiscoveryUnavailable)
	}
	if time.Since(start) > time.Second {
		t.Error("start failure should end the run immediately")
	}
}

func TestFindSelfPort_ParentCancelled(t *testing.T) {
	engine := NewEngine(Config{
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := engine.FindSelfPort(ctx, selfIP, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in chain", err)
	}
}

func TestFindSelfPort_ClosedChannel(t *testing.T) {
	engine := NewEngine(Config{
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			close(entries)
			return nil
		},
	})

	_, err := engine.FindSelfPort(context.Background(), selfIP, 5*time.Second)
	if !agentErrors.IsCode(err, agentErrors.CodeDiscoveryNotFound) {
		t.Errorf("error code = %q, want %q", agentErrors.GetCode(err), agentErrors.CodeDiscoveryNotFound)
	}
}

func TestFindSelfPort_UnknownSelf(t *testing.T) {
	var called int32
	engine := NewEngine(Config{
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			atomic.AddInt32(&called, 1)
			return nil
		},
	})

	_, err := engine.FindSelfPort(context.Background(), nil, time.Second)
	if !agentErrors.IsCode(err, agentErrors.CodeDiscoveryUnavailable) {
		t.Errorf("error code = %q, want %q", agentErrors.GetCode(err), agentErrors.CodeDiscoveryUnavailable)
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Error("browse should not start without an own address")
	}
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(Config{})
	if e.config.Service != ServiceType {
		t.Errorf("Service = %q, want %q", e.config.Service, ServiceType)
	}
	if e.config.Domain != Domain {
		t.Errorf("Domain = %q, want %q", e.config.Domain, Domain)
	}
}

func TestAdvertiser_StopBeforeStart(t *testing.T) {
	a := NewAdvertiser(AdvertiserConfig{Port: 8080})
	if a.IsRunning() {
		t.Error("advertiser should not be running before Start()")
	}
	a.Stop()
	a.Stop()
	if a.IsRunning() {
		t.Error("advertiser should not be running after Stop()")
	}
}

// Requires multicast; skipped in short mode.
func TestAdvertiser_StartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	a := NewAdvertiser(AdvertiserConfig{Port: 8080, Name: "adbauto-test"})
	if err := a.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	if !a.IsRunning() {
		t.Error("advertiser should be running after Start()")
	}
	if err := a.Start(); err != nil {
		t.Errorf("second Start() should be a no-op: %v", err)
	}
	a.Stop()
	if a.IsRunning() {
		t.Error("advertiser should not be running after Stop()")
	}
}
