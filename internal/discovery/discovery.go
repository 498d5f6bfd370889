// Package discovery finds the debugging daemon's current wireless port by
// browsing its multicast DNS advertisement and keeping only the instance
// that resolves to this device's own address.
//
// Other devices on the same network advertise the same service type; their
// instances are ignored rather than reported as ambiguous.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	agentErrors "github.com/adbauto/agent/internal/errors"
)

// ServiceType is the daemon's TLS connect advertisement.
const ServiceType = "_adb-tls-connect._tcp"

// Domain is the multicast DNS domain browsed.
const Domain = "local."

// DefaultTimeout bounds a discovery run.
const DefaultTimeout = 10 * time.Second

// drainGrace bounds how long entries are drained after a run ends, for
// browse implementations that never close their channel.
const drainGrace = 2 * time.Second

// BrowseFunc matches zeroconf.Resolver.Browse.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Result is the self-matching instance.
type Result struct {
	Instance string
	Host     string
	Port     int
}

// Config holds Engine settings.
type Config struct {
	// Service is the service type browsed. Default: ServiceType.
	Service string

	// Domain is the browse domain. Default: Domain.
	Domain string

	// Browse runs the multicast query. Default: a zeroconf resolver on
	// all interfaces, created per run.
	Browse BrowseFunc
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = ServiceType
	}
	if c.Domain == "" {
		c.Domain = Domain
	}
	return c
}

// Engine runs discovery queries. It holds no state between runs and is
// safe for concurrent use.
type Engine struct {
	config Config
}

// NewEngine creates an Engine with defaults applied.
func NewEngine(cfg Config) *Engine {
	return &Engine{config: cfg.withDefaults()}
}

type outcome struct {
	result Result
	err    error
}

// FindSelfPort browses for the daemon's advertisement and returns the
// first instance whose resolved address equals self. It blocks until a
// match, a browse start failure, the timeout, or ctx cancellation; the
// browse subscription is torn down before it returns on every path.
//
// A run that times out returns a discovery.not_found error; a browse that
// cannot start returns discovery.unavailable.
func (e *Engine) FindSelfPort(ctx context.Context, self net.IP, timeout time.Duration) (Result, error) {
	if self == nil {
		return Result{}, agentErrors.New(agentErrors.CodeDiscoveryUnavailable, "own address unknown")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	browse := e.config.Browse
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Result{}, agentErrors.Wrap(agentErrors.CodeDiscoveryUnavailable, "start multicast resolver", err)
		}
		browse = resolver.Browse
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Signalled exactly once by whichever path finishes first.
	done := make(chan outcome, 1)
	var once sync.Once
	finish := func(o outcome) {
		once.Do(func() {
			cancel()
			done <- o
		})
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)

	go func() {
		if err := browse(runCtx, e.config.Service, e.config.Domain, entries); err != nil {
			finish(outcome{err: agentErrors.Wrap(agentErrors.CodeDiscoveryUnavailable, "browse "+e.config.Service, err)})
		}
	}()

	go func() {
		defer drain(entries)
		for {
			select {
			case <-runCtx.Done():
				finish(outcome{err: e.stopped(ctx, self)})
				return
			case entry, ok := <-entries:
				if !ok {
					finish(outcome{err: e.stopped(ctx, self)})
					return
				}
				if entry == nil {
					continue
				}
				if !matchesAddress(entry, self) {
					log.Printf("discovery: ignoring %q on %v port %d (not this device)", entry.Instance, entry.AddrIPv4, entry.Port)
					continue
				}
				log.Printf("discovery: matched %q on %s port %d", entry.Instance, self, entry.Port)
				finish(outcome{result: Result{Instance: entry.Instance, Host: self.String(), Port: entry.Port}})
				return
			}
		}
	}()

	o := <-done
	return o.result, o.err
}

// stopped builds the error for a run that ended without a match.
func (e *Engine) stopped(parent context.Context, self net.IP) error {
	if err := parent.Err(); err != nil {
		return agentErrors.Wrap(agentErrors.CodeDiscoveryNotFound, "discovery cancelled", err)
	}
	return agentErrors.DiscoveryNotFound(e.config.Service, self.String())
}

// drain keeps receiving so a resolver blocked on a send can observe its
// cancelled context and exit.
func drain(entries <-chan *zeroconf.ServiceEntry) {
	timer := time.NewTimer(drainGrace)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-entries:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}

func matchesAddress(entry *zeroconf.ServiceEntry, self net.IP) bool {
	for _, ip := range entry.AddrIPv4 {
		if ip.Equal(self) {
			return true
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip.Equal(self) {
			return true
		}
	}
	return false
}

// OutboundIP returns the local address the OS would use for outbound
// traffic. No packets are sent; dialing UDP only selects a route.
func OutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("select outbound interface: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return nil, errors.New("no outbound address")
	}
	return addr.IP, nil
}
