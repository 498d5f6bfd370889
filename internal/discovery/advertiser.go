package discovery

import (
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

// PanelServiceType advertises the agent's own control panel.
const PanelServiceType = "_adbauto._tcp"

// PanelProtocolVersion is published in the TXT record.
const PanelProtocolVersion = "1"

// AdvertiserConfig holds control panel advertisement settings.
type AdvertiserConfig struct {
	// Port is the HTTP control panel port.
	Port int

	// Name is the instance name. Defaults to the system hostname.
	Name string

	// Fingerprint of the agent's certificate, so a browser on another
	// machine can tell which device it is looking at.
	Fingerprint string
}

// Advertiser registers the control panel on the local network. It is
// opt-in: the panel can trigger pairing and port switches.
type Advertiser struct {
	config AdvertiserConfig
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser; nothing is registered until Start.
func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start registers the service. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "adbauto"
		} else {
			name = hostname
		}
	}

	txt := []string{
		"version=" + PanelProtocolVersion,
		"name=" + name,
	}
	if a.config.Fingerprint != "" {
		txt = append(txt, "fp="+a.config.Fingerprint)
	}

	server, err := zeroconf.Register(name, PanelServiceType, Domain, a.config.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}
