// Package server provides the agent's HTTP control panel: JSON endpoints to
// pair, switch, self-test, inspect status and logs, and reset, plus a
// WebSocket feed of task lifecycle events at /ws.
//
// Long-running operations go through a tasks.Runner, so the endpoints that
// trigger them acknowledge immediately with a task id; a second trigger
// while one is running gets 409 task.busy.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/adbauto/agent/internal/pairing"
	"github.com/adbauto/agent/internal/storage"
	"github.com/adbauto/agent/internal/switcher"
	"github.com/adbauto/agent/internal/tasks"
)

// Pairer runs the pairing handshake.
type Pairer interface {
	Attempt(ctx context.Context, req pairing.Request) error
}

// Orchestrator runs switches, self-tests and permission grants.
type Orchestrator interface {
	SwitchToFixedPort(ctx context.Context) switcher.Outcome
	SelfTest(ctx context.Context) switcher.Outcome
	GrantPermission(ctx context.Context) switcher.Outcome
	FixedPortAvailable(ctx context.Context) bool
	FixedPort() int
}

// PrefsStore is the preference record and run history.
type PrefsStore interface {
	Prefs() (storage.Prefs, error)
	SetPaired(paired bool) error
	ResetPairing() error
	RecordRun(kind string, success bool, port int, status string) error
	History(limit int) ([]storage.Run, error)
}

// IdentityResetter deletes the persisted key material.
type IdentityResetter interface {
	Reset() error
}

// LogSource returns recent log lines.
type LogSource interface {
	Tail(n int) []string
}

// Config holds Server dependencies and settings.
type Config struct {
	// Addr is the listen address. Default: 0.0.0.0:8080.
	Addr string

	// PairHost is where pairing requests are dialled. Default: 127.0.0.1.
	PairHost string

	// PairRatePerMinute limits POST /api/pair. Default: 5.
	PairRatePerMinute int

	Pairer   Pairer
	Switcher Orchestrator
	Store    PrefsStore
	Identity IdentityResetter
	Logs     LogSource
	Tasks    *tasks.Runner

	// DeviceAddress is shown on the panel. Optional.
	DeviceAddress func() (net.IP, error)
}

// Server is the control panel.
type Server struct {
	config Config

	upgrader    websocket.Upgrader
	pairLimiter *rate.Limiter

	httpServer *http.Server

	// mu protects clients, stopped, listenAddr and httpServer.
	mu         sync.RWMutex
	clients    map[*Client]bool
	stopped    bool
	listenAddr string

	events      <-chan tasks.Event
	unsubscribe func()
}

// NewServer creates a Server with defaults applied and starts forwarding
// task events to WebSocket clients. Call Stop to release it.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:8080"
	}
	if cfg.PairHost == "" {
		cfg.PairHost = "127.0.0.1"
	}
	if cfg.PairRatePerMinute <= 0 {
		cfg.PairRatePerMinute = 5
	}
	if cfg.Tasks == nil {
		cfg.Tasks = tasks.NewRunner(tasks.Config{})
	}

	s := &Server{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The panel is served to any browser on the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pairLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PairRatePerMinute)), cfg.PairRatePerMinute),
		clients:     make(map[*Client]bool),
		listenAddr:  cfg.Addr,
	}
	s.events, s.unsubscribe = cfg.Tasks.Subscribe(64)
	go s.runBroadcaster()
	return s
}

// Addr returns the address the server is listening on, or the configured
// address before it starts.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// runBroadcaster fans task events out to every client until the
// subscription closes.
func (s *Server) runBroadcaster() {
	for ev := range s.events {
		msg := NewTaskMessage(ev)
		s.mu.RLock()
		for client := range s.clients {
			client.trySend(msg)
		}
		s.mu.RUnlock()
	}
	log.Printf("server: event broadcaster stopped")
}
