package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/adbauto/agent/internal/adb"
	"github.com/adbauto/agent/internal/config"
	"github.com/adbauto/agent/internal/discovery"
	"github.com/adbauto/agent/internal/identity"
	"github.com/adbauto/agent/internal/logbuf"
	"github.com/adbauto/agent/internal/pairing"
	"github.com/adbauto/agent/internal/server"
	"github.com/adbauto/agent/internal/storage"
	"github.com/adbauto/agent/internal/switcher"
	"github.com/adbauto/agent/internal/tasks"
)

// ServeConfig holds the flags of the serve command. Empty or zero values
// fall back to the config file.
type ServeConfig struct {
	Config        string
	Addr          string
	DataDir       string
	FixedPort     int
	LogFile       string
	MdnsEnabled   bool
	SwitchOnStart bool
}

const (
	// taskShutdownTimeout bounds how long serve waits for a running task on exit.
	taskShutdownTimeout = 10 * time.Second

	// historyRetention is how long recorded runs are kept.
	historyRetention = 30 * 24 * time.Hour
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	flags := &ServeConfig{}
	fs.StringVar(&flags.Config, "config", "", "Path to config file (default: ~/.adbauto/config.toml)")
	fs.StringVar(&flags.Addr, "addr", "", "Control panel listen address (default: 0.0.0.0:8080)")
	fs.StringVar(&flags.DataDir, "data-dir", "", "Directory for keys and the preference database (default: ~/.adbauto)")
	fs.IntVar(&flags.FixedPort, "fixed-port", 0, "Port the debugging daemon is moved to (default: 5555)")
	fs.StringVar(&flags.LogFile, "log-file", "", "Also append log output to this file")
	fs.BoolVar(&flags.MdnsEnabled, "mdns", false, "Advertise the control panel over multicast DNS")
	fs.BoolVar(&flags.SwitchOnStart, "switch-on-start", false, "Run the self-test once at startup")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adbauto serve [options]\n\nRun the agent and its control panel.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	cfg, err := loadServeConfig(flags, explicitFlags)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logs := logbuf.NewRing(cfg.LogLines)
	var logFile *os.File
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create log directory: %v\n", err)
			return 1
		}
		logFile, err = os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
			return 1
		}
		defer logFile.Close()
		log.SetOutput(io.MultiWriter(stderr, logs, logFile))
	} else {
		log.SetOutput(io.MultiWriter(stderr, logs))
	}
	defer log.SetOutput(os.Stderr)

	a, err := newAgent(cfg, logs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	if err := a.start(); err != nil {
		a.stop()
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Control panel: %s\n", panelURL(a.server.Addr()))
	fmt.Fprintln(stdout, "Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
	a.stop()
	return 0
}

// loadServeConfig merges the config file with explicitly set flags and
// applies defaults.
func loadServeConfig(flags *ServeConfig, explicitFlags map[string]bool) (config.Config, error) {
	fileCfg, err := config.Load(flags.Config)
	if err != nil {
		return config.Config{}, err
	}

	if flags.Addr != "" {
		fileCfg.Addr = flags.Addr
	}
	if flags.DataDir != "" {
		fileCfg.DataDir = flags.DataDir
	}
	if flags.FixedPort != 0 {
		fileCfg.FixedPort = flags.FixedPort
	}
	if flags.LogFile != "" {
		fileCfg.LogFile = flags.LogFile
	}
	// Booleans from the command line win only when given, so --mdns=false
	// can switch off a config file setting.
	if explicitFlags["mdns"] {
		fileCfg.MdnsEnabled = flags.MdnsEnabled
	}
	if explicitFlags["switch-on-start"] {
		fileCfg.SwitchOnStart = flags.SwitchOnStart
	}

	if err := fileCfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return fileCfg.WithDefaults()
}

// agent is the running process: every component wired together.
type agent struct {
	config config.Config

	identity   *identity.Store
	store      *storage.SQLiteStore
	runner     *tasks.Runner
	switcher   *switcher.Orchestrator
	server     *server.Server
	advertiser *discovery.Advertiser
}

// newAgent wires the components. Nothing listens until start.
func newAgent(cfg config.Config, logs *logbuf.Ring) (*agent, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ids := identity.NewStore(identity.Config{
		Dir:        cfg.KeyDir(),
		DeviceName: cfg.DeviceName,
	})

	store, err := storage.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open preference store: %w", err)
	}

	sw := switcher.New(switcher.Config{
		Discovery:        discovery.NewEngine(discovery.Config{}),
		Sessions:         adb.NewDialer(adb.Config{Identity: ids}),
		Recorder:         store,
		SelfAddress:      discovery.OutboundIP,
		FixedPort:        cfg.FixedPort,
		DiscoveryTimeout: cfg.DiscoveryTimeout(),
		SettleDelay:      cfg.SettleDelay(),
		RestartDelay:     cfg.RestartDelay(),
		SelfGrantDelay:   cfg.SelfGrantDelay(),
		GrantPackage:     cfg.GrantPackage,
		GrantPermission:  cfg.GrantPermission,
	})

	runner := tasks.NewRunner(tasks.Config{})

	srv := server.NewServer(server.Config{
		Addr:              cfg.Addr,
		PairHost:          cfg.PairHost,
		PairRatePerMinute: cfg.PairRatePerMinute,
		Pairer:            pairing.NewClient(pairing.Config{Identity: ids}),
		Switcher:          sw,
		Store:             store,
		Identity:          ids,
		Logs:              logs,
		Tasks:             runner,
		DeviceAddress:     discovery.OutboundIP,
	})

	return &agent{
		config:   cfg,
		identity: ids,
		store:    store,
		runner:   runner,
		switcher: sw,
		server:   srv,
	}, nil
}

// start loads the key material, starts the control panel and, when
// configured, the advertiser and the startup self-test.
func (a *agent) start() error {
	km, err := a.identity.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load key material: %w", err)
	}
	log.Printf("identity: using key %s", km.Fingerprint())

	if n, err := a.store.PruneHistory(historyRetention); err != nil {
		log.Printf("serve: prune run history: %v", err)
	} else if n > 0 {
		log.Printf("serve: pruned %d old runs", n)
	}

	if err := <-a.server.StartAsync(); err != nil {
		return err
	}

	if a.config.MdnsEnabled {
		port := listenPort(a.server.Addr())
		a.advertiser = discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Port:        port,
			Name:        a.config.DeviceName,
			Fingerprint: km.Fingerprint(),
		})
		if err := a.advertiser.Start(); err != nil {
			// The panel still works by address.
			log.Printf("mdns: advertisement failed: %v", err)
			a.advertiser = nil
		} else {
			log.Printf("mdns: advertising control panel on port %d", port)
		}
	}

	if a.config.SwitchOnStart {
		if _, err := a.runner.Submit(tasks.KindSelfTest, a.selfTest); err != nil {
			log.Printf("serve: startup self-test not queued: %v", err)
		}
	}
	return nil
}

// selfTest is the startup equivalent of GET /api/test.
func (a *agent) selfTest(ctx context.Context) tasks.Result {
	out := a.switcher.SelfTest(ctx)
	if err := a.store.RecordRun(string(tasks.KindSelfTest), out.Success, out.Port, out.Status); err != nil {
		log.Printf("serve: record self-test run: %v", err)
	}
	return tasks.Result{Success: out.Success, Port: out.Port, Message: out.Status}
}

// stop shuts down in reverse order of start. A running task is cancelled
// and given taskShutdownTimeout to return.
func (a *agent) stop() {
	if a.advertiser != nil {
		a.advertiser.Stop()
	}
	if err := a.server.Stop(); err != nil {
		log.Printf("serve: stop control panel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), taskShutdownTimeout)
	defer cancel()
	if err := a.runner.Shutdown(ctx); err != nil {
		log.Printf("serve: task shutdown: %v", err)
	}
}

func (a *agent) close() {
	if err := a.store.Close(); err != nil {
		log.Printf("serve: close preference store: %v", err)
	}
}

// listenPort extracts the port from a host:port address, or 0.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
