package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/adbauto/agent/internal/config"
	"github.com/adbauto/agent/internal/identity"
	"github.com/adbauto/agent/internal/pairing"
	"github.com/adbauto/agent/internal/server"
	"github.com/adbauto/agent/internal/storage"
)

// PairConfig holds configuration for the pair command.
type PairConfig struct {
	Port    string
	Code    string
	Host    string // pair directly with this host instead of via the agent
	DataDir string
}

func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cf := addClientFlags(fs)
	cfg := &PairConfig{}
	fs.StringVar(&cfg.Port, "port", "", "Pairing port shown in the wireless debugging pairing dialog")
	fs.StringVar(&cfg.Code, "code", "", "Six-digit pairing code shown in the same dialog")
	fs.StringVar(&cfg.Host, "host", "", "Pair directly with this host, without a running agent")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "Key and database directory for --host (default: ~/.adbauto)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adbauto pair --port P --code C [options]\n\nPair this device's key with the debugging daemon.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nWithout --host the running agent performs the pairing and then\n")
		fmt.Fprintf(stderr, "grants itself the configured permission.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if cfg.Port == "" || cfg.Code == "" {
		fmt.Fprintln(stderr, "Error: --port and --code are required")
		return 1
	}

	if cfg.Host != "" {
		return pairDirect(cf, cfg, stdout, stderr)
	}

	addr, err := cf.target()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var resp server.PairResponse
	form := url.Values{"port": {cfg.Port}, "code": {cfg.Code}}
	if err := newAPIClient(addr).post("/api/pair", form, &resp); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, resp.Message)
	if resp.GrantTaskID != "" {
		fmt.Fprintf(stdout, "Permission grant task: %s\n", resp.GrantTaskID)
	}
	return 0
}

// pairDirect runs the handshake in this process with the agent's key
// material and records the result in the preference store.
func pairDirect(cf *clientFlags, cfg *PairConfig, stdout, stderr io.Writer) int {
	fileCfg, err := config.Load(cf.config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.DataDir != "" {
		fileCfg.DataDir = cfg.DataDir
	}
	agentCfg, err := fileCfg.WithDefaults()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	req, err := pairing.ParseRequest(cfg.Host, cfg.Port, cfg.Code)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(agentCfg.DataDir, 0700); err != nil {
		fmt.Fprintf(stderr, "Error: failed to create data directory: %v\n", err)
		return 1
	}
	ids := identity.NewStore(identity.Config{
		Dir:        agentCfg.KeyDir(),
		DeviceName: agentCfg.DeviceName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := pairing.NewClient(pairing.Config{Identity: ids})
	if err := client.Attempt(ctx, req); err != nil {
		fmt.Fprintf(stderr, "Error: pairing failed: %v\n", err)
		return 1
	}

	store, err := storage.NewSQLiteStore(agentCfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(stderr, "Warning: paired, but the preference store could not be opened: %v\n", err)
		return 0
	}
	defer store.Close()
	if err := store.SetPaired(true); err != nil {
		fmt.Fprintf(stderr, "Warning: paired, but the paired flag was not saved: %v\n", err)
	}
	if err := store.RecordRun("pair", true, req.Port, "Pairing successful"); err != nil {
		fmt.Fprintf(stderr, "Warning: failed to record run: %v\n", err)
	}

	fmt.Fprintf(stdout, "Pairing with %s successful.\n", req.Addr())
	return 0
}
