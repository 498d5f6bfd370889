package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `adbauto - keeps wireless debugging reachable on a fixed port

Usage:
  adbauto <command> [options]

Commands:
  serve         Run the agent and its control panel
  init          Write a default config file
  pair          Pair with the local debugging daemon (--port, --code)
  switch        Move the debugging daemon to the fixed port
  test          Run the connectivity self-test
  status        Show pairing and port status
  logs          Show recent agent log lines
  reset         Forget the pairing and delete the key material
  url           Print the control panel address (--qr for a QR code)
  version       Print the version
Run 'adbauto <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "pair":
		return runPair(args[2:], stdout, stderr)
	case "switch":
		return runSwitch(args[2:], stdout, stderr)
	case "test":
		return runTest(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "logs":
		return runLogs(args[2:], stdout, stderr)
	case "reset":
		return runReset(args[2:], stdout, stderr)
	case "url":
		return runURL(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "adbauto %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
