package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/adbauto/agent/internal/config"
	"github.com/adbauto/agent/internal/server"
	"github.com/adbauto/agent/internal/storage"
	"github.com/adbauto/agent/internal/tasks"
)

// taskPollInterval is how often --wait polls a task.
var taskPollInterval = 500 * time.Millisecond

func runSwitch(args []string, stdout, stderr io.Writer) int {
	return runTaskCommand("switch", "/api/switch", "Move the debugging daemon to the fixed port.", args, stdout, stderr)
}

func runTest(args []string, stdout, stderr io.Writer) int {
	return runTaskCommand("test", "/api/test", "Run the connectivity self-test: switch only if the fixed port is down.", args, stdout, stderr)
}

// runTaskCommand triggers a background task on the agent and optionally
// waits for it to finish.
func runTaskCommand(name, path, description string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	cf := addClientFlags(fs)
	wait := fs.Bool("wait", false, "Wait for the task to finish and print its outcome")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adbauto %s [options]\n\n%s\n\nOptions:\n", name, description)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	addr, err := cf.target()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	client := newAPIClient(addr)

	var ack server.AckResponse
	if err := client.post(path, nil, &ack); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Task %s started.\n", ack.TaskID)

	if !*wait {
		return 0
	}

	info, err := waitForTask(client, ack.TaskID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, info.Message)
	if !info.Success {
		return 1
	}
	return 0
}

// waitForTask polls GET /api/tasks/{id} until the task finishes.
func waitForTask(client *apiClient, id string) (tasks.Info, error) {
	for {
		var info tasks.Info
		if err := client.get("/api/tasks/"+id, &info); err != nil {
			return tasks.Info{}, err
		}
		if info.Finished() {
			return info, nil
		}
		time.Sleep(taskPollInterval)
	}
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cf := addClientFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adbauto status [options]\n\nShow pairing and port status of the running agent.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	addr, err := cf.target()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	client := newAPIClient(addr)
	var status server.StatusResponse
	if err := client.get("/api/status", &status); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	writeStatusOutput(stdout, status)

	var runs []storage.Run
	if err := client.get("/api/history?limit=5", &runs); err == nil && len(runs) > 0 {
		fmt.Fprintf(stdout, "\nRecent runs (%d):\n", len(runs))
		for _, r := range runs {
			fmt.Fprintf(stdout, "  - %s %-6s %s\n", r.RecordedAt.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Status)
		}
	}
	return 0
}

// writeStatusOutput renders human-readable agent status.
func writeStatusOutput(w io.Writer, status server.StatusResponse) {
	fmt.Fprintf(w, "Agent Status\n")
	fmt.Fprintf(w, "============\n")
	fmt.Fprintf(w, "Paired:       %s\n", yesNo(status.IsPaired))
	fmt.Fprintf(w, "Permission:   %s\n", yesNo(status.HasPermission))
	fmt.Fprintf(w, "Port %-5d    %s\n", status.FixedPort, upDown(status.Adb5555Available))
	fmt.Fprintf(w, "Last status:  %s\n", status.LastStatus)
	if status.LastPort >= 0 {
		fmt.Fprintf(w, "Last port:    %d\n", status.LastPort)
	} else {
		fmt.Fprintf(w, "Last port:    none\n")
	}
	if status.Running != nil {
		fmt.Fprintf(w, "Running:      %s (%s)\n", status.Running.Kind, status.Running.ID)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func upDown(b bool) string {
	if b {
		return "reachable"
	}
	return "not reachable"
}

func runLogs(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cf := addClientFlags(fs)
	lines := fs.Int("lines", 0, "Number of most recent lines to show (default: all retained)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adbauto logs [options]\n\nShow recent log lines of the running agent.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *lines < 0 {
		fmt.Fprintln(stderr, "Error: --lines must not be negative")
		return 1
	}

	addr, err := cf.target()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	path := "/api/logs"
	if *lines > 0 {
		path += "?lines=" + strconv.Itoa(*lines)
	}
	var resp server.LogsResponse
	if err := newAPIClient(addr).get(path, &resp); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, resp.Logs)
	if resp.Logs != "" && resp.Logs[len(resp.Logs)-1] != '\n' {
		fmt.Fprintln(stdout)
	}
	return 0
}

func runReset(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cf := addClientFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adbauto reset [options]\n\nForget the pairing and delete the agent's key material.\nThe device must be paired again afterwards.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	addr, err := cf.target()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var ack server.AckResponse
	if err := newAPIClient(addr).post("/api/reset", nil, &ack); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, ack.Message)
	return 0
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	path := fs.String("config", "", "Path to write (default: ~/.adbauto/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adbauto init [options]\n\nWrite a config file with the defaults. An existing file is left alone.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	configPath := *path
	if configPath == "" {
		var err error
		configPath, err = config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to determine config path: %v\n", err)
			return 1
		}
	}

	if err := config.WriteDefault(configPath); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config: %s\n", configPath)
	return 0
}
