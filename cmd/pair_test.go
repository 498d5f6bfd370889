package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/adbauto/agent/internal/adbtest"
	"github.com/adbauto/agent/internal/storage"
)

func startDaemon(t *testing.T, code string) *adbtest.Daemon {
	t.Helper()
	d, err := adbtest.Start(adbtest.Config{
		Dir:         filepath.Join(t.TempDir(), "daemon"),
		PairingCode: code,
	})
	if err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

// emptyConfig keeps pairDirect away from the user's real config file.
func emptyConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# empty\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPairCommand_Direct(t *testing.T) {
	d := startDaemon(t, "482913")
	dataDir := filepath.Join(t.TempDir(), "agent")

	code, out, errOut := runCmd(call("pair"),
		"--config", emptyConfig(t),
		"--data-dir", dataDir,
		"--host", d.Host(),
		"--port", strconv.Itoa(d.PairingPort()),
		"--code", "482913",
	)
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, errOut)
	}
	if !strings.Contains(out, "successful") {
		t.Errorf("output = %q", out)
	}

	if d.TrustedKeys() != 1 {
		t.Errorf("daemon trusts %d keys, want 1", d.TrustedKeys())
	}
	if _, err := os.Stat(filepath.Join(dataDir, "keys", "adb_key")); err != nil {
		t.Errorf("key material not persisted: %v", err)
	}

	store, err := storage.NewSQLiteStore(filepath.Join(dataDir, "adbauto.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	prefs, _ := store.Prefs()
	if !prefs.IsPaired {
		t.Error("is_paired should be set")
	}
}

func TestPairCommand_DirectWrongCode(t *testing.T) {
	d := startDaemon(t, "482913")
	dataDir := filepath.Join(t.TempDir(), "agent")

	code, _, errOut := runCmd(call("pair"),
		"--config", emptyConfig(t),
		"--data-dir", dataDir,
		"--host", d.Host(),
		"--port", strconv.Itoa(d.PairingPort()),
		"--code", "000000",
	)
	if code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(errOut, "pairing failed") {
		t.Errorf("stderr = %q", errOut)
	}
	if d.TrustedKeys() != 0 {
		t.Errorf("daemon trusts %d keys after a wrong code", d.TrustedKeys())
	}
	if _, err := os.Stat(filepath.Join(dataDir, "adbauto.db")); !os.IsNotExist(err) {
		t.Error("a failed pairing should not create the preference database")
	}
}

func TestPairCommand_DirectInvalidPort(t *testing.T) {
	code, _, errOut := runCmd(call("pair"),
		"--config", emptyConfig(t),
		"--data-dir", t.TempDir(),
		"--host", "127.0.0.1",
		"--port", "99999",
		"--code", "123456",
	)
	if code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(errOut, "pairing.invalid_request") {
		t.Errorf("stderr = %q", errOut)
	}
}
