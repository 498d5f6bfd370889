// Package config provides TOML configuration file loading and parsing for the agent.
// The configuration file lives at ~/.adbauto/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the agent configuration file structure.
// Zero values mean "use the default"; see WithDefaults.
type Config struct {
	// Addr is the host:port for the HTTP control panel.
	// Default: 0.0.0.0:8080
	Addr string `toml:"addr"`

	// DataDir holds the key material and the preference database.
	// Default: ~/.adbauto
	DataDir string `toml:"data_dir"`

	// DeviceName is the certificate subject and the comment on the
	// Android-format public key.
	// Default: ADBAutoEnable
	DeviceName string `toml:"device_name"`

	// FixedPort is the well-known port the daemon is moved to.
	// Default: 5555
	FixedPort int `toml:"fixed_port"`

	// DiscoveryTimeoutMs bounds one multicast DNS lookup.
	// Default: 10000
	DiscoveryTimeoutMs int `toml:"discovery_timeout_ms"`

	// SettleDelayMs is the wait between connecting and issuing the switch.
	// Default: 200
	SettleDelayMs int `toml:"settle_delay_ms"`

	// RestartDelayMs is the wait for the daemon to rebind after the switch.
	// Default: 3000
	RestartDelayMs int `toml:"restart_delay_ms"`

	// PairHost is where the pairing service is dialled.
	// Default: 127.0.0.1
	PairHost string `toml:"pair_host"`

	// GrantPackage receives GrantPermission after a successful pairing.
	// Default: com.tpn.adbautoenable
	GrantPackage string `toml:"grant_package"`

	// GrantPermission is the permission granted to GrantPackage.
	// Default: android.permission.WRITE_SECURE_SETTINGS
	GrantPermission string `toml:"grant_permission"`

	// SelfGrantDelayMs is the wait after pairing before the grant runs.
	// Default: 2000
	SelfGrantDelayMs int `toml:"self_grant_delay_ms"`

	// SwitchOnStart runs the self-test once when serve starts, the
	// equivalent of a boot trigger.
	// Default: false
	SwitchOnStart bool `toml:"switch_on_start"`

	// MdnsEnabled advertises the control panel on the local network.
	// The panel can trigger pairing, so this is opt-in.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// LogFile receives log output in addition to stderr.
	// Default: none
	LogFile string `toml:"log_file"`

	// LogLines is how many recent log lines /api/logs can return.
	// Default: 2000
	LogLines int `toml:"log_lines"`

	// PairRatePerMinute limits POST /api/pair.
	// Default: 5
	PairRatePerMinute int `toml:"pair_rate_per_minute"`
}

// DefaultConfigPath returns the default config file location: ~/.adbauto/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDataDir returns ~/.adbauto.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".adbauto"), nil
}

// WriteDefault creates a config file with the defaults spelled out at the
// given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# adbauto configuration

# Control panel listen address
addr = %q

# Port the debugging daemon is moved to
fixed_port = %d

# Run the self-test once at startup
switch_on_start = false

# Advertise the control panel over multicast DNS
mdns_enabled = false
`, DefaultAddr, DefaultFixedPort)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.adbauto/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks for values that have no sensible default to fall back to.
// Zero values are valid and mean "use default".
func (c *Config) Validate() error {
	if c.FixedPort < 0 || c.FixedPort > 65535 {
		return fmt.Errorf("invalid fixed_port %d: must be between 1 and 65535", c.FixedPort)
	}

	durations := []struct {
		key   string
		value int
	}{
		{"discovery_timeout_ms", c.DiscoveryTimeoutMs},
		{"settle_delay_ms", c.SettleDelayMs},
		{"restart_delay_ms", c.RestartDelayMs},
		{"self_grant_delay_ms", c.SelfGrantDelayMs},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("invalid %s %d: must not be negative", d.key, d.value)
		}
	}

	if c.LogLines < 0 {
		return fmt.Errorf("invalid log_lines %d: must not be negative", c.LogLines)
	}
	if c.PairRatePerMinute < 0 {
		return fmt.Errorf("invalid pair_rate_per_minute %d: must not be negative", c.PairRatePerMinute)
	}
	return nil
}

// WithDefaults returns a copy with every zero value replaced by its default.
func (c Config) WithDefaults() (Config, error) {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return c, err
		}
		c.DataDir = dir
	}
	if c.DeviceName == "" {
		c.DeviceName = DefaultDeviceName
	}
	if c.FixedPort == 0 {
		c.FixedPort = DefaultFixedPort
	}
	if c.DiscoveryTimeoutMs == 0 {
		c.DiscoveryTimeoutMs = DefaultDiscoveryTimeoutMs
	}
	if c.SettleDelayMs == 0 {
		c.SettleDelayMs = DefaultSettleDelayMs
	}
	if c.RestartDelayMs == 0 {
		c.RestartDelayMs = DefaultRestartDelayMs
	}
	if c.PairHost == "" {
		c.PairHost = DefaultPairHost
	}
	if c.GrantPackage == "" {
		c.GrantPackage = DefaultGrantPackage
	}
	if c.GrantPermission == "" {
		c.GrantPermission = DefaultGrantPermission
	}
	if c.SelfGrantDelayMs == 0 {
		c.SelfGrantDelayMs = DefaultSelfGrantDelayMs
	}
	if c.LogLines == 0 {
		c.LogLines = DefaultLogLines
	}
	if c.PairRatePerMinute == 0 {
		c.PairRatePerMinute = DefaultPairRatePerMinute
	}
	return c, nil
}

// KeyDir is where the identity artifacts live.
func (c Config) KeyDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// DatabasePath is the preference database file.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "adbauto.db")
}

// DiscoveryTimeout returns DiscoveryTimeoutMs as a duration.
func (c Config) DiscoveryTimeout() time.Duration {
	return ms(c.DiscoveryTimeoutMs)
}

// SettleDelay returns SettleDelayMs as a duration.
func (c Config) SettleDelay() time.Duration {
	return ms(c.SettleDelayMs)
}

// RestartDelay returns RestartDelayMs as a duration.
func (c Config) RestartDelay() time.Duration {
	return ms(c.RestartDelayMs)
}

// SelfGrantDelay returns SelfGrantDelayMs as a duration.
func (c Config) SelfGrantDelay() time.Duration {
	return ms(c.SelfGrantDelayMs)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
