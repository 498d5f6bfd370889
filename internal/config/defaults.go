package config

// DefaultAddr is the default listen address for the control panel.
const DefaultAddr = "0.0.0.0:8080"

// DefaultDeviceName matches the certificate subject the daemon shows in
// its paired-devices list.
const DefaultDeviceName = "ADBAutoEnable"

// Switch timing defaults.
const (
	DefaultFixedPort          = 5555
	DefaultDiscoveryTimeoutMs = 10000
	DefaultSettleDelayMs      = 200
	DefaultRestartDelayMs     = 3000
	DefaultSelfGrantDelayMs   = 2000
)

// DefaultPairHost is where the pairing service listens on-device.
const DefaultPairHost = "127.0.0.1"

// Self-grant defaults.
const (
	DefaultGrantPackage    = "com.tpn.adbautoenable"
	DefaultGrantPermission = "android.permission.WRITE_SECURE_SETTINGS"
)

// DefaultLogLines sizes the in-memory log ring.
const DefaultLogLines = 2000

// DefaultPairRatePerMinute limits pairing attempts over HTTP.
const DefaultPairRatePerMinute = 5
