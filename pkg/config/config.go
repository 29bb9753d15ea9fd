package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jwoglom/btsession/pkg/bluetooth"
)

// Defaults used when neither a flag nor an environment variable is set
const (
	DefaultBackend   = bluetooth.BackendBluez
	DefaultAdapter   = "hci0"
	DefaultListen    = ":8080"
	DefaultGrants    = "all"
	DefaultTransport = "auto"
	DefaultCtlPath   = "bluetoothctl"
)

// Config holds the session service configuration
type Config struct {
	// Bluetooth backend: "bluez", "gatt" or "ctl"
	Backend   string
	AdapterID string
	Transport string // "auto", "le" or "bredr"

	// bluetoothctl binary for the ctl backend
	CtlPath string

	// Highest RFCOMM channel probed when pairing, 0 for the backend default
	MaxRfcommChannel int

	// Permissions granted to the session
	Grants bluetooth.Grants

	// HTTP/WebSocket listen address
	Listen string

	// Logging configuration
	LogLevel string
}

// New creates a new configuration. Empty values fall back to the
// BTSESSION_* environment variables and then to the defaults.
func New(backend, adapterID, listen, grants, transport, ctlPath, maxRfcommChannel, logLevel string) (*Config, error) {
	backend = fallback(backend, "BTSESSION_BACKEND", DefaultBackend)
	adapterID = fallback(adapterID, "BTSESSION_ADAPTER", DefaultAdapter)
	listen = fallback(listen, "BTSESSION_LISTEN", DefaultListen)
	grants = fallback(grants, "BTSESSION_GRANTS", DefaultGrants)
	transport = fallback(transport, "BTSESSION_TRANSPORT", DefaultTransport)
	ctlPath = fallback(ctlPath, "BTSESSION_CTL_PATH", DefaultCtlPath)
	maxRfcommChannel = fallback(maxRfcommChannel, "BTSESSION_RFCOMM_MAX_CHANNEL", "0")

	// Validate backend
	switch backend {
	case bluetooth.BackendBluez, bluetooth.BackendHCI, bluetooth.BackendCtl:
	default:
		return nil, fmt.Errorf("invalid backend: %s (must be 'bluez', 'gatt' or 'ctl')", backend)
	}

	// Validate transport
	switch transport {
	case "auto", "le", "bredr":
	default:
		return nil, fmt.Errorf("invalid transport: %s (must be 'auto', 'le' or 'bredr')", transport)
	}

	if !strings.HasPrefix(adapterID, "hci") {
		return nil, fmt.Errorf("invalid adapter: %s (expected a name like hci0)", adapterID)
	}

	channel, err := strconv.Atoi(maxRfcommChannel)
	if err != nil || channel < 0 || channel > 30 {
		return nil, fmt.Errorf("invalid rfcomm channel limit: %s (must be between 0 and 30)", maxRfcommChannel)
	}

	g, err := bluetooth.ParseGrants(strings.Split(grants, ","))
	if err != nil {
		return nil, fmt.Errorf("invalid grants: %w", err)
	}

	return &Config{
		Backend:          backend,
		AdapterID:        adapterID,
		Transport:        transport,
		CtlPath:          ctlPath,
		MaxRfcommChannel: channel,
		Grants:           g,
		Listen:           listen,
		LogLevel:         logLevel,
	}, nil
}

// AdapterOptions returns the options passed to bluetooth.Open
func (c *Config) AdapterOptions() bluetooth.Options {
	return bluetooth.Options{
		AdapterID:        c.AdapterID,
		Transport:        c.Transport,
		MaxRfcommChannel: c.MaxRfcommChannel,
		CtlPath:          c.CtlPath,
	}
}

func fallback(value, env, def string) string {
	if value != "" {
		return value
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}
