package bluetooth

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrUnsupported is returned by backends for operations the platform cannot do
	ErrUnsupported = errors.New("bluetooth: operation not supported by this backend")
	// ErrUnknownDevice is returned when an address does not resolve to a device the platform knows
	ErrUnknownDevice = errors.New("bluetooth: unknown device")
)

// Adapter is the platform Bluetooth stack as seen by a session. Implementations
// turn their platform callbacks into Events delivered to subscribed channels.
type Adapter interface {
	IsEnabled() bool
	IsDiscovering() bool
	StartScan() error
	StopScan() error
	BondedDevices() ([]Device, error)
	RemoteDevice(address string) (Device, error)

	// ConnectGatt starts a GATT connection and returns immediately. The outcome
	// arrives later as an EventConnectionStateChanged for the address.
	ConnectGatt(address string) (GattHandle, error)

	// OpenRfcomm opens an RFCOMM channel to the service, bonding first when the
	// platform requires it. It blocks until the channel is open or has failed.
	OpenRfcomm(address string, service uuid.UUID) (io.ReadWriteCloser, error)

	RemoveBond(address string) error

	// Subscribe registers ch for platform events until cancel is called
	Subscribe(ch chan<- Event) (cancel func(), err error)

	Close() error
}

// GattHandle is a GATT client connection created by Adapter.ConnectGatt
type GattHandle interface {
	Address() string
	// DiscoverServices requests the remote GATT table. The result arrives as an EventServicesDiscovered.
	DiscoverServices() error
	Disconnect() error
	Close() error
}

// Permission names a privileged capability checked before adapter calls
type Permission string

const (
	PermissionScan    Permission = "scan"
	PermissionConnect Permission = "connect"
)

// PermissionChecker reports whether a capability has been granted
type PermissionChecker interface {
	HasPermission(p Permission) bool
}

// Grants is a fixed set of granted permissions
type Grants map[Permission]bool

// ParseGrants builds Grants from names such as "scan" or "connect". "all" grants
// everything and "none" nothing.
func ParseGrants(names []string) (Grants, error) {
	g := Grants{}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "":
		case "all":
			g[PermissionScan] = true
			g[PermissionConnect] = true
		case "none":
		case string(PermissionScan), string(PermissionConnect):
			g[Permission(name)] = true
		default:
			return nil, fmt.Errorf("unknown permission: %s (valid: scan, connect, all, none)", raw)
		}
	}
	return g, nil
}

// HasPermission implements PermissionChecker
func (g Grants) HasPermission(p Permission) bool {
	return g[p]
}

func (g Grants) String() string {
	names := make([]string, 0, len(g))
	for p, ok := range g {
		if ok {
			names = append(names, string(p))
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Options configures a backend
type Options struct {
	// AdapterID names the local controller, e.g. "hci0"
	AdapterID string

	// Transport restricts discovery: "auto", "le" or "bredr"
	Transport string

	// MaxRfcommChannel is the highest RFCOMM channel probed when opening a channel
	MaxRfcommChannel int

	// CtlPath is the bluetoothctl binary used by the ctl backend
	CtlPath string
}

// Backend names accepted by Open
const (
	BackendBluez = "bluez"
	BackendHCI   = "gatt"
	BackendCtl   = "ctl"
)
