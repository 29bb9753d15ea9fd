package bluetooth

import (
	"fmt"
	"net"

	tinybt "tinygo.org/x/bluetooth"
)

// DeviceType identifies which radio a device was observed on
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeClassic
	DeviceTypeLE
	DeviceTypeDual
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeClassic:
		return "Classic"
	case DeviceTypeLE:
		return "LE"
	case DeviceTypeDual:
		return "Dual"
	default:
		return "Unknown"
	}
}

// MarshalText renders the type by name so JSON clients see "LE" rather than 2
func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Device is a remote Bluetooth device as seen by the platform. Two devices are
// the same device when their addresses are equal.
type Device struct {
	Address string     `json:"address"`
	Name    string     `json:"name"`
	Type    DeviceType `json:"type"`
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// NormalizeAddress validates a device address and returns it in the canonical
// upper-case AA:BB:CC:DD:EE:FF form. Dash separated and lower-case input is accepted.
func NormalizeAddress(address string) (string, error) {
	mac, err := parseAddress(address)
	if err != nil {
		return "", err
	}
	return mac.String(), nil
}

// parseAddress returns the address in little endian order, which is how both
// the HCI layer and the kernel's sockaddr_rc store a BD_ADDR.
func parseAddress(address string) (tinybt.MAC, error) {
	var mac tinybt.MAC
	hw, err := net.ParseMAC(address)
	if err != nil {
		return mac, fmt.Errorf("invalid bluetooth address %q: %w", address, err)
	}
	if len(hw) != len(mac) {
		return mac, fmt.Errorf("invalid bluetooth address %q: expected 6 octets, got %d", address, len(hw))
	}
	for i := range mac {
		mac[i] = hw[len(hw)-1-i]
	}
	return mac, nil
}

func classifyDevice(classic, le bool) DeviceType {
	switch {
	case classic && le:
		return DeviceTypeDual
	case classic:
		return DeviceTypeClassic
	case le:
		return DeviceTypeLE
	default:
		return DeviceTypeUnknown
	}
}
