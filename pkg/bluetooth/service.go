package bluetooth

import (
	"strings"

	"github.com/google/uuid"
)

// GATT status codes delivered with services-discovered events
const (
	GattSuccess = 0x00
	GattFailure = 0x101
)

// SerialPortUUID is the Serial Port Profile service class. Opening an RFCOMM
// channel to it on an unbonded device makes the platform run the bonding handshake.
var SerialPortUUID = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")

// Service is one primary service of a remote GATT table
type Service struct {
	UUID            string           `json:"uuid"`
	Characteristics []Characteristic `json:"characteristics,omitempty"`
}

// Characteristic is a characteristic of a Service
type Characteristic struct {
	UUID       string   `json:"uuid"`
	Properties []string `json:"properties,omitempty"`
}

// FormatGattTable renders services and characteristics one per line, the way
// they are written to the debug log after discovery.
func FormatGattTable(services []Service) string {
	if len(services) == 0 {
		return "no services available"
	}
	var sb strings.Builder
	for i, s := range services {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Service ")
		sb.WriteString(s.UUID)
		sb.WriteString("\nCharacteristics:")
		for _, c := range s.Characteristics {
			sb.WriteString("\n|--")
			sb.WriteString(c.UUID)
			if len(c.Properties) > 0 {
				sb.WriteString(" [")
				sb.WriteString(strings.Join(c.Properties, ","))
				sb.WriteString("]")
			}
		}
	}
	return sb.String()
}
