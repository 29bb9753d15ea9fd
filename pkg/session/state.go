package session

import (
	"github.com/jwoglom/btsession/pkg/bluetooth"
)

// State is the session's view of the adapter: whether a scan is running,
// which address (if any) a pairing or connection attempt is in flight for,
// and the GATT connection.
type State struct {
	Scanning   bool                      `json:"scanning"`
	InFlight   string                    `json:"inFlight,omitempty"`
	Connection bluetooth.ConnectionState `json:"connection"`
	Connected  string                    `json:"connected,omitempty"`
	Services   []bluetooth.Service       `json:"services,omitempty"`
}

// Snapshot is the complete observable state at one point in time
type Snapshot struct {
	State   State              `json:"state"`
	Scanned []bluetooth.Device `json:"scanned"`
	Paired  []bluetooth.Device `json:"paired"`
}

func (s State) clone() State {
	if s.Services != nil {
		services := make([]bluetooth.Service, len(s.Services))
		copy(services, s.Services)
		s.Services = services
	}
	return s
}
