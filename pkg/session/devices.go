package session

import (
	"sort"
	"sync"

	"github.com/jwoglom/btsession/pkg/bluetooth"
)

// DeviceSet is a set of devices keyed by address, safe for concurrent use
type DeviceSet struct {
	devices map[string]bluetooth.Device
	mtx     sync.RWMutex
}

// NewDeviceSet creates an empty set
func NewDeviceSet() *DeviceSet {
	return &DeviceSet{
		devices: make(map[string]bluetooth.Device),
	}
}

// Add inserts the device unless its address is already present. It returns
// true when the device was new.
func (s *DeviceSet) Add(d bluetooth.Device) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, exists := s.devices[d.Address]; exists {
		return false
	}
	s.devices[d.Address] = d
	return true
}

// Get returns the device stored for the address
func (s *DeviceSet) Get(address string) (bluetooth.Device, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	d, exists := s.devices[address]
	return d, exists
}

// Clear removes every device
func (s *DeviceSet) Clear() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.devices = make(map[string]bluetooth.Device)
}

// Replace swaps the content for devices. Later duplicates of an address are dropped.
func (s *DeviceSet) Replace(devices []bluetooth.Device) {
	next := make(map[string]bluetooth.Device, len(devices))
	for _, d := range devices {
		if _, exists := next[d.Address]; !exists {
			next[d.Address] = d
		}
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.devices = next
}

// List returns a copy of the devices sorted by address
func (s *DeviceSet) List() []bluetooth.Device {
	s.mtx.RLock()
	result := make([]bluetooth.Device, 0, len(s.devices))
	for _, d := range s.devices {
		result = append(result, d)
	}
	s.mtx.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result
}
