package session

import (
	"github.com/jwoglom/btsession/pkg/bluetooth"
)

// Notifier receives discrete session events, as opposed to the state
// snapshots delivered through Watch. Implementations must not block.
type Notifier interface {
	// NotifyDeviceFound notifies that a device was added to the scanned set
	NotifyDeviceFound(device bluetooth.Device)

	// NotifyDiscoveryFinished notifies that scanning stopped
	NotifyDiscoveryFinished()

	// NotifyPairingFailed notifies that a pairing attempt failed in the platform
	NotifyPairingFailed(address string, err error)

	// NotifyConnectionState notifies about a GATT connection state change
	NotifyConnectionState(address string, state bluetooth.ConnectionState)

	// NotifyServicesDiscovered notifies about a services-discovered callback
	NotifyServicesDiscovered(address string, status int, services []bluetooth.Service)
}

// NoOpNotifier is a no-op implementation of Notifier
type NoOpNotifier struct{}

// NotifyDeviceFound is a no-op implementation
func (n *NoOpNotifier) NotifyDeviceFound(device bluetooth.Device) {}

// NotifyDiscoveryFinished is a no-op implementation
func (n *NoOpNotifier) NotifyDiscoveryFinished() {}

// NotifyPairingFailed is a no-op implementation
func (n *NoOpNotifier) NotifyPairingFailed(address string, err error) {}

// NotifyConnectionState is a no-op implementation
func (n *NoOpNotifier) NotifyConnectionState(address string, state bluetooth.ConnectionState) {}

// NotifyServicesDiscovered is a no-op implementation
func (n *NoOpNotifier) NotifyServicesDiscovered(address string, status int, services []bluetooth.Service) {
}
