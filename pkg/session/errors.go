package session

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when a privileged call is attempted without its grant
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAdapterDisabled is returned when the radio is off
	ErrAdapterDisabled = errors.New("bluetooth adapter is disabled")
	// ErrInvalidAddress is returned when a target does not resolve to a device
	ErrInvalidAddress = errors.New("invalid device address")
	// ErrBusy is returned when a pairing or connection attempt is already in flight
	ErrBusy = errors.New("another pairing or connection attempt is in flight")
	// ErrNotConnected is returned by Disconnect when there is no GATT connection
	ErrNotConnected = errors.New("not connected")
	// ErrReleased is returned by operations on a released session
	ErrReleased = errors.New("session released")
)

// PairingError reports a platform failure during pairing
type PairingError struct {
	Address string
	Err     error
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("pairing with %s failed: %v", e.Address, e.Err)
}

func (e *PairingError) Unwrap() error {
	return e.Err
}
