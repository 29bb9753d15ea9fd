//go:build !linux

package bluetooth

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Open fails on non-Linux platforms: every backend talks to BlueZ or the kernel HCI socket
func Open(backend string, opts Options) (Adapter, error) {
	log.Warn("Bluetooth is only supported on Linux.")
	return nil, fmt.Errorf("backend %q: %w", backend, ErrUnsupported)
}
