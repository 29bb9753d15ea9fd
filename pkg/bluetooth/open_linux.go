//go:build linux

package bluetooth

import (
	"fmt"
)

// Open creates the named backend
func Open(backend string, opts Options) (Adapter, error) {
	switch backend {
	case BackendBluez, "":
		return NewBluezAdapter(opts)
	case BackendHCI:
		return NewHCIAdapter(opts)
	case BackendCtl:
		return NewCtlAdapter(opts)
	default:
		return nil, fmt.Errorf("unknown bluetooth backend: %s", backend)
	}
}
