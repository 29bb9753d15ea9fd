package bluetooth

import (
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

// addrFromPath extracts the address from a BlueZ device path:
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF -> AA:BB:CC:DD:EE:FF. Paths of objects
// below a device (services, characteristics) resolve to the owning device.
func addrFromPath(path dbus.ObjectPath) string {
	for _, part := range strings.Split(string(path), "/") {
		if !strings.HasPrefix(part, "dev_") {
			continue
		}
		address, err := NormalizeAddress(strings.ReplaceAll(part[len("dev_"):], "_", ":"))
		if err != nil {
			return ""
		}
		return address
	}
	return ""
}

// pathFromAddr converts an address to its device object path under the adapter
func pathFromAddr(adapterPath dbus.ObjectPath, address string) dbus.ObjectPath {
	s := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + s)
}

func sortPaths(paths []dbus.ObjectPath) {
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
}
