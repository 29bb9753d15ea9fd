package bluetooth

import (
	"bufio"
	"regexp"
	"strings"
)

var (
	ansiRE       = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x01|\x02`)
	deviceLineRE = regexp.MustCompile(`^Device ([0-9A-Fa-f:]{17})(?: (.*))?$`)
	infoHeadRE   = regexp.MustCompile(`^Device ([0-9A-Fa-f:]{17})(?: \((public|random)\))?`)
	uuidLineRE   = regexp.MustCompile(`^UUID:.*\(([0-9A-Fa-f-]{36})\)$`)
	unnamedRE    = regexp.MustCompile(`^[0-9A-Fa-f]{2}(-[0-9A-Fa-f]{2}){5}$`)
)

// ctlInfo is the parsed output of `bluetoothctl info <address>`
type ctlInfo struct {
	Device    Device
	Paired    bool
	Connected bool
	UUIDs     []string
}

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// ctlLines yields trimmed, colour-free, non-empty lines
func ctlLines(out string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(stripANSI(out)))
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimRight(sc.Text(), "\r"))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ctlDeviceName drops the placeholder name bluetoothctl prints for devices
// that never advertised one (the address with dashes)
func ctlDeviceName(name string) string {
	name = strings.TrimSpace(stripANSI(name))
	if unnamedRE.MatchString(name) {
		return ""
	}
	return name
}

// parseShow reads Powered and Discovering out of `bluetoothctl show`
func parseShow(out string) (powered, discovering bool) {
	for _, line := range ctlLines(out) {
		switch {
		case strings.HasPrefix(line, "Powered:"):
			powered = strings.TrimSpace(strings.TrimPrefix(line, "Powered:")) == "yes"
		case strings.HasPrefix(line, "Discovering:"):
			discovering = strings.TrimSpace(strings.TrimPrefix(line, "Discovering:")) == "yes"
		}
	}
	return powered, discovering
}

// parseDeviceList reads `bluetoothctl devices` style output
func parseDeviceList(out string) []Device {
	var devices []Device
	for _, line := range ctlLines(out) {
		m := deviceLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		address, err := NormalizeAddress(m[1])
		if err != nil {
			continue
		}
		devices = append(devices, Device{Address: address, Name: ctlDeviceName(m[2])})
	}
	return devices
}

// parseInfo reads `bluetoothctl info <address>`. ok is false when the device is not known.
func parseInfo(out string) (info ctlInfo, ok bool) {
	var classic, le bool
	for _, line := range ctlLines(out) {
		if m := infoHeadRE.FindStringSubmatch(line); m != nil {
			if strings.Contains(line, "not available") {
				return ctlInfo{}, false
			}
			address, err := NormalizeAddress(m[1])
			if err != nil {
				return ctlInfo{}, false
			}
			info.Device.Address = address
			le = m[2] == "random"
			ok = true
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			info.Device.Name = value
		case "Alias":
			if info.Device.Name == "" {
				info.Device.Name = ctlDeviceName(value)
			}
		case "Class":
			classic = true
		case "Appearance":
			le = true
		case "Paired":
			info.Paired = value == "yes"
		case "Connected":
			info.Connected = value == "yes"
		case "UUID":
			if m := uuidLineRE.FindStringSubmatch(line); m != nil {
				info.UUIDs = append(info.UUIDs, strings.ToLower(m[1]))
			}
		}
	}
	info.Device.Type = classifyDevice(classic, le)
	return info, ok
}
