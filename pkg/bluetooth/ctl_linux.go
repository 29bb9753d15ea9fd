//go:build linux

package bluetooth

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	expect "github.com/google/goexpect"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const ctlCommandTimeout = 90 * time.Second

var (
	scanLineRE   = regexp.MustCompile(`NEW(?:\x1b\[[0-9;]*m)?\] Device ([0-9A-Fa-f:]{17}) ([^\r\n]*)|(Discovering: no)`)
	pairResultRE = regexp.MustCompile(`(Pairing successful)|Failed to pair: ([^\r\n]*)|(not available)`)
	connResultRE = regexp.MustCompile(`(Connection successful)|Failed to connect: ([^\r\n]*)|(not available)`)
	discResultRE = regexp.MustCompile(`(Successful disconnected)|Failed to disconnect: ([^\r\n]*)|(not available)`)
)

// CtlAdapter drives BlueZ through the bluetoothctl command line client. Queries
// run as one-shot commands; scanning, pairing and connecting run inside an
// interactive session whose output is matched as it arrives.
type CtlAdapter struct {
	path       string
	maxChannel int
	hub        *eventHub

	mtx      sync.Mutex
	scan     *expect.GExpect
	scanStop chan struct{}
}

// NewCtlAdapter checks that bluetoothctl can be found
func NewCtlAdapter(opts Options) (*CtlAdapter, error) {
	path := opts.CtlPath
	if path == "" {
		path = "bluetoothctl"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("bluetoothctl not found: %w", err)
	}

	log.Infof("pkg bluetooth; using %s", resolved)
	return &CtlAdapter{
		path:       resolved,
		maxChannel: opts.MaxRfcommChannel,
		hub:        newEventHub(),
	}, nil
}

// run executes a one-shot bluetoothctl command and returns its output without colour codes
func (c *CtlAdapter) run(args ...string) (string, error) {
	cmd := exec.Command(c.path, args...)
	log.Tracef("Executing bluetoothctl %s", strings.Join(args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("bluetoothctl %s failed: %w\nOutput: %s", strings.Join(args, " "), err, stripANSI(string(out)))
	}
	return stripANSI(string(out)), nil
}

// interact sends one command to an interactive bluetoothctl and waits for re.
// The submatches of re are returned.
func (c *CtlAdapter) interact(command string, re *regexp.Regexp) ([]string, error) {
	gexp, _, err := expect.Spawn(c.path, -1, expect.CheckDuration(100*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("failed to spawn bluetoothctl: %w", err)
	}
	defer func() {
		if err := gexp.Close(); err != nil {
			log.Tracef("Error closing bluetoothctl session: %v", err)
		}
	}()

	log.Debugf("pkg bluetooth; bluetoothctl> %s", command)
	if err := gexp.Send(command + "\n"); err != nil {
		return nil, fmt.Errorf("failed to send %q: %w", command, err)
	}

	_, match, err := gexp.Expect(re, ctlCommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("no answer to %q: %w", command, err)
	}

	if err := gexp.Send("quit\n"); err != nil {
		log.Tracef("Error sending quit: %v", err)
	}
	return match, nil
}

// IsEnabled reports Powered from `bluetoothctl show`
func (c *CtlAdapter) IsEnabled() bool {
	out, err := c.run("show")
	if err != nil {
		log.Debugf("pkg bluetooth; %v", err)
		return false
	}
	powered, _ := parseShow(out)
	return powered
}

// IsDiscovering is true while our scan session runs or the controller reports discovery
func (c *CtlAdapter) IsDiscovering() bool {
	c.mtx.Lock()
	scanning := c.scan != nil
	c.mtx.Unlock()
	if scanning {
		return true
	}
	out, err := c.run("show")
	if err != nil {
		return false
	}
	_, discovering := parseShow(out)
	return discovering
}

// StartScan opens an interactive session running `scan on` and reports NEW devices
func (c *CtlAdapter) StartScan() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.scan != nil {
		return nil
	}

	gexp, _, err := expect.Spawn(c.path, -1, expect.CheckDuration(100*time.Millisecond))
	if err != nil {
		return fmt.Errorf("failed to spawn bluetoothctl: %w", err)
	}
	if err := gexp.Send("scan on\n"); err != nil {
		gexp.Close()
		return fmt.Errorf("failed to start scan: %w", err)
	}

	stop := make(chan struct{})
	c.scan = gexp
	c.scanStop = stop
	go c.scanLoop(gexp, stop)
	return nil
}

// scanLoop owns gexp only. StopScan releases the scan slot itself, so a loop
// that was stopped never reports DiscoveryFinished for a later scan.
func (c *CtlAdapter) scanLoop(gexp *expect.GExpect, stop chan struct{}) {
	defer func() {
		c.mtx.Lock()
		owned := c.scan == gexp
		if owned {
			c.scan = nil
			c.scanStop = nil
		}
		c.mtx.Unlock()
		if err := gexp.Close(); err != nil {
			log.Tracef("Error closing scan session: %v", err)
		}
		if owned {
			c.hub.publish(Event{Type: EventDiscoveryFinished})
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, match, err := gexp.Expect(scanLineRE, time.Second)
		if err != nil {
			if isExpectTimeout(err) {
				continue
			}
			log.Debugf("pkg bluetooth; scan session ended: %v", err)
			return
		}
		if match[3] != "" {
			return
		}

		address, err := NormalizeAddress(match[1])
		if err != nil {
			continue
		}
		c.hub.publish(Event{Type: EventDeviceFound, Device: Device{Address: address, Name: ctlDeviceName(match[2])}})
	}
}

// StopScan sends `scan off` and ends the scan session
func (c *CtlAdapter) StopScan() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.scan == nil || c.scanStop == nil {
		return nil
	}
	if err := c.scan.Send("scan off\n"); err != nil {
		log.Debugf("Error sending scan off: %v", err)
	}
	close(c.scanStop)
	c.scan = nil
	c.scanStop = nil
	return nil
}

// BondedDevices lists paired devices
func (c *CtlAdapter) BondedDevices() ([]Device, error) {
	out, err := c.run("devices", "Paired")
	if err != nil || strings.Contains(out, "Invalid") || strings.Contains(out, "Too many arguments") {
		// bluetoothctl before 5.66
		out, err = c.run("paired-devices")
	}
	if err != nil {
		return nil, err
	}
	return parseDeviceList(out), nil
}

func (c *CtlAdapter) info(address string) (ctlInfo, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return ctlInfo{}, err
	}
	out, err := c.run("info", normalized)
	if err != nil && !strings.Contains(err.Error(), "not available") {
		return ctlInfo{}, err
	}
	info, ok := parseInfo(out)
	if !ok {
		return ctlInfo{}, fmt.Errorf("%s: %w", normalized, ErrUnknownDevice)
	}
	return info, nil
}

// RemoteDevice implements Adapter
func (c *CtlAdapter) RemoteDevice(address string) (Device, error) {
	info, err := c.info(address)
	if err != nil {
		return Device{}, err
	}
	return info.Device, nil
}

// ConnectGatt runs `connect` in the background and publishes the outcome
func (c *CtlAdapter) ConnectGatt(address string) (GattHandle, error) {
	dev, err := c.RemoteDevice(address)
	if err != nil {
		return nil, err
	}

	go func() {
		state := ConnectionStateDisconnected
		match, err := c.interact("connect "+dev.Address, connResultRE)
		switch {
		case err != nil:
			log.Warnf("pkg bluetooth; connect to %s: %v", dev.Address, err)
		case match[1] != "":
			state = ConnectionStateConnected
		default:
			log.Warnf("pkg bluetooth; connect to %s failed: %s", dev.Address, strings.TrimSpace(match[2]+match[3]))
		}
		c.hub.publish(Event{Type: EventConnectionStateChanged, Address: dev.Address, State: state})
	}()

	return &ctlGatt{adapter: c, address: dev.Address}, nil
}

// OpenRfcomm pairs through bluetoothctl when needed and dials the channel
func (c *CtlAdapter) OpenRfcomm(address string, service uuid.UUID) (io.ReadWriteCloser, error) {
	info, err := c.info(address)
	if err != nil {
		return nil, err
	}

	if !info.Paired {
		log.Infof("pkg bluetooth; pairing with %s", info.Device)
		match, err := c.interact("pair "+info.Device.Address, pairResultRE)
		if err != nil {
			return nil, err
		}
		if match[1] == "" {
			return nil, fmt.Errorf("pairing with %s failed: %s", info.Device.Address, strings.TrimSpace(match[2]+match[3]))
		}
	}

	return dialRfcomm(info.Device.Address, service, c.maxChannel)
}

// RemoveBond runs `remove`
func (c *CtlAdapter) RemoveBond(address string) error {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	out, err := c.run("remove", normalized)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Device has been removed") {
		return fmt.Errorf("remove %s: %s: %w", normalized, strings.TrimSpace(out), ErrUnknownDevice)
	}
	return nil
}

// Subscribe implements Adapter
func (c *CtlAdapter) Subscribe(ch chan<- Event) (func(), error) {
	return c.hub.subscribe(ch), nil
}

// Close ends a running scan session
func (c *CtlAdapter) Close() error {
	return c.StopScan()
}

type ctlGatt struct {
	adapter *CtlAdapter
	address string
}

func (h *ctlGatt) Address() string { return h.address }

// DiscoverServices reports the service UUIDs BlueZ lists for the device.
// bluetoothctl does not show characteristics outside its gatt menu.
func (h *ctlGatt) DiscoverServices() error {
	go func() {
		info, err := h.adapter.info(h.address)
		if err != nil {
			log.Warnf("pkg bluetooth; service discovery on %s failed: %v", h.address, err)
			h.adapter.hub.publish(Event{Type: EventServicesDiscovered, Address: h.address, Status: GattFailure})
			return
		}
		services := make([]Service, 0, len(info.UUIDs))
		for _, id := range info.UUIDs {
			services = append(services, Service{UUID: id})
		}
		h.adapter.hub.publish(Event{Type: EventServicesDiscovered, Address: h.address, Status: GattSuccess, Services: services})
	}()
	return nil
}

func (h *ctlGatt) Disconnect() error {
	match, err := h.adapter.interact("disconnect "+h.address, discResultRE)
	if err != nil {
		return err
	}
	if match[1] == "" {
		return fmt.Errorf("disconnect from %s failed: %s", h.address, strings.TrimSpace(match[2]+match[3]))
	}
	h.adapter.hub.publish(Event{Type: EventConnectionStateChanged, Address: h.address, State: ConnectionStateDisconnected})
	return nil
}

func (h *ctlGatt) Close() error { return nil }

// isExpectTimeout reports whether Expect gave up waiting rather than losing the process
func isExpectTimeout(err error) bool {
	var te expect.TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return strings.Contains(err.Error(), "timer expired")
}
