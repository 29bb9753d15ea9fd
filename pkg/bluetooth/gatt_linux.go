//go:build linux

package bluetooth

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/paypal/gatt"
	log "github.com/sirupsen/logrus"
)

// HCIAdapter is an LE-only central that owns the controller through a raw HCI
// socket. BlueZ must not be managing the same controller.
type HCIAdapter struct {
	device gatt.Device
	hub    *eventHub

	mtx         sync.Mutex
	state       gatt.State
	scanning    bool
	peripherals map[string]gatt.Peripheral
}

// DefaultClientOptions returns the gatt options for a central on the adapter
func DefaultClientOptions(opts Options) []gatt.Option {
	id := -1
	if n, err := strconv.Atoi(strings.TrimPrefix(opts.AdapterID, "hci")); err == nil {
		id = n
	}
	return []gatt.Option{
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(id, true),
	}
}

// NewHCIAdapter opens the HCI device and waits for state callbacks
func NewHCIAdapter(opts Options) (*HCIAdapter, error) {
	d, err := gatt.NewDevice(DefaultClientOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open hci device: %w", err)
	}

	a := &HCIAdapter{
		device:      d,
		hub:         newEventHub(),
		state:       gatt.StateUnknown,
		peripherals: make(map[string]gatt.Peripheral),
	}

	d.Handle(
		gatt.PeripheralDiscovered(a.onDiscovered),
		gatt.PeripheralConnected(a.onConnected),
		gatt.PeripheralDisconnected(a.onDisconnected),
	)

	if err := d.Init(a.onStateChanged); err != nil {
		return nil, fmt.Errorf("could not init bluetooth: %w", err)
	}

	log.Infof("pkg bluetooth; using HCI device %s", opts.AdapterID)
	return a, nil
}

func (a *HCIAdapter) onStateChanged(d gatt.Device, s gatt.State) {
	log.Infof("pkg bluetooth; HCI state: %s", s)
	a.mtx.Lock()
	a.state = s
	wasScanning := a.scanning
	if s != gatt.StatePoweredOn {
		a.scanning = false
	}
	a.mtx.Unlock()

	if wasScanning && s != gatt.StatePoweredOn {
		a.hub.publish(Event{Type: EventDiscoveryFinished})
	}
}

func (a *HCIAdapter) onDiscovered(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
	address, err := NormalizeAddress(p.ID())
	if err != nil {
		log.Tracef("pkg bluetooth; ignoring peripheral with id %s: %v", p.ID(), err)
		return
	}

	a.mtx.Lock()
	a.peripherals[address] = p
	a.mtx.Unlock()

	name := p.Name()
	if name == "" && adv != nil {
		name = adv.LocalName
	}
	log.Tracef("pkg bluetooth; discovered %s %q rssi %d", address, name, rssi)
	a.hub.publish(Event{Type: EventDeviceFound, Device: Device{Address: address, Name: name, Type: DeviceTypeLE}})
}

func (a *HCIAdapter) onConnected(p gatt.Peripheral, err error) {
	address, _ := NormalizeAddress(p.ID())
	if err != nil {
		log.Warnf("pkg bluetooth; connection to %s failed: %v", address, err)
		a.hub.publish(Event{Type: EventConnectionStateChanged, Address: address, State: ConnectionStateDisconnected})
		return
	}
	a.hub.publish(Event{Type: EventConnectionStateChanged, Address: address, State: ConnectionStateConnected})
}

func (a *HCIAdapter) onDisconnected(p gatt.Peripheral, err error) {
	address, _ := NormalizeAddress(p.ID())
	if err != nil {
		log.Debugf("pkg bluetooth; %s disconnected: %v", address, err)
	}
	a.hub.publish(Event{Type: EventConnectionStateChanged, Address: address, State: ConnectionStateDisconnected})
}

// IsEnabled is true once the controller reported StatePoweredOn
func (a *HCIAdapter) IsEnabled() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.state == gatt.StatePoweredOn
}

// IsDiscovering implements Adapter
func (a *HCIAdapter) IsDiscovering() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.scanning
}

// StartScan scans for all services and reports every advertiser once per scan
func (a *HCIAdapter) StartScan() error {
	a.mtx.Lock()
	if a.state != gatt.StatePoweredOn {
		a.mtx.Unlock()
		return fmt.Errorf("hci device is %s", a.state)
	}
	a.scanning = true
	a.mtx.Unlock()

	a.device.Scan([]gatt.UUID{}, false)
	return nil
}

// StopScan implements Adapter. The HCI layer has no scan-finished callback so
// the event is published here.
func (a *HCIAdapter) StopScan() error {
	a.mtx.Lock()
	wasScanning := a.scanning
	a.scanning = false
	a.mtx.Unlock()

	a.device.StopScanning()
	if wasScanning {
		a.hub.publish(Event{Type: EventDiscoveryFinished})
	}
	return nil
}

// BondedDevices is always empty: the raw HCI stack keeps no bonding store
func (a *HCIAdapter) BondedDevices() ([]Device, error) {
	return nil, nil
}

// RemoteDevice resolves addresses of peripherals seen during a scan
func (a *HCIAdapter) RemoteDevice(address string) (Device, error) {
	p, normalized, err := a.peripheral(address)
	if err != nil {
		return Device{}, err
	}
	return Device{Address: normalized, Name: p.Name(), Type: DeviceTypeLE}, nil
}

// ConnectGatt implements Adapter
func (a *HCIAdapter) ConnectGatt(address string) (GattHandle, error) {
	p, normalized, err := a.peripheral(address)
	if err != nil {
		return nil, err
	}
	a.device.Connect(p)
	return &hciGatt{adapter: a, address: normalized, peripheral: p}, nil
}

// OpenRfcomm is not available on an LE-only stack
func (a *HCIAdapter) OpenRfcomm(address string, service uuid.UUID) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("rfcomm to %s: %w", address, ErrUnsupported)
}

// RemoveBond is not available without a bonding store
func (a *HCIAdapter) RemoveBond(address string) error {
	return fmt.Errorf("remove bond %s: %w", address, ErrUnsupported)
}

// Subscribe implements Adapter
func (a *HCIAdapter) Subscribe(ch chan<- Event) (func(), error) {
	return a.hub.subscribe(ch), nil
}

// Close stops any scan. paypal/gatt has no way to release the HCI socket.
func (a *HCIAdapter) Close() error {
	a.mtx.Lock()
	scanning := a.scanning
	a.scanning = false
	a.mtx.Unlock()
	if scanning {
		a.device.StopScanning()
	}
	return nil
}

func (a *HCIAdapter) peripheral(address string) (gatt.Peripheral, string, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return nil, "", err
	}
	a.mtx.Lock()
	p, ok := a.peripherals[normalized]
	a.mtx.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("%s has not been discovered: %w", normalized, ErrUnknownDevice)
	}
	return p, normalized, nil
}

type hciGatt struct {
	adapter    *HCIAdapter
	address    string
	peripheral gatt.Peripheral
}

func (h *hciGatt) Address() string { return h.address }

// DiscoverServices walks services and characteristics in the background
func (h *hciGatt) DiscoverServices() error {
	go func() {
		services, err := h.discover()
		if err != nil {
			log.Warnf("pkg bluetooth; service discovery on %s failed: %v", h.address, err)
			h.adapter.hub.publish(Event{Type: EventServicesDiscovered, Address: h.address, Status: GattFailure})
			return
		}
		h.adapter.hub.publish(Event{Type: EventServicesDiscovered, Address: h.address, Status: GattSuccess, Services: services})
	}()
	return nil
}

func (h *hciGatt) discover() ([]Service, error) {
	ss, err := h.peripheral.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	services := make([]Service, 0, len(ss))
	for _, s := range ss {
		svc := Service{UUID: s.UUID().String()}
		cs, err := h.peripheral.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, fmt.Errorf("characteristics of %s: %w", svc.UUID, err)
		}
		for _, c := range cs {
			svc.Characteristics = append(svc.Characteristics, Characteristic{
				UUID:       c.UUID().String(),
				Properties: propertyNames(c.Properties()),
			})
		}
		services = append(services, svc)
	}
	return services, nil
}

func (h *hciGatt) Disconnect() error {
	h.adapter.device.CancelConnection(h.peripheral)
	return nil
}

func (h *hciGatt) Close() error { return nil }

func propertyNames(p gatt.Property) []string {
	flags := []struct {
		bit  gatt.Property
		name string
	}{
		{gatt.CharBroadcast, "broadcast"},
		{gatt.CharRead, "read"},
		{gatt.CharWriteNR, "write-without-response"},
		{gatt.CharWrite, "write"},
		{gatt.CharNotify, "notify"},
		{gatt.CharIndicate, "indicate"},
		{gatt.CharSignedWrite, "authenticated-signed-writes"},
		{gatt.CharExtended, "extended-properties"},
	}
	var names []string
	for _, f := range flags {
		if p&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}
