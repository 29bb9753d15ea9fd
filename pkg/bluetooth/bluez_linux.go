//go:build linux

package bluetooth

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService1 = "org.bluez.GattService1"
	bluezGattChar1    = "org.bluez.GattCharacteristic1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BluezAdapter drives a BlueZ controller over the system D-Bus
type BluezAdapter struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	transport   string
	maxChannel  int

	hub *eventHub

	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// NewBluezAdapter connects to the system bus and watches the adapter named in opts
func NewBluezAdapter(opts Options) (*BluezAdapter, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	adapterID := opts.AdapterID
	if adapterID == "" {
		adapterID = "hci0"
	}

	b := &BluezAdapter{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapterID),
		transport:   opts.Transport,
		maxChannel:  opts.MaxRfcommChannel,
		hub:         newEventHub(),
		signals:     make(chan *dbus.Signal, 64),
		done:        make(chan struct{}),
	}

	if _, err := getDBusProperty[string](conn, b.adapterPath, bluezAdapter1, "Address"); err != nil {
		return nil, fmt.Errorf("adapter %s not available: %w", adapterID, err)
	}

	if err := conn.AddMatchSignal(dbus.WithMatchSender(bluezBus)); err != nil {
		return nil, fmt.Errorf("failed to subscribe to bluez signals: %w", err)
	}
	conn.Signal(b.signals)
	go b.signalLoop()

	log.Infof("pkg bluetooth; using BlueZ adapter %s", b.adapterPath)
	return b, nil
}

// IsEnabled reports the adapter's Powered property
func (b *BluezAdapter) IsEnabled() bool {
	powered, err := getDBusProperty[bool](b.conn, b.adapterPath, bluezAdapter1, "Powered")
	if err != nil {
		log.Debugf("pkg bluetooth; could not read Powered: %v", err)
		return false
	}
	return powered
}

// IsDiscovering reports the adapter's Discovering property
func (b *BluezAdapter) IsDiscovering() bool {
	discovering, err := getDBusProperty[bool](b.conn, b.adapterPath, bluezAdapter1, "Discovering")
	if err != nil {
		log.Debugf("pkg bluetooth; could not read Discovering: %v", err)
		return false
	}
	return discovering
}

// StartScan sets the discovery filter and starts discovery. Devices BlueZ has
// already cached with a fresh RSSI are reported straight away because no
// InterfacesAdded signal will be sent for them.
func (b *BluezAdapter) StartScan() error {
	adapter := b.conn.Object(bluezBus, b.adapterPath)

	filter := map[string]dbus.Variant{}
	if b.transport != "" {
		filter["Transport"] = dbus.MakeVariant(b.transport)
	}
	if call := adapter.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("failed to set discovery filter: %w", call.Err)
	}

	if call := adapter.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("failed to start discovery: %w", call.Err)
	}

	objects, err := b.managedObjects()
	if err != nil {
		log.Warnf("pkg bluetooth; could not list cached devices: %v", err)
		return nil
	}
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !b.ownsPath(path) {
			continue
		}
		if _, seen := props["RSSI"]; !seen {
			continue
		}
		if dev, ok := deviceFromProps(props); ok {
			b.hub.publish(Event{Type: EventDeviceFound, Device: dev})
		}
	}
	return nil
}

// StopScan stops discovery. BlueZ confirms with Discovering=false, which is
// reported as EventDiscoveryFinished.
func (b *BluezAdapter) StopScan() error {
	adapter := b.conn.Object(bluezBus, b.adapterPath)
	if call := adapter.Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("failed to stop discovery: %w", call.Err)
	}
	return nil
}

// BondedDevices lists devices with Paired=true under this adapter
func (b *BluezAdapter) BondedDevices() ([]Device, error) {
	objects, err := b.managedObjects()
	if err != nil {
		return nil, err
	}

	var devices []Device
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !b.ownsPath(path) {
			continue
		}
		if paired, _ := variantValue[bool](props, "Paired"); !paired {
			continue
		}
		if dev, ok := deviceFromProps(props); ok {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

// RemoteDevice resolves an address to a device object BlueZ knows about
func (b *BluezAdapter) RemoteDevice(address string) (Device, error) {
	dev, _, err := b.remoteDevice(address)
	return dev, err
}

func (b *BluezAdapter) remoteDevice(address string) (Device, dbus.ObjectPath, error) {
	path, err := b.devicePath(address)
	if err != nil {
		return Device{}, "", err
	}
	dev, err := b.deviceAt(path)
	if err != nil {
		return Device{}, "", err
	}
	return dev, path, nil
}

// ConnectGatt calls Device1.Connect in the background. BlueZ reports the
// result through the device's Connected property.
func (b *BluezAdapter) ConnectGatt(address string) (GattHandle, error) {
	dev, path, err := b.remoteDevice(address)
	if err != nil {
		return nil, err
	}

	h := &bluezGatt{adapter: b, address: dev.Address, path: path}
	go func() {
		call := b.conn.Object(bluezBus, path).Call(bluezDevice1+".Connect", 0)
		if call.Err != nil {
			log.Warnf("pkg bluetooth; connect to %s failed: %v", dev.Address, call.Err)
			b.hub.publish(Event{Type: EventConnectionStateChanged, Address: dev.Address, State: ConnectionStateDisconnected})
		}
	}()
	return h, nil
}

// OpenRfcomm bonds with the device if needed and then dials an RFCOMM channel
func (b *BluezAdapter) OpenRfcomm(address string, service uuid.UUID) (io.ReadWriteCloser, error) {
	dev, path, err := b.remoteDevice(address)
	if err != nil {
		return nil, err
	}
	obj := b.conn.Object(bluezBus, path)

	paired, err := getDBusProperty[bool](b.conn, path, bluezDevice1, "Paired")
	if err != nil {
		return nil, fmt.Errorf("failed to read pairing state of %s: %w", dev.Address, err)
	}
	if !paired {
		log.Infof("pkg bluetooth; pairing with %s", dev)
		if call := obj.Call(bluezDevice1+".Pair", 0); call.Err != nil {
			return nil, fmt.Errorf("pairing with %s failed: %w", dev.Address, call.Err)
		}
		if err := obj.SetProperty(bluezDevice1+".Trusted", dbus.MakeVariant(true)); err != nil {
			log.Debugf("pkg bluetooth; could not mark %s trusted: %v", dev.Address, err)
		}
	}

	return dialRfcomm(dev.Address, service, b.maxChannel)
}

// RemoveBond removes the device object, which drops its link keys
func (b *BluezAdapter) RemoveBond(address string) error {
	path, err := b.devicePath(address)
	if err != nil {
		return err
	}
	if _, err := b.deviceAt(path); err != nil {
		return err
	}
	adapter := b.conn.Object(bluezBus, b.adapterPath)
	if call := adapter.Call(bluezAdapter1+".RemoveDevice", 0, path); call.Err != nil {
		return fmt.Errorf("failed to remove %s: %w", address, call.Err)
	}
	return nil
}

// Subscribe implements Adapter
func (b *BluezAdapter) Subscribe(ch chan<- Event) (func(), error) {
	return b.hub.subscribe(ch), nil
}

// Close stops signal delivery. The system bus connection is shared and stays open.
func (b *BluezAdapter) Close() error {
	b.closeOnce.Do(func() {
		b.conn.RemoveSignal(b.signals)
		close(b.done)
	})
	return nil
}

func (b *BluezAdapter) signalLoop() {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *BluezAdapter) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case dbusObjectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || !b.ownsPath(path) {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[bluezDevice1]; ok {
			if dev, ok := deviceFromProps(props); ok {
				log.Tracef("pkg bluetooth; device added: %s", dev)
				b.hub.publish(Event{Type: EventDeviceFound, Device: dev})
			}
		}

	case dbusProperties + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		switch {
		case iface == bluezAdapter1 && sig.Path == b.adapterPath:
			if discovering, ok := variantValue[bool](changed, "Discovering"); ok && !discovering {
				b.hub.publish(Event{Type: EventDiscoveryFinished})
			}
		case iface == bluezDevice1 && b.ownsPath(sig.Path):
			b.handleDeviceChange(sig.Path, changed)
		}
	}
}

func (b *BluezAdapter) handleDeviceChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	address := addrFromPath(path)
	if address == "" {
		return
	}

	if connected, ok := variantValue[bool](changed, "Connected"); ok {
		state := ConnectionStateDisconnected
		if connected {
			state = ConnectionStateConnected
		}
		b.hub.publish(Event{Type: EventConnectionStateChanged, Address: address, State: state})
	}

	if resolved, ok := variantValue[bool](changed, "ServicesResolved"); ok && resolved {
		b.publishServices(address, path)
	}
}

func (b *BluezAdapter) publishServices(address string, path dbus.ObjectPath) {
	services, err := b.servicesOf(path)
	if err != nil {
		log.Warnf("pkg bluetooth; could not read services of %s: %v", address, err)
		b.hub.publish(Event{Type: EventServicesDiscovered, Address: address, Status: GattFailure})
		return
	}
	b.hub.publish(Event{Type: EventServicesDiscovered, Address: address, Status: GattSuccess, Services: services})
}

// servicesOf builds the GATT table from GattService1 and GattCharacteristic1
// objects below the device path
func (b *BluezAdapter) servicesOf(devPath dbus.ObjectPath) ([]Service, error) {
	objects, err := b.managedObjects()
	if err != nil {
		return nil, err
	}

	prefix := string(devPath) + "/"
	byPath := make(map[dbus.ObjectPath]*Service)
	var order []dbus.ObjectPath
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if props, ok := ifaces[bluezGattService1]; ok {
			id, _ := variantValue[string](props, "UUID")
			byPath[path] = &Service{UUID: id}
			order = append(order, path)
		}
	}
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		svcPath, _ := variantValue[dbus.ObjectPath](props, "Service")
		svc, ok := byPath[svcPath]
		if !ok {
			continue
		}
		id, _ := variantValue[string](props, "UUID")
		flags, _ := variantValue[[]string](props, "Flags")
		svc.Characteristics = append(svc.Characteristics, Characteristic{UUID: id, Properties: flags})
	}

	sortPaths(order)
	services := make([]Service, 0, len(order))
	for _, p := range order {
		services = append(services, *byPath[p])
	}
	return services, nil
}

func (b *BluezAdapter) managedObjects() (managedObjects, error) {
	var objects managedObjects
	call := b.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects failed: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("GetManagedObjects returned unexpected data: %w", err)
	}
	return objects, nil
}

func (b *BluezAdapter) deviceAt(path dbus.ObjectPath) (Device, error) {
	var props map[string]dbus.Variant
	call := b.conn.Object(bluezBus, path).Call(dbusProperties+".GetAll", 0, bluezDevice1)
	if call.Err != nil {
		return Device{}, fmt.Errorf("%s: %w", addrFromPath(path), ErrUnknownDevice)
	}
	if err := call.Store(&props); err != nil {
		return Device{}, fmt.Errorf("failed to read device properties: %w", err)
	}
	dev, ok := deviceFromProps(props)
	if !ok {
		return Device{}, fmt.Errorf("%s: %w", addrFromPath(path), ErrUnknownDevice)
	}
	return dev, nil
}

func (b *BluezAdapter) devicePath(address string) (dbus.ObjectPath, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	return pathFromAddr(b.adapterPath, normalized), nil
}

func (b *BluezAdapter) ownsPath(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(b.adapterPath)+"/")
}

// bluezGatt is the GattHandle of the BlueZ backend. BlueZ resolves services on
// its own after connecting, so DiscoverServices only reports them when they
// are already resolved.
type bluezGatt struct {
	adapter *BluezAdapter
	address string
	path    dbus.ObjectPath
}

func (h *bluezGatt) Address() string { return h.address }

func (h *bluezGatt) DiscoverServices() error {
	resolved, err := getDBusProperty[bool](h.adapter.conn, h.path, bluezDevice1, "ServicesResolved")
	if err != nil {
		return fmt.Errorf("failed to read ServicesResolved: %w", err)
	}
	if resolved {
		h.adapter.publishServices(h.address, h.path)
	}
	return nil
}

func (h *bluezGatt) Disconnect() error {
	call := h.adapter.conn.Object(bluezBus, h.path).Call(bluezDevice1+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("disconnect from %s failed: %w", h.address, call.Err)
	}
	return nil
}

func (h *bluezGatt) Close() error { return nil }

// getDBusProperty reads a property from a BlueZ object
func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}

func deviceFromProps(props map[string]dbus.Variant) (Device, bool) {
	raw, ok := variantValue[string](props, "Address")
	if !ok {
		return Device{}, false
	}
	address, err := NormalizeAddress(raw)
	if err != nil {
		return Device{}, false
	}

	name, _ := variantValue[string](props, "Name")
	if name == "" {
		alias, _ := variantValue[string](props, "Alias")
		name = ctlDeviceName(alias)
	}

	_, classic := props["Class"]
	addrType, _ := variantValue[string](props, "AddressType")
	_, appearance := props["Appearance"]
	le := addrType == "random" || appearance

	return Device{Address: address, Name: name, Type: classifyDevice(classic, le)}, true
}
