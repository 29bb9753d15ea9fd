package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jwoglom/btsession/pkg/bluetooth"

	log "github.com/sirupsen/logrus"
)

const defaultEventBuffer = 64

// Option configures a Session
type Option func(*Session)

// WithNotifier sets the receiver of discrete session events
func WithNotifier(n Notifier) Option {
	return func(s *Session) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithEventBuffer sets the capacity of the queue between the adapter and the event loop
func WithEventBuffer(size int) Option {
	return func(s *Session) {
		if size > 0 {
			s.events = make(chan bluetooth.Event, size)
		}
	}
}

// Session tracks one discovery/pairing session against an adapter. It is
// created when a UI attaches and must be released when it detaches.
//
// Platform callbacks arrive as bluetooth.Events on a channel and are applied by
// a single event loop goroutine. Commands (StartDiscovery, Pair, Connect, ...)
// run in the caller's goroutine.
type Session struct {
	adapter  bluetooth.Adapter
	perms    bluetooth.PermissionChecker
	notifier Notifier

	scanned *DeviceSet
	paired  *DeviceSet

	// mtx guards state, gatt, inFlightConnect and released
	mtx             sync.Mutex
	state           State
	gatt            bluetooth.GattHandle
	inFlightConnect bool
	released        bool

	watchers       map[int]chan Snapshot
	nextWatcher    int
	watchersClosed bool
	watchersMtx    sync.Mutex

	events      chan bluetooth.Event
	unsubscribe func()
	stop        chan struct{}
	loopDone    chan struct{}
	releaseOnce sync.Once
}

// New registers the session for adapter events and starts its event loop
func New(adapter bluetooth.Adapter, perms bluetooth.PermissionChecker, opts ...Option) (*Session, error) {
	if adapter == nil {
		return nil, errors.New("adapter is required")
	}
	if perms == nil {
		perms = bluetooth.Grants{}
	}

	s := &Session{
		adapter:  adapter,
		perms:    perms,
		notifier: &NoOpNotifier{},
		scanned:  NewDeviceSet(),
		paired:   NewDeviceSet(),
		state:    State{Connection: bluetooth.ConnectionStateDisconnected},
		watchers: make(map[int]chan Snapshot),
		events:   make(chan bluetooth.Event, defaultEventBuffer),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	unsubscribe, err := adapter.Subscribe(s.events)
	if err != nil {
		return nil, fmt.Errorf("failed to register for adapter events: %w", err)
	}
	s.unsubscribe = unsubscribe

	go s.loop()

	s.refreshBonded()
	log.Debugf("pkg session; session created, permissions: %v", perms)
	return s, nil
}

// IsBluetoothEnabled reports whether the adapter's radio is on
func (s *Session) IsBluetoothEnabled() bool {
	return s.adapter.IsEnabled()
}

// StartDiscovery clears the scanned set and asks the adapter to scan. Scanning
// stays set until the adapter reports the scan finished or StopDiscovery is
// called. Calling it while a scan runs does nothing.
func (s *Session) StartDiscovery() error {
	if s.isReleased() {
		return ErrReleased
	}
	if !s.perms.HasPermission(bluetooth.PermissionScan) {
		log.Warn("pkg session; start discovery without scan permission")
		return fmt.Errorf("start discovery: %w", ErrPermissionDenied)
	}
	if !s.adapter.IsEnabled() {
		return fmt.Errorf("start discovery: %w", ErrAdapterDisabled)
	}

	s.mtx.Lock()
	if s.state.Scanning {
		s.mtx.Unlock()
		return nil
	}
	s.state.Scanning = true
	s.mtx.Unlock()

	s.scanned.Clear()
	s.refreshBonded()

	if err := s.adapter.StartScan(); err != nil {
		s.mtx.Lock()
		s.state.Scanning = false
		s.mtx.Unlock()
		s.publish()
		return fmt.Errorf("failed to start scan: %w", err)
	}

	log.Info("pkg session; discovery started")
	s.publish()
	return nil
}

// StopDiscovery stops a running scan
func (s *Session) StopDiscovery() error {
	if s.isReleased() {
		return ErrReleased
	}
	if !s.perms.HasPermission(bluetooth.PermissionScan) {
		return fmt.Errorf("stop discovery: %w", ErrPermissionDenied)
	}

	s.mtx.Lock()
	scanning := s.state.Scanning
	s.state.Scanning = false
	s.mtx.Unlock()
	if !scanning {
		return nil
	}

	err := s.adapter.StopScan()
	s.publish()
	if err != nil {
		return fmt.Errorf("failed to stop scan: %w", err)
	}
	log.Info("pkg session; discovery stopped")
	return nil
}

// OnDeviceObserved adds a discovered device to the scanned set. Repeated
// observations of an address are ignored.
func (s *Session) OnDeviceObserved(device bluetooth.Device) {
	address, err := bluetooth.NormalizeAddress(device.Address)
	if err != nil {
		log.Debugf("pkg session; ignoring device with bad address: %v", err)
		return
	}
	device.Address = address

	if !s.scanned.Add(device) {
		return
	}
	log.Debugf("pkg session; found %s [%s]", device, device.Type)
	s.notifier.NotifyDeviceFound(device)
	s.publish()
}

// Pair bonds with the device by opening an RFCOMM channel to its serial port
// service. Only one pairing or connection attempt may be in flight; a second
// call gets ErrBusy. When the platform fails, onFailure is called once with the
// same *PairingError that is returned. The in-flight marker is cleared on every
// return path. Pair blocks until the platform answers.
func (s *Session) Pair(device bluetooth.Device, onFailure func(error)) error {
	address, err := s.checkTarget(device.Address)
	if err != nil {
		return fmt.Errorf("pair: %w", err)
	}

	if !s.claim(address, false) {
		log.Infof("pkg session; pair %s rejected, %s is in flight", address, s.State().InFlight)
		return ErrBusy
	}
	s.publish()
	defer func() {
		s.clearInFlight(address)
		s.publish()
	}()

	device.Address = address
	if device.Name == "" {
		if seen, ok := s.scanned.Get(address); ok {
			device.Name = seen.Name
		}
	}
	log.Infof("pkg session; pairing with %s", device)
	ch, err := s.adapter.OpenRfcomm(address, bluetooth.SerialPortUUID)
	if err != nil {
		if errors.Is(err, bluetooth.ErrUnknownDevice) {
			err = fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		perr := &PairingError{Address: address, Err: err}
		log.Warnf("pkg session; %v", perr)
		s.notifier.NotifyPairingFailed(address, perr)
		if onFailure != nil {
			onFailure(perr)
		}
		return perr
	}
	if err := ch.Close(); err != nil {
		log.Debugf("Error closing rfcomm channel: %v", err)
	}

	log.Infof("pkg session; paired with %s", address)
	s.refreshBonded()
	return nil
}

// Connect starts a GATT connection. It returns true when the attempt was
// initiated or the link to address is already up. The outcome of a new attempt
// arrives later as a connection state change, which also clears the in-flight
// marker. A running scan is stopped.
func (s *Session) Connect(address string) (bool, error) {
	address, err := s.checkTarget(address)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}

	if s.isConnectedTo(address) {
		log.Debugf("pkg session; already connected to %s", address)
		return true, nil
	}

	if !s.claim(address, true) {
		log.Infof("pkg session; connect %s rejected, %s is in flight", address, s.State().InFlight)
		return false, ErrBusy
	}

	if _, err := s.adapter.RemoteDevice(address); err != nil {
		log.Warnf("pkg session; device not found with address %s: %v", address, err)
		s.clearInFlight(address)
		s.publish()
		return false, fmt.Errorf("connect: %w: %s", ErrInvalidAddress, address)
	}

	// Held across ConnectGatt so the event loop cannot see this handle's
	// first state change before the handle is stored.
	s.mtx.Lock()
	handle, err := s.adapter.ConnectGatt(address)
	if err != nil {
		if s.state.InFlight == address {
			s.state.InFlight = ""
			s.inFlightConnect = false
		}
		s.mtx.Unlock()
		s.publish()
		return false, fmt.Errorf("connect to %s: %w", address, err)
	}
	previous := s.gatt
	s.gatt = handle
	s.state.Connection = bluetooth.ConnectionStateConnecting
	s.state.Connected = ""
	s.state.Services = nil
	scanning := s.state.Scanning
	s.mtx.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			log.Debugf("Error closing previous gatt handle: %v", err)
		}
	}

	if scanning && s.perms.HasPermission(bluetooth.PermissionScan) {
		if err := s.StopDiscovery(); err != nil {
			log.Warnf("pkg session; could not stop scan before connecting: %v", err)
		}
	}

	log.Infof("pkg session; connecting to %s", address)
	s.publish()
	return true, nil
}

// Disconnect tears down the current GATT connection
func (s *Session) Disconnect() error {
	if s.isReleased() {
		return ErrReleased
	}

	s.mtx.Lock()
	h := s.gatt
	if h == nil {
		s.mtx.Unlock()
		return ErrNotConnected
	}
	previous := s.state.Connection
	s.state.Connection = bluetooth.ConnectionStateDisconnecting
	s.mtx.Unlock()
	s.publish()

	if err := h.Disconnect(); err != nil {
		s.mtx.Lock()
		if s.gatt == h {
			s.state.Connection = previous
		}
		s.mtx.Unlock()
		s.publish()
		return fmt.Errorf("disconnect from %s: %w", h.Address(), err)
	}
	return nil
}

// Unpair removes the bond with a device
func (s *Session) Unpair(address string) error {
	if s.isReleased() {
		return ErrReleased
	}
	if !s.perms.HasPermission(bluetooth.PermissionConnect) {
		return fmt.Errorf("unpair: %w", ErrPermissionDenied)
	}
	normalized, err := bluetooth.NormalizeAddress(address)
	if err != nil {
		return fmt.Errorf("unpair: %w: %v", ErrInvalidAddress, err)
	}

	if err := s.adapter.RemoveBond(normalized); err != nil {
		if errors.Is(err, bluetooth.ErrUnknownDevice) {
			return fmt.Errorf("unpair: %w: %v", ErrInvalidAddress, err)
		}
		return fmt.Errorf("unpair %s: %w", normalized, err)
	}

	log.Infof("pkg session; removed bond with %s", normalized)
	s.refreshBonded()
	s.publish()
	return nil
}

// State returns a copy of the session state
func (s *Session) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state.clone()
}

// ScannedDevices returns the devices found since discovery last started
func (s *Session) ScannedDevices() []bluetooth.Device {
	return s.scanned.List()
}

// PairedDevices returns the bonded devices as of the last refresh
func (s *Session) PairedDevices() []bluetooth.Device {
	return s.paired.List()
}

// Snapshot returns the complete observable state
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:   s.State(),
		Scanned: s.scanned.List(),
		Paired:  s.paired.List(),
	}
}

// Release unregisters the session from the adapter, stops the event loop,
// stops a scan the session started and closes the GATT handle and all
// watchers. Only the first call has any effect.
func (s *Session) Release() error {
	var err error
	s.releaseOnce.Do(func() {
		s.mtx.Lock()
		s.released = true
		h := s.gatt
		s.gatt = nil
		scanning := s.state.Scanning
		s.state.Scanning = false
		s.mtx.Unlock()

		s.unsubscribe()
		close(s.stop)
		<-s.loopDone

		if scanning {
			if stopErr := s.adapter.StopScan(); stopErr != nil {
				err = fmt.Errorf("failed to stop scan: %w", stopErr)
			}
		}
		if h != nil {
			if closeErr := h.Close(); closeErr != nil {
				log.Debugf("Error closing gatt handle: %v", closeErr)
			}
		}

		s.closeWatchers()
		log.Debug("pkg session; session released")
	})
	return err
}

// checkTarget runs the common preconditions of Pair and Connect and returns the normalized address
func (s *Session) checkTarget(address string) (string, error) {
	if s.isReleased() {
		return "", ErrReleased
	}
	if !s.perms.HasPermission(bluetooth.PermissionConnect) {
		return "", ErrPermissionDenied
	}
	normalized, err := bluetooth.NormalizeAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !s.adapter.IsEnabled() {
		return "", ErrAdapterDisabled
	}
	return normalized, nil
}

// claim marks address as in flight unless another attempt already is
func (s *Session) claim(address string, connect bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state.InFlight != "" {
		return false
	}
	s.state.InFlight = address
	s.inFlightConnect = connect
	return true
}

// isConnectedTo reports whether the current GATT link is up and leads to address
func (s *Session) isConnectedTo(address string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.gatt != nil && s.gatt.Address() == address && s.state.Connected == address
}

func (s *Session) clearInFlight(address string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state.InFlight == address {
		s.state.InFlight = ""
		s.inFlightConnect = false
	}
}

func (s *Session) isReleased() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.released
}

// refreshBonded reloads the paired set. Without connect permission the set is
// left as it is.
func (s *Session) refreshBonded() {
	if !s.perms.HasPermission(bluetooth.PermissionConnect) {
		return
	}
	devices, err := s.adapter.BondedDevices()
	if err != nil {
		log.Warnf("pkg session; could not list bonded devices: %v", err)
		return
	}
	s.paired.Replace(devices)
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev bluetooth.Event) {
	log.Tracef("pkg session; event %s %s", ev.Type, ev.Address)

	switch ev.Type {
	case bluetooth.EventDeviceFound:
		s.OnDeviceObserved(ev.Device)

	case bluetooth.EventDiscoveryFinished:
		// a late report from a scan that was stopped and restarted
		if s.adapter.IsDiscovering() {
			log.Debug("pkg session; ignoring discovery finished, adapter is still scanning")
			return
		}
		s.mtx.Lock()
		wasScanning := s.state.Scanning
		s.state.Scanning = false
		s.mtx.Unlock()
		if wasScanning {
			log.Info("pkg session; discovery finished")
			s.notifier.NotifyDiscoveryFinished()
			s.publish()
		}

	case bluetooth.EventConnectionStateChanged:
		s.handleConnectionState(ev.Address, ev.State)

	case bluetooth.EventServicesDiscovered:
		s.handleServicesDiscovered(ev)
	}
}

func (s *Session) handleConnectionState(address string, state bluetooth.ConnectionState) {
	s.mtx.Lock()
	h := s.gatt
	if h == nil || h.Address() != address {
		s.mtx.Unlock()
		log.Tracef("pkg session; ignoring %s for %s, not our connection", state, address)
		return
	}

	switch state {
	case bluetooth.ConnectionStateConnected:
		s.state.Connected = address
	case bluetooth.ConnectionStateDisconnected:
		s.gatt = nil
		s.state.Connected = ""
		s.state.Services = nil
	}
	s.state.Connection = state
	if s.state.InFlight == address && s.inFlightConnect {
		s.state.InFlight = ""
		s.inFlightConnect = false
	}
	s.mtx.Unlock()

	switch state {
	case bluetooth.ConnectionStateConnected:
		log.Infof("pkg session; connected to %s", address)
		if err := h.DiscoverServices(); err != nil {
			log.Warnf("pkg session; could not discover services of %s: %v", address, err)
		}
	case bluetooth.ConnectionStateDisconnected:
		log.Warnf("pkg session; disconnected from %s", address)
		if err := h.Close(); err != nil {
			log.Debugf("Error closing gatt handle: %v", err)
		}
	}

	s.notifier.NotifyConnectionState(address, state)
	s.publish()
}

func (s *Session) handleServicesDiscovered(ev bluetooth.Event) {
	if ev.Status != bluetooth.GattSuccess {
		log.Debugf("pkg session; services discovered on %s with status %d", ev.Address, ev.Status)
		s.notifier.NotifyServicesDiscovered(ev.Address, ev.Status, nil)
		return
	}

	s.mtx.Lock()
	if s.state.Connected != ev.Address {
		s.mtx.Unlock()
		log.Tracef("pkg session; ignoring services of %s, not our connection", ev.Address)
		return
	}
	s.state.Services = ev.Services
	s.mtx.Unlock()

	log.Debugf("pkg session; GATT table of %s:\n%s", ev.Address, bluetooth.FormatGattTable(ev.Services))
	s.notifier.NotifyServicesDiscovered(ev.Address, ev.Status, ev.Services)
	s.publish()
}
