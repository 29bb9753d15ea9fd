package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jwoglom/btsession/pkg/bluetooth"
)

// fakeAdapter is an in-memory bluetooth.Adapter. Events are injected with emit.
type fakeAdapter struct {
	mtx sync.Mutex

	enabled     bool
	discovering bool
	bonded      []bluetooth.Device
	known       map[string]bluetooth.Device

	startScanErr error
	connectErr   error
	rfcommErr    error

	// rfcommGate, when set, blocks OpenRfcomm until it is closed
	rfcommGate chan struct{}

	// rfcommStarted is signalled when OpenRfcomm is entered
	rfcommStarted chan string

	subs         map[int]chan<- bluetooth.Event
	nextSub      int
	subscribes   int
	unsubscribes int

	startScans   int
	stopScans    int
	rfcommOpens  int
	removed      []string
	handles      []*fakeGatt
	closedRfcomm int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		enabled: true,
		known:   make(map[string]bluetooth.Device),
		subs:    make(map[int]chan<- bluetooth.Event),
	}
}

func (a *fakeAdapter) addKnown(d bluetooth.Device) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.known[d.Address] = d
}

func (a *fakeAdapter) emit(ev bluetooth.Event) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for _, ch := range a.subs {
		ch <- ev
	}
}

// finishScan ends the adapter's scan and reports it, as a platform timeout would
func (a *fakeAdapter) finishScan() {
	a.mtx.Lock()
	a.discovering = false
	a.mtx.Unlock()
	a.emit(bluetooth.Event{Type: bluetooth.EventDiscoveryFinished})
}

func (a *fakeAdapter) IsEnabled() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.enabled
}

func (a *fakeAdapter) IsDiscovering() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.discovering
}

func (a *fakeAdapter) StartScan() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.startScans++
	if a.startScanErr != nil {
		return a.startScanErr
	}
	a.discovering = true
	return nil
}

func (a *fakeAdapter) StopScan() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.stopScans++
	a.discovering = false
	return nil
}

func (a *fakeAdapter) BondedDevices() ([]bluetooth.Device, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	out := make([]bluetooth.Device, len(a.bonded))
	copy(out, a.bonded)
	return out, nil
}

func (a *fakeAdapter) RemoteDevice(address string) (bluetooth.Device, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	d, ok := a.known[address]
	if !ok {
		return bluetooth.Device{}, fmt.Errorf("%s: %w", address, bluetooth.ErrUnknownDevice)
	}
	return d, nil
}

func (a *fakeAdapter) ConnectGatt(address string) (bluetooth.GattHandle, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	h := &fakeGatt{adapter: a, address: address}
	a.handles = append(a.handles, h)
	return h, nil
}

func (a *fakeAdapter) OpenRfcomm(address string, service uuid.UUID) (io.ReadWriteCloser, error) {
	a.mtx.Lock()
	a.rfcommOpens++
	gate := a.rfcommGate
	started := a.rfcommStarted
	err := a.rfcommErr
	a.mtx.Unlock()

	if started != nil {
		started <- address
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &fakeChannel{adapter: a}, nil
}

func (a *fakeAdapter) RemoveBond(address string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.removed = append(a.removed, address)
	kept := a.bonded[:0]
	for _, d := range a.bonded {
		if d.Address != address {
			kept = append(kept, d)
		}
	}
	a.bonded = kept
	return nil
}

func (a *fakeAdapter) Subscribe(ch chan<- bluetooth.Event) (func(), error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.subscribes++

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mtx.Lock()
			defer a.mtx.Unlock()
			delete(a.subs, id)
			a.unsubscribes++
		})
	}, nil
}

func (a *fakeAdapter) Close() error { return nil }

func (a *fakeAdapter) counts() (subscribes, unsubscribes int) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.subscribes, a.unsubscribes
}

type fakeGatt struct {
	adapter *fakeAdapter
	address string

	mtx         sync.Mutex
	discoveries int
	disconnects int
	closes      int
}

func (h *fakeGatt) Address() string { return h.address }

func (h *fakeGatt) DiscoverServices() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.discoveries++
	return nil
}

func (h *fakeGatt) Disconnect() error {
	h.mtx.Lock()
	h.disconnects++
	h.mtx.Unlock()
	go h.adapter.emit(bluetooth.Event{
		Type:    bluetooth.EventConnectionStateChanged,
		Address: h.address,
		State:   bluetooth.ConnectionStateDisconnected,
	})
	return nil
}

func (h *fakeGatt) Close() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.closes++
	return nil
}

func (h *fakeGatt) counts() (discoveries, disconnects, closes int) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.discoveries, h.disconnects, h.closes
}

type fakeChannel struct {
	adapter *fakeAdapter
}

func (c *fakeChannel) Read(p []byte) (int, error)  { return 0, io.EOF }
func (c *fakeChannel) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeChannel) Close() error {
	c.adapter.mtx.Lock()
	defer c.adapter.mtx.Unlock()
	c.adapter.closedRfcomm++
	return nil
}

type recordingNotifier struct {
	NoOpNotifier

	mtx           sync.Mutex
	found         []bluetooth.Device
	pairingFailed []string
	states        []bluetooth.ConnectionState
	finished      int
}

func (n *recordingNotifier) NotifyDeviceFound(device bluetooth.Device) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.found = append(n.found, device)
}

func (n *recordingNotifier) NotifyDiscoveryFinished() {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.finished++
}

func (n *recordingNotifier) NotifyPairingFailed(address string, err error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.pairingFailed = append(n.pairingFailed, address)
}

func (n *recordingNotifier) NotifyConnectionState(address string, state bluetooth.ConnectionState) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.states = append(n.states, state)
}
