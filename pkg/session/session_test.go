package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/btsession/pkg/bluetooth"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "AA:BB:CC:DD:EE:01"
	addrB = "AA:BB:CC:DD:EE:02"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var allGrants = bluetooth.Grants{
	bluetooth.PermissionScan:    true,
	bluetooth.PermissionConnect: true,
}

func newTestSession(t *testing.T, adapter *fakeAdapter, perms bluetooth.PermissionChecker, opts ...Option) *Session {
	t.Helper()
	s, err := New(adapter, perms, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Release() })
	return s
}

func addresses(devices []bluetooth.Device) []string {
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Address)
	}
	return out
}

func TestNewRequiresAdapter(t *testing.T) {
	_, err := New(nil, allGrants)
	assert.Error(t, err)
}

func TestNewLoadsBondedDevices(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.bonded = []bluetooth.Device{{Address: addrB, Name: "pump"}}

	s := newTestSession(t, adapter, allGrants)

	assert.Equal(t, []string{addrB}, addresses(s.PairedDevices()))
	assert.Equal(t, bluetooth.ConnectionStateDisconnected, s.State().Connection)
}

func TestNewWithoutConnectPermissionSkipsBondedDevices(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.bonded = []bluetooth.Device{{Address: addrB}}

	s := newTestSession(t, adapter, bluetooth.Grants{bluetooth.PermissionScan: true})

	assert.Empty(t, s.PairedDevices())
}

func TestOnDeviceObservedDeduplicates(t *testing.T) {
	notifier := &recordingNotifier{}
	s := newTestSession(t, newFakeAdapter(), allGrants, WithNotifier(notifier))

	s.OnDeviceObserved(bluetooth.Device{Address: addrA, Name: "first"})
	s.OnDeviceObserved(bluetooth.Device{Address: addrB})
	s.OnDeviceObserved(bluetooth.Device{Address: addrA, Name: "second"})

	scanned := s.ScannedDevices()
	require.Len(t, scanned, 2)
	assert.Equal(t, []string{addrA, addrB}, addresses(scanned))
	assert.Equal(t, "first", scanned[0].Name)
	assert.Len(t, notifier.found, 2)
}

func TestOnDeviceObservedConcurrently(t *testing.T) {
	const (
		observers = 16
		devices   = 8
	)
	notifier := &recordingNotifier{}
	s := newTestSession(t, newFakeAdapter(), allGrants, WithNotifier(notifier))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < observers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for d := 0; d < devices; d++ {
				s.OnDeviceObserved(bluetooth.Device{Address: fmt.Sprintf("AA:BB:CC:DD:EE:%02X", d)})
			}
		}()
	}
	close(start)
	wg.Wait()

	scanned := s.ScannedDevices()
	require.Len(t, scanned, devices)
	for d, device := range scanned {
		assert.Equal(t, fmt.Sprintf("AA:BB:CC:DD:EE:%02X", d), device.Address)
	}
	notifier.mtx.Lock()
	assert.Len(t, notifier.found, devices)
	notifier.mtx.Unlock()
}

func TestOnDeviceObservedNormalizesAddress(t *testing.T) {
	s := newTestSession(t, newFakeAdapter(), allGrants)

	s.OnDeviceObserved(bluetooth.Device{Address: "aa-bb-cc-dd-ee-01"})
	s.OnDeviceObserved(bluetooth.Device{Address: addrA})
	s.OnDeviceObserved(bluetooth.Device{Address: "not an address"})

	assert.Equal(t, []string{addrA}, addresses(s.ScannedDevices()))
}

func TestDeviceFoundEventAddsDevice(t *testing.T) {
	adapter := newFakeAdapter()
	s := newTestSession(t, adapter, allGrants)

	adapter.emit(bluetooth.Event{Type: bluetooth.EventDeviceFound, Device: bluetooth.Device{Address: addrA}})
	adapter.emit(bluetooth.Event{Type: bluetooth.EventDeviceFound, Device: bluetooth.Device{Address: addrA}})

	assert.Eventually(t, func() bool { return len(s.ScannedDevices()) == 1 }, waitFor, tick)
}

func TestStartDiscoveryPermissionDenied(t *testing.T) {
	adapter := newFakeAdapter()
	s := newTestSession(t, adapter, bluetooth.Grants{bluetooth.PermissionConnect: true})

	err := s.StartDiscovery()

	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, s.State().Scanning)
	assert.Equal(t, 0, adapter.startScans)
}

func TestStartDiscoveryAdapterDisabled(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.enabled = false
	s := newTestSession(t, adapter, allGrants)

	err := s.StartDiscovery()

	assert.ErrorIs(t, err, ErrAdapterDisabled)
	assert.False(t, s.State().Scanning)
	assert.False(t, s.IsBluetoothEnabled())
}

func TestStartDiscoveryClearsScannedAndRefreshesBonded(t *testing.T) {
	adapter := newFakeAdapter()
	s := newTestSession(t, adapter, allGrants)
	s.OnDeviceObserved(bluetooth.Device{Address: addrA})

	adapter.mtx.Lock()
	adapter.bonded = []bluetooth.Device{{Address: addrB}}
	adapter.mtx.Unlock()

	require.NoError(t, s.StartDiscovery())

	assert.True(t, s.State().Scanning)
	assert.Empty(t, s.ScannedDevices())
	assert.Equal(t, []string{addrB}, addresses(s.PairedDevices()))
}

func TestStartDiscoveryWhileScanningIsNoop(t *testing.T) {
	adapter := newFakeAdapter()
	s := newTestSession(t, adapter, allGrants)

	require.NoError(t, s.StartDiscovery())
	s.OnDeviceObserved(bluetooth.Device{Address: addrA})
	require.NoError(t, s.StartDiscovery())

	assert.Equal(t, 1, adapter.startScans)
	assert.Len(t, s.ScannedDevices(), 1)
}

func TestStartDiscoveryScanFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.startScanErr = errors.New("org.bluez.Error.InProgress")
	s := newTestSession(t, adapter, allGrants)

	err := s.StartDiscovery()

	assert.Error(t, err)
	assert.False(t, s.State().Scanning)
}

func TestDiscoveryFinishedClearsScanning(t *testing.T) {
	adapter := newFakeAdapter()
	notifier := &recordingNotifier{}
	s := newTestSession(t, adapter, allGrants, WithNotifier(notifier))
	require.NoError(t, s.StartDiscovery())

	adapter.finishScan()

	assert.Eventually(t, func() bool { return !s.State().Scanning }, waitFor, tick)
	assert.Eventually(t, func() bool {
		notifier.mtx.Lock()
		defer notifier.mtx.Unlock()
		return notifier.finished == 1
	}, waitFor, tick)
}

func TestStaleDiscoveryFinishedAfterRestartIgnored(t *testing.T) {
	adapter := newFakeAdapter()
	notifier := &recordingNotifier{}
	s := newTestSession(t, adapter, allGrants, WithNotifier(notifier))

	require.NoError(t, s.StartDiscovery())
	require.NoError(t, s.StopDiscovery())
	require.NoError(t, s.StartDiscovery())

	// the first scan reports its end after the second one started
	adapter.emit(bluetooth.Event{Type: bluetooth.EventDiscoveryFinished})
	adapter.emit(bluetooth.Event{Type: bluetooth.EventDeviceFound, Device: bluetooth.Device{Address: addrA}})

	assert.Eventually(t, func() bool { return len(s.ScannedDevices()) == 1 }, waitFor, tick)
	assert.True(t, s.State().Scanning)
	notifier.mtx.Lock()
	assert.Equal(t, 0, notifier.finished)
	notifier.mtx.Unlock()
	assert.Equal(t, 2, adapter.startScans)
}

func TestStopDiscovery(t *testing.T) {
	adapter := newFakeAdapter()
	s := newTestSession(t, adapter, allGrants)

	require.NoError(t, s.StopDiscovery())
	assert.Equal(t, 0, adapter.stopScans)

	require.NoError(t, s.StartDiscovery())
	require.NoError(t, s.StopDiscovery())
	assert.False(t, s.State().Scanning)
	assert.Equal(t, 1, adapter.stopScans)
}

func TestPairSuccess(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.bonded = []bluetooth.Device{{Address: addrA}}
	s := newTestSession(t, adapter, allGrants)
	adapter.mtx.Lock()
	adapter.bonded = []bluetooth.Device{{Address: addrA}, {Address: addrB}}
	adapter.mtx.Unlock()

	called := 0
	err := s.Pair(bluetooth.Device{Address: addrB}, func(error) { called++ })

	require.NoError(t, err)
	assert.Equal(t, 0, called)
	assert.Equal(t, "", s.State().InFlight)
	assert.Equal(t, 1, adapter.closedRfcomm)
	assert.Equal(t, []string{addrA, addrB}, addresses(s.PairedDevices()))
}

func TestPairUsesScannedName(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(hook.Reset)
	s := newTestSession(t, newFakeAdapter(), allGrants)
	s.OnDeviceObserved(bluetooth.Device{Address: addrA, Name: "pump"})

	require.NoError(t, s.Pair(bluetooth.Device{Address: "aa:bb:cc:dd:ee:01"}, nil))

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "pkg session; pairing with pump ("+addrA+")" {
			found = true
		}
	}
	assert.True(t, found, "expected the scanned name in the pairing log")
}

func TestPairFailureCallsOnFailureOnce(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.rfcommErr = errors.New("connection refused")
	notifier := &recordingNotifier{}
	s := newTestSession(t, adapter, allGrants, WithNotifier(notifier))

	var calls []error
	err := s.Pair(bluetooth.Device{Address: addrA}, func(err error) {
		calls = append(calls, err)
	})

	var perr *PairingError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, addrA, perr.Address)
	require.Len(t, calls, 1)
	assert.Equal(t, err, calls[0])
	assert.Equal(t, "", s.State().InFlight)
	assert.Equal(t, []string{addrA}, notifier.pairingFailed)
}

func TestPairFailureWithNilCallback(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.rfcommErr = errors.New("host is down")
	s := newTestSession(t, adapter, allGrants)

	err := s.Pair(bluetooth.Device{Address: addrA}, nil)

	assert.Error(t, err)
	assert.Equal(t, "", s.State().InFlight)
}

func TestPairUnknownDevice(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.rfcommErr = bluetooth.ErrUnknownDevice
	s := newTestSession(t, adapter, allGrants)

	called := 0
	err := s.Pair(bluetooth.Device{Address: addrA}, func(error) { called++ })

	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Equal(t, 1, called)
}

func TestPairPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		perms   bluetooth.Grants
		enabled bool
		address string
		want    error
	}{
		{"no connect permission", bluetooth.Grants{bluetooth.PermissionScan: true}, true, addrA, ErrPermissionDenied},
		{"bad address", allGrants, true, "pump", ErrInvalidAddress},
		{"adapter disabled", allGrants, false, addrA, ErrAdapterDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newFakeAdapter()
			adapter.enabled = tt.enabled
			s := newTestSession(t, adapter, tt.perms)

			called := 0
			err := s.Pair(bluetooth.Device{Address: tt.address}, func(error) { called++ })

			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, called)
			assert.Equal(t, 0, adapter.rfcommOpens)
			assert.Equal(t, "", s.State().InFlight)
		})
	}
}

func TestPairRejectsSecondAttemptWhileInFlight(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.rfcommGate = make(chan struct{})
	adapter.rfcommStarted = make(chan string, 1)
	s := newTestSession(t, adapter, allGrants)

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = s.Pair(bluetooth.Device{Address: addrA}, nil)
	}()

	select {
	case got := <-adapter.rfcommStarted:
		assert.Equal(t, addrA, got)
	case <-time.After(waitFor):
		t.Fatal("first pairing did not reach the adapter")
	}
	assert.Equal(t, addrA, s.State().InFlight)

	called := 0
	err := s.Pair(bluetooth.Device{Address: addrB}, func(error) { called++ })
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 0, called)

	ok, err := s.Connect(addrB)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, addrA, s.State().InFlight)

	close(adapter.rfcommGate)
	wg.Wait()

	assert.NoError(t, firstErr)
	assert.Equal(t, "", s.State().InFlight)
	assert.Equal(t, 1, adapter.rfcommOpens)
}

func TestPairConcurrentAttemptsClaimOnce(t *testing.T) {
	const attempts = 16
	adapter := newFakeAdapter()
	adapter.rfcommGate = make(chan struct{})
	s := newTestSession(t, adapter, allGrants)

	start := make(chan struct{})
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		address := fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i)
		go func() {
			<-start
			results <- s.Pair(bluetooth.Device{Address: address}, nil)
		}()
	}
	close(start)

	// the winner waits on the gate, so every other attempt returns first
	for i := 0; i < attempts-1; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrBusy)
		case <-time.After(waitFor):
			t.Fatal("pairing attempts did not return")
		}
	}
	assert.NotEqual(t, "", s.State().InFlight)

	close(adapter.rfcommGate)
	select {
	case err := <-results:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("winning pairing attempt did not return")
	}

	adapter.mtx.Lock()
	assert.Equal(t, 1, adapter.rfcommOpens)
	adapter.mtx.Unlock()
	assert.Equal(t, "", s.State().InFlight)
}

func TestConnectConcurrentAttemptsClaimOnce(t *testing.T) {
	const attempts = 16
	adapter := newFakeAdapter()
	for i := 0; i < attempts; i++ {
		adapter.addKnown(bluetooth.Device{Address: fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i)})
	}
	s := newTestSession(t, adapter, allGrants)

	var wg sync.WaitGroup
	var mtx sync.Mutex
	initiated, busy := 0, 0
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		address := fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.Connect(address)
			mtx.Lock()
			defer mtx.Unlock()
			if ok && err == nil {
				initiated++
			} else if errors.Is(err, ErrBusy) {
				busy++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, initiated)
	assert.Equal(t, attempts-1, busy)
	adapter.mtx.Lock()
	assert.Len(t, adapter.handles, 1)
	adapter.mtx.Unlock()
}

func TestConnectToConnectedDeviceKeepsLink(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.addKnown(bluetooth.Device{Address: addrA})
	s := newTestSession(t, adapter, allGrants)

	ok, err := s.Connect(addrA)
	require.NoError(t, err)
	require.True(t, ok)
	adapter.emit(bluetooth.Event{
		Type:    bluetooth.EventConnectionStateChanged,
		Address: addrA,
		State:   bluetooth.ConnectionStateConnected,
	})
	services := []bluetooth.Service{{UUID: "0000180a-0000-1000-8000-00805f9b34fb"}}
	adapter.emit(bluetooth.Event{
		Type:     bluetooth.EventServicesDiscovered,
		Address:  addrA,
		Status:   bluetooth.GattSuccess,
		Services: services,
	})
	assert.Eventually(t, func() bool { return len(s.State().Services) == 1 }, waitFor, tick)

	ok, err = s.Connect(addrA)

	require.NoError(t, err)
	assert.True(t, ok)
	state := s.State()
	assert.Equal(t, "", state.InFlight)
	assert.Equal(t, addrA, state.Connected)
	assert.Equal(t, bluetooth.ConnectionStateConnected, state.Connection)
	assert.Len(t, state.Services, 1)
	adapter.mtx.Lock()
	assert.Len(t, adapter.handles, 1)
	adapter.mtx.Unlock()

	assert.NoError(t, s.Pair(bluetooth.Device{Address: addrB}, nil))
}

func TestConnectUnknownAddress(t *testing.T) {
	adapter := newFakeAdapter()
	s := newTestSession(t, adapter, allGrants)

	ok, err := s.Connect(addrA)

	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Equal(t, "", s.State().InFlight)
	assert.Empty(t, adapter.handles)
}

func TestConnectFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.addKnown(bluetooth.Device{Address: addrA})
	adapter.connectErr = errors.New("org.bluez.Error.Failed")
	s := newTestSession(t, adapter, allGrants)

	ok, err := s.Connect(addrA)

	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, "", s.State().InFlight)
	assert.Equal(t, bluetooth.ConnectionStateDisconnected, s.State().Connection)
}

func TestConnectLifecycle(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.addKnown(bluetooth.Device{Address: addrA})
	notifier := &recordingNotifier{}
	s := newTestSession(t, adapter, allGrants, WithNotifier(notifier))
	require.NoError(t, s.StartDiscovery())

	ok, err := s.Connect("aa:bb:cc:dd:ee:01")

	require.NoError(t, err)
	assert.True(t, ok)
	state := s.State()
	assert.Equal(t, addrA, state.InFlight)
	assert.Equal(t, bluetooth.ConnectionStateConnecting, state.Connection)
	assert.False(t, state.Scanning)
	assert.Equal(t, 1, adapter.stopScans)
	require.Len(t, adapter.handles, 1)
	handle := adapter.handles[0]

	adapter.emit(bluetooth.Event{
		Type:    bluetooth.EventConnectionStateChanged,
		Address: addrA,
		State:   bluetooth.ConnectionStateConnected,
	})
	assert.Eventually(t, func() bool {
		st := s.State()
		return st.InFlight == "" && st.Connected == addrA
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		discoveries, _, _ := handle.counts()
		return discoveries == 1
	}, waitFor, tick)

	services := []bluetooth.Service{{UUID: "0000180a-0000-1000-8000-00805f9b34fb"}}
	adapter.emit(bluetooth.Event{
		Type:     bluetooth.EventServicesDiscovered,
		Address:  addrA,
		Status:   bluetooth.GattSuccess,
		Services: services,
	})
	assert.Eventually(t, func() bool { return len(s.State().Services) == 1 }, waitFor, tick)

	require.NoError(t, s.Disconnect())
	assert.Eventually(t, func() bool {
		return s.State().Connection == bluetooth.ConnectionStateDisconnected
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		_, disconnects, closes := handle.counts()
		return disconnects == 1 && closes == 1
	}, waitFor, tick)
	assert.Equal(t, "", s.State().Connected)
	assert.Empty(t, s.State().Services)

	assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)

	want := []bluetooth.ConnectionState{
		bluetooth.ConnectionStateConnected,
		bluetooth.ConnectionStateDisconnected,
	}
	assert.Eventually(t, func() bool {
		notifier.mtx.Lock()
		defer notifier.mtx.Unlock()
		return assert.ObjectsAreEqual(want, notifier.states)
	}, waitFor, tick)
}

func TestFailedConnectionClearsInFlight(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.addKnown(bluetooth.Device{Address: addrA})
	s := newTestSession(t, adapter, allGrants)

	ok, err := s.Connect(addrA)
	require.NoError(t, err)
	require.True(t, ok)

	adapter.emit(bluetooth.Event{
		Type:    bluetooth.EventConnectionStateChanged,
		Address: addrA,
		State:   bluetooth.ConnectionStateDisconnected,
	})

	assert.Eventually(t, func() bool {
		st := s.State()
		return st.InFlight == "" && st.Connection == bluetooth.ConnectionStateDisconnected
	}, waitFor, tick)

	ok, err = s.Connect(addrA)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestConnectionStateOfOtherDeviceIgnored(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.addKnown(bluetooth.Device{Address: addrA})
	notifier := &recordingNotifier{}
	s := newTestSession(t, adapter, allGrants, WithNotifier(notifier))

	ok, err := s.Connect(addrA)
	require.NoError(t, err)
	require.True(t, ok)

	adapter.emit(bluetooth.Event{
		Type:    bluetooth.EventConnectionStateChanged,
		Address: addrB,
		State:   bluetooth.ConnectionStateConnected,
	})
	adapter.emit(bluetooth.Event{Type: bluetooth.EventDeviceFound, Device: bluetooth.Device{Address: addrB}})

	// events are applied in order, so the state change was seen once the device is
	assert.Eventually(t, func() bool { return len(s.ScannedDevices()) == 1 }, waitFor, tick)
	notifier.mtx.Lock()
	assert.Empty(t, notifier.states)
	notifier.mtx.Unlock()
	assert.Equal(t, addrA, s.State().InFlight)
	assert.Equal(t, bluetooth.ConnectionStateConnecting, s.State().Connection)
}

func TestFailedServiceDiscoveryKeepsServicesEmpty(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.addKnown(bluetooth.Device{Address: addrA})
	s := newTestSession(t, adapter, allGrants)

	_, err := s.Connect(addrA)
	require.NoError(t, err)
	adapter.emit(bluetooth.Event{Type: bluetooth.EventConnectionStateChanged, Address: addrA, State: bluetooth.ConnectionStateConnected})
	adapter.emit(bluetooth.Event{Type: bluetooth.EventServicesDiscovered, Address: addrA, Status: bluetooth.GattFailure})

	assert.Eventually(t, func() bool { return s.State().Connected == addrA }, waitFor, tick)
	assert.Empty(t, s.State().Services)
}

func TestUnpair(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.bonded = []bluetooth.Device{{Address: addrA}, {Address: addrB}}
	s := newTestSession(t, adapter, allGrants)

	require.NoError(t, s.Unpair("aa:bb:cc:dd:ee:01"))

	assert.Equal(t, []string{addrA}, adapter.removed)
	assert.Equal(t, []string{addrB}, addresses(s.PairedDevices()))

	assert.ErrorIs(t, s.Unpair("nope"), ErrInvalidAddress)
}

func TestReleaseIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	s, err := New(adapter, allGrants)
	require.NoError(t, err)
	require.NoError(t, s.StartDiscovery())

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())

	subscribes, unsubscribes := adapter.counts()
	assert.Equal(t, 1, subscribes)
	assert.Equal(t, 1, unsubscribes)
	assert.Equal(t, 1, adapter.stopScans)
	assert.False(t, s.State().Scanning)

	assert.ErrorIs(t, s.StartDiscovery(), ErrReleased)
	assert.ErrorIs(t, s.Pair(bluetooth.Device{Address: addrA}, nil), ErrReleased)
	_, err = s.Connect(addrA)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestReleaseClosesConnection(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.addKnown(bluetooth.Device{Address: addrA})
	s, err := New(adapter, allGrants)
	require.NoError(t, err)

	_, err = s.Connect(addrA)
	require.NoError(t, err)
	require.NoError(t, s.Release())

	_, _, closes := adapter.handles[0].counts()
	assert.Equal(t, 1, closes)
}

func TestEventsAfterReleaseAreIgnored(t *testing.T) {
	adapter := newFakeAdapter()
	s, err := New(adapter, allGrants)
	require.NoError(t, err)
	require.NoError(t, s.Release())

	adapter.emit(bluetooth.Event{Type: bluetooth.EventDeviceFound, Device: bluetooth.Device{Address: addrA}})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.ScannedDevices())
}
