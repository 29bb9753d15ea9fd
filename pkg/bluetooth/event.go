package bluetooth

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventType identifies a platform callback
type EventType int

const (
	EventDeviceFound EventType = iota
	EventDiscoveryFinished
	EventConnectionStateChanged
	EventServicesDiscovered
)

func (t EventType) String() string {
	switch t {
	case EventDeviceFound:
		return "DeviceFound"
	case EventDiscoveryFinished:
		return "DiscoveryFinished"
	case EventConnectionStateChanged:
		return "ConnectionStateChanged"
	case EventServicesDiscovered:
		return "ServicesDiscovered"
	default:
		return "Unknown"
	}
}

// Event is a platform callback turned into a message. Only the fields relevant
// to Type are set: Device for DeviceFound, Address and State for
// ConnectionStateChanged, Address, Status and Services for ServicesDiscovered.
type Event struct {
	Type     EventType
	Device   Device
	Address  string
	State    ConnectionState
	Status   int
	Services []Service
}

// eventHub fans platform callbacks out to subscribed channels. Sends never
// block: a subscriber whose buffer is full loses the event.
type eventHub struct {
	mtx    sync.Mutex
	nextID int
	subs   map[int]chan<- Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan<- Event)}
}

func (h *eventHub) subscribe(ch chan<- Event) func() {
	h.mtx.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mtx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mtx.Lock()
			delete(h.subs, id)
			h.mtx.Unlock()
		})
	}
}

func (h *eventHub) publish(ev Event) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.Warnf("pkg bluetooth; subscriber queue full, dropping %s event", ev.Type)
		}
	}
}

func (h *eventHub) count() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.subs)
}
