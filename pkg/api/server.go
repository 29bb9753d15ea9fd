//nolint:revive // api is a standard package name for API servers
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jwoglom/btsession/pkg/bluetooth"
	"github.com/jwoglom/btsession/pkg/session"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait = 10 * time.Second

	// session events buffered per websocket client
	clientQueueSize = 64
)

// Controller is the session surface driven by the API
type Controller interface {
	StartDiscovery() error
	StopDiscovery() error
	Pair(device bluetooth.Device, onFailure func(error)) error
	Connect(address string) (bool, error)
	Disconnect() error
	Unpair(address string) error
	Snapshot() session.Snapshot
	ScannedDevices() []bluetooth.Device
	PairedDevices() []bluetooth.Device
	Watch() (<-chan session.Snapshot, func())
}

// Server provides a WebSocket and REST API for watching and driving a session
type Server struct {
	http.Handler

	listen string
	srv    *http.Server

	ctl    Controller
	ctlMtx sync.RWMutex

	clients map[*client]struct{}
	mtx     sync.Mutex
}

// Event is a message pushed to websocket clients
type Event struct {
	Type      string              `json:"type"`
	Command   string              `json:"command,omitempty"`
	Address   string              `json:"address,omitempty"`
	Device    *bluetooth.Device   `json:"device,omitempty"`
	State     string              `json:"state,omitempty"`
	Status    *int                `json:"status,omitempty"`
	Services  []bluetooth.Service `json:"services,omitempty"`
	Initiated *bool               `json:"initiated,omitempty"`
	Message   string              `json:"message,omitempty"`
	Snapshot  *session.Snapshot   `json:"snapshot,omitempty"`
}

// Command is a message received from websocket clients
type Command struct {
	Command string `json:"command"`
	Address string `json:"address,omitempty"`
	Name    string `json:"name,omitempty"`
}

type addressRequest struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// client is one websocket connection. gorilla/websocket allows a single
// concurrent writer, so writes go through mtx. Session events are queued and
// written by writeEvents so a slow client never stalls the notifier.
type client struct {
	conn *websocket.Conn
	mtx  sync.Mutex

	events chan Event
	done   chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:   conn,
		events: make(chan Event, clientQueueSize),
		done:   make(chan struct{}),
	}
}

// enqueue queues an event without blocking. It returns false when the queue is full.
func (c *client) enqueue(event Event) bool {
	select {
	case c.events <- event:
		return true
	default:
		return false
	}
}

func (c *client) send(v interface{}) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// New creates a new API server listening on the given address
func New(listen string) *Server {
	s := &Server{
		listen:  listen,
		clients: make(map[*client]struct{}),
	}
	s.Handler = s.routes()
	return s
}

// SetController sets the session driven by this server
func (s *Server) SetController(ctl Controller) {
	s.ctlMtx.Lock()
	defer s.ctlMtx.Unlock()
	s.ctl = ctl
}

func (s *Server) controller() Controller {
	s.ctlMtx.RLock()
	defer s.ctlMtx.RUnlock()
	return s.ctl
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	s.mtx.Lock()
	s.srv = &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mtx.Unlock()

	log.Infof("Session web API listening on %s", s.listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and closes websocket connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.mtx.Lock()
	srv := s.srv
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mtx.Unlock()

	for _, c := range clients {
		if err := c.conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// SendEvent sends an event to all connected websocket clients
func (s *Server) SendEvent(event Event) {
	s.mtx.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mtx.Unlock()

	for _, c := range clients {
		if !c.enqueue(event) {
			log.Warnf("Dropping %s event for slow websocket client", event.Type)
		}
	}
}

// NotifyDeviceFound implements session.Notifier
func (s *Server) NotifyDeviceFound(device bluetooth.Device) {
	s.SendEvent(Event{Type: "device_found", Address: device.Address, Device: &device})
}

// NotifyDiscoveryFinished implements session.Notifier
func (s *Server) NotifyDiscoveryFinished() {
	s.SendEvent(Event{Type: "discovery_finished"})
}

// NotifyPairingFailed implements session.Notifier
func (s *Server) NotifyPairingFailed(address string, err error) {
	s.SendEvent(Event{Type: "pairing_failed", Address: address, Message: err.Error()})
}

// NotifyConnectionState implements session.Notifier
func (s *Server) NotifyConnectionState(address string, state bluetooth.ConnectionState) {
	s.SendEvent(Event{Type: "connection_state", Address: address, State: string(state)})
}

// NotifyServicesDiscovered implements session.Notifier
func (s *Server) NotifyServicesDiscovered(address string, status int, services []bluetooth.Service) {
	s.SendEvent(Event{Type: "services_discovered", Address: address, Status: &status, Services: services})
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if _, err := fmt.Fprint(w, "Bluetooth Session API - Connect via WebSocket at /ws\n\n"+
			"State API:\n  GET    /api/state\n  GET    /api/devices/scanned\n  GET    /api/devices/paired\n\n"+
			"Discovery API:\n  POST   /api/discovery\n  DELETE /api/discovery\n\n"+
			"Pairing API:\n  POST   /api/pair\n  POST   /api/connect\n  POST   /api/disconnect\n  POST   /api/unpair"); err != nil {
			log.Warnf("Failed to write response: %v", err)
		}
	})
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/state", s.handleStateAPI)
	mux.HandleFunc("/api/devices/scanned", s.handleDevicesAPI)
	mux.HandleFunc("/api/devices/paired", s.handleDevicesAPI)
	mux.HandleFunc("/api/discovery", s.handleDiscoveryAPI)
	mux.HandleFunc("/api/pair", s.handlePairAPI)
	mux.HandleFunc("/api/connect", s.handleConnectAPI)
	mux.HandleFunc("/api/disconnect", s.handleDisconnectAPI)
	mux.HandleFunc("/api/unpair", s.handleUnpairAPI)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctl := s.controller()
	if ctl == nil {
		http.Error(w, "Session not initialized", http.StatusServiceUnavailable)
		return
	}

	log.Infof("WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	c := newClient(ws)
	go s.writeEvents(c)
	s.mtx.Lock()
	s.clients[c] = struct{}{}
	s.mtx.Unlock()

	snapshots, cancel := ctl.Watch()
	go s.forwardSnapshots(c, snapshots)

	s.reader(c, ctl)
	cancel()
}

// forwardSnapshots pushes state snapshots until the watch is cancelled
func (s *Server) forwardSnapshots(c *client, snapshots <-chan session.Snapshot) {
	for snap := range snapshots {
		snap := snap
		if err := c.send(Event{Type: "snapshot", Snapshot: &snap}); err != nil {
			log.Debugf("Failed to send snapshot: %v", err)
		}
	}
}

// writeEvents writes queued session events until the client goes away
func (s *Server) writeEvents(c *client) {
	for {
		select {
		case <-c.done:
			return
		case event := <-c.events:
			if err := c.send(event); err != nil {
				log.Errorf("Failed to send websocket message: %v", err)
			}
		}
	}
}

func (s *Server) reader(c *client, ctl Controller) {
	defer func() {
		s.mtx.Lock()
		delete(s.clients, c)
		s.mtx.Unlock()
		close(c.done)
		if err := c.conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			log.Infof("WebSocket read error: %v", err)
			return
		}
		log.Debugf("Received WebSocket message: %s", string(p))
		s.handleCommand(c, ctl, p)
	}
}

func (s *Server) handleCommand(c *client, ctl Controller, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Errorf("Failed to parse command: %v", err)
		s.reply(c, Event{Type: "error", Message: fmt.Sprintf("invalid command: %v", err)})
		return
	}

	fail := func(err error) {
		s.reply(c, Event{Type: "error", Command: cmd.Command, Address: cmd.Address, Message: err.Error()})
	}

	switch cmd.Command {
	case "getState":
		snap := ctl.Snapshot()
		s.reply(c, Event{Type: "snapshot", Snapshot: &snap})
	case "startDiscovery":
		if err := ctl.StartDiscovery(); err != nil {
			fail(err)
		}
	case "stopDiscovery":
		if err := ctl.StopDiscovery(); err != nil {
			fail(err)
		}
	case "pair":
		// pairing blocks until the platform answers
		go func() {
			err := ctl.Pair(bluetooth.Device{Address: cmd.Address, Name: cmd.Name}, nil)
			if err != nil {
				fail(err)
				return
			}
			s.reply(c, Event{Type: "paired", Address: cmd.Address})
		}()
	case "connect":
		initiated, err := ctl.Connect(cmd.Address)
		if err != nil {
			fail(err)
			return
		}
		s.reply(c, Event{Type: "connect", Address: cmd.Address, Initiated: &initiated})
	case "disconnect":
		if err := ctl.Disconnect(); err != nil {
			fail(err)
		}
	case "unpair":
		if err := ctl.Unpair(cmd.Address); err != nil {
			fail(err)
		}
	default:
		log.Errorf("Unknown command: %q", cmd.Command)
		fail(fmt.Errorf("unknown command: %q", cmd.Command))
	}
}

func (s *Server) reply(c *client, event Event) {
	if err := c.send(event); err != nil {
		log.Errorf("Failed to send websocket message: %v", err)
	}
}

// handleStateAPI returns the current snapshot
func (s *Server) handleStateAPI(w http.ResponseWriter, r *http.Request) {
	ctl := s.requireController(w)
	if ctl == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, ctl.Snapshot())
}

// handleDevicesAPI returns the scanned or paired device list
func (s *Server) handleDevicesAPI(w http.ResponseWriter, r *http.Request) {
	ctl := s.requireController(w)
	if ctl == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var devices []bluetooth.Device
	if r.URL.Path == "/api/devices/paired" {
		devices = ctl.PairedDevices()
	} else {
		devices = ctl.ScannedDevices()
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleDiscoveryAPI starts (POST) or stops (DELETE) discovery
func (s *Server) handleDiscoveryAPI(w http.ResponseWriter, r *http.Request) {
	ctl := s.requireController(w)
	if ctl == nil {
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := ctl.StartDiscovery(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "success",
			"scanning": true,
		})

	case http.MethodDelete:
		if err := ctl.StopDiscovery(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "success",
			"scanning": false,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePairAPI pairs with a device and responds once pairing has finished
func (s *Server) handlePairAPI(w http.ResponseWriter, r *http.Request) {
	ctl, req, ok := s.addressCommand(w, r)
	if !ok {
		return
	}

	if err := ctl.Pair(bluetooth.Device{Address: req.Address, Name: req.Name}, nil); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Paired with %s", req.Address),
	})
}

// handleConnectAPI starts a GATT connection
func (s *Server) handleConnectAPI(w http.ResponseWriter, r *http.Request) {
	ctl, req, ok := s.addressCommand(w, r)
	if !ok {
		return
	}

	initiated, err := ctl.Connect(req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "success",
		"initiated": initiated,
	})
}

// handleDisconnectAPI tears down the GATT connection
func (s *Server) handleDisconnectAPI(w http.ResponseWriter, r *http.Request) {
	ctl := s.requireController(w)
	if ctl == nil {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := ctl.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success"})
}

// handleUnpairAPI removes a bond
func (s *Server) handleUnpairAPI(w http.ResponseWriter, r *http.Request) {
	ctl, req, ok := s.addressCommand(w, r)
	if !ok {
		return
	}

	if err := ctl.Unpair(req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Removed bond with %s", req.Address),
	})
}

func (s *Server) requireController(w http.ResponseWriter) Controller {
	ctl := s.controller()
	if ctl == nil {
		http.Error(w, "Session not initialized", http.StatusServiceUnavailable)
	}
	return ctl
}

// addressCommand checks the method and decodes an {"address": ...} body
func (s *Server) addressCommand(w http.ResponseWriter, r *http.Request) (Controller, addressRequest, bool) {
	var req addressRequest

	ctl := s.requireController(w)
	if ctl == nil {
		return nil, req, false
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, req, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
		return nil, req, false
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Debugf("Error closing request body: %v", err)
		}
	}()

	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return nil, req, false
	}
	return ctl, req, true
}

// statusFor maps session errors to HTTP status codes
func statusFor(err error) int {
	var perr *session.PairingError
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAdapterDisabled), errors.Is(err, session.ErrReleased):
		return http.StatusServiceUnavailable
	case errors.Is(err, bluetooth.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]interface{}{
		"status":  "error",
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
