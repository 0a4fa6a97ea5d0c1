// Package hatest provides a fake Home Assistant WebSocket server for tests
// that need the real ha.Client on the wire.
package hatest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"rascd/internal/ha"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn wraps a WebSocket connection with its write mutex and the event
// subscriptions it holds (event type -> subscription id).
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]int
}

func (c *conn) write(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(v)
}

func (c *conn) subscription(eventType string) (int, bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id, ok := c.subs[eventType]
	return id, ok
}

// FiredEvent is an event published through fire_event.
type FiredEvent struct {
	EventType string
	Data      map[string]interface{}
}

// ServiceCall is a recorded service invocation.
type ServiceCall struct {
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// Server simulates the parts of the Home Assistant WebSocket API the client
// uses. Devices react to turn_on/turn_off/toggle after a configurable
// latency, firing state_changed like real hardware would.
type Server struct {
	server *httptest.Server
	token  string

	mu        sync.Mutex
	states    map[string]*ha.State
	registry  []ha.RegistryEntry
	latency   map[string]time.Duration
	calls     []ServiceCall
	fired     []FiredEvent
	getStates int
	conns     []*conn
	timers    []*time.Timer
}

// NewServer starts a server accepting token.
func NewServer(token string) *Server {
	s := &Server{
		token:   token,
		states:  make(map[string]*ha.State),
		latency: make(map[string]time.Duration),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	s.server.Close()
}

// SetState stores a state and broadcasts state_changed.
func (s *Server) SetState(entityID, state string, attributes map[string]interface{}) {
	now := time.Now()
	newState := &ha.State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.mu.Lock()
	oldState := s.states[entityID]
	s.states[entityID] = newState
	s.mu.Unlock()

	s.broadcast(ha.EventStateChanged, ha.StateChangedEvent{
		EntityID: entityID,
		OldState: oldState,
		NewState: newState,
	})
}

// State returns the stored state of entityID.
func (s *Server) State(entityID string) *ha.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[entityID]
}

// SetRegistry sets the entity registry returned to clients.
func (s *Server) SetRegistry(entries []ha.RegistryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = entries
}

// SetLatency sets how long entityID takes to act on a service call.
func (s *Server) SetLatency(entityID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[entityID] = d
}

// CallService invokes a service as some other Home Assistant user would:
// the call is recorded, announced as call_service and acted upon.
func (s *Server) CallService(domain, service string, data map[string]interface{}) {
	s.mu.Lock()
	s.calls = append(s.calls, ServiceCall{Domain: domain, Service: service, ServiceData: data})
	s.mu.Unlock()

	s.broadcast(ha.EventCallService, ha.CallServiceEvent{
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	s.actuate(service, data)
}

// ServiceCalls returns the recorded service calls.
func (s *Server) ServiceCalls() []ServiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServiceCall(nil), s.calls...)
}

// FiredEvents returns events published by clients.
func (s *Server) FiredEvents() []FiredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FiredEvent(nil), s.fired...)
}

// GetStatesCalls counts get_states requests.
func (s *Server) GetStatesCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getStates
}

// Subscribers counts connections subscribed to eventType.
func (s *Server) Subscribers(eventType string) int {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()

	n := 0
	for _, c := range conns {
		if _, ok := c.subscription(eventType); ok {
			n++
		}
	}
	return n
}

// actuate schedules the device reaction for on/off style services.
func (s *Server) actuate(service string, data map[string]interface{}) {
	for _, entityID := range targets(data) {
		s.mu.Lock()
		current := s.states[entityID]
		delay := s.latency[entityID]
		s.mu.Unlock()
		if current == nil {
			continue
		}

		next := ""
		switch service {
		case "turn_on":
			next = "on"
		case "turn_off":
			next = "off"
		case "toggle":
			next = "on"
			if current.State == "on" {
				next = "off"
			}
		default:
			continue
		}

		attrs := make(map[string]interface{}, len(current.Attributes))
		for k, v := range current.Attributes {
			attrs[k] = v
		}
		if b, ok := data["brightness"]; ok && next == "on" {
			attrs["brightness"] = b
		}

		id := entityID
		t := time.AfterFunc(delay, func() { s.SetState(id, next, attrs) })
		s.mu.Lock()
		s.timers = append(s.timers, t)
		s.mu.Unlock()
	}
}

func targets(data map[string]interface{}) []string {
	switch v := data["entity_id"].(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (s *Server) broadcast(eventType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}

	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()

	for _, c := range conns {
		id, ok := c.subscription(eventType)
		if !ok {
			continue
		}
		c.write(ha.Message{
			ID:   id,
			Type: "event",
			Event: &ha.Event{
				EventType: eventType,
				Data:      raw,
				Origin:    "LOCAL",
				TimeFired: time.Now(),
			},
		})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, subs: make(map[string]int)}
	defer ws.Close()

	c.write(ha.Message{Type: "auth_required"})

	var auth ha.AuthMessage
	if err := ws.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		c.write(ha.Message{Type: "auth_invalid"})
		return
	}
	c.write(ha.Message{Type: "auth_ok"})

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	defer s.drop(c)

	for {
		var raw json.RawMessage
		if err := ws.ReadJSON(&raw); err != nil {
			return
		}
		var req struct {
			ID          int                    `json:"id"`
			Type        string                 `json:"type"`
			EventType   string                 `json:"event_type"`
			EventData   map[string]interface{} `json:"event_data"`
			Domain      string                 `json:"domain"`
			Service     string                 `json:"service"`
			ServiceData map[string]interface{} `json:"service_data"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		switch req.Type {
		case "subscribe_events":
			c.subsMu.Lock()
			c.subs[req.EventType] = req.ID
			c.subsMu.Unlock()
			c.write(result(req.ID, nil))

		case "get_states":
			s.mu.Lock()
			s.getStates++
			states := make([]*ha.State, 0, len(s.states))
			for _, st := range s.states {
				states = append(states, st)
			}
			s.mu.Unlock()
			sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
			c.write(result(req.ID, states))

		case "config/entity_registry/list":
			s.mu.Lock()
			entries := append([]ha.RegistryEntry{}, s.registry...)
			s.mu.Unlock()
			c.write(result(req.ID, entries))

		case "call_service":
			c.write(result(req.ID, nil))
			go s.CallService(req.Domain, req.Service, req.ServiceData)

		case "fire_event":
			s.mu.Lock()
			s.fired = append(s.fired, FiredEvent{EventType: req.EventType, Data: req.EventData})
			s.mu.Unlock()
			c.write(result(req.ID, nil))

		default:
			success := false
			c.write(ha.Message{
				ID:      req.ID,
				Type:    "result",
				Success: &success,
				Error:   &ha.Error{Code: "unknown_command", Message: "Unknown command."},
			})
		}
	}
}

func (s *Server) drop(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.conns {
		if other == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func result(id int, v interface{}) ha.Message {
	success := true
	msg := ha.Message{ID: id, Type: "result", Success: &success}
	if v != nil {
		msg.Result, _ = json.Marshal(v)
	}
	return msg
}
