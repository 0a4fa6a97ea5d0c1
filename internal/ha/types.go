package ha

import (
	"encoding/json"
	"time"
)

// Event types the client subscribes to after authenticating.
const (
	EventStateChanged = "state_changed"
	EventCallService  = "call_service"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Context   *Context        `json:"context,omitempty"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// CallServiceEvent is the payload of a call_service event, fired whenever
// anything in Home Assistant invokes a service.
type CallServiceEvent struct {
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
	// Context of the originating event, not part of the payload itself.
	Context *Context `json:"-"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Context represents the context of a state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// RegistryEntry is one row of the entity registry.
type RegistryEntry struct {
	EntityID   string  `json:"entity_id"`
	DeviceID   string  `json:"device_id"`
	Platform   string  `json:"platform"`
	DisabledBy *string `json:"disabled_by"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      *ServiceTarget         `json:"target,omitempty"`
}

// ServiceTarget represents service call target
type ServiceTarget struct {
	EntityID []string `json:"entity_id,omitempty"`
}

// CommandRequest is a request that carries no payload, such as get_states
// or config/entity_registry/list.
type CommandRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// FireEventRequest represents a fire_event request
type FireEventRequest struct {
	ID        int                    `json:"id"`
	Type      string                 `json:"type"`
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
}

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// ServiceCallHandler is called for every call_service event
type ServiceCallHandler func(event *CallServiceEvent)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// callServiceKey files call_service handlers next to per-entity state handlers.
const callServiceKey = "*" + EventCallService

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	onState StateChangeHandler
	onCall  ServiceCallHandler
}

// subscription implements Subscription interface
type subscription struct {
	key      string
	subID    int
	registry *subscriberRegistry
}

func (s *subscription) Unsubscribe() error {
	s.registry.remove(s.key, s.subID)
	return nil
}
