package ha

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	subscribers  *subscriberRegistry
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	firedEvents  []FiredEvent
	registry     []RegistryEntry
	callsMu      sync.Mutex
	getStateErr  error
	fireErr      error
	getStateHits int
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// FiredEvent records a FireEvent call for testing
type FiredEvent struct {
	EventType string
	Data      map[string]interface{}
	Time      time.Time
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subscribers:  newSubscriberRegistry(),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	m.subscribers.clear()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	m.getStateHits++
	if m.getStateErr != nil {
		return nil, m.getStateErr
	}

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates retrieves all mock states ordered by entity id
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })

	return states, nil
}

// ListEntityRegistry returns the entries set with SetRegistry
func (m *MockClient) ListEntityRegistry() ([]RegistryEntry, error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]RegistryEntry(nil), m.registry...), nil
}

// CallService records a service call
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	return nil
}

// FireEvent records a fired event
func (m *MockClient) FireEvent(eventType string, data map[string]interface{}) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	if m.fireErr != nil {
		return m.fireErr
	}
	m.firedEvents = append(m.firedEvents, FiredEvent{
		EventType: eventType,
		Data:      data,
		Time:      time.Now(),
	})
	return nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	subID := m.subscribers.add(entityID, subscriberEntry{onState: handler})
	return &subscription{key: entityID, subID: subID, registry: m.subscribers}, nil
}

// SubscribeServiceCalls subscribes to call_service events
func (m *MockClient) SubscribeServiceCalls(handler ServiceCallHandler) (Subscription, error) {
	subID := m.subscribers.add(callServiceKey, subscriberEntry{onCall: handler})
	return &subscription{key: callServiceKey, subID: subID, registry: m.subscribers}, nil
}

// SubscriberCount returns the number of live subscriptions (for testing)
func (m *MockClient) SubscriberCount() int {
	return m.subscribers.count()
}

// SetState sets a mock state and notifies subscribers (for testing)
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()

	now := time.Now()
	oldState := m.states[entityID]
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.subscribers.notifyState(entityID, oldState, newState)
}

// SetStateQuietly replaces a mock state without notifying subscribers, as
// seen by an entity that can only be polled (for testing)
func (m *MockClient) SetStateQuietly(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	if attributes == nil {
		attributes = make(map[string]interface{})
	}
	now := time.Now()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SimulateStateChange changes only the main state, keeping attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.RLock()
	var attributes map[string]interface{}
	if old := m.states[entityID]; old != nil {
		attributes = old.Attributes
	}
	m.statesMu.RUnlock()

	m.SetState(entityID, newStateValue, attributes)
}

// SimulateServiceCall delivers a call_service event to subscribers
func (m *MockClient) SimulateServiceCall(domain, service string, data map[string]interface{}) {
	m.subscribers.notifyCall(&CallServiceEvent{
		Domain:      domain,
		Service:     service,
		ServiceData: data,
		Context:     &Context{ID: fmt.Sprintf("mock-%d", time.Now().UnixNano())},
	})
}

// SetRegistry sets the entity registry returned by ListEntityRegistry
func (m *MockClient) SetRegistry(entries []RegistryEntry) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.registry = entries
}

// SetGetStateError makes GetState fail with err (nil restores it)
func (m *MockClient) SetGetStateError(err error) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	m.getStateErr = err
}

// SetFireEventError makes FireEvent fail with err (nil restores it)
func (m *MockClient) SetFireEventError(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.fireErr = err
}

// GetStateCalls returns how many times GetState was called
func (m *MockClient) GetStateCalls() int {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	return m.getStateHits
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// GetFiredEvents returns all recorded events
func (m *MockClient) GetFiredEvents() []FiredEvent {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	events := make([]FiredEvent, len(m.firedEvents))
	copy(events, m.firedEvents)
	return events
}

// ClearServiceCalls clears the service call and event history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
	m.firedEvents = nil
}
