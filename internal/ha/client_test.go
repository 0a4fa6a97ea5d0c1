package ha

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

// acceptSubscriptions answers the state_changed and call_service
// subscriptions sent after auth.
func acceptSubscriptions(t *testing.T, conn *websocket.Conn) {
	success := true
	var got []string
	for i := 0; i < 2; i++ {
		var subMsg SubscribeEventsRequest
		require.NoError(t, conn.ReadJSON(&subMsg))
		assert.Equal(t, "subscribe_events", subMsg.Type)
		got = append(got, subMsg.EventType)
		require.NoError(t, conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &success}))
	}
	assert.ElementsMatch(t, []string{EventStateChanged, EventCallService}, got)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			acceptSubscriptions(t, conn)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect()
		assert.NoError(t, err)
		assert.True(t, client.IsConnected())

		client.Disconnect()
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})

			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", logger)

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("unexpected greeting", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "hello"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect()
		assert.ErrorContains(t, err, "expected auth_required")
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			acceptSubscriptions(t, conn)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect()
		require.NoError(t, err)

		err = client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")

		client.Disconnect()
	})

	t.Run("requests fail when not connected", func(t *testing.T) {
		client := NewClient("ws://127.0.0.1:1", token, logger)

		_, err := client.GetAllStates()
		assert.ErrorContains(t, err, "not connected")
	})
}

func TestClient_GetAllStates(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)

		var statesReq CommandRequest
		conn.ReadJSON(&statesReq)
		assert.Equal(t, "get_states", statesReq.Type)

		states := []*State{
			{
				EntityID:   "light.kitchen",
				State:      "on",
				Attributes: map[string]interface{}{"brightness": 255},
			},
			{
				EntityID: "cover.garage",
				State:    "closed",
			},
		}

		success := true
		statesJSON, _ := json.Marshal(states)
		conn.WriteJSON(Message{
			ID:      statesReq.ID,
			Type:    "result",
			Success: &success,
			Result:  statesJSON,
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	states, err := client.GetAllStates()
	assert.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "light.kitchen", states[0].EntityID)
	assert.Equal(t, "on", states[0].State)
	assert.Equal(t, 255.0, states[0].Attributes["brightness"])
}

func TestClient_GetState(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)

		success := true
		for i := 0; i < 2; i++ {
			var statesReq CommandRequest
			if err := conn.ReadJSON(&statesReq); err != nil {
				return
			}
			statesJSON, _ := json.Marshal([]*State{{EntityID: "switch.fan", State: "on"}})
			conn.WriteJSON(Message{
				ID:      statesReq.ID,
				Type:    "result",
				Success: &success,
				Result:  statesJSON,
			})
		}

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	state, err := client.GetState("switch.fan")
	assert.NoError(t, err)
	assert.Equal(t, "switch.fan", state.EntityID)
	assert.Equal(t, "on", state.State)

	_, err = client.GetState("nonexistent")
	assert.Error(t, err)
}

func TestClient_CallService(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)

		var serviceReq CallServiceRequest
		conn.ReadJSON(&serviceReq)

		assert.Equal(t, "call_service", serviceReq.Type)
		assert.Equal(t, "light", serviceReq.Domain)
		assert.Equal(t, "turn_on", serviceReq.Service)
		assert.Equal(t, "light.kitchen", serviceReq.ServiceData["entity_id"])

		success := true
		conn.WriteJSON(Message{
			ID:      serviceReq.ID,
			Type:    "result",
			Success: &success,
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	err = client.CallService("light", "turn_on", map[string]interface{}{
		"entity_id": "light.kitchen",
	})
	assert.NoError(t, err)
}

func TestClient_FireEvent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("success", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			acceptSubscriptions(t, conn)

			var req FireEventRequest
			conn.ReadJSON(&req)
			assert.Equal(t, "fire_event", req.Type)
			assert.Equal(t, "rasc_response", req.EventType)
			assert.Equal(t, "complete", req.EventData["type"])

			success := true
			conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success})
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.FireEvent("rasc_response", map[string]interface{}{
			"type":      "complete",
			"service":   "turn_on",
			"entity_id": "light.kitchen",
		})
		assert.NoError(t, err)
	})

	t.Run("error result", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			acceptSubscriptions(t, conn)

			var req FireEventRequest
			conn.ReadJSON(&req)

			failure := false
			conn.WriteJSON(Message{
				ID:      req.ID,
				Type:    "result",
				Success: &failure,
				Error:   &Error{Code: "unauthorized", Message: "Unauthorized"},
			})
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.FireEvent("rasc_response", nil)
		assert.EqualError(t, err, "HA error: unauthorized - Unauthorized")
	})
}

func TestClient_ListEntityRegistry(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)

		var req CommandRequest
		conn.ReadJSON(&req)
		assert.Equal(t, "config/entity_registry/list", req.Type)

		success := true
		conn.WriteJSON(Message{
			ID:      req.ID,
			Type:    "result",
			Success: &success,
			Result: json.RawMessage(`[
				{"entity_id": "light.kitchen", "device_id": "dev-1", "platform": "hue", "disabled_by": null},
				{"entity_id": "light.hall", "device_id": "dev-1", "platform": "hue", "disabled_by": "user"}
			]`),
		})
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	entries, err := client.ListEntityRegistry()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dev-1", entries[0].DeviceID)
	assert.Nil(t, entries[0].DisabledBy)
	require.NotNil(t, entries[1].DisabledBy)
	assert.Equal(t, "user", *entries[1].DisabledBy)
}

func TestClient_Events(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	release := make(chan struct{})
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)
		<-release

		conn.WriteJSON(Message{
			Type: "event",
			Event: &Event{
				EventType: EventCallService,
				Data:      json.RawMessage(`{"domain":"light","service":"turn_on","service_data":{"entity_id":"light.kitchen","transition":2}}`),
				Context:   &Context{ID: "ctx-1"},
			},
		})
		conn.WriteJSON(Message{
			Type: "event",
			Event: &Event{
				EventType: EventStateChanged,
				Data:      json.RawMessage(`{"entity_id":"light.kitchen","old_state":{"entity_id":"light.kitchen","state":"off"},"new_state":{"entity_id":"light.kitchen","state":"on"}}`),
			},
		})
		conn.WriteJSON(Message{
			Type: "event",
			Event: &Event{
				EventType: EventStateChanged,
				Data:      json.RawMessage(`{"entity_id":"light.other","new_state":{"entity_id":"light.other","state":"on"}}`),
			},
		})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	calls := make(chan *CallServiceEvent, 1)
	_, err := client.SubscribeServiceCalls(func(event *CallServiceEvent) { calls <- event })
	require.NoError(t, err)

	changes := make(chan *State, 2)
	_, err = client.SubscribeStateChanges("light.kitchen", func(entityID string, oldState, newState *State) {
		changes <- newState
	})
	require.NoError(t, err)
	close(release)

	select {
	case call := <-calls:
		assert.Equal(t, "light", call.Domain)
		assert.Equal(t, "turn_on", call.Service)
		assert.Equal(t, 2.0, call.ServiceData["transition"])
		require.NotNil(t, call.Context)
		assert.Equal(t, "ctx-1", call.Context.ID)
	case <-time.After(time.Second):
		t.Fatal("call_service event not delivered")
	}

	select {
	case state := <-changes:
		assert.Equal(t, "on", state.State)
	case <-time.After(time.Second):
		t.Fatal("state_changed event not delivered")
	}

	select {
	case state := <-changes:
		t.Fatalf("unexpected state change for %s", state.EntityID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_FireEventFromHandlerUnderEventFlood(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"
	const flood = 4 * eventBacklogWarn

	release := make(chan struct{})
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)
		<-release

		conn.WriteJSON(Message{
			Type: "event",
			Event: &Event{
				EventType: EventStateChanged,
				Data:      json.RawMessage(`{"entity_id":"light.kitchen","new_state":{"entity_id":"light.kitchen","state":"on"}}`),
			},
		})

		var req FireEventRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		assert.Equal(t, "fire_event", req.Type)

		// the bus keeps busy before the result arrives
		for i := 0; i < flood; i++ {
			if err := conn.WriteJSON(Message{
				Type: "event",
				Event: &Event{
					EventType: EventStateChanged,
					Data:      json.RawMessage(`{"entity_id":"sensor.power","new_state":{"entity_id":"sensor.power","state":"42"}}`),
				},
			}); err != nil {
				return
			}
		}

		success := true
		conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	fired := make(chan error, 1)
	_, err := client.SubscribeStateChanges("light.kitchen", func(entityID string, oldState, newState *State) {
		fired <- client.FireEvent("rasc_response", map[string]interface{}{"type": "complete", "entity_id": entityID})
	})
	require.NoError(t, err)
	close(release)

	select {
	case err := <-fired:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fire_event issued from a handler never completed")
	}
}

func TestEventQueue(t *testing.T) {
	q := newEventQueue()
	assert.Empty(t, q.drain())

	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, q.push(&Message{ID: i}))
	}

	select {
	case <-q.ready:
	default:
		t.Fatal("push did not signal the dispatcher")
	}

	var ids []int
	for _, msg := range q.drain() {
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
	assert.Empty(t, q.drain())
	assert.Equal(t, 1, q.push(&Message{ID: 4}))
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()

	t.Run("connection", func(t *testing.T) {
		assert.False(t, mock.IsConnected())

		err := mock.Connect()
		assert.NoError(t, err)
		assert.True(t, mock.IsConnected())

		err = mock.Connect()
		assert.Error(t, err)

		err = mock.Disconnect()
		assert.NoError(t, err)
		assert.False(t, mock.IsConnected())
	})

	t.Run("state management", func(t *testing.T) {
		mock.SetState("light.kitchen", "on", map[string]interface{}{
			"brightness": 128,
		})

		state, err := mock.GetState("light.kitchen")
		assert.NoError(t, err)
		assert.Equal(t, "on", state.State)

		_, err = mock.GetState("nonexistent")
		assert.Error(t, err)
	})

	t.Run("service calls and events", func(t *testing.T) {
		mock.ClearServiceCalls()

		require.NoError(t, mock.CallService("light", "turn_on", map[string]interface{}{"entity_id": "light.kitchen"}))
		require.NoError(t, mock.FireEvent("rasc_response", map[string]interface{}{"type": "start"}))

		calls := mock.GetServiceCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "light", calls[0].Domain)
		assert.Equal(t, "turn_on", calls[0].Service)

		events := mock.GetFiredEvents()
		require.Len(t, events, 1)
		assert.Equal(t, "rasc_response", events[0].EventType)
	})

	t.Run("subscriptions", func(t *testing.T) {
		callCount := 0
		handler := func(entityID string, oldState, newState *State) {
			callCount++
			assert.Equal(t, "light.kitchen", entityID)
			assert.Equal(t, "off", newState.State)
			assert.Equal(t, 128, newState.Attributes["brightness"])
		}

		sub, err := mock.SubscribeStateChanges("light.kitchen", handler)
		assert.NoError(t, err)

		mock.SimulateStateChange("light.kitchen", "off")
		assert.Equal(t, 1, callCount)

		require.NoError(t, sub.Unsubscribe())
		mock.SimulateStateChange("light.kitchen", "off")
		assert.Equal(t, 1, callCount)
		assert.Equal(t, 0, mock.SubscriberCount())
	})

	t.Run("service call subscriptions", func(t *testing.T) {
		var got []*CallServiceEvent
		sub, err := mock.SubscribeServiceCalls(func(event *CallServiceEvent) { got = append(got, event) })
		require.NoError(t, err)

		mock.SimulateServiceCall("cover", "open_cover", map[string]interface{}{"entity_id": "cover.garage"})
		require.NoError(t, sub.Unsubscribe())
		mock.SimulateServiceCall("cover", "close_cover", nil)

		require.Len(t, got, 1)
		assert.Equal(t, "open_cover", got[0].Service)
	})
}

func TestSubscriberRegistry_RemoveKeepsOthers(t *testing.T) {
	r := newSubscriberRegistry()
	var hits []int
	a := r.add("light.a", subscriberEntry{onState: func(string, *State, *State) { hits = append(hits, 1) }})
	r.add("light.a", subscriberEntry{onState: func(string, *State, *State) { hits = append(hits, 2) }})

	r.remove("light.a", a)
	r.remove("light.a", a)
	r.notifyState("light.a", nil, &State{})

	assert.Equal(t, []int{2}, hits)
	assert.Equal(t, 1, r.count())
}
