package rasc

import "context"

// Response names a detected phase of a command.
type Response string

const (
	Start    Response = "start"
	Complete Response = "complete"
)

// ActionSpec asks an entity what it should look like once a phase of a
// service call has been reached.
type ActionSpec struct {
	Response    Response
	Service     string
	ServiceData map[string]interface{}
}

// Entity is the capability surface RASC needs from a device entity.
type Entity interface {
	EntityID() string

	// ShouldPoll is true when state changes are only seen by polling.
	ShouldPoll() bool

	// Attributes returns the current attribute values, with the main state
	// under "state".
	Attributes() map[string]interface{}

	// TargetState returns the postcondition for the requested phase.
	TargetState(spec ActionSpec) Postcondition
}

// PushHandler is implemented by entities that react to their own state
// changes, see WithPushEvent.
type PushHandler interface {
	OnPushEvent(ctx context.Context)
}

// Platform resolves the targets of a service call.
type Platform interface {
	// Entity returns a tracked entity by id.
	Entity(entityID string) (Entity, bool)

	// DeviceEntities returns the entity ids that belong to a device.
	DeviceEntities(deviceID string) []string
}

// Bus publishes rasc_response events.
type Bus interface {
	Fire(ctx context.Context, eventType string, data map[string]interface{}) error
}

// WithPushEvent runs mutate, which applies a pushed state change to e, and
// then lets e react through OnPushEvent. A failed mutate is returned as is
// and skips the handler.
func WithPushEvent(ctx context.Context, e Entity, mutate func() error) error {
	if err := mutate(); err != nil {
		return err
	}
	if h, ok := e.(PushHandler); ok {
		h.OnPushEvent(ctx)
	}
	return nil
}
