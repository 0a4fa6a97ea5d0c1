package rasc

import (
	"strconv"
	"strings"
)

// ServiceCall is the command that starts tracking: the domain and service
// invoked and its service data, which may carry entity_id, device_id and
// transition.
type ServiceCall struct {
	Domain      string
	Service     string
	ServiceData map[string]interface{}
	// GroupID is propagated to every rasc_response fired for this call.
	GroupID string
}

// EntityIDs returns service_data.entity_id as a list.
func (c ServiceCall) EntityIDs() []string {
	return stringList(c.ServiceData["entity_id"])
}

// DeviceIDs returns service_data.device_id as a list.
func (c ServiceCall) DeviceIDs() []string {
	return stringList(c.ServiceData["device_id"])
}

// Transition returns service_data.transition in seconds, or 0.
func (c ServiceCall) Transition() float64 {
	v, ok := toFloat(c.ServiceData["transition"])
	if !ok || v < 0 {
		return 0
	}
	return v
}

// stringList accepts a string, a comma-separated string or a list.
func stringList(v interface{}) []string {
	var out []string
	add := func(s string) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	switch ids := v.(type) {
	case string:
		add(ids)
	case []string:
		for _, id := range ids {
			add(id)
		}
	case []interface{}:
		for _, id := range ids {
			switch s := id.(type) {
			case string:
				add(s)
			case float64:
				add(strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
	}
	return out
}
