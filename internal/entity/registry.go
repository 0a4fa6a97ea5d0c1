package entity

import (
	"sort"
	"sync"

	"rascd/internal/ha"
	"rascd/internal/rasc"
)

// Registry holds the tracked entities and the device -> entity mapping. It
// resolves service call targets for the tracker.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	devices  map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]*Entity),
		devices:  make(map[string][]string),
	}
}

// Add registers e, replacing any entity with the same id.
func (r *Registry) Add(e *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.EntityID()] = e
}

// Get returns the entity with id.
func (r *Registry) Get(id string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// Entity implements rasc.Platform.
func (r *Registry) Entity(id string) (rasc.Entity, bool) {
	e, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return e, true
}

// DeviceEntities implements rasc.Platform.
func (r *Registry) DeviceEntities(deviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.devices[deviceID]...)
}

// SetDevices rebuilds the device mapping from the entity registry. Disabled
// entries are skipped.
func (r *Registry) SetDevices(entries []ha.RegistryEntry) {
	devices := make(map[string][]string)
	for _, entry := range entries {
		if entry.DeviceID == "" || entry.DisabledBy != nil {
			continue
		}
		devices[entry.DeviceID] = append(devices[entry.DeviceID], entry.EntityID)
	}
	for _, ids := range devices {
		sort.Strings(ids)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = devices
}

// All returns every entity ordered by id.
func (r *Registry) All() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Len returns the number of entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}
