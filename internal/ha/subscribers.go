package ha

import "sync"

// subscriberRegistry keeps handlers by key: an entity id for state changes,
// callServiceKey for call_service events.
type subscriberRegistry struct {
	mu      sync.RWMutex
	nextID  int
	entries map[string][]subscriberEntry
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{entries: make(map[string][]subscriberEntry)}
}

func (r *subscriberRegistry) add(key string, entry subscriberEntry) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.subID = r.nextID
	r.nextID++
	r.entries[key] = append(r.entries[key], entry)
	return entry.subID
}

func (r *subscriberRegistry) remove(key string, subID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.entries[key]
	if !ok {
		return
	}
	for i, entry := range entries {
		if entry.subID == subID {
			r.entries[key] = append(entries[:i:i], entries[i+1:]...)
			if len(r.entries[key]) == 0 {
				delete(r.entries, key)
			}
			return
		}
	}
}

// get returns a copy so handlers can run without the lock.
func (r *subscriberRegistry) get(key string) []subscriberEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]subscriberEntry(nil), r.entries[key]...)
}

func (r *subscriberRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string][]subscriberEntry)
}

func (r *subscriberRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entries := range r.entries {
		n += len(entries)
	}
	return n
}

func (r *subscriberRegistry) notifyState(entityID string, oldState, newState *State) {
	for _, entry := range r.get(entityID) {
		if entry.onState != nil {
			entry.onState(entityID, oldState, newState)
		}
	}
}

func (r *subscriberRegistry) notifyCall(event *CallServiceEvent) {
	for _, entry := range r.get(callServiceKey) {
		if entry.onCall != nil {
			entry.onCall(event)
		}
	}
}
