// Package entity adapts Home Assistant entities to the capability surface
// the RASC tracker works with.
package entity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"rascd/internal/ha"
	"rascd/internal/rasc"
)

// Entity mirrors one Home Assistant entity. Its state is refreshed either by
// polling (Refresh) or from state_changed pushes (Apply).
type Entity struct {
	id     string
	domain string
	poll   bool
	rules  Rules

	mu     sync.RWMutex
	state  *ha.State
	onPush func(ctx context.Context)
}

// New creates an entity from its current state.
func New(state *ha.State, poll bool, rules Rules) *Entity {
	return &Entity{
		id:     state.EntityID,
		domain: Domain(state.EntityID),
		poll:   poll,
		rules:  rules,
		state:  state,
	}
}

// Domain returns the part of an entity id before the dot.
func Domain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

func (e *Entity) EntityID() string { return e.id }

func (e *Entity) ShouldPoll() bool { return e.poll }

// Domain returns the entity's domain.
func (e *Entity) Domain() string { return e.domain }

// Attributes returns a copy of the attributes with the main state under
// "state".
func (e *Entity) Attributes() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]interface{}, len(e.state.Attributes)+1)
	for k, v := range e.state.Attributes {
		out[k] = v
	}
	out["state"] = e.state.State
	return out
}

// State returns the main state string.
func (e *Entity) State() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.State
}

func (e *Entity) TargetState(spec rasc.ActionSpec) rasc.Postcondition {
	return e.rules.Postcondition(e.domain, spec)
}

// Apply replaces the cached state. Nil states, as sent when an entity is
// removed, are rejected.
func (e *Entity) Apply(state *ha.State) error {
	if state == nil {
		return fmt.Errorf("entity %s has no state", e.id)
	}
	if state.EntityID != e.id {
		return fmt.Errorf("state for %s applied to %s", state.EntityID, e.id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	return nil
}

// Refresh fetches the current state from Home Assistant.
func (e *Entity) Refresh(client ha.HAClient) error {
	state, err := client.GetState(e.id)
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", e.id, err)
	}
	return e.Apply(state)
}

// SetPushHandler installs the callback run after a pushed update.
func (e *Entity) SetPushHandler(f func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPush = f
}

// OnPushEvent runs the push handler, if any.
func (e *Entity) OnPushEvent(ctx context.Context) {
	e.mu.RLock()
	f := e.onPush
	e.mu.RUnlock()

	if f != nil {
		f(ctx)
	}
}
