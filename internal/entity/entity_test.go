package entity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"rascd/internal/ha"
	"rascd/internal/rasc"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()

	want := []string{"climate", "cover", "fan", "light", "lock", "media_player", "switch"}
	if diff := cmp.Diff(want, rules.Domains()); diff != "" {
		t.Errorf("Domains() mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, rules.Covers("light"))
	assert.False(t, rules.Covers("sensor"))
}

func TestRules_Postcondition(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name      string
		domain    string
		spec      rasc.ActionSpec
		attrs     map[string]interface{}
		wantAttrs []string
		matches   bool
	}{
		{
			name:      "light start",
			domain:    "light",
			spec:      rasc.ActionSpec{Response: rasc.Start, Service: "turn_on"},
			attrs:     map[string]interface{}{"state": "on"},
			wantAttrs: []string{"state"},
			matches:   true,
		},
		{
			name:   "light complete with brightness",
			domain: "light",
			spec: rasc.ActionSpec{Response: rasc.Complete, Service: "turn_on", ServiceData: map[string]interface{}{
				"entity_id": "light.kitchen", "brightness": 200,
			}},
			attrs:     map[string]interface{}{"state": "on", "brightness": 120.0},
			wantAttrs: []string{"brightness", "state"},
			matches:   false,
		},
		{
			name:   "light complete brightness reached",
			domain: "light",
			spec: rasc.ActionSpec{Response: rasc.Complete, Service: "turn_on", ServiceData: map[string]interface{}{
				"brightness": 200,
			}},
			attrs:     map[string]interface{}{"state": "on", "brightness": 200.0},
			wantAttrs: []string{"brightness", "state"},
			matches:   true,
		},
		{
			name:      "cover opening starts",
			domain:    "cover",
			spec:      rasc.ActionSpec{Response: rasc.Start, Service: "open_cover"},
			attrs:     map[string]interface{}{"state": "opening"},
			wantAttrs: []string{"state"},
			matches:   true,
		},
		{
			name:   "cover position within tolerance",
			domain: "cover",
			spec: rasc.ActionSpec{Response: rasc.Complete, Service: "set_cover_position", ServiceData: map[string]interface{}{
				"position": 50.0,
			}},
			attrs:     map[string]interface{}{"state": "open", "current_position": 49},
			wantAttrs: []string{"current_position"},
			matches:   true,
		},
		{
			name:      "cover position without position",
			domain:    "cover",
			spec:      rasc.ActionSpec{Response: rasc.Complete, Service: "set_cover_position"},
			attrs:     map[string]interface{}{},
			wantAttrs: []string{},
			matches:   true,
		},
		{
			name:   "climate mode from service data",
			domain: "climate",
			spec: rasc.ActionSpec{Response: rasc.Complete, Service: "set_hvac_mode", ServiceData: map[string]interface{}{
				"hvac_mode": "heat",
			}},
			attrs:     map[string]interface{}{"state": "heat"},
			wantAttrs: []string{"state"},
			matches:   true,
		},
		{
			name:      "unknown service",
			domain:    "light",
			spec:      rasc.ActionSpec{Response: rasc.Complete, Service: "flash"},
			attrs:     map[string]interface{}{"state": "on"},
			wantAttrs: []string{},
			matches:   true,
		},
		{
			name:      "any presence",
			domain:    "media_player",
			spec:      rasc.ActionSpec{Response: rasc.Start, Service: "volume_set"},
			attrs:     map[string]interface{}{"state": "playing"},
			wantAttrs: []string{"volume_level"},
			matches:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post := rules.Postcondition(tt.domain, tt.spec)
			if diff := cmp.Diff(tt.wantAttrs, append([]string{}, post.Attributes()...)); diff != "" {
				t.Errorf("attributes mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.matches, post.Matches(tt.attrs))
		})
	}
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  string
	}{
		{"not yaml", "light: [", "failed to parse rules"},
		{"empty value", "light:\n  turn_on:\n    start:\n      state:\n", "value is empty"},
		{"empty list", "light:\n  turn_on:\n    start:\n      state: []\n", "list is empty"},
		{"nested list", "light:\n  turn_on:\n    start:\n      state: [[a]]\n", "list items must be scalars"},
		{"mapping without approx", "cover:\n  x:\n    complete:\n      pos: {tolerance: 1}\n", "approx"},
		{"unknown mapping key", "cover:\n  x:\n    complete:\n      pos: {approx: 1, within: 2}\n", "unknown key"},
		{"bad tolerance", "cover:\n  x:\n    complete:\n      pos: {approx: 1, tolerance: wide}\n", "tolerance must be a number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestLoadRules(t *testing.T) {
	t.Run("defaults without path", func(t *testing.T) {
		rules, err := LoadRules("")
		require.NoError(t, err)
		assert.Equal(t, DefaultRules().Domains(), rules.Domains())
	})

	t.Run("overrides layer on defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
light:
  turn_on:
    start:
      state: "on"
    complete:
      state: "on"
valve:
  open_valve:
    start:
      state: ["opening", "open"]
    complete:
      state: "open"
`), 0o600))

		rules, err := LoadRules(path)
		require.NoError(t, err)

		assert.True(t, rules.Covers("valve"))
		post := rules.Postcondition("light", rasc.ActionSpec{
			Response: rasc.Complete, Service: "turn_on", ServiceData: map[string]interface{}{"brightness": 10},
		})
		assert.Equal(t, []string{"state"}, post.Attributes())
		// untouched services keep their defaults
		assert.NotEmpty(t, rules["light"]["turn_off"].Complete)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "failed to read rules file")
	})
}

func TestEntity(t *testing.T) {
	e := New(&ha.State{
		EntityID:   "light.kitchen",
		State:      "off",
		Attributes: map[string]interface{}{"brightness": nil, "friendly_name": "Kitchen"},
	}, true, DefaultRules())

	assert.Equal(t, "light.kitchen", e.EntityID())
	assert.Equal(t, "light", e.Domain())
	assert.True(t, e.ShouldPoll())

	attrs := e.Attributes()
	assert.Equal(t, "off", attrs["state"])
	assert.Equal(t, "Kitchen", attrs["friendly_name"])

	attrs["state"] = "mutated"
	assert.Equal(t, "off", e.State(), "attributes are a copy")

	t.Run("apply", func(t *testing.T) {
		require.NoError(t, e.Apply(&ha.State{EntityID: "light.kitchen", State: "on"}))
		assert.Equal(t, "on", e.State())

		assert.Error(t, e.Apply(nil))
		assert.Error(t, e.Apply(&ha.State{EntityID: "light.hall", State: "on"}))
		assert.Equal(t, "on", e.State())
	})

	t.Run("refresh", func(t *testing.T) {
		client := ha.NewMockClient()
		client.SetState("light.kitchen", "off", map[string]interface{}{"brightness": 0})

		require.NoError(t, e.Refresh(client))
		assert.Equal(t, "off", e.State())

		client.SetGetStateError(errors.New("timeout waiting for response"))
		assert.ErrorContains(t, e.Refresh(client), "failed to refresh light.kitchen")
	})

	t.Run("target state", func(t *testing.T) {
		post := e.TargetState(rasc.ActionSpec{Response: rasc.Start, Service: "turn_off"})
		assert.True(t, post.Matches(map[string]interface{}{"state": "off"}))
	})
}

func TestEntity_PushHandler(t *testing.T) {
	e := New(&ha.State{EntityID: "switch.fan", State: "off"}, false, DefaultRules())
	ctx := context.Background()

	e.OnPushEvent(ctx) // no handler installed

	calls := 0
	e.SetPushHandler(func(context.Context) { calls++ })
	err := rasc.WithPushEvent(ctx, e, func() error {
		return e.Apply(&ha.State{EntityID: "switch.fan", State: "on"})
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "on", e.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	rules := DefaultRules()
	r.Add(New(&ha.State{EntityID: "light.b", State: "off"}, true, rules))
	r.Add(New(&ha.State{EntityID: "light.a", State: "off"}, true, rules))

	disabled := "user"
	r.SetDevices([]ha.RegistryEntry{
		{EntityID: "light.b", DeviceID: "dev-1"},
		{EntityID: "light.a", DeviceID: "dev-1"},
		{EntityID: "light.c", DeviceID: "dev-1", DisabledBy: &disabled},
		{EntityID: "sensor.x", DeviceID: ""},
	})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"light.a", "light.b"}, r.DeviceEntities("dev-1"))
	assert.Empty(t, r.DeviceEntities("dev-2"))

	e, ok := r.Entity("light.a")
	require.True(t, ok)
	assert.Equal(t, "light.a", e.EntityID())

	e, ok = r.Entity("light.zzz")
	assert.False(t, ok)
	assert.Nil(t, e)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "light.a", all[0].EntityID())
}
