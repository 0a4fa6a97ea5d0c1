// Package rasc tracks in-flight service calls until each targeted entity is
// seen to start and then complete its transition, and learns how long that
// takes so polled entities can be checked at the right moments.
package rasc

import (
	"context"
	"sort"
	"sync"
	"time"

	"rascd/internal/clock"
	"rascd/internal/history"
	"rascd/internal/metrics"
	"rascd/internal/polling"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// EventType is the bus event fired for every detected phase.
	EventType = "rasc_response"

	// DefaultFailedTimeout bounds how long a command may stay in flight.
	DefaultFailedTimeout = 300 * time.Second
)

// Config tunes the tracker.
type Config struct {
	Detector      polling.DetectorConfig
	FailedTimeout time.Duration
}

// DefaultConfig returns the stock detector settings and a 300s timeout.
func DefaultConfig() Config {
	return Config{
		Detector:      polling.DefaultDetectorConfig(),
		FailedTimeout: DefaultFailedTimeout,
	}
}

// Tracker owns the in-flight map, keyed by entity id. It is safe for
// concurrent use.
type Tracker struct {
	platform Platform
	store    *history.Store
	bus      Bus
	clock    clock.Clock
	cfg       Config
	detectors *polling.Cache
	logger    *zap.Logger

	mu     sync.Mutex
	states map[string]*State
}

// NewTracker creates a tracker.
func NewTracker(platform Platform, store *history.Store, bus Bus, clk clock.Clock, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = DefaultFailedTimeout
	}
	logger = logger.Named("rasc")
	return &Tracker{
		platform:  platform,
		store:     store,
		bus:       bus,
		clock:     clk,
		cfg:       cfg,
		detectors: polling.NewCache(cfg.Detector, logger),
		logger:    logger,
		states:    make(map[string]*State),
	}
}

// OnCommand starts tracking every entity targeted by call, replacing any
// state already in flight for those entities. It returns the resolved
// entities and, for polled ones, the wait before their first poll. Calls
// that resolve to no known entity are a no-op.
func (t *Tracker) OnCommand(ctx context.Context, call ServiceCall) ([]Entity, map[string]time.Duration) {
	intervals := make(map[string]time.Duration)

	entities := t.resolve(call)
	if len(entities) == 0 {
		t.logger.Debug("Service call targets no tracked entity",
			zap.String("domain", call.Domain),
			zap.String("service", call.Service))
		return nil, intervals
	}

	for _, e := range entities {
		state := t.newState(ctx, call, e)

		t.mu.Lock()
		if old, ok := t.states[e.EntityID()]; ok {
			old.timer.Stop()
			t.logger.Info("Superseding in-flight command",
				zap.String("entity_id", e.EntityID()),
				zap.String("old_command_id", old.commandID),
				zap.String("command_id", state.commandID))
		}
		state.timer = t.clock.AfterFunc(t.cfg.FailedTimeout, func() { t.expire(state) })
		t.states[e.EntityID()] = state
		if e.ShouldPoll() {
			intervals[e.EntityID()] = state.startDetector.NextInterval()
		}
		metrics.InFlight.Set(float64(len(t.states)))
		t.mu.Unlock()

		metrics.CommandsTracked.WithLabelValues(call.Service).Inc()
		t.logger.Debug("Tracking command",
			zap.String("entity_id", e.EntityID()),
			zap.String("command_id", state.commandID),
			zap.String("service", call.Service),
			zap.Float64("transition", state.transition),
			zap.Bool("polled", e.ShouldPoll()))
	}

	return entities, intervals
}

// resolve collects the entities named by device_id and entity_id, in that
// order and without duplicates. Unknown ids are skipped.
func (t *Tracker) resolve(call ServiceCall) []Entity {
	var ids []string
	for _, deviceID := range call.DeviceIDs() {
		ids = append(ids, t.platform.DeviceEntities(deviceID)...)
	}
	ids = append(ids, call.EntityIDs()...)

	seen := make(map[string]bool, len(ids))
	var entities []Entity
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		e, ok := t.platform.Entity(id)
		if !ok {
			continue
		}
		entities = append(entities, e)
	}
	return entities
}

func (t *Tracker) newState(ctx context.Context, call ServiceCall, e Entity) *State {
	transition := call.Transition()
	key := history.Key(e.EntityID(), call.Service, transition)
	rec := t.store.Get(ctx, key)
	now := t.clock.Now()

	logger := t.logger.With(zap.String("key", key))
	return &State{
		commandID:  uuid.NewString(),
		call:       call,
		entity:     e,
		key:        key,
		transition: transition,
		startTarget: e.TargetState(ActionSpec{
			Response: Start, Service: call.Service, ServiceData: call.ServiceData,
		}),
		completeTarget: e.TargetState(ActionSpec{
			Response: Complete, Service: call.Service, ServiceData: call.ServiceData,
		}),
		next:             Start,
		startDetector:    t.detectors.Detector(planKey(key, Start), rec.StartLatencies, logger.With(zap.String("phase", string(Start)))),
		completeDetector: t.detectors.Detector(planKey(key, Complete), rec.CompleteLatencies, logger.With(zap.String("phase", string(Complete)))),
		issuedAt:         now,
		anchor:           now,
	}
}

// sample is a latency observed by an update, recorded once the lock is released.
type sample struct {
	phase   Response
	seconds float64
}

// OnUpdate re-evaluates the tracked state of e. It returns the wait before
// the next poll and true while a polled entity is still in flight. It
// returns false when e is not tracked, has just completed, or relies on
// pushes.
func (t *Tracker) OnUpdate(ctx context.Context, e Entity) (time.Duration, bool) {
	t.mu.Lock()
	state, ok := t.states[e.EntityID()]
	if !ok {
		t.mu.Unlock()
		return 0, false
	}

	fired, samples, done := t.update(state)
	if done {
		state.timer.Stop()
		delete(t.states, e.EntityID())
		metrics.InFlight.Set(float64(len(t.states)))
	}
	var wait time.Duration
	poll := !done && state.entity.ShouldPoll()
	if poll {
		wait = state.detector().NextInterval()
	}
	call := state.call
	key := state.key
	t.mu.Unlock()

	for _, resp := range fired {
		t.fire(ctx, resp, call, e.EntityID())
	}
	for _, s := range samples {
		metrics.PhaseLatency.WithLabelValues(string(s.phase)).Observe(s.seconds)
		if s.phase == Start {
			t.store.AppendStart(ctx, key, s.seconds)
		} else {
			t.store.AppendComplete(ctx, key, s.seconds)
		}
	}
	if len(samples) > 0 {
		go t.warmDetectors(key)
	}
	return wait, poll
}

func planKey(key string, phase Response) string {
	return key + "/" + string(phase)
}

// warmDetectors solves the schedules for the grown history of key so the
// next command on it does not fit distributions inline.
func (t *Tracker) warmDetectors(key string) {
	rec := t.store.Get(context.Background(), key)
	t.detectors.Warm(planKey(key, Start), rec.StartLatencies)
	t.detectors.Warm(planKey(key, Complete), rec.CompleteLatencies)
}

// update advances state against the entity's live attributes and reports
// the responses to fire, the latencies to record, and whether the command
// is complete. Completion is held back until half the declared transition
// has elapsed since dispatch, so a dimmer passing through its target level
// mid-fade is not taken as done. Must be called with t.mu held.
func (t *Tracker) update(state *State) ([]Response, []sample, bool) {
	now := t.clock.Now()
	attrs := state.entity.Attributes()

	elapsed := now.Sub(state.issuedAt).Seconds()
	if elapsed >= state.transition/2 && state.completeTarget.Matches(attrs) {
		var fired []Response
		if state.next == Start {
			fired = append(fired, Start)
		}
		fired = append(fired, Complete)
		state.next = Complete
		return fired, []sample{{phase: Complete, seconds: now.Sub(state.anchor).Seconds()}}, true
	}

	if state.next == Start && state.startTarget.Matches(attrs) {
		latency := now.Sub(state.anchor).Seconds()
		state.next = Complete
		state.anchor = now
		return []Response{Start}, []sample{{phase: Start, seconds: latency}}, false
	}

	return nil, nil, false
}

func (t *Tracker) fire(ctx context.Context, resp Response, call ServiceCall, entityID string) {
	data := map[string]interface{}{
		"type":      string(resp),
		"service":   call.Service,
		"entity_id": entityID,
	}
	if call.GroupID != "" {
		data["group_id"] = call.GroupID
	}

	t.logger.Info("RASC response",
		zap.String("type", string(resp)),
		zap.String("service", call.Service),
		zap.String("entity_id", entityID),
		zap.String("group_id", call.GroupID))
	metrics.Responses.WithLabelValues(string(resp), call.Service).Inc()

	if err := t.bus.Fire(ctx, EventType, data); err != nil {
		t.logger.Warn("Failed to publish RASC response",
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// expire drops state if it is still the live one for its entity.
func (t *Tracker) expire(state *State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := state.entity.EntityID()
	if t.states[id] != state {
		return
	}
	delete(t.states, id)
	metrics.InFlight.Set(float64(len(t.states)))
	metrics.Timeouts.Inc()
	t.logger.Warn("In-flight command timed out",
		zap.String("entity_id", id),
		zap.String("command_id", state.commandID),
		zap.String("service", state.call.Service),
		zap.String("awaiting", string(state.next)),
		zap.Duration("timeout", t.cfg.FailedTimeout))
}

// Lookup returns a view of the state tracked for entityID.
func (t *Tracker) Lookup(entityID string) (StateInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[entityID]
	if !ok {
		return StateInfo{}, false
	}
	return state.info(t.clock.Now()), true
}

// InFlight lists every tracked state ordered by entity id.
func (t *Tracker) InFlight() []StateInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	out := make([]StateInfo, 0, len(t.states))
	for _, state := range t.states {
		out = append(out, state.info(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Tracking reports whether entityID has a command in flight.
func (t *Tracker) Tracking(entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[entityID]
	return ok
}
