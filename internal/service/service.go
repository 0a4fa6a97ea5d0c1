// Package service connects the RASC tracker to Home Assistant: it watches
// call_service events, polls or listens to the targeted entities and
// publishes rasc_response events back to the bus.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rascd/internal/clock"
	"rascd/internal/entity"
	"rascd/internal/ha"
	"rascd/internal/history"
	"rascd/internal/metrics"
	"rascd/internal/rasc"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Update modes.
const (
	ModePush = "push"
	ModePoll = "poll"
)

// Config controls how entities are observed.
type Config struct {
	// Mode is ModePush (entities follow state_changed events unless listed
	// in PollEntities) or ModePoll (every entity is polled).
	Mode         string
	PollEntities []string
	// PollRate caps state requests per second; zero means unlimited.
	PollRate float64
	// ReadOnly suppresses rasc_response publishing.
	ReadOnly bool
	Tracker  rasc.Config
}

type pollTimer struct {
	timer clock.Timer
	gen   uint64
}

// Service is the running RASC integration.
type Service struct {
	client   ha.HAClient
	registry *entity.Registry
	tracker  *rasc.Tracker
	rules    entity.Rules
	clock    clock.Clock
	limiter  *rate.Limiter
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	polls   map[string]pollTimer
	nextGen uint64
	subs    []ha.Subscription
	forced  map[string]bool
	stopped bool
	// active counts running polls and event handlers; Stop waits for it.
	active sync.WaitGroup
}

// New wires a service. Nothing touches Home Assistant until Start.
func New(client ha.HAClient, store *history.Store, rules entity.Rules, clk clock.Clock, cfg Config, logger *zap.Logger) *Service {
	limit := rate.Inf
	if cfg.PollRate > 0 {
		limit = rate.Limit(cfg.PollRate)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePush
	}

	forced := make(map[string]bool, len(cfg.PollEntities))
	for _, id := range cfg.PollEntities {
		forced[id] = true
	}

	s := &Service{
		client:   client,
		registry: entity.NewRegistry(),
		rules:    rules,
		clock:    clk,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
		logger:   logger.Named("service"),
		ctx:      context.Background(),
		polls:    make(map[string]pollTimer),
		forced:   forced,
	}
	s.tracker = rasc.NewTracker(s.registry, store, s, clk, cfg.Tracker, logger)
	return s
}

// Tracker exposes the tracker for introspection.
func (s *Service) Tracker() *rasc.Tracker { return s.tracker }

// Registry exposes the tracked entities.
func (s *Service) Registry() *entity.Registry { return s.registry }

func (s *Service) shouldPoll(entityID string) bool {
	return s.cfg.Mode == ModePoll || s.forced[entityID]
}

// Start loads the entities covered by the rules, maps devices to entities
// and subscribes to service calls and pushed state changes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.stopped = false
	s.mu.Unlock()

	states, err := s.client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to load entities: %w", err)
	}

	pushed := 0
	for _, state := range states {
		if !s.rules.Covers(entity.Domain(state.EntityID)) {
			continue
		}
		e := entity.New(state, s.shouldPoll(state.EntityID), s.rules)
		s.registry.Add(e)
		if e.ShouldPoll() {
			continue
		}

		e.SetPushHandler(func(ctx context.Context) { s.tracker.OnUpdate(ctx, e) })
		sub, err := s.client.SubscribeStateChanges(e.EntityID(), func(entityID string, oldState, newState *ha.State) {
			s.onStateChanged(e, newState)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", e.EntityID(), err)
		}
		s.addSub(sub)
		pushed++
	}

	if entries, err := s.client.ListEntityRegistry(); err != nil {
		s.logger.Warn("Failed to load entity registry, device targets will not resolve", zap.Error(err))
	} else {
		s.registry.SetDevices(entries)
	}

	sub, err := s.client.SubscribeServiceCalls(s.onServiceCall)
	if err != nil {
		return fmt.Errorf("failed to subscribe to service calls: %w", err)
	}
	s.addSub(sub)

	s.logger.Info("RASC service started",
		zap.String("mode", s.cfg.Mode),
		zap.Int("entities", s.registry.Len()),
		zap.Int("push", pushed),
		zap.Bool("read_only", s.cfg.ReadOnly))
	return nil
}

// Run starts the service and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.Stop()
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop unsubscribes, cancels pending polls and waits for running polls and
// handlers to return. Nothing is appended to the history once Stop returns.
// In-flight commands stay tracked until they time out.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	subs := s.subs
	s.subs = nil
	for id, p := range s.polls {
		p.timer.Stop()
		delete(s.polls, id)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	s.active.Wait()
	s.logger.Info("RASC service stopped")
}

// enter registers a running poll or handler. It returns false once the
// service is stopped; otherwise the caller must call s.active.Done.
func (s *Service) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.active.Add(1)
	return true
}

func (s *Service) addSub(sub ha.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Service) onServiceCall(event *ha.CallServiceEvent) {
	if !s.enter() {
		return
	}
	defer s.active.Done()

	call := rasc.ServiceCall{
		Domain:      event.Domain,
		Service:     event.Service,
		ServiceData: event.ServiceData,
	}
	if groupID, ok := event.ServiceData["group_id"].(string); ok {
		call.GroupID = groupID
	}

	entities, intervals := s.tracker.OnCommand(s.runContext(), call)
	if len(entities) == 0 {
		return
	}
	for id, wait := range intervals {
		s.schedulePoll(id, wait)
	}
	for _, e := range entities {
		if _, polled := intervals[e.EntityID()]; !polled {
			// a superseded command may have left a poll behind
			s.cancelPoll(e.EntityID())
		}
	}
}

func (s *Service) onStateChanged(e *entity.Entity, newState *ha.State) {
	if !s.enter() {
		return
	}
	defer s.active.Done()

	err := rasc.WithPushEvent(s.runContext(), e, func() error { return e.Apply(newState) })
	if err != nil {
		s.logger.Debug("Ignoring state change", zap.String("entity_id", e.EntityID()), zap.Error(err))
	}
}

// schedulePoll replaces any pending poll of entityID.
func (s *Service) schedulePoll(entityID string, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if p, ok := s.polls[entityID]; ok {
		p.timer.Stop()
	}
	s.nextGen++
	gen := s.nextGen
	s.polls[entityID] = pollTimer{
		timer: s.clock.AfterFunc(wait, func() { s.poll(entityID, gen) }),
		gen:   gen,
	}
}

func (s *Service) cancelPoll(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.polls[entityID]; ok {
		p.timer.Stop()
		delete(s.polls, entityID)
	}
}

func (s *Service) poll(entityID string, gen uint64) {
	s.mu.Lock()
	p, ok := s.polls[entityID]
	if !ok || p.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.polls, entityID)
	ctx := s.ctx
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()

	e, ok := s.registry.Get(entityID)
	if !ok {
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	metrics.Polls.Inc()
	if err := e.Refresh(s.client); err != nil {
		metrics.PollErrors.Inc()
		s.logger.Warn("Poll failed", zap.String("entity_id", entityID), zap.Error(err))
		if s.tracker.Tracking(entityID) {
			s.schedulePoll(entityID, s.fallbackInterval())
		}
		return
	}

	if wait, more := s.tracker.OnUpdate(ctx, e); more {
		s.schedulePoll(entityID, wait)
	}
}

func (s *Service) fallbackInterval() time.Duration {
	if d := s.cfg.Tracker.Detector.DefaultInterval; d > 0 {
		return d
	}
	return time.Second
}

// PendingPolls returns the number of scheduled polls.
func (s *Service) PendingPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.polls)
}

// Fire publishes a rasc_response on the Home Assistant bus.
func (s *Service) Fire(ctx context.Context, eventType string, data map[string]interface{}) error {
	if s.cfg.ReadOnly {
		s.logger.Debug("Read-only mode, not publishing event",
			zap.String("event_type", eventType),
			zap.Any("data", data))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.FireEvent(eventType, data)
}
