package rasc

import (
	"time"

	"rascd/internal/clock"
	"rascd/internal/polling"
)

// State tracks one in-flight command for one entity. It only moves from
// Start to Complete and is dropped from the tracker once complete or timed
// out. All fields are guarded by the owning Tracker.
type State struct {
	commandID      string
	call           ServiceCall
	entity         Entity
	key            string
	transition     float64
	startTarget    Postcondition
	completeTarget Postcondition

	next             Response
	startDetector    *polling.Detector
	completeDetector *polling.Detector

	issuedAt time.Time
	// anchor is the time the current phase began: dispatch, then start.
	anchor time.Time
	timer  clock.Timer
}

func (s *State) detector() *polling.Detector {
	if s.next == Start {
		return s.startDetector
	}
	return s.completeDetector
}

// StateInfo is a read-only view of a State.
type StateInfo struct {
	EntityID       string    `json:"entity_id"`
	CommandID      string    `json:"command_id"`
	Domain         string    `json:"domain"`
	Service        string    `json:"service"`
	GroupID        string    `json:"group_id,omitempty"`
	Key            string    `json:"key"`
	Transition     float64   `json:"transition"`
	NextResponse   Response  `json:"next_response"`
	Polled         bool      `json:"polled"`
	StaticSchedule bool      `json:"static_schedule"`
	StartTarget    string    `json:"start_target"`
	CompleteTarget string    `json:"complete_target"`
	IssuedAt       time.Time `json:"issued_at"`
	Age            string    `json:"age"`
}

func (s *State) info(now time.Time) StateInfo {
	return StateInfo{
		EntityID:       s.entity.EntityID(),
		CommandID:      s.commandID,
		Domain:         s.call.Domain,
		Service:        s.call.Service,
		GroupID:        s.call.GroupID,
		Key:            s.key,
		Transition:     s.transition,
		NextResponse:   s.next,
		Polled:         s.entity.ShouldPoll(),
		StaticSchedule: s.detector().IsStatic(),
		StartTarget:    s.startTarget.String(),
		CompleteTarget: s.completeTarget.String(),
		IssuedAt:       s.issuedAt,
		Age:            now.Sub(s.issuedAt).Round(time.Millisecond).String(),
	}
}
