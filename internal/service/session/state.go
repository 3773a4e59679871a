// Package session drives one live transcription recording: audio capture,
// the recognition session, the transcript and its enrichment.
package session

import (
	"errors"
	"fmt"
	"sync"

	"live-transcription-service/internal/observability/metrics"
)

// State is the lifecycle state of the controller.
type State int

const (
	// StateIdle - no recording in progress.
	StateIdle State = iota
	// StateStarting - audio is open and the backend handshake is pending.
	StateStarting
	// StateActive - audio is flowing to the backend.
	StateActive
	// StatePaused - no audio pipeline, transcript kept for resume.
	StatePaused
	// StateStopping - draining the backend and pending enrichment before
	// the transcript is handed to storage.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateStopping; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrPipelineOpen is returned by start and resume while an audio
	// pipeline is still open.
	ErrPipelineOpen = errors.New("audio pipeline already open")
)

// transitions lists the allowed moves. Failure moves any state to Idle and
// is handled by Fail.
//
//	IDLE ──→ STARTING ──→ ACTIVE ──→ STOPPING ──→ IDLE
//	            ↑  │         │           ↑
//	            │  └──────── │ ──────────┤  (stop queued during start)
//	            │            ↓           │
//	            └─────── PAUSED ─────────┘
var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateActive, StateStopping, StateIdle, StatePaused},
	StateActive:   {StatePaused, StateStopping},
	StatePaused:   {StateStarting, StateStopping},
	StateStopping: {StateIdle},
}

// Lifecycle guards the controller state machine.
// Thread-safe for concurrent access.
type Lifecycle struct {
	mu      sync.RWMutex
	state   State
	metrics *metrics.Metrics
}

// NewLifecycle creates a lifecycle in IDLE state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle, metrics: metrics.DefaultMetrics}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// CanTransition reports whether moving to next is allowed.
func (l *Lifecycle) CanTransition(next State) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return allowed(l.state, next)
}

// Transition moves to next, or returns ErrInvalidTransition.
func (l *Lifecycle) Transition(next State) error {
	l.mu.Lock()
	prev := l.state
	if !allowed(prev, next) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, prev, next)
	}
	l.state = next
	l.mu.Unlock()

	l.metrics.RecordStateTransition(prev.String(), next.String())
	return nil
}

// Fail moves any state to IDLE. Returns the state it left.
func (l *Lifecycle) Fail() State {
	l.mu.Lock()
	prev := l.state
	l.state = StateIdle
	l.mu.Unlock()

	if prev != StateIdle {
		l.metrics.RecordStateTransition(prev.String(), StateIdle.String())
	}
	return prev
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
