package session

import (
	"errors"
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "IDLE"},
		{StateStarting, "STARTING"},
		{StateActive, "ACTIVE"},
		{StatePaused, "PAUSED"},
		{StateStopping, "STOPPING"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("PAUSED")); err != nil || s != StatePaused {
		t.Errorf("UnmarshalText(PAUSED) = %s, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("RUNNING")); err == nil {
		t.Error("expected error for unknown state name")
	}
}

func TestLifecycle_InitialState(t *testing.T) {
	lc := NewLifecycle()
	if lc.State() != StateIdle {
		t.Errorf("expected IDLE, got %s", lc.State())
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []State
		next  State
		valid bool
	}{
		{"start", nil, StateStarting, true},
		{"handshake resolved", []State{StateStarting}, StateActive, true},
		{"pause", []State{StateStarting, StateActive}, StatePaused, true},
		{"resume", []State{StateStarting, StateActive, StatePaused}, StateStarting, true},
		{"stop active", []State{StateStarting, StateActive}, StateStopping, true},
		{"stop paused", []State{StateStarting, StateActive, StatePaused}, StateStopping, true},
		{"stop queued during start", []State{StateStarting}, StateStopping, true},
		{"stopped", []State{StateStarting, StateActive, StateStopping}, StateIdle, true},
		{"idle to active", nil, StateActive, false},
		{"idle to stopping", nil, StateStopping, false},
		{"pause while starting", nil, StatePaused, false},
		{"start while active", []State{StateStarting, StateActive}, StateStarting, false},
		{"resume while stopping", []State{StateStarting, StateActive, StateStopping}, StateStarting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := NewLifecycle()
			for _, s := range tt.path {
				if err := lc.Transition(s); err != nil {
					t.Fatalf("setup transition to %s: %v", s, err)
				}
			}

			if got := lc.CanTransition(tt.next); got != tt.valid {
				t.Errorf("CanTransition(%s) = %v, want %v", tt.next, got, tt.valid)
			}

			prev := lc.State()
			err := lc.Transition(tt.next)
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
				if lc.State() != prev {
					t.Errorf("state changed on rejected transition: %s → %s", prev, lc.State())
				}
			}
		})
	}
}

func TestLifecycle_FailFromAnyState(t *testing.T) {
	for _, path := range [][]State{
		nil,
		{StateStarting},
		{StateStarting, StateActive},
		{StateStarting, StateActive, StatePaused},
		{StateStarting, StateActive, StateStopping},
	} {
		lc := NewLifecycle()
		for _, s := range path {
			_ = lc.Transition(s)
		}
		want := lc.State()

		if got := lc.Fail(); got != want {
			t.Errorf("Fail() returned %s, want %s", got, want)
		}
		if lc.State() != StateIdle {
			t.Errorf("expected IDLE after Fail from %s, got %s", want, lc.State())
		}
	}
}

func TestLifecycle_ConcurrentAccess(t *testing.T) {
	lc := NewLifecycle()
	done := make(chan struct{})

	for range 10 {
		go func() {
			for range 100 {
				_ = lc.State()
				_ = lc.CanTransition(StateStarting)
			}
			done <- struct{}{}
		}()
	}
	for range 100 {
		_ = lc.Transition(StateStarting)
		lc.Fail()
	}
	for range 10 {
		<-done
	}
}
