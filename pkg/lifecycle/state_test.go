package lifecycle

import (
	"testing"
)

// ===========================================================================
// State.String Tests
// ===========================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnknown, "unknown"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ===========================================================================
// State.Valid Tests
// ===========================================================================

func TestState_Valid(t *testing.T) {
	validStates := []State{
		StateUnknown, StateStarting, StateRunning,
		StateStopping, StateStopped, StateFailed,
	}
	for _, s := range validStates {
		if !s.Valid() {
			t.Errorf("State(%q).Valid() = false, want true", s)
		}
	}

	for _, s := range []State{"", "bogus", "RUNNING", "paused"} {
		if s.Valid() {
			t.Errorf("State(%q).Valid() = true, want false", s)
		}
	}
}

// ===========================================================================
// State.IsTerminal Tests
// ===========================================================================

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateUnknown, false},
		{StateStarting, false},
		{StateRunning, false},
		{StateStopping, false},
		{StateStopped, true},
		{StateFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("State(%q).IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

// ===========================================================================
// ValidTransition Tests
// ===========================================================================

func TestValidTransition_AllValid(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateUnknown, StateStarting},
		{StateUnknown, StateFailed},
		{StateStarting, StateRunning},
		{StateStarting, StateStopping},
		{StateStarting, StateFailed},
		{StateRunning, StateStopping},
		{StateRunning, StateFailed},
		{StateStopping, StateStopped},
		{StateStopping, StateFailed},
	}
	for _, tt := range valid {
		if !ValidTransition(tt.from, tt.to) {
			t.Errorf("ValidTransition(%q, %q) = false, want true", tt.from, tt.to)
		}
	}
}

func TestValidTransition_Invalid(t *testing.T) {
	invalid := []struct{ from, to State }{
		// Terminal states are final.
		{StateStopped, StateStarting},
		{StateStopped, StateRunning},
		{StateFailed, StateStarting},
		{StateFailed, StateStopped},
		// Skipping ahead.
		{StateUnknown, StateRunning},
		{StateUnknown, StateStopped},
		{StateRunning, StateStopped},
		// Going backwards.
		{StateRunning, StateStarting},
		{StateStopping, StateRunning},
	}
	for _, tt := range invalid {
		if ValidTransition(tt.from, tt.to) {
			t.Errorf("ValidTransition(%q, %q) = true, want false", tt.from, tt.to)
		}
	}
}

func TestValidTransition_SameState(t *testing.T) {
	for _, s := range []State{StateUnknown, StateStarting, StateRunning, StateStopping, StateStopped, StateFailed} {
		if ValidTransition(s, s) {
			t.Errorf("ValidTransition(%q, %q) = true, want false", s, s)
		}
	}
}

func TestValidTransition_InvalidSourceState(t *testing.T) {
	if ValidTransition("bogus", StateRunning) {
		t.Error("ValidTransition from an undefined state should be false")
	}
}
