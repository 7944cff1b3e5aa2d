// Package lifecycle runs the long-lived parts of a Cell STS process (gRPC
// listeners, HTTP servers, background writers) through one state machine:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Any non-terminal state may move to Failed. Components start in
// registration order and stop in reverse order. The current state backs
// the /healthz endpoint.
package lifecycle

// State is the lifecycle state of a [Process]. The zero value ("") is not
// a valid state; processes begin in [StateUnknown].
type State string

const (
	// StateUnknown is the state of a process that has not been started.
	StateUnknown State = "unknown"

	// StateStarting is set while components are being started.
	StateStarting State = "starting"

	// StateRunning means every component started. It is the only healthy
	// state.
	StateRunning State = "running"

	// StateStopping is set while components are being stopped, giving
	// servers time to drain in-flight calls.
	StateStopping State = "stopping"

	// StateStopped is the terminal state after a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed is the terminal state after a component failed to start
	// or stop.
	StateFailed State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Stopping, Failed
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//
// A process is not restarted in place; the orchestrator restarts the
// container instead, so both terminal states are final.
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
}

// ValidTransition reports whether from → to is allowed. Same-state
// transitions are always rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
