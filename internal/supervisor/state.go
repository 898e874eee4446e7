// Package supervisor keeps one session slot occupied: it runs a session,
// and when respawn is enabled starts a fresh one after a backoff delay.
package supervisor

// State represents the current state of a session slot.
type State int

const (
	// StateCreated is the initial state before the first session starts.
	StateCreated State = iota

	// StateRunning indicates a session is in progress.
	StateRunning

	// StateBackoff indicates the slot is waiting before the next session.
	StateBackoff

	// StateStopped indicates the slot will not start another session.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true if the slot is running a session or about to
// start the next one.
func (s State) IsActive() bool {
	return s == StateRunning || s == StateBackoff
}

// IsTerminal returns true if the state is a terminal state (stopped).
func (s State) IsTerminal() bool {
	return s == StateStopped
}
