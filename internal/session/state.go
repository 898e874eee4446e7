// Package session runs one simulated viewer: bootstrap from a weighted entry
// URL, pick a representation, then either drain a VOD segment list or follow
// a live edge with throughput-driven switching until stopped.
package session

// State is the scheduler state of a session.
type State int

const (
	// StateIdle is the state between cycles and before the first fetch.
	StateIdle State = iota

	// StateFetchingManifest covers the entry manifest and every refresh.
	StateFetchingManifest

	// StateFetchingSegment covers one media segment download.
	StateFetchingSegment

	// StateWaiting is the paced sleep until the next segment deadline.
	StateWaiting

	// StateTerminated is final. No request is issued after it is entered.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingManifest:
		return "fetching_manifest"
	case StateFetchingSegment:
		return "fetching_segment"
	case StateWaiting:
		return "waiting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsActive returns true while the session is doing network work.
func (s State) IsActive() bool {
	return s == StateFetchingManifest || s == StateFetchingSegment
}

// IsTerminal returns true for StateTerminated.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}
