package session

import (
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
)

// Class names the role of a request.
type Class string

const (
	ClassManifest Class = "manifest" // entry manifest, or a refreshed MPD
	ClassVariant  Class = "variant"  // HLS media playlist
	ClassSegment  Class = "segment"
)

// FetchEvent describes one completed or failed request.
type FetchEvent struct {
	SessionID  string
	Class      Class
	URL        string
	StatusCode int // 0 when the exchange did not complete
	Bytes      int64
	Elapsed    time.Duration
	Err        error
}

// Callbacks contains optional callback functions for session events. They
// are called from the session goroutine and must be safe for concurrent
// use when shared between sessions.
type Callbacks struct {
	// OnStateChange is called on every state transition.
	OnStateChange func(sessionID string, oldState, newState State)

	// OnFetch is called after every request.
	OnFetch func(ev FetchEvent)

	// OnThroughput is called when a new estimate replaces the previous one.
	OnThroughput func(sessionID string, bps float64)

	// OnSwitch is called when the active representation changes. from is
	// the zero Representation for the initial selection.
	OnSwitch func(sessionID string, from, to manifest.Representation)

	// OnOverTime is called when a cycle finished after its deadline.
	OnOverTime func(sessionID string, lateness time.Duration)

	// OnTerminated is called once with the final record.
	OnTerminated func(rec Record)
}

// Merge returns Callbacks that invoke each of cbs in order.
func Merge(cbs ...Callbacks) Callbacks {
	return Callbacks{
		OnStateChange: func(id string, o, n State) {
			for _, c := range cbs {
				if c.OnStateChange != nil {
					c.OnStateChange(id, o, n)
				}
			}
		},
		OnFetch: func(ev FetchEvent) {
			for _, c := range cbs {
				if c.OnFetch != nil {
					c.OnFetch(ev)
				}
			}
		},
		OnThroughput: func(id string, bps float64) {
			for _, c := range cbs {
				if c.OnThroughput != nil {
					c.OnThroughput(id, bps)
				}
			}
		},
		OnSwitch: func(id string, from, to manifest.Representation) {
			for _, c := range cbs {
				if c.OnSwitch != nil {
					c.OnSwitch(id, from, to)
				}
			}
		},
		OnOverTime: func(id string, lateness time.Duration) {
			for _, c := range cbs {
				if c.OnOverTime != nil {
					c.OnOverTime(id, lateness)
				}
			}
		},
		OnTerminated: func(rec Record) {
			for _, c := range cbs {
				if c.OnTerminated != nil {
					c.OnTerminated(rec)
				}
			}
		},
	}
}

// Record is the audit entry a session leaves behind.
type Record struct {
	SessionID           string
	URL                 string
	Format              manifest.Format
	Policy              string
	Representation      string // last active representation id
	Bandwidth           uint64 // its declared bandwidth
	AudioRepresentation string // audio rendition id, empty without one
	State               State
	Kind                Kind
	Err                 error
	Cycles              int // segment cycles attempted
	FailedCycles        int // segment cycles that ended with an HTTP error
	Switches            int
	OverTime            int
	Bytes               int64
	Throughput          float64 // last estimate, bits/s
	Started             time.Time
	Duration            time.Duration
}

// LogAttrs returns the record as slog key/value pairs.
func (r Record) LogAttrs() []any {
	attrs := []any{
		"session_id", r.SessionID,
		"url", r.URL,
		"format", r.Format.String(),
		"policy", r.Policy,
		"kind", r.Kind.String(),
		"representation", r.Representation,
		"bandwidth", r.Bandwidth,
		"cycles", r.Cycles,
		"failed_cycles", r.FailedCycles,
		"switches", r.Switches,
		"over_time", r.OverTime,
		"bytes", r.Bytes,
		"duration", r.Duration.String(),
	}
	if r.AudioRepresentation != "" {
		attrs = append(attrs, "audio_representation", r.AudioRepresentation)
	}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err.Error())
	}
	return attrs
}

// LogLevel returns Warn for failures and Info otherwise.
func (r Record) LogLevel() slog.Level {
	if r.Kind.IsFailure() {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
