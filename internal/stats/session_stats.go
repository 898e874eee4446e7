// Package stats provides per-session and aggregated statistics for ABR load
// testing.
//
// This file implements SessionStats which tracks one live session:
//   - Request counts per class (manifest, variant, segment)
//   - Bytes downloaded
//   - HTTP errors and transport failures
//   - Active representation and throughput estimate
//   - Switches and over-time cycles
package stats

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-abr-swarm/internal/fetch"
	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
	"github.com/randomizedcoder/go-abr-swarm/internal/session"
)

// SessionStats holds per-session statistics.
//
// Thread-safe: all mutable fields are atomics.
type SessionStats struct {
	SessionID string
	StartTime time.Time

	// Request counts (atomic, lock-free)
	ManifestRequests atomic.Int64
	VariantRequests  atomic.Int64
	SegmentRequests  atomic.Int64

	bytes atomic.Int64

	// Array indexed by status code: 0-199 = 400-599, 200 = "other"
	httpErrorCounts [201]atomic.Int64
	TransportErrors atomic.Int64

	Switches atomic.Int64
	OverTime atomic.Int64

	throughput     atomic.Uint64 // math.Float64bits(bits/s)
	state          atomic.Int32  // session.State
	representation atomic.Value  // string
	bandwidth      atomic.Uint64
	lastSegment    atomic.Int64 // latency of the last segment, ns
}

// NewSessionStats creates stats for a session.
func NewSessionStats(sessionID string, start time.Time) *SessionStats {
	s := &SessionStats{
		SessionID: sessionID,
		StartTime: start,
	}
	s.representation.Store("")
	return s
}

// --- Request Counting ---

// RecordFetch counts one request event.
func (s *SessionStats) RecordFetch(ev session.FetchEvent) {
	switch ev.Class {
	case session.ClassManifest:
		s.ManifestRequests.Add(1)
	case session.ClassVariant:
		s.VariantRequests.Add(1)
	case session.ClassSegment:
		s.SegmentRequests.Add(1)
		if ev.StatusCode > 0 && ev.StatusCode < http.StatusBadRequest {
			s.lastSegment.Store(int64(ev.Elapsed))
		}
	}
	if ev.Bytes > 0 {
		s.bytes.Add(ev.Bytes)
	}
	switch {
	case ev.StatusCode >= http.StatusBadRequest:
		s.RecordHTTPError(ev.StatusCode)
	case ev.StatusCode == 0 && isTransportFailure(ev.Err):
		s.TransportErrors.Add(1)
	}
}

// isTransportFailure excludes requests aborted by a stop.
func isTransportFailure(err error) bool {
	return fetch.IsTransport(err) && !errors.Is(err, context.Canceled)
}

// RecordHTTPError increments the counter for an HTTP error status.
func (s *SessionStats) RecordHTTPError(code int) {
	if code >= 400 && code < 600 {
		s.httpErrorCounts[code-400].Add(1)
	} else {
		s.httpErrorCounts[200].Add(1)
	}
}

// GetHTTPErrors returns a copy of the HTTP error counts. Code 0 holds
// statuses outside 400-599.
func (s *SessionStats) GetHTTPErrors() map[int]int64 {
	return httpErrorMap(&s.httpErrorCounts)
}

func httpErrorMap(counts *[201]atomic.Int64) map[int]int64 {
	result := make(map[int]int64)
	for code := 400; code < 600; code++ {
		if count := counts[code-400].Load(); count > 0 {
			result[code] = count
		}
	}
	if other := counts[200].Load(); other > 0 {
		result[0] = other
	}
	return result
}

// TotalBytes returns the bytes received by the session.
func (s *SessionStats) TotalBytes() int64 {
	return s.bytes.Load()
}

// --- Playback ---

// SetThroughput stores the latest estimate in bits/s.
func (s *SessionStats) SetThroughput(bps float64) {
	s.throughput.Store(math.Float64bits(bps))
}

// Throughput returns the latest estimate in bits/s.
func (s *SessionStats) Throughput() float64 {
	return math.Float64frombits(s.throughput.Load())
}

// SetRepresentation records the active representation.
func (s *SessionStats) SetRepresentation(rep manifest.Representation) {
	s.representation.Store(rep.ID)
	s.bandwidth.Store(rep.Bandwidth)
}

// Representation returns the active representation id and bandwidth.
func (s *SessionStats) Representation() (string, uint64) {
	id, _ := s.representation.Load().(string)
	return id, s.bandwidth.Load()
}

// SetState records the session state.
func (s *SessionStats) SetState(st session.State) {
	s.state.Store(int32(st))
}

// State returns the last recorded session state.
func (s *SessionStats) State() session.State {
	return session.State(s.state.Load())
}

// LastSegmentLatency returns the duration of the last successful segment
// download.
func (s *SessionStats) LastSegmentLatency() time.Duration {
	return time.Duration(s.lastSegment.Load())
}

// Uptime returns the session age at now.
func (s *SessionStats) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// Summary is a point-in-time view of one session, used by the TUI session
// table and the /sessions endpoint.
type Summary struct {
	SessionID      string        `json:"session_id"`
	State          string        `json:"state"`
	Representation string        `json:"representation"`
	Bandwidth      uint64        `json:"bandwidth"`
	Throughput     float64       `json:"throughput_bps"`
	Manifests      int64         `json:"manifest_requests"`
	Variants       int64         `json:"variant_requests"`
	Segments       int64         `json:"segment_requests"`
	Bytes          int64         `json:"bytes"`
	Errors         int64         `json:"errors"`
	Switches       int64         `json:"switches"`
	OverTime       int64         `json:"over_time"`
	LastSegment    time.Duration `json:"last_segment_ns"`
	Uptime         time.Duration `json:"uptime_ns"`
}

// GetSummary returns a snapshot of the session.
func (s *SessionStats) GetSummary(now time.Time) Summary {
	rep, bw := s.Representation()
	var errs int64
	for _, n := range s.GetHTTPErrors() {
		errs += n
	}
	errs += s.TransportErrors.Load()

	return Summary{
		SessionID:      s.SessionID,
		State:          s.State().String(),
		Representation: rep,
		Bandwidth:      bw,
		Throughput:     s.Throughput(),
		Manifests:      s.ManifestRequests.Load(),
		Variants:       s.VariantRequests.Load(),
		Segments:       s.SegmentRequests.Load(),
		Bytes:          s.TotalBytes(),
		Errors:         errs,
		Switches:       s.Switches.Load(),
		OverTime:       s.OverTime.Load(),
		LastSegment:    s.LastSegmentLatency(),
		Uptime:         s.Uptime(now),
	}
}
