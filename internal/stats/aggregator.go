// This file implements Aggregator which folds session events into
// population-wide metrics:
//   - Request counts and rates per class
//   - Bytes downloaded and rolling byte rates
//   - Segment latency and throughput percentiles (T-Digest)
//   - Representation mix and switch counts
//   - Terminations by kind
//   - Error rates
package stats

import (
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
	"github.com/randomizedcoder/go-abr-swarm/internal/session"
	"github.com/randomizedcoder/go-abr-swarm/internal/timeseries"
)

// digestCompression bounds each digest to roughly 100 centroids (~10KB).
const digestCompression = 100

// AggregatedStats holds metrics across all sessions.
//
// This is a snapshot - values are computed at the time of Aggregate() call.
type AggregatedStats struct {
	Timestamp time.Time
	Elapsed   time.Duration

	// Session counts
	ActiveSessions     int
	PeakActiveSessions int
	SessionsStarted    int64
	SessionsTerminated int64
	StateCounts        map[session.State]int
	Terminations       map[session.Kind]int64

	// Request totals
	TotalManifestReqs int64
	TotalVariantReqs  int64
	TotalSegmentReqs  int64
	TotalBytes        int64

	// Rates (per second) - calculated from start time
	ManifestReqRate       float64
	SegmentReqRate        float64
	ThroughputBytesPerSec float64

	// Instantaneous rates (per second) - calculated from last snapshot
	InstantManifestRate   float64
	InstantSegmentRate    float64
	InstantThroughputRate float64

	// Rolling byte rates keyed by window (timeseries.DefaultWindows)
	ByteRates map[time.Duration]float64

	// Errors
	TotalHTTPErrors      map[int]int64
	TotalTransportErrors int64
	ErrorRate            float64 // errors / total requests

	// ABR behaviour
	TotalSwitches int64
	TotalOverTime int64
	// Selections counts every representation choice by declared bandwidth,
	// the initial pick included.
	Selections map[uint64]int64
	// RepresentationMix counts active sessions by current bandwidth.
	RepresentationMix map[uint64]int

	// Segment download latency percentiles
	SegmentLatencyCount int64
	SegmentLatencyP50   time.Duration
	SegmentLatencyP95   time.Duration
	SegmentLatencyP99   time.Duration
	SegmentLatencyMax   time.Duration

	// Throughput estimate percentiles (bits/s) over all measurements
	ThroughputCount int64
	ThroughputP05   float64
	ThroughputP50   float64
	ThroughputP95   float64
	AvgThroughput   float64 // mean of the active sessions' current estimates

	// Session lifetime percentiles over terminated sessions
	LifetimeP50 time.Duration
	LifetimeP95 time.Duration
	LifetimeP99 time.Duration

	// Per-session summaries, sorted by session id (only when requested)
	PerSessionSummaries []Summary
}

// Aggregator aggregates stats from all sessions.
//
// Thread-safe: all methods can be called concurrently.
type Aggregator struct {
	mu        sync.RWMutex
	sessions  map[string]*SessionStats
	startTime time.Time
	clock     timeseries.Clock

	// Cumulative counters survive session removal
	manifestReqs    atomic.Int64
	variantReqs     atomic.Int64
	segmentReqs     atomic.Int64
	httpErrorCounts [201]atomic.Int64
	transportErrors atomic.Int64
	switches        atomic.Int64
	overTime        atomic.Int64
	started         atomic.Int64
	terminated      atomic.Int64
	terminations    []atomic.Int64 // indexed by session.Kind
	peakActive      atomic.Int64

	bytes *timeseries.RateTracker

	selMu      sync.Mutex
	selections map[uint64]int64

	// Percentile digests share one lock
	digestMu        sync.Mutex
	segLatency      *tdigest.TDigest
	segLatencyCount int64
	segLatencyMax   time.Duration
	estimates       *tdigest.TDigest
	estimateCount   int64
	lifetimes       *tdigest.TDigest
	lifetimeCount   int64

	// For rate calculations (using atomic.Value for lock-free access)
	prevSnapshot atomic.Value // *rateSnapshot
}

// rateSnapshot holds values for calculating instantaneous rates
type rateSnapshot struct {
	timestamp    time.Time
	manifestReqs int64
	segmentReqs  int64
	bytes        int64
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NewAggregator creates a new aggregator on the real clock.
func NewAggregator() *Aggregator {
	return NewAggregatorWithClock(realClock{})
}

// NewAggregatorWithClock creates an aggregator driven by clock.
func NewAggregatorWithClock(clock timeseries.Clock) *Aggregator {
	now := clock.Now()
	a := &Aggregator{
		sessions:     make(map[string]*SessionStats),
		startTime:    now,
		clock:        clock,
		terminations: make([]atomic.Int64, len(session.Kinds)),
		bytes:        timeseries.NewRateTrackerWithClock(clock),
		selections:   make(map[uint64]int64),
		segLatency:   tdigest.NewWithCompression(digestCompression),
		estimates:    tdigest.NewWithCompression(digestCompression),
		lifetimes:    tdigest.NewWithCompression(digestCompression),
	}
	a.prevSnapshot.Store(&rateSnapshot{timestamp: now})
	return a
}

// Callbacks returns session callbacks that feed the aggregator.
func (a *Aggregator) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnStateChange: func(id string, _, newState session.State) {
			if newState.IsTerminal() {
				return
			}
			a.session(id).SetState(newState)
		},
		OnFetch:      a.RecordFetch,
		OnThroughput: a.RecordThroughput,
		OnSwitch:     a.RecordSwitch,
		OnOverTime: func(id string, _ time.Duration) {
			a.overTime.Add(1)
			if s := a.GetSession(id); s != nil {
				s.OverTime.Add(1)
			}
		},
		OnTerminated: a.RecordTermination,
	}
}

// session returns the stats for id, registering the session on first use.
func (a *Aggregator) session(id string) *SessionStats {
	a.mu.RLock()
	s, ok := a.sessions[id]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.sessions[id]; ok {
		return s
	}
	s = NewSessionStats(id, a.clock.Now())
	a.sessions[id] = s
	a.started.Add(1)

	active := int64(len(a.sessions))
	for {
		peak := a.peakActive.Load()
		if active <= peak || a.peakActive.CompareAndSwap(peak, active) {
			break
		}
	}
	return s
}

// RecordFetch counts one request.
func (a *Aggregator) RecordFetch(ev session.FetchEvent) {
	a.session(ev.SessionID).RecordFetch(ev)

	switch ev.Class {
	case session.ClassManifest:
		a.manifestReqs.Add(1)
	case session.ClassVariant:
		a.variantReqs.Add(1)
	case session.ClassSegment:
		a.segmentReqs.Add(1)
	}
	a.bytes.Add(ev.Bytes)

	switch {
	case ev.StatusCode >= http.StatusBadRequest && ev.StatusCode < 600:
		a.httpErrorCounts[ev.StatusCode-400].Add(1)
	case ev.StatusCode >= 600:
		a.httpErrorCounts[200].Add(1)
	case ev.StatusCode == 0 && isTransportFailure(ev.Err):
		a.transportErrors.Add(1)
	}

	if ev.Class == session.ClassSegment && ev.StatusCode > 0 && ev.StatusCode < http.StatusBadRequest {
		a.digestMu.Lock()
		a.segLatency.Add(float64(ev.Elapsed.Nanoseconds()), 1)
		a.segLatencyCount++
		if ev.Elapsed > a.segLatencyMax {
			a.segLatencyMax = ev.Elapsed
		}
		a.digestMu.Unlock()
	}
}

// RecordThroughput stores a session's new estimate.
func (a *Aggregator) RecordThroughput(id string, bps float64) {
	a.session(id).SetThroughput(bps)

	a.digestMu.Lock()
	a.estimates.Add(bps, 1)
	a.estimateCount++
	a.digestMu.Unlock()
}

// RecordSwitch records a representation choice. A zero from marks the
// initial selection, which is counted as a selection but not a switch.
func (a *Aggregator) RecordSwitch(id string, from, to manifest.Representation) {
	s := a.session(id)
	s.SetRepresentation(to)

	if from.ID != "" || from.URL != "" {
		a.switches.Add(1)
		s.Switches.Add(1)
	}

	a.selMu.Lock()
	a.selections[to.Bandwidth]++
	a.selMu.Unlock()
}

// RecordTermination removes the session and counts its outcome.
func (a *Aggregator) RecordTermination(rec session.Record) {
	a.mu.Lock()
	if _, ok := a.sessions[rec.SessionID]; ok {
		delete(a.sessions, rec.SessionID)
	} else {
		// stopped before its first transition
		a.started.Add(1)
	}
	a.mu.Unlock()

	a.terminated.Add(1)
	if k := int(rec.Kind); k >= 0 && k < len(a.terminations) {
		a.terminations[k].Add(1)
	}

	a.digestMu.Lock()
	a.lifetimes.Add(float64(rec.Duration.Nanoseconds()), 1)
	a.lifetimeCount++
	a.digestMu.Unlock()
}

// GetSession returns the stats for a live session, or nil.
func (a *Aggregator) GetSession(id string) *SessionStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessions[id]
}

// SessionCount returns the number of live sessions.
func (a *Aggregator) SessionCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// Sample records the byte counter for the rolling rate windows. Call it
// about once a second.
func (a *Aggregator) Sample() {
	a.bytes.Sample()
}

// Aggregate computes aggregated statistics across all sessions. With
// perSession the snapshot includes one Summary per live session.
//
// The returned struct is safe to use after the call returns.
func (a *Aggregator) Aggregate(perSession bool) *AggregatedStats {
	now := a.clock.Now()
	elapsed := now.Sub(a.startTime)

	result := &AggregatedStats{
		Timestamp:          now,
		Elapsed:            elapsed,
		PeakActiveSessions: int(a.peakActive.Load()),
		SessionsStarted:    a.started.Load(),
		SessionsTerminated: a.terminated.Load(),
		StateCounts:        make(map[session.State]int),
		Terminations:       make(map[session.Kind]int64),
		TotalManifestReqs:  a.manifestReqs.Load(),
		TotalVariantReqs:   a.variantReqs.Load(),
		TotalSegmentReqs:   a.segmentReqs.Load(),
		TotalHTTPErrors:    httpErrorMap(&a.httpErrorCounts),
		TotalSwitches:      a.switches.Load(),
		TotalOverTime:      a.overTime.Load(),
		RepresentationMix:  make(map[uint64]int),
	}
	result.TotalTransportErrors = a.transportErrors.Load()

	for i := range a.terminations {
		if n := a.terminations[i].Load(); n > 0 {
			result.Terminations[session.Kind(i)] = n
		}
	}

	a.selMu.Lock()
	result.Selections = maps.Clone(a.selections)
	a.selMu.Unlock()

	// Live sessions
	var totalEstimate float64
	var estimateCount int
	a.mu.RLock()
	result.ActiveSessions = len(a.sessions)
	for _, s := range a.sessions {
		result.StateCounts[s.State()]++
		if _, bw := s.Representation(); bw > 0 {
			result.RepresentationMix[bw]++
		}
		if bps := s.Throughput(); bps > 0 {
			totalEstimate += bps
			estimateCount++
		}
		if perSession {
			result.PerSessionSummaries = append(result.PerSessionSummaries, s.GetSummary(now))
		}
	}
	a.mu.RUnlock()

	if estimateCount > 0 {
		result.AvgThroughput = totalEstimate / float64(estimateCount)
	}
	slices.SortFunc(result.PerSessionSummaries, func(x, y Summary) int {
		switch {
		case x.SessionID < y.SessionID:
			return -1
		case x.SessionID > y.SessionID:
			return 1
		}
		return 0
	})

	// Bytes and rolling windows
	rates := a.bytes.Rates()
	result.TotalBytes = rates.Total
	result.ByteRates = rates.Window

	// Calculate rates from start time
	if secs := elapsed.Seconds(); secs > 0 {
		result.ManifestReqRate = float64(result.TotalManifestReqs+result.TotalVariantReqs) / secs
		result.SegmentReqRate = float64(result.TotalSegmentReqs) / secs
		result.ThroughputBytesPerSec = float64(result.TotalBytes) / secs
	}

	// Calculate instantaneous rates from previous snapshot
	if prev, _ := a.prevSnapshot.Load().(*rateSnapshot); prev != nil {
		if snapElapsed := now.Sub(prev.timestamp).Seconds(); snapElapsed > 0 {
			result.InstantManifestRate = float64(result.TotalManifestReqs+result.TotalVariantReqs-prev.manifestReqs) / snapElapsed
			result.InstantSegmentRate = float64(result.TotalSegmentReqs-prev.segmentReqs) / snapElapsed
			result.InstantThroughputRate = float64(result.TotalBytes-prev.bytes) / snapElapsed
		}
	}

	a.digestMu.Lock()
	result.SegmentLatencyCount = a.segLatencyCount
	result.SegmentLatencyMax = a.segLatencyMax
	if a.segLatencyCount > 0 {
		result.SegmentLatencyP50 = time.Duration(a.segLatency.Quantile(0.50))
		result.SegmentLatencyP95 = time.Duration(a.segLatency.Quantile(0.95))
		result.SegmentLatencyP99 = time.Duration(a.segLatency.Quantile(0.99))
	}
	result.ThroughputCount = a.estimateCount
	if a.estimateCount > 0 {
		result.ThroughputP05 = a.estimates.Quantile(0.05)
		result.ThroughputP50 = a.estimates.Quantile(0.50)
		result.ThroughputP95 = a.estimates.Quantile(0.95)
	}
	if a.lifetimeCount > 0 {
		result.LifetimeP50 = time.Duration(a.lifetimes.Quantile(0.50))
		result.LifetimeP95 = time.Duration(a.lifetimes.Quantile(0.95))
		result.LifetimeP99 = time.Duration(a.lifetimes.Quantile(0.99))
	}
	a.digestMu.Unlock()

	// Error rate
	totalReqs := result.TotalManifestReqs + result.TotalVariantReqs + result.TotalSegmentReqs
	totalErrors := result.TotalTransportErrors
	for _, n := range result.TotalHTTPErrors {
		totalErrors += n
	}
	if totalReqs > 0 {
		result.ErrorRate = float64(totalErrors) / float64(totalReqs)
	}

	// Update previous snapshot for next rate calculation (lock-free)
	a.prevSnapshot.Store(&rateSnapshot{
		timestamp:    now,
		manifestReqs: result.TotalManifestReqs + result.TotalVariantReqs,
		segmentReqs:  result.TotalSegmentReqs,
		bytes:        result.TotalBytes,
	})

	return result
}

// TerminationCount returns the number of sessions that ended with kind.
func (a *Aggregator) TerminationCount(kind session.Kind) int64 {
	if k := int(kind); k >= 0 && k < len(a.terminations) {
		return a.terminations[k].Load()
	}
	return 0
}

// SelectionBandwidths returns the selected bandwidths in ascending order.
func (s *AggregatedStats) SelectionBandwidths() []uint64 {
	return slices.Sorted(maps.Keys(s.Selections))
}

// FailureRate returns the share of terminated sessions that failed.
func (s *AggregatedStats) FailureRate() float64 {
	if s.SessionsTerminated == 0 {
		return 0
	}
	var failed int64
	for kind, n := range s.Terminations {
		if kind.IsFailure() {
			failed += n
		}
	}
	return float64(failed) / float64(s.SessionsTerminated)
}

// StartTime returns when the aggregator was created.
func (a *Aggregator) StartTime() time.Time {
	return a.startTime
}

// Elapsed returns the duration since the aggregator was created.
func (a *Aggregator) Elapsed() time.Duration {
	return a.clock.Now().Sub(a.startTime)
}

// ForEachSession calls fn for each live session while holding the read lock.
func (a *Aggregator) ForEachSession(fn func(id string, stats *SessionStats)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, s := range a.sessions {
		fn(id, s)
	}
}
