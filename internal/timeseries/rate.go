// Package timeseries keeps rolling rates over a cumulative counter.
//
// The swarm feeds it segment bytes and request counts; the TUI and the
// Prometheus collector read windowed averages from it once a second.
package timeseries

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindows are the averaging windows shown on the dashboard.
var DefaultWindows = []time.Duration{time.Second, 30 * time.Second, 60 * time.Second, 300 * time.Second}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type point struct {
	at    time.Time
	total int64
}

// RateTracker counts a monotonically increasing quantity and reports its
// per-second rate over several trailing windows. Add is lock-free; Sample
// and Rates take a mutex around the history ring.
type RateTracker struct {
	total atomic.Int64

	mu      sync.RWMutex
	history []point // ring, capacity set by the longest window
	next    int
	full    bool
	started time.Time
	windows []time.Duration
	clock   Clock
}

// Rates is a snapshot of a tracker.
type Rates struct {
	Total   int64
	Overall float64                   // per second since the tracker started
	Window  map[time.Duration]float64 // per second over each trailing window
}

// At returns the rate over window w, or 0 when w is not tracked.
func (r Rates) At(w time.Duration) float64 {
	return r.Window[w]
}

// NewRateTracker returns a tracker on the real clock. With no windows
// DefaultWindows are used.
func NewRateTracker(windows ...time.Duration) *RateTracker {
	return NewRateTrackerWithClock(realClock{}, windows...)
}

// NewRateTrackerWithClock returns a tracker driven by clock.
func NewRateTrackerWithClock(clock Clock, windows ...time.Duration) *RateTracker {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	windows = append([]time.Duration(nil), windows...)
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })

	// one sample per second covering the longest window, plus the origin
	capacity := int(windows[len(windows)-1]/time.Second) + 1
	if capacity < 2 {
		capacity = 2
	}

	now := clock.Now()
	t := &RateTracker{
		history: make([]point, capacity),
		started: now,
		windows: windows,
		clock:   clock,
	}
	t.history[0] = point{at: now}
	t.next = 1
	return t
}

// Add adds n to the counter. Negative values are ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// Total returns the counter.
func (t *RateTracker) Total() int64 {
	return t.total.Load()
}

// Sample records the counter at the current time. Call it about once a
// second.
func (t *RateTracker) Sample() {
	p := point{at: t.clock.Now(), total: t.total.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.history[t.next] = p
	t.next++
	if t.next == len(t.history) {
		t.next = 0
		t.full = true
	}
}

// Rates computes the current rates.
func (t *RateTracker) Rates() Rates {
	now := t.clock.Now()
	total := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Rates{Total: total, Window: make(map[time.Duration]float64, len(t.windows))}
	if elapsed := now.Sub(t.started).Seconds(); elapsed > 0 {
		r.Overall = float64(total) / elapsed
	}
	for _, w := range t.windows {
		r.Window[w] = t.rateOver(now, total, w)
	}
	return r
}

// rateOver uses the newest sample at or before now-w, or the oldest
// sample when the history is shorter than w.
func (t *RateTracker) rateOver(now time.Time, total int64, w time.Duration) float64 {
	cutoff := now.Add(-w)
	var base *point
	for i := range t.samples() {
		p := &t.history[i]
		if p.at.After(cutoff) {
			continue
		}
		if base == nil || p.at.After(base.at) {
			base = p
		}
	}
	if base == nil {
		base = &t.history[t.oldest()]
	}
	elapsed := now.Sub(base.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-base.total) / elapsed
}

// samples returns the number of valid entries, which occupy the first
// samples() slots until the ring wraps.
func (t *RateTracker) samples() int {
	if t.full {
		return len(t.history)
	}
	return t.next
}

func (t *RateTracker) oldest() int {
	if t.full {
		return t.next
	}
	return 0
}

// Len returns the number of retained samples, including the origin.
func (t *RateTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.samples()
}
