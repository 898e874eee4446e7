// Package scheduler paces segment fetches against absolute deadlines.
//
// The first deadline is set one segment duration after the first cycle
// starts. Every later deadline is the previous deadline plus the duration of
// the segment just scheduled, so fetch latency and timer jitter never
// accumulate. A session that falls behind waits zero and is flagged
// over-time; it never skips segments to catch up.
package scheduler

import (
	"context"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Plan is the outcome of one cycle.
type Plan struct {
	Deadline time.Time
	Wait     time.Duration // never negative
	OverTime bool          // the deadline passed before the cycle finished
	Lateness time.Duration // how far past the deadline, when OverTime
}

// Scheduler tracks the next fetch deadline of one session. It is owned by a
// single goroutine and is not safe for concurrent use.
type Scheduler struct {
	clock    Clock
	deadline time.Time
	cycles   int
}

// New returns a Scheduler with no deadline set.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{clock: clock}
}

// Schedule accounts for one segment of duration d and returns the new
// deadline. Call it when the cycle starts, before fetching the segment.
func (s *Scheduler) Schedule(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	if s.deadline.IsZero() {
		s.deadline = s.clock.Now().Add(d)
	} else {
		s.deadline = s.deadline.Add(d)
	}
	s.cycles++
	return s.deadline
}

// Deadline returns the current deadline, zero before the first Schedule.
func (s *Scheduler) Deadline() time.Time {
	return s.deadline
}

// Cycles returns how many segments have been scheduled.
func (s *Scheduler) Cycles() int {
	return s.cycles
}

// Plan computes how long to wait before the next cycle.
func (s *Scheduler) Plan() Plan {
	now := s.clock.Now()
	p := Plan{Deadline: s.deadline}
	if s.deadline.IsZero() {
		return p
	}
	remaining := s.deadline.Sub(now)
	if remaining < 0 {
		p.OverTime = true
		p.Lateness = -remaining
		return p
	}
	p.Wait = remaining
	return p
}

// Wait blocks for d or until ctx is done, whichever comes first.
func (s *Scheduler) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}
