// Package orchestrator drives a swarm of playback sessions: ramp-up, one
// supervisor per slot, the stats and metrics loops and the exit summary.
package orchestrator

import (
	"context"
	"time"

	"github.com/randomizedcoder/go-abr-swarm/internal/supervisor"
)

// RampScheduler controls the rate at which session slots are started.
// It ensures sessions don't all start at once (thundering herd)
// and adds per-slot jitter to prevent synchronization.
type RampScheduler struct {
	rate      int                      // slots per second
	maxJitter time.Duration            // maximum jitter per slot
	jitter    *supervisor.JitterSource // deterministic jitter source
}

// NewRampScheduler creates a new scheduler with the given rate and jitter.
func NewRampScheduler(rate int, maxJitter time.Duration) *RampScheduler {
	return &RampScheduler{
		rate:      rate,
		maxJitter: maxJitter,
		jitter:    supervisor.NewJitterSourceFromTime(),
	}
}

// NewRampSchedulerWithSeed creates a scheduler with a specific seed for reproducibility.
func NewRampSchedulerWithSeed(rate int, maxJitter time.Duration, seed int64) *RampScheduler {
	return &RampScheduler{
		rate:      rate,
		maxJitter: maxJitter,
		jitter:    supervisor.NewJitterSource(seed),
	}
}

// Delay returns how long to wait before starting slot.
// rate=5 means one slot per 200ms, plus the slot's jitter.
func (r *RampScheduler) Delay(slot int) time.Duration {
	var baseDelay time.Duration
	if r.rate > 0 {
		baseDelay = time.Second / time.Duration(r.rate)
	}
	return baseDelay + r.jitter.SlotJitter(slot, r.maxJitter)
}

// Schedule waits the appropriate amount of time before starting slot.
// Returns nil on success, or the context error if cancelled.
func (r *RampScheduler) Schedule(ctx context.Context, slot int) error {
	totalDelay := r.Delay(slot)
	if totalDelay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(totalDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EstimatedRampDuration returns the estimated time to start all slots.
func (r *RampScheduler) EstimatedRampDuration(totalSlots int) time.Duration {
	if r.rate <= 0 {
		return 0
	}
	// Time = slots / rate + avg jitter
	baseTime := time.Duration(totalSlots) * time.Second / time.Duration(r.rate)
	avgJitter := r.maxJitter / 2
	return baseTime + avgJitter
}

// Rate returns the configured rate (slots per second).
func (r *RampScheduler) Rate() int {
	return r.rate
}

// MaxJitter returns the configured maximum jitter.
func (r *RampScheduler) MaxJitter() time.Duration {
	return r.maxJitter
}
