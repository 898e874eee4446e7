package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRampScheduler(t *testing.T) {
	rs := NewRampScheduler(10, 500*time.Millisecond)
	if rs == nil {
		t.Fatal("NewRampScheduler returned nil")
	}
	if rs.Rate() != 10 {
		t.Errorf("Rate() = %d, want 10", rs.Rate())
	}
	if rs.MaxJitter() != 500*time.Millisecond {
		t.Errorf("MaxJitter() = %v, want 500ms", rs.MaxJitter())
	}
	if rs.jitter == nil {
		t.Error("jitter source should not be nil")
	}
}

func TestRampScheduler_Delay(t *testing.T) {
	testCases := []struct {
		name      string
		rate      int
		maxJitter time.Duration
		min, max  time.Duration
	}{
		{"rate 5 no jitter", 5, 0, 200 * time.Millisecond, 200 * time.Millisecond},
		{"rate 10 with jitter", 10, 50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond},
		{"rate 1000", 1000, 0, time.Millisecond, time.Millisecond},
		{"zero rate jitter only", 0, 10 * time.Millisecond, 0, 10 * time.Millisecond},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rs := NewRampSchedulerWithSeed(tc.rate, tc.maxJitter, 12345)
			for slot := range 50 {
				d := rs.Delay(slot)
				if d < tc.min || d > tc.max {
					t.Fatalf("Delay(%d) = %v, want within [%v, %v]", slot, d, tc.min, tc.max)
				}
			}
		})
	}
}

func TestRampScheduler_Delay_Deterministic(t *testing.T) {
	a := NewRampSchedulerWithSeed(10, 100*time.Millisecond, 999)
	b := NewRampSchedulerWithSeed(10, 100*time.Millisecond, 999)

	for slot := range 20 {
		if a.Delay(slot) != b.Delay(slot) {
			t.Errorf("slot %d: same seed gave %v and %v", slot, a.Delay(slot), b.Delay(slot))
		}
		if a.Delay(slot) != a.Delay(slot) {
			t.Errorf("slot %d: delay should be stable per slot", slot)
		}
	}
}

func TestRampScheduler_Schedule_RateLimit(t *testing.T) {
	// Rate of 20 = 50ms per slot
	rs := NewRampSchedulerWithSeed(20, 0, 12345)

	start := time.Now()
	if err := rs.Schedule(context.Background(), 1); err != nil {
		t.Errorf("Schedule returned error: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 45*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("Schedule elapsed = %v, want ~50ms", elapsed)
	}
}

func TestRampScheduler_Schedule_ContextCancelled(t *testing.T) {
	rs := NewRampScheduler(1, 0) // 1 per second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := rs.Schedule(ctx, 1)
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("Should have returned immediately, took %v", elapsed)
	}
}

func TestRampScheduler_Schedule_CancelDuringWait(t *testing.T) {
	rs := NewRampScheduler(1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rs.Schedule(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got: %v", err)
	}
}

func TestRampScheduler_EstimatedRampDuration(t *testing.T) {
	testCases := []struct {
		name      string
		rate      int
		maxJitter time.Duration
		slots     int
		want      time.Duration
	}{
		{"100 at 10/s", 10, 0, 100, 10 * time.Second},
		{"100 at 10/s with jitter", 10, time.Second, 100, 10*time.Second + 500*time.Millisecond},
		{"zero rate", 0, time.Second, 100, 0},
		{"zero slots", 5, 0, 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rs := NewRampSchedulerWithSeed(tc.rate, tc.maxJitter, 1)
			if got := rs.EstimatedRampDuration(tc.slots); got != tc.want {
				t.Errorf("EstimatedRampDuration(%d) = %v, want %v", tc.slots, got, tc.want)
			}
		})
	}
}
