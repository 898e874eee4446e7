package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// fakeClock advances only when told to, or when a timer is requested.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// Table-Driven Tests: Schedule
// =============================================================================

func TestSchedule_FirstDeadline(t *testing.T) {
	clock := newFakeClock(start)
	s := New(clock)

	if !s.Deadline().IsZero() {
		t.Fatalf("Deadline() before Schedule = %v, want zero", s.Deadline())
	}
	if got := s.Schedule(4 * time.Second); !got.Equal(start.Add(4 * time.Second)) {
		t.Errorf("first deadline = %v, want start+4s", got)
	}
	if s.Cycles() != 1 {
		t.Errorf("Cycles() = %d, want 1", s.Cycles())
	}
}

func TestSchedule_NoDrift(t *testing.T) {
	tests := []struct {
		name   string
		d      time.Duration
		cycles int
	}{
		{"whole seconds", 2 * time.Second, 1000},
		{"fractional segment", time.Duration(3.2 * float64(time.Second)), 10000},
		{"29.97 fps gop", 2002 * time.Millisecond, 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(start)
			s := New(clock)
			first := s.Schedule(tt.d)
			for n := 1; n < tt.cycles; n++ {
				if err := s.Wait(context.Background(), s.Plan().Wait); err != nil {
					t.Fatalf("Wait() error = %v", err)
				}
				got := s.Schedule(tt.d)
				want := first.Add(time.Duration(n) * tt.d)
				if !got.Equal(want) {
					t.Fatalf("deadline %d = %v, want %v", n, got, want)
				}
			}
		})
	}
}

func TestSchedule_IgnoresFetchLatency(t *testing.T) {
	clock := newFakeClock(start)
	s := New(clock)
	first := s.Schedule(2 * time.Second)

	// Each fetch takes 700ms. Deadlines stay on segment boundaries.
	for n := 1; n <= 50; n++ {
		clock.Advance(700 * time.Millisecond)
		plan := s.Plan()
		if plan.OverTime {
			t.Fatalf("cycle %d flagged over-time", n)
		}
		if plan.Wait != 1300*time.Millisecond {
			t.Fatalf("cycle %d Wait = %v, want 1.3s", n, plan.Wait)
		}
		_ = s.Wait(context.Background(), plan.Wait)
		if got, want := s.Schedule(2*time.Second), first.Add(time.Duration(n)*2*time.Second); !got.Equal(want) {
			t.Fatalf("deadline %d = %v, want %v", n, got, want)
		}
	}
}

// =============================================================================
// Table-Driven Tests: Plan
// =============================================================================

func TestPlan(t *testing.T) {
	tests := []struct {
		name         string
		segment      time.Duration
		fetch        time.Duration
		wantWait     time.Duration
		wantOverTime bool
		wantLateness time.Duration
	}{
		{"instant fetch", 4 * time.Second, 0, 4 * time.Second, false, 0},
		{"partial fetch", 4 * time.Second, time.Second, 3 * time.Second, false, 0},
		{"exactly on deadline", 4 * time.Second, 4 * time.Second, 0, false, 0},
		{"over time", 4 * time.Second, 5 * time.Second, 0, true, time.Second},
		{"far over time", 2 * time.Second, 30 * time.Second, 0, true, 28 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(start)
			s := New(clock)
			s.Schedule(tt.segment)
			clock.Advance(tt.fetch)

			p := s.Plan()
			if p.Wait != tt.wantWait {
				t.Errorf("Wait = %v, want %v", p.Wait, tt.wantWait)
			}
			if p.Wait < 0 {
				t.Errorf("Wait = %v, must never be negative", p.Wait)
			}
			if p.OverTime != tt.wantOverTime {
				t.Errorf("OverTime = %v, want %v", p.OverTime, tt.wantOverTime)
			}
			if p.Lateness != tt.wantLateness {
				t.Errorf("Lateness = %v, want %v", p.Lateness, tt.wantLateness)
			}
		})
	}
}

func TestPlan_BehindDoesNotSkip(t *testing.T) {
	clock := newFakeClock(start)
	s := New(clock)
	s.Schedule(2 * time.Second)

	// A 10s stall puts the session four segments behind; it catches up one
	// segment at a time with zero waits instead of jumping ahead.
	clock.Advance(10 * time.Second)
	overTime := 0
	for i := 0; i < 10; i++ {
		p := s.Plan()
		if p.OverTime {
			overTime++
		}
		s.Schedule(2 * time.Second)
	}
	if overTime != 4 {
		t.Errorf("over-time cycles = %d, want 4", overTime)
	}
}

// =============================================================================
// Wait
// =============================================================================

func TestWait_Cancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(RealClock{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Wait(ctx, time.Hour) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Wait() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after cancel")
	}
}

func TestWait_AlreadyCancelled(t *testing.T) {
	s := New(newFakeClock(start))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestWait_Zero(t *testing.T) {
	s := New(newFakeClock(start))
	if err := s.Wait(context.Background(), 0); err != nil {
		t.Errorf("Wait(0) error = %v", err)
	}
}
