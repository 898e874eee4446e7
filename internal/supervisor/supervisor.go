package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-abr-swarm/internal/session"
)

// ErrMaxRestarts is returned by Run when the slot used up its respawns.
var ErrMaxRestarts = errors.New("max restarts reached")

// Runner is one playback session. *session.Session implements it.
type Runner interface {
	ID() string
	Run(ctx context.Context) session.Record
}

// Factory builds the session for a slot. generation counts sessions started
// in the slot, from 1.
type Factory func(slot, generation int) Runner

// Callbacks contains optional callback functions for supervisor events.
type Callbacks struct {
	// OnStateChange is called when the slot state changes.
	OnStateChange func(slot int, oldState, newState State)

	// OnStart is called when a session starts in the slot.
	OnStart func(slot int, sessionID string)

	// OnExit is called with the record of every finished session.
	OnExit func(slot int, rec session.Record, uptime time.Duration)

	// OnRestart is called before a respawn delay.
	OnRestart func(slot int, attempt int, delay time.Duration)
}

// Supervisor runs the sessions of a single slot.
type Supervisor struct {
	slot       int
	newSession Factory
	backoff    *Backoff
	logger     *slog.Logger
	callbacks  Callbacks

	// State management
	state     State
	stateMu   sync.RWMutex
	startTime time.Time
	sessionID string

	// Configuration
	respawn     bool
	maxRestarts int // 0 = unlimited
	restarts    atomic.Int64
	generation  int
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Slot       int
	NewSession Factory
	Backoff    *Backoff
	Logger     *slog.Logger
	Callbacks  Callbacks

	// Respawn starts a new session after each one terminates. Without it
	// the slot stops after its first session.
	Respawn     bool
	MaxRestarts int // 0 = unlimited
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := cfg.Backoff
	if b == nil {
		b = NewBackoff(cfg.Slot, 0, DefaultBackoffConfig())
	}
	return &Supervisor{
		slot:        cfg.Slot,
		newSession:  cfg.NewSession,
		backoff:     b,
		logger:      logger,
		callbacks:   cfg.Callbacks,
		state:       StateCreated,
		respawn:     cfg.Respawn,
		maxRestarts: cfg.MaxRestarts,
	}
}

// Run starts the supervision loop. It returns when the slot stops:
//   - the context is cancelled (ctx.Err())
//   - respawn is off and the first session ended (nil)
//   - MaxRestarts is reached (ErrMaxRestarts)
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Debug("supervisor_starting", "slot", s.slot)

	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			s.logger.Debug("supervisor_stopped", "slot", s.slot, "reason", "context_cancelled")
			return ctx.Err()
		default:
		}

		rec, uptime := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return ctx.Err()
		}

		if !s.respawn {
			s.setState(StateStopped)
			s.logger.Debug("supervisor_stopped", "slot", s.slot, "reason", "respawn_disabled")
			return nil
		}

		restarts := int(s.restarts.Load())
		if s.maxRestarts > 0 && restarts >= s.maxRestarts {
			s.setState(StateStopped)
			s.logger.Warn("max_restarts_reached",
				"slot", s.slot,
				"restarts", restarts,
				"max", s.maxRestarts,
			)
			return ErrMaxRestarts
		}

		if ShouldReset(uptime, rec.Kind) {
			s.backoff.Reset()
		}

		delay := s.backoff.Next()
		attempt := int(s.restarts.Add(1))

		if s.callbacks.OnRestart != nil {
			s.callbacks.OnRestart(s.slot, attempt, delay)
		}

		s.logger.Info("session_respawn_scheduled",
			"slot", s.slot,
			"attempt", attempt,
			"previous_kind", rec.Kind.String(),
			"delay", delay.String(),
		)

		s.setState(StateBackoff)
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce runs one session to termination.
func (s *Supervisor) runOnce(ctx context.Context) (session.Record, time.Duration) {
	s.generation++
	r := s.newSession(s.slot, s.generation)

	s.stateMu.Lock()
	s.startTime = time.Now()
	s.sessionID = r.ID()
	s.stateMu.Unlock()
	s.setState(StateRunning)

	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(s.slot, r.ID())
	}

	rec := r.Run(ctx)

	s.stateMu.Lock()
	uptime := time.Since(s.startTime)
	s.sessionID = ""
	s.stateMu.Unlock()

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(s.slot, rec, uptime)
	}
	return rec, uptime
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(s.slot, oldState, newState)
	}
}

// Slot returns the slot index for this supervisor.
func (s *Supervisor) Slot() int {
	return s.slot
}

// SessionID returns the id of the running session, or "" between sessions.
func (s *Supervisor) SessionID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.sessionID
}

// Restarts returns the number of respawns that have occurred.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Uptime returns the age of the running session, or 0 if none is running.
func (s *Supervisor) Uptime() time.Duration {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.state != StateRunning {
		return 0
	}
	return time.Since(s.startTime)
}
