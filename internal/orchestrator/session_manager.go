package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-abr-swarm/internal/session"
	"github.com/randomizedcoder/go-abr-swarm/internal/supervisor"
)

// SessionManager coordinates the slot supervisors.
// It handles starting slots, tracking their state, and coordinating shutdown.
type SessionManager struct {
	factory    supervisor.Factory
	logger     *slog.Logger
	configSeed int64

	// Backoff configuration
	backoffConfig supervisor.BackoffConfig

	respawn     bool
	maxRestarts int // per slot, 0 = unlimited

	// Supervisors indexed by slot
	supervisors map[int]*supervisor.Supervisor
	mu          sync.RWMutex

	// WaitGroup for all supervisor goroutines
	wg   sync.WaitGroup
	done chan struct{} // closed when every started slot has stopped

	// Callbacks for external metrics/logging
	callbacks ManagerCallbacks

	// Counters
	activeCount  atomic.Int64
	startedCount atomic.Int64
	restartCount atomic.Int64
	stoppedCount atomic.Int64
}

// ManagerCallbacks contains optional callbacks for manager events.
type ManagerCallbacks struct {
	// OnSlotStateChange is called when any slot changes state.
	OnSlotStateChange func(slot int, oldState, newState supervisor.State)

	// OnSessionStart is called when a session starts in a slot.
	OnSessionStart func(slot int, sessionID string)

	// OnSessionExit is called with the record of every finished session.
	OnSessionExit func(slot int, rec session.Record, uptime time.Duration)

	// OnSessionRestart is called when a slot is about to respawn.
	OnSessionRestart func(slot int, attempt int, delay time.Duration)
}

// ManagerConfig holds configuration for the SessionManager.
type ManagerConfig struct {
	Factory       supervisor.Factory
	Logger        *slog.Logger
	BackoffConfig supervisor.BackoffConfig

	// ConfigSeed seeds respawn jitter. 0 picks one from the clock.
	ConfigSeed int64

	Respawn     bool
	MaxRestarts int
	Callbacks   ManagerCallbacks
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(cfg ManagerConfig) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.ConfigSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SessionManager{
		factory:       cfg.Factory,
		logger:        logger,
		configSeed:    seed,
		backoffConfig: cfg.BackoffConfig,
		respawn:       cfg.Respawn,
		maxRestarts:   cfg.MaxRestarts,
		callbacks:     cfg.Callbacks,
		supervisors:   make(map[int]*supervisor.Supervisor),
		done:          make(chan struct{}),
	}
}

// StartSlot creates and starts a supervised slot.
// The supervisor runs in a goroutine until ctx is cancelled or the slot
// stops on its own.
func (m *SessionManager) StartSlot(ctx context.Context, slot int) {
	sup := supervisor.New(supervisor.Config{
		Slot:        slot,
		NewSession:  m.factory,
		Backoff:     supervisor.NewBackoff(slot, m.configSeed, m.backoffConfig),
		Logger:      m.logger,
		Respawn:     m.respawn,
		MaxRestarts: m.maxRestarts,
		Callbacks: supervisor.Callbacks{
			OnStateChange: m.handleStateChange,
			OnStart:       m.handleStart,
			OnExit:        m.handleExit,
			OnRestart:     m.handleRestart,
		},
	})

	// Register supervisor
	m.mu.Lock()
	m.supervisors[slot] = sup
	m.mu.Unlock()

	m.startedCount.Add(1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.stoppedCount.Add(1)
		if err := sup.Run(ctx); err != nil {
			// Context cancelled or max restarts reached
			m.logger.Debug("supervisor_ended",
				"slot", slot,
				"error", err,
			)
		}
	}()
}

// Close marks that no more slots will be started. Done is closed once
// every started slot has stopped.
func (m *SessionManager) Close() {
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
}

// Done is closed after Close once every slot has stopped.
func (m *SessionManager) Done() <-chan struct{} {
	return m.done
}

// handleStateChange processes state changes from supervisors.
func (m *SessionManager) handleStateChange(slot int, oldState, newState supervisor.State) {
	wasActive := oldState == supervisor.StateRunning
	isActive := newState == supervisor.StateRunning
	if !wasActive && isActive {
		m.activeCount.Add(1)
	} else if wasActive && !isActive {
		m.activeCount.Add(-1)
	}

	if m.callbacks.OnSlotStateChange != nil {
		m.callbacks.OnSlotStateChange(slot, oldState, newState)
	}
}

func (m *SessionManager) handleStart(slot int, sessionID string) {
	if m.callbacks.OnSessionStart != nil {
		m.callbacks.OnSessionStart(slot, sessionID)
	}
}

func (m *SessionManager) handleExit(slot int, rec session.Record, uptime time.Duration) {
	if m.callbacks.OnSessionExit != nil {
		m.callbacks.OnSessionExit(slot, rec, uptime)
	}
}

func (m *SessionManager) handleRestart(slot int, attempt int, delay time.Duration) {
	m.restartCount.Add(1)

	if m.callbacks.OnSessionRestart != nil {
		m.callbacks.OnSessionRestart(slot, attempt, delay)
	}
}

// Shutdown waits for all supervisors to stop, bounded by ctx.
// They stop because the context passed to StartSlot is cancelled.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutdown_initiated", "active_sessions", m.ActiveCount())

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all_sessions_stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown_timeout", "active_sessions", m.ActiveCount())
		return ctx.Err()
	}
}

// ActiveCount returns the number of slots with a running session.
func (m *SessionManager) ActiveCount() int {
	return int(m.activeCount.Load())
}

// StartedCount returns the number of slots that have been started.
func (m *SessionManager) StartedCount() int {
	return int(m.startedCount.Load())
}

// StoppedCount returns the number of slots whose supervisor returned.
func (m *SessionManager) StoppedCount() int {
	return int(m.stoppedCount.Load())
}

// RestartCount returns the total number of respawn events.
func (m *SessionManager) RestartCount() int {
	return int(m.restartCount.Load())
}

// SlotCount returns the number of registered supervisors.
func (m *SessionManager) SlotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.supervisors)
}

// GetSupervisor returns the supervisor for a slot.
func (m *SessionManager) GetSupervisor(slot int) *supervisor.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.supervisors[slot]
}

// States returns a map of slots to their current states.
func (m *SessionManager) States() map[int]supervisor.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[int]supervisor.State, len(m.supervisors))
	for slot, sup := range m.supervisors {
		states[slot] = sup.State()
	}
	return states
}
