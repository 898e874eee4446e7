package supervisor

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/randomizedcoder/go-abr-swarm/internal/session"
)

// BackoffConfig holds the configuration for exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration // Initial backoff delay (default: 250ms)
	Max        time.Duration // Maximum backoff delay (default: 5s)
	Multiplier float64       // Multiplier for each attempt (default: 1.7)
	JitterPct  float64       // Jitter as a percentage of delay (default: 0.4 = ±20%)
}

// DefaultBackoffConfig returns sensible defaults for backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 1.7,
		JitterPct:  0.4, // ±20% jitter
	}
}

// Backoff produces respawn delays for one slot. The exponential schedule
// comes from backoff.ExponentialBackOff with its own randomization turned
// off; jitter is drawn from a per-slot seeded source so a rerun with the
// same seed reproduces the same delays.
type Backoff struct {
	config   BackoffConfig
	exp      *backoff.ExponentialBackOff
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff for slot. slot and configSeed together seed
// the jitter.
func NewBackoff(slot int, configSeed int64, cfg BackoffConfig) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.Initial
	exp.MaxInterval = cfg.Max
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0 // never give up; MaxRestarts bounds the slot
	exp.Reset()

	return &Backoff{
		config: cfg,
		exp:    exp,
		rng:    NewJitterSource(configSeed).ForSlot(slot),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.exp.NextBackOff()
	if delay == backoff.Stop {
		delay = b.config.Max
	}
	b.attempts++
	return b.jitter(delay)
}

func (b *Backoff) jitter(delay time.Duration) time.Duration {
	d := float64(delay)
	if b.config.JitterPct > 0 {
		jitterRange := d * b.config.JitterPct
		d += jitterRange*b.rng.Float64() - jitterRange/2
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Reset restarts the schedule at the initial delay.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// BackoffResetThreshold is the minimum session lifetime after which the
// backoff counter resets.
const BackoffResetThreshold = 30 * time.Second

// ShouldReset reports whether the next respawn should start from the
// initial delay: the previous session either lived long enough to count as
// healthy or finished cleanly.
func ShouldReset(uptime time.Duration, kind session.Kind) bool {
	if uptime >= BackoffResetThreshold {
		return true
	}
	return kind == session.KindCompleted
}
