package supervisor

import (
	"math/rand/v2"
	"time"
)

// JitterSource provides deterministic, per-slot random sources. A slot keeps
// its relative timing offset across respawns, which stops the swarm from
// converging on the same request instants.
type JitterSource struct {
	configSeed int64
}

// NewJitterSource creates a new jitter source with the given config seed.
func NewJitterSource(configSeed int64) *JitterSource {
	return &JitterSource{configSeed: configSeed}
}

// NewJitterSourceFromTime creates a jitter source seeded from the current time.
func NewJitterSourceFromTime() *JitterSource {
	return NewJitterSource(time.Now().UnixNano())
}

// ForSlot returns a generator seeded for slot. The same slot and config seed
// always produce the same sequence.
func (j *JitterSource) ForSlot(slot int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(j.configSeed), uint64(slot)))
}

// SlotJitter returns a jitter duration for slot within [0, maxJitter).
func (j *JitterSource) SlotJitter(slot int, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(j.ForSlot(slot).Int64N(int64(maxJitter)))
}
