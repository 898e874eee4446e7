package liveedge

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ShiftSource draws per-session time-shift offsets from a Poisson
// distribution with the configured mean, in whole seconds.
type ShiftSource struct {
	mean float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewShiftSource returns a source with the given mean. A zero mean always
// yields a zero offset. seed 0 uses a random seed.
func NewShiftSource(mean time.Duration, seed uint64) *ShiftSource {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &ShiftSource{
		mean: mean.Seconds(),
		rng:  rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// Mean returns the configured mean offset.
func (s *ShiftSource) Mean() time.Duration {
	return time.Duration(s.mean * float64(time.Second))
}

// Next returns one offset. Safe for concurrent use.
func (s *ShiftSource) Next() time.Duration {
	if s.mean <= 0 {
		return 0
	}
	s.mu.Lock()
	n := poisson(s.rng, s.mean)
	s.mu.Unlock()
	return time.Duration(n) * time.Second
}

// poisson counts unit-rate exponential arrivals before their sum exceeds
// lambda. Exact for any mean, linear in lambda.
func poisson(rng *rand.Rand, lambda float64) int {
	n := 0
	for sum := rng.ExpFloat64(); sum <= lambda; sum += rng.ExpFloat64() {
		n++
		if n == math.MaxInt32 {
			break
		}
	}
	return n
}
