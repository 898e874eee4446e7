// Package selector implements the representation selection policies.
//
// A Policy picks one candidate from a non-empty list given a numeric key per
// candidate and the session's current throughput estimate. The set of
// policies is closed: Random, Minimum, Maximum and Throughput.
package selector

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
)

var (
	// ErrNoCandidates is returned when Select is given an empty list.
	ErrNoCandidates = errors.New("no candidates to select from")

	// ErrUnknownPolicy is returned by Parse for an unrecognised name.
	ErrUnknownPolicy = errors.New("unknown profile selection policy")

	errKeyNotFinite = errors.New("key is not a finite number")
)

// InvalidCandidateError is returned when a candidate's key cannot be computed.
type InvalidCandidateError struct {
	Index int
	Err   error
}

func (e *InvalidCandidateError) Error() string {
	return fmt.Sprintf("invalid candidate %d: %v", e.Index, e.Err)
}

func (e *InvalidCandidateError) Unwrap() error {
	return e.Err
}

// Policy chooses an index into a list of keys. Implementations live in this
// package only.
type Policy interface {
	Name() string
	pick(keys []float64, throughput float64) int
}

// Select returns the candidate chosen by p. Every key is evaluated before
// the policy runs, so a malformed candidate fails the selection instead of
// being skipped.
func Select[T any](p Policy, candidates []T, key func(T) (float64, error), throughput float64) (T, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, ErrNoCandidates
	}

	keys := make([]float64, len(candidates))
	for i, c := range candidates {
		k, err := key(c)
		if err != nil {
			return zero, &InvalidCandidateError{Index: i, Err: err}
		}
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return zero, &InvalidCandidateError{Index: i, Err: errKeyNotFinite}
		}
		keys[i] = k
	}

	return candidates[p.pick(keys, throughput)], nil
}

// Random picks uniformly and ignores keys and throughput.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand // nil uses the global source
}

// NewRandom returns a Random policy on the global source.
func NewRandom() *Random {
	return &Random{}
}

// NewSeededRandom returns a Random policy with a reproducible sequence.
func NewSeededRandom(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *Random) Name() string { return "random" }

func (r *Random) pick(keys []float64, _ float64) int {
	if len(keys) == 1 {
		return 0
	}
	if r.rng == nil {
		return rand.IntN(len(keys))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(len(keys))
}

// Minimum picks the smallest key. Ties go to the first candidate.
type Minimum struct{}

func (Minimum) Name() string { return "min" }

func (Minimum) pick(keys []float64, _ float64) int {
	best := 0
	for i := 1; i < len(keys); i++ {
		if keys[i] < keys[best] {
			best = i
		}
	}
	return best
}

// Maximum picks the largest key. Ties go to the first candidate.
type Maximum struct{}

func (Maximum) Name() string { return "max" }

func (Maximum) pick(keys []float64, _ float64) int {
	best := 0
	for i := 1; i < len(keys); i++ {
		if keys[i] > keys[best] {
			best = i
		}
	}
	return best
}

// Throughput picks the largest key strictly below the throughput estimate.
// When nothing fits it returns the first candidate as listed, not the
// cheapest one.
type Throughput struct{}

func (Throughput) Name() string { return "abr" }

func (Throughput) pick(keys []float64, throughput float64) int {
	best := -1
	for i, k := range keys {
		if k >= throughput {
			continue
		}
		if best < 0 || k > keys[best] {
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// Names lists the accepted policy names.
var Names = []string{"random", "rnd", "min", "max", "abr"}

// Parse maps a configured name to a Policy.
func Parse(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "random", "rnd":
		return NewRandom(), nil
	case "min":
		return Minimum{}, nil
	case "max":
		return Maximum{}, nil
	case "abr":
		return Throughput{}, nil
	}
	return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownPolicy, name, strings.Join(Names, ", "))
}
