package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrInvalidDistribution is returned for unknown or inconsistent distribution parameters
var ErrInvalidDistribution = errors.New("invalid distribution")

// Distribution draws random values, in seconds where used as durations
type Distribution interface {
	Sample(r *rand.Rand) float64
	String() string
}

// Constant always returns Value
type Constant struct {
	Value float64
}

func (c Constant) Sample(*rand.Rand) float64 { return c.Value }
func (c Constant) String() string            { return fmt.Sprintf("constant(%g)", c.Value) }

// Uniform draws from [Min, Max)
type Uniform struct {
	Min, Max float64
}

func (u Uniform) Sample(r *rand.Rand) float64 {
	return u.Min + r.Float64()*(u.Max-u.Min)
}

func (u Uniform) String() string { return fmt.Sprintf("uniform(%g, %g)", u.Min, u.Max) }

// Exponential draws from an exponential distribution with the given mean
type Exponential struct {
	Mean float64
}

func (e Exponential) Sample(r *rand.Rand) float64 {
	return r.ExpFloat64() * e.Mean
}

func (e Exponential) String() string { return fmt.Sprintf("exponential(%g)", e.Mean) }

// NewDistribution builds a distribution from its configuration form
func NewDistribution(kind string, value, min, max, mean float64) (Distribution, error) {
	switch kind {
	case "constant":
		if value < 0 {
			return nil, fmt.Errorf("%w: constant %g is negative", ErrInvalidDistribution, value)
		}
		return Constant{Value: value}, nil
	case "uniform":
		if min < 0 || max < min {
			return nil, fmt.Errorf("%w: uniform bounds [%g, %g]", ErrInvalidDistribution, min, max)
		}
		return Uniform{Min: min, Max: max}, nil
	case "exponential":
		if mean <= 0 {
			return nil, fmt.Errorf("%w: exponential mean %g", ErrInvalidDistribution, mean)
		}
		return Exponential{Mean: mean}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDistribution, kind)
	}
}

// Seconds converts a sample in seconds to a Duration, clamping negative values to zero
func Seconds(v float64) time.Duration {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// Streams hands out independent, reproducible random streams derived from
// one run seed. Each stream is meant for a single component.
type Streams struct {
	seed int64
	next int64
}

// NewStreams creates a stream source for the given seed
func NewStreams(seed int64) *Streams {
	return &Streams{seed: seed}
}

// Seed returns the run seed
func (s *Streams) Seed() int64 {
	return s.seed
}

// New returns the next stream. Streams are numbered in call order, so the
// same construction order yields the same random sequences.
func (s *Streams) New() *rand.Rand {
	s.next++
	// splitmix64 step to decorrelate neighbouring stream seeds
	z := uint64(s.seed) + uint64(s.next)*0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z ^= z >> 31
	return rand.New(rand.NewSource(int64(z)))
}
