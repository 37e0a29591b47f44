// Package lineplace implements the line-granularity placement policy used
// by AlloyCache (C3): Bernoulli sampling on miss against a single occupant
// way, modeled on original_source/src/line_placement.cpp.
package lineplace

import (
	"math/rand"

	"github.com/yxymit/banshee/internal/tagarray"
)

// Policy decides whether an incoming 64-byte line evicts AlloyCache's single
// occupant way. Its PRNG stream is private and seeded once at construction,
// so replacement decisions are reproducible under a fixed seed (spec.md §9,
// "Random streams").
type Policy struct {
	rng           *rand.Rand
	sampleRate    float64
	enableReplace bool
}

// New constructs a line-placement policy seeded from seed, sampling at
// sampleRate (§4.2) and replacing valid occupants only if enableReplace.
func New(seed int64, sampleRate float64, enableReplace bool) *Policy {
	return &Policy{
		rng:           rand.New(rand.NewSource(seed)),
		sampleRate:    sampleRate,
		enableReplace: enableReplace,
	}
}

// HandleCacheMiss decides whether the sole way of an AlloyCache set should
// be (re)installed into on a miss. It always installs into an invalid way;
// otherwise it admits replacement only if enabled and a uniform draw falls
// below the sample rate.
func (p *Policy) HandleCacheMiss(way *tagarray.Way) bool {
	if !way.Valid {
		return true
	}
	if !p.enableReplace {
		return false
	}
	return p.rng.Float64() < p.sampleRate
}
