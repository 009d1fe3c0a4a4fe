// Package pacing produces randomized human-like delays inserted before
// dispatch calls. It is timing jitter only; the bounds always come from
// caller configuration.
package pacing

import (
	"math/rand"
	"sync"
	"time"

	"automation-dispatch-engine/internal/models"
)

// Shapes a profile can request.
const (
	ShapeUniform = "uniform"
	ShapeMidBias = "midbias"
)

// Generator draws bounded delays from a profile's distribution. A fixed seed
// makes the sequence reproducible for tests; production uses a time seed.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a time-seeded generator.
func New() *Generator {
	return NewSeeded(time.Now().UnixNano())
}

// NewSeeded returns a deterministic generator for the given seed.
func NewSeeded(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// NextDelay draws one delay from the profile. Degenerate profiles collapse
// sensibly: max <= min yields min, negative bounds yield zero.
func (g *Generator) NextDelay(profile models.PacingProfile) time.Duration {
	min, max := profile.Min, profile.Max
	if min < 0 {
		min = 0
	}
	if max <= min {
		return min
	}
	span := int64(max - min)

	g.mu.Lock()
	defer g.mu.Unlock()

	switch profile.Shape {
	case ShapeMidBias:
		// Mean of two uniform draws: triangular, peaked at the middle of
		// the range. Avoids the perfectly flat timing of a single uniform.
		a := g.rng.Int63n(span + 1)
		b := g.rng.Int63n(span + 1)
		return min + time.Duration((a+b)/2)
	default:
		return min + time.Duration(g.rng.Int63n(span+1))
	}
}
