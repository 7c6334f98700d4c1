package session

import (
	"math"
	"math/rand"
	"sync"
)

// noiser adds Laplace noise calibrated for count queries (sensitivity 1).
// Only aggregates exposed to callers are noised; stored history stays raw.
type noiser struct {
	mu    sync.Mutex
	scale float64
	rng   *rand.Rand
}

func newNoiser(epsilon float64) *noiser {
	return &noiser{
		scale: 1.0 / epsilon,
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}
}

// add returns v plus one Laplace(0, 1/epsilon) sample.
func (n *noiser) add(v float64) float64 {
	n.mu.Lock()
	u := n.rng.Float64() - 0.5
	n.mu.Unlock()

	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return v - n.scale*sign*math.Log(1-2*math.Abs(u))
}
