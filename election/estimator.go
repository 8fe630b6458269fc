package election

import (
	"sync"

	"github.com/banditelect/leaderelect/common"
)

// FailureEstimator keeps one running-average failure belief per node.
// A success signal averages in a 0, a failure signal averages in a 1.
type FailureEstimator struct {
	mu        sync.Mutex
	estimates []float64
	counts    []float64
}

// NewFailureEstimator draws the prior of every node from N(mean, std) using rng.
// Draws are clamped to [0,1]; afterwards every update is a convex combination
// with 0 or 1, so estimates stay in range without further clamping.
func NewFailureEstimator(n int, mean, std float64, rng common.Rand) *FailureEstimator {
	estimator := &FailureEstimator{
		estimates: make([]float64, n),
		counts:    make([]float64, n),
	}
	for i := range estimator.estimates {
		estimator.estimates[i] = clamp01(mean + std*rng.NormFloat64())
		estimator.counts[i] = 1
	}
	return estimator
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func (e *FailureEstimator) RecordSuccess(id int) {
	e.update(id, 0)
}

func (e *FailureEstimator) RecordFailure(id int) {
	e.update(id, 1)
}

func (e *FailureEstimator) update(id int, signal float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.estimates) {
		return
	}
	e.estimates[id] = (e.estimates[id]*e.counts[id] + signal) / (e.counts[id] + 1)
	e.counts[id]++
}

func (e *FailureEstimator) Estimate(id int) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimates[id]
}

func (e *FailureEstimator) Count(id int) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[id]
}

// Snapshot returns a copy of all estimates.
func (e *FailureEstimator) Snapshot() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.estimates...)
}
