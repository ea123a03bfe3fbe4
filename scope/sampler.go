package scope

import "math/rand/v2"

// shouldSample draws the per-operation sampling decision. math/rand/v2's
// global generator is internally sharded per thread, so this is a
// lock-free draw with no shared generator state on the hot path.
func shouldSample(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	return rand.Float64() < rate
}
