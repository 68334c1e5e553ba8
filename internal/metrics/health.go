package metrics

import "github.com/mattjoyce/toolbridge/internal/lifecycle"

// Health is the operator-facing summary of a worker.
type Health string

const (
	HealthReady    Health = "ready"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// minSamples is the smallest window considered for the failure rate.
const minSamples = 4

// Health derives a worker's health from its lifecycle state and the
// failure rate over its recent outcomes, and remembers the result as the
// worker's last-known health.
//
//	permanently failed or crashed        -> down
//	failure rate >= threshold            -> degraded
//	starting or draining                 -> degraded
//	otherwise (ready, or stopped idle)   -> ready
func (s *Store) Health(workerID string, st lifecycle.State, permanentlyFailed bool) Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.workerLocked(workerID)
	rate, n := w.failureRate()

	var h Health
	switch {
	case permanentlyFailed || st == lifecycle.StateCrashed:
		h = HealthDown
	case n >= minSamples && rate >= s.threshold:
		h = HealthDegraded
	case st == lifecycle.StateStarting || st == lifecycle.StateDraining:
		h = HealthDegraded
	default:
		h = HealthReady
	}
	if w.rec.LastHealth != h {
		w.rec.LastHealth = h
		s.dirty = true
	}
	return h
}
