package lifecycle

import (
	"errors"
	"fmt"
)

// State of a worker instance.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateCrashed  State = "crashed"
)

var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateReady, StateCrashed},
	StateReady:    {StateDraining, StateCrashed},
	StateDraining: {StateStopped},
	StateCrashed:  {StateStopped, StateStarting},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrUnknownWorker means no descriptor exists for the id.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrWorkerUnavailable means the worker cannot serve right now (crashed,
	// restart pending, spawn failed or shutting down).
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrStartupTimeout means the worker did not become ready in time.
	ErrStartupTimeout = errors.New("worker startup timed out")
	// ErrPermanentlyFailed means the worker exceeded its restart budget.
	ErrPermanentlyFailed = errors.New("worker permanently failed")
	// ErrIllegalTransition guards the state machine.
	ErrIllegalTransition = errors.New("illegal state transition")
)

func illegal(id string, from, to State) error {
	return fmt.Errorf("%w: %s %s → %s", ErrIllegalTransition, id, from, to)
}
