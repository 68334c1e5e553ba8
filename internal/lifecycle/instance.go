package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/pool"
)

// Instance is the single live incarnation of one worker descriptor.
type Instance struct {
	id string

	mu                  sync.Mutex
	desc                descriptor.Descriptor
	state               State
	proc                Process
	pool                *pool.Pool
	gen                 uint64
	startedAt           time.Time
	lastProbe           time.Time
	consecutiveFailures int
	restarts            int
	permanentlyFailed   bool
	nextRestartAt       time.Time
	lastError           string
	backoff             *backoff.ExponentialBackOff
	stopped             chan struct{} // closed on Draining → Stopped
	// retireOnReady is set when a reload lands mid-start; the start that
	// completes stops the instance again.
	retireOnReady bool
}

func newInstance(d descriptor.Descriptor, opts Options) *Instance {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RestartBackoffBase
	b.MaxInterval = opts.RestartBackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return &Instance{
		id:      d.ID,
		desc:    d,
		state:   StateStopped,
		backoff: b,
	}
}

// ID returns the worker id.
func (i *Instance) ID() string { return i.id }

// Descriptor returns the descriptor the instance was last started with.
func (i *Instance) Descriptor() descriptor.Descriptor {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.desc
}

// State returns the current state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Acquire checks a connection out of the instance pool.
func (i *Instance) Acquire(ctx context.Context) (*pool.Conn, error) {
	i.mu.Lock()
	p := i.pool
	ready := i.state == StateReady
	i.mu.Unlock()
	if !ready || p == nil {
		return nil, ErrWorkerUnavailable
	}
	return p.Acquire(ctx)
}

// InFlight returns the number of checked-out connections.
func (i *Instance) InFlight() int {
	i.mu.Lock()
	p := i.pool
	i.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.InUse()
}

// MarkHealthy records a successful probe or request. The consecutive
// failure count and restart backoff start over.
func (i *Instance) MarkHealthy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.consecutiveFailures > 0 {
		i.consecutiveFailures = 0
		i.backoff.Reset()
	}
}

// transitionLocked moves the state machine along a legal edge.
func (i *Instance) transitionLocked(to State) error {
	if !CanTransition(i.state, to) {
		return illegal(i.id, i.state, to)
	}
	i.state = to
	return nil
}

// Info is a point-in-time view of an instance.
type Info struct {
	ID                  string     `json:"id"`
	State               State      `json:"state"`
	PID                 int        `json:"pid,omitempty"`
	PermanentlyFailed   bool       `json:"permanently_failed"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Restarts            int        `json:"restarts"`
	StartedAt           time.Time  `json:"started_at,omitempty"`
	NextRestartAt       time.Time  `json:"next_restart_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	Capabilities        []string   `json:"capabilities"`
	Pool                pool.Stats `json:"pool"`
}

// Info snapshots the instance.
func (i *Instance) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	info := Info{
		ID:                  i.id,
		State:               i.state,
		PermanentlyFailed:   i.permanentlyFailed,
		ConsecutiveFailures: i.consecutiveFailures,
		Restarts:            i.restarts,
		StartedAt:           i.startedAt,
		NextRestartAt:       i.nextRestartAt,
		LastError:           i.lastError,
		Capabilities:        i.desc.Capabilities.Names(),
		Pool:                pool.Stats{Max: i.desc.Limits.MaxConnections},
	}
	if i.proc != nil {
		info.PID = i.proc.PID()
	}
	if i.pool != nil {
		info.Pool = i.pool.Stats()
	}
	return info
}
