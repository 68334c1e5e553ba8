package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/lifecycle"
	"github.com/mattjoyce/toolbridge/internal/pool"
)

// FailureKind classifies why a request could not be served.
type FailureKind string

const (
	KindNoCapability      FailureKind = "no_capability"
	KindWorkerUnavailable FailureKind = "worker_unavailable"
	KindPoolExhausted     FailureKind = "pool_exhausted"
	KindConnectFailed     FailureKind = "connect_failed"
	KindTimeout           FailureKind = "timeout"
	KindPermanentlyFailed FailureKind = "permanently_failed"
	KindWorkerError       FailureKind = "worker_error"
	KindInvalidRequest    FailureKind = "invalid_request"
)

// Failure is the typed error returned for every unsuccessful route.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	// Cause is the kind of the last attempt's error when it differs from Kind.
	Cause FailureKind `json:"cause,omitempty"`
}

func (f *Failure) Error() string {
	if f.Cause != "" && f.Cause != f.Kind {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Cause, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// errWorkerResponse wraps an error frame returned by a worker.
type errWorkerResponse struct {
	msg   string
	retry bool
}

func (e *errWorkerResponse) Error() string { return "worker error: " + e.msg }

// action says what the router does after an attempt fails.
type action int

const (
	// retrySame retries the same worker with backoff.
	retrySame action = iota
	// failover moves on to the next candidate.
	failover
	// abort stops routing and returns the failure.
	abort
)

// classify maps an attempt error to a failure kind and the next action.
func classify(err error) (FailureKind, action) {
	var werr *errWorkerResponse
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout, abort
	case errors.Is(err, descriptor.ErrNotFound):
		return KindNoCapability, abort
	case errors.As(err, &werr):
		if werr.retry {
			return KindWorkerError, retrySame
		}
		return KindWorkerError, abort
	case errors.Is(err, lifecycle.ErrPermanentlyFailed):
		return KindPermanentlyFailed, failover
	case errors.Is(err, lifecycle.ErrWorkerUnavailable),
		errors.Is(err, lifecycle.ErrStartupTimeout),
		errors.Is(err, lifecycle.ErrUnknownWorker):
		return KindWorkerUnavailable, failover
	case errors.Is(err, pool.ErrPoolExhausted):
		return KindPoolExhausted, retrySame
	case errors.Is(err, pool.ErrConnectFailed):
		return KindConnectFailed, retrySame
	case errors.Is(err, pool.ErrDraining), errors.Is(err, pool.ErrConnBroken):
		return KindWorkerUnavailable, retrySame
	default:
		return KindWorkerUnavailable, failover
	}
}
