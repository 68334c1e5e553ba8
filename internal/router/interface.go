package router

import (
	"context"

	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/metrics"
	"github.com/mattjoyce/toolbridge/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_workers.go -package=mocks github.com/mattjoyce/toolbridge/internal/router Workers,Worker,Conn

// Workers hands out ready workers by descriptor id.
type Workers interface {
	// EnsureReady returns a worker that is accepting requests, starting it
	// if needed.
	EnsureReady(ctx context.Context, id string) (Worker, error)
	// InFlight reports checked-out connections for id without starting it.
	InFlight(id string) int
}

// Worker is one running worker instance.
type Worker interface {
	ID() string
	Acquire(ctx context.Context) (Conn, error)
	// MarkHealthy resets the worker's consecutive failure count.
	MarkHealthy()
}

// Conn is an exclusively held connection to a worker.
type Conn interface {
	Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	Release()
	Discard()
}

// Resolver maps a capability to candidate descriptors, ordered by id.
// *descriptor.Table implements it.
type Resolver interface {
	Resolve(capability string) ([]descriptor.Descriptor, error)
}

// Recorder receives routing counters. *metrics.Store implements it.
type Recorder interface {
	RecordAttempt(a metrics.Attempt)
	RecordRoute(r metrics.Route)
	RecordCacheLookup(hit bool)
}
