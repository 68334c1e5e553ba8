package router

import (
	"context"

	"github.com/mattjoyce/toolbridge/internal/lifecycle"
)

// LifecycleWorkers adapts a lifecycle manager to Workers.
func LifecycleWorkers(m *lifecycle.Manager) Workers {
	return managerWorkers{m: m}
}

type managerWorkers struct {
	m *lifecycle.Manager
}

func (w managerWorkers) EnsureReady(ctx context.Context, id string) (Worker, error) {
	inst, err := w.m.EnsureReady(ctx, id)
	if err != nil {
		return nil, err
	}
	return instanceWorker{inst}, nil
}

func (w managerWorkers) InFlight(id string) int {
	inst, ok := w.m.Lookup(id)
	if !ok {
		return 0
	}
	return inst.InFlight()
}

type instanceWorker struct {
	*lifecycle.Instance
}

func (w instanceWorker) Acquire(ctx context.Context) (Conn, error) {
	c, err := w.Instance.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}
