package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/pool"
	"github.com/mattjoyce/toolbridge/internal/protocol"
	"github.com/shirou/gopsutil/v4/process"
)

// Prober checks whether a running worker is healthy.
type Prober interface {
	Probe(ctx context.Context, d descriptor.Descriptor, p Process) error
}

// ProcessProber sends a ping frame over a fresh connection and, when the
// descriptor sets a memory limit, compares the worker's RSS against it.
type ProcessProber struct{}

func (ProcessProber) Probe(ctx context.Context, d descriptor.Descriptor, p Process) error {
	if err := Ping(ctx, p.Endpoint()); err != nil {
		return err
	}
	if d.Limits.MaxMemoryMB > 0 {
		rss, err := residentMB(ctx, p.PID())
		if err != nil {
			return fmt.Errorf("read memory usage: %w", err)
		}
		if rss > uint64(d.Limits.MaxMemoryMB) { // #nosec G115 -- validated non-negative
			return fmt.Errorf("memory limit exceeded: %dMB > %dMB", rss, d.Limits.MaxMemoryMB)
		}
	}
	return nil
}

// Ping dials endpoint and exchanges one ping frame.
func Ping(ctx context.Context, endpoint string) error {
	c, err := pool.Dial(ctx, pool.UnixDialer(endpoint))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	resp, err := c.Call(ctx, &protocol.Request{
		Protocol: protocol.Version,
		ID:       "ping-" + uuid.NewString(),
		Type:     protocol.TypePing,
	})
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("ping: %s", resp.Error)
	}
	return nil
}

func residentMB(ctx context.Context, pid int) (uint64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mem.RSS / (1024 * 1024), nil
}
