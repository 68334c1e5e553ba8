package lifecycle

import (
	"context"
	"sync"
	"time"
)

// Run supervises instances until ctx is cancelled: liveness probes, idle
// reclamation and crash restarts. It never holds an instance lock across
// process or socket I/O.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("supervisor started", "interval", m.opts.SuperviseInterval, "probe_interval", m.opts.ProbeInterval)
	ticker := time.NewTicker(m.opts.SuperviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			m.superviseOnce(ctx)
		}
	}
}

type observation struct {
	inst          *Instance
	gen           uint64
	state         State
	permanent     bool
	probeDue      bool
	idle          bool
	restartDue    bool
	proc          Process
	idleTimeout   time.Duration
	lastActivity  time.Time
	nextRestartAt time.Time
}

func (m *Manager) observe(inst *Instance, now time.Time) observation {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	o := observation{
		inst:          inst,
		gen:           inst.gen,
		state:         inst.state,
		permanent:     inst.permanentlyFailed,
		proc:          inst.proc,
		idleTimeout:   inst.desc.IdleTimeout,
		nextRestartAt: inst.nextRestartAt,
	}
	switch inst.state {
	case StateReady:
		o.probeDue = now.Sub(inst.lastProbe) >= m.opts.ProbeInterval
		if inst.pool != nil {
			st := inst.pool.Stats()
			o.lastActivity = st.LastActivity
			o.idle = st.InUse == 0 && o.idleTimeout > 0 && now.Sub(st.LastActivity) >= o.idleTimeout
		}
	case StateCrashed:
		o.restartDue = !inst.permanentlyFailed && !now.Before(inst.nextRestartAt)
	}
	return o
}

func (m *Manager) superviseOnce(ctx context.Context) {
	now := time.Now()
	var wg sync.WaitGroup
	for _, inst := range m.snapshot() {
		o := m.observe(inst, now)
		switch {
		case o.idle:
			m.logger.Info("reclaiming idle worker", "worker_id", inst.id, "idle_for", now.Sub(o.lastActivity))
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.stop(o.inst, o.gen, "idle")
			}()
		case o.probeDue:
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.probe(ctx, o)
			}()
		case o.restartDue:
			m.logger.Info("restarting crashed worker", "worker_id", inst.id)
			m.starts.DoChan(inst.id, func() (any, error) {
				return nil, m.start(o.inst)
			})
		}
	}
	wg.Wait()
}

func (m *Manager) probe(ctx context.Context, o observation) {
	inst := o.inst
	d := inst.Descriptor()

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.opts.Prober.Probe(pctx, d, o.proc)
	cancel()
	if ctx.Err() != nil {
		return
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.gen != o.gen || inst.state != StateReady {
		return
	}
	inst.lastProbe = time.Now()
	if err != nil {
		m.logger.Warn("liveness probe failed", "worker_id", inst.id, "error", err)
		m.crashLocked(inst, "probe failed: "+err.Error())
		return
	}
	if inst.consecutiveFailures > 0 {
		inst.consecutiveFailures = 0
		inst.backoff.Reset()
	}
}
