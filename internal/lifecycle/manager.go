package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/events"
	"github.com/mattjoyce/toolbridge/internal/pool"
	"golang.org/x/sync/singleflight"
)

// Recorder receives lifecycle counters.
type Recorder interface {
	RecordSpawn(workerID string)
	RecordCrash(workerID string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSpawn(string) {}
func (nopRecorder) RecordCrash(string) {}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Options configures a Manager. Zero values get sensible defaults.
type Options struct {
	SuperviseInterval  time.Duration
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	RestartBackoffBase time.Duration
	RestartBackoffMax  time.Duration
	MaxRestarts        int
	DrainTimeout       time.Duration
	StopGrace          time.Duration

	// Pool settings applied to every instance.
	AcquireTimeout time.Duration
	ConnectRetries int
	ConnectBackoff time.Duration

	Prober   Prober
	Recorder Recorder
	Events   events.Publisher
	Logger   *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.SuperviseInterval <= 0 {
		o.SuperviseInterval = time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.RestartBackoffBase <= 0 {
		o.RestartBackoffBase = time.Second
	}
	if o.RestartBackoffMax <= 0 {
		o.RestartBackoffMax = time.Minute
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = defaultGracePeriod
	}
	if o.Prober == nil {
		o.Prober = ProcessProber{}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Events == nil {
		o.Events = nopPublisher{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Manager owns every worker instance.
type Manager struct {
	table   *descriptor.Table
	spawner Spawner
	opts    Options
	logger  *slog.Logger

	starts singleflight.Group

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool
}

// New builds a Manager. Nothing is spawned until EnsureReady.
func New(table *descriptor.Table, spawner Spawner, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		table:     table,
		spawner:   spawner,
		opts:      opts,
		logger:    opts.Logger.With(slog.String("component", "lifecycle")),
		instances: make(map[string]*Instance),
	}
}

func (m *Manager) instance(d descriptor.Descriptor) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: shutting down", ErrWorkerUnavailable)
	}
	inst, ok := m.instances[d.ID]
	if !ok {
		inst = newInstance(d, m.opts)
		m.instances[d.ID] = inst
	}
	return inst, nil
}

// Lookup returns the instance for id if one has been created.
func (m *Manager) Lookup(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

func (m *Manager) snapshot() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// Instances returns a snapshot of every known instance, including
// descriptors that have never been started.
func (m *Manager) Instances() []Info {
	known := make(map[string]Info)
	for _, inst := range m.snapshot() {
		known[inst.id] = inst.Info()
	}
	for _, d := range m.table.All() {
		if _, ok := known[d.ID]; !ok {
			known[d.ID] = Info{
				ID:           d.ID,
				State:        StateStopped,
				Capabilities: d.Capabilities.Names(),
				Pool:         pool.Stats{Max: d.Limits.MaxConnections},
			}
		}
	}
	out := make([]Info, 0, len(known))
	for _, info := range known {
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// EnsureReady returns a Ready instance for id, starting it if needed.
// Concurrent callers share one start. The start itself is bounded by the
// descriptor's startup timeout and is not cancelled when a caller gives up.
func (m *Manager) EnsureReady(ctx context.Context, id string) (*Instance, error) {
	d, ok := m.table.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	inst, err := m.instance(d)
	if err != nil {
		return nil, err
	}

	for {
		inst.mu.Lock()
		state := inst.state
		switch {
		case inst.permanentlyFailed:
			inst.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPermanentlyFailed, id)
		case state == StateReady:
			inst.mu.Unlock()
			return inst, nil
		case state == StateCrashed && time.Now().Before(inst.nextRestartAt):
			retryAt := inst.nextRestartAt
			inst.mu.Unlock()
			return nil, fmt.Errorf("%w: %s crashed, restart at %s", ErrWorkerUnavailable, id, retryAt.Format(time.RFC3339))
		case state == StateDraining:
			stopped := inst.stopped
			inst.mu.Unlock()
			select {
			case <-stopped:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		inst.mu.Unlock()

		ch := m.starts.DoChan(id, func() (any, error) {
			return nil, m.start(inst)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// start runs one spawn attempt. Only ever called through the singleflight group.
func (m *Manager) start(inst *Instance) error {
	d, ok := m.table.Get(inst.id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, inst.id)
	}

	inst.mu.Lock()
	switch {
	case inst.state == StateReady:
		inst.mu.Unlock()
		return nil
	case inst.permanentlyFailed:
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPermanentlyFailed, inst.id)
	case inst.state == StateCrashed && time.Now().Before(inst.nextRestartAt):
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s restart pending", ErrWorkerUnavailable, inst.id)
	}
	from := inst.state
	if err := inst.transitionLocked(StateStarting); err != nil {
		inst.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	inst.desc = d
	inst.gen++
	gen := inst.gen
	inst.mu.Unlock()
	m.publishTransition(inst.id, from, StateStarting, "")

	ctx, cancel := context.WithTimeout(context.Background(), d.StartupTimeout)
	proc, err := m.spawner.Spawn(ctx, d)
	timedOut := ctx.Err() != nil
	cancel()

	if err != nil {
		sentinel := ErrWorkerUnavailable
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			sentinel = ErrStartupTimeout
		}
		m.logger.Warn("worker spawn failed", "worker_id", inst.id, "error", err)
		inst.mu.Lock()
		m.crashLocked(inst, fmt.Sprintf("spawn failed: %v", err))
		retire := inst.retireOnReady
		inst.retireOnReady = false
		inst.mu.Unlock()
		if retire {
			go m.retire(inst, gen)
		}
		return fmt.Errorf("%w: %s: %v", sentinel, inst.id, err)
	}

	p := pool.New(pool.UnixDialer(proc.Endpoint()), pool.Options{
		MaxConns:       d.Limits.MaxConnections,
		AcquireTimeout: m.opts.AcquireTimeout,
		ConnectRetries: m.opts.ConnectRetries,
		ConnectBackoff: m.opts.ConnectBackoff,
		Logger:         m.logger.With(slog.String("worker_id", inst.id)),
	})

	inst.mu.Lock()
	if err := inst.transitionLocked(StateReady); err != nil {
		inst.mu.Unlock()
		p.Close()
		_ = proc.Stop(context.Background())
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	now := time.Now()
	inst.proc = proc
	inst.pool = p
	inst.startedAt = now
	inst.lastProbe = now
	inst.nextRestartAt = time.Time{}
	inst.lastError = ""
	retire := inst.retireOnReady
	inst.retireOnReady = false
	inst.mu.Unlock()

	m.opts.Recorder.RecordSpawn(inst.id)
	m.opts.Events.Publish(events.TypeWorkerSpawned, map[string]any{"worker_id": inst.id, "pid": proc.PID()})
	m.publishTransition(inst.id, StateStarting, StateReady, "")
	m.logger.Info("worker ready", "worker_id", inst.id, "pid", proc.PID())

	go m.watch(inst, gen, proc)

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	switch {
	case closed:
		go m.stop(inst, gen, "shutdown")
	case retire:
		go m.retire(inst, gen)
	}
	return nil
}

// watch turns an unexpected exit of a Ready process into a crash.
func (m *Manager) watch(inst *Instance, gen uint64, proc Process) {
	<-proc.Done()
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.gen != gen || inst.state != StateReady {
		return
	}
	reason := "process exited"
	if err := proc.ExitErr(); err != nil {
		reason = fmt.Sprintf("process exited: %v", err)
	}
	m.logger.Warn("worker exited unexpectedly", "worker_id", inst.id, "reason", reason)
	m.crashLocked(inst, reason)
}

// crashLocked moves inst to Crashed and schedules a restart or gives up.
// Caller holds inst.mu.
func (m *Manager) crashLocked(inst *Instance, reason string) {
	from := inst.state
	if err := inst.transitionLocked(StateCrashed); err != nil {
		m.logger.Error("crash from unexpected state", "worker_id", inst.id, "error", err)
		return
	}
	inst.consecutiveFailures++
	inst.lastError = reason

	if p := inst.pool; p != nil {
		p.Close()
		inst.pool = nil
	}
	if proc := inst.proc; proc != nil {
		inst.proc = nil
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.StopGrace*2)
			defer cancel()
			_ = proc.Stop(ctx)
		}()
	}

	if inst.consecutiveFailures > m.opts.MaxRestarts {
		inst.permanentlyFailed = true
		inst.nextRestartAt = time.Time{}
		m.logger.Error("worker permanently failed", "worker_id", inst.id,
			"consecutive_failures", inst.consecutiveFailures, "reason", reason)
		m.opts.Events.Publish(events.TypeWorkerFailed, map[string]any{
			"worker_id": inst.id, "consecutive_failures": inst.consecutiveFailures, "reason": reason,
		})
	} else {
		delay := inst.backoff.NextBackOff()
		inst.nextRestartAt = time.Now().Add(delay)
		inst.restarts++
		m.logger.Warn("worker crashed, restart scheduled", "worker_id", inst.id,
			"consecutive_failures", inst.consecutiveFailures, "retry_in", delay, "reason", reason)
	}

	m.opts.Recorder.RecordCrash(inst.id)
	m.opts.Events.Publish(events.TypeWorkerCrashed, map[string]any{"worker_id": inst.id, "reason": reason})
	m.publishTransition(inst.id, from, StateCrashed, reason)
}

// stop drains and stops a Ready instance. It is a no-op for other states
// except Crashed, which goes straight to Stopped.
func (m *Manager) stop(inst *Instance, gen uint64, reason string) {
	inst.mu.Lock()
	if gen != 0 && inst.gen != gen {
		inst.mu.Unlock()
		return
	}
	switch inst.state {
	case StateCrashed:
		_ = inst.transitionLocked(StateStopped)
		inst.mu.Unlock()
		m.publishTransition(inst.id, StateCrashed, StateStopped, reason)
		return
	case StateReady:
	default:
		inst.mu.Unlock()
		return
	}
	_ = inst.transitionLocked(StateDraining)
	inst.stopped = make(chan struct{})
	p, proc := inst.pool, inst.proc
	inst.mu.Unlock()
	m.publishTransition(inst.id, StateReady, StateDraining, reason)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DrainTimeout)
	if err := p.Drain(ctx); err != nil {
		m.logger.Warn("drain timed out, stopping anyway", "worker_id", inst.id, "in_use", p.InUse())
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), m.opts.StopGrace*2)
	_ = proc.Stop(ctx)
	cancel()

	inst.mu.Lock()
	_ = inst.transitionLocked(StateStopped)
	inst.pool = nil
	inst.proc = nil
	close(inst.stopped)
	inst.mu.Unlock()
	m.publishTransition(inst.id, StateDraining, StateStopped, reason)
	m.logger.Info("worker stopped", "worker_id", inst.id, "reason", reason)
}

// Reset clears a crashed or permanently failed worker so the next request
// starts it afresh.
func (m *Manager) Reset(id string) error {
	if _, ok := m.table.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	inst, ok := m.Lookup(id)
	if !ok {
		return nil
	}

	inst.mu.Lock()
	inst.permanentlyFailed = false
	inst.consecutiveFailures = 0
	inst.nextRestartAt = time.Time{}
	inst.lastError = ""
	inst.backoff.Reset()
	wasCrashed := inst.state == StateCrashed
	if wasCrashed {
		_ = inst.transitionLocked(StateStopped)
	}
	inst.mu.Unlock()

	if wasCrashed {
		m.publishTransition(id, StateCrashed, StateStopped, "reset")
	}
	m.opts.Events.Publish(events.TypeWorkerReset, map[string]any{"worker_id": id})
	m.logger.Info("worker reset", "worker_id", id)
	return nil
}

// ApplyReload retires instances whose descriptors were removed or changed.
// Changed workers start again with the new descriptor on next demand, and a
// permanent failure recorded against the old descriptor is cleared. An
// instance caught mid-start is retired once that start completes.
func (m *Manager) ApplyReload(diff descriptor.Diff) {
	changed := make(map[string]bool, len(diff.Changed))
	for _, id := range diff.Changed {
		changed[id] = true
	}
	for _, id := range append(append([]string{}, diff.Removed...), diff.Changed...) {
		inst, ok := m.Lookup(id)
		if !ok {
			continue
		}
		inst.mu.Lock()
		if changed[id] {
			inst.permanentlyFailed = false
			inst.consecutiveFailures = 0
			inst.nextRestartAt = time.Time{}
			inst.lastError = ""
			inst.backoff.Reset()
		}
		starting := inst.state == StateStarting
		if starting {
			inst.retireOnReady = true
		}
		inst.mu.Unlock()
		if !starting {
			go m.retire(inst, 0)
		}
	}
}

// retire stops inst and forgets it if its descriptor is gone.
func (m *Manager) retire(inst *Instance, gen uint64) {
	m.stop(inst, gen, "descriptor reloaded")
	if _, still := m.table.Get(inst.id); still {
		return
	}
	m.mu.Lock()
	if cur, ok := m.instances[inst.id]; ok && cur == inst {
		delete(m.instances, inst.id)
	}
	m.mu.Unlock()
}

// Shutdown drains and stops every instance. New EnsureReady calls fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range m.snapshot() {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			m.stop(inst, 0, "shutdown")
		}(inst)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publishTransition(id string, from, to State, reason string) {
	m.logger.Debug("worker state", "worker_id", id, "from", from, "to", to, "reason", reason)
	m.opts.Events.Publish(events.TypeWorkerState, events.WorkerTransition{
		WorkerID: id, From: string(from), To: string(to), Reason: reason,
	})
}
