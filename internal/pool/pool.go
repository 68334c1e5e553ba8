// Package pool keeps a bounded set of persistent connections to one worker
// process. Connections are dialled lazily, handed to exactly one caller at a
// time and either returned to the idle list or discarded when they break.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattjoyce/toolbridge/internal/protocol"
)

var (
	// ErrPoolExhausted means every slot stayed busy for the whole acquire wait.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrConnectFailed means the worker could not be dialled after retries.
	ErrConnectFailed = errors.New("connect to worker failed")
	// ErrDraining means the pool no longer hands out connections.
	ErrDraining = errors.New("connection pool draining")
	// ErrConnBroken wraps I/O failures on an established connection.
	ErrConnBroken = errors.New("worker connection broken")
)

// Dialer opens a new connection to the worker.
type Dialer func(ctx context.Context) (net.Conn, error)

// UnixDialer dials the worker socket at path.
func UnixDialer(path string) Dialer {
	var d net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "unix", path)
	}
}

// Options configures a Pool.
type Options struct {
	MaxConns       int
	AcquireTimeout time.Duration // 0 waits until the caller's context ends
	ConnectRetries int           // total dial attempts
	ConnectBackoff time.Duration // first retry delay, doubled per attempt
	Logger         *slog.Logger
}

// Pool is safe for concurrent use.
type Pool struct {
	dial   Dialer
	opts   Options
	logger *slog.Logger

	slots    chan struct{}
	drainCh  chan struct{}
	drainedC chan struct{}

	mu           sync.Mutex
	idle         []*Conn
	inUse        int
	open         int
	draining     bool
	drained      bool
	lastActivity time.Time
}

// New returns an empty pool. No connection is opened until Acquire.
func New(dial Dialer, opts Options) *Pool {
	if opts.MaxConns < 1 {
		opts.MaxConns = 1
	}
	if opts.ConnectRetries < 1 {
		opts.ConnectRetries = 1
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		dial:         dial,
		opts:         opts,
		logger:       logger,
		slots:        make(chan struct{}, opts.MaxConns),
		drainCh:      make(chan struct{}),
		drainedC:     make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// Acquire hands out an exclusive connection, dialling one if no idle
// connection is available and the pool is below its cap.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()
	if draining {
		return nil, ErrDraining
	}

	var timeout <-chan time.Time
	if p.opts.AcquireTimeout > 0 {
		timer := time.NewTimer(p.opts.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.drainCh:
		return nil, ErrDraining
	case <-timeout:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrPoolExhausted
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrDraining
	}
	p.inUse++
	p.lastActivity = time.Now()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		c.checkout()
		return c, nil
	}
	p.open++
	p.mu.Unlock()

	nc, err := p.dialWithRetry(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.inUse--
		p.signalDrainedLocked()
		p.mu.Unlock()
		p.giveBack()
		return nil, err
	}
	c := &Conn{pool: p, nc: nc, dec: protocol.NewDecoder(nc)}
	c.checkout()
	return c, nil
}

func (p *Pool) dialWithRetry(ctx context.Context) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.ConnectBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	nc, err := backoff.Retry(ctx, func() (net.Conn, error) {
		return p.dial(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.opts.ConnectRetries)), // #nosec G115 -- bounded by config validation
		backoff.WithNotify(func(err error, d time.Duration) {
			p.logger.Debug("dial failed, retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return nc, nil
}

// Release returns c to the pool. Broken connections and connections released
// during a drain are closed instead of kept.
func (p *Pool) Release(c *Conn) {
	p.put(c, !c.broken.Load())
}

// Discard closes c and frees its slot.
func (p *Pool) Discard(c *Conn) {
	p.put(c, false)
}

func (p *Pool) put(c *Conn, keep bool) {
	if c == nil || !c.out.CompareAndSwap(true, false) {
		return
	}

	p.mu.Lock()
	p.inUse--
	p.lastActivity = time.Now()
	if keep && !p.draining {
		c.lastUsed = p.lastActivity
		p.idle = append(p.idle, c)
	} else {
		p.open--
		_ = c.nc.Close()
	}
	p.signalDrainedLocked()
	p.mu.Unlock()

	p.giveBack()
}

func (p *Pool) giveBack() {
	<-p.slots
}

func (p *Pool) signalDrainedLocked() {
	if p.draining && p.inUse == 0 && !p.drained {
		p.drained = true
		close(p.drainedC)
	}
}

// Drain stops handing out connections, closes idle ones and waits for every
// checked-out connection to come back. It returns ctx.Err() if the wait is
// cut short; the pool stays draining either way.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.draining {
		p.draining = true
		close(p.drainCh)
		for _, c := range p.idle {
			_ = c.nc.Close()
			p.open--
		}
		p.idle = nil
		p.signalDrainedLocked()
	}
	p.mu.Unlock()

	select {
	case <-p.drainedC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains without waiting. Checked-out connections are closed when
// released.
func (p *Pool) Close() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Drain(ctx)
}

// Draining reports whether Drain or Close has been called.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	InUse        int       `json:"in_use"`
	Idle         int       `json:"idle"`
	Open         int       `json:"open"`
	Max          int       `json:"max"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		InUse:        p.inUse,
		Idle:         len(p.idle),
		Open:         p.open,
		Max:          p.opts.MaxConns,
		LastActivity: p.lastActivity,
	}
}

// InUse returns the number of checked-out connections.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Conn is one persistent connection. It must not be shared between
// goroutines while checked out.
type Conn struct {
	pool     *Pool
	nc       net.Conn
	dec      *protocol.Decoder
	lastUsed time.Time

	out    atomic.Bool
	broken atomic.Bool
}

func (c *Conn) checkout() {
	c.out.Store(true)
}

// Broken reports whether an I/O error has been seen on c.
func (c *Conn) Broken() bool {
	return c.broken.Load()
}

// Call sends req and waits for the matching response. The context deadline
// bounds both the write and the read; cancellation interrupts blocked I/O.
func (c *Conn) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := c.nc.SetDeadline(deadline); err != nil {
		c.broken.Store(true)
		return nil, fmt.Errorf("%w: %v", ErrConnBroken, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(time.Now())
	})
	defer stop()

	resp, err := c.roundTrip(req)
	if err != nil {
		c.broken.Store(true)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && !deadline.IsZero() {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("%w: %v", ErrConnBroken, err)
	}
	return resp, nil
}

func (c *Conn) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	if err := protocol.EncodeRequest(c.nc, req); err != nil {
		return nil, err
	}
	resp, err := c.dec.Response()
	if err != nil {
		return nil, err
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, nil
}

// Dial opens a standalone connection that belongs to no pool. Liveness
// probes use it so they never compete with requests for a slot.
func Dial(ctx context.Context, dial Dialer) (*Conn, error) {
	nc, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{nc: nc, dec: protocol.NewDecoder(nc)}, nil
}

// Close closes the underlying connection. Pooled connections should be
// returned with Release or Discard instead.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Release returns c to the pool it came from.
func (c *Conn) Release() {
	if c.pool == nil {
		_ = c.Close()
		return
	}
	c.pool.Release(c)
}

// Discard closes c and frees its slot in the pool it came from.
func (c *Conn) Discard() {
	if c.pool == nil {
		_ = c.Close()
		return
	}
	c.pool.Discard(c)
}
