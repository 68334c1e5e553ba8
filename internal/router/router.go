// Package router turns a capability request into a response from one of the
// workers that serve it.
//
// For each request the router resolves candidates from a single descriptor
// snapshot, orders them by the configured policy, consults the cache for
// cacheable capabilities, then dispatches over a pooled connection. Transient
// failures are retried on the same worker with exponential backoff before
// failing over to the next candidate. Every outcome is returned as a Result
// whose Failure, if any, carries a typed kind.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/toolbridge/internal/cache"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/events"
	"github.com/mattjoyce/toolbridge/internal/metrics"
	"github.com/mattjoyce/toolbridge/internal/protocol"
)

// Request is one inbound tool invocation.
type Request struct {
	ID         string
	Capability string
	Payload    json.RawMessage
	// Deadline bounds the whole route. Zero means now + Options.DefaultTimeout.
	Deadline time.Time
}

// Result is the outcome of Route. Exactly one of Payload or Failure is set.
type Result struct {
	RequestID string
	WorkerID  string
	Payload   json.RawMessage
	Logs      []protocol.LogEntry
	Cached    bool
	Attempts  int
	Failure   *Failure
}

// OK reports whether the route succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// RetryOptions bounds retries against a single worker.
type RetryOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Options struct {
	Policy          Policy
	Retry           RetryOptions
	DefaultTimeout  time.Duration
	Fingerprint     cache.FingerprintPolicy
	DefaultCacheTTL time.Duration
	Cache           cache.Cache
	Recorder        Recorder
	Events          events.Publisher
	Logger          *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Policy == "" {
		o.Policy = PolicyLeastLoaded
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.InitialBackoff <= 0 {
		o.Retry.InitialBackoff = 50 * time.Millisecond
	}
	if o.Retry.MaxBackoff <= 0 {
		o.Retry.MaxBackoff = time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if !o.Fingerprint.Valid() {
		o.Fingerprint = cache.FingerprintCanonical
	}
	if o.DefaultCacheTTL <= 0 {
		o.DefaultCacheTTL = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Router is safe for concurrent use.
type Router struct {
	resolver Resolver
	workers  Workers
	policy   Policy
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	routed map[string]uint64
}

func New(resolver Resolver, workers Workers, opts Options) *Router {
	opts.applyDefaults()
	return &Router{
		resolver: resolver,
		workers:  workers,
		policy:   opts.Policy,
		opts:     opts,
		logger:   opts.Logger,
		routed:   make(map[string]uint64),
	}
}

// Policy returns the candidate ordering policy in use.
func (r *Router) Policy() Policy { return r.policy }

// Route serves req. It never returns an untyped error: every failure is
// reported through Result.Failure.
func (r *Router) Route(ctx context.Context, req Request) Result {
	started := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = started.Add(r.opts.DefaultTimeout)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	logger := r.logger.With("request_id", req.ID, "capability", req.Capability)
	res := r.route(ctx, req, logger)
	res.RequestID = req.ID
	r.finish(req, res, time.Since(started), logger)
	return res
}

func (r *Router) route(ctx context.Context, req Request, logger *slog.Logger) Result {
	if req.Capability == "" {
		return failed(KindInvalidRequest, "capability is required")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return failed(KindInvalidRequest, "payload is not valid JSON")
	}

	cands, err := r.resolver.Resolve(req.Capability)
	if err != nil || len(cands) == 0 {
		return failed(KindNoCapability, fmt.Sprintf("no worker serves capability %q", req.Capability))
	}
	cands = r.order(cands)

	fingerprint := ""
	if r.opts.Cache != nil && anyCacheable(cands, req.Capability) {
		fingerprint, err = cache.Fingerprint(r.opts.Fingerprint, req.Capability, req.Payload)
		if err != nil {
			return failed(KindInvalidRequest, err.Error())
		}
	}

	var (
		attempts    int
		lastKind    FailureKind
		lastMessage string
		allPerm     = true
	)
	for _, d := range cands {
		capability, _ := d.Capability(req.Capability)
		if fingerprint != "" && capability.Cacheable {
			if payload, ok := r.cacheGet(ctx, d.ID, fingerprint, logger); ok {
				return Result{WorkerID: d.ID, Payload: payload, Cached: true, Attempts: attempts}
			}
		}

		res, n, err := r.tryWorker(ctx, d, req, logger)
		attempts += n
		if err == nil {
			res.Attempts = attempts
			if fingerprint != "" && capability.Cacheable {
				ttl := capability.CacheTTL
				if ttl <= 0 {
					ttl = r.opts.DefaultCacheTTL
				}
				r.cacheSet(ctx, d.ID, fingerprint, res.Payload, ttl, logger)
			}
			return res
		}

		kind, next := classify(err)
		lastKind, lastMessage = kind, err.Error()
		if kind != KindPermanentlyFailed {
			allPerm = false
		}
		if next == abort {
			return Result{WorkerID: d.ID, Attempts: attempts, Failure: &Failure{Kind: kind, Message: err.Error()}}
		}
		logger.Warn("failing over", "worker_id", d.ID, "kind", kind, "error", err)
	}

	kind := KindWorkerUnavailable
	if allPerm {
		kind = KindPermanentlyFailed
	}
	return Result{
		Attempts: attempts,
		Failure: &Failure{
			Kind:    kind,
			Message: fmt.Sprintf("all %d candidate(s) for %q failed: %s", len(cands), req.Capability, lastMessage),
			Cause:   lastKind,
		},
	}
}

// tryWorker dispatches req to one worker, retrying transient failures with
// exponential backoff. It returns the number of dispatch attempts made.
func (r *Router) tryWorker(ctx context.Context, d descriptor.Descriptor, req Request, logger *slog.Logger) (Result, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.Retry.InitialBackoff
	b.MaxInterval = r.opts.Retry.MaxBackoff
	b.Multiplier = 2

	var (
		attempts int
		lastErr  error
	)
	res, err := backoff.Retry(ctx, func() (Result, error) {
		attempts++
		res, err := r.dispatch(ctx, d.ID, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if _, next := classify(err); next != retrySame {
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.Retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug("retrying worker", "worker_id", d.ID, "attempt", attempts, "wait", wait, "error", err)
		}),
	)
	if err == nil {
		return res, attempts, nil
	}
	// Deadline or cancellation while backing off wins over the attempt error.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, attempts, ctxErr
	}
	if lastErr != nil {
		return Result{}, attempts, lastErr
	}
	return Result{}, attempts, err
}

// dispatch performs a single attempt: ensure the worker is ready, take a
// connection, exchange one frame.
func (r *Router) dispatch(ctx context.Context, workerID string, req Request) (Result, error) {
	started := time.Now()
	res, err := r.call(ctx, workerID, req)
	attempt := metrics.Attempt{WorkerID: workerID, Latency: time.Since(started)}
	if err != nil {
		kind, _ := classify(err)
		attempt.Kind = string(kind)
	}
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordAttempt(attempt)
	}
	return res, err
}

func (r *Router) call(ctx context.Context, workerID string, req Request) (Result, error) {
	w, err := r.workers.EnsureReady(ctx, workerID)
	if err != nil {
		return Result{}, err
	}
	conn, err := w.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	r.routed[workerID]++
	r.mu.Unlock()

	deadline, _ := ctx.Deadline()
	resp, err := conn.Call(ctx, &protocol.Request{
		Protocol:   protocol.Version,
		ID:         req.ID,
		Type:       protocol.TypeCall,
		Capability: req.Capability,
		Payload:    req.Payload,
		DeadlineAt: deadline,
	})
	if err != nil {
		conn.Discard()
		return Result{}, err
	}
	conn.Release()

	if resp.Status != protocol.StatusOK {
		return Result{}, &errWorkerResponse{msg: resp.Error, retry: resp.ShouldRetry()}
	}
	w.MarkHealthy()
	return Result{WorkerID: workerID, Payload: resp.Payload, Logs: resp.Logs}, nil
}

func (r *Router) cacheGet(ctx context.Context, workerID, fingerprint string, logger *slog.Logger) (json.RawMessage, bool) {
	value, ok, err := r.opts.Cache.Get(ctx, cache.Key(workerID, fingerprint))
	if err != nil {
		logger.Warn("cache get failed", "worker_id", workerID, "error", err)
		ok = false
	}
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordCacheLookup(ok)
	}
	if !ok {
		return nil, false
	}
	return json.RawMessage(value), true
}

func (r *Router) cacheSet(ctx context.Context, workerID, fingerprint string, payload json.RawMessage, ttl time.Duration, logger *slog.Logger) {
	if err := r.opts.Cache.Set(ctx, cache.Key(workerID, fingerprint), payload, ttl); err != nil {
		logger.Warn("cache set failed", "worker_id", workerID, "error", err)
	}
}

func (r *Router) finish(req Request, res Result, took time.Duration, logger *slog.Logger) {
	kind := ""
	if res.Failure != nil {
		kind = string(res.Failure.Kind)
	}
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordRoute(metrics.Route{
			Capability: req.Capability,
			Kind:       kind,
			Cached:     res.Cached,
			Duration:   took,
		})
	}
	if r.opts.Events != nil {
		eventType := events.TypeRouteCompleted
		if kind != "" {
			eventType = events.TypeRouteFailed
		}
		r.opts.Events.Publish(eventType, events.RouteOutcome{
			RequestID:  req.ID,
			Capability: req.Capability,
			WorkerID:   res.WorkerID,
			Kind:       kind,
			Cached:     res.Cached,
			Attempts:   res.Attempts,
			DurationMs: took.Milliseconds(),
		})
	}
	if kind != "" {
		logger.Warn("route failed", "kind", kind, "worker_id", res.WorkerID, "attempts", res.Attempts, "error", res.Failure.Message)
		return
	}
	logger.Debug("route completed", "worker_id", res.WorkerID, "cached", res.Cached, "attempts", res.Attempts, "duration_ms", took.Milliseconds())
}

func failed(kind FailureKind, msg string) Result {
	return Result{Failure: &Failure{Kind: kind, Message: msg}}
}

func anyCacheable(cands []descriptor.Descriptor, capability string) bool {
	for _, d := range cands {
		if c, ok := d.Capability(capability); ok && c.Cacheable {
			return true
		}
	}
	return false
}
