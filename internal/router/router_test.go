package router_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/toolbridge/internal/cache"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/events"
	"github.com/mattjoyce/toolbridge/internal/lifecycle"
	"github.com/mattjoyce/toolbridge/internal/metrics"
	"github.com/mattjoyce/toolbridge/internal/pool"
	"github.com/mattjoyce/toolbridge/internal/protocol"
	"github.com/mattjoyce/toolbridge/internal/router"
	"github.com/mattjoyce/toolbridge/internal/router/mocks"
)

func desc(id string, priority int, caps ...descriptor.Capability) descriptor.Descriptor {
	return descriptor.Descriptor{
		ID:             id,
		Capabilities:   caps,
		Spawn:          descriptor.Spawn{Command: "/bin/true"},
		Limits:         descriptor.Limits{MaxConnections: 2},
		IdleTimeout:    time.Minute,
		StartupTimeout: time.Second,
		Priority:       priority,
	}
}

func echoCap() descriptor.Capability { return descriptor.Capability{Name: "echo"} }

func table(t *testing.T, ds ...descriptor.Descriptor) *descriptor.Table {
	t.Helper()
	tbl, err := descriptor.NewTable(ds)
	require.NoError(t, err)
	return tbl
}

func fastRetry() router.RetryOptions {
	return router.RetryOptions{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func okResponse(payload string) *protocol.Response {
	return &protocol.Response{Status: protocol.StatusOK, Payload: json.RawMessage(payload)}
}

// readyWorker wires a worker whose single connection answers with resp.
func readyWorker(ctrl *gomock.Controller, workers *mocks.MockWorkers, id string, resp *protocol.Response) *mocks.MockWorker {
	w := mocks.NewMockWorker(ctrl)
	conn := mocks.NewMockConn(ctrl)
	workers.EXPECT().EnsureReady(gomock.Any(), id).Return(w, nil)
	w.EXPECT().Acquire(gomock.Any()).Return(conn, nil)
	conn.EXPECT().Call(gomock.Any(), gomock.Any()).Return(resp, nil)
	conn.EXPECT().Release()
	if resp.Status == protocol.StatusOK {
		w.EXPECT().MarkHealthy()
	}
	return w
}

func TestRouteNoCapability(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	store, err := metrics.New(metrics.Options{})
	require.NoError(t, err)

	r := router.New(table(t, desc("a", 0, echoCap())), workers, router.Options{Recorder: store})
	res := r.Route(context.Background(), router.Request{Capability: "missing"})

	require.NotNil(t, res.Failure)
	assert.Equal(t, router.KindNoCapability, res.Failure.Kind)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, int64(1), store.Snapshot().Global.FailuresByKind["no_capability"])
}

func TestRouteInvalidRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := router.New(table(t, desc("a", 0, echoCap())), mocks.NewMockWorkers(ctrl), router.Options{})

	res := r.Route(context.Background(), router.Request{})
	require.NotNil(t, res.Failure)
	assert.Equal(t, router.KindInvalidRequest, res.Failure.Kind)

	res = r.Route(context.Background(), router.Request{Capability: "echo", Payload: json.RawMessage(`{nope`)})
	require.NotNil(t, res.Failure)
	assert.Equal(t, router.KindInvalidRequest, res.Failure.Kind)
}

func TestRouteSuccessFirstMatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	readyWorker(ctrl, workers, "a", okResponse(`{"ok":true}`))

	r := router.New(table(t, desc("b", 0, echoCap()), desc("a", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyFirstMatch})
	res := r.Route(context.Background(), router.Request{ID: "req-1", Capability: "echo", Payload: json.RawMessage(`{}`)})

	require.True(t, res.OK(), "%+v", res.Failure)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "a", res.WorkerID)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Cached)
}

func TestRouteSendsCallFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	w := mocks.NewMockWorker(ctrl)
	conn := mocks.NewMockConn(ctrl)

	deadline := time.Now().Add(time.Minute)
	workers.EXPECT().EnsureReady(gomock.Any(), "a").Return(w, nil)
	w.EXPECT().Acquire(gomock.Any()).Return(conn, nil)
	conn.EXPECT().Call(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			assert.Equal(t, protocol.Version, req.Protocol)
			assert.Equal(t, protocol.TypeCall, req.Type)
			assert.Equal(t, "req-9", req.ID)
			assert.Equal(t, "echo", req.Capability)
			assert.JSONEq(t, `{"x":1}`, string(req.Payload))
			assert.WithinDuration(t, deadline, req.DeadlineAt, time.Millisecond)
			return okResponse(`{}`), nil
		})
	conn.EXPECT().Release()
	w.EXPECT().MarkHealthy()

	r := router.New(table(t, desc("a", 0, echoCap())), workers, router.Options{Policy: router.PolicyFirstMatch})
	res := r.Route(context.Background(), router.Request{ID: "req-9", Capability: "echo", Payload: json.RawMessage(`{"x":1}`), Deadline: deadline})
	require.True(t, res.OK())
}

func TestRouteRetriesSameWorkerOnPoolExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	w := mocks.NewMockWorker(ctrl)
	conn := mocks.NewMockConn(ctrl)

	workers.EXPECT().EnsureReady(gomock.Any(), "a").Return(w, nil).Times(3)
	gomock.InOrder(
		w.EXPECT().Acquire(gomock.Any()).Return(nil, pool.ErrPoolExhausted),
		w.EXPECT().Acquire(gomock.Any()).Return(nil, pool.ErrConnectFailed),
		w.EXPECT().Acquire(gomock.Any()).Return(conn, nil),
	)
	conn.EXPECT().Call(gomock.Any(), gomock.Any()).Return(okResponse(`"hi"`), nil)
	conn.EXPECT().Release()
	w.EXPECT().MarkHealthy()

	store, err := metrics.New(metrics.Options{})
	require.NoError(t, err)
	r := router.New(table(t, desc("a", 0, echoCap())), workers, router.Options{Retry: fastRetry(), Recorder: store})
	workers.EXPECT().InFlight("a").Return(0).AnyTimes()

	res := r.Route(context.Background(), router.Request{Capability: "echo"})
	require.True(t, res.OK(), "%+v", res.Failure)
	assert.Equal(t, 3, res.Attempts)

	rec, ok := store.Snapshot().Worker("a")
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.RequestsTotal)
	assert.Equal(t, int64(2), rec.FailuresTotal)
	assert.Equal(t, map[string]int64{"pool_exhausted": 1, "connect_failed": 1}, rec.FailuresByKind)
}

func TestRouteFailsOverOnUnavailableWorker(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	workers.EXPECT().EnsureReady(gomock.Any(), "a").Return(nil, lifecycle.ErrWorkerUnavailable).Times(1)
	readyWorker(ctrl, workers, "b", okResponse(`{"from":"b"}`))

	r := router.New(table(t, desc("a", 0, echoCap()), desc("b", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyFirstMatch, Retry: fastRetry()})
	res := r.Route(context.Background(), router.Request{Capability: "echo"})

	require.True(t, res.OK(), "%+v", res.Failure)
	assert.Equal(t, "b", res.WorkerID)
	assert.Equal(t, 2, res.Attempts)
}

func TestRouteFailsOverAfterRetriesExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	wa := mocks.NewMockWorker(ctrl)
	workers.EXPECT().EnsureReady(gomock.Any(), "a").Return(wa, nil).Times(3)
	wa.EXPECT().Acquire(gomock.Any()).Return(nil, pool.ErrPoolExhausted).Times(3)
	readyWorker(ctrl, workers, "b", okResponse(`{}`))

	r := router.New(table(t, desc("a", 0, echoCap()), desc("b", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyFirstMatch, Retry: fastRetry()})
	res := r.Route(context.Background(), router.Request{Capability: "echo"})

	require.True(t, res.OK(), "%+v", res.Failure)
	assert.Equal(t, "b", res.WorkerID)
	assert.Equal(t, 4, res.Attempts)
}

func TestRouteAllCandidatesUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	workers.EXPECT().EnsureReady(gomock.Any(), "a").Return(nil, lifecycle.ErrStartupTimeout)
	workers.EXPECT().EnsureReady(gomock.Any(), "b").Return(nil, lifecycle.ErrPermanentlyFailed)

	r := router.New(table(t, desc("a", 0, echoCap()), desc("b", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyFirstMatch, Retry: fastRetry()})
	res := r.Route(context.Background(), router.Request{Capability: "echo"})

	require.NotNil(t, res.Failure)
	assert.Equal(t, router.KindWorkerUnavailable, res.Failure.Kind)
	assert.Equal(t, router.KindPermanentlyFailed, res.Failure.Cause)
}

func TestRouteAllCandidatesPermanentlyFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	workers.EXPECT().EnsureReady(gomock.Any(), "a").Return(nil, lifecycle.ErrPermanentlyFailed)

	r := router.New(table(t, desc("a", 0, echoCap())), workers, router.Options{Retry: fastRetry()})
	workers.EXPECT().InFlight("a").Return(0).AnyTimes()
	res := r.Route(context.Background(), router.Request{Capability: "echo"})

	require.NotNil(t, res.Failure)
	assert.Equal(t, router.KindPermanentlyFailed, res.Failure.Kind)
}

func TestRouteWorkerErrorNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	readyWorker(ctrl, workers, "a", protocol.Fail("", "bad input", false))

	r := router.New(table(t, desc("a", 0, echoCap()), desc("b", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyFirstMatch, Retry: fastRetry()})
	res := r.Route(context.Background(), router.Request{Capability: "echo"})

	require.NotNil(t, res.Failure)
	assert.Equal(t, router.KindWorkerError, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "bad input")
	assert.Equal(t, "a", res.WorkerID)
	assert.Equal(t, 1, res.Attempts)
}

func TestRouteRetryableWorkerErrorExhausts(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	w := mocks.NewMockWorker(ctrl)
	conn := mocks.NewMockConn(ctrl)
	workers.EXPECT().EnsureReady(gomock.Any(), "a").Return(w, nil).Times(3)
	w.EXPECT().Acquire(gomock.Any()).Return(conn, nil).Times(3)
	conn.EXPECT().Call(gomock.Any(), gomock.Any()).Return(protocol.Fail("", "flaky", true), nil).Times(3)
	conn.EXPECT().Release().Times(3)

	r := router.New(table(t, desc("a", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyFirstMatch, Retry: fastRetry()})
	res := r.Route(context.Background(), router.Request{Capability: "echo"})

	require.NotNil(t, res.Failure)
	assert.Equal(t, router.KindWorkerUnavailable, res.Failure.Kind)
	assert.Equal(t, router.KindWorkerError, res.Failure.Cause)
	assert.Equal(t, 3, res.Attempts)
}

func TestRouteTimeoutDiscardsConnAndStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	w := mocks.NewMockWorker(ctrl)
	conn := mocks.NewMockConn(ctrl)
	workers.EXPECT().EnsureReady(gomock.Any(), "a").Return(w, nil)
	w.EXPECT().Acquire(gomock.Any()).Return(conn, nil)
	conn.EXPECT().Call(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ *protocol.Request) (*protocol.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	conn.EXPECT().Discard()

	r := router.New(table(t, desc("a", 0, echoCap()), desc("b", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyFirstMatch, Retry: fastRetry()})
	res := r.Route(context.Background(), router.Request{Capability: "echo", Deadline: time.Now().Add(30 * time.Millisecond)})

	require.NotNil(t, res.Failure)
	assert.Equal(t, router.KindTimeout, res.Failure.Kind)
	assert.Equal(t, 1, res.Attempts)
}

func TestRouteCachesCacheableCapability(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	readyWorker(ctrl, workers, "a", okResponse(`{"n":1}`))
	workers.EXPECT().InFlight("a").Return(0).AnyTimes()

	c := cache.NewMemoryCache(16)
	store, err := metrics.New(metrics.Options{})
	require.NoError(t, err)
	cp := descriptor.Capability{Name: "lookup", Cacheable: true, CacheTTL: time.Minute}
	r := router.New(table(t, desc("a", 0, cp)), workers, router.Options{Cache: c, Recorder: store})

	first := r.Route(context.Background(), router.Request{Capability: "lookup", Payload: json.RawMessage(`{"b":2,"a":1}`)})
	require.True(t, first.OK())
	assert.False(t, first.Cached)

	// Same payload with different key order hits the cache.
	second := r.Route(context.Background(), router.Request{Capability: "lookup", Payload: json.RawMessage(`{"a":1, "b":2}`)})
	require.True(t, second.OK())
	assert.True(t, second.Cached)
	assert.Equal(t, "a", second.WorkerID)
	assert.JSONEq(t, `{"n":1}`, string(second.Payload))
	assert.Equal(t, 0, second.Attempts)

	g := store.Snapshot().Global
	assert.Equal(t, int64(1), g.CacheHits)
	assert.Equal(t, int64(1), g.CacheMisses)
}

func TestRouteDoesNotCacheUncacheable(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	readyWorker(ctrl, workers, "a", okResponse(`{}`))
	readyWorker(ctrl, workers, "a", okResponse(`{}`))
	workers.EXPECT().InFlight("a").Return(0).AnyTimes()

	r := router.New(table(t, desc("a", 0, echoCap())), workers, router.Options{Cache: cache.NewMemoryCache(16)})
	for range 2 {
		res := r.Route(context.Background(), router.Request{Capability: "echo", Payload: json.RawMessage(`{}`)})
		require.True(t, res.OK())
		assert.False(t, res.Cached)
	}
}

func TestRoutePriorityPolicy(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	readyWorker(ctrl, workers, "c", okResponse(`{}`))

	r := router.New(table(t, desc("a", 1, echoCap()), desc("b", 5, echoCap()), desc("c", 5, echoCap())), workers,
		router.Options{Policy: router.PolicyPriority})
	// b and c tie on priority and b wins on id; failing b shows c comes before a.
	workers.EXPECT().EnsureReady(gomock.Any(), "b").Return(nil, lifecycle.ErrWorkerUnavailable)
	res := r.Route(context.Background(), router.Request{Capability: "echo"})
	require.True(t, res.OK(), "%+v", res.Failure)
	assert.Equal(t, "c", res.WorkerID)
}

func TestRouteLeastLoadedPolicy(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	workers.EXPECT().InFlight("a").Return(2).AnyTimes()
	workers.EXPECT().InFlight("b").Return(0).AnyTimes()
	readyWorker(ctrl, workers, "b", okResponse(`{}`))

	r := router.New(table(t, desc("a", 0, echoCap()), desc("b", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyLeastLoaded})
	res := r.Route(context.Background(), router.Request{Capability: "echo"})
	require.True(t, res.OK(), "%+v", res.Failure)
	assert.Equal(t, "b", res.WorkerID)
}

func TestRouteLeastLoadedBalancesByRoutedCount(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	workers.EXPECT().InFlight(gomock.Any()).Return(0).AnyTimes()
	readyWorker(ctrl, workers, "a", okResponse(`{}`))
	readyWorker(ctrl, workers, "b", okResponse(`{}`))

	r := router.New(table(t, desc("a", 0, echoCap()), desc("b", 0, echoCap())), workers,
		router.Options{Policy: router.PolicyLeastLoaded})
	first := r.Route(context.Background(), router.Request{Capability: "echo"})
	second := r.Route(context.Background(), router.Request{Capability: "echo"})
	assert.Equal(t, "a", first.WorkerID)
	assert.Equal(t, "b", second.WorkerID)
}

func TestRoutePublishesOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkers(ctrl)
	hub := events.NewHub(8)

	r := router.New(table(t, desc("a", 0, echoCap())), workers, router.Options{Events: hub})
	r.Route(context.Background(), router.Request{ID: "r1", Capability: "nope"})

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeRouteFailed, evs[0].Type)
	var out events.RouteOutcome
	require.NoError(t, json.Unmarshal(evs[0].Data, &out))
	assert.Equal(t, "r1", out.RequestID)
	assert.Equal(t, "no_capability", out.Kind)
}

func TestParsePolicy(t *testing.T) {
	p, err := router.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, router.PolicyLeastLoaded, p)

	p, err = router.ParsePolicy("priority")
	require.NoError(t, err)
	assert.Equal(t, router.PolicyPriority, p)

	_, err = router.ParsePolicy("random")
	assert.Error(t, err)
}

func TestFailureError(t *testing.T) {
	f := &router.Failure{Kind: router.KindWorkerUnavailable, Cause: router.KindPoolExhausted, Message: "busy"}
	assert.Equal(t, "worker_unavailable (pool_exhausted): busy", f.Error())
	f = &router.Failure{Kind: router.KindTimeout, Message: "late"}
	assert.Equal(t, "timeout: late", f.Error())
}
