package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "toolbridge"

type collectors struct {
	routes       *prometheus.CounterVec
	routeLatency *prometheus.HistogramVec
	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	cache        *prometheus.CounterVec
	spawns       *prometheus.CounterVec
	crashes      *prometheus.CounterVec
}

func newCollectors(reg prometheus.Registerer) (*collectors, error) {
	c := &collectors{
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "requests_total",
			Help:      "Routed requests by capability and outcome.",
		}, []string{"capability", "outcome", "cached"}),
		routeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "duration_seconds",
			Help:      "End-to-end routing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "requests_total",
			Help:      "Dispatch attempts per worker by outcome.",
		}, []string{"worker", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "request_duration_seconds",
			Help:      "Worker request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Worker process spawns.",
		}, []string{"worker"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Worker crashes, including failed spawns and probe failures.",
		}, []string{"worker"}),
	}
	for _, col := range []prometheus.Collector{c.routes, c.routeLatency, c.attempts, c.latency, c.cache, c.spawns, c.crashes} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return c, nil
}

func outcomeLabel(kind string) string {
	if kind == "" {
		return "success"
	}
	return kind
}

func (c *collectors) observeAttempt(a Attempt) {
	c.attempts.WithLabelValues(a.WorkerID, outcomeLabel(a.Kind)).Inc()
	c.latency.WithLabelValues(a.WorkerID).Observe(a.Latency.Seconds())
}

func (c *collectors) observeRoute(r Route) {
	c.routes.WithLabelValues(r.Capability, outcomeLabel(r.Kind), strconv.FormatBool(r.Cached)).Inc()
	c.routeLatency.WithLabelValues(r.Capability).Observe(r.Duration.Seconds())
}

func (c *collectors) observeCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cache.WithLabelValues(result).Inc()
}
