package server

import (
	"context"
	"strconv"
	"time"

	"SessionGuard/internal/biz"
	"SessionGuard/internal/server/middleware"

	kmiddleware "github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "sessionguard"

// Metrics owns the Prometheus registry of the service. Resilience state is
// read from the guard at scrape time; request metrics are observed by the
// HTTP middleware.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.HistogramVec
}

// NewMetrics registers the guard collector, the request histogram and the
// Go runtime collectors on a dedicated registry.
func NewMetrics(guard *biz.Guard) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of diagnostics HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "code"},
		),
	}
	m.registry.MustRegister(
		newGuardCollector(guard),
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware observes the duration of every request by operation and status.
func (m *Metrics) Middleware() kmiddleware.Middleware {
	return func(handler kmiddleware.Handler) kmiddleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			start := time.Now()
			reply, err := handler(ctx, req)

			operation := "unknown"
			if tr, ok := transport.FromServerContext(ctx); ok {
				operation = tr.Operation()
			}
			m.requests.WithLabelValues(operation, strconv.Itoa(middleware.StatusCode(err))).
				Observe(time.Since(start).Seconds())
			return reply, err
		}
	}
}

// guardCollector exports the resilience state as const metrics.
type guardCollector struct {
	guard *biz.Guard

	healthScore        *prometheus.Desc
	circuitState       *prometheus.Desc
	circuitFailures    *prometheus.Desc
	operationCalls     *prometheus.Desc
	operationSuccess   *prometheus.Desc
	operationAvgMillis *prometheus.Desc
	cacheHits          *prometheus.Desc
	cacheMisses        *prometheus.Desc
	cacheEvictions     *prometheus.Desc
	cacheSize          *prometheus.Desc
	sessionFailures    *prometheus.Desc
	sessionDegraded    *prometheus.Desc
}

func newGuardCollector(guard *biz.Guard) *guardCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	return &guardCollector{
		guard:              guard,
		healthScore:        desc("health_score", "Aggregated health score from 0 to 100."),
		circuitState:       desc("circuit_state", "Circuit state per category (0 closed, 1 open, 2 half open).", "category"),
		circuitFailures:    desc("circuit_consecutive_failures", "Consecutive failures per category.", "category"),
		operationCalls:     desc("operation_calls", "Retained call records per operation.", "operation"),
		operationSuccess:   desc("operation_success_rate", "Success rate of retained records per operation.", "operation"),
		operationAvgMillis: desc("operation_avg_duration_ms", "Average duration of retained records per operation.", "operation"),
		cacheHits:          desc("cache_hits_total", "Bounded cache hits."),
		cacheMisses:        desc("cache_misses_total", "Bounded cache misses."),
		cacheEvictions:     desc("cache_evictions_total", "Bounded cache evictions."),
		cacheSize:          desc("cache_entries", "Bounded cache entries."),
		sessionFailures:    desc("session_validation_failures", "Consecutive session validation failures."),
		sessionDegraded:    desc("session_degraded", "1 while the session runs degraded."),
	}
}

// Describe implements prometheus.Collector.
func (c *guardCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.healthScore
	ch <- c.circuitState
	ch <- c.circuitFailures
	ch <- c.operationCalls
	ch <- c.operationSuccess
	ch <- c.operationAvgMillis
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.cacheSize
	ch <- c.sessionFailures
	ch <- c.sessionDegraded
}

// Collect implements prometheus.Collector.
func (c *guardCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.healthScore, prometheus.GaugeValue, float64(c.guard.Health().Score))

	for _, cs := range c.guard.Circuits() {
		ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, float64(cs.State), cs.Category)
		ch <- prometheus.MustNewConstMetric(c.circuitFailures, prometheus.GaugeValue, float64(cs.ConsecutiveFailures), cs.Category)
	}

	for _, op := range c.guard.Operations() {
		st := c.guard.StatsFor(op)
		ch <- prometheus.MustNewConstMetric(c.operationCalls, prometheus.GaugeValue, float64(st.TotalCalls), op)
		ch <- prometheus.MustNewConstMetric(c.operationSuccess, prometheus.GaugeValue, st.SuccessRate, op)
		ch <- prometheus.MustNewConstMetric(c.operationAvgMillis, prometheus.GaugeValue, st.AvgDurationMs, op)
	}

	cache := c.guard.CacheStats()
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(cache.Hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(cache.Misses))
	ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(cache.Evictions))
	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(cache.Size))

	status := c.guard.SessionStatus()
	ch <- prometheus.MustNewConstMetric(c.sessionFailures, prometheus.GaugeValue, float64(status.ConsecutiveValidationFailures))
	degraded := 0.0
	if status.Degraded {
		degraded = 1
	}
	ch <- prometheus.MustNewConstMetric(c.sessionDegraded, prometheus.GaugeValue, degraded)
}
