// ============================================================================
// dapper metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
//
// Metric families:
//
//   1. Counters:
//      - dapper_events_total{kind,origin}: control events processed
//      - dapper_dispatches_total: node assignments sent to clients
//      - dapper_resets_total: attempts torn down (local or remote)
//      - dapper_nodes_finished_total / dapper_nodes_failed_total
//
//   2. Histograms:
//      - dapper_execute_duration_seconds: codelet execution latency
//
//   3. Gauges:
//      - dapper_clients_connected: currently registered clients
//      - dapper_nodes_pending / dapper_nodes_executing
//      - dapper_recovery_seconds: duration of the last journal replay
//
// Collectors register against a caller-supplied registerer so one process
// can host a server and several clients without metric collisions; a nil
// registerer falls back to the Prometheus default.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the runtime's metric instruments.
type Collector struct {
	events     *prometheus.CounterVec
	dispatches prometheus.Counter
	resets     prometheus.Counter
	finished   prometheus.Counter
	failed     prometheus.Counter

	executeDuration prometheus.Histogram
	recovery        prometheus.Gauge

	clientsConnected prometheus.Gauge
	nodesPending     prometheus.Gauge
	nodesExecuting   prometheus.Gauge
}

// NewCollector builds and registers the instrument set. A nil registerer
// targets the Prometheus default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dapper_events_total",
			Help: "Control events processed, by kind and origin",
		}, []string{"kind", "origin"}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dapper_dispatches_total",
			Help: "Node assignments sent to clients",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dapper_resets_total",
			Help: "Execution attempts torn down",
		}),
		finished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dapper_nodes_finished_total",
			Help: "Nodes that completed successfully",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dapper_nodes_failed_total",
			Help: "Nodes that exhausted their retry budget",
		}),
		executeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dapper_execute_duration_seconds",
			Help:    "Codelet execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		recovery: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dapper_recovery_seconds",
			Help: "Duration of the last journal replay",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dapper_clients_connected",
			Help: "Currently registered clients",
		}),
		nodesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dapper_nodes_pending",
			Help: "Nodes waiting for dispatch",
		}),
		nodesExecuting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dapper_nodes_executing",
			Help: "Nodes currently executing",
		}),
	}

	reg.MustRegister(
		c.events,
		c.dispatches,
		c.resets,
		c.finished,
		c.failed,
		c.executeDuration,
		c.recovery,
		c.clientsConnected,
		c.nodesPending,
		c.nodesExecuting,
	)

	return c
}

// RecordEvent counts one processed control event. Safe on a nil collector
// so instrumentation stays optional.
func (c *Collector) RecordEvent(kind, origin string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind, origin).Inc()
}

// RecordDispatch counts one assignment sent.
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.dispatches.Inc()
}

// RecordReset counts one attempt teardown.
func (c *Collector) RecordReset() {
	if c == nil {
		return
	}
	c.resets.Inc()
}

// RecordFinished counts one completed node and its execution latency.
func (c *Collector) RecordFinished(duration time.Duration) {
	if c == nil {
		return
	}
	c.finished.Inc()
	c.executeDuration.Observe(duration.Seconds())
}

// RecordFailed counts one node whose retry budget ran out.
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.failed.Inc()
}

// SetRecoverySeconds records the duration of the last journal replay.
func (c *Collector) SetRecoverySeconds(seconds float64) {
	if c == nil {
		return
	}
	c.recovery.Set(seconds)
}

// SetClientsConnected tracks the registry size.
func (c *Collector) SetClientsConnected(n int) {
	if c == nil {
		return
	}
	c.clientsConnected.Set(float64(n))
}

// UpdateFlowStats publishes the scheduler's pending and executing node
// counts.
func (c *Collector) UpdateFlowStats(pending, executing int) {
	if c == nil {
		return
	}
	c.nodesPending.Set(float64(pending))
	c.nodesExecuting.Set(float64(executing))
}

// StartServer exposes /metrics on addr. A nil gatherer serves the
// Prometheus default registry. Blocks like http.ListenAndServe.
func StartServer(addr string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
