package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for engine execution, namespaced
// "dipeo". All methods are nil-safe so call sites need no guards.
//
// Exposed series:
//   - dipeo_inflight_nodes (gauge): nodes currently executing.
//   - dipeo_node_duration_ms (histogram, labels node_type/status):
//     per-node execution latency.
//   - dipeo_node_retries_total (counter, label node_type): retry
//     attempts.
//   - dipeo_tokens_published_total (counter): edge tokens published.
//   - dipeo_executions_total (counter, label status): finished
//     executions by terminal status.
type Metrics struct {
	inflightNodes   prometheus.Gauge
	nodeDuration    *prometheus.HistogramVec
	nodeRetries     *prometheus.CounterVec
	tokensPublished prometheus.Counter
	executions      *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with the given registerer.
// Use prometheus.DefaultRegisterer for the global registry, or a
// dedicated prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dipeo",
			Name:      "inflight_nodes",
			Help:      "Number of nodes currently executing.",
		}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dipeo",
			Name:      "node_duration_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_type", "status"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dipeo",
			Name:      "node_retries_total",
			Help:      "Total node retry attempts.",
		}, []string{"node_type"}),
		tokensPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dipeo",
			Name:      "tokens_published_total",
			Help:      "Total tokens published on edges.",
		}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dipeo",
			Name:      "executions_total",
			Help:      "Finished executions by terminal status.",
		}, []string{"status"}),
	}
}

// NodeStarted marks a node in flight.
func (m *Metrics) NodeStarted() {
	if m == nil {
		return
	}
	m.inflightNodes.Inc()
}

// NodeFinished records a node's completion.
func (m *Metrics) NodeFinished(nodeType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflightNodes.Dec()
	m.nodeDuration.WithLabelValues(nodeType, status).Observe(float64(d.Milliseconds()))
}

// NodeRetried counts one retry attempt.
func (m *Metrics) NodeRetried(nodeType string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(nodeType).Inc()
}

// TokensPublished counts published edge tokens.
func (m *Metrics) TokensPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensPublished.Add(float64(n))
}

// ExecutionFinished counts a terminal execution.
func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}
