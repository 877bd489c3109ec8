// Package metrics exports engine and HTTP activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "genius"

// Collector implements service.Observer on top of Prometheus vectors.
type Collector struct {
	nodesTotal        *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	nodeCost          *prometheus.CounterVec
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

var _ service.Observer = (*Collector)(nil)

// NewCollector registers the vectors on reg. Pass prometheus.NewRegistry()
// in tests to avoid clashing with the default registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	c := &Collector{gatherer: reg}

	c.nodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "node_executions_total",
			Help:      "Finished node attempts by node type and status",
		},
		[]string{"node_type", "status"},
	)
	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "node_duration_seconds",
			Help:      "Node attempt duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"node_type"},
	)
	c.nodeCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "node_cost_total",
			Help:      "Cost reported by node operations",
		},
		[]string{"node_type"},
	)
	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "executions_total",
			Help:      "Finished workflow executions by workflow and status",
		},
		[]string{"workflow", "status"},
	)
	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"workflow"},
	)
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	return c
}

func (c *Collector) NodeFinished(n models.NodeExecution) {
	c.nodesTotal.WithLabelValues(n.NodeType, string(n.Status)).Inc()
	c.nodeDuration.WithLabelValues(n.NodeType).Observe(float64(n.DurationMs) / 1000)
	if n.Cost > 0 {
		c.nodeCost.WithLabelValues(n.NodeType).Add(n.Cost)
	}
}

func (c *Collector) ExecutionFinished(e models.WorkflowExecution) {
	c.executionsTotal.WithLabelValues(e.WorkflowCode, string(e.Status)).Inc()
	c.executionDuration.WithLabelValues(e.WorkflowCode).Observe(float64(e.DurationMs) / 1000)
}

// RecordHTTPRequest is fed by the HTTP middleware; path is the route pattern.
func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
