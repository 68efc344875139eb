// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stmcp"

var (
	// turnsTotal counts conversation turns by recognized intent.
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Conversation turns by recognized intent",
	}, []string{"intent"})

	// stepsTotal counts workflow steps by operation and outcome
	// (ok, failed, skipped, cached).
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_steps_total",
		Help:      "Workflow steps by operation and outcome",
	}, []string{"operation", "outcome"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Handled errors by kind",
	}, []string{"kind"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Registry call retries after a retryable failure",
	})

	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Batch items by status",
	}, []string{"status"})

	// hubRequestSeconds measures SmartThings API latency.
	// Labels: endpoint (devices, status, commands, ...), code (HTTP status or "error")
	hubRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "request_seconds",
		Help:      "SmartThings API request latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
	}, []string{"endpoint", "code"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Conversation sessions held in memory",
	})
)

func RecordTurn(intent string) { turnsTotal.WithLabelValues(intent).Inc() }

func RecordStep(operation, outcome string) {
	stepsTotal.WithLabelValues(operation, outcome).Inc()
}

func RecordError(kind string) { errorsTotal.WithLabelValues(kind).Inc() }

func RecordRetry() { retriesTotal.Inc() }

func RecordBatchItem(status string) { batchItemsTotal.WithLabelValues(status).Inc() }

// RecordHubRequest records one SmartThings call. code <= 0 means the
// request failed before a response arrived.
func RecordHubRequest(endpoint string, code int, elapsed time.Duration) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	hubRequestSeconds.WithLabelValues(endpoint, label).Observe(elapsed.Seconds())
}

func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }
