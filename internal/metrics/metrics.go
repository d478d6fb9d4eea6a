// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "whooprelay"

var (
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Inbound webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	DispatchTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_tasks_total",
			Help:      "Processed dispatch tasks by event type and result",
		},
		[]string{"event_type", "result"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Tasks waiting in the dispatch queue",
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	TokenRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Latency of token endpoint refresh calls",
			Buckets:   prometheus.DefBuckets,
		},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Data API responses by resource and status class",
		},
		[]string{"resource", "status"},
	)

	ReconciledRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_records_total",
			Help:      "Records seen by reconciliation sweeps",
		},
		[]string{"resource", "applied"},
	)

	ReconcileSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sweeps_total",
			Help:      "Per-user reconciliation sweeps by resource and result",
		},
		[]string{"resource", "result"},
	)
)

func RecordWebhook(outcome string) {
	WebhookDeliveries.WithLabelValues(outcome).Inc()
}

func RecordDispatch(eventType, result string) {
	DispatchTasks.WithLabelValues(eventType, result).Inc()
}

func RecordTokenRefresh(trigger, result string, took time.Duration) {
	TokenRefreshes.WithLabelValues(trigger, result).Inc()
	if took > 0 {
		TokenRefreshDuration.Observe(took.Seconds())
	}
}

func RecordAPIResponse(resource string, status int) {
	APIRequests.WithLabelValues(resource, statusClass(status)).Inc()
}

func RecordReconciledRecord(resource string, applied bool) {
	label := "false"
	if applied {
		label = "true"
	}
	ReconciledRecords.WithLabelValues(resource, label).Inc()
}

func RecordSweep(resource, result string) {
	ReconcileSweeps.WithLabelValues(resource, result).Inc()
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status == 401, status == 404, status == 429:
		return strconv.Itoa(status)
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
