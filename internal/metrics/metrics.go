package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "credit_service",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_service",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit_service",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	deductions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_service",
			Subsystem: "ledger",
			Name:      "deductions_total",
			Help:      "Total number of credit deductions.",
		},
		[]string{"outcome"},
	)

	deductionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_service",
			Subsystem: "ledger",
			Name:      "deduction_retries_total",
			Help:      "Deductions retried after a version conflict.",
		},
	)

	grantsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_service",
			Subsystem: "ledger",
			Name:      "grants_total",
			Help:      "Credit grants issued, by source.",
		},
		[]string{"source"},
	)

	grantsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_service",
			Subsystem: "ledger",
			Name:      "grants_expired_total",
			Help:      "Grants swept after passing their expiry.",
		},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_service",
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Billing webhook events processed, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	jobSettlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_service",
			Subsystem: "jobs",
			Name:      "settlements_total",
			Help:      "Job settlements, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		deductions,
		deductionRetries,
		grantsIssued,
		grantsExpired,
		webhookEvents,
		jobSettlements,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncrementInFlight bumps the in-flight request gauge.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight lowers the in-flight request gauge.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordDeduction records the outcome of a deduction attempt.
func RecordDeduction(outcome string) {
	deductions.WithLabelValues(outcome).Inc()
}

// RecordDeductionRetry records a version-conflict retry.
func RecordDeductionRetry() { deductionRetries.Inc() }

// RecordGrant records an issued grant.
func RecordGrant(source string) {
	grantsIssued.WithLabelValues(source).Inc()
}

// RecordGrantsExpired adds swept grants to the expiry counter.
func RecordGrantsExpired(n int) {
	if n > 0 {
		grantsExpired.Add(float64(n))
	}
}

// RecordWebhookEvent records a processed billing event.
func RecordWebhookEvent(eventType, outcome string) {
	webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordJobSettlement records a completed or failed job settlement.
func RecordJobSettlement(result string) {
	jobSettlements.WithLabelValues(result).Inc()
}
