package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed send attempts",
		},
	)

	EmailsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_suppressed_total",
			Help: "Sends blocked by the suppression list",
		},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Provider webhook events by type",
		},
		[]string{"type"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Scheduled email rows by status",
		},
		[]string{"status"},
	)

	CircuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_open",
			Help: "1 when the circuit breaker for a resource is open",
		},
		[]string{"resource"},
	)

	DispatcherTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_tokens",
			Help: "Available token-bucket tokens per resource",
		},
		[]string{"resource"},
	)
)

func Init() {
	prometheus.MustRegister(
		EmailsSent,
		EmailFailures,
		EmailsSuppressed,
		WebhookEvents,
		QueueDepth,
		CircuitOpen,
		DispatcherTokens,
	)
}
