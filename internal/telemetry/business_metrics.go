package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for business-level observability.
// All payment metrics carry a gateway label for per-processor dashboards.
type BusinessMetrics struct {
	// Webhook ingestion
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookDuplicate *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// Payments and orders
	PaymentSucceeded *prometheus.CounterVec
	PaymentFailed    *prometheus.CounterVec
	OrdersCreated    *prometheus.CounterVec
	RevenueCollected *prometheus.CounterVec
	RefundsIssued    *prometheus.CounterVec

	// Subscription lifecycle
	SubscriptionsCreated *prometheus.CounterVec
	SubscriptionRenewals *prometheus.CounterVec
	RenewalFailures      *prometheus.CounterVec
	PlanChanges          *prometheus.CounterVec

	// Background jobs
	JobsDispatched *prometheus.CounterVec
	JobsProcessed  *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
}

// NewBusinessMetrics creates and registers all business metrics
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "streambill"
	}

	subsystem := "business"

	m := &BusinessMetrics{
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total webhook deliveries received",
			},
			[]string{"gateway", "event_type"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processed_total",
				Help:      "Total webhook deliveries processed successfully",
			},
			[]string{"gateway", "event_type"},
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_failed_total",
				Help:      "Total webhook deliveries that failed processing",
			},
			[]string{"gateway", "event_type", "reason"},
		),
		WebhookDuplicate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duplicate_total",
				Help:      "Total webhook deliveries short-circuited as duplicates",
			},
			[]string{"gateway"},
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duration_seconds",
				Help:      "Webhook processing latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"gateway"},
		),

		PaymentSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_succeeded_total",
				Help:      "Total successful payments reconciled",
			},
			[]string{"gateway"},
		),
		PaymentFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_failed_total",
				Help:      "Total failed payment attempts",
			},
			[]string{"gateway", "reason"},
		),
		OrdersCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "orders_created_total",
				Help:      "Total orders created",
			},
			[]string{"gateway", "order_type"},
		),
		RevenueCollected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "revenue_collected_total",
				Help:      "Total revenue collected in major units",
			},
			[]string{"gateway", "currency"},
		),
		RefundsIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refunds_issued_total",
				Help:      "Total refunds processed",
			},
			[]string{"gateway"},
		),

		SubscriptionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_created_total",
				Help:      "Total subscriptions created from first payments",
			},
			[]string{"gateway"},
		),
		SubscriptionRenewals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscription_renewals_total",
				Help:      "Total successful subscription renewals",
			},
			[]string{"gateway"},
		),
		RenewalFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "renewal_failures_total",
				Help:      "Total failed renewal charge attempts",
			},
			[]string{"gateway", "reason"},
		),
		PlanChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "plan_changes_total",
				Help:      "Total plan changes by type and outcome",
			},
			[]string{"change_type", "status"},
		),

		JobsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "jobs_dispatched_total",
				Help:      "Total background jobs dispatched",
			},
			[]string{"job_type"},
		),
		JobsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "jobs_processed_total",
				Help:      "Total background jobs processed successfully",
			},
			[]string{"job_type"},
		),
		JobsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "jobs_failed_total",
				Help:      "Total background jobs that failed",
			},
			[]string{"job_type"},
		),
	}

	return m
}

// Business is the global metrics instance. Nil until InitBusinessMetrics runs,
// so callers guard with a nil check and metrics stay optional in tests.
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace)
	return Business
}
