package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "provisioner"
)

var (
	// WebhookRequestsTotal counts webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Payment webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ProvisioningTotal counts provisioning outcomes.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisioning_total",
		Help:      "Total provisioning attempts by outcome.",
	}, []string{"outcome"})

	// IdempotencyDecisions counts guard decisions (proceed, already_processed, in_flight).
	IdempotencyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idempotency",
		Name:      "decisions_total",
		Help:      "Idempotency guard decisions by kind.",
	}, []string{"decision"})

	// StoreCallDuration tracks latency of calls to the account and subscription stores.
	StoreCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "call_duration_seconds",
		Help:      "Duration of external store calls in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"store", "op", "result"})

	// PendingReservations tracks ledger entries reserved but not yet completed.
	PendingReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "idempotency",
		Name:      "pending_reservations",
		Help:      "Idempotency ledger entries without a recorded outcome.",
	})
)

// ObserveStoreCall records the duration of a store call started at start.
func ObserveStoreCall(store, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreCallDuration.WithLabelValues(store, op, result).Observe(time.Since(start).Seconds())
}
