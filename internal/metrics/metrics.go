package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "homestay"

// Allocation outcomes.
const (
	OutcomeReserved    = "reserved"
	OutcomeUnavailable = "unavailable"
	OutcomeRejected    = "rejected"
	OutcomeError       = "error"
)

// Reconciliation outcomes.
const (
	ReconcileCreated   = "created"
	ReconcileExisting  = "existing"
	ReconcileConfirmed = "confirmed_pending"
	ReconcileConflict  = "conflict"
	ReconcileUnpaid    = "unpaid"
	ReconcileError     = "error"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Booking allocation attempts by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconciliations_total",
			Help:      "Payment reconciliation attempts by entry point and outcome.",
		},
		[]string{"entry", "outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking status transitions by target status.",
		},
		[]string{"status"},
	)

	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "listing_lock_wait_seconds",
			Help:      "Time spent waiting for a per-listing allocation lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	refundTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_tasks_total",
			Help:      "Processed reconciliation follow-up tasks by result.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, allocations, reconciliations, transitions, lockWait, refundTasks)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncAllocation(source, outcome string) {
	allocations.WithLabelValues(source, outcome).Inc()
}

func IncReconciliation(entry, outcome string) {
	reconciliations.WithLabelValues(entry, outcome).Inc()
}

func IncTransition(status string) {
	transitions.WithLabelValues(status).Inc()
}

func ObserveLockWait(seconds float64) {
	lockWait.Observe(seconds)
}

func IncReconciliationTask(result string) {
	refundTasks.WithLabelValues(result).Inc()
}
