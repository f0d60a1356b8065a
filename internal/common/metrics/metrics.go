// Package metrics exposes Prometheus instrumentation for the dispatcher,
// batch watcher, and outbox relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatcherTasksSubmitted tracks submit attempts by outcome.
	DispatcherTasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "classify_relay",
			Subsystem: "dispatcher",
			Name:      "tasks_submitted_total",
			Help:      "Total task submit attempts by result",
		},
		[]string{"result"}, // success, retry, failed
	)

	// DispatcherSubmitDuration tracks remote submit call latency.
	DispatcherSubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "classify_relay",
			Subsystem: "dispatcher",
			Name:      "submit_duration_seconds",
			Help:      "Time to submit a task to the remote batch API",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// DispatcherActiveSubmits tracks in-flight submit workers.
	DispatcherActiveSubmits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "classify_relay",
			Subsystem: "dispatcher",
			Name:      "active_submits",
			Help:      "Number of submit workers currently running",
		},
	)

	// WatcherBatchesPolled tracks batch status polls by resulting status.
	WatcherBatchesPolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "classify_relay",
			Subsystem: "watcher",
			Name:      "batches_polled_total",
			Help:      "Total batch status polls by resulting status",
		},
		[]string{"status"}, // in_progress, ended, expired, canceled, error
	)

	// WatcherTasksResolved tracks tasks finalized by a batch poll.
	WatcherTasksResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "classify_relay",
			Subsystem: "watcher",
			Name:      "tasks_resolved_total",
			Help:      "Total tasks moved to a terminal state by the batch watcher",
		},
		[]string{"outcome"}, // completed, failed
	)

	// RelayDeliveries tracks webhook delivery attempts by outcome.
	RelayDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "classify_relay",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Total webhook delivery attempts by outcome",
		},
		[]string{"result"}, // sent, retry, circuit_open
	)

	// RelayDeliveryDuration tracks webhook POST latency.
	RelayDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "classify_relay",
			Subsystem: "relay",
			Name:      "delivery_duration_seconds",
			Help:      "Webhook delivery request duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)

	// RelayCircuitBreakerState tracks per-host breaker state (0 closed, 1 half-open, 2 open).
	RelayCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "classify_relay",
			Subsystem: "relay",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per callback host",
		},
		[]string{"host"},
	)

	// RelayCircuitBreakerTrips counts breaker trips per host.
	RelayCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "classify_relay",
			Subsystem: "relay",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trips per callback host",
		},
		[]string{"host"},
	)

	// OutboxPendingDepth tracks the size of the pending outbox queue.
	OutboxPendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "classify_relay",
			Subsystem: "outbox",
			Name:      "pending_depth",
			Help:      "Number of outbox messages awaiting delivery",
		},
	)

	// TasksByState reports the size of each task state queue, refreshed each poll cycle.
	TasksByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "classify_relay",
			Subsystem: "tasks",
			Name:      "by_state",
			Help:      "Number of tasks currently in each state",
		},
		[]string{"state"},
	)
)

// Circuit breaker state values, matching gobreaker.State ordering.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerHalfOpen = 1
	CircuitBreakerOpen     = 2
)
