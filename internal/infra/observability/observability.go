// Package observability holds the Prometheus collectors of the ledger.
//
// Collectors are registered on the default registry via promauto and
// served at /metrics when metrics are enabled.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for LedgerOperations.
const (
	OutcomeOK           = "ok"
	OutcomeReplay       = "replay"
	OutcomeInvalid      = "invalid"
	OutcomeInsufficient = "insufficient"
	OutcomeError        = "error"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerOperations counts award/spend/penalize calls by outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bizcoin",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by operation and outcome.",
}, []string{"op", "outcome"})

// LedgerDuration tracks ledger operation latency.
var LedgerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "bizcoin",
	Subsystem: "ledger",
	Name:      "operation_duration_seconds",
	Help:      "Ledger operation latency in seconds.",
	Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
}, []string{"op"})

// TokensMoved counts tokens credited or debited by transaction type.
var TokensMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bizcoin",
	Subsystem: "ledger",
	Name:      "tokens_total",
	Help:      "Absolute tokens moved by transaction type.",
}, []string{"type"})

// PenaltyUncollected counts penalty tokens that could not be collected
// because the wallet balance was too low.
var PenaltyUncollected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "bizcoin",
	Subsystem: "ledger",
	Name:      "penalty_uncollected_tokens_total",
	Help:      "Penalty tokens not collected due to clamping at zero.",
})

// ─── Milestone & Notification Metrics ───────────────────────────────────────

// MilestonesReached counts milestone events emitted.
var MilestonesReached = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bizcoin",
	Subsystem: "milestone",
	Name:      "reached_total",
	Help:      "Milestone events emitted by metric.",
}, []string{"metric"})

// MilestoneErrors counts milestone evaluation failures.
var MilestoneErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "bizcoin",
	Subsystem: "milestone",
	Name:      "evaluation_errors_total",
	Help:      "Milestone evaluations that failed (best effort, not propagated).",
})

// NotificationsSent counts events delivered per sink.
var NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bizcoin",
	Subsystem: "notify",
	Name:      "sent_total",
	Help:      "Events delivered by sink.",
}, []string{"sink"})

// NotificationsDropped counts events dropped because the delivery queue
// was full or closed.
var NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "bizcoin",
	Subsystem: "notify",
	Name:      "dropped_total",
	Help:      "Events dropped before delivery (queue full or closed).",
})

// NotificationFailures counts failed deliveries per sink.
var NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bizcoin",
	Subsystem: "notify",
	Name:      "failures_total",
	Help:      "Failed event deliveries by sink.",
}, []string{"sink"})

// LiveClients tracks connected live feed clients.
var LiveClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "bizcoin",
	Subsystem: "notify",
	Name:      "live_clients",
	Help:      "Connected live feed clients by transport.",
}, []string{"transport"})

// ─── Helpers ────────────────────────────────────────────────────────────────

// ObserveOp records one ledger operation.
func ObserveOp(op, outcome string, started time.Time) {
	LedgerOperations.WithLabelValues(op, outcome).Inc()
	LedgerDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
