// Package metrics holds the Prometheus instruments for the loyalty ledger.
// Instruments are package-level and registered on the default registry;
// the api package serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loyalty"

// ─── Ledger ─────────────────────────────────────────────────────────────────

var Redemptions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "redemptions_total",
	Help:      "Successful FIFO redemptions.",
})

var RedemptionsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "redemptions_rejected_total",
	Help:      "Redemptions rejected for insufficient credit.",
})

var CreditRedeemed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credit_redeemed",
	Help:      "Total credit consumed by redemptions.",
})

var CreditGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credit_granted",
	Help:      "Total credit granted, by source.",
}, []string{"source"})

var BalanceRecomputes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "balance",
	Name:      "recomputes_total",
	Help:      "Balance snapshot recomputations.",
})

var BalanceCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "balance",
	Name:      "cache_hits_total",
	Help:      "Balance reads served from a fresh snapshot.",
})

// ─── Expiry ─────────────────────────────────────────────────────────────────

var EntriesExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "expiry",
	Name:      "entries_expired_total",
	Help:      "Grants marked expired by the sweeper.",
})

var CreditExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "expiry",
	Name:      "credit_expired",
	Help:      "Total unused credit written off by the sweeper.",
})

var SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "expiry",
	Name:      "sweep_runs_total",
	Help:      "Sweeper runs, by outcome.",
}, []string{"status"})

var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "expiry",
	Name:      "sweep_duration_seconds",
	Help:      "Wall time of a full sweep.",
	Buckets:   prometheus.DefBuckets,
})

// ─── Checkout ───────────────────────────────────────────────────────────────

var Purchases = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "checkout",
	Name:      "purchases_total",
	Help:      "Purchases recorded, by resulting order status.",
}, []string{"status"})

var SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "checkout",
	Name:      "settlement_failures_total",
	Help:      "Purchases left with settlement incomplete, by failed step.",
}, []string{"step"})

var FulfillmentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "fulfillment",
	Name:      "transitions_total",
	Help:      "Fulfillment lifecycle operations, by action.",
}, []string{"action"})
