// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrderSubmissions counts orders accepted by the brokerage.
	OrderSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_submissions_total",
		Help: "Total number of orders submitted to the brokerage",
	}, []string{"account"})

	// OrderRetries counts submission retries.
	OrderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_retries_total",
		Help: "Total number of order submission retries",
	}, []string{"account"})

	// OrderRejections counts terminal brokerage rejections.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_rejections_total",
		Help: "Total number of orders rejected by the brokerage",
	}, []string{"account"})

	// RiskDrops counts intents dropped by the risk governor.
	RiskDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_drops_total",
		Help: "Total number of intents dropped by the risk governor",
	}, []string{"account", "limit"})

	// CycleDuration observes decision loop cycle latency.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decision_cycle_duration_seconds",
		Help:    "Decision loop cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"account", "state"})
)
