// Package metrics holds the router's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_requests_total",
			Help: "Routed requests by intent and outcome class",
		},
		[]string{"intent", "outcome"},
	)

	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_attempts_total",
			Help: "Dispatch attempts by provider and reason code",
		},
		[]string{"provider", "reason"},
	)

	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ladder_dispatch_latency_seconds",
			Help:    "Provider dispatch latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider"},
	)

	BudgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_budget_denials_total",
			Help: "Budget admission denials by reason",
		},
		[]string{"intent", "reason"},
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_tokens_total",
			Help: "Reconciled tokens by intent and tier",
		},
		[]string{"intent", "tier"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ladder_circuit_state",
			Help: "Circuit state per provider (0 closed, 1 half_open, 2 open)",
		},
		[]string{"provider"},
	)

	ContextCompressions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ladder_context_compressions_total",
			Help: "Payloads compressed by the context guard",
		},
	)

	ContractMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladder_contract_mode",
			Help: "Current contract mode (0 SERVICE, 1 CODE)",
		},
	)

	ServiceLoadEWMA = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladder_service_load_ewma",
			Help: "EWMA of service_request signals per minute",
		},
	)

	PairingPreflights = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_pairing_preflights_total",
			Help: "Pairing preflight outcomes",
		},
		[]string{"status"},
	)

	EnvelopesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ladder_envelopes_dropped_total",
			Help: "Envelopes that could not be written to the event log",
		},
	)
)
