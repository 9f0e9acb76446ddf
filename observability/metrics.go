// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package observability holds the Prometheus metrics shared across the
// metering pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AdmissionDecisions counts preflight outcomes by result.
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_admission_decisions_total",
			Help: "Preflight admission decisions by outcome (allowed, denied, skipped, byok)",
		},
		[]string{"outcome"},
	)

	// Settlements counts post-call settlements by result.
	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_settlements_total",
			Help: "Post-call settlements by outcome (settled, insufficient_funds, error)",
		},
		[]string{"outcome"},
	)

	// SettledCents accumulates the cents debited by successful settlements.
	SettledCents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meterflow_settled_cents_total",
			Help: "Total cents debited by successful settlements",
		},
	)

	// SettlementDuration observes settlement latency.
	SettlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meterflow_settlement_duration_seconds",
			Help:    "Settlement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ProviderCalls counts upstream LLM calls by model and status.
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_provider_calls_total",
			Help: "Upstream provider calls by model and status",
		},
		[]string{"model", "status"},
	)

	// Fallbacks counts primary-to-secondary model fallbacks.
	Fallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meterflow_fallbacks_total",
			Help: "Calls completed on the fallback model after a primary failure",
		},
	)

	// AutoTopUps counts auto top-up attempts by outcome.
	AutoTopUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_auto_topups_total",
			Help: "Auto top-up attempts by outcome (credited, payment_failed, credit_failed)",
		},
		[]string{"outcome"},
	)

	// BillingPending counts calls whose settlement failed after a
	// successful provider call and await reconciliation.
	BillingPending = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meterflow_billing_pending_total",
			Help: "Calls flagged for reconciliation after a failed settlement",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AdmissionDecisions,
		Settlements,
		SettledCents,
		SettlementDuration,
		ProviderCalls,
		Fallbacks,
		AutoTopUps,
		BillingPending,
	)
}
