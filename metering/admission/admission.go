// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package admission implements the pre-call balance gate. It estimates the
// cost of a call at the undiscounted rate, adds a safety margin, and admits
// or denies against the tenant's current balance. Admission never mutates
// the ledger; only settlement debits.
package admission

import (
	"fmt"

	"meterflow/platform/metering/pricing"
)

// DefaultMarginPercent is the safety margin applied on top of the estimate.
const DefaultMarginPercent = 20

// DefaultOutputTokens is the expected output size used when the caller
// gives no hint.
const DefaultOutputTokens = 500

// Request is one admission check.
type Request struct {
	TenantID string
	// BalanceCents is the tenant's balance as read by the caller. Admission
	// is advisory; settlement re-checks under the ledger lock.
	BalanceCents int64
	Text         string
	Model        string
	// ExpectedOutputTokens overrides DefaultOutputTokens when positive.
	ExpectedOutputTokens int64
	// BYOK calls bill against the tenant's own provider account and always
	// pass with zero reserve.
	BYOK bool
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed            bool    `json:"allowed"`
	Reason             string  `json:"reason,omitempty"`
	EstimatedTokens    int64   `json:"estimated_tokens"`
	Confidence         float64 `json:"confidence"`
	EstimatedCostCents int64   `json:"estimated_cost_cents"`
	RequiredCents      int64   `json:"required_cents"`
	AvailableCents     int64   `json:"available_cents"`
	ShortfallCents     int64   `json:"shortfall_cents,omitempty"`
}

// Gate performs admission checks against a rate table.
type Gate struct {
	table         *pricing.Table
	marginPercent int64
}

// NewGate creates a Gate. marginPercent <= 0 falls back to the default.
func NewGate(table *pricing.Table, marginPercent int64) *Gate {
	if marginPercent <= 0 {
		marginPercent = DefaultMarginPercent
	}
	return &Gate{table: table, marginPercent: marginPercent}
}

// Preflight checks whether a call may proceed.
func (g *Gate) Preflight(req Request) Decision {
	if req.BYOK {
		return Decision{
			Allowed:        true,
			Reason:         "byok: billing handled by tenant's provider account",
			AvailableCents: req.BalanceCents,
		}
	}

	est := pricing.EstimateTokens(req.Text)
	outputTokens := req.ExpectedOutputTokens
	if outputTokens <= 0 {
		outputTokens = DefaultOutputTokens
	}

	estimated := g.table.EstimateCost(req.Model, est.Tokens, outputTokens)
	required := estimated + ceilDiv(estimated*g.marginPercent, 100)

	d := Decision{
		EstimatedTokens:    est.Tokens,
		Confidence:         est.Confidence,
		EstimatedCostCents: estimated,
		RequiredCents:      required,
		AvailableCents:     req.BalanceCents,
	}

	if req.BalanceCents < required {
		d.ShortfallCents = required - req.BalanceCents
		d.Reason = fmt.Sprintf("insufficient balance: required $%s, available $%s, top up at least $%s",
			dollars(required), dollars(req.BalanceCents), dollars(d.ShortfallCents))
		return d
	}

	d.Allowed = true
	return d
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// dollars formats cents as a two decimal dollar string without float math.
func dollars(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
