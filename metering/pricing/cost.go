// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package pricing

// Breakdown is the fully itemized cost of one settled call.
type Breakdown struct {
	Model           string `json:"model"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	OriginalCents   int64  `json:"original_cents"`
	DiscountPercent int64  `json:"discount_percent"`
	Tier            string `json:"tier"`
	NextTierGap     int64  `json:"next_tier_gap,omitempty"`
	SavingsCents    int64  `json:"savings_cents"`
	CostCents       int64  `json:"cost_cents"`
}

// ExactCost computes the post-call cost of a call from exact token counts.
// monthlyTokens is the tenant's trailing calendar-month volume including
// this call's tokens; it selects the discount tier. Both the undiscounted
// total and the discounted total round up to the next cent.
func (t *Table) ExactCost(model string, inputTokens, outputTokens, monthlyTokens int64) Breakdown {
	r := t.Rates(model)

	original := ceilDiv(inputTokens*r.InputPer1M+outputTokens*r.OutputPer1M, 1_000_000)
	d := DiscountFor(monthlyTokens)
	final := ceilDiv(original*(100-d.PercentOff), 100)

	return Breakdown{
		Model:           model,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		OriginalCents:   original,
		DiscountPercent: d.PercentOff,
		Tier:            d.Tier,
		NextTierGap:     d.NextTierGap,
		SavingsCents:    original - final,
		CostCents:       final,
	}
}

// EstimateCost computes the pre-call cost estimate for admission from
// estimated token counts. No discount applies; admission reserves against
// the undiscounted rate.
func (t *Table) EstimateCost(model string, inputTokens, outputTokens int64) int64 {
	r := t.Rates(model)
	return ceilDiv(inputTokens*r.InputPer1M+outputTokens*r.OutputPer1M, 1_000_000)
}
