// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package pricing

// Tier is a volume discount tier. Bounds on monthly tokens are inclusive
// below and exclusive above.
type Tier struct {
	Label      string
	MinTokens  int64
	MaxTokens  int64 // exclusive; 0 means unbounded
	PercentOff int64
}

// Discount tiers by trailing calendar-month token volume.
var tiers = []Tier{
	{Label: "Bronze", MinTokens: 0, MaxTokens: 100_001, PercentOff: 0},
	{Label: "Silver", MinTokens: 100_001, MaxTokens: 500_001, PercentOff: 5},
	{Label: "Gold", MinTokens: 500_001, MaxTokens: 2_000_001, PercentOff: 10},
	{Label: "Platinum", MinTokens: 2_000_001, MaxTokens: 0, PercentOff: 15},
}

// Discount describes the tier applied to a settlement.
type Discount struct {
	Tier       string
	PercentOff int64
	// NextTierGap is how many more monthly tokens reach the next tier.
	// Zero on the top tier.
	NextTierGap int64
}

// DiscountFor returns the discount for a monthly token volume. The volume
// includes the tokens of the call being settled. Negative volumes are
// treated as zero.
func DiscountFor(monthlyTokens int64) Discount {
	if monthlyTokens < 0 {
		monthlyTokens = 0
	}

	for i, t := range tiers {
		if t.MaxTokens != 0 && monthlyTokens >= t.MaxTokens {
			continue
		}
		d := Discount{Tier: t.Label, PercentOff: t.PercentOff}
		if i+1 < len(tiers) {
			d.NextTierGap = tiers[i+1].MinTokens - monthlyTokens
		}
		return d
	}

	// Unreachable while the last tier is unbounded.
	last := tiers[len(tiers)-1]
	return Discount{Tier: last.Label, PercentOff: last.PercentOff}
}

// Tiers returns a copy of the tier schedule, cheapest first.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}
