// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"strings"
	"testing"

	"meterflow/platform/metering/pricing"
)

func TestPreflightAllows(t *testing.T) {
	gate := NewGate(pricing.NewTable(), 20)

	// gpt-4o: 1M input chars -> 250k tokens * 250/1M = 62.5 -> 63 cents in,
	// 500 default output tokens * 1000/1M = 0.5 cents; keep it simple with
	// a short prompt instead.
	d := gate.Preflight(Request{
		TenantID:     "tenant-1",
		BalanceCents: 10_000,
		Text:         strings.Repeat("word ", 200), // 1000 chars -> 250 tokens
		Model:        "gpt-4o",
	})

	if !d.Allowed {
		t.Fatalf("expected allowed, got denied: %s", d.Reason)
	}
	if d.EstimatedTokens != 250 {
		t.Errorf("EstimatedTokens = %d, want 250", d.EstimatedTokens)
	}
	// 250*250/1M + 500*1000/1M = 0.0625 + 0.5 cents -> ceil to 1 cent,
	// margin ceil(1*20/100) = 1, required 2.
	if d.EstimatedCostCents != 1 {
		t.Errorf("EstimatedCostCents = %d, want 1", d.EstimatedCostCents)
	}
	if d.RequiredCents != 2 {
		t.Errorf("RequiredCents = %d, want 2", d.RequiredCents)
	}
}

func TestPreflightDenies(t *testing.T) {
	gate := NewGate(pricing.NewTable(), 20)

	// claude-opus-4: 4000 chars -> 1000 tokens * 1500/1M = 1.5 cents,
	// 2000 output * 7500/1M = 15 cents; original ceil(16.5) = 17,
	// margin ceil(17*0.2) = 4, required 21.
	d := gate.Preflight(Request{
		TenantID:             "tenant-1",
		BalanceCents:         15,
		Text:                 strings.Repeat("abcd", 1000),
		Model:                "claude-opus-4",
		ExpectedOutputTokens: 2000,
	})

	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.RequiredCents != 21 {
		t.Errorf("RequiredCents = %d, want 21", d.RequiredCents)
	}
	if d.ShortfallCents != 6 {
		t.Errorf("ShortfallCents = %d, want 6", d.ShortfallCents)
	}
	for _, want := range []string{"0.21", "0.15", "0.06"} {
		if !strings.Contains(d.Reason, want) {
			t.Errorf("Reason %q missing %q", d.Reason, want)
		}
	}
}

func TestPreflightBYOKAlwaysPasses(t *testing.T) {
	gate := NewGate(pricing.NewTable(), 20)

	d := gate.Preflight(Request{
		TenantID:     "tenant-1",
		BalanceCents: 0, // zero balance is irrelevant for BYOK
		Text:         strings.Repeat("x", 100_000),
		Model:        "claude-opus-4",
		BYOK:         true,
	})

	if !d.Allowed {
		t.Fatalf("BYOK should always pass, got: %s", d.Reason)
	}
	if d.RequiredCents != 0 || d.EstimatedCostCents != 0 {
		t.Errorf("BYOK should reserve nothing, got required=%d estimated=%d",
			d.RequiredCents, d.EstimatedCostCents)
	}
}

func TestPreflightExactBoundary(t *testing.T) {
	gate := NewGate(pricing.NewTable(), 20)

	req := Request{
		TenantID:             "tenant-1",
		Text:                 strings.Repeat("abcd", 1000),
		Model:                "claude-opus-4",
		ExpectedOutputTokens: 2000,
	}

	// Balance exactly at the requirement passes.
	req.BalanceCents = 21
	if d := gate.Preflight(req); !d.Allowed {
		t.Errorf("balance == required should pass: %s", d.Reason)
	}

	// One cent short fails.
	req.BalanceCents = 20
	if d := gate.Preflight(req); d.Allowed {
		t.Error("balance one cent below required should fail")
	}
}

func TestPreflightDefaultMargin(t *testing.T) {
	gate := NewGate(pricing.NewTable(), 0)
	if gate.marginPercent != DefaultMarginPercent {
		t.Errorf("marginPercent = %d, want %d", gate.marginPercent, DefaultMarginPercent)
	}
}

func TestDollars(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{100, "1.00"},
		{12_345, "123.45"},
		{-250, "-2.50"},
	}
	for _, tt := range tests {
		if got := dollars(tt.cents); got != tt.want {
			t.Errorf("dollars(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}
