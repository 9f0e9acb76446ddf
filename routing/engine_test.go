// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"meterflow/platform/credentials"
	"meterflow/platform/llm"
	"meterflow/platform/metering/admission"
	"meterflow/platform/metering/ledger"
	"meterflow/platform/metering/pricing"
	"meterflow/platform/metering/settlement"
	"meterflow/platform/metering/usage"
)

// fakeProvider scripts responses and failures per model.
type fakeProvider struct {
	responses map[string]*llm.CompletionResponse
	failures  map[string]error
	calls     []fakeCall
}

type fakeCall struct {
	model  string
	apiKey string
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, req llm.CompletionRequest, apiKey string) (*llm.CompletionResponse, error) {
	f.calls = append(f.calls, fakeCall{model: req.Model, apiKey: apiKey})
	if err, ok := f.failures[req.Model]; ok {
		return nil, err
	}
	if resp, ok := f.responses[req.Model]; ok {
		return resp, nil
	}
	return nil, &llm.APIError{StatusCode: 404, Message: "model not found"}
}

func (f *fakeProvider) Name() string { return "openai" }

type testEnv struct {
	engine   *Engine
	store    *ledger.MemoryStore
	creds    *credentials.MemoryStore
	provider *fakeProvider
	cipher   *credentials.FieldCipher
}

func newTestEnv(t *testing.T, provider *fakeProvider) *testEnv {
	t.Helper()

	store := ledger.NewMemoryStore()
	creds := credentials.NewMemoryStore()
	cipher, err := credentials.NewFieldCipher([]byte("test-master-secret"), "byok-keys")
	if err != nil {
		t.Fatalf("NewFieldCipher failed: %v", err)
	}

	table := pricing.NewTable()
	noRetry := llm.RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1, RetryIf: llm.DefaultRetryable}

	engine := NewEngine(Config{
		Provider:      provider,
		Credentials:   creds,
		Cipher:        cipher,
		PlatformKey:   credentials.StaticResolver("sk-platform"),
		Gate:          admission.NewGate(table, 20),
		Settler:       settlement.NewEngine(store, table),
		Monthly:       usage.NewLedgerSource(store),
		Ledger:        store,
		PrimaryModel:  "gpt-4o",
		FallbackModel: "gpt-4o-mini",
		Retry:         &noRetry,
		CallTimeout:   time.Second,
	})

	return &testEnv{engine: engine, store: store, creds: creds, provider: provider, cipher: cipher}
}

func seedBalance(t *testing.T, store ledger.Store, tenantID string, cents int64) {
	t.Helper()
	if _, err := store.Credit(context.Background(), tenantID, cents, ledger.KindTopUp, ledger.EntryMeta{}); err != nil {
		t.Fatalf("seed credit failed: %v", err)
	}
}

func TestManagedEndToEnd(t *testing.T) {
	provider := &fakeProvider{
		responses: map[string]*llm.CompletionResponse{
			"gpt-4o": {
				Content: "the answer",
				Model:   "gpt-4o",
				Usage:   llm.UsageStats{PromptTokens: 100_000, CompletionTokens: 50_000, TotalTokens: 150_000},
			},
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	seedBalance(t, env.store, "tenant-1", 10_000)
	// Prior usage this month puts the tenant in Silver once this call's
	// tokens are added.
	if _, err := env.store.Debit(ctx, "tenant-1", 100, ledger.KindUsageDebit, ledger.EntryMeta{
		UsageType: ledger.UsageLLM, Quantity: 100_000,
	}); err != nil {
		t.Fatalf("seed debit failed: %v", err)
	}

	result, err := env.engine.Execute(ctx, GenerateRequest{
		TenantID: "tenant-1",
		Prompt:   "what is the answer",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Mode != ModeManaged {
		t.Errorf("Mode = %s, want managed", result.Mode)
	}
	if result.Content != "the answer" {
		t.Errorf("Content = %q, want %q", result.Content, "the answer")
	}
	// 100k in + 50k out on gpt-4o = 75 cents; 250k monthly -> Silver 5%;
	// ceil(75*0.95) = 72.
	if result.Tier != "Silver" || result.DiscountPercent != 5 {
		t.Errorf("tier = %s/%d%%, want Silver/5%%", result.Tier, result.DiscountPercent)
	}
	if result.CostCents != 72 || result.SavingsCents != 3 {
		t.Errorf("cost/savings = %d/%d, want 72/3", result.CostCents, result.SavingsCents)
	}
	if result.NewBalanceCents != 10_000-100-72 {
		t.Errorf("NewBalanceCents = %d, want %d", result.NewBalanceCents, 10_000-100-72)
	}
	if result.BillingPending {
		t.Error("settlement succeeded, BillingPending must be false")
	}

	// The managed call used the platform key.
	if len(provider.calls) != 1 || provider.calls[0].apiKey != "sk-platform" {
		t.Errorf("provider calls = %+v, want one call with platform key", provider.calls)
	}

	// Exactly one new usage debit on the ledger.
	entries, _ := env.store.ListEntries(ctx, "tenant-1", 10)
	if entries[0].Kind != ledger.KindUsageDebit || entries[0].AmountCents != -72 {
		t.Errorf("newest entry = %s/%d, want usage_debit/-72", entries[0].Kind, entries[0].AmountCents)
	}
}

// A Silver-tier tenant settles a small call for strictly less than the
// preflight reserve, with real savings from the discount.
func TestSilverTenantSettlesBelowEstimate(t *testing.T) {
	provider := &fakeProvider{
		responses: map[string]*llm.CompletionResponse{
			"premium-xl": {
				Content: "answer",
				Model:   "premium-xl",
				Usage:   llm.UsageStats{PromptTokens: 25, CompletionTokens: 450, TotalTokens: 475},
			},
		},
	}

	store := ledger.NewMemoryStore()
	creds := credentials.NewMemoryStore()
	cipher, _ := credentials.NewFieldCipher([]byte("test-master-secret"), "byok-keys")

	table := pricing.NewTable()
	// $1 per 1K tokens both ways.
	table.SetRates("premium-xl", pricing.ModelRates{InputPer1M: 100_000, OutputPer1M: 100_000})

	gate := admission.NewGate(table, 20)
	engine := NewEngine(Config{
		Provider:     provider,
		Credentials:  creds,
		Cipher:       cipher,
		PlatformKey:  credentials.StaticResolver("sk-platform"),
		Gate:         gate,
		Settler:      settlement.NewEngine(store, table),
		Monthly:      usage.NewLedgerSource(store),
		Ledger:       store,
		PrimaryModel: "premium-xl",
		CallTimeout:  time.Second,
	})

	ctx := context.Background()
	seedBalance(t, store, "tenant-1", 10_000)
	// 250k tokens already metered this month puts the tenant in Silver.
	if _, err := store.Debit(ctx, "tenant-1", 100, ledger.KindUsageDebit, ledger.EntryMeta{
		UsageType: ledger.UsageLLM, Quantity: 250_000,
	}); err != nil {
		t.Fatalf("seed debit failed: %v", err)
	}

	prompt := strings.Repeat("word ", 20) // 100 chars -> 25 estimated tokens
	pre := gate.Preflight(admission.Request{
		TenantID:     "tenant-1",
		BalanceCents: 9_900,
		Text:         prompt,
		Model:        "premium-xl",
	})
	if !pre.Allowed {
		t.Fatalf("admission should pass: %s", pre.Reason)
	}

	result, err := engine.Execute(ctx, GenerateRequest{TenantID: "tenant-1", Prompt: prompt})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Tier != "Silver" || result.DiscountPercent != 5 {
		t.Errorf("tier = %s/%d%%, want Silver/5%%", result.Tier, result.DiscountPercent)
	}
	if result.SavingsCents <= 0 {
		t.Errorf("SavingsCents = %d, want > 0", result.SavingsCents)
	}
	if result.CostCents >= pre.EstimatedCostCents {
		t.Errorf("settled cost %d must be strictly below the preflight estimate %d",
			result.CostCents, pre.EstimatedCostCents)
	}
}

func TestBYOKSkipsLedger(t *testing.T) {
	provider := &fakeProvider{
		responses: map[string]*llm.CompletionResponse{
			"gpt-4o": {
				Content: "byok answer",
				Model:   "gpt-4o",
				Usage:   llm.UsageStats{PromptTokens: 500_000, CompletionTokens: 100_000, TotalTokens: 600_000},
			},
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	sealed, err := env.cipher.Encrypt("sk-tenant-own")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if err := env.creds.Save(ctx, &credentials.Credential{
		TenantID: "tenant-1", Provider: "openai", APIKeyEncrypted: sealed, Enabled: true,
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Zero balance: BYOK must still pass.
	result, err := env.engine.Execute(ctx, GenerateRequest{
		TenantID: "tenant-1",
		Prompt:   "hello",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Mode != ModeBYOK {
		t.Errorf("Mode = %s, want byok", result.Mode)
	}
	if result.CostCents != 0 {
		t.Errorf("CostCents = %d, want 0 for BYOK", result.CostCents)
	}
	if provider.calls[0].apiKey != "sk-tenant-own" {
		t.Errorf("apiKey = %q, want decrypted tenant key", provider.calls[0].apiKey)
	}

	entries, _ := env.store.ListEntries(ctx, "tenant-1", 10)
	if len(entries) != 0 {
		t.Errorf("BYOK must not touch the ledger, got %d entries", len(entries))
	}
}

func TestDisabledKeyRoutesManaged(t *testing.T) {
	provider := &fakeProvider{
		responses: map[string]*llm.CompletionResponse{
			"gpt-4o": {Content: "ok", Model: "gpt-4o", Usage: llm.UsageStats{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}},
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	sealed, _ := env.cipher.Encrypt("sk-disabled")
	env.creds.Save(ctx, &credentials.Credential{
		TenantID: "tenant-1", Provider: "openai", APIKeyEncrypted: sealed, Enabled: false,
	})
	seedBalance(t, env.store, "tenant-1", 1000)

	result, err := env.engine.Execute(ctx, GenerateRequest{TenantID: "tenant-1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Mode != ModeManaged {
		t.Errorf("Mode = %s, want managed when the key is disabled", result.Mode)
	}
	if provider.calls[0].apiKey != "sk-platform" {
		t.Errorf("apiKey = %q, want platform key", provider.calls[0].apiKey)
	}
}

func TestExpiredKeyRoutesManaged(t *testing.T) {
	provider := &fakeProvider{
		responses: map[string]*llm.CompletionResponse{
			"gpt-4o": {Content: "ok", Model: "gpt-4o", Usage: llm.UsageStats{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}},
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	sealed, _ := env.cipher.Encrypt("sk-expired")
	expired := time.Now().Add(-time.Hour)
	env.creds.Save(ctx, &credentials.Credential{
		TenantID: "tenant-1", Provider: "openai", APIKeyEncrypted: sealed,
		Enabled: true, ExpiresAt: &expired,
	})
	seedBalance(t, env.store, "tenant-1", 1000)

	result, err := env.engine.Execute(ctx, GenerateRequest{TenantID: "tenant-1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Mode != ModeManaged {
		t.Errorf("Mode = %s, want managed when the key is expired", result.Mode)
	}
	if provider.calls[0].apiKey != "sk-platform" {
		t.Errorf("apiKey = %q, expired tenant key must not be used", provider.calls[0].apiKey)
	}

	// A future expiry still routes BYOK.
	future := time.Now().Add(time.Hour)
	env.creds.Save(ctx, &credentials.Credential{
		TenantID: "tenant-1", Provider: "openai", APIKeyEncrypted: sealed,
		Enabled: true, ExpiresAt: &future,
	})
	decision, err := env.engine.Decide(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision.Mode != ModeBYOK {
		t.Errorf("Mode = %s, want byok before expiry", decision.Mode)
	}
}

func TestSkipPreflightSettlesAnyway(t *testing.T) {
	provider := &fakeProvider{
		responses: map[string]*llm.CompletionResponse{
			"gpt-4o": {Content: "ok", Model: "gpt-4o", Usage: llm.UsageStats{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500}},
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	// One cent is below the preflight reserve for any call.
	seedBalance(t, env.store, "tenant-1", 1)

	_, err := env.engine.Execute(ctx, GenerateRequest{TenantID: "tenant-1", Prompt: "hi"})
	var denied *AdmissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("gated call should be denied, got %v", err)
	}

	// Skipping the gate lets the call through; settlement remains the
	// authoritative balance check.
	result, err := env.engine.Execute(ctx, GenerateRequest{
		TenantID:      "tenant-1",
		Prompt:        "hi",
		SkipPreflight: true,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.CostCents != 1 || result.NewBalanceCents != 0 {
		t.Errorf("cost/balance = %d/%d, want 1/0", result.CostCents, result.NewBalanceCents)
	}
	if result.BillingPending {
		t.Error("settlement succeeded, BillingPending must be false")
	}
}

func TestAdmissionDenied(t *testing.T) {
	provider := &fakeProvider{}
	env := newTestEnv(t, provider)

	// No balance at all.
	_, err := env.engine.Execute(context.Background(), GenerateRequest{
		TenantID:             "tenant-1",
		Prompt:               "an expensive request",
		Model:                "claude-opus-4",
		ExpectedOutputTokens: 10_000,
	})

	var denied *AdmissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("want *AdmissionDeniedError, got %v", err)
	}
	if denied.Decision.ShortfallCents == 0 {
		t.Error("denial must carry the shortfall")
	}
	if len(provider.calls) != 0 {
		t.Errorf("provider must not be called after denial, got %d calls", len(provider.calls))
	}
}

func TestFallbackSettlesAtFallbackPricing(t *testing.T) {
	provider := &fakeProvider{
		failures: map[string]error{
			"gpt-4o": &llm.APIError{StatusCode: 503, Message: "primary down"},
		},
		responses: map[string]*llm.CompletionResponse{
			"gpt-4o-mini": {
				Content: "fallback answer",
				Model:   "gpt-4o-mini",
				Usage:   llm.UsageStats{PromptTokens: 1_000_000, CompletionTokens: 500_000, TotalTokens: 1_500_000},
			},
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()
	seedBalance(t, env.store, "tenant-1", 10_000)

	result, err := env.engine.Execute(ctx, GenerateRequest{TenantID: "tenant-1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.FellBack {
		t.Error("FellBack not set")
	}
	if result.ModelUsed != "gpt-4o-mini" {
		t.Errorf("ModelUsed = %s, want gpt-4o-mini", result.ModelUsed)
	}
	// gpt-4o-mini: 1M*15/1M + 500k*60/1M = 15 + 30 = 45 cents original;
	// monthly 1.5M -> Gold 10% -> ceil(45*0.9) = 41.
	if result.OriginalCents != 45 {
		t.Errorf("OriginalCents = %d, want 45 (fallback model rates)", result.OriginalCents)
	}
	if result.Tier != "Gold" || result.CostCents != 41 {
		t.Errorf("tier/cost = %s/%d, want Gold/41", result.Tier, result.CostCents)
	}
}

func TestBothModelsFail(t *testing.T) {
	provider := &fakeProvider{
		failures: map[string]error{
			"gpt-4o":      &llm.APIError{StatusCode: 503, Message: "primary down"},
			"gpt-4o-mini": &llm.APIError{StatusCode: 503, Message: "fallback down"},
		},
	}
	env := newTestEnv(t, provider)
	seedBalance(t, env.store, "tenant-1", 10_000)

	_, err := env.engine.Execute(context.Background(), GenerateRequest{TenantID: "tenant-1", Prompt: "hello"})
	if err == nil {
		t.Fatal("expected compound error")
	}
	for _, want := range []string{"gpt-4o", "gpt-4o-mini"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}

	// Nothing settled.
	entries, _ := env.store.ListEntries(context.Background(), "tenant-1", 10)
	if len(entries) != 1 {
		t.Errorf("got %d entries, want only the seed credit", len(entries))
	}
}

func TestSettlementFailureFlagsBillingPending(t *testing.T) {
	provider := &fakeProvider{
		responses: map[string]*llm.CompletionResponse{
			"gpt-4o": {
				Content: "expensive answer",
				Model:   "gpt-4o",
				Usage:   llm.UsageStats{PromptTokens: 1_000_000, CompletionTokens: 1_000_000, TotalTokens: 2_000_000},
			},
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	// Enough to pass admission for a short prompt but not to settle the
	// real usage (1250 cents at gpt-4o rates before discount).
	seedBalance(t, env.store, "tenant-1", 600)

	result, err := env.engine.Execute(ctx, GenerateRequest{TenantID: "tenant-1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("output must be returned despite settlement failure: %v", err)
	}

	if !result.BillingPending {
		t.Error("BillingPending not set")
	}
	if result.Content != "expensive answer" {
		t.Errorf("Content = %q, want the provider output", result.Content)
	}
	if result.CostCents != 0 {
		t.Errorf("CostCents = %d, want 0 when settlement failed", result.CostCents)
	}

	// Balance untouched by the failed debit.
	balance, _ := env.store.GetBalance(ctx, "tenant-1")
	if balance != 600 {
		t.Errorf("balance = %d, want 600", balance)
	}
}
