// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package routing decides how each call is billed and drives it end to
// end: BYOK calls run on the tenant's own key and never touch the ledger,
// managed calls pass admission, run on the platform key, and settle
// against the prepaid balance.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meterflow/platform/credentials"
	"meterflow/platform/llm"
	"meterflow/platform/metering/admission"
	"meterflow/platform/metering/ledger"
	"meterflow/platform/metering/settlement"
	"meterflow/platform/metering/usage"
	"meterflow/platform/observability"
	"meterflow/platform/shared/logger"
)

// Mode says who pays for a call.
type Mode string

const (
	// ModeBYOK bills against the tenant's own provider account.
	ModeBYOK Mode = "byok"
	// ModeManaged bills against the tenant's prepaid balance.
	ModeManaged Mode = "managed"
)

// Decision is a routing choice with its reason, for traceability.
type Decision struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason"`
}

// AdmissionDeniedError is returned when preflight rejects a managed call.
// The provider is never contacted.
type AdmissionDeniedError struct {
	Decision admission.Decision
}

func (e *AdmissionDeniedError) Error() string {
	return e.Decision.Reason
}

// GenerateRequest is one end-to-end generation call.
type GenerateRequest struct {
	TenantID string
	Prompt   string
	// Model overrides the engine's primary model when set.
	Model string
	// ExpectedOutputTokens tunes the admission estimate.
	ExpectedOutputTokens int64
	// SkipPreflight bypasses the admission gate for trusted callers.
	// Settlement still enforces the balance after the call.
	SkipPreflight bool
	MaxTokens     int
	Temperature   float64
	FlowID        string
}

// GenerationResult is the full outcome of one call, including the billing
// trail the tenant sees.
type GenerationResult struct {
	Content      string `json:"content"`
	ModelUsed    string `json:"model_used"`
	Mode         Mode   `json:"mode"`
	Reason       string `json:"reason"`
	CallID       string `json:"call_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`

	// Billing fields; zero for BYOK calls.
	CostCents       int64  `json:"cost_cents"`
	OriginalCents   int64  `json:"original_cents"`
	DiscountPercent int64  `json:"discount_percent"`
	Tier            string `json:"tier,omitempty"`
	SavingsCents    int64  `json:"savings_cents"`
	NewBalanceCents int64  `json:"new_balance_cents"`

	// FellBack is set when the primary model failed and the fallback
	// answered.
	FellBack bool `json:"fell_back,omitempty"`
	// BillingPending is set when the provider call succeeded but the
	// settlement debit failed; the call awaits reconciliation.
	BillingPending bool `json:"billing_pending,omitempty"`
}

// Engine wires credentials, admission, the provider, and settlement.
type Engine struct {
	provider    llm.Provider
	creds       credentials.Store
	cipher      *credentials.FieldCipher
	platformKey credentials.PlatformKeyResolver
	gate        *admission.Gate
	settler     *settlement.Engine
	monthly     usage.MonthlySource
	store       ledger.Store
	log         *logger.Logger

	primaryModel  string
	fallbackModel string // empty disables fallback
	retry         llm.RetryConfig
	callTimeout   time.Duration
}

// Config holds the engine's construction parameters.
type Config struct {
	Provider    llm.Provider
	Credentials credentials.Store
	Cipher      *credentials.FieldCipher
	PlatformKey credentials.PlatformKeyResolver
	Gate        *admission.Gate
	Settler     *settlement.Engine
	Monthly     usage.MonthlySource
	Ledger      ledger.Store

	PrimaryModel  string
	FallbackModel string
	Retry         *llm.RetryConfig
	CallTimeout   time.Duration
}

// NewEngine creates a routing engine.
func NewEngine(cfg Config) *Engine {
	retry := llm.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Engine{
		provider:      cfg.Provider,
		creds:         cfg.Credentials,
		cipher:        cfg.Cipher,
		platformKey:   cfg.PlatformKey,
		gate:          cfg.Gate,
		settler:       cfg.Settler,
		monthly:       cfg.Monthly,
		store:         cfg.Ledger,
		log:           logger.New("routing"),
		primaryModel:  cfg.PrimaryModel,
		fallbackModel: cfg.FallbackModel,
		retry:         retry,
		callTimeout:   timeout,
	}
}

// Decide picks the billing mode for a tenant. BYOK wins whenever the
// tenant has an enabled key for the provider; everything else is managed.
func (e *Engine) Decide(ctx context.Context, tenantID string) (Decision, error) {
	cred, err := e.creds.Get(ctx, tenantID, e.provider.Name())
	if err != nil {
		if errors.Is(err, credentials.ErrNoCredential) {
			return Decision{Mode: ModeManaged, Reason: "no tenant key on file"}, nil
		}
		return Decision{}, fmt.Errorf("credential lookup failed: %w", err)
	}
	if !cred.Enabled {
		return Decision{Mode: ModeManaged, Reason: "tenant key disabled"}, nil
	}
	if cred.Expired(time.Now()) {
		return Decision{Mode: ModeManaged, Reason: "tenant key expired"}, nil
	}
	return Decision{Mode: ModeBYOK, Reason: "tenant key on file"}, nil
}

// Execute runs one generation call end to end.
func (e *Engine) Execute(ctx context.Context, req GenerateRequest) (*GenerationResult, error) {
	if req.TenantID == "" {
		return nil, ledger.ErrInvalidTenant
	}

	callID := uuid.NewString()
	model := req.Model
	if model == "" {
		model = e.primaryModel
	}

	decision, err := e.Decide(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	if decision.Mode == ModeBYOK {
		return e.executeBYOK(ctx, req, decision, callID, model)
	}
	return e.executeManaged(ctx, req, decision, callID, model)
}

// executeBYOK runs the call on the tenant's own key. No admission, no
// settlement; the provider invoices the tenant directly.
func (e *Engine) executeBYOK(ctx context.Context, req GenerateRequest, decision Decision, callID, model string) (*GenerationResult, error) {
	cred, err := e.creds.Get(ctx, req.TenantID, e.provider.Name())
	if err != nil {
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	apiKey, err := e.cipher.Decrypt(cred.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt tenant key: %w", err)
	}
	observability.AdmissionDecisions.WithLabelValues("byok").Inc()

	resp, usedModel, fellBack, err := e.callProvider(ctx, req, model, apiKey)
	if err != nil {
		return nil, err
	}

	e.log.Info(req.TenantID, callID, "BYOK call completed", map[string]interface{}{
		"model":  usedModel,
		"tokens": resp.Usage.TotalTokens,
	})

	return &GenerationResult{
		Content:      resp.Content,
		ModelUsed:    usedModel,
		Mode:         ModeBYOK,
		Reason:       decision.Reason,
		CallID:       callID,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FellBack:     fellBack,
	}, nil
}

// executeManaged runs the admission, call, settle pipeline.
func (e *Engine) executeManaged(ctx context.Context, req GenerateRequest, decision Decision, callID, model string) (*GenerationResult, error) {
	if req.SkipPreflight {
		observability.AdmissionDecisions.WithLabelValues("skipped").Inc()
	} else {
		balance, err := e.store.GetBalance(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("balance lookup failed: %w", err)
		}

		adm := e.gate.Preflight(admission.Request{
			TenantID:             req.TenantID,
			BalanceCents:         balance,
			Text:                 req.Prompt,
			Model:                model,
			ExpectedOutputTokens: req.ExpectedOutputTokens,
		})
		if !adm.Allowed {
			observability.AdmissionDecisions.WithLabelValues("denied").Inc()
			e.log.Warn(req.TenantID, callID, "Admission denied", map[string]interface{}{
				"required_cents":  adm.RequiredCents,
				"available_cents": adm.AvailableCents,
			})
			return nil, &AdmissionDeniedError{Decision: adm}
		}
		observability.AdmissionDecisions.WithLabelValues("allowed").Inc()
	}

	apiKey, err := e.platformKey.PlatformKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("platform key unavailable: %w", err)
	}

	resp, usedModel, fellBack, err := e.callProvider(ctx, req, model, apiKey)
	if err != nil {
		return nil, err
	}

	result := &GenerationResult{
		Content:      resp.Content,
		ModelUsed:    usedModel,
		Mode:         ModeManaged,
		Reason:       decision.Reason,
		CallID:       callID,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FellBack:     fellBack,
	}

	// Tier selection reads the trailing monthly volume. A read failure
	// falls back to zero tokens, which can only over-discount never
	// over-charge the base rate.
	monthlyBefore, err := e.monthly.MonthlyTokens(ctx, req.TenantID)
	if err != nil {
		e.log.Warn(req.TenantID, callID, "Monthly usage unavailable, settling at base tier", map[string]interface{}{
			"error": err.Error(),
		})
		monthlyBefore = 0
	}

	// The call already succeeded; a settlement failure must not take the
	// output away from the tenant. Flag and reconcile instead.
	s, err := e.settler.Settle(ctx, settlement.Request{
		TenantID:            req.TenantID,
		InputTokens:         resp.Usage.PromptTokens,
		OutputTokens:        resp.Usage.CompletionTokens,
		Model:               usedModel,
		MonthlyTokensBefore: monthlyBefore,
		CallID:              callID,
		FlowID:              req.FlowID,
	})
	if err != nil {
		observability.BillingPending.Inc()
		e.log.Error(req.TenantID, callID, "Settlement failed after successful call, flagged for reconciliation", map[string]interface{}{
			"error":  err.Error(),
			"model":  usedModel,
			"tokens": resp.Usage.TotalTokens,
		})
		result.BillingPending = true
		return result, nil
	}

	result.CostCents = s.Breakdown.CostCents
	result.OriginalCents = s.Breakdown.OriginalCents
	result.DiscountPercent = s.Breakdown.DiscountPercent
	result.Tier = s.Breakdown.Tier
	result.SavingsCents = s.Breakdown.SavingsCents
	result.NewBalanceCents = s.NewBalanceCents

	if inv, ok := e.monthly.(interface {
		Invalidate(ctx context.Context, tenantID string)
	}); ok {
		inv.Invalidate(ctx, req.TenantID)
	}

	return result, nil
}

// callProvider runs the completion with retry and a bounded timeout,
// falling back to the secondary model after the primary is exhausted.
func (e *Engine) callProvider(ctx context.Context, req GenerateRequest, model, apiKey string) (*llm.CompletionResponse, string, bool, error) {
	resp, err := e.callOnce(ctx, req, model, apiKey)
	if err == nil {
		observability.ProviderCalls.WithLabelValues(model, "ok").Inc()
		return resp, model, false, nil
	}
	observability.ProviderCalls.WithLabelValues(model, "error").Inc()

	if e.fallbackModel == "" || e.fallbackModel == model {
		return nil, "", false, fmt.Errorf("provider call failed on %s: %w", model, err)
	}

	e.log.Warn(req.TenantID, "", "Primary model failed, trying fallback", map[string]interface{}{
		"primary":  model,
		"fallback": e.fallbackModel,
		"error":    err.Error(),
	})

	resp, ferr := e.callOnce(ctx, req, e.fallbackModel, apiKey)
	if ferr != nil {
		observability.ProviderCalls.WithLabelValues(e.fallbackModel, "error").Inc()
		return nil, "", false, fmt.Errorf("primary %s failed (%v); fallback %s failed: %w", model, err, e.fallbackModel, ferr)
	}

	observability.ProviderCalls.WithLabelValues(e.fallbackModel, "ok").Inc()
	observability.Fallbacks.Inc()
	return resp, e.fallbackModel, true, nil
}

func (e *Engine) callOnce(ctx context.Context, req GenerateRequest, model, apiKey string) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	return llm.RetryWithBackoff(ctx, e.retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return e.provider.ChatCompletion(ctx, llm.CompletionRequest{
			Prompt:      req.Prompt,
			Model:       model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}, apiKey)
	})
}
