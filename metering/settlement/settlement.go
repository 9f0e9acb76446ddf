// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package settlement implements post-call billing: exact cost from real
// token counts, volume discount, one atomic ledger debit, and the async
// auto top-up that follows a balance dip.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meterflow/platform/metering/ledger"
	"meterflow/platform/metering/pricing"
	"meterflow/platform/observability"
	"meterflow/platform/shared/logger"
)

// PaymentProcessor charges a stored payment method during auto top-up.
type PaymentProcessor interface {
	// Charge collects amountCents from the payment method and returns a
	// provider reference for the ledger entry description.
	Charge(ctx context.Context, tenantID string, amountCents int64, paymentMethodRef string) (string, error)
}

// DefaultVoiceRatePerMinute is the managed voice rate in cents per minute.
const DefaultVoiceRatePerMinute = 15

// Request carries the exact usage of one completed LLM call.
type Request struct {
	TenantID     string
	InputTokens  int64
	OutputTokens int64
	Model        string
	// MonthlyTokensBefore is the tenant's calendar-month token volume
	// before this call. The call's own tokens count toward tier selection.
	MonthlyTokensBefore int64
	CallID              string
	FlowID              string
}

// Settlement is the result of a successful post-call debit.
type Settlement struct {
	TenantID        string            `json:"tenant_id"`
	CallID          string            `json:"call_id,omitempty"`
	Breakdown       pricing.Breakdown `json:"breakdown"`
	NewBalanceCents int64             `json:"new_balance_cents"`
	MonthlyTokens   int64             `json:"monthly_tokens"`
}

// Engine settles completed calls against the ledger.
type Engine struct {
	store    ledger.Store
	table    *pricing.Table
	payments PaymentProcessor // nil disables auto top-up
	log      *logger.Logger

	voiceRatePerMinute int64

	topUps sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithPaymentProcessor enables auto top-up through the given processor.
func WithPaymentProcessor(p PaymentProcessor) Option {
	return func(e *Engine) { e.payments = p }
}

// WithVoiceRate overrides the voice rate in cents per minute.
func WithVoiceRate(centsPerMinute int64) Option {
	return func(e *Engine) { e.voiceRatePerMinute = centsPerMinute }
}

// NewEngine creates a settlement engine.
func NewEngine(store ledger.Store, table *pricing.Table, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		table:              table,
		log:                logger.New("settlement"),
		voiceRatePerMinute: DefaultVoiceRatePerMinute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle charges the exact cost of a completed call. The debit is a single
// atomic ledger mutation; on insufficient funds the returned error matches
// ledger.ErrInsufficientFunds and the ledger is untouched.
func (e *Engine) Settle(ctx context.Context, req Request) (*Settlement, error) {
	start := time.Now()

	if req.TenantID == "" {
		return nil, ledger.ErrInvalidTenant
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return nil, fmt.Errorf("token counts must be non-negative: in=%d out=%d", req.InputTokens, req.OutputTokens)
	}

	monthly := req.MonthlyTokensBefore + req.InputTokens + req.OutputTokens
	b := e.table.ExactCost(req.Model, req.InputTokens, req.OutputTokens, monthly)

	s := &Settlement{
		TenantID:      req.TenantID,
		CallID:        req.CallID,
		Breakdown:     b,
		MonthlyTokens: monthly,
	}

	if b.CostCents == 0 {
		// Nothing to debit; the ledger rejects zero amounts.
		balance, err := e.store.GetBalance(ctx, req.TenantID)
		if err != nil {
			return nil, err
		}
		s.NewBalanceCents = balance
		observability.Settlements.WithLabelValues("settled").Inc()
		return s, nil
	}

	desc := fmt.Sprintf("llm usage %s (%s tier, %d%% off)", req.Model, b.Tier, b.DiscountPercent)
	newBalance, err := e.store.Debit(ctx, req.TenantID, b.CostCents, ledger.KindUsageDebit, ledger.EntryMeta{
		UsageType:   ledger.UsageLLM,
		Quantity:    req.InputTokens + req.OutputTokens,
		CallID:      req.CallID,
		Model:       req.Model,
		FlowID:      req.FlowID,
		Description: desc,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			observability.Settlements.WithLabelValues("insufficient_funds").Inc()
		} else {
			observability.Settlements.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	s.NewBalanceCents = newBalance

	observability.Settlements.WithLabelValues("settled").Inc()
	observability.SettledCents.Add(float64(b.CostCents))
	observability.SettlementDuration.Observe(time.Since(start).Seconds())

	e.log.InfoWithDuration(req.TenantID, req.CallID, "Settled call", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"model":            req.Model,
		"cost_cents":       b.CostCents,
		"original_cents":   b.OriginalCents,
		"discount_percent": b.DiscountPercent,
		"tier":             b.Tier,
		"new_balance":      newBalance,
	})

	e.maybeAutoTopUp(req.TenantID, newBalance)

	return s, nil
}

// SettleVoice charges metered voice usage by the second.
func (e *Engine) SettleVoice(ctx context.Context, tenantID string, seconds int64, callID string) (*Settlement, error) {
	if tenantID == "" {
		return nil, ledger.ErrInvalidTenant
	}
	if seconds < 0 {
		return nil, fmt.Errorf("seconds must be non-negative: %d", seconds)
	}

	cost := ceilDiv(seconds*e.voiceRatePerMinute, 60)
	s := &Settlement{
		TenantID: tenantID,
		CallID:   callID,
		Breakdown: pricing.Breakdown{
			OriginalCents: cost,
			CostCents:     cost,
			Tier:          "Bronze",
		},
	}

	if cost == 0 {
		balance, err := e.store.GetBalance(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		s.NewBalanceCents = balance
		return s, nil
	}

	newBalance, err := e.store.Debit(ctx, tenantID, cost, ledger.KindUsageDebit, ledger.EntryMeta{
		UsageType:   ledger.UsageVoice,
		Quantity:    seconds,
		CallID:      callID,
		Description: fmt.Sprintf("voice usage %ds", seconds),
	})
	if err != nil {
		return nil, err
	}

	s.NewBalanceCents = newBalance
	e.maybeAutoTopUp(tenantID, newBalance)
	return s, nil
}

// maybeAutoTopUp kicks off an async top-up when the balance dipped under
// the tenant's threshold. Failures are logged and never surface to the
// call that triggered the check.
func (e *Engine) maybeAutoTopUp(tenantID string, balance int64) {
	if e.payments == nil {
		return
	}

	e.topUps.Add(1)
	go func() {
		defer e.topUps.Done()

		// Detached from the request context; the top-up outlives the call.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		acct, err := e.store.GetAccount(ctx, tenantID)
		if err != nil {
			e.log.Error(tenantID, "", "Auto top-up account lookup failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		// Replenish at or below the threshold, not only strictly under it.
		if !acct.AutoTopUpEnabled || balance > acct.AutoTopUpThresholdCents || acct.AutoTopUpAmountCents <= 0 {
			return
		}

		ref, err := e.payments.Charge(ctx, tenantID, acct.AutoTopUpAmountCents, acct.PaymentMethodRef)
		if err != nil {
			observability.AutoTopUps.WithLabelValues("payment_failed").Inc()
			e.log.ErrorWithAmount(tenantID, "", "Auto top-up payment failed", acct.AutoTopUpAmountCents, err, nil)
			return
		}

		if _, err := e.store.Credit(ctx, tenantID, acct.AutoTopUpAmountCents, ledger.KindAutoTopUp, ledger.EntryMeta{
			Description: fmt.Sprintf("auto top-up (payment %s)", ref),
		}); err != nil {
			observability.AutoTopUps.WithLabelValues("credit_failed").Inc()
			e.log.ErrorWithAmount(tenantID, "", "Auto top-up credit failed after charge", acct.AutoTopUpAmountCents, err, map[string]interface{}{
				"payment_ref": ref,
			})
			return
		}

		observability.AutoTopUps.WithLabelValues("credited").Inc()
		e.log.Info(tenantID, "", "Auto top-up credited", map[string]interface{}{
			"amount_cents": acct.AutoTopUpAmountCents,
			"payment_ref":  ref,
		})
	}()
}

// WaitTopUps blocks until in-flight auto top-ups finish. For tests and
// shutdown.
func (e *Engine) WaitTopUps() {
	e.topUps.Wait()
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
