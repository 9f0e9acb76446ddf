// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Each account carries its own mutex so tenants do not serialize against
// each other, matching the row-lock semantics of PostgresStore.
type MemoryStore struct {
	mu            sync.Mutex // guards the accounts map, not the balances
	accounts      map[string]*memoryAccount
	minTopUpCents int64
}

type memoryAccount struct {
	mu      sync.Mutex
	acct    Account
	entries []Entry
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]*memoryAccount),
		minTopUpCents: DefaultMinTopUpCents,
	}
}

// SetMinTopUp overrides the minimum accepted top_up credit in cents.
func (s *MemoryStore) SetMinTopUp(cents int64) {
	s.minTopUpCents = cents
}

func (s *MemoryStore) account(tenantID string) *memoryAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[tenantID]
	if !ok {
		now := time.Now().UTC()
		a = &memoryAccount{acct: Account{TenantID: tenantID, CreatedAt: now, UpdatedAt: now}}
		s.accounts[tenantID] = a
	}
	return a
}

// GetAccount returns the account for a tenant, creating it on first access.
func (s *MemoryStore) GetAccount(ctx context.Context, tenantID string) (*Account, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	a := s.account(tenantID)
	a.mu.Lock()
	defer a.mu.Unlock()

	acct := a.acct
	return &acct, nil
}

// GetBalance returns the current balance in cents.
func (s *MemoryStore) GetBalance(ctx context.Context, tenantID string) (int64, error) {
	acct, err := s.GetAccount(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return acct.BalanceCents, nil
}

// Credit adds amountCents to the balance and appends one entry.
func (s *MemoryStore) Credit(ctx context.Context, tenantID string, amountCents int64, kind EntryKind, meta EntryMeta) (int64, error) {
	if err := validateMutation(tenantID, amountCents, kind); err != nil {
		return 0, err
	}
	if !kind.IsCredit() {
		return 0, fmt.Errorf("%w: %s is not a credit kind", ErrInvalidKind, kind)
	}
	if kind == KindTopUp && amountCents < s.minTopUpCents {
		return 0, fmt.Errorf("%w: got %d cents, minimum is %d", ErrBelowMinimumTopUp, amountCents, s.minTopUpCents)
	}
	return s.mutate(tenantID, amountCents, kind, meta)
}

// Debit subtracts amountCents from the balance and appends one entry.
func (s *MemoryStore) Debit(ctx context.Context, tenantID string, amountCents int64, kind EntryKind, meta EntryMeta) (int64, error) {
	if err := validateMutation(tenantID, amountCents, kind); err != nil {
		return 0, err
	}
	if kind.IsCredit() {
		return 0, fmt.Errorf("%w: %s is not a debit kind", ErrInvalidKind, kind)
	}
	return s.mutate(tenantID, -amountCents, kind, meta)
}

func (s *MemoryStore) mutate(tenantID string, signedAmount int64, kind EntryKind, meta EntryMeta) (int64, error) {
	a := s.account(tenantID)
	a.mu.Lock()
	defer a.mu.Unlock()

	newBalance := a.acct.BalanceCents + signedAmount
	if newBalance < 0 {
		return 0, &InsufficientFundsError{
			TenantID:       tenantID,
			RequiredCents:  -signedAmount,
			AvailableCents: a.acct.BalanceCents,
		}
	}

	now := time.Now().UTC()
	a.acct.BalanceCents = newBalance
	a.acct.UpdatedAt = now
	a.entries = append(a.entries, Entry{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Kind:              kind,
		AmountCents:       signedAmount,
		BalanceAfterCents: newBalance,
		UsageType:         meta.UsageType,
		Quantity:          meta.Quantity,
		CallID:            meta.CallID,
		Model:             meta.Model,
		FlowID:            meta.FlowID,
		Description:       meta.Description,
		CreatedAt:         now,
	})

	return newBalance, nil
}

// ConfigureAutoTopUp updates the auto-replenish settings of an account.
func (s *MemoryStore) ConfigureAutoTopUp(ctx context.Context, tenantID string, enabled bool, thresholdCents, amountCents int64, paymentMethodRef string) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	if enabled && (thresholdCents < 0 || amountCents <= 0) {
		return ErrInvalidAmount
	}

	a := s.account(tenantID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acct.AutoTopUpEnabled = enabled
	a.acct.AutoTopUpThresholdCents = thresholdCents
	a.acct.AutoTopUpAmountCents = amountCents
	a.acct.PaymentMethodRef = paymentMethodRef
	a.acct.UpdatedAt = time.Now().UTC()
	return nil
}

// MonthlyUsage returns the total metered quantity of usage-debit entries of
// the given type since the given instant.
func (s *MemoryStore) MonthlyUsage(ctx context.Context, tenantID string, usageType UsageType, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, ErrInvalidTenant
	}

	a := s.account(tenantID)
	a.mu.Lock()
	defer a.mu.Unlock()

	var total int64
	for _, e := range a.entries {
		if e.Kind == KindUsageDebit && e.UsageType == usageType && !e.CreatedAt.Before(since) {
			total += e.Quantity
		}
	}
	return total, nil
}

// ListEntries returns the most recent entries for a tenant, newest first.
func (s *MemoryStore) ListEntries(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if limit <= 0 {
		limit = 50
	}

	a := s.account(tenantID)
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
