// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"time"
)

// Store defines the interface for balance persistence.
//
// Mutating operations acquire an exclusive lock scoped to the single
// account for the duration of one logical transaction: read the current
// balance, compute the new balance, reject if a debit would go negative,
// write the new balance, and append exactly one immutable entry carrying
// the post-mutation balance. Operations on different accounts must not
// block each other.
type Store interface {
	// GetAccount returns the account for a tenant, creating it lazily and
	// idempotently on first access.
	GetAccount(ctx context.Context, tenantID string) (*Account, error)

	// GetBalance returns the current balance in cents.
	GetBalance(ctx context.Context, tenantID string) (int64, error)

	// Credit adds amountCents to the balance and appends one entry.
	// Returns the new balance. Top-ups below the configured minimum are
	// rejected with ErrBelowMinimumTopUp; other credit kinds are exempt.
	Credit(ctx context.Context, tenantID string, amountCents int64, kind EntryKind, meta EntryMeta) (int64, error)

	// Debit subtracts amountCents from the balance and appends one entry.
	// Returns the new balance, or an *InsufficientFundsError if the debit
	// would drive the balance negative. The rejection happens before any
	// mutation and the lock is always released.
	Debit(ctx context.Context, tenantID string, amountCents int64, kind EntryKind, meta EntryMeta) (int64, error)

	// ConfigureAutoTopUp updates the auto-replenish settings of an account.
	ConfigureAutoTopUp(ctx context.Context, tenantID string, enabled bool, thresholdCents, amountCents int64, paymentMethodRef string) error

	// MonthlyUsage returns the total metered quantity (tokens or seconds)
	// of usage-debit entries of the given type since the given instant.
	MonthlyUsage(ctx context.Context, tenantID string, usageType UsageType, since time.Time) (int64, error)

	// ListEntries returns the most recent entries for a tenant, newest
	// first, for traceability. Entries are immutable.
	ListEntries(ctx context.Context, tenantID string, limit int) ([]Entry, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}

// MonthStart returns the UTC start of the calendar month containing now.
// Trailing monthly usage totals are computed from this instant.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
