// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is the sentinel matched by errors.Is against an
	// *InsufficientFundsError. Insufficient funds is a first-class business
	// outcome, not an exceptional fault.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be a positive number of cents")

	// ErrInvalidKind is returned for an unknown entry kind.
	ErrInvalidKind = errors.New("invalid entry kind")

	// ErrInvalidTenant is returned for an empty tenant identifier.
	ErrInvalidTenant = errors.New("tenant id must not be empty")

	// ErrBelowMinimumTopUp is returned when a top_up credit is below the
	// configured minimum. Bonuses, adjustments and refunds are exempt.
	ErrBelowMinimumTopUp = errors.New("top-up amount below configured minimum")
)

// InsufficientFundsError carries the detail a caller needs to act on a
// rejected debit (e.g. prompt the tenant to top up).
type InsufficientFundsError struct {
	TenantID       string
	RequiredCents  int64
	AvailableCents int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for tenant %s: required %d cents, available %d cents (shortfall %d)",
		e.TenantID, e.RequiredCents, e.AvailableCents, e.ShortfallCents())
}

// ShortfallCents returns how many cents the tenant is missing.
func (e *InsufficientFundsError) ShortfallCents() int64 {
	return e.RequiredCents - e.AvailableCents
}

// Is makes errors.Is(err, ErrInsufficientFunds) match.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
