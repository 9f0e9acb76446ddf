// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package ledger provides the prepaid balance store: one account per tenant
// plus an append-only, immutable transaction log. All amounts are integers
// in minor currency units (cents); the package never does float arithmetic.
package ledger

import (
	"time"
)

// EntryKind identifies the kind of a ledger entry.
type EntryKind string

const (
	KindTopUp       EntryKind = "top_up"
	KindAutoTopUp   EntryKind = "auto_top_up"
	KindUsageDebit  EntryKind = "usage_debit"
	KindRefund      EntryKind = "refund"
	KindAdjustment  EntryKind = "adjustment"
	KindSignupBonus EntryKind = "signup_bonus"
)

// Valid reports whether the kind is one of the closed set.
func (k EntryKind) Valid() bool {
	switch k {
	case KindTopUp, KindAutoTopUp, KindUsageDebit, KindRefund, KindAdjustment, KindSignupBonus:
		return true
	}
	return false
}

// IsCredit reports whether entries of this kind carry a positive amount.
func (k EntryKind) IsCredit() bool {
	switch k {
	case KindTopUp, KindAutoTopUp, KindRefund, KindSignupBonus:
		return true
	}
	return false
}

// UsageType distinguishes metered usage categories on usage-debit entries.
type UsageType string

const (
	UsageLLM   UsageType = "llm"
	UsageVoice UsageType = "voice"
)

// Valid reports whether the usage type is known.
func (u UsageType) Valid() bool {
	return u == UsageLLM || u == UsageVoice
}

// Account is the per-tenant prepaid balance row.
// Created lazily on first access; never deleted.
type Account struct {
	TenantID                string    `json:"tenant_id"`
	BalanceCents            int64     `json:"balance_cents"`
	AutoTopUpEnabled        bool      `json:"auto_topup_enabled"`
	AutoTopUpThresholdCents int64     `json:"auto_topup_threshold_cents"`
	AutoTopUpAmountCents    int64     `json:"auto_topup_amount_cents"`
	PaymentMethodRef        string    `json:"payment_method_ref,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Entry is one immutable, balance-affecting event. Entries are write-once:
// they are inserted in the same transaction as the balance update and are
// never updated or deleted afterwards.
type Entry struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Kind              EntryKind `json:"kind"`
	AmountCents       int64     `json:"amount_cents"` // signed: positive credit, negative debit
	BalanceAfterCents int64     `json:"balance_after_cents"`
	UsageType         UsageType `json:"usage_type,omitempty"`
	Quantity          int64     `json:"quantity,omitempty"` // tokens or seconds
	CallID            string    `json:"call_id,omitempty"`
	Model             string    `json:"model,omitempty"`
	FlowID            string    `json:"flow_id,omitempty"`
	Description       string    `json:"description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// EntryMeta carries the free-form reference fields recorded on an entry.
type EntryMeta struct {
	UsageType   UsageType
	Quantity    int64
	CallID      string
	Model       string
	FlowID      string
	Description string
}
