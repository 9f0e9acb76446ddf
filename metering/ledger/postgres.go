// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store using PostgreSQL.
//
// Serialization relies on a row-level exclusive lock: every mutation runs
// SELECT ... FOR UPDATE on the account row inside a transaction, so two
// concurrent operations on the same account never interleave their
// read-modify-write, while different accounts proceed in parallel.
type PostgresStore struct {
	db               *sql.DB
	minTopUpCents    int64
	signupBonusCents int64
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithMinTopUp sets the minimum accepted top_up credit in cents.
func WithMinTopUp(cents int64) PostgresStoreOption {
	return func(s *PostgresStore) {
		s.minTopUpCents = cents
	}
}

// WithSignupBonus sets a bonus credited when an account is first created.
// Zero disables the bonus.
func WithSignupBonus(cents int64) PostgresStoreOption {
	return func(s *PostgresStore) {
		s.signupBonusCents = cents
	}
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{db: db, minTopUpCents: DefaultMinTopUpCents}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultMinTopUpCents is the minimum top_up amount when not configured.
const DefaultMinTopUpCents = 500

const accountColumns = `tenant_id, balance_cents, auto_topup_enabled,
	auto_topup_threshold_cents, auto_topup_amount_cents, payment_method_ref,
	created_at, updated_at`

// GetAccount returns the account for a tenant, creating it on first access.
// Creation uses INSERT ... ON CONFLICT DO NOTHING so concurrent first access
// cannot create duplicates.
func (s *PostgresStore) GetAccount(ctx context.Context, tenantID string) (*Account, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}

	created, err := s.ensureAccount(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if created && s.signupBonusCents > 0 {
		if _, err := s.Credit(ctx, tenantID, s.signupBonusCents, KindSignupBonus, EntryMeta{
			Description: "signup bonus",
		}); err != nil {
			return nil, fmt.Errorf("failed to credit signup bonus: %w", err)
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM balance_accounts WHERE tenant_id = $1`, accountColumns)

	var acct Account
	var paymentRef sql.NullString
	err = s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&acct.TenantID, &acct.BalanceCents, &acct.AutoTopUpEnabled,
		&acct.AutoTopUpThresholdCents, &acct.AutoTopUpAmountCents, &paymentRef,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acct.PaymentMethodRef = paymentRef.String

	return &acct, nil
}

// ensureAccount inserts the account row if missing. Returns true when the
// row was created by this call.
func (s *PostgresStore) ensureAccount(ctx context.Context, q queryer, tenantID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO balance_accounts (tenant_id, balance_cents, created_at, updated_at)
		VALUES ($1, 0, NOW(), NOW())
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to ensure account: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return rows == 1, nil
}

// queryer abstracts *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetBalance returns the current balance in cents.
func (s *PostgresStore) GetBalance(ctx context.Context, tenantID string) (int64, error) {
	acct, err := s.GetAccount(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return acct.BalanceCents, nil
}

// Credit adds amountCents to the balance and appends one immutable entry.
func (s *PostgresStore) Credit(ctx context.Context, tenantID string, amountCents int64, kind EntryKind, meta EntryMeta) (int64, error) {
	if err := validateMutation(tenantID, amountCents, kind); err != nil {
		return 0, err
	}
	if !kind.IsCredit() {
		return 0, fmt.Errorf("%w: %s is not a credit kind", ErrInvalidKind, kind)
	}
	if kind == KindTopUp && amountCents < s.minTopUpCents {
		return 0, fmt.Errorf("%w: got %d cents, minimum is %d", ErrBelowMinimumTopUp, amountCents, s.minTopUpCents)
	}

	return s.mutate(ctx, tenantID, amountCents, kind, meta)
}

// Debit subtracts amountCents from the balance and appends one immutable
// entry. Returns an *InsufficientFundsError before any mutation when the
// debit would drive the balance negative.
func (s *PostgresStore) Debit(ctx context.Context, tenantID string, amountCents int64, kind EntryKind, meta EntryMeta) (int64, error) {
	if err := validateMutation(tenantID, amountCents, kind); err != nil {
		return 0, err
	}
	if kind.IsCredit() {
		return 0, fmt.Errorf("%w: %s is not a debit kind", ErrInvalidKind, kind)
	}

	return s.mutate(ctx, tenantID, -amountCents, kind, meta)
}

func validateMutation(tenantID string, amountCents int64, kind EntryKind) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return nil
}

// mutate performs the locked read-modify-write-append as a single atomic
// unit. signedAmount is positive for credits and negative for debits.
func (s *PostgresStore) mutate(ctx context.Context, tenantID string, signedAmount int64, kind EntryKind, meta EntryMeta) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback is a no-op once the transaction committed; it guarantees the
	// row lock is released on every error path.
	defer tx.Rollback()

	if _, err := s.ensureAccount(ctx, tx, tenantID); err != nil {
		return 0, err
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance_cents FROM balance_accounts WHERE tenant_id = $1 FOR UPDATE`,
		tenantID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to lock account: %w", err)
	}

	newBalance := balance + signedAmount
	if newBalance < 0 {
		return 0, &InsufficientFundsError{
			TenantID:       tenantID,
			RequiredCents:  -signedAmount,
			AvailableCents: balance,
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE balance_accounts SET balance_cents = $2, updated_at = NOW() WHERE tenant_id = $1`,
		tenantID, newBalance,
	); err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, tenant_id, kind, amount_cents, balance_after_cents,
			usage_type, quantity, call_id, model, flow_id, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`,
		uuid.NewString(), tenantID, kind, signedAmount, newBalance,
		nullString(string(meta.UsageType)), nullInt(meta.Quantity),
		nullString(meta.CallID), nullString(meta.Model),
		nullString(meta.FlowID), nullString(meta.Description),
	); err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ledger mutation: %w", err)
	}

	return newBalance, nil
}

// ConfigureAutoTopUp updates the auto-replenish settings of an account.
func (s *PostgresStore) ConfigureAutoTopUp(ctx context.Context, tenantID string, enabled bool, thresholdCents, amountCents int64, paymentMethodRef string) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	if enabled && (thresholdCents < 0 || amountCents <= 0) {
		return ErrInvalidAmount
	}

	if _, err := s.ensureAccount(ctx, s.db, tenantID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE balance_accounts
		SET auto_topup_enabled = $2, auto_topup_threshold_cents = $3,
			auto_topup_amount_cents = $4, payment_method_ref = $5, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, enabled, thresholdCents, amountCents, nullString(paymentMethodRef))
	if err != nil {
		return fmt.Errorf("failed to configure auto top-up: %w", err)
	}
	return nil
}

// MonthlyUsage returns the total metered quantity of usage-debit entries of
// the given type since the given instant.
func (s *PostgresStore) MonthlyUsage(ctx context.Context, tenantID string, usageType UsageType, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, ErrInvalidTenant
	}

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM ledger_entries
		WHERE tenant_id = $1
		  AND kind = $2
		  AND usage_type = $3
		  AND created_at >= $4
	`, tenantID, KindUsageDebit, usageType, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum monthly usage: %w", err)
	}
	return total, nil
}

// ListEntries returns the most recent entries for a tenant, newest first.
func (s *PostgresStore) ListEntries(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, amount_cents, balance_after_cents,
			   usage_type, quantity, call_id, model, flow_id, description, created_at
		FROM ledger_entries
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var usageType, callID, model, flowID, description sql.NullString
		var quantity sql.NullInt64

		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.Kind, &e.AmountCents, &e.BalanceAfterCents,
			&usageType, &quantity, &callID, &model, &flowID, &description, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		e.UsageType = UsageType(usageType.String)
		e.Quantity = quantity.Int64
		e.CallID = callID.String
		e.Model = model.String
		e.FlowID = flowID.String
		e.Description = description.String

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Helper functions

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullInt(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
