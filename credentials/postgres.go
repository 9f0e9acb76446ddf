// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists tenant credentials in the tenant_credentials
// table, one row per tenant and provider.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed credential store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the credential for a tenant and provider.
func (s *PostgresStore) Get(ctx context.Context, tenantID, provider string) (*Credential, error) {
	cred := &Credential{}
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, provider, api_key_encrypted, enabled, expires_at, created_at, updated_at
		FROM tenant_credentials
		WHERE tenant_id = $1 AND provider = $2
	`, tenantID, provider).Scan(
		&cred.TenantID, &cred.Provider, &cred.APIKeyEncrypted,
		&cred.Enabled, &expiresAt, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}
	return cred, nil
}

// Save upserts a credential.
func (s *PostgresStore) Save(ctx context.Context, cred *Credential) error {
	if cred.TenantID == "" || cred.Provider == "" {
		return fmt.Errorf("tenant id and provider are required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_credentials (
			tenant_id, provider, api_key_encrypted, enabled, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			api_key_encrypted = EXCLUDED.api_key_encrypted,
			enabled = EXCLUDED.enabled,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, cred.TenantID, cred.Provider, cred.APIKeyEncrypted, cred.Enabled, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete removes a credential.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tenant_credentials WHERE tenant_id = $1 AND provider = $2
	`, tenantID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

// MemoryStore is an in-memory credential store for tests.
type MemoryStore struct {
	creds map[string]*Credential
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

func credKey(tenantID, provider string) string {
	return tenantID + "/" + provider
}

// Get returns the credential for a tenant and provider.
func (s *MemoryStore) Get(ctx context.Context, tenantID, provider string) (*Credential, error) {
	cred, ok := s.creds[credKey(tenantID, provider)]
	if !ok {
		return nil, ErrNoCredential
	}
	c := *cred
	return &c, nil
}

// Save upserts a credential.
func (s *MemoryStore) Save(ctx context.Context, cred *Credential) error {
	c := *cred
	s.creds[credKey(cred.TenantID, cred.Provider)] = &c
	return nil
}

// Delete removes a credential.
func (s *MemoryStore) Delete(ctx context.Context, tenantID, provider string) error {
	delete(s.creds, credKey(tenantID, provider))
	return nil
}

var _ Store = (*MemoryStore)(nil)
