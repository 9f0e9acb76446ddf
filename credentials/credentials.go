// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package credentials stores and resolves provider API keys. BYOK tenants
// keep an encrypted key per provider; managed calls resolve the platform
// key from AWS Secrets Manager with an environment fallback.
package credentials

import (
	"context"
	"errors"
	"time"
)

// ErrNoCredential is returned when a tenant has no stored key for a
// provider. Callers treat this as "route managed", not as a fault.
var ErrNoCredential = errors.New("no credential stored for tenant")

// Credential is one tenant-owned provider key. APIKeyEncrypted is the
// sealed form; the plaintext never touches the database.
type Credential struct {
	TenantID        string `json:"tenant_id"`
	Provider        string `json:"provider"`
	APIKeyEncrypted string `json:"-"`
	Enabled         bool   `json:"enabled"`
	// ExpiresAt bounds the key's lifetime. Nil means it never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the credential's lifetime has passed at now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Store persists tenant credentials.
type Store interface {
	// Get returns the credential for a tenant and provider, or
	// ErrNoCredential.
	Get(ctx context.Context, tenantID, provider string) (*Credential, error)

	// Save upserts a credential.
	Save(ctx context.Context, cred *Credential) error

	// Delete removes a credential. Deleting a missing credential is not an
	// error.
	Delete(ctx context.Context, tenantID, provider string) error
}
