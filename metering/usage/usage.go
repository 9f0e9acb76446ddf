// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package usage reads trailing calendar-month token volume for discount
// tier selection. The redis cache is derived data over the ledger; a cache
// outage degrades to direct ledger reads, never to a failed call.
package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"meterflow/platform/metering/ledger"
	"meterflow/platform/shared/logger"
)

// MonthlySource reports a tenant's token volume for the current calendar
// month (UTC).
type MonthlySource interface {
	MonthlyTokens(ctx context.Context, tenantID string) (int64, error)
}

// LedgerSource sums usage-debit entries straight from the ledger.
type LedgerSource struct {
	store ledger.Store
	now   func() time.Time
}

// NewLedgerSource creates a MonthlySource backed by the ledger.
func NewLedgerSource(store ledger.Store) *LedgerSource {
	return &LedgerSource{store: store, now: time.Now}
}

// MonthlyTokens returns the tenant's LLM token volume since month start.
func (s *LedgerSource) MonthlyTokens(ctx context.Context, tenantID string) (int64, error) {
	return s.store.MonthlyUsage(ctx, tenantID, ledger.UsageLLM, ledger.MonthStart(s.now()))
}

// DefaultCacheTTL bounds staleness of the cached monthly volume. A stale
// read can only mis-tier a call near a boundary, never mis-charge rates.
const DefaultCacheTTL = 60 * time.Second

// CachedSource wraps a MonthlySource with a short-lived redis cache.
type CachedSource struct {
	inner MonthlySource
	rdb   *redis.Client
	ttl   time.Duration
	now   func() time.Time
	log   *logger.Logger
}

// NewCachedSource creates a caching wrapper. ttl <= 0 uses the default.
func NewCachedSource(inner MonthlySource, rdb *redis.Client, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{
		inner: inner,
		rdb:   rdb,
		ttl:   ttl,
		now:   time.Now,
		log:   logger.New("usage-cache"),
	}
}

// key scopes entries to the month so a rollover naturally misses.
func (c *CachedSource) key(tenantID string) string {
	return fmt.Sprintf("meterflow:monthly_tokens:%s:%s", tenantID, c.now().UTC().Format("2006-01"))
}

// MonthlyTokens returns the cached volume, falling back to the inner
// source on a miss or any redis error.
func (c *CachedSource) MonthlyTokens(ctx context.Context, tenantID string) (int64, error) {
	key := c.key(tenantID)

	val, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		if tokens, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			return tokens, nil
		}
	} else if err != redis.Nil {
		// Fail open on redis outage.
		c.log.Warn(tenantID, "", "Redis unavailable, reading usage from ledger", map[string]interface{}{
			"error": err.Error(),
		})
	}

	tokens, err := c.inner.MonthlyTokens(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	if err := c.rdb.Set(ctx, key, strconv.FormatInt(tokens, 10), c.ttl).Err(); err != nil {
		c.log.Warn(tenantID, "", "Failed to cache monthly usage", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return tokens, nil
}

// Invalidate drops the cached volume after a settlement so the next read
// reflects the new tokens. Errors are ignored; the TTL bounds staleness.
func (c *CachedSource) Invalidate(ctx context.Context, tenantID string) {
	c.rdb.Del(ctx, c.key(tenantID))
}
