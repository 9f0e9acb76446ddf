// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// Provider executes chat completions against an upstream LLM API. The API
// key is per-call: managed traffic passes the platform key, BYOK traffic
// passes the tenant's decrypted key. Implementations must not cache keys.
type Provider interface {
	// ChatCompletion executes one completion. Implementations classify
	// upstream failures as *APIError so callers can tell retryable faults
	// from permanent ones.
	ChatCompletion(ctx context.Context, req CompletionRequest, apiKey string) (*CompletionResponse, error)

	// Name identifies the provider (e.g. "openai").
	Name() string
}
