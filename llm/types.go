// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the provider boundary: a minimal chat completion
// surface with per-call credentials so one client serves both managed and
// BYOK traffic.
package llm

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// UsageStats carries the provider-reported token counts. Settlement bills
// from these, never from estimates.
type UsageStats struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// CompletionResponse is the provider's answer to a completion call.
type CompletionResponse struct {
	Content string     `json:"content"`
	Model   string     `json:"model"`
	Usage   UsageStats `json:"usage"`
}
