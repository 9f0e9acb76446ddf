// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package pricing converts token usage to integer cent costs. Rates are
// stored as cents per one million tokens so every computation stays in
// int64 arithmetic; division always rounds up on the final total.
package pricing

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"meterflow/platform/shared/logger"
)

var log = logger.New("pricing")

// ModelRates holds the billing rates for one model in cents per 1M tokens.
// $0.003 per 1K input tokens is 300 cents per 1M.
type ModelRates struct {
	InputPer1M  int64 `json:"input_cents_per_1m"`
	OutputPer1M int64 `json:"output_cents_per_1m"`
}

// Table holds the rate table for all models. Safe for concurrent use.
type Table struct {
	Models map[string]ModelRates `json:"models"`
	mu     sync.RWMutex
}

// DefaultRates contains the managed-mode rates for common models
// (as of mid 2025). The "*" entry is the fallback for unknown models.
var DefaultRates = &Table{
	Models: map[string]ModelRates{
		// OpenAI
		"gpt-4o":        {InputPer1M: 250, OutputPer1M: 1000},
		"gpt-4o-mini":   {InputPer1M: 15, OutputPer1M: 60},
		"gpt-4-turbo":   {InputPer1M: 1000, OutputPer1M: 3000},
		"gpt-3.5-turbo": {InputPer1M: 50, OutputPer1M: 150},
		"o1-mini":       {InputPer1M: 300, OutputPer1M: 1200},
		// Anthropic
		"claude-sonnet-4":  {InputPer1M: 300, OutputPer1M: 1500},
		"claude-opus-4":    {InputPer1M: 1500, OutputPer1M: 7500},
		"claude-3-5-haiku": {InputPer1M: 80, OutputPer1M: 400},
		// Google
		"gemini-2.0-flash": {InputPer1M: 10, OutputPer1M: 40},
		"gemini-1.5-pro":   {InputPer1M: 125, OutputPer1M: 500},
		// Fallback for unknown models
		"*": {InputPer1M: 300, OutputPer1M: 1500},
	},
}

// NewTable creates a rate table seeded with the defaults.
func NewTable() *Table {
	return &Table{Models: copyModels(DefaultRates.Models)}
}

// LoadFromEnv loads custom rates from the METERFLOW_PRICING_CONFIG env var,
// merged over the defaults. Malformed JSON is ignored and the defaults win.
func LoadFromEnv() *Table {
	t := NewTable()

	raw := os.Getenv("METERFLOW_PRICING_CONFIG")
	if raw != "" {
		var custom Table
		if err := json.Unmarshal([]byte(raw), &custom); err == nil {
			for model, rates := range custom.Models {
				t.Models[model] = rates
			}
		}
	}

	return t
}

// LoadFromFile loads rates from a JSON file, merged over the defaults.
func LoadFromFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	t := NewTable()
	var custom Table
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, err
	}
	for model, rates := range custom.Models {
		t.Models[model] = rates
	}

	return t, nil
}

// Rates returns the rates for a model. Resolution order is exact match,
// lowercase match, prefix match on the model family, then the "*" fallback.
func (t *Table) Rates(model string) ModelRates {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.Models[model]; ok {
		return r
	}

	lower := strings.ToLower(model)
	if r, ok := t.Models[lower]; ok {
		return r
	}

	// Versioned model ids (gpt-4o-2024-11-20) bill at the family rate.
	// Longest prefix wins so gpt-4o-mini variants do not hit gpt-4o.
	var best string
	for name := range t.Models {
		if name != "*" && strings.HasPrefix(lower, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return t.Models[best]
	}

	log.Warn("", "", "Unknown model, billing at fallback rate", map[string]interface{}{
		"model": model,
	})
	return t.Models["*"]
}

// SetRates sets the rates for a model.
func (t *Table) SetRates(model string, rates ModelRates) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Models == nil {
		t.Models = make(map[string]ModelRates)
	}
	t.Models[model] = rates
}

// ListModels returns all configured model ids, excluding the fallback.
func (t *Table) ListModels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models := make([]string, 0, len(t.Models))
	for model := range t.Models {
		if model != "*" {
			models = append(models, model)
		}
	}
	return models
}

// ceilDiv divides a by b rounding up. b must be positive.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func copyModels(src map[string]ModelRates) map[string]ModelRates {
	dst := make(map[string]ModelRates, len(src))
	for model, rates := range src {
		dst[model] = rates
	}
	return dst
}
