// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "ledger",
			instanceID:     "instance-123",
			expectedComp:   "ledger",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "settlement",
			instanceID:     "",
			expectedComp:   "settlement",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				t.Setenv("INSTANCE_ID", "")
			}

			l := New(tt.component)

			if l.Component != tt.expectedComp {
				t.Errorf("Component = %q, want %q", l.Component, tt.expectedComp)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("InstanceID = %q, want %q", l.InstanceID, tt.expectedInstID)
			}
		})
	}
}

// captureOutput redirects the standard logger to a buffer for assertions
func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
	}()
	fn()
	return buf.String()
}

func TestLogEntryFields(t *testing.T) {
	l := New("routing")

	out := captureOutput(func() {
		l.Info("tenant-1", "req-9", "Admission allowed", map[string]interface{}{
			"required_cents": 120,
		})
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}

	if entry.Level != INFO {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
	if entry.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q, want tenant-1", entry.TenantID)
	}
	if entry.RequestID != "req-9" {
		t.Errorf("RequestID = %q, want req-9", entry.RequestID)
	}
	if entry.Component != "routing" {
		t.Errorf("Component = %q, want routing", entry.Component)
	}
	if entry.Fields["required_cents"].(float64) != 120 {
		t.Errorf("Fields[required_cents] = %v, want 120", entry.Fields["required_cents"])
	}
}

func TestErrorWithAmount(t *testing.T) {
	l := New("settlement")

	out := captureOutput(func() {
		l.ErrorWithAmount("tenant-2", "req-1", "Debit failed", 4200, os.ErrClosed, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}

	if entry.Level != ERROR {
		t.Errorf("Level = %q, want ERROR", entry.Level)
	}
	if entry.Fields["amount_cents"].(float64) != 4200 {
		t.Errorf("Fields[amount_cents] = %v, want 4200", entry.Fields["amount_cents"])
	}
	if entry.Fields["error"] == "" {
		t.Error("expected error field to be populated")
	}
}
