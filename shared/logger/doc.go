// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging with per-tenant correlation
for MeterFlow components.

# Overview

The logger outputs single-line JSON to stdout, making logs consumable by
CloudWatch, ELK, or any other log aggregation system.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (ledger, settlement, routing, etc.)
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("settlement")

Log messages with tenant and request context:

	log.Info("tenant-123", "req-456", "Settled usage", map[string]interface{}{
	    "model":      "gpt-4o",
	    "cost_cents": 42,
	})

Log billing errors with the amount attached:

	log.ErrorWithAmount("tenant-123", "req-456", "Debit failed", 42, err, nil)

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
