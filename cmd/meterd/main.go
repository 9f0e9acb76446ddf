// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the MeterFlow metering daemon.
//
// meterd wires the prepaid ledger, admission gate, LLM routing, and
// settlement engine, then serves the operational endpoints (/metrics,
// /healthz).
//
// Usage:
//
//	./meterd [-config path/to/meterflow.yaml]
//
// Environment Variables:
//
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_URL - redis address for the usage cache (optional)
//	METERFLOW_MASTER_SECRET - master secret sealing BYOK keys (required)
//	METERFLOW_PLATFORM_API_KEY - platform provider key (when no ARN is set)
//	METERFLOW_PLATFORM_KEY_ARN - Secrets Manager ARN for the platform key
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"meterflow/platform/config"
	"meterflow/platform/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("METERFLOW_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to start service: %v", err)
	}

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
