// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package service wires the metering pipeline from configuration and runs
// the operational HTTP listener. The business surface stays in-process;
// only /metrics and /healthz are exposed.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"meterflow/platform/config"
	"meterflow/platform/credentials"
	"meterflow/platform/llm"
	"meterflow/platform/metering/admission"
	"meterflow/platform/metering/ledger"
	"meterflow/platform/metering/pricing"
	"meterflow/platform/metering/settlement"
	"meterflow/platform/metering/usage"
	"meterflow/platform/routing"
	"meterflow/platform/shared/logger"
)

// Service holds the wired components.
type Service struct {
	Engine  *routing.Engine
	Ledger  ledger.Store
	Settler *settlement.Engine

	db  *sql.DB
	rdb *redis.Client
	cfg *config.Config
	log *logger.Logger
}

// New wires a Service from configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	log := logger.New("service")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := ledger.NewPostgresStore(db,
		ledger.WithMinTopUp(cfg.Metering.MinTopUpCents),
		ledger.WithSignupBonus(cfg.Metering.SignupBonusCents),
	)

	table := pricing.LoadFromEnv()
	if cfg.Metering.PricingFile != "" {
		table, err = pricing.LoadFromFile(cfg.Metering.PricingFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing file: %w", err)
		}
	}

	var monthly usage.MonthlySource = usage.NewLedgerSource(store)
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		monthly = usage.NewCachedSource(monthly, rdb, 0)
	}

	cipher, err := credentials.NewFieldCipher([]byte(cfg.Metering.MasterSecret), "byok-keys")
	if err != nil {
		return nil, err
	}

	resolver, err := credentials.NewSecretsManagerResolver(ctx, cfg.AWS.PlatformKeyARN, cfg.AWS.Region)
	if err != nil {
		return nil, err
	}

	var providerOpts []llm.OpenAIOption
	if cfg.Routing.ProviderURL != "" {
		providerOpts = append(providerOpts, llm.WithBaseURL(cfg.Routing.ProviderURL))
	}
	provider := llm.NewOpenAIClient(providerOpts...)

	settler := settlement.NewEngine(store, table)

	retry := llm.DefaultRetryConfig()
	retry.MaxRetries = cfg.Routing.MaxRetries
	if cfg.Routing.InitialBackoffMs > 0 {
		retry.InitialBackoff = cfg.Routing.InitialBackoff()
	}

	engine := routing.NewEngine(routing.Config{
		Provider:      provider,
		Credentials:   credentials.NewPostgresStore(db),
		Cipher:        cipher,
		PlatformKey:   resolver,
		Gate:          admission.NewGate(table, cfg.Metering.MarginPercent),
		Settler:       settler,
		Monthly:       monthly,
		Ledger:        store,
		PrimaryModel:  cfg.Routing.PrimaryModel,
		FallbackModel: cfg.Routing.FallbackModel,
		Retry:         &retry,
		CallTimeout:   cfg.Routing.CallTimeout(),
	})

	return &Service{
		Engine:  engine,
		Ledger:  store,
		Settler: settler,
		db:      db,
		rdb:     rdb,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Run blocks serving the ops listener until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	handler := cors.Default().Handler(router)
	srv := &http.Server{
		Addr:         s.cfg.OpsAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("", "", "Ops listener started", map[string]interface{}{
			"addr": s.cfg.OpsAddr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Let in-flight auto top-ups finish before closing the stores.
	s.Settler.WaitTopUps()
	return s.Close()
}

// handleHealthz reports store connectivity.
func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.Ledger.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			// Redis is a cache; losing it degrades without failing health.
			status["redis"] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Close releases the database and redis connections.
func (s *Service) Close() error {
	if s.rdb != nil {
		s.rdb.Close()
	}
	return s.db.Close()
}
