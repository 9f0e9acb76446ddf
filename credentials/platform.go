// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"meterflow/platform/shared/logger"
)

// PlatformKeyEnv is the environment fallback for the managed provider key,
// used in development and deployments without AWS Secrets Manager.
const PlatformKeyEnv = "METERFLOW_PLATFORM_API_KEY"

// PlatformKeyResolver resolves the platform's own provider API key for
// managed-mode calls.
type PlatformKeyResolver interface {
	PlatformKey(ctx context.Context) (string, error)
}

// secretsAPI is the Secrets Manager surface the resolver needs.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerResolver fetches the platform key from AWS Secrets Manager
// with a short cache, falling back to the environment variable when no ARN
// is configured.
type SecretsManagerResolver struct {
	client    secretsAPI
	secretARN string
	ttl       time.Duration
	log       *logger.Logger

	mu        sync.RWMutex
	cached    string
	expiresAt time.Time
}

// NewSecretsManagerResolver creates a resolver for the given secret ARN.
// An empty ARN skips AWS entirely and reads PlatformKeyEnv.
func NewSecretsManagerResolver(ctx context.Context, secretARN, region string) (*SecretsManagerResolver, error) {
	r := &SecretsManagerResolver{
		secretARN: secretARN,
		ttl:       5 * time.Minute,
		log:       logger.New("credentials"),
	}
	if secretARN == "" {
		return r, nil
	}

	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	r.client = secretsmanager.NewFromConfig(cfg)
	return r, nil
}

// PlatformKey returns the managed provider API key.
func (r *SecretsManagerResolver) PlatformKey(ctx context.Context) (string, error) {
	if r.secretARN == "" {
		key := os.Getenv(PlatformKeyEnv)
		if key == "" {
			return "", fmt.Errorf("no platform key: set %s or configure a secret ARN", PlatformKeyEnv)
		}
		return key, nil
	}

	r.mu.RLock()
	if r.cached != "" && time.Now().Before(r.expiresAt) {
		key := r.cached
		r.mu.RUnlock()
		return key, nil
	}
	r.mu.RUnlock()

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get platform key %s: %w", maskARN(r.secretARN), err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("platform key %s has no string value", maskARN(r.secretARN))
	}

	r.mu.Lock()
	r.cached = *out.SecretString
	r.expiresAt = time.Now().Add(r.ttl)
	r.mu.Unlock()

	r.log.Debug("", "", "Refreshed platform key from Secrets Manager", map[string]interface{}{
		"secret": maskARN(r.secretARN),
	})
	return *out.SecretString, nil
}

// Invalidate drops the cached key, forcing a refetch on the next call.
func (r *SecretsManagerResolver) Invalidate() {
	r.mu.Lock()
	r.cached = ""
	r.mu.Unlock()
}

// StaticResolver returns a fixed key. For tests.
type StaticResolver string

// PlatformKey returns the fixed key.
func (s StaticResolver) PlatformKey(ctx context.Context) (string, error) {
	return string(s), nil
}

// maskARN shows only the last 8 characters of an ARN for logging.
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
