// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const encPrefix = "enc:v1:"

// FieldCipher seals and opens API keys with AES-256-GCM. Sealed values are
// stored as "enc:v1:<base64(nonce+ciphertext)>" so plaintext rows can
// coexist during migration. Safe for concurrent use.
type FieldCipher struct {
	gcm cipher.AEAD
}

// NewFieldCipher derives an AES-256 key from the master secret using HKDF.
// The purpose string isolates this derived key from other uses of the same
// secret.
func NewFieldCipher(masterSecret []byte, purpose string) (*FieldCipher, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("credentials: master secret must not be empty")
	}

	r := hkdf.New(sha256.New, masterSecret, []byte("meterflow-field-encryption"), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("credentials: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	return &FieldCipher{gcm: gcm}, nil
}

// Encrypt seals a plaintext key for storage.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credentials: failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the prefix are
// returned as-is.
func (c *FieldCipher) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("credentials: invalid base64: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("credentials: ciphertext too short")
	}

	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("credentials: decryption failed: %w", err)
	}
	return string(plaintext), nil
}
