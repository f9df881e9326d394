// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-jose/go-jose/v4"

	servercrypto "github.com/stacklok/indieauth/pkg/authserver/server/crypto"
	"github.com/stacklok/indieauth/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go KeyProvider

// KeyProvider provides the key set for JWT operations.
// Implementations handle key sourcing (file, generation).
type KeyProvider interface {
	// KeySet returns the current key set. The returned set is never mutated;
	// rotation swaps in a new one.
	KeySet(ctx context.Context) (*KeySet, error)
}

// Reloader is implemented by providers that can re-read their key material.
type Reloader interface {
	Reload(ctx context.Context) error
}

// FileProvider loads keys from a JWKS document or a directory of PEM files.
// Reload re-reads the source and atomically replaces the set; readers never
// observe a partially loaded set.
type FileProvider struct {
	cfg     Config
	current atomic.Pointer[KeySet]
}

// NewFileProvider creates a provider and loads its keys immediately.
// Supports RSA (PKCS1/PKCS8), ECDSA (SEC1/PKCS8), and Ed25519 keys.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &FileProvider{cfg: cfg}
	set, err := p.load()
	if err != nil {
		return nil, err
	}
	p.current.Store(set)
	return p, nil
}

func (p *FileProvider) load() (*KeySet, error) {
	if p.cfg.JWKSFile != "" {
		return LoadJWKSFile(p.cfg.JWKSFile)
	}

	signing := make([]jose.JSONWebKey, 0, len(p.cfg.SigningKeyFiles))
	for _, filename := range p.cfg.SigningKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(p.cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key %s: %w", filename, err)
		}
		signing = append(signing, key)
	}

	fallback := make([]jose.JSONWebKey, 0, len(p.cfg.FallbackKeyFiles))
	for _, filename := range p.cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(p.cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		fallback = append(fallback, key.Public())
	}

	return NewKeySet(signing, fallback...)
}

func loadKeyFromFile(keyPath string) (jose.JSONWebKey, error) {
	signer, err := servercrypto.LoadSigningKey(keyPath)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	params, err := servercrypto.DeriveSigningKeyParams(signer, "", "")
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("failed to derive key parameters: %w", err)
	}
	return params.JSONWebKey(), nil
}

// KeySet returns the most recently loaded set.
func (p *FileProvider) KeySet(_ context.Context) (*KeySet, error) {
	return p.current.Load(), nil
}

// Reload re-reads the configured key source. On failure the previous set
// stays active.
func (p *FileProvider) Reload(_ context.Context) error {
	set, err := p.load()
	if err != nil {
		logger.Warnw("key reload failed, keeping previous key set", "error", err)
		return err
	}
	p.current.Store(set)
	logger.Infow("reloaded signing keys",
		"signing_keys", len(set.signing),
		"published_keys", len(set.public),
	)
	return nil
}

// GeneratingProvider generates ephemeral keys on first access.
// Suitable for development but NOT recommended for production.
// Generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	algorithm string
	count     int
	mu        sync.Mutex
	set       *KeySet
}

// NewGeneratingProvider creates a provider that generates count ephemeral
// keys lazily. Empty algorithm and non-positive count use the defaults.
func NewGeneratingProvider(algorithm string, count int) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if count < 1 {
		count = DefaultGeneratedKeys
	}
	return &GeneratingProvider{algorithm: algorithm, count: count}
}

// KeySet returns the generated set, generating it if needed.
func (p *GeneratingProvider) KeySet(_ context.Context) (*KeySet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.set != nil {
		return p.set, nil
	}

	set, err := GenerateKeySet(p.algorithm, p.count)
	if err != nil {
		return nil, err
	}

	logger.Warnw("generated ephemeral signing keys - tokens will be invalid after restart",
		"algorithm", p.algorithm,
		"keys", p.count,
	)
	p.set = set
	return set, nil
}

// Compile-time interface checks.
var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
	_ Reloader    = (*FileProvider)(nil)
)
