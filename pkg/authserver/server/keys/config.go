// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import "fmt"

// Config holds configuration for creating a KeyProvider.
// The caller is responsible for populating this from their own config source.
type Config struct {
	// JWKSFile is a JSON Web Key Set document. Private keys in it sign tokens;
	// public keys are published for verification only.
	// Takes precedence over KeyDir.
	JWKSFile string

	// KeyDir is the directory containing PEM-encoded private key files.
	// All key filenames are relative to this directory.
	KeyDir string

	// SigningKeyFiles are the keys a signature is randomly picked from
	// (relative to KeyDir). Required when KeyDir is set.
	SigningKeyFiles []string

	// FallbackKeyFiles are published in the JWKS but never sign new tokens.
	//
	// Rotation: add the new key to SigningKeyFiles and move the old one here.
	// Tokens signed with the old key keep verifying until they expire, then
	// the old key can be removed.
	FallbackKeyFiles []string

	// Algorithm and GeneratedKeys configure the ephemeral provider used when
	// no key files are configured.
	Algorithm     string
	GeneratedKeys int
}

// Validate checks that a file based configuration is complete.
func (c Config) Validate() error {
	if c.JWKSFile == "" && c.KeyDir != "" && len(c.SigningKeyFiles) == 0 {
		return fmt.Errorf("signing key files are required when key directory is set")
	}
	if c.JWKSFile == "" && c.KeyDir == "" && (len(c.SigningKeyFiles) > 0 || len(c.FallbackKeyFiles) > 0) {
		return fmt.Errorf("key directory is required when key files are set")
	}
	return nil
}

// NewProviderFromConfig creates a KeyProvider based on the configuration.
//
// Behavior:
//   - JWKSFile set: load the key set document
//   - KeyDir set: load PEM keys from the directory
//   - neither: GeneratingProvider with ephemeral keys (development only)
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.JWKSFile != "" || cfg.KeyDir != "" {
		return NewFileProvider(cfg)
	}
	return NewGeneratingProvider(cfg.Algorithm, cfg.GeneratedKeys), nil
}
