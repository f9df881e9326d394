// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v4"
)

// ParseJWKS splits a key set document into signing keys (private) and
// verification-only keys (public).
func ParseJWKS(data []byte) (*KeySet, error) {
	var doc jose.JSONWebKeySet
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	var signing, verifyOnly []jose.JSONWebKey
	for _, key := range doc.Keys {
		if key.IsPublic() {
			verifyOnly = append(verifyOnly, key)
			continue
		}
		signing = append(signing, key)
	}
	return NewKeySet(signing, verifyOnly...)
}

// LoadJWKSFile reads a key set document from disk.
func LoadJWKSFile(path string) (*KeySet, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS file: %w", err)
	}
	return ParseJWKS(data)
}

// WriteJWKSFile writes the private signing keys and any verification-only
// keys of set to path with owner-only permissions.
func WriteJWKSFile(path string, set *KeySet) error {
	doc := set.Private()
	for _, pub := range set.public[len(set.signing):] {
		doc.Keys = append(doc.Keys, pub)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JWKS: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create JWKS directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write JWKS file: %w", err)
	}
	return nil
}
