// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the JSON Web Key Sets used to sign and verify access
// tokens. A KeySet is immutable; rotation replaces the whole set.
package keys

import (
	"crypto"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-jose/go-jose/v4"

	servercrypto "github.com/stacklok/indieauth/pkg/authserver/server/crypto"
)

// DefaultAlgorithm is the signing algorithm for generated keys.
// ES256 (ECDSA with P-256) is recommended by NIST and OWASP for JWT signing.
const DefaultAlgorithm = servercrypto.AlgorithmES256

// DefaultGeneratedKeys is the number of keys a GeneratingProvider creates.
// Two keys are enough to exercise rotation.
const DefaultGeneratedKeys = 2

var (
	// ErrEmptyKeySet is returned when a key is requested from an empty set.
	ErrEmptyKeySet = errors.New("key set is empty")
	// ErrMissingKid is returned when a selected key has no key ID.
	ErrMissingKid = errors.New("key has no kid")
	// ErrUnknownKid is returned when no signing key matches a key ID.
	ErrUnknownKid = errors.New("unknown kid")
	// ErrMissingAlgorithm is returned when a signing key declares no algorithm.
	ErrMissingAlgorithm = errors.New("key has no algorithm")
)

// Rand is the randomness source used to pick a signing key.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) } // #nosec G404 - key selection is not a secret

// RandomKey picks one key of jwks uniformly at random and returns its kid.
// A nil rnd uses the process-wide source.
func RandomKey(jwks jose.JSONWebKeySet, rnd Rand) (string, error) {
	if len(jwks.Keys) == 0 {
		return "", ErrEmptyKeySet
	}
	if rnd == nil {
		rnd = globalRand{}
	}
	key := jwks.Keys[rnd.IntN(len(jwks.Keys))]
	if key.KeyID == "" {
		return "", ErrMissingKid
	}
	return key.KeyID, nil
}

// KeySet holds the private signing keys and the public verification set.
// Every signing key is present in the public set. The public set may carry
// extra verification-only keys retained from an earlier rotation.
type KeySet struct {
	signing  []jose.JSONWebKey
	public   []jose.JSONWebKey
	loadedAt time.Time
}

// NewKeySet validates the keys and builds a set. Missing key IDs are derived
// from the RFC 7638 thumbprint and missing algorithms from the key type.
func NewKeySet(signing []jose.JSONWebKey, verifyOnly ...jose.JSONWebKey) (*KeySet, error) {
	if len(signing) == 0 {
		return nil, ErrEmptyKeySet
	}

	set := &KeySet{loadedAt: time.Now()}
	seen := make(map[string]struct{}, len(signing)+len(verifyOnly))

	for i := range signing {
		key, err := normalizeSigningKey(signing[i])
		if err != nil {
			return nil, fmt.Errorf("signing key %d: %w", i, err)
		}
		if _, dup := seen[key.KeyID]; dup {
			return nil, fmt.Errorf("duplicate kid %q", key.KeyID)
		}
		seen[key.KeyID] = struct{}{}
		set.signing = append(set.signing, key)
		set.public = append(set.public, key.Public())
	}

	for i := range verifyOnly {
		key := verifyOnly[i]
		if !key.IsPublic() {
			key = key.Public()
		}
		if !key.Valid() {
			return nil, fmt.Errorf("verification key %d is not a valid public key", i)
		}
		if key.KeyID == "" {
			return nil, fmt.Errorf("verification key %d: %w", i, ErrMissingKid)
		}
		if _, dup := seen[key.KeyID]; dup {
			return nil, fmt.Errorf("duplicate kid %q", key.KeyID)
		}
		seen[key.KeyID] = struct{}{}
		set.public = append(set.public, key)
	}

	return set, nil
}

func normalizeSigningKey(key jose.JSONWebKey) (jose.JSONWebKey, error) {
	if key.IsPublic() || !key.Valid() {
		return key, errors.New("not a valid private key")
	}
	signer, ok := key.Key.(crypto.Signer)
	if !ok {
		return key, fmt.Errorf("unsupported key type %T", key.Key)
	}
	params, err := servercrypto.DeriveSigningKeyParams(signer, key.KeyID, key.Algorithm)
	if err != nil {
		return key, err
	}
	key.KeyID = params.KeyID
	key.Algorithm = params.Algorithm
	if key.Use == "" {
		key.Use = "sig"
	}
	return key, nil
}

// Private returns a copy of the private signing set.
func (s *KeySet) Private() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: append([]jose.JSONWebKey(nil), s.signing...)}
}

// Public returns a copy of the public verification set.
func (s *KeySet) Public() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: append([]jose.JSONWebKey(nil), s.public...)}
}

// LoadedAt reports when the set was built.
func (s *KeySet) LoadedAt() time.Time {
	return s.loadedAt
}

// SigningKey returns the private key with the given kid.
func (s *KeySet) SigningKey(kid string) (jose.JSONWebKey, error) {
	for _, key := range s.signing {
		if key.KeyID == kid {
			if key.Algorithm == "" {
				return jose.JSONWebKey{}, fmt.Errorf("%w: %s", ErrMissingAlgorithm, kid)
			}
			return key, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: %s", ErrUnknownKid, kid)
}

// VerificationKey returns the public key with the given kid.
func (s *KeySet) VerificationKey(kid string) (jose.JSONWebKey, error) {
	for _, key := range s.public {
		if key.KeyID == kid {
			return key, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: %s", ErrUnknownKid, kid)
}

// RandomSigningKey picks a signing key uniformly at random.
func (s *KeySet) RandomSigningKey(rnd Rand) (jose.JSONWebKey, error) {
	kid, err := RandomKey(s.Private(), rnd)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	return s.SigningKey(kid)
}

// GenerateKeySet creates count fresh private keys for algorithm.
func GenerateKeySet(algorithm string, count int) (*KeySet, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if count < 1 {
		count = DefaultGeneratedKeys
	}

	signing := make([]jose.JSONWebKey, 0, count)
	for range count {
		signer, err := servercrypto.GenerateKey(algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		params, err := servercrypto.DeriveSigningKeyParams(signer, "", algorithm)
		if err != nil {
			return nil, err
		}
		signing = append(signing, params.JSONWebKey())
	}
	return NewKeySet(signing)
}
