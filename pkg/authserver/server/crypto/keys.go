// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the key and PKCE primitives shared by the key
// manager, the authorization code lifecycle and the token issuer.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for signing.
const MinRSAKeyBits = 2048

// Supported signing algorithms.
const (
	AlgorithmRS256 = "RS256"
	AlgorithmRS384 = "RS384"
	AlgorithmRS512 = "RS512"
	AlgorithmES256 = "ES256"
	AlgorithmES384 = "ES384"
	AlgorithmES512 = "ES512"
	AlgorithmEdDSA = "EdDSA"
)

// LoadSigningKey loads a private key from a PEM file.
// RSA (PKCS1 and PKCS8), ECDSA (SEC1 and PKCS8) and Ed25519 (PKCS8) are supported.
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(keyPEM)
}

// ParseSigningKey parses a PEM encoded private key.
func ParseSigningKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return checkRSASize(rsaKey)
	}

	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return checkRSASize(k)
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported signing key type: %T", key)
	}
}

func checkRSASize(key *rsa.PrivateKey) (crypto.Signer, error) {
	if bits := key.N.BitLen(); bits < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d bits is below minimum required %d bits", bits, MinRSAKeyBits)
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes a private key as a PKCS8 PEM block.
func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GenerateKey creates a new private key for the given algorithm.
func GenerateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case AlgorithmES256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case AlgorithmES384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case AlgorithmES512:
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case AlgorithmRS256, AlgorithmRS384, AlgorithmRS512:
		return rsa.GenerateKey(rand.Reader, MinRSAKeyBits)
	case AlgorithmEdDSA:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of the public key,
// base64url encoded without padding.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm picks the JWS algorithm matching the key type.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return AlgorithmRS256, nil
	case *ecdsa.PrivateKey:
		return deriveECAlgorithm(k.Curve)
	case ed25519.PrivateKey:
		return AlgorithmEdDSA, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func deriveECAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return AlgorithmES256, nil
	case elliptic.P384():
		return AlgorithmES384, nil
	case elliptic.P521():
		return AlgorithmES512, nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}

// ValidateAlgorithmForKey checks that alg can be used with the key.
func ValidateAlgorithmForKey(alg string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch alg {
		case AlgorithmRS256, AlgorithmRS384, AlgorithmRS512:
			return nil
		default:
			return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
		}
	case *ecdsa.PrivateKey:
		expected, err := deriveECAlgorithm(k.Curve)
		if err != nil {
			return err
		}
		if alg != expected {
			return fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
				alg, k.Curve.Params().Name, expected)
		}
		return nil
	case ed25519.PrivateKey:
		if alg != AlgorithmEdDSA {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 key", alg)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %T", key)
	}
}

// SigningKeyParams contains the derived or configured parameters for a signing key.
type SigningKeyParams struct {
	Key       crypto.Signer
	KeyID     string
	Algorithm string
}

// DeriveSigningKeyParams fills in a missing key ID (thumbprint) and algorithm
// (from the key type). Provided values are validated against the key.
func DeriveSigningKeyParams(key crypto.Signer, keyID, algorithm string) (*SigningKeyParams, error) {
	params := &SigningKeyParams{Key: key, KeyID: keyID, Algorithm: algorithm}

	if keyID == "" {
		derived, err := DeriveKeyID(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key ID: %w", err)
		}
		params.KeyID = derived
	}

	if algorithm == "" {
		derived, err := DeriveAlgorithm(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive algorithm: %w", err)
		}
		params.Algorithm = derived
	} else if err := ValidateAlgorithmForKey(algorithm, key); err != nil {
		return nil, err
	}

	return params, nil
}

// JSONWebKey wraps the parameters into a private signing JWK.
func (p *SigningKeyParams) JSONWebKey() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       p.Key,
		KeyID:     p.KeyID,
		Algorithm: p.Algorithm,
		Use:       "sig",
	}
}
