// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE challenge methods (RFC 7636).
const (
	PKCEChallengeMethodS256  = "S256"
	PKCEChallengeMethodPlain = "plain"
)

const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

var (
	// ErrUnsupportedChallengeMethod is returned for challenge methods other than S256 and plain.
	ErrUnsupportedChallengeMethod = errors.New("unsupported code_challenge_method")
	// ErrPKCEMismatch is returned when the verifier does not match the stored challenge.
	ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")
)

// GeneratePKCEVerifier generates a 43 character code_verifier per RFC 7636 Section 4.1.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes BASE64URL(SHA256(verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// NormalizeChallengeMethod returns the method to use for a request. An empty
// method means S256.
func NormalizeChallengeMethod(method string) (string, error) {
	switch method {
	case "", PKCEChallengeMethodS256:
		return PKCEChallengeMethodS256, nil
	case PKCEChallengeMethodPlain:
		return PKCEChallengeMethodPlain, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChallengeMethod, method)
	}
}

// VerifyPKCE checks verifier against challenge using method.
func VerifyPKCE(method, challenge, verifier string) error {
	method, err := NormalizeChallengeMethod(method)
	if err != nil {
		return err
	}
	if !validVerifier(verifier) {
		return ErrPKCEMismatch
	}

	computed := verifier
	if method == PKCEChallengeMethodS256 {
		computed = ComputePKCEChallenge(verifier)
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}

// validVerifier reports whether verifier is 43 to 128 characters from the
// unreserved set of RFC 7636 Section 4.1.
func validVerifier(verifier string) bool {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		switch c := verifier[i]; {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// RandomHex returns n random bytes, hex encoded.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RandomToken returns n random bytes, base64url encoded without padding.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
