// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	servercrypto "github.com/stacklok/indieauth/pkg/authserver/server/crypto"
)

// SignatureAlgorithms are the algorithms accepted when decoding access tokens.
var SignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// Payload is the caller supplied part of an access token.
type Payload struct {
	Me       string `json:"me,omitempty"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Claims is the full access token claim set: {iss, iat, exp, jti} from
// the registered claims plus the payload.
type Claims struct {
	jwt.Claims
	Payload
}

// ExpiresAt computes floor((now_ms + d_ms) / 1000), the unix second at which
// a lifetime of d started at now ends.
func ExpiresAt(now time.Time, d time.Duration) int64 {
	return (now.UnixMilli() + d.Milliseconds()) / 1000
}

// ExpiresIn is the remaining lifetime in seconds of a token expiring at exp,
// never negative.
func ExpiresIn(exp int64, now time.Time) int64 {
	return max(exp-now.Unix(), 0)
}

// Decode parses a compact JWT and returns its claims without verifying the
// signature. Only use it on tokens this process just signed.
func Decode(raw string) (*Claims, error) {
	parsed, err := jwt.ParseSigned(raw, SignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	var claims Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}
	return &claims, nil
}

// ScopeSubset reports whether every scope in requested was granted.
func ScopeSubset(requested, granted string) bool {
	have := strings.Fields(granted)
	for _, s := range strings.Fields(requested) {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}

// NormalizeScope collapses whitespace and drops duplicate scopes while
// preserving order.
func NormalizeScope(scope string) string {
	var out []string
	for _, s := range strings.Fields(scope) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}

// newRefreshToken returns 32 random bytes, base64url encoded.
func newRefreshToken() (string, error) {
	return servercrypto.RandomToken(32)
}
