// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package revocation verifies access tokens and tracks their revocation
// state. It backs the introspection and revocation endpoints.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// Verification failures. They are wrapped in typed errors from pkg/errors.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrInvalidIssuer  = errors.New("invalid issuer")
	ErrTokenTooOld    = errors.New("token exceeds maximum age")
	ErrMissingKid     = errors.New("token header missing kid")
)

// validMethods are the signing algorithms accepted on access tokens.
var validMethods = []string{
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// Claims are the verified claims of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Me       string `json:"me,omitempty"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Issuer is the expected iss claim.
	Issuer string
	// MaxAge rejects tokens issued longer ago than this. Zero disables the check.
	MaxAge time.Duration
}

// Verifier checks access token signatures, issuer, expiry and age.
type Verifier struct {
	cfg  VerifierConfig
	keys KeySource
	now  func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier resolving keys through source.
func NewVerifier(cfg VerifierConfig, source KeySource, opts ...VerifierOption) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, autherrors.NewConfigurationError("verifier issuer is required", nil)
	}
	if source == nil {
		return nil, autherrors.NewConfigurationError("verifier key source is required", nil)
	}
	v := &Verifier{cfg: cfg, keys: source, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses raw and validates it. Failures are SignatureError for bad
// signatures, unknown keys, malformed tokens and issuer mismatches, and
// ExpiredError for expired or too old tokens.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, autherrors.NewSignatureError("token is empty", ErrMalformedToken)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, ErrMissingKid
		}
		return v.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods(validMethods),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	if v.cfg.MaxAge > 0 {
		if claims.IssuedAt == nil {
			return nil, autherrors.NewSignatureError("token has no iat claim", ErrMalformedToken)
		}
		if v.now().Sub(claims.IssuedAt.Time) > v.cfg.MaxAge {
			return nil, autherrors.NewExpiredError(ErrTokenTooOld.Error(), ErrTokenTooOld)
		}
	}
	if claims.ID == "" {
		return nil, autherrors.NewSignatureError("token has no jti claim", ErrMalformedToken)
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return autherrors.NewSignatureError("malformed token", errors.Join(ErrMalformedToken, err))
	case errors.Is(err, jwt.ErrTokenUnverifiable), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return autherrors.NewSignatureError("invalid token signature", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return autherrors.NewExpiredError("token has expired", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return autherrors.NewSignatureError("token issuer mismatch", errors.Join(ErrInvalidIssuer, err))
	default:
		return autherrors.NewSignatureError(fmt.Sprintf("invalid token: %v", err), err)
	}
}
