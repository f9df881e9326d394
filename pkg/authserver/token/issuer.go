// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints signed access tokens and opaque refresh tokens and
// persists the records needed to revoke them later.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// ErrSigningFailure is returned when a token cannot be signed.
var ErrSigningFailure = errors.New("failed to sign access token")

// Config configures the issuer.
type Config struct {
	// Issuer is the iss claim, the authorization server's URL.
	Issuer string
	// AccessTokenTTL is the access token lifetime; exp - iat always equals it.
	AccessTokenTTL time.Duration
	// RefreshTokenTTL is the refresh token lifetime. Zero or negative disables
	// refresh tokens.
	RefreshTokenTTL time.Duration
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithRand overrides the randomness used to pick a signing key.
func WithRand(rnd keys.Rand) Option {
	return func(i *Issuer) { i.rand = rnd }
}

// WithIDGenerator overrides the jti generator.
func WithIDGenerator(newID func() string) Option {
	return func(i *Issuer) { i.newID = newID }
}

// Issuer mints token pairs.
type Issuer struct {
	cfg    Config
	keys   keys.KeyProvider
	stores *storage.Stores
	rand   keys.Rand
	now    func() time.Time
	newID  func() string
}

// NewIssuer builds an issuer. stores may be nil when only MintTokenPair and
// SignAccessToken are used.
func NewIssuer(cfg Config, provider keys.KeyProvider, stores *storage.Stores, opts ...Option) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, autherrors.NewConfigurationError("issuer is required", nil)
	}
	if provider == nil {
		return nil, autherrors.NewConfigurationError("key provider is required", nil)
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}

	i := &Issuer{
		cfg:    cfg,
		keys:   provider,
		stores: stores,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Config returns the issuer configuration with defaults applied.
func (i *Issuer) Config() Config {
	return i.cfg
}

// SignAccessToken signs payload with the key identified by kid. The claims
// are {payload, iat: now, exp: now+expiration, iss, jti: random}.
func (i *Issuer) SignAccessToken(ctx context.Context, payload Payload, expiration time.Duration, kid string) (string, error) {
	set, err := i.keys.KeySet(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load key set: %w", err)
	}
	key, err := set.SigningKey(kid)
	if err != nil {
		return "", err
	}
	return i.sign(key, payload, expiration)
}

func (i *Issuer) sign(key jose.JSONWebKey, payload Payload, expiration time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(key.Algorithm), Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}

	now := i.now()
	iat := jwt.NumericDate(now.Unix())
	exp := jwt.NumericDate(ExpiresAt(now, expiration))
	claims := Claims{
		Claims: jwt.Claims{
			Issuer:   i.cfg.Issuer,
			IssuedAt: &iat,
			Expiry:   &exp,
			ID:       i.newID(),
		},
		Payload: payload,
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}
	return raw, nil
}

// MintRequest describes the grant a token pair is minted for.
type MintRequest struct {
	ClientID    string
	RedirectURI string
	Me          string
	Scope       string
}

// TokenPair is a freshly minted access token with the records that must be
// persisted for it.
type TokenPair struct {
	AccessToken        string
	Claims             *Claims
	AccessTokenRecord  *storage.AccessToken
	RefreshTokenRecord *storage.RefreshToken
}

// RefreshToken returns the opaque refresh token, or "" when none was minted.
func (p *TokenPair) RefreshToken() string {
	if p.RefreshTokenRecord == nil {
		return ""
	}
	return p.RefreshTokenRecord.Token
}

// ExpiresIn recomputes the remaining access token lifetime at now.
func (p *TokenPair) ExpiresIn(now time.Time) int64 {
	return ExpiresIn(int64(*p.Claims.Expiry), now)
}

// MintTokenPair picks a random signing key, signs an access token, and
// derives the refresh token. It persists nothing.
func (i *Issuer) MintTokenPair(ctx context.Context, req MintRequest) (*TokenPair, error) {
	set, err := i.keys.KeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load key set: %w", err)
	}
	kid, err := keys.RandomKey(set.Private(), i.rand)
	if err != nil {
		return nil, err
	}
	key, err := set.SigningKey(kid)
	if err != nil {
		return nil, err
	}

	raw, err := i.sign(key, Payload{Me: req.Me, Scope: req.Scope, ClientID: req.ClientID}, i.cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	claims, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}

	pair := &TokenPair{
		AccessToken: raw,
		Claims:      claims,
		AccessTokenRecord: &storage.AccessToken{
			JTI:         claims.ID,
			ClientID:    req.ClientID,
			RedirectURI: req.RedirectURI,
			Me:          req.Me,
			Scope:       req.Scope,
			Exp:         int64(*claims.Expiry),
		},
	}

	if i.cfg.RefreshTokenTTL > 0 {
		refresh, err := newRefreshToken()
		if err != nil {
			return nil, err
		}
		pair.RefreshTokenRecord = &storage.RefreshToken{
			Token:       refresh,
			ClientID:    req.ClientID,
			Me:          req.Me,
			RedirectURI: req.RedirectURI,
			Scope:       req.Scope,
			JTI:         claims.ID,
			Iss:         i.cfg.Issuer,
			Exp:         ExpiresAt(i.now(), i.cfg.RefreshTokenTTL),
		}
	}
	return pair, nil
}

// IssueAndPersist mints a pair and stores its records in one batch. If
// persistence fails no token is returned.
func (i *Issuer) IssueAndPersist(ctx context.Context, req MintRequest) (*TokenPair, error) {
	if i.stores == nil {
		return nil, autherrors.NewConfigurationError("issuer has no storage", nil)
	}

	var pair *TokenPair
	err := i.stores.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		pair, err = i.issueInTx(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (i *Issuer) issueInTx(ctx context.Context, req MintRequest) (*TokenPair, error) {
	pair, err := i.MintTokenPair(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := i.stores.AccessTokens.StoreOne(ctx, pair.AccessTokenRecord); err != nil {
		return nil, fmt.Errorf("failed to persist access token record: %w", err)
	}
	if pair.RefreshTokenRecord != nil {
		if _, err := i.stores.RefreshTokens.StoreOne(ctx, pair.RefreshTokenRecord); err != nil {
			return nil, fmt.Errorf("failed to persist refresh token record: %w", err)
		}
	}

	logger.Debugw("issued access token",
		"jti", pair.Claims.ID,
		"client_id", req.ClientID,
		"refresh", pair.RefreshTokenRecord != nil,
	)
	return pair, nil
}
