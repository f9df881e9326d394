// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authcode implements the authorization code lifecycle: codes are
// issued at consent time, redeemed exactly once, and expire lazily.
package authcode

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	servercrypto "github.com/stacklok/indieauth/pkg/authserver/server/crypto"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	"github.com/stacklok/indieauth/pkg/authserver/token"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// DefaultTTL is the authorization code lifetime.
const DefaultTTL = 10 * time.Minute

// codeBytes is the entropy of an authorization code before hex encoding.
const codeBytes = 32

// ErrorAccessDenied is the error code sent to the client when consent is denied.
const ErrorAccessDenied = "access_denied"

var (
	// ErrClientMismatch is returned when a code is redeemed by another client.
	ErrClientMismatch = errors.New("client_id does not match the authorization code")
	// ErrRedirectMismatch is returned when the redirect URI differs from the one the code was issued for.
	ErrRedirectMismatch = errors.New("redirect_uri does not match the authorization code")
)

// Config configures a Manager.
type Config struct {
	// Issuer is sent as the iss redirect parameter when set.
	Issuer string
	// TTL is the code lifetime.
	TTL time.Duration
}

// Manager issues and redeems authorization codes.
type Manager struct {
	cfg    Config
	stores *storage.Stores
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager persisting codes in stores.
func NewManager(cfg Config, stores *storage.Stores, opts ...Option) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	m := &Manager{cfg: cfg, stores: stores, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issued is the result of an approved consent.
type Issued struct {
	Code        string
	RedirectURL string
	Record      *storage.AuthorizationCode
}

// Issue persists a new code for an approved request and builds the client
// redirect. The resource owner me is the authenticated user; scope is the
// scope they granted, which may be narrower than requested. The caller must
// have matched the request state before calling Issue. An empty scope grants
// identification only.
func (m *Manager) Issue(ctx context.Context, req Request, me, scope string) (*Issued, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if me == "" {
		return nil, autherrors.NewValidationError("me is required", nil)
	}
	if scope = token.NormalizeScope(scope); !token.ScopeSubset(scope, req.Scope) {
		return nil, autherrors.NewValidationError("granted scope exceeds the requested scope", token.ErrInvalidScope)
	}

	code, err := servercrypto.RandomHex(codeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate authorization code: %w", err)
	}

	record, err := m.stores.AuthorizationCodes.StoreOne(ctx, &storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		Me:                  me,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Exp:                 token.ExpiresAt(m.now(), m.cfg.TTL),
		Iss:                 m.cfg.Issuer,
	})
	if err != nil {
		return nil, err
	}

	params := url.Values{"code": {code}, "state": {req.State}}
	if m.cfg.Issuer != "" {
		params.Set("iss", m.cfg.Issuer)
	}
	redirect, err := appendQuery(req.RedirectURI, params)
	if err != nil {
		return nil, err
	}

	logger.Debugw("issued authorization code", "client_id", req.ClientID, "exp", record.Exp)
	return &Issued{Code: code, RedirectURL: redirect, Record: record}, nil
}

// Deny builds the client redirect for a denied request. No code is issued.
func (m *Manager) Deny(req Request) (string, error) {
	params := url.Values{"error": {ErrorAccessDenied}, "state": {req.State}}
	if m.cfg.Issuer != "" {
		params.Set("iss", m.cfg.Issuer)
	}
	return appendQuery(req.RedirectURI, params)
}

// appendQuery adds params to the redirect URI, keeping its existing query.
func appendQuery(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", autherrors.NewValidationError("invalid redirect_uri", err)
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Grant is the identity and scope bound to a redeemed code.
type Grant struct {
	Me          string `json:"me"`
	Scope       string `json:"scope"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

// Check is a binding check run against the stored code before it is consumed.
type Check func(*storage.AuthorizationCode) error

// WithPKCE checks the code_verifier against the stored challenge.
func WithPKCE(verifier string) Check {
	return func(c *storage.AuthorizationCode) error {
		if err := servercrypto.VerifyPKCE(c.CodeChallengeMethod, c.CodeChallenge, verifier); err != nil {
			return autherrors.NewValidationError("PKCE verification failed", err)
		}
		return nil
	}
}

// WithClient checks that the code was issued to clientID.
func WithClient(clientID string) Check {
	return func(c *storage.AuthorizationCode) error {
		if c.ClientID != clientID {
			return autherrors.NewValidationError(ErrClientMismatch.Error(), ErrClientMismatch)
		}
		return nil
	}
}

// WithRedirectURI checks that the code was issued for redirectURI.
func WithRedirectURI(redirectURI string) Check {
	return func(c *storage.AuthorizationCode) error {
		if c.RedirectURI != redirectURI {
			return autherrors.NewValidationError(ErrRedirectMismatch.Error(), ErrRedirectMismatch)
		}
		return nil
	}
}

// VerifyAndConsume redeems code. It fails with NotFound for an unknown code,
// AlreadyUsed for a redeemed one and Expired once exp has passed. The checks
// run before the code is marked used; a failing check leaves it unused.
// Concurrent redemptions of one code have a single winner.
func (m *Manager) VerifyAndConsume(ctx context.Context, code string, checks ...Check) (*Grant, error) {
	if code == "" {
		return nil, autherrors.NewNotFoundError("authorization code not found", nil)
	}

	record, err := m.stores.AuthorizationCodes.RetrieveOne(ctx, *storage.Where(storage.Eq("code", code)))
	if err != nil {
		if autherrors.IsNotFound(err) {
			return nil, autherrors.NewNotFoundError("authorization code not found", err)
		}
		return nil, err
	}
	if record.Used {
		return nil, autherrors.NewAlreadyUsedError("authorization code was already used", nil)
	}
	if record.Exp <= m.now().Unix() {
		return nil, autherrors.NewExpiredError("authorization code has expired", nil)
	}
	for _, check := range checks {
		if err := check(record); err != nil {
			return nil, err
		}
	}

	consumed, err := m.stores.AuthorizationCodes.UpdateMany(ctx, storage.UpdateQuery{
		Set: map[string]any{"used": true},
		Where: []storage.TestExpression{
			storage.Eq("code", code),
			storage.Ne("used", true),
		},
	})
	if err != nil {
		return nil, err
	}
	if len(consumed) == 0 {
		return nil, autherrors.NewAlreadyUsedError("authorization code was already used", nil)
	}

	logger.Debugw("redeemed authorization code", "client_id", record.ClientID)
	return &Grant{
		Me:          record.Me,
		Scope:       record.Scope,
		ClientID:    record.ClientID,
		RedirectURI: record.RedirectURI,
	}, nil
}
