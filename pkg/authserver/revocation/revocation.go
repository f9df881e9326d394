// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package revocation

import (
	"context"
	"time"

	"github.com/stacklok/indieauth/pkg/authserver/storage"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// Token type hints accepted on the revocation and introspection endpoints.
const (
	TokenTypeAccessToken  = "access_token"
	TokenTypeRefreshToken = "refresh_token"
)

// RevocationReasonClient is recorded when a client revokes its own token.
const RevocationReasonClient = "client_request"

// Introspection is an RFC 7662 response. Inactive tokens carry only Active.
type Introspection struct {
	Active    bool   `json:"active"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Iss       string `json:"iss,omitempty"`
	JTI       string `json:"jti,omitempty"`
	Me        string `json:"me,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

func inactive() *Introspection { return &Introspection{} }

// Service answers revocation and introspection queries.
type Service struct {
	verifier *Verifier
	stores   *storage.Stores
	now      func() time.Time
}

// NewService creates a service over stores. The verifier's clock is reused
// for refresh token expiry.
func NewService(verifier *Verifier, stores *storage.Stores) *Service {
	return &Service{verifier: verifier, stores: stores, now: verifier.now}
}

// Verifier returns the access token verifier.
func (s *Service) Verifier() *Verifier {
	return s.verifier
}

// IsRevoked reports whether the access token jti was revoked. An unknown jti
// was never revoked.
func (s *Service) IsRevoked(ctx context.Context, jti string) (bool, error) {
	record, err := s.stores.AccessTokens.RetrieveOne(ctx, *storage.Where(storage.Eq("jti", jti)))
	if err != nil {
		if autherrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return record.Revoked, nil
}

// Revoke marks the access token jti revoked. It is idempotent: revoking
// again succeeds, and an empty reason keeps the recorded one.
func (s *Service) Revoke(ctx context.Context, jti, reason string) error {
	record, err := s.stores.AccessTokens.RetrieveOne(ctx, *storage.Where(storage.Eq("jti", jti)))
	if err != nil {
		if autherrors.IsNotFound(err) {
			return autherrors.NewNotFoundError("access token not found", err)
		}
		return err
	}
	if record.Revoked && reason == "" {
		return nil
	}

	set := map[string]any{"revoked": true}
	if reason != "" {
		set["revocation_reason"] = reason
	}
	if _, err := s.stores.AccessTokens.UpdateMany(ctx, storage.UpdateQuery{
		Set:   set,
		Where: []storage.TestExpression{storage.Eq("jti", jti)},
	}); err != nil {
		return err
	}

	logger.Infow("revoked access token", "jti", jti, "reason", reason)
	return nil
}

// RevokeToken revokes a token presented by a client. Unknown, expired and
// already revoked tokens succeed silently. Only a token that fails signature
// verification is an error. Revoking a refresh token also revokes the access
// token issued with it.
func (s *Service) RevokeToken(ctx context.Context, raw, hint string) error {
	if hint != TokenTypeAccessToken {
		found, err := s.revokeRefreshToken(ctx, raw)
		if err != nil || found {
			return err
		}
	}

	claims, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		if autherrors.IsExpired(err) {
			return nil
		}
		if hint == TokenTypeRefreshToken {
			// An unknown refresh token is not an error.
			return nil
		}
		return err
	}

	if err := s.Revoke(ctx, claims.ID, RevocationReasonClient); err != nil && !autherrors.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *Service) revokeRefreshToken(ctx context.Context, raw string) (bool, error) {
	record, err := s.stores.RefreshTokens.RetrieveOne(ctx, *storage.Where(storage.Eq("refresh_token", raw)))
	if err != nil {
		if autherrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if !record.Revoked {
		if _, err := s.stores.RefreshTokens.UpdateMany(ctx, storage.UpdateQuery{
			Set: map[string]any{"revoked": true, "revocation_reason": RevocationReasonClient},
			Where: []storage.TestExpression{
				storage.Eq("refresh_token", raw),
				storage.Ne("revoked", true),
			},
		}); err != nil {
			return true, err
		}
		logger.Infow("revoked refresh token", "client_id", record.ClientID)
	}

	if err := s.Revoke(ctx, record.JTI, RevocationReasonClient); err != nil && !autherrors.IsNotFound(err) {
		return true, err
	}
	return true, nil
}

// Introspect reports whether raw is active: verified, not expired and not
// revoked. The reason a token is inactive is never disclosed. Errors are
// returned only when storage fails.
func (s *Service) Introspect(ctx context.Context, raw, hint string) (*Introspection, error) {
	if hint == TokenTypeRefreshToken {
		return s.introspectRefreshToken(ctx, raw)
	}

	claims, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		logger.Debugw("introspected token failed verification", "error", err)
		if hint == "" {
			return s.introspectRefreshToken(ctx, raw)
		}
		return inactive(), nil
	}

	revoked, err := s.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return inactive(), nil
	}

	result := &Introspection{
		Active:    true,
		Iss:       claims.Issuer,
		JTI:       claims.ID,
		Me:        claims.Me,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		TokenType: "Bearer",
	}
	if claims.ExpiresAt != nil {
		result.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		result.Iat = claims.IssuedAt.Unix()
	}
	return result, nil
}

func (s *Service) introspectRefreshToken(ctx context.Context, raw string) (*Introspection, error) {
	if raw == "" {
		return inactive(), nil
	}
	record, err := s.stores.RefreshTokens.RetrieveOne(ctx, *storage.Where(storage.Eq("refresh_token", raw)))
	if err != nil {
		if autherrors.IsNotFound(err) || autherrors.IsValidation(err) {
			return inactive(), nil
		}
		return nil, err
	}
	if record.Revoked || record.Exp <= s.now().Unix() {
		return inactive(), nil
	}
	return &Introspection{
		Active:    true,
		Exp:       record.Exp,
		Iss:       record.Iss,
		Me:        record.Me,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		TokenType: TokenTypeRefreshToken,
	}, nil
}
