// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/indieauth/pkg/authserver/storage"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// RevocationReasonRotated marks refresh tokens replaced by a refresh grant.
const RevocationReasonRotated = "rotated"

// ErrInvalidScope is returned when a refresh requests scopes that were not granted.
var ErrInvalidScope = errors.New("requested scope exceeds the granted scope")

// Refresh redeems a refresh token. The presented token is revoked with
// reason "rotated" and a new pair is issued for the same grant. A non-empty
// scope narrows the grant and must be a subset of the original scope.
//
// The new refresh record references the new access token's jti.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, scope string) (*TokenPair, error) {
	if i.stores == nil {
		return nil, autherrors.NewConfigurationError("issuer has no storage", nil)
	}
	if refreshToken == "" {
		return nil, autherrors.NewValidationError("refresh_token is required", nil)
	}

	var pair *TokenPair
	err := i.stores.RunInTx(ctx, func(ctx context.Context) error {
		old, err := i.stores.RefreshTokens.RetrieveOne(ctx, *storage.Where(storage.Eq("refresh_token", refreshToken)))
		if err != nil {
			return err
		}
		if old.Revoked {
			return autherrors.NewRevokedError("refresh token has been revoked", nil)
		}
		if old.Exp <= i.now().Unix() {
			return autherrors.NewExpiredError("refresh token has expired", nil)
		}

		granted := old.Scope
		if scope != "" {
			if !ScopeSubset(scope, old.Scope) {
				return autherrors.NewValidationError(ErrInvalidScope.Error(), ErrInvalidScope)
			}
			granted = NormalizeScope(scope)
		}

		// Conditional on the token still being live, so concurrent refreshes
		// of the same token have a single winner.
		rotated, err := i.stores.RefreshTokens.UpdateMany(ctx, storage.UpdateQuery{
			Set: map[string]any{"revoked": true, "revocation_reason": RevocationReasonRotated},
			Where: []storage.TestExpression{
				storage.Eq("refresh_token", refreshToken),
				storage.Ne("revoked", true),
			},
		})
		if err != nil {
			return err
		}
		if len(rotated) == 0 {
			return autherrors.NewAlreadyUsedError("refresh token was already used", nil)
		}

		pair, err = i.issueInTx(ctx, MintRequest{
			ClientID:    old.ClientID,
			RedirectURI: old.RedirectURI,
			Me:          old.Me,
			Scope:       granted,
		})
		if err != nil {
			return fmt.Errorf("failed to issue refreshed tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debugw("rotated refresh token", "client_id", pair.AccessTokenRecord.ClientID, "jti", pair.Claims.ID)
	return pair, nil
}
