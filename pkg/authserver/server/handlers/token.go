// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/indieauth/pkg/authserver/authcode"
	"github.com/stacklok/indieauth/pkg/authserver/token"
	"github.com/stacklok/indieauth/pkg/logger"
)

// Grant types served by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenResponse is the token endpoint success body. A code granted without
// scope is redeemed for the profile URL alone and carries no token.
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Me           string `json:"me"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenHandler handles POST /token requests for the authorization_code and
// refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusTooManyRequests, ErrorTemporarilyUnavailable, errors.New("rate limit exceeded"))
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxFormBodySize)
	if err := req.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, err)
		return
	}

	switch grantType := req.PostForm.Get("grant_type"); grantType {
	case GrantTypeAuthorizationCode:
		h.authorizationCodeGrant(w, req)
	case GrantTypeRefreshToken:
		h.refreshTokenGrant(w, req)
	case "":
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, errors.New("grant_type is required"))
	default:
		h.writeError(w, http.StatusBadRequest, ErrorUnsupportedGrantType,
			fmt.Errorf("unsupported grant_type %q", grantType))
	}
}

func (h *Handler) authorizationCodeGrant(w http.ResponseWriter, req *http.Request) {
	form := req.PostForm
	for _, name := range []string{"code", "client_id", "redirect_uri", "code_verifier"} {
		if form.Get(name) == "" {
			h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, fmt.Errorf("%s is required", name))
			return
		}
	}

	ctx := req.Context()
	grant, err := h.codes.VerifyAndConsume(ctx, form.Get("code"),
		authcode.WithPKCE(form.Get("code_verifier")),
		authcode.WithClient(form.Get("client_id")),
		authcode.WithRedirectURI(form.Get("redirect_uri")),
	)
	if err != nil {
		logger.Debugw("authorization code redemption failed", "error", err)
		h.writeGrantError(w, err)
		return
	}

	if grant.Scope == "" {
		writeJSON(w, http.StatusOK, TokenResponse{Me: grant.Me})
		return
	}

	pair, err := h.issuer.IssueAndPersist(ctx, token.MintRequest{
		ClientID:    grant.ClientID,
		RedirectURI: grant.RedirectURI,
		Me:          grant.Me,
		Scope:       grant.Scope,
	})
	if err != nil {
		h.writeServerError(w, err)
		return
	}
	h.metrics.tokenIssued(GrantTypeAuthorizationCode)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) refreshTokenGrant(w http.ResponseWriter, req *http.Request) {
	refreshToken := req.PostForm.Get("refresh_token")
	if refreshToken == "" {
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, errors.New("refresh_token is required"))
		return
	}

	pair, err := h.issuer.Refresh(req.Context(), refreshToken, req.PostForm.Get("scope"))
	if err != nil {
		logger.Debugw("refresh failed", "error", err)
		h.writeGrantError(w, err)
		return
	}
	h.metrics.tokenIssued(GrantTypeRefreshToken)
	h.writeTokenResponse(w, pair)
}

// writeTokenResponse recomputes expires_in at response time.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *token.TokenPair) {
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn(h.now()),
		Me:           pair.Claims.Me,
		Scope:        pair.Claims.Scope,
		RefreshToken: pair.RefreshToken(),
	})
}
