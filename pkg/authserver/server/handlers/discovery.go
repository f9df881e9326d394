// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	servercrypto "github.com/stacklok/indieauth/pkg/authserver/server/crypto"
	"github.com/stacklok/indieauth/pkg/logger"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the metadata endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// AuthorizationServerMetadata is the RFC 8414 metadata document.
type AuthorizationServerMetadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	RegistrationEndpoint                       string   `json:"registration_endpoint,omitempty"`
	JWKSURI                                    string   `json:"jwks_uri"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported     []string `json:"revocation_endpoint_auth_methods_supported"`
	IntrospectionEndpointAuthMethodsSupported  []string `json:"introspection_endpoint_auth_methods_supported"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the public keys used for verifying access tokens.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.KeySet(r.Context())
	if err != nil {
		logger.Errorw("no public JWKS available", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(set.Public())
	if err != nil {
		logger.Errorw("failed to encode JWKS",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// buildOAuthMetadata constructs the RFC 8414 metadata document.
func (h *Handler) buildOAuthMetadata() AuthorizationServerMetadata {
	issuer := strings.TrimSuffix(h.cfg.Issuer, "/")

	metadata := AuthorizationServerMetadata{
		Issuer:                 h.cfg.Issuer,
		AuthorizationEndpoint:  issuer + "/authorize",
		TokenEndpoint:          issuer + "/token",
		IntrospectionEndpoint:  issuer + "/introspect",
		RevocationEndpoint:     issuer + "/revoke",
		JWKSURI:                issuer + "/.well-known/jwks.json",
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		CodeChallengeMethodsSupported: []string{
			servercrypto.PKCEChallengeMethodS256,
			servercrypto.PKCEChallengeMethodPlain,
		},
		TokenEndpointAuthMethodsSupported:          []string{"none"},
		RevocationEndpointAuthMethodsSupported:     []string{"none"},
		IntrospectionEndpointAuthMethodsSupported:  []string{"none"},
		AuthorizationResponseIssParameterSupported: true,
	}
	if h.cfg.EnableRegistration {
		metadata.RegistrationEndpoint = issuer + "/register"
	}
	return metadata
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests.
// It returns the OAuth 2.0 Authorization Server Metadata per RFC 8414.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(h.buildOAuthMetadata())
	if err != nil {
		logger.Errorw("failed to encode OAuth AS metadata",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// HealthHandler handles GET /health requests. It reports unhealthy when the
// key set cannot be loaded.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := h.keys.KeySet(r.Context()); err != nil {
		logger.Warnw("health check failed", "error", err)
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}
