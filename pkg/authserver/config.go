// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"net/url"
	"time"

	"github.com/stacklok/indieauth/pkg/authserver/authcode"
	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// Default lifetimes.
const (
	DefaultAuthCodeLifespan     = authcode.DefaultTTL
	DefaultAccessTokenLifespan  = 15 * time.Minute
	DefaultRefreshTokenLifespan = 30 * 24 * time.Hour
)

// DefaultListenAddress is used when no listen address is configured.
const DefaultListenAddress = ":8080"

// Config is the resolved configuration of the authorization server.
// All values are final: no file paths or environment variable names.
type Config struct {
	// Issuer is the server's base URL and the iss claim of every token.
	Issuer string

	// ListenAddress is the HTTP listen address.
	ListenAddress string

	// KeyProvider supplies signing and verification keys.
	KeyProvider keys.KeyProvider

	// Storage selects and configures the storage backend.
	Storage storage.Config

	// Lifetimes. Zero values use the defaults.
	AuthCodeLifespan     time.Duration
	AccessTokenLifespan  time.Duration
	RefreshTokenLifespan time.Duration

	// CleanupInterval is the reaper period.
	CleanupInterval time.Duration

	// RemoteJWKSURL, when set, makes the verifier fetch keys from this JWKS
	// document instead of the local key provider.
	RemoteJWKSURL string

	// RemoteJWKSTimeout bounds each remote JWKS fetch.
	RemoteJWKSTimeout time.Duration

	// RemoteJWKSCABundle is a PEM bundle trusted for the remote JWKS host.
	RemoteJWKSCABundle string

	// RemoteJWKSAllowPrivate permits fetching the remote JWKS from private
	// addresses and over plain HTTP to loopback.
	RemoteJWKSAllowPrivate bool

	// TokenMaxAge rejects access tokens issued longer ago than this. Zero
	// disables the check.
	TokenMaxAge time.Duration

	// ExposeErrorDescriptions adds error_description to error responses.
	ExposeErrorDescriptions bool

	// EnableRegistration mounts the client registration endpoint.
	EnableRegistration bool

	// TokenRateLimit and TokenRateBurst bound the token endpoint.
	TokenRateLimit float64
	TokenRateBurst int
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return autherrors.NewConfigurationError("issuer is required", nil)
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return autherrors.NewConfigurationError(fmt.Sprintf("issuer %q must be an absolute http(s) URL", c.Issuer), err)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return autherrors.NewConfigurationError("issuer must not contain a query or fragment", nil)
	}

	if c.KeyProvider == nil {
		return autherrors.NewConfigurationError("key provider is required", nil)
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"authorization code lifespan": c.AuthCodeLifespan,
		"access token lifespan":       c.AccessTokenLifespan,
		"refresh token lifespan":      c.RefreshTokenLifespan,
	} {
		if d < 0 {
			return autherrors.NewConfigurationError(name+" must not be negative", nil)
		}
	}
	if c.RefreshTokenLifespan != 0 && c.RefreshTokenLifespan < c.AccessTokenLifespan {
		return autherrors.NewConfigurationError("refresh token lifespan must not be shorter than the access token lifespan", nil)
	}

	if c.RemoteJWKSURL != "" {
		if u, err := url.Parse(c.RemoteJWKSURL); err != nil || u.Host == "" {
			return autherrors.NewConfigurationError(fmt.Sprintf("invalid remote JWKS URL %q", c.RemoteJWKSURL), err)
		}
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"storage", string(c.Storage.Type),
		"remote_jwks", c.RemoteJWKSURL != "",
	)
	return nil
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeMemory
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = DefaultAuthCodeLifespan
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
		logger.Debugw("applied default access token lifespan", "duration", c.AccessTokenLifespan)
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = DefaultRefreshTokenLifespan
		logger.Debugw("applied default refresh token lifespan", "duration", c.RefreshTokenLifespan)
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = storage.DefaultCleanupInterval
	}
}
