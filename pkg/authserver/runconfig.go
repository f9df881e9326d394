// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/indieauth/pkg/authserver/revocation"
	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// RunConfig is the serializable configuration read from the config file.
// File paths and environment variable names in it are resolved by ToConfig.
type RunConfig struct {
	// Issuer is the server's base URL.
	Issuer string `json:"issuer" yaml:"issuer"`

	// ListenAddress is the HTTP listen address. Defaults to ":8080".
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty"`

	// Lifetimes holds human readable lifetimes ("10 minutes", "15m").
	Lifetimes *LifetimeRunConfig `json:"lifetimes,omitempty" yaml:"lifetimes,omitempty"`

	// Keys configures the signing key source.
	Keys *SigningKeyRunConfig `json:"keys,omitempty" yaml:"keys,omitempty"`

	// Storage configures the storage backend.
	Storage *storage.RunConfig `json:"storage,omitempty" yaml:"storage,omitempty"`

	// Verification configures access token verification.
	Verification *VerificationRunConfig `json:"verification,omitempty" yaml:"verification,omitempty"`

	// CleanupInterval is the reaper period. Defaults to "5 minutes".
	CleanupInterval string `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`

	ExposeErrorDescriptions bool `json:"expose_error_descriptions,omitempty" yaml:"expose_error_descriptions,omitempty"`
	EnableRegistration      bool `json:"enable_registration,omitempty" yaml:"enable_registration,omitempty"`

	// TokenRateLimit is the token endpoint rate in requests per second.
	TokenRateLimit float64 `json:"token_rate_limit,omitempty" yaml:"token_rate_limit,omitempty"`
	TokenRateBurst int     `json:"token_rate_burst,omitempty" yaml:"token_rate_burst,omitempty"`
}

// LifetimeRunConfig holds the lifetime strings.
type LifetimeRunConfig struct {
	AuthorizationCode string `json:"authorization_code,omitempty" yaml:"authorization_code,omitempty"`
	AccessToken       string `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	RefreshToken      string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
}

// SigningKeyRunConfig selects the key provider. Without a JWKS file or key
// directory, ephemeral keys are generated.
type SigningKeyRunConfig struct {
	JWKSFile         string   `json:"jwks_file,omitempty" yaml:"jwks_file,omitempty"`
	KeyDir           string   `json:"key_dir,omitempty" yaml:"key_dir,omitempty"`
	SigningKeyFiles  []string `json:"signing_key_files,omitempty" yaml:"signing_key_files,omitempty"`
	FallbackKeyFiles []string `json:"fallback_key_files,omitempty" yaml:"fallback_key_files,omitempty"`
	Algorithm        string   `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	GeneratedKeys    int      `json:"generated_keys,omitempty" yaml:"generated_keys,omitempty"`
}

// VerificationRunConfig configures how access tokens are verified.
type VerificationRunConfig struct {
	// JWKSURL fetches verification keys from a remote JWKS document.
	JWKSURL string `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"`
	// JWKSTimeout bounds remote fetches. Defaults to "5s".
	JWKSTimeout string `json:"jwks_timeout,omitempty" yaml:"jwks_timeout,omitempty"`
	// JWKSCABundle is a PEM file of CAs trusted for the JWKS host.
	JWKSCABundle string `json:"jwks_ca_bundle,omitempty" yaml:"jwks_ca_bundle,omitempty"`
	// AllowPrivateIP permits a JWKS URL on a private or loopback address.
	AllowPrivateIP bool `json:"allow_private_ip,omitempty" yaml:"allow_private_ip,omitempty"`
	// MaxAge rejects tokens issued longer ago than this.
	MaxAge string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// LoadRunConfig reads a YAML run configuration from path.
func LoadRunConfig(path string) (*RunConfig, error) {
	// #nosec G304 - file path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, autherrors.NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	return ParseRunConfig(data)
}

// ParseRunConfig decodes a YAML run configuration. Unknown fields are rejected.
func ParseRunConfig(data []byte) (*RunConfig, error) {
	var rc RunConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil {
		return nil, autherrors.NewConfigurationError("failed to parse config", err)
	}
	return &rc, nil
}

// ToConfig resolves the run configuration using the process environment.
func (rc *RunConfig) ToConfig() (Config, error) {
	return rc.ToConfigWithEnv(&env.OSReader{})
}

// ToConfigWithEnv resolves the run configuration: it parses lifetimes,
// builds the key provider and reads secrets from the environment.
func (rc *RunConfig) ToConfigWithEnv(envReader env.Reader) (Config, error) {
	cfg := Config{
		Issuer:                  rc.Issuer,
		ListenAddress:           rc.ListenAddress,
		ExposeErrorDescriptions: rc.ExposeErrorDescriptions,
		EnableRegistration:      rc.EnableRegistration,
		TokenRateLimit:          rc.TokenRateLimit,
		TokenRateBurst:          rc.TokenRateBurst,
	}

	var err error
	if rc.Lifetimes != nil {
		if cfg.AuthCodeLifespan, err = optionalLifetime("authorization_code", rc.Lifetimes.AuthorizationCode); err != nil {
			return Config{}, err
		}
		if cfg.AccessTokenLifespan, err = optionalLifetime("access_token", rc.Lifetimes.AccessToken); err != nil {
			return Config{}, err
		}
		if cfg.RefreshTokenLifespan, err = optionalLifetime("refresh_token", rc.Lifetimes.RefreshToken); err != nil {
			return Config{}, err
		}
	}
	if cfg.CleanupInterval, err = optionalLifetime("cleanup_interval", rc.CleanupInterval); err != nil {
		return Config{}, err
	}

	if v := rc.Verification; v != nil {
		cfg.RemoteJWKSURL = v.JWKSURL
		cfg.RemoteJWKSCABundle = v.JWKSCABundle
		cfg.RemoteJWKSAllowPrivate = v.AllowPrivateIP
		if cfg.RemoteJWKSTimeout, err = optionalLifetime("jwks_timeout", v.JWKSTimeout); err != nil {
			return Config{}, err
		}
		if cfg.TokenMaxAge, err = optionalLifetime("max_age", v.MaxAge); err != nil {
			return Config{}, err
		}
	}
	if cfg.RemoteJWKSURL != "" && cfg.RemoteJWKSTimeout == 0 {
		cfg.RemoteJWKSTimeout = revocation.DefaultJWKSTimeout
	}

	cfg.Storage = storageConfigFromRunConfig(rc.Storage, envReader)

	cfg.KeyProvider, err = createKeyProvider(rc.Keys)
	if err != nil {
		return Config{}, fmt.Errorf("failed to create key provider: %w", err)
	}
	return cfg, nil
}

func optionalLifetime(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := ParseLifetime(value)
	if err != nil {
		return 0, autherrors.NewConfigurationError("invalid "+name, err)
	}
	return d, nil
}

// createKeyProvider builds the key provider. A missing or empty section
// selects ephemeral keys (development mode).
func createKeyProvider(rc *SigningKeyRunConfig) (keys.KeyProvider, error) {
	if rc == nil {
		return keys.NewGeneratingProvider(keys.DefaultAlgorithm, keys.DefaultGeneratedKeys), nil
	}
	return keys.NewProviderFromConfig(keys.Config{
		JWKSFile:         rc.JWKSFile,
		KeyDir:           rc.KeyDir,
		SigningKeyFiles:  rc.SigningKeyFiles,
		FallbackKeyFiles: rc.FallbackKeyFiles,
		Algorithm:        rc.Algorithm,
		GeneratedKeys:    rc.GeneratedKeys,
	})
}

// storageConfigFromRunConfig converts the storage section. The Redis
// password is read from the environment variable the section names.
func storageConfigFromRunConfig(rc *storage.RunConfig, envReader env.Reader) storage.Config {
	cfg := *storage.DefaultConfig()
	if rc == nil {
		return cfg
	}
	if rc.Type != "" {
		cfg.Type = storage.Type(rc.Type)
	}
	cfg.Dir = rc.Dir
	cfg.SQLitePath = rc.SQLitePath
	if r := rc.Redis; r != nil {
		cfg.Redis = storage.RedisConfig{
			Addrs:              r.Addrs,
			SentinelMasterName: r.SentinelMasterName,
			DB:                 r.DB,
			Username:           r.Username,
			KeyPrefix:          r.KeyPrefix,
		}
		if r.PasswordEnvVar != "" {
			cfg.Redis.Password = envReader.Getenv(r.PasswordEnvVar)
		}
	}
	return cfg
}
