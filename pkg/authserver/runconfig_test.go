// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"

	"github.com/stacklok/indieauth/pkg/authserver/revocation"
	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

const fullConfig = `
issuer: https://auth.example/
listen_address: 127.0.0.1:9000
lifetimes:
  authorization_code: 5 minutes
  access_token: 15m
  refresh_token: 30 days
storage:
  type: redis
  redis:
    addrs: ["localhost:6379"]
    password_env_var: REDIS_PASSWORD
    key_prefix: "test:"
verification:
  jwks_url: https://auth.example/.well-known/jwks.json
  allow_private_ip: true
  max_age: 1 hour
cleanup_interval: 1 minute
expose_error_descriptions: true
enable_registration: true
token_rate_limit: 5
token_rate_burst: 10
`

func TestParseRunConfig_ToConfig(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	rc, err := ParseRunConfig([]byte(fullConfig))
	require.NoError(t, err)

	mockEnv := mocks.NewMockReader(ctrl)
	mockEnv.EXPECT().Getenv("REDIS_PASSWORD").Return("s3cret")

	cfg, err := rc.ToConfigWithEnv(mockEnv)
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example/", cfg.Issuer)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	assert.Equal(t, 5*time.Minute, cfg.AuthCodeLifespan)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenLifespan)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenLifespan)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Equal(t, time.Hour, cfg.TokenMaxAge)
	assert.Equal(t, "https://auth.example/.well-known/jwks.json", cfg.RemoteJWKSURL)
	assert.Equal(t, revocation.DefaultJWKSTimeout, cfg.RemoteJWKSTimeout)
	assert.True(t, cfg.RemoteJWKSAllowPrivate)
	assert.True(t, cfg.ExposeErrorDescriptions)
	assert.True(t, cfg.EnableRegistration)
	assert.InDelta(t, 5.0, cfg.TokenRateLimit, 0)
	assert.Equal(t, 10, cfg.TokenRateBurst)

	assert.Equal(t, storage.TypeRedis, cfg.Storage.Type)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Storage.Redis.Addrs)
	assert.Equal(t, "s3cret", cfg.Storage.Redis.Password)
	assert.Equal(t, "test:", cfg.Storage.Redis.KeyPrefix)

	assert.IsType(t, &keys.GeneratingProvider{}, cfg.KeyProvider)
	require.NoError(t, cfg.Validate())
}

func TestParseRunConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown field", yaml: "issuer: https://a.example/\nissuer_url: x\n"},
		{name: "not yaml", yaml: "issuer: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseRunConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, autherrors.IsConfiguration(err))
		})
	}
}

func TestRunConfig_InvalidLifetime(t *testing.T) {
	t.Parallel()

	rc := &RunConfig{
		Issuer:    "https://auth.example/",
		Lifetimes: &LifetimeRunConfig{AccessToken: "forever"},
	}
	_, err := rc.ToConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_token")
}

func TestLoadRunConfig_JWKSFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	set, err := keys.GenerateKeySet(keys.DefaultAlgorithm, 2)
	require.NoError(t, err)
	jwksPath := filepath.Join(dir, "jwks.json")
	require.NoError(t, keys.WriteJWKSFile(jwksPath, set))

	configPath := filepath.Join(dir, "indieauth.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"issuer: https://auth.example/\nkeys:\n  jwks_file: "+jwksPath+"\nstorage:\n  type: file\n  dir: "+dir+"\n",
	), 0o600))

	rc, err := LoadRunConfig(configPath)
	require.NoError(t, err)
	cfg, err := rc.ToConfig()
	require.NoError(t, err)

	assert.IsType(t, &keys.FileProvider{}, cfg.KeyProvider)
	assert.Equal(t, storage.TypeFile, cfg.Storage.Type)
	assert.Equal(t, dir, cfg.Storage.Dir)
}

func TestLoadRunConfig_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadRunConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, autherrors.IsConfiguration(err))
}
