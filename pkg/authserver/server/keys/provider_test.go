// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeECKey writes a fresh PEM-encoded EC key into dir and returns the filename.
func writeECKey(t *testing.T, dir, filename string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), data, 0600))
	return filename
}

func kids(set jose.JSONWebKeySet) []string {
	out := make([]string, 0, len(set.Keys))
	for _, key := range set.Keys {
		out = append(out, key.KeyID)
	}
	return out
}

func TestFileProvider(t *testing.T) {
	t.Parallel()

	t.Run("loads signing and fallback keys", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		a := writeECKey(t, dir, "a.pem")
		b := writeECKey(t, dir, "b.pem")
		old := writeECKey(t, dir, "old.pem")

		provider, err := NewFileProvider(Config{
			KeyDir:           dir,
			SigningKeyFiles:  []string{a, b},
			FallbackKeyFiles: []string{old},
		})
		require.NoError(t, err)

		set, err := provider.KeySet(context.Background())
		require.NoError(t, err)

		private := set.Private()
		public := set.Public()
		require.Len(t, private.Keys, 2)
		require.Len(t, public.Keys, 3)

		for _, key := range private.Keys {
			assert.Equal(t, "ES256", key.Algorithm)
			assert.NotEmpty(t, key.KeyID)
			assert.Len(t, public.Key(key.KeyID), 1, "every signing key is published")
		}
		for _, key := range public.Keys {
			assert.True(t, key.IsPublic())
		}

		_, err = set.SigningKey(public.Keys[2].KeyID)
		assert.ErrorIs(t, err, ErrUnknownKid, "fallback keys never sign")
	})

	t.Run("fails for non-existent file", func(t *testing.T) {
		t.Parallel()
		_, err := NewFileProvider(Config{KeyDir: "/nonexistent", SigningKeyFiles: []string{"key.pem"}})
		assert.ErrorContains(t, err, "failed to load signing key")
	})

	t.Run("fails for invalid fallback key", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		a := writeECKey(t, dir, "a.pem")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "invalid.pem"), []byte("not a valid pem"), 0600))

		_, err := NewFileProvider(Config{KeyDir: dir, SigningKeyFiles: []string{a}, FallbackKeyFiles: []string{"invalid.pem"}})
		assert.ErrorContains(t, err, "failed to load fallback key")
	})

	t.Run("fails when signing key files are missing", func(t *testing.T) {
		t.Parallel()
		_, err := NewFileProvider(Config{KeyDir: "/some/dir"})
		assert.ErrorContains(t, err, "signing key files are required")
	})

	t.Run("loads a JWKS document", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "jwks.json")
		generated, err := GenerateKeySet("ES256", 2)
		require.NoError(t, err)
		require.NoError(t, WriteJWKSFile(path, generated))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		provider, err := NewFileProvider(Config{JWKSFile: path})
		require.NoError(t, err)
		set, err := provider.KeySet(context.Background())
		require.NoError(t, err)
		assert.Equal(t, kids(generated.Public()), kids(set.Public()))
	})

	t.Run("reload swaps the set and keeps it on failure", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "jwks.json")

		first, err := GenerateKeySet("ES256", 1)
		require.NoError(t, err)
		require.NoError(t, WriteJWKSFile(path, first))

		provider, err := NewFileProvider(Config{JWKSFile: path})
		require.NoError(t, err)

		second, err := GenerateKeySet("ES256", 2)
		require.NoError(t, err)
		require.NoError(t, WriteJWKSFile(path, second))
		require.NoError(t, provider.Reload(ctx))

		set, err := provider.KeySet(ctx)
		require.NoError(t, err)
		assert.Equal(t, kids(second.Public()), kids(set.Public()))

		require.NoError(t, os.WriteFile(path, []byte("{"), 0600))
		require.Error(t, provider.Reload(ctx))

		set, err = provider.KeySet(ctx)
		require.NoError(t, err)
		assert.Equal(t, kids(second.Public()), kids(set.Public()), "failed reload keeps the previous set")
	})
}

func TestGeneratingProvider(t *testing.T) {
	t.Parallel()

	t.Run("generates keys on first access", func(t *testing.T) {
		t.Parallel()
		provider := NewGeneratingProvider("", 0)

		set, err := provider.KeySet(context.Background())
		require.NoError(t, err)
		private := set.Private()
		require.Len(t, private.Keys, DefaultGeneratedKeys)
		assert.Equal(t, DefaultAlgorithm, private.Keys[0].Algorithm)
		assert.NotEqual(t, private.Keys[0].KeyID, private.Keys[1].KeyID)
	})

	t.Run("supports ES384", func(t *testing.T) {
		t.Parallel()
		set, err := NewGeneratingProvider("ES384", 1).KeySet(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ES384", set.Private().Keys[0].Algorithm)
	})

	t.Run("fails for unsupported algorithm", func(t *testing.T) {
		t.Parallel()
		_, err := NewGeneratingProvider("HS256", 1).KeySet(context.Background())
		assert.ErrorContains(t, err, "unsupported algorithm")
	})

	t.Run("thread-safe concurrent access", func(t *testing.T) {
		t.Parallel()
		provider := NewGeneratingProvider("ES256", 2)

		var wg sync.WaitGroup
		var sets [10]*KeySet
		var errs [10]error
		for i := range 10 {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				sets[idx], errs[idx] = provider.KeySet(context.Background())
			}(i)
		}
		wg.Wait()

		for i := range 10 {
			require.NoError(t, errs[i])
			assert.Same(t, sets[0], sets[i])
		}
	})
}

func TestNewProviderFromConfig(t *testing.T) {
	t.Parallel()

	t.Run("creates FileProvider from key dir", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		provider, err := NewProviderFromConfig(Config{KeyDir: dir, SigningKeyFiles: []string{writeECKey(t, dir, "k.pem")}})
		require.NoError(t, err)
		_, ok := provider.(*FileProvider)
		assert.True(t, ok, "expected FileProvider")
	})

	t.Run("creates GeneratingProvider when nothing is configured", func(t *testing.T) {
		t.Parallel()
		provider, err := NewProviderFromConfig(Config{})
		require.NoError(t, err)
		_, ok := provider.(*GeneratingProvider)
		assert.True(t, ok, "expected GeneratingProvider")
	})

	t.Run("rejects key files without a directory", func(t *testing.T) {
		t.Parallel()
		_, err := NewProviderFromConfig(Config{SigningKeyFiles: []string{"k.pem"}})
		assert.ErrorContains(t, err, "key directory is required")
	})
}
