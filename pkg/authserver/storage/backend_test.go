// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestLogCollection_AppendsVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := NewLogCollection[*AccessToken](t.TempDir(), AccessTokenSchema, testLock)
	require.NoError(t, err)

	_, err = c.StoreOne(ctx, &AccessToken{
		JTI: "jti-1", ClientID: "https://app.example/id", RedirectURI: "https://app.example/cb",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(t, c.Path()))

	_, err = c.UpdateMany(ctx, UpdateQuery{Set: map[string]any{"revoked": true}, Where: []TestExpression{Eq("jti", "jti-1")}})
	require.NoError(t, err)
	_, err = c.UpdateMany(ctx, UpdateQuery{Set: map[string]any{"revocation_reason": "testing"}, Where: []TestExpression{Eq("jti", "jti-1")}})
	require.NoError(t, err)
	assert.Equal(t, 3, countLines(t, c.Path()), "updates append new versions")

	got, err := c.RetrieveOne(ctx, *Where(Eq("jti", "jti-1")))
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, "testing", got.RevocationReason)

	dropped, err := c.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, countLines(t, c.Path()))

	got, err = c.RetrieveOne(ctx, *Where(Eq("jti", "jti-1")))
	require.NoError(t, err)
	assert.True(t, got.Revoked)
}

func TestLogCollection_RemoveRewritesAllVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := NewLogCollection[*UserProfile](t.TempDir(), UserProfileSchema, testLock)
	require.NoError(t, err)

	_, err = c.StoreOne(ctx, testProfile("https://a.example/", "A"))
	require.NoError(t, err)
	_, err = c.StoreOne(ctx, testProfile("https://b.example/", "B"))
	require.NoError(t, err)
	_, err = c.UpdateMany(ctx, UpdateQuery{Set: map[string]any{"name": "A2"}, Where: []TestExpression{Eq("me", "https://a.example/")}})
	require.NoError(t, err)
	require.Equal(t, 3, countLines(t, c.Path()))

	removed, err := c.RemoveMany(ctx, Where(Eq("me", "https://a.example/")))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "A2", removed[0].Name)
	assert.Equal(t, 1, countLines(t, c.Path()))
}

func TestFileCollection_LockTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := NewFileCollection[*UserProfile](t.TempDir(), UserProfileSchema, LockConfig{
		Timeout:       20 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		MaxTries:      2,
	})
	require.NoError(t, err)

	holder := flock.New(c.Path() + ".lock")
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	_, err = c.StoreOne(ctx, testProfile("https://a.example/", "A"))
	require.Error(t, err)
	assert.True(t, autherrors.IsStorageIO(err))
	assert.True(t, autherrors.IsRetryable(err))

	require.NoError(t, holder.Unlock())

	_, err = c.StoreOne(ctx, testProfile("https://a.example/", "A"))
	require.NoError(t, err)

	data, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://a.example/")
}

func TestFileCollection_CancelledContext(t *testing.T) {
	t.Parallel()

	c, err := NewFileCollection[*UserProfile](t.TempDir(), UserProfileSchema, testLock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.StoreOne(ctx, testProfile("https://a.example/", "A"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, autherrors.IsRetryable(err))
}

func TestSQLStore_RunInTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := OpenSQLite(ctx, t.TempDir()+"/tx.db")
	require.NoError(t, err)
	stores := NewSQLStores(store)
	t.Cleanup(func() { _ = stores.Close() })

	err = stores.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := stores.UserProfiles.StoreOne(ctx, testProfile("https://a.example/", "A")); err != nil {
			return err
		}
		// Duplicate natural key fails the batch.
		_, err := stores.UserProfiles.StoreOne(ctx, testProfile("https://a.example/", "again"))
		return err
	})
	require.Error(t, err)
	assert.True(t, autherrors.IsConflict(err), "got %v", err)

	all, err := stores.UserProfiles.RetrieveMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, all, "the first insert must be rolled back with the batch")
}

func TestSQLValueMarshalling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind fieldKind
		in   any
		want any
	}{
		{"true", kindBool, true, int64(1)},
		{"false", kindBool, false, int64(0)},
		{"nil", kindString, nil, nil},
		{"int from float", kindInt, float64(42), int64(42)},
		{"json array", kindJSON, []any{"a", "b"}, `["a","b"]`},
		{"string", kindString, "x", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := toSQLValue(tt.kind, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	back, err := fromSQLValue(kindBool, int64(1))
	require.NoError(t, err)
	assert.Equal(t, true, back)

	back, err = fromSQLValue(kindJSON, `["a"]`)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, back)

	back, err = fromSQLValue(kindInt, int64(7))
	require.NoError(t, err)
	assert.Equal(t, float64(7), back)

	back, err = fromSQLValue(kindString, nil)
	require.NoError(t, err)
	assert.Nil(t, back)
}

func TestSQLCollection_CompileWhere(t *testing.T) {
	t.Parallel()

	c := NewSQLCollection[*AuthorizationCode](nil, AuthorizationCodeSchema)

	where, args, err := c.compileWhere([]TestExpression{Eq("code", "abc"), Ne("used", true), Le("exp", 10)}, And)
	require.NoError(t, err)
	assert.Equal(t, ` WHERE "code" IS ? AND "used" IS NOT ? AND "exp" <= ?`, where)
	assert.Equal(t, []any{"abc", int64(1), int64(10)}, args)

	where, _, err = c.compileWhere([]TestExpression{Eq("code", "a"), Eq("code", "b")}, Or)
	require.NoError(t, err)
	assert.Equal(t, ` WHERE "code" IS ? OR "code" IS ?`, where)

	_, _, err = c.compileWhere([]TestExpression{{Key: "exp", Op: OpLess, Value: "soon"}}, And)
	assert.True(t, autherrors.IsUnsupportedOperation(err))
}

func TestNew_SelectsBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, typ := range []Type{TypeMemory, TypeFile, TypeLog, TypeSQLite} {
		t.Run(string(typ), func(t *testing.T) {
			t.Parallel()
			stores, err := New(ctx, Config{Type: typ, Dir: t.TempDir()})
			require.NoError(t, err)
			t.Cleanup(func() { _ = stores.Close() })
			assert.Equal(t, typ, stores.Backend())
		})
	}

	_, err := New(ctx, Config{Type: "cassandra"})
	assert.True(t, autherrors.IsConfiguration(err))

	_, err = New(ctx, Config{Type: TypeFile})
	assert.True(t, autherrors.IsConfiguration(err))
}
