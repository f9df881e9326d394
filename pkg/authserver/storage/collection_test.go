// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Tests use the forEachBackend helper which calls t.Parallel() internally.
//
//nolint:paralleltest // parallel execution handled by forEachBackend
package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

func TestCollection_StoreAndRetrieveRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		clock := newTestClock(time.UnixMilli(1_700_000_000_123))
		stores := newStores(t, WithClock(clock.Now))

		input := testCode(1)
		stored, err := stores.AuthorizationCodes.StoreOne(ctx, input)
		require.NoError(t, err)

		assert.NotEmpty(t, stored.ID)
		assert.Equal(t, int64(1_700_000_000_123), stored.CreatedAt)
		assert.Equal(t, stored.CreatedAt, stored.UpdatedAt)
		assert.Empty(t, input.ID, "input record must not be mutated")

		got, err := stores.AuthorizationCodes.RetrieveOne(ctx, Query{Where: []TestExpression{Eq("code", input.Code)}})
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(stored, got))
		assert.Empty(t, cmp.Diff(input, got, cmpopts.IgnoreFields(AuthorizationCode{}, "Metadata")))
		assert.False(t, got.Used)
	})
}

func TestCollection_StructuredFieldsRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)

		client := &ClientApplication{
			ClientID:     "https://app.example/id",
			ClientName:   "Example App",
			RedirectURIs: []string{"https://app.example/cb", "https://app.example/cb2"},
		}
		_, err := stores.ClientApplications.StoreOne(ctx, client)
		require.NoError(t, err)

		got, err := stores.ClientApplications.RetrieveOne(ctx, *Where(Eq("client_id", client.ClientID)))
		require.NoError(t, err)
		assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
		assert.Equal(t, "Example App", got.ClientName)
		assert.Empty(t, got.LogoURI)
	})
}

func TestCollection_RetrieveOneRequiresExactlyOne(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)

		_, err := stores.UserProfiles.StoreOne(ctx, testProfile("https://a.example/", "Sam"))
		require.NoError(t, err)
		_, err = stores.UserProfiles.StoreOne(ctx, testProfile("https://b.example/", "Sam"))
		require.NoError(t, err)

		_, err = stores.UserProfiles.RetrieveOne(ctx, *Where(Eq("name", "Sam")))
		require.Error(t, err)
		assert.True(t, autherrors.IsNotFound(err), "ambiguous lookup: %v", err)
		assert.ErrorIs(t, err, ErrNotExactlyOne)

		_, err = stores.UserProfiles.RetrieveOne(ctx, *Where(Eq("name", "Alex")))
		require.Error(t, err)
		assert.True(t, autherrors.IsNotFound(err), "missing lookup: %v", err)

		got, err := stores.UserProfiles.RetrieveOne(ctx, *Where(Eq("name", "Sam"), Eq("me", "https://b.example/")))
		require.NoError(t, err)
		assert.Equal(t, "https://b.example/", got.Me)
	})
}

func TestCollection_RetrieveManyConditions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)

		base := time.Now().Unix()
		for i := 1; i <= 4; i++ {
			c := testCode(i)
			c.Exp = base + int64(i*100)
			_, err := stores.AuthorizationCodes.StoreOne(ctx, c)
			require.NoError(t, err)
		}

		all, err := stores.AuthorizationCodes.RetrieveMany(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		tests := []struct {
			name  string
			query Query
			want  int
		}{
			{"empty where matches all", Query{}, 4},
			{"less than", Query{Where: []TestExpression{{Key: "exp", Op: OpLess, Value: base + 300}}}, 2},
			{"less or equal", Query{Where: []TestExpression{{Key: "exp", Op: OpLessOrEqual, Value: base + 300}}}, 3},
			{"greater than", Query{Where: []TestExpression{{Key: "exp", Op: OpGreater, Value: base + 300}}}, 1},
			{"greater or equal", Query{Where: []TestExpression{{Key: "exp", Op: OpGreaterOrEqual, Value: base + 100}}}, 4},
			{"not equal", Query{Where: []TestExpression{Ne("code", testCode(1).Code)}}, 3},
			{"and", Query{Where: []TestExpression{
				{Key: "exp", Op: OpGreater, Value: base + 100},
				{Key: "exp", Op: OpLess, Value: base + 400},
			}}, 2},
			{"or", Query{Condition: Or, Where: []TestExpression{
				Eq("code", testCode(1).Code),
				Eq("code", testCode(4).Code),
			}}, 2},
			{"bool equality", Query{Where: []TestExpression{Eq("used", false)}}, 4},
			{"fractional less than", Query{Where: []TestExpression{{Key: "exp", Op: OpLess, Value: float64(base) + 100.5}}}, 1},
			{"fractional greater than", Query{Where: []TestExpression{{Key: "exp", Op: OpGreater, Value: float64(base) + 399.5}}}, 1},
			{"fractional equality", Query{Where: []TestExpression{Eq("exp", float64(base)+100.5)}}, 0},
		}
		for _, tt := range tests {
			got, err := stores.AuthorizationCodes.RetrieveMany(ctx, &tt.query)
			require.NoError(t, err, tt.name)
			assert.Len(t, got, tt.want, tt.name)
		}
	})
}

func TestCollection_RejectsInvalidQueries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)
		_, err := stores.AuthorizationCodes.StoreOne(ctx, testCode(1))
		require.NoError(t, err)

		_, err = stores.AuthorizationCodes.RetrieveMany(ctx, Where(TestExpression{Key: "exp", Op: OpLess, Value: "tomorrow"}))
		assert.True(t, autherrors.IsUnsupportedOperation(err), "string operand: %v", err)

		_, err = stores.AuthorizationCodes.RetrieveMany(ctx, Where(TestExpression{Key: "code", Op: OpGreater, Value: 5}))
		assert.True(t, autherrors.IsUnsupportedOperation(err), "string field: %v", err)

		_, err = stores.AuthorizationCodes.RetrieveMany(ctx, Where(Eq("nope", 1)))
		assert.True(t, autherrors.IsValidation(err), "unknown field: %v", err)

		_, err = stores.AuthorizationCodes.RetrieveMany(ctx, &Query{Select: []string{"nope"}})
		assert.True(t, autherrors.IsValidation(err), "unknown select field: %v", err)

		_, err = stores.AuthorizationCodes.UpdateMany(ctx, UpdateQuery{Set: map[string]any{"id": "x"}})
		assert.True(t, autherrors.IsValidation(err), "managed field: %v", err)
	})
}

func TestCollection_SelectProjects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)
		stored, err := stores.AuthorizationCodes.StoreOne(ctx, testCode(7))
		require.NoError(t, err)

		got, err := stores.AuthorizationCodes.RetrieveOne(ctx, Query{
			Select: []string{"me", "scope"},
			Where:  []TestExpression{Eq("code", stored.Code)},
		})
		require.NoError(t, err)
		assert.Equal(t, stored.ID, got.ID)
		assert.Equal(t, "https://user.example/", got.Me)
		assert.Equal(t, "create update", got.Scope)
		assert.Empty(t, got.Code)
		assert.Zero(t, got.Exp)
	})
}

func TestCollection_StoreOneValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)

		bad := testCode(1)
		bad.CodeChallengeMethod = "md5"
		_, err := stores.AuthorizationCodes.StoreOne(ctx, bad)
		require.Error(t, err)
		assert.True(t, autherrors.IsValidation(err))

		// Passes the input check but violates the stored shape (code too short).
		short := testCode(2)
		short.Code = "abc"
		_, err = stores.AuthorizationCodes.StoreOne(ctx, short)
		require.Error(t, err)
		assert.True(t, autherrors.IsValidation(err))

		all, err := stores.AuthorizationCodes.RetrieveMany(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, all, "nothing may be persisted after a validation failure")
	})
}

func TestCollection_StoreOneConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)

		_, err := stores.AuthorizationCodes.StoreOne(ctx, testCode(1))
		require.NoError(t, err)
		_, err = stores.AuthorizationCodes.StoreOne(ctx, testCode(1))
		require.Error(t, err)
		assert.True(t, autherrors.IsConflict(err), "got %v", err)

		all, err := stores.AuthorizationCodes.RetrieveMany(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestCollection_UpdateMany(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		clock := newTestClock(time.UnixMilli(1_700_000_000_000))
		stores := newStores(t, WithClock(clock.Now))

		first, err := stores.AccessTokens.StoreOne(ctx, &AccessToken{
			JTI: "jti-1", ClientID: "https://app.example/id", RedirectURI: "https://app.example/cb",
			Exp: time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)
		_, err = stores.AccessTokens.StoreOne(ctx, &AccessToken{
			JTI: "jti-2", ClientID: "https://app.example/id", RedirectURI: "https://app.example/cb",
			Exp: time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)

		clock.Advance(5 * time.Second)
		updated, err := stores.AccessTokens.UpdateMany(ctx, UpdateQuery{
			Set:   map[string]any{"revoked": true, "revocation_reason": "testing"},
			Where: []TestExpression{Eq("jti", "jti-1")},
		})
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.True(t, updated[0].Revoked)
		assert.Equal(t, "testing", updated[0].RevocationReason)
		assert.Equal(t, first.ID, updated[0].ID)
		assert.Equal(t, first.CreatedAt, updated[0].CreatedAt)
		assert.Equal(t, first.CreatedAt+5000, updated[0].UpdatedAt)

		got, err := stores.AccessTokens.RetrieveOne(ctx, *Where(Eq("jti", "jti-1")))
		require.NoError(t, err)
		assert.True(t, got.Revoked)

		other, err := stores.AccessTokens.RetrieveOne(ctx, *Where(Eq("jti", "jti-2")))
		require.NoError(t, err)
		assert.False(t, other.Revoked)

		none, err := stores.AccessTokens.UpdateMany(ctx, UpdateQuery{
			Set:   map[string]any{"revoked": true},
			Where: []TestExpression{Eq("jti", "missing")},
		})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestCollection_UpdateManyValidationLeavesRecordsUntouched(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)
		stored, err := stores.AuthorizationCodes.StoreOne(ctx, testCode(1))
		require.NoError(t, err)

		for _, set := range []map[string]any{
			{"code_challenge_method": "md5"},
			{"exp": "soon"},
			{"exp": 100.5},
			{"used": "yes"},
			{"scope": 42},
		} {
			_, err = stores.AuthorizationCodes.UpdateMany(ctx, UpdateQuery{
				Set:   set,
				Where: []TestExpression{Eq("code", stored.Code)},
			})
			require.Error(t, err, "%v", set)
			assert.True(t, autherrors.IsValidation(err), "%v: %v", set, err)
		}

		got, err := stores.AuthorizationCodes.RetrieveOne(ctx, *Where(Eq("code", stored.Code)))
		require.NoError(t, err)
		assert.Equal(t, ChallengeMethodS256, got.CodeChallengeMethod)
		assert.Equal(t, stored.UpdatedAt, got.UpdatedAt)
	})
}

func TestCollection_RemoveMany(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)
		for i := 1; i <= 3; i++ {
			_, err := stores.AuthorizationCodes.StoreOne(ctx, testCode(i))
			require.NoError(t, err)
		}

		removed, err := stores.AuthorizationCodes.RemoveMany(ctx, Where(Eq("code", testCode(2).Code)))
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, testCode(2).Code, removed[0].Code)

		left, err := stores.AuthorizationCodes.RetrieveMany(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, left, 2)

		removed, err = stores.AuthorizationCodes.RemoveMany(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, removed, 2)

		left, err = stores.AuthorizationCodes.RetrieveMany(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, left)

		// A removed natural key can be stored again.
		_, err = stores.AuthorizationCodes.StoreOne(ctx, testCode(2))
		require.NoError(t, err)
	})
}

func TestCollection_ConditionalUpdateIsSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)
		stored, err := stores.AuthorizationCodes.StoreOne(ctx, testCode(1))
		require.NoError(t, err)

		const attempts = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				updated, err := stores.AuthorizationCodes.UpdateMany(ctx, UpdateQuery{
					Set:   map[string]any{"used": true},
					Where: []TestExpression{Eq("code", stored.Code), Ne("used", true)},
				})
				if err != nil {
					// Lock contention surfaces as a retryable error, never as a second winner.
					assert.True(t, autherrors.IsRetryable(err), "unexpected error: %v", err)
					return
				}
				mu.Lock()
				winners += len(updated)
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		got, err := stores.AuthorizationCodes.RetrieveOne(ctx, *Where(Eq("code", stored.Code)))
		require.NoError(t, err)
		assert.True(t, got.Used)
	})
}

func TestStores_RunInTx(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStores backendFactory) {
		ctx := context.Background()
		stores := newStores(t)

		err := stores.RunInTx(ctx, func(ctx context.Context) error {
			if _, err := stores.UserProfiles.StoreOne(ctx, testProfile("https://a.example/", "A")); err != nil {
				return err
			}
			_, err := stores.UserProfiles.StoreOne(ctx, testProfile("https://b.example/", "B"))
			return err
		})
		require.NoError(t, err)

		all, err := stores.UserProfiles.RetrieveMany(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}
