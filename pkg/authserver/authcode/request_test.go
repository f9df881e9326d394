// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authcode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/indieauth/pkg/authserver/storage"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

func TestRequest_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr string
	}{
		{name: "valid", mutate: func(*Request) {}},
		{name: "token response type", mutate: func(r *Request) { r.ResponseType = "token" }, wantErr: "unsupported response_type"},
		{name: "missing state", mutate: func(r *Request) { r.State = "" }, wantErr: "state is required"},
		{name: "missing challenge", mutate: func(r *Request) { r.CodeChallenge = "" }, wantErr: "code_challenge is required"},
		{name: "relative redirect", mutate: func(r *Request) { r.RedirectURI = "/cb" }, wantErr: "redirect_uri must be an absolute URL"},
		{name: "relative client", mutate: func(r *Request) { r.ClientID = "app" }, wantErr: "client_id must be an absolute URL"},
		{name: "relative me", mutate: func(r *Request) { r.Me = "user" }, wantErr: "me must be an absolute URL"},
		{name: "unknown method", mutate: func(r *Request) { r.CodeChallengeMethod = "S512" }, wantErr: "unsupported code_challenge_method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := testRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, autherrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequest_ValidateNormalizes(t *testing.T) {
	t.Parallel()

	req := testRequest()
	req.CodeChallengeMethod = ""
	req.Scope = " create  create update "
	require.NoError(t, req.Validate())
	assert.Equal(t, "S256", req.CodeChallengeMethod)
	assert.Equal(t, "create update", req.Scope)
}

func TestRequestFromQuery(t *testing.T) {
	t.Parallel()

	req := RequestFromQuery(map[string][]string{
		"response_type": {"code"},
		"client_id":     {"https://app.example/id"},
		"me":            {"https://user.example/"},
	})
	assert.Equal(t, "code", req.ResponseType)
	assert.Equal(t, "https://app.example/id", req.ClientID)
	assert.Equal(t, "https://user.example/", req.Me)
}

func TestManager_Prepare(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stores := storage.NewMemoryStores()
	_, err := stores.ClientApplications.StoreOne(ctx, &storage.ClientApplication{
		ClientID:     "https://registered.example/",
		ClientName:   "Registered",
		RedirectURIs: []string{"https://callback.example/cb"},
	})
	require.NoError(t, err)
	_, err = stores.UserProfiles.StoreOne(ctx, &storage.UserProfile{Me: "https://user.example/", Name: "User"})
	require.NoError(t, err)

	m := NewManager(Config{}, stores)

	t.Run("unregistered client on its own host", func(t *testing.T) {
		t.Parallel()
		summary, err := m.Prepare(ctx, testRequest())
		require.NoError(t, err)
		assert.Nil(t, summary.Client)
		require.NotNil(t, summary.Profile)
		assert.Equal(t, "User", summary.Profile.Name)
		assert.Equal(t, []string{"create", "update"}, summary.Scopes)
	})

	t.Run("unregistered client on another host", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.RedirectURI = "https://elsewhere.example/cb"
		_, err := m.Prepare(ctx, req)
		assert.True(t, autherrors.IsValidation(err))
	})

	t.Run("registered client", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.ClientID = "https://registered.example/"
		req.RedirectURI = "https://callback.example/cb"
		req.Me = ""
		req.Scope = ""
		summary, err := m.Prepare(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, summary.Client)
		assert.Equal(t, "Registered", summary.Client.ClientName)
		assert.Nil(t, summary.Profile)
		assert.Empty(t, summary.Scopes)
	})

	t.Run("registered client with unlisted redirect", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.ClientID = "https://registered.example/"
		req.RedirectURI = "https://registered.example/cb"
		_, err := m.Prepare(ctx, req)
		assert.True(t, autherrors.IsValidation(err))
	})
}
